package pricing

import "github.com/shopspring/decimal"

// Tender is the reconciliation of cash handed over against the amount due.
type Tender struct {
	Tendered Money `json:"tendered"`
	Due      Money `json:"due"`
	// Difference is tendered minus due, negative when cash is short.
	Difference Money `json:"difference"`
	Change     Money `json:"change"`
	Shortfall  Money `json:"shortfall"`
	Sufficient bool  `json:"sufficient"`
}

// Reconcile compares the tendered cash with the amount due.
func Reconcile(tendered, due Money) Tender {
	diff := tendered.Sub(due)
	t := Tender{
		Tendered:   tendered,
		Due:        due,
		Difference: diff,
		Change:     decimal.Zero,
		Shortfall:  decimal.Zero,
		Sufficient: !diff.IsNegative(),
	}
	if t.Sufficient {
		t.Change = diff
	} else {
		t.Shortfall = diff
	}
	return t
}
