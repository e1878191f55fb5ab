package pricing

import "github.com/shopspring/decimal"

// Line describes a cart line used for pricing calculation.
type Line struct {
	UnitPrice Money
	Quantity  int
	Gift      bool
	Prices    PriceSet
}

// LineQuote is the computed pricing of a single line.
type LineQuote struct {
	DiscountedUnit Money `json:"discountedUnit"`
	Subtotal       Money `json:"subtotal"`
	DiscountAmount Money `json:"discountAmount"`
}

// Quote aggregates computed checkout totals. It is derived data and is
// recomputed from scratch on every change.
type Quote struct {
	Eligible        bool        `json:"eligible"`
	OriginalTotal   Money       `json:"originalTotal"`
	DiscountedTotal Money       `json:"discountedTotal"`
	DiscountAmount  Money       `json:"discountAmount"`
	PointDeduction  Money       `json:"pointDeduction"`
	FinalTotal      Money       `json:"finalTotal"`
	CashbackDiff    Money       `json:"cashbackDiff"`
	Lines           []LineQuote `json:"lines"`
}

// Input bundles the calculator inputs.
type Input struct {
	Lines  []Line
	Member *Member
	// Points is the redeemed point value, a flat currency deduction. It is
	// applied as given, callers validate it against the member balance.
	Points Money
}

// Compute calculates checkout totals using the default discount policy.
func Compute(in Input) Quote {
	return DefaultPolicy().Compute(in)
}

// Compute calculates checkout totals for the provided input.
func (p Policy) Compute(in Input) Quote {
	eligible := p.Eligible(in.Member)
	original := decimal.Zero
	discounted := decimal.Zero
	lines := make([]LineQuote, len(in.Lines))
	for i, it := range in.Lines {
		if it.Quantity <= 0 {
			lines[i] = LineQuote{DiscountedUnit: it.UnitPrice, Subtotal: decimal.Zero, DiscountAmount: decimal.Zero}
			continue
		}
		qty := decimal.NewFromInt(int64(it.Quantity))
		original = original.Add(it.UnitPrice.Mul(qty))

		unit := it.UnitPrice
		lineDiscount := decimal.Zero
		if !it.Gift {
			unit = p.DiscountedUnit(it.UnitPrice, eligible)
			lineDiscount = it.UnitPrice.Sub(unit).Mul(qty).Round(0)
			if lineDiscount.IsNegative() {
				lineDiscount = decimal.Zero
			}
		}
		subtotal := unit.Mul(qty)
		discounted = discounted.Add(subtotal)
		lines[i] = LineQuote{DiscountedUnit: unit, Subtotal: subtotal, DiscountAmount: lineDiscount}
	}
	if !eligible {
		discounted = original
	}

	points := in.Points
	if points.IsNegative() {
		points = decimal.Zero
	}
	final := discounted.Sub(points)
	if final.IsNegative() {
		final = decimal.Zero
	}
	return Quote{
		Eligible:        eligible,
		OriginalTotal:   original,
		DiscountedTotal: discounted,
		DiscountAmount:  original.Sub(discounted),
		PointDeduction:  points,
		FinalTotal:      final,
		CashbackDiff:    CashbackDiff(in.Lines),
		Lines:           lines,
	}
}

// CashbackDiff sums, over non-gift lines, how much the store price exceeds the
// general tier price times quantity. The sum is rounded once at the end. It is
// informational and never changes the amount charged.
func CashbackDiff(lines []Line) Money {
	total := decimal.Zero
	for _, it := range lines {
		if it.Gift || it.Quantity <= 0 {
			continue
		}
		store := SelectPrice(it.Prices, ModeStoreOnly).Price
		general := SelectPrice(it.Prices, ModeGeneral).Price
		gap := store.Sub(general)
		if !gap.IsPositive() {
			continue
		}
		total = total.Add(gap.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total.Round(0)
}
