package common

import "context"

type ctxKey string

const (
	cashierKey     ctxKey = "auth/cashier"
	cashierSlotKey ctxKey = "auth/cashier-slot"
)

// Cashier identifies the authenticated till operator.
type Cashier struct {
	ID      string
	StoreID string
	Name    string
}

// TrackCashier installs a slot that is filled when a cashier is authenticated
// further down the chain, so outer middleware can read it after the handler ran.
func TrackCashier(ctx context.Context) (context.Context, *Cashier) {
	slot := &Cashier{}
	return context.WithValue(ctx, cashierSlotKey, slot), slot
}

// WithCashier stores the authenticated cashier on the provided context.
func WithCashier(ctx context.Context, c Cashier) context.Context {
	if slot, ok := ctx.Value(cashierSlotKey).(*Cashier); ok && slot != nil {
		*slot = c
	}
	return context.WithValue(ctx, cashierKey, c)
}

// CashierFrom extracts the authenticated cashier from the context if present.
func CashierFrom(ctx context.Context) (Cashier, bool) {
	c, ok := ctx.Value(cashierKey).(Cashier)
	if !ok || c.ID == "" {
		return Cashier{}, false
	}
	return c, true
}
