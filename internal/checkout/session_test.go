package checkout

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-checkout/internal/pricing"
)

func money(s string) pricing.Money { return decimal.RequireFromString(s) }

func priceSet(distributor, level, store, base string) pricing.PriceSet {
	return pricing.PriceSet{Distributor: money(distributor), Level: money(level), Store: money(store), Base: money(base)}
}

func newSession() *Session {
	return &Session{ID: "s-1", StoreID: "store-1", CashierID: "c-1", Step: StepItems}
}

func sessionWithLine(t *testing.T) *Session {
	t.Helper()
	s := newSession()
	require.NoError(t, s.AddLine(Line{ID: "l-1", ProductID: "p-1", Name: "Tea", Quantity: 2, UnitPrice: money("100"), Prices: priceSet("0", "0", "120", "100")}))
	return s
}

var defaults = Defaults{DeliveryMethod: DeliveryPickup, PaymentMethod: PaymentCash}

func TestNextRequiresLines(t *testing.T) {
	s := newSession()
	require.ErrorIs(t, s.Next(defaults), ErrEmptyCart)
	require.Equal(t, StepItems, s.Step)
}

func TestWizardHappyPath(t *testing.T) {
	s := sessionWithLine(t)

	require.NoError(t, s.Next(defaults))
	require.Equal(t, StepDelivery, s.Step)
	require.Equal(t, DeliveryPickup, s.Delivery.Method)

	require.NoError(t, s.Next(defaults))
	require.Equal(t, StepPayment, s.Step)
	require.Equal(t, PaymentCash, s.Payment.Method)

	require.ErrorIs(t, s.BeginSubmit(pricing.DefaultPolicy()), ErrInsufficientCash)
	require.NoError(t, s.SetPayment(Payment{Method: PaymentCash, Tendered: money("200")}))
	require.NoError(t, s.BeginSubmit(pricing.DefaultPolicy()))
	require.Equal(t, StepSubmitting, s.Step)
	require.Equal(t, 1, s.Attempt)

	require.NoError(t, s.Complete(1, "42", "POS20240101120000-ABCDEF"))
	require.Equal(t, StepComplete, s.Step)
	require.ErrorIs(t, s.Back(), ErrInvalidTransition)
	require.ErrorIs(t, s.Next(defaults), ErrInvalidTransition)
}

func TestHomeDeliveryNeedsAddress(t *testing.T) {
	s := sessionWithLine(t)
	require.NoError(t, s.Next(Defaults{}))
	require.Empty(t, s.Delivery.Method)
	require.ErrorIs(t, s.Next(defaults), ErrDeliveryRequired)

	require.NoError(t, s.SetDelivery(Delivery{Method: DeliveryHome, Recipient: "Ana"}))
	require.ErrorIs(t, s.Next(defaults), ErrAddressRequired)

	require.NoError(t, s.SetDelivery(Delivery{Method: DeliveryHome, Recipient: "Ana", Address: "1 Main St"}))
	require.NoError(t, s.Next(defaults))
	require.Equal(t, StepPayment, s.Step)
}

func TestEditsAreLockedOutsideTheirStep(t *testing.T) {
	s := sessionWithLine(t)
	require.ErrorIs(t, s.SetDelivery(Delivery{Method: DeliveryPickup}), ErrStepLocked)
	require.ErrorIs(t, s.SetPayment(Payment{Method: PaymentCash}), ErrStepLocked)

	require.NoError(t, s.Next(defaults))
	require.ErrorIs(t, s.AddLine(Line{ID: "l-2", ProductID: "p-2", Quantity: 1}), ErrStepLocked)
	require.ErrorIs(t, s.RemoveLine("l-1"), ErrStepLocked)
	require.ErrorIs(t, s.SetMember(nil, false, nil), ErrStepLocked)

	require.NoError(t, s.Back())
	require.Equal(t, StepItems, s.Step)
	require.ErrorIs(t, s.Back(), ErrInvalidTransition)
}

func TestAddLineMergesIdenticalLines(t *testing.T) {
	s := sessionWithLine(t)
	require.NoError(t, s.AddLine(Line{ID: "l-2", ProductID: "p-1", Quantity: 3, UnitPrice: money("100")}))
	require.Len(t, s.Lines, 1)
	require.Equal(t, 5, s.Lines[0].Quantity)

	require.NoError(t, s.AddLine(Line{ID: "l-3", ProductID: "p-1", Quantity: 1, UnitPrice: money("100"), Gift: true}))
	require.Len(t, s.Lines, 2)
}

func TestUpdateLineOverridesPrice(t *testing.T) {
	s := sessionWithLine(t)
	qty := 4
	price := money("80")
	require.NoError(t, s.UpdateLine("l-1", LinePatch{Quantity: &qty, UnitPrice: &price}))
	require.Equal(t, 4, s.Lines[0].Quantity)
	require.True(t, s.Lines[0].PriceOverridden)
	require.Empty(t, s.Lines[0].Tier)
	require.ErrorIs(t, s.UpdateLine("missing", LinePatch{Quantity: &qty}), ErrLineNotFound)
	require.ErrorIs(t, s.RemoveLine("missing"), ErrLineNotFound)
}

func TestSetMemberRepricesAndClearsPoints(t *testing.T) {
	s := newSession()
	require.NoError(t, s.AddLine(Line{ID: "l-1", ProductID: "p-1", Quantity: 1, UnitPrice: money("100"), Prices: priceSet("0", "0", "120", "100")}))
	require.NoError(t, s.AddLine(Line{ID: "l-2", ProductID: "p-2", Quantity: 1, UnitPrice: money("55"), PriceOverridden: true, Prices: priceSet("0", "0", "70", "60")}))
	s.Payment.Points = money("10")

	dealer := &pricing.Member{ID: "m-1", Type: "VIP", SubType: "dealer", Level: "gold"}
	err := s.SetMember(dealer, true, map[string]pricing.PriceSet{
		"p-1": priceSet("80", "90", "120", "100"),
		"p-2": priceSet("50", "0", "70", "60"),
	})
	require.NoError(t, err)
	require.True(t, s.Lines[0].UnitPrice.Equal(money("80")))
	require.Equal(t, pricing.TierDistributor, s.Lines[0].Tier)
	require.True(t, s.Lines[1].UnitPrice.Equal(money("55")), "overridden price is kept")
	require.True(t, s.Payment.Points.IsZero())

	guide := &pricing.Member{ID: "m-2", Type: "VIP", SubType: "guide"}
	require.NoError(t, s.SetMember(guide, false, nil))
	require.Equal(t, pricing.ModeStoreOnly, s.Mode())
	require.True(t, s.Lines[0].UnitPrice.Equal(money("120")))
	require.Equal(t, pricing.TierStore, s.Lines[0].Tier)
}

func TestSetPaymentRules(t *testing.T) {
	s := sessionWithLine(t)
	s.Member = &pricing.Member{ID: "m-1", PointBalance: money("50")}
	require.NoError(t, s.Next(defaults))
	require.NoError(t, s.Next(defaults))

	require.ErrorIs(t, s.SetPayment(Payment{Method: PaymentCash, Points: money("51")}), ErrPointsExceedBalance)

	require.NoError(t, s.SetPayment(Payment{Method: PaymentTransfer, Tendered: money("500"), Points: money("50")}))
	require.True(t, s.Payment.Tendered.IsZero())
	require.NoError(t, s.BeginSubmit(pricing.DefaultPolicy()))

	s.Payment.Method = ""
	s.Step = StepPayment
	require.ErrorIs(t, s.BeginSubmit(pricing.DefaultPolicy()), ErrPaymentRequired)
}

func TestFailReturnsToPaymentWithMessage(t *testing.T) {
	s := sessionWithLine(t)
	require.ErrorIs(t, s.Fail(0, ErrEmptyCart), ErrInvalidTransition)

	s.Step = StepPayment
	s.Payment = Payment{Method: PaymentCredit}
	require.NoError(t, s.BeginSubmit(pricing.DefaultPolicy()))
	require.ErrorIs(t, s.Fail(0, ErrEmptyCart), ErrAttemptSuperseded)
	require.NoError(t, s.Fail(1, ErrEmptyCart))
	require.Equal(t, StepPayment, s.Step)
	require.Equal(t, ErrEmptyCart.Error(), s.LastError)
	require.ErrorIs(t, s.Complete(1, "42", "n"), ErrInvalidTransition, "a failed attempt is settled")

	require.NoError(t, s.BeginSubmit(pricing.DefaultPolicy()))
	require.Equal(t, 2, s.Attempt)
	require.Empty(t, s.LastError)
}

func TestInterruptedAttemptMayStillSettle(t *testing.T) {
	s := sessionWithLine(t)
	s.Step = StepPayment
	s.Payment = Payment{Method: PaymentCredit}
	require.ErrorIs(t, s.Interrupt(), ErrInvalidTransition)
	require.NoError(t, s.BeginSubmit(pricing.DefaultPolicy()))

	require.NoError(t, s.Interrupt())
	require.Equal(t, StepPayment, s.Step)
	require.True(t, s.Interrupted)
	require.Equal(t, ErrSubmissionInterrupted.Error(), s.LastError)

	require.NoError(t, s.Complete(1, "42", "POS20240101120000-ABCDEF"))
	require.Equal(t, StepComplete, s.Step)
	require.False(t, s.Interrupted)
	require.Empty(t, s.LastError)
	require.ErrorIs(t, s.BeginSubmit(pricing.DefaultPolicy()), ErrInvalidTransition)
}

func TestNewAttemptSupersedesInterruptedOne(t *testing.T) {
	s := sessionWithLine(t)
	s.Step = StepPayment
	s.Payment = Payment{Method: PaymentCredit}
	require.NoError(t, s.BeginSubmit(pricing.DefaultPolicy()))
	require.NoError(t, s.Interrupt())
	require.NoError(t, s.BeginSubmit(pricing.DefaultPolicy()))

	require.ErrorIs(t, s.Complete(1, "old", "n"), ErrAttemptSuperseded)
	require.ErrorIs(t, s.Fail(1, ErrEmptyCart), ErrAttemptSuperseded)
	require.Equal(t, StepSubmitting, s.Step)
	require.NoError(t, s.Complete(2, "new", "n"))
	require.Equal(t, "new", s.OrderID)
}

func TestBackClearsInterruption(t *testing.T) {
	s := sessionWithLine(t)
	s.Step = StepPayment
	s.Payment = Payment{Method: PaymentCredit}
	require.NoError(t, s.BeginSubmit(pricing.DefaultPolicy()))
	require.NoError(t, s.Interrupt())
	s.Delivery = Delivery{Method: DeliveryPickup}
	require.NoError(t, s.Back())
	require.NoError(t, s.Next(Defaults{}))

	require.ErrorIs(t, s.Complete(1, "42", "n"), ErrInvalidTransition)
}

func TestQuoteAndTender(t *testing.T) {
	s := sessionWithLine(t)
	s.Member = &pricing.Member{ID: "m-1", Type: "VIP", SubType: "dealer", PointBalance: money("30")}
	s.Payment = Payment{Method: PaymentCash, Tendered: money("200"), Points: money("30")}

	q := s.Quote(pricing.DefaultPolicy())
	require.True(t, q.Eligible)
	require.True(t, q.OriginalTotal.Equal(money("200")))
	require.True(t, q.DiscountedTotal.Equal(money("180")))
	require.True(t, q.FinalTotal.Equal(money("150")))

	tender := s.Tender(q)
	require.True(t, tender.Sufficient)
	require.True(t, tender.Change.Equal(money("50")))
}
