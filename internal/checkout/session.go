package checkout

import (
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-checkout/internal/pricing"
)

// Step is a stage of the checkout wizard.
type Step string

const (
	StepItems      Step = "items"
	StepDelivery   Step = "delivery"
	StepPayment    Step = "payment"
	StepSubmitting Step = "submitting"
	StepComplete   Step = "complete"
)

// Delivery methods.
const (
	DeliveryPickup = "pickup"
	DeliveryHome   = "home_delivery"
)

// Payment methods. Only cash is gated on the tendered amount.
const (
	PaymentCash     = "cash"
	PaymentTransfer = "transfer"
	PaymentCheck    = "check"
	PaymentCredit   = "credit"
)

var (
	ErrEmptyCart           = errors.New("checkout: cart is empty")
	ErrDeliveryRequired    = errors.New("checkout: delivery method required")
	ErrAddressRequired     = errors.New("checkout: recipient and address required for home delivery")
	ErrPaymentRequired     = errors.New("checkout: payment method required")
	ErrInsufficientCash    = errors.New("checkout: tendered cash is less than the amount due")
	ErrStepLocked          = errors.New("checkout: not editable in the current step")
	ErrInvalidTransition   = errors.New("checkout: transition not allowed from the current step")
	ErrLineNotFound        = errors.New("checkout: line not found")
	ErrPointsExceedBalance = errors.New("checkout: redeemed points exceed the member balance")
	ErrSessionNotFound     = errors.New("checkout: session not found")
	ErrAttemptSuperseded   = errors.New("checkout: a newer submission attempt owns the session")
)

// Line is a cart line held by the session.
type Line struct {
	ID        string           `json:"id"`
	ProductID string           `json:"productId"`
	Name      string           `json:"name"`
	Quantity  int              `json:"quantity"`
	UnitPrice pricing.Money    `json:"unitPrice"`
	Gift      bool             `json:"gift"`
	Prices    pricing.PriceSet `json:"prices"`
	// PriceOverridden marks a unit price typed by the cashier; such lines
	// keep their price when the member changes.
	PriceOverridden bool         `json:"priceOverridden"`
	Tier            pricing.Tier `json:"tier,omitempty"`
}

// Delivery is the delivery selection.
type Delivery struct {
	Method    string `json:"method"`
	Recipient string `json:"recipient,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Address   string `json:"address,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Payment is the payment selection.
type Payment struct {
	Method   string        `json:"method"`
	Tendered pricing.Money `json:"tendered"`
	Points   pricing.Money `json:"points"`
}

// Defaults preset selections when a step is entered without one.
type Defaults struct {
	DeliveryMethod string
	PaymentMethod  string
}

// Session holds the state of one checkout wizard. Methods only mutate the
// value; persistence is the Store's job.
type Session struct {
	ID              string          `json:"id"`
	StoreID         string          `json:"storeId"`
	CashierID       string          `json:"cashierId"`
	Step            Step            `json:"step"`
	Member          *pricing.Member `json:"member,omitempty"`
	PurchaseForSelf bool            `json:"purchaseForSelf"`
	Lines           []Line          `json:"lines"`
	Delivery        Delivery        `json:"delivery"`
	Payment         Payment         `json:"payment"`
	Attempt         int             `json:"attempt"`
	LastError       string          `json:"lastError,omitempty"`
	// Interrupted marks a payment step entered through stale recovery. The
	// recovered attempt may still record its outcome until the next one starts.
	Interrupted     bool            `json:"interrupted,omitempty"`
	OrderID         string          `json:"orderId,omitempty"`
	OrderNumber     string          `json:"orderNumber,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Mode is the price selection mode implied by the member and purchase flag.
func (s *Session) Mode() pricing.Mode {
	return pricing.ModeFor(s.Member, s.PurchaseForSelf)
}

// MemberLevel is the level used to resolve catalog level prices.
func (s *Session) MemberLevel() string {
	if s.Member == nil {
		return ""
	}
	return s.Member.Level
}

// Quote computes the current totals.
func (s *Session) Quote(policy pricing.Policy) pricing.Quote {
	lines := make([]pricing.Line, len(s.Lines))
	for i, l := range s.Lines {
		lines[i] = pricing.Line{UnitPrice: l.UnitPrice, Quantity: l.Quantity, Gift: l.Gift, Prices: l.Prices}
	}
	return policy.Compute(pricing.Input{Lines: lines, Member: s.Member, Points: s.Payment.Points})
}

// Tender reconciles the tendered cash against the quote. It is only
// meaningful for cash payments.
func (s *Session) Tender(q pricing.Quote) pricing.Tender {
	return pricing.Reconcile(s.Payment.Tendered, q.FinalTotal)
}

func (s *Session) requireStep(step Step) error {
	if s.Step != step {
		return ErrStepLocked
	}
	return nil
}

// AddLine appends line, merging it into an existing line for the same
// product and price.
func (s *Session) AddLine(line Line) error {
	if err := s.requireStep(StepItems); err != nil {
		return err
	}
	for i := range s.Lines {
		existing := &s.Lines[i]
		if existing.ProductID == line.ProductID &&
			existing.Gift == line.Gift &&
			existing.PriceOverridden == line.PriceOverridden &&
			existing.UnitPrice.Equal(line.UnitPrice) {
			existing.Quantity += line.Quantity
			return nil
		}
	}
	s.Lines = append(s.Lines, line)
	return nil
}

// LinePatch carries the editable fields of a line; nil fields are untouched.
type LinePatch struct {
	Quantity  *int
	UnitPrice *pricing.Money
	Gift      *bool
}

// UpdateLine applies patch to the line with id.
func (s *Session) UpdateLine(id string, patch LinePatch) error {
	if err := s.requireStep(StepItems); err != nil {
		return err
	}
	i := s.lineIndex(id)
	if i < 0 {
		return ErrLineNotFound
	}
	line := &s.Lines[i]
	if patch.Quantity != nil {
		line.Quantity = *patch.Quantity
	}
	if patch.UnitPrice != nil {
		line.UnitPrice = *patch.UnitPrice
		line.PriceOverridden = true
		line.Tier = ""
	}
	if patch.Gift != nil {
		line.Gift = *patch.Gift
	}
	return nil
}

// RemoveLine deletes the line with id.
func (s *Session) RemoveLine(id string) error {
	if err := s.requireStep(StepItems); err != nil {
		return err
	}
	i := s.lineIndex(id)
	if i < 0 {
		return ErrLineNotFound
	}
	s.Lines = slices.Delete(s.Lines, i, i+1)
	return nil
}

func (s *Session) lineIndex(id string) int {
	return slices.IndexFunc(s.Lines, func(l Line) bool { return l.ID == id })
}

// SetMember replaces the member, reprices every line the cashier did not
// price by hand and clears redeemed points. prices maps product ids to the
// candidate sets resolved for the new member's level; lines whose product is
// missing keep their current candidates.
func (s *Session) SetMember(m *pricing.Member, purchaseForSelf bool, prices map[string]pricing.PriceSet) error {
	if err := s.requireStep(StepItems); err != nil {
		return err
	}
	s.Member = m
	s.PurchaseForSelf = purchaseForSelf
	s.Payment.Points = decimal.Zero
	mode := s.Mode()
	for i := range s.Lines {
		line := &s.Lines[i]
		if set, ok := prices[line.ProductID]; ok {
			line.Prices = set
		}
		if line.PriceOverridden {
			continue
		}
		sel := pricing.SelectPrice(line.Prices, mode)
		line.UnitPrice = sel.Price
		line.Tier = sel.Tier
	}
	return nil
}

// SetDelivery replaces the delivery selection.
func (s *Session) SetDelivery(d Delivery) error {
	if err := s.requireStep(StepDelivery); err != nil {
		return err
	}
	s.Delivery = d
	return nil
}

// SetPayment replaces the payment selection. Non-cash methods carry no
// tendered amount; points may not exceed the member's balance.
func (s *Session) SetPayment(p Payment) error {
	if err := s.requireStep(StepPayment); err != nil {
		return err
	}
	if p.Points.IsPositive() {
		if s.Member == nil || p.Points.GreaterThan(s.Member.PointBalance) {
			return ErrPointsExceedBalance
		}
	}
	if p.Method != PaymentCash {
		p.Tendered = decimal.Zero
	}
	s.Payment = p
	return nil
}

// Next advances items→delivery or delivery→payment once the current step's
// guard holds, presetting the next step's default selection.
func (s *Session) Next(d Defaults) error {
	switch s.Step {
	case StepItems:
		if len(s.Lines) == 0 {
			return ErrEmptyCart
		}
		if s.Delivery.Method == "" {
			s.Delivery.Method = d.DeliveryMethod
		}
		s.Step = StepDelivery
	case StepDelivery:
		if err := s.Delivery.validate(); err != nil {
			return err
		}
		if s.Payment.Method == "" {
			s.Payment.Method = d.PaymentMethod
		}
		s.Step = StepPayment
	default:
		return ErrInvalidTransition
	}
	return nil
}

// Back returns delivery→items or payment→delivery.
func (s *Session) Back() error {
	switch s.Step {
	case StepDelivery:
		s.Step = StepItems
	case StepPayment:
		s.Step = StepDelivery
		s.Interrupted = false
	default:
		return ErrInvalidTransition
	}
	return nil
}

// BeginSubmit moves payment→submitting when a payment method is chosen and,
// for cash, the tender covers the final total.
func (s *Session) BeginSubmit(policy pricing.Policy) error {
	if s.Step != StepPayment {
		return ErrInvalidTransition
	}
	if s.Payment.Method == "" {
		return ErrPaymentRequired
	}
	if s.Payment.Method == PaymentCash && !s.Tender(s.Quote(policy)).Sufficient {
		return ErrInsufficientCash
	}
	s.Step = StepSubmitting
	s.Attempt++
	s.LastError = ""
	s.Interrupted = false
	return nil
}

// Complete records the order created by attempt and finishes the wizard.
func (s *Session) Complete(attempt int, orderID, orderNumber string) error {
	if err := s.ownedBy(attempt); err != nil {
		return err
	}
	s.Step = StepComplete
	s.OrderID = orderID
	s.OrderNumber = orderNumber
	s.LastError = ""
	s.Interrupted = false
	return nil
}

// Fail returns attempt's session to payment with the failure message.
func (s *Session) Fail(attempt int, cause error) error {
	if err := s.ownedBy(attempt); err != nil {
		return err
	}
	s.Step = StepPayment
	s.Interrupted = false
	if cause != nil {
		s.LastError = cause.Error()
	}
	return nil
}

// Interrupt returns a submission whose submitter stopped responding to
// payment. The interrupted attempt keeps the right to record its outcome.
func (s *Session) Interrupt() error {
	if s.Step != StepSubmitting {
		return ErrInvalidTransition
	}
	s.Step = StepPayment
	s.Interrupted = true
	s.LastError = ErrSubmissionInterrupted.Error()
	return nil
}

// ownedBy reports whether attempt may still settle the session.
func (s *Session) ownedBy(attempt int) error {
	if s.Attempt != attempt {
		return ErrAttemptSuperseded
	}
	if s.Step == StepSubmitting || (s.Step == StepPayment && s.Interrupted) {
		return nil
	}
	return ErrInvalidTransition
}

func (d Delivery) validate() error {
	if d.Method == "" {
		return ErrDeliveryRequired
	}
	if d.Method == DeliveryHome && (d.Recipient == "" || d.Address == "") {
		return ErrAddressRequired
	}
	return nil
}
