// Package checkout runs the cashier's checkout wizard: it keeps the session
// state in Redis, prices the cart and submits the finished order.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/pos-checkout/internal/common"
	"github.com/noah-isme/pos-checkout/internal/compensate"
	"github.com/noah-isme/pos-checkout/internal/lock"
	"github.com/noah-isme/pos-checkout/internal/obs"
	"github.com/noah-isme/pos-checkout/internal/orderapi"
	"github.com/noah-isme/pos-checkout/internal/pricing"
)

var (
	// ErrSubmissionInProgress is returned while another request submits the session.
	ErrSubmissionInProgress = errors.New("checkout: submission already in progress")
	// ErrSubmissionInterrupted is recorded on sessions whose submitter vanished.
	ErrSubmissionInterrupted = errors.New("checkout: submission interrupted, verify the order before retrying")
	// ErrOrderNotRecorded is returned when an order was created remotely but
	// the session could not be settled; the order is handed to compensation.
	ErrOrderNotRecorded = errors.New("checkout: order created but not recorded on the session")
)

// Catalog resolves members and products. RefreshMember bypasses any cache.
type Catalog interface {
	Member(ctx context.Context, id string) (pricing.Member, error)
	RefreshMember(ctx context.Context, id string) (pricing.Member, error)
	Product(ctx context.Context, id, memberLevel string) (orderapi.Product, error)
}

// Locker serialises work on a key.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// View is a session with its freshly computed totals.
type View struct {
	*Session
	Quote  pricing.Quote   `json:"quote"`
	Tender *pricing.Tender `json:"tender,omitempty"`
}

// Config groups Service dependencies.
type Config struct {
	Store     Store
	Catalog   Catalog
	Submitter Submitter
	Locker    Locker
	Policy    pricing.Policy
	Defaults  Defaults
	LockTTL   time.Duration
	Logger    zerolog.Logger
}

// Service implements the checkout operations.
type Service struct {
	store     Store
	catalog   Catalog
	submitter Submitter
	locker    Locker
	policy    pricing.Policy
	defaults  Defaults
	lockTTL   time.Duration
	logger    zerolog.Logger
}

// NewService constructs a Service.
func NewService(cfg Config) *Service {
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	// the lock and stale recovery must outlive a running submission
	if budget := cfg.Submitter.Budget(); budget >= lockTTL {
		cfg.Logger.Warn().Dur("lock_ttl", lockTTL).Dur("submit_budget", budget).Msg("submit lock ttl raised above the submission budget")
		lockTTL = budget + time.Second
	}
	if cfg.Defaults.PaymentMethod == "" {
		cfg.Defaults.PaymentMethod = PaymentCash
	}
	return &Service{
		store:     cfg.Store,
		catalog:   cfg.Catalog,
		submitter: cfg.Submitter,
		locker:    cfg.Locker,
		policy:    cfg.Policy,
		defaults:  cfg.Defaults,
		lockTTL:   lockTTL,
		logger:    cfg.Logger,
	}
}

// StartInput opens a session.
type StartInput struct {
	MemberID        string `json:"memberId" validate:"omitempty,max=64"`
	PurchaseForSelf bool   `json:"purchaseForSelf"`
}

// Start opens a new session for cashier.
func (s *Service) Start(ctx context.Context, cashier common.Cashier, in StartInput) (*View, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:              uuid.NewString(),
		StoreID:         cashier.StoreID,
		CashierID:       cashier.ID,
		Step:            StepItems,
		PurchaseForSelf: in.PurchaseForSelf,
		Lines:           []Line{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.MemberID != "" {
		m, err := s.catalog.Member(ctx, in.MemberID)
		if err != nil {
			return nil, err
		}
		sess.Member = &m
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", sess.ID).Str("cashier_id", cashier.ID).Msg("checkout session started")
	return s.view(sess), nil
}

// Get returns the session with fresh totals.
func (s *Service) Get(ctx context.Context, cashier common.Cashier, id string) (*View, error) {
	sess, err := s.load(ctx, cashier, id)
	if err != nil {
		return nil, err
	}
	if sess.Step == StepSubmitting && time.Since(sess.UpdatedAt) > s.lockTTL {
		return s.recoverStale(ctx, cashier, id)
	}
	return s.view(sess), nil
}

// recoverStale returns a session abandoned mid-submission to payment. The
// remote order may exist, so the cashier is told to verify before retrying;
// if the abandoned attempt does finish it still settles the session.
func (s *Service) recoverStale(ctx context.Context, cashier common.Cashier, id string) (*View, error) {
	err := s.locker.WithLock(ctx, id, s.lockTTL, func(ctx context.Context) error {
		_, err := s.mutate(ctx, cashier, id, func(sess *Session) error {
			if sess.Step != StepSubmitting {
				return nil
			}
			return sess.Interrupt()
		})
		return err
	})
	if err != nil && !errors.Is(err, lock.ErrHeld) {
		return nil, err
	}
	sess, err := s.load(ctx, cashier, id)
	if err != nil {
		return nil, err
	}
	return s.view(sess), nil
}

// MemberInput selects the customer; an empty id means walk-in.
type MemberInput struct {
	MemberID        string `json:"memberId" validate:"omitempty,max=64"`
	PurchaseForSelf bool   `json:"purchaseForSelf"`
}

// SetMember changes the customer and reprices the cart for them.
func (s *Service) SetMember(ctx context.Context, cashier common.Cashier, id string, in MemberInput) (*View, error) {
	sess, err := s.load(ctx, cashier, id)
	if err != nil {
		return nil, err
	}
	if sess.Step != StepItems {
		return nil, ErrStepLocked
	}
	var member *pricing.Member
	if in.MemberID != "" {
		m, err := s.catalog.Member(ctx, in.MemberID)
		if err != nil {
			return nil, err
		}
		member = &m
	}
	level := ""
	if member != nil {
		level = member.Level
	}
	prices, err := s.priceSets(ctx, sess.Lines, level)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, cashier, id, func(sess *Session) error {
		return sess.SetMember(member, in.PurchaseForSelf, prices)
	})
}

func (s *Service) priceSets(ctx context.Context, lines []Line, level string) (map[string]pricing.PriceSet, error) {
	ids := make([]string, 0, len(lines))
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		if !seen[l.ProductID] {
			seen[l.ProductID] = true
			ids = append(ids, l.ProductID)
		}
	}
	sets := make([]pricing.PriceSet, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, pid := range ids {
		g.Go(func() error {
			p, err := s.catalog.Product(gctx, pid, level)
			if err != nil {
				return fmt.Errorf("reprice %s: %w", pid, err)
			}
			sets[i] = p.Prices
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]pricing.PriceSet, len(ids))
	for i, pid := range ids {
		out[pid] = sets[i]
	}
	return out, nil
}

// ItemInput adds a product to the cart. UnitPrice overrides the catalog price.
type ItemInput struct {
	ProductID string         `json:"productId" validate:"required,max=64"`
	Quantity  int            `json:"quantity" validate:"required,min=1,max=9999"`
	Gift      bool           `json:"gift"`
	UnitPrice *pricing.Money `json:"unitPrice"`
}

// AddItem prices the product for the session's customer and adds it.
func (s *Service) AddItem(ctx context.Context, cashier common.Cashier, id string, in ItemInput) (*View, error) {
	sess, err := s.load(ctx, cashier, id)
	if err != nil {
		return nil, err
	}
	if sess.Step != StepItems {
		return nil, ErrStepLocked
	}
	product, err := s.catalog.Product(ctx, in.ProductID, sess.MemberLevel())
	if err != nil {
		return nil, err
	}
	line := Line{
		ID:        uuid.NewString(),
		ProductID: product.ID,
		Name:      product.Name,
		Quantity:  in.Quantity,
		Gift:      in.Gift,
		Prices:    product.Prices,
	}
	if in.UnitPrice != nil {
		line.UnitPrice = *in.UnitPrice
		line.PriceOverridden = true
	}
	return s.update(ctx, cashier, id, func(sess *Session) error {
		if !line.PriceOverridden {
			sel := pricing.SelectPrice(line.Prices, sess.Mode())
			line.UnitPrice, line.Tier = sel.Price, sel.Tier
			if !sel.Price.IsPositive() {
				s.logger.Warn().Str("session_id", sess.ID).Str("product_id", line.ProductID).Msg("product has no positive price, line priced at zero")
			}
		}
		return sess.AddLine(line)
	})
}

// ItemPatch edits a cart line; absent fields are left alone.
type ItemPatch struct {
	Quantity  *int           `json:"quantity" validate:"omitempty,min=1,max=9999"`
	UnitPrice *pricing.Money `json:"unitPrice"`
	Gift      *bool          `json:"gift"`
}

// UpdateItem edits the line with lineID.
func (s *Service) UpdateItem(ctx context.Context, cashier common.Cashier, id, lineID string, in ItemPatch) (*View, error) {
	return s.update(ctx, cashier, id, func(sess *Session) error {
		return sess.UpdateLine(lineID, LinePatch(in))
	})
}

// RemoveItem drops the line with lineID.
func (s *Service) RemoveItem(ctx context.Context, cashier common.Cashier, id, lineID string) (*View, error) {
	return s.update(ctx, cashier, id, func(sess *Session) error {
		return sess.RemoveLine(lineID)
	})
}

// DeliveryInput is the delivery selection.
type DeliveryInput struct {
	Method    string `json:"method" validate:"required,oneof=pickup home_delivery"`
	Recipient string `json:"recipient" validate:"max=120"`
	Phone     string `json:"phone" validate:"max=40"`
	Address   string `json:"address" validate:"max=500"`
	Note      string `json:"note" validate:"max=500"`
}

// SetDelivery stores the delivery selection.
func (s *Service) SetDelivery(ctx context.Context, cashier common.Cashier, id string, in DeliveryInput) (*View, error) {
	return s.update(ctx, cashier, id, func(sess *Session) error {
		return sess.SetDelivery(Delivery(in))
	})
}

// PaymentInput is the payment selection.
type PaymentInput struct {
	Method   string         `json:"method" validate:"required,oneof=cash transfer check credit"`
	Tendered *pricing.Money `json:"tendered"`
	Points   *pricing.Money `json:"points"`
}

// SetPayment stores the payment selection.
func (s *Service) SetPayment(ctx context.Context, cashier common.Cashier, id string, in PaymentInput) (*View, error) {
	p := Payment{Method: in.Method}
	if in.Tendered != nil {
		p.Tendered = *in.Tendered
	}
	if in.Points != nil {
		p.Points = *in.Points
	}
	if p.Tendered.IsNegative() || p.Points.IsNegative() {
		return nil, common.NewAppError("VALIDATION_FAILED", "request validation failed", 400, nil).
			WithDetails(map[string]string{"tendered": "must not be negative", "points": "must not be negative"})
	}
	// redemption is checked against the live balance, not the cached member
	var fresh *pricing.Member
	if p.Points.IsPositive() {
		sess, err := s.load(ctx, cashier, id)
		if err != nil {
			return nil, err
		}
		if sess.Member != nil {
			m, err := s.catalog.RefreshMember(ctx, sess.Member.ID)
			if err != nil {
				return nil, err
			}
			fresh = &m
		}
	}
	return s.update(ctx, cashier, id, func(sess *Session) error {
		if fresh != nil && sess.Member != nil && sess.Member.ID == fresh.ID {
			sess.Member.PointBalance = fresh.PointBalance
		}
		return sess.SetPayment(p)
	})
}

// Next advances the wizard one step.
func (s *Service) Next(ctx context.Context, cashier common.Cashier, id string) (*View, error) {
	var from Step
	v, err := s.update(ctx, cashier, id, func(sess *Session) error {
		from = sess.Step
		return sess.Next(s.defaults)
	})
	recordTransition(from, v, err)
	return v, err
}

// Back moves the wizard one step back.
func (s *Service) Back(ctx context.Context, cashier common.Cashier, id string) (*View, error) {
	var from Step
	v, err := s.update(ctx, cashier, id, func(sess *Session) error {
		from = sess.Step
		return sess.Back()
	})
	recordTransition(from, v, err)
	return v, err
}

// Submit persists the order. On failure the session is back in payment with
// the error recorded and the returned view reflects that state.
func (s *Service) Submit(ctx context.Context, cashier common.Cashier, id string) (*View, error) {
	var view *View
	err := s.locker.WithLock(ctx, id, s.lockTTL, func(ctx context.Context) error {
		sess, err := s.mutate(ctx, cashier, id, func(sess *Session) error {
			return sess.BeginSubmit(s.policy)
		})
		if err != nil {
			return err
		}
		res, subErr := s.submitter.Submit(ctx, sess)

		final, err := s.store.Update(context.WithoutCancel(ctx), id, func(cur *Session) error {
			if subErr != nil {
				return cur.Fail(sess.Attempt, subErr)
			}
			return cur.Complete(sess.Attempt, res.OrderID, res.OrderNumber)
		})
		switch {
		case err == nil:
			view = s.view(final)
			return subErr
		case subErr != nil:
			// partial orders were already handed to compensation
			s.logger.Warn().Err(err).Str("session_id", id).Int("attempt", sess.Attempt).Msg("failed submission not recorded on session")
			return errors.Join(subErr, err)
		default:
			return s.unrecorded(ctx, sess, res, err)
		}
	})
	if errors.Is(err, lock.ErrHeld) {
		return nil, ErrSubmissionInProgress
	}
	return view, err
}

// unrecorded compensates an order the session did not take, either because a
// newer attempt owns the session or because the write failed. A retry then
// cannot leave a duplicate behind.
func (s *Service) unrecorded(ctx context.Context, sess *Session, res Result, cause error) error {
	logger := s.logger.With().
		Str("session_id", sess.ID).
		Int("attempt", sess.Attempt).
		Str("order_id", res.OrderID).
		Str("order_number", res.OrderNumber).
		Logger()
	logger.Error().Err(cause).Msg("created order not recorded on session, compensating")
	s.submitter.compensate(ctx, logger, compensate.Request{
		SessionID:   sess.ID,
		OrderNumber: res.OrderNumber,
		OrderID:     res.OrderID,
		LineIDs:     res.LineIDs,
		Reason:      "not recorded on session: " + cause.Error(),
	})
	return fmt.Errorf("%w: order %s: %w", ErrOrderNotRecorded, res.OrderNumber, cause)
}

func (s *Service) load(ctx context.Context, cashier common.Cashier, id string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.StoreID != cashier.StoreID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) mutate(ctx context.Context, cashier common.Cashier, id string, fn func(*Session) error) (*Session, error) {
	return s.store.Update(ctx, id, func(sess *Session) error {
		if sess.StoreID != cashier.StoreID {
			return ErrSessionNotFound
		}
		return fn(sess)
	})
}

func (s *Service) update(ctx context.Context, cashier common.Cashier, id string, fn func(*Session) error) (*View, error) {
	sess, err := s.mutate(ctx, cashier, id, fn)
	if err != nil {
		return nil, err
	}
	return s.view(sess), nil
}

func (s *Service) view(sess *Session) *View {
	v := &View{Session: sess, Quote: sess.Quote(s.policy)}
	if sess.Payment.Method == PaymentCash {
		t := sess.Tender(v.Quote)
		v.Tender = &t
	}
	return v
}

func recordTransition(from Step, v *View, err error) {
	to, result := from, "ok"
	if err != nil {
		result = "blocked"
	} else if v != nil {
		to = v.Step
	}
	obs.Inc(obs.CheckoutTransitionsTotal, string(from), string(to), result)
}
