package checkout

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/pos-checkout/internal/compensate"
	"github.com/noah-isme/pos-checkout/internal/obs"
	"github.com/noah-isme/pos-checkout/internal/orderapi"
	"github.com/noah-isme/pos-checkout/internal/pricing"
)

// OrderClient creates orders in the remote order API.
type OrderClient interface {
	CreateOrder(ctx context.Context, idempotencyKey string, header orderapi.OrderHeader) (string, error)
	CreateOrderLine(ctx context.Context, idempotencyKey string, line orderapi.OrderLine) (string, error)
}

// Compensator schedules removal of a partially created order.
type Compensator interface {
	Compensate(ctx context.Context, req compensate.Request) error
}

// Result describes a fully created order.
type Result struct {
	OrderID     string
	OrderNumber string
	LineIDs     []string
}

// LineError is the failure of a single line call.
type LineError struct {
	LineID    string
	ProductID string
	Err       error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %s (product %s): %v", e.LineID, e.ProductID, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// SubmissionError aggregates everything that went wrong in one submission.
// OrderID is empty when the header itself failed.
type SubmissionError struct {
	OrderNumber string
	OrderID     string
	Failed      int
	Total       int
	Err         error
}

func (e *SubmissionError) Error() string {
	if e.OrderID == "" {
		return fmt.Sprintf("order %s was not created: %v", e.OrderNumber, e.Err)
	}
	return fmt.Sprintf("order %s: %d of %d lines failed", e.OrderNumber, e.Failed, e.Total)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Submitter persists a checkout through the order API: the header first,
// then every line concurrently.
type Submitter struct {
	Orders      OrderClient
	Compensator Compensator
	Policy      pricing.Policy
	Concurrency int
	Timeout     time.Duration
	Location    *time.Location
	Now         func() time.Time
	Logger      zerolog.Logger

	// CompensationTimeout bounds scheduling compensation after a failure.
	// Defaults to 5s.
	CompensationTimeout time.Duration
}

// Budget is the longest a Submit call may take, or zero when Timeout leaves
// it unbounded.
func (s Submitter) Budget() time.Duration {
	if s.Timeout <= 0 {
		return 0
	}
	return s.Timeout + s.compensationTimeout()
}

func (s Submitter) compensationTimeout() time.Duration {
	if s.CompensationTimeout <= 0 {
		return 5 * time.Second
	}
	return s.CompensationTimeout
}

// Submit creates the order for sess, which must be in the submitting step.
func (s Submitter) Submit(ctx context.Context, sess *Session) (res Result, err error) {
	start := time.Now()
	defer func() {
		result := "success"
		var subErr *SubmissionError
		switch {
		case errors.As(err, &subErr) && subErr.OrderID == "":
			result = "header_failed"
		case err != nil:
			result = "lines_failed"
		}
		obs.Inc(obs.CheckoutSubmissionsTotal, result)
		if obs.CheckoutSubmitLatency != nil {
			obs.CheckoutSubmitLatency.WithLabelValues(result).Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	quote := sess.Quote(s.Policy)
	number := s.orderNumber()
	logger := s.Logger.With().
		Str("session_id", sess.ID).
		Str("order_number", number).
		Int("attempt", sess.Attempt).
		Logger()

	baseKey := sess.ID + ":" + strconv.Itoa(sess.Attempt)
	orderID, err := s.Orders.CreateOrder(ctx, baseKey, buildHeader(sess, quote, number, s.now()))
	if err != nil {
		logger.Error().Err(err).Msg("order header submission failed")
		return Result{}, &SubmissionError{OrderNumber: number, Total: len(sess.Lines), Err: err}
	}

	lineIDs := make([]string, len(sess.Lines))
	lineErrs := make([]error, len(sess.Lines))
	var g errgroup.Group
	if s.Concurrency > 0 {
		g.SetLimit(s.Concurrency)
	}
	for i, line := range sess.Lines {
		payload := buildLine(orderID, line, quote.Lines[i])
		g.Go(func() error {
			id, err := s.Orders.CreateOrderLine(ctx, baseKey+":"+line.ID, payload)
			if err != nil {
				lineErrs[i] = &LineError{LineID: line.ID, ProductID: line.ProductID, Err: err}
				return nil
			}
			lineIDs[i] = id
			return nil
		})
	}
	_ = g.Wait()

	created := make([]string, 0, len(lineIDs))
	failed := 0
	for i, id := range lineIDs {
		if lineErrs[i] != nil {
			failed++
			continue
		}
		created = append(created, id)
	}
	if failed == 0 {
		logger.Info().Str("order_id", orderID).Int("lines", len(created)).Msg("order submitted")
		return Result{OrderID: orderID, OrderNumber: number, LineIDs: created}, nil
	}

	subErr := &SubmissionError{
		OrderNumber: number,
		OrderID:     orderID,
		Failed:      failed,
		Total:       len(sess.Lines),
		Err:         errors.Join(lineErrs...),
	}
	logger.Error().Err(subErr.Err).Str("order_id", orderID).Int("failed", failed).Msg("order line submission failed")
	s.compensate(ctx, logger, compensate.Request{
		SessionID:   sess.ID,
		OrderNumber: number,
		OrderID:     orderID,
		LineIDs:     created,
		Reason:      subErr.Error(),
	})
	return Result{}, subErr
}

func (s Submitter) compensate(ctx context.Context, logger zerolog.Logger, req compensate.Request) {
	if s.Compensator == nil {
		logger.Warn().Str("order_id", req.OrderID).Msg("no compensator configured, partial order left in place")
		return
	}
	// the submission deadline may already be spent
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout())
	defer cancel()
	if err := s.Compensator.Compensate(ctx, req); err != nil {
		logger.Error().Err(err).Str("order_id", req.OrderID).Msg("schedule compensation failed")
	}
}

func (s Submitter) now() time.Time {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	return now().In(loc)
}

// orderNumber formats POS + store-local timestamp + 6 upper-case hex chars.
func (s Submitter) orderNumber() string {
	id := uuid.New()
	return "POS" + s.now().Format("20060102150405") + "-" + strings.ToUpper(hex.EncodeToString(id[:3]))
}

func buildHeader(sess *Session, q pricing.Quote, number string, placedAt time.Time) orderapi.OrderHeader {
	h := orderapi.OrderHeader{
		OrderNumber:    number,
		StoreID:        sess.StoreID,
		CashierID:      sess.CashierID,
		ItemCount:      len(sess.Lines),
		Summary:        summarize(sess.Lines),
		OriginalTotal:  q.OriginalTotal,
		DiscountAmount: q.DiscountAmount,
		PointDeduction: q.PointDeduction,
		FinalTotal:     q.FinalTotal,
		CashbackDiff:   q.CashbackDiff,
		Payment:        orderapi.Payment{Method: sess.Payment.Method},
		Delivery: orderapi.Delivery{
			Method:    sess.Delivery.Method,
			Recipient: sess.Delivery.Recipient,
			Phone:     sess.Delivery.Phone,
			Address:   sess.Delivery.Address,
			Note:      sess.Delivery.Note,
		},
		PlacedAt: placedAt,
	}
	for _, l := range sess.Lines {
		h.Quantity += l.Quantity
	}
	if sess.Member != nil {
		h.MemberID = sess.Member.ID
	}
	if sess.Payment.Method == PaymentCash {
		tender := sess.Tender(q)
		h.Payment.Tendered = &tender.Tendered
		h.Payment.Change = &tender.Change
	}
	return h
}

func buildLine(orderID string, l Line, q pricing.LineQuote) orderapi.OrderLine {
	status := orderapi.LineStatusPending
	if l.Gift {
		status = orderapi.LineStatusGift
	}
	return orderapi.OrderLine{
		OrderID:        orderID,
		ProductID:      l.ProductID,
		ProductName:    l.Name,
		Quantity:       l.Quantity,
		UnitPrice:      l.UnitPrice,
		DiscountedUnit: q.DiscountedUnit,
		Subtotal:       q.Subtotal,
		DiscountAmount: q.DiscountAmount,
		PriceTier:      string(l.Tier),
		Gift:           l.Gift,
		Status:         status,
	}
}

func summarize(lines []Line) string {
	const shown = 3
	parts := make([]string, 0, shown+1)
	for i, l := range lines {
		if i == shown {
			parts = append(parts, fmt.Sprintf("+%d more", len(lines)-shown))
			break
		}
		parts = append(parts, fmt.Sprintf("%s x%d", l.Name, l.Quantity))
	}
	return strings.Join(parts, ", ")
}
