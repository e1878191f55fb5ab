package compensate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-checkout/internal/obs"
)

// Deleter removes remote order records; deleting a missing record succeeds.
type Deleter interface {
	DeleteOrder(ctx context.Context, id string) error
	DeleteOrderLine(ctx context.Context, id string) error
}

// Handler executes compensation tasks.
type Handler struct {
	Orders Deleter
	Logger zerolog.Logger
}

// Register mounts the handler on mux.
func (h Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeOrderCompensate, h.ProcessTask)
}

// ProcessTask deletes the lines, then the header. Every delete is idempotent
// so a retried task resumes where the previous attempt stopped.
func (h Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var req Request
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		obs.Inc(obs.CompensationsTotal, "invalid")
		return fmt.Errorf("compensate: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if req.OrderID == "" {
		obs.Inc(obs.CompensationsTotal, "invalid")
		return fmt.Errorf("compensate: order id missing: %w", asynq.SkipRetry)
	}
	logger := h.Logger.With().
		Str("order_id", req.OrderID).
		Str("order_number", req.OrderNumber).
		Str("session_id", req.SessionID).
		Logger()

	var errs []error
	for _, id := range req.LineIDs {
		if err := h.Orders.DeleteOrderLine(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("line %s: %w", id, err))
		}
	}
	// the header goes last so lines are never orphaned by a half-done attempt
	if len(errs) == 0 {
		if err := h.Orders.DeleteOrder(ctx, req.OrderID); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", req.OrderID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		retry, inTask := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		evt := logger.Warn()
		result := "retry"
		if inTask && retry >= maxRetry {
			evt = logger.Error()
			result = "exhausted"
		}
		obs.Inc(obs.CompensationsTotal, result)
		evt.Err(err).Int("retry", retry).Int("max_retry", maxRetry).Msg("compensation attempt failed")
		return err
	}

	obs.Inc(obs.CompensationsTotal, "succeeded")
	logger.Info().Int("lines", len(req.LineIDs)).Msg("partial order compensated")
	return nil
}
