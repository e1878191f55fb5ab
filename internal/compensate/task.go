// Package compensate removes partially created orders from the remote order
// API after a failed submission.
package compensate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-checkout/internal/obs"
)

// TypeOrderCompensate is the asynq task type handled by the worker.
const TypeOrderCompensate = "order:compensate"

// QueueName is the asynq queue compensation tasks are routed to.
const QueueName = "compensation"

// Request identifies the remote records a failed submission left behind.
type Request struct {
	SessionID   string   `json:"sessionId"`
	OrderNumber string   `json:"orderNumber"`
	OrderID     string   `json:"orderId"`
	LineIDs     []string `json:"lineIds,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// NewTask builds the asynq task for req.
func NewTask(req Request, maxRetry int) (*asynq.Task, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, errors.New("compensate: order id required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("compensate: encode payload: %w", err)
	}
	if maxRetry <= 0 {
		maxRetry = 10
	}
	return asynq.NewTask(TypeOrderCompensate, payload,
		asynq.TaskID("compensate:"+req.OrderID),
		asynq.Queue(QueueName),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(time.Minute),
		asynq.Retention(24*time.Hour),
	), nil
}

// TaskEnqueuer is the subset of *asynq.Client used to publish tasks.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer schedules compensation tasks.
type Enqueuer struct {
	Client   TaskEnqueuer
	MaxRetry int
	Logger   zerolog.Logger
}

// Compensate enqueues removal of the records described by req. Enqueuing the
// same order twice is not an error.
func (e Enqueuer) Compensate(ctx context.Context, req Request) error {
	if e.Client == nil {
		return errors.New("compensate: task client not configured")
	}
	task, err := NewTask(req, e.MaxRetry)
	if err != nil {
		return err
	}
	info, err := e.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		obs.Inc(obs.CompensationsTotal, "enqueue_failed")
		e.Logger.Error().Err(err).
			Str("order_id", req.OrderID).
			Str("order_number", req.OrderNumber).
			Strs("line_ids", req.LineIDs).
			Msg("compensation enqueue failed")
		return fmt.Errorf("compensate: enqueue: %w", err)
	}
	obs.Inc(obs.CompensationsTotal, "enqueued")
	e.Logger.Info().
		Str("task_id", info.ID).
		Str("order_id", req.OrderID).
		Int("lines", len(req.LineIDs)).
		Msg("compensation enqueued")
	return nil
}
