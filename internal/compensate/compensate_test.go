package compensate_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-checkout/internal/compensate"
)

type fakeClient struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

func TestEnqueuerPublishesTask(t *testing.T) {
	client := &fakeClient{}
	enq := compensate.Enqueuer{Client: client, MaxRetry: 5, Logger: zerolog.Nop()}

	req := compensate.Request{SessionID: "s-1", OrderNumber: "POS20240101000000-ABC123", OrderID: "o-9", LineIDs: []string{"l-1", "l-2"}}
	require.NoError(t, enq.Compensate(context.Background(), req))
	require.Len(t, client.tasks, 1)
	require.Equal(t, compensate.TypeOrderCompensate, client.tasks[0].Type())

	var decoded compensate.Request
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &decoded))
	require.Equal(t, req, decoded)
}

func TestEnqueuerDuplicateIsNotAnError(t *testing.T) {
	enq := compensate.Enqueuer{Client: &fakeClient{err: asynq.ErrTaskIDConflict}}
	require.NoError(t, enq.Compensate(context.Background(), compensate.Request{OrderID: "o-1"}))
}

func TestEnqueuerFailures(t *testing.T) {
	enq := compensate.Enqueuer{Client: &fakeClient{err: errors.New("redis down")}}
	require.Error(t, enq.Compensate(context.Background(), compensate.Request{OrderID: "o-1"}))

	enq = compensate.Enqueuer{Client: &fakeClient{}}
	require.Error(t, enq.Compensate(context.Background(), compensate.Request{}))
}

type fakeDeleter struct {
	mu       sync.Mutex
	calls    []string
	failLine map[string]int
}

func (f *fakeDeleter) DeleteOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "order:"+id)
	return nil
}

func (f *fakeDeleter) DeleteOrderLine(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "line:"+id)
	if f.failLine[id] > 0 {
		f.failLine[id]--
		return errors.New("upstream 503")
	}
	return nil
}

func taskFor(t *testing.T, req compensate.Request) *asynq.Task {
	t.Helper()
	task, err := compensate.NewTask(req, 3)
	require.NoError(t, err)
	return task
}

func TestHandlerDeletesLinesThenHeader(t *testing.T) {
	del := &fakeDeleter{}
	h := compensate.Handler{Orders: del, Logger: zerolog.Nop()}

	err := h.ProcessTask(context.Background(), taskFor(t, compensate.Request{OrderID: "o-1", LineIDs: []string{"l-1", "l-2"}}))
	require.NoError(t, err)
	require.Equal(t, []string{"line:l-1", "line:l-2", "order:o-1"}, del.calls)
}

func TestHandlerKeepsHeaderWhileLinesRemain(t *testing.T) {
	del := &fakeDeleter{failLine: map[string]int{"l-2": 1}}
	h := compensate.Handler{Orders: del, Logger: zerolog.Nop()}
	task := taskFor(t, compensate.Request{OrderID: "o-1", LineIDs: []string{"l-1", "l-2"}})

	require.Error(t, h.ProcessTask(context.Background(), task))
	require.Equal(t, []string{"line:l-1", "line:l-2"}, del.calls)

	// the retry replays every delete and then removes the header
	require.NoError(t, h.ProcessTask(context.Background(), task))
	require.Equal(t, "order:o-1", del.calls[len(del.calls)-1])
}

func TestHandlerSkipsRetryOnBadPayload(t *testing.T) {
	h := compensate.Handler{Orders: &fakeDeleter{}}
	err := h.ProcessTask(context.Background(), asynq.NewTask(compensate.TypeOrderCompensate, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = h.ProcessTask(context.Background(), asynq.NewTask(compensate.TypeOrderCompensate, []byte(`{"lineIds":["x"]}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRegisterRoutesTaskType(t *testing.T) {
	del := &fakeDeleter{}
	mux := asynq.NewServeMux()
	compensate.Handler{Orders: del}.Register(mux)

	require.NoError(t, mux.ProcessTask(context.Background(), taskFor(t, compensate.Request{OrderID: "o-5"})))
	require.Equal(t, []string{"order:o-5"}, del.calls)
}
