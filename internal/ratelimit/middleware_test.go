package ratelimit_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/noah-isme/pos-checkout/internal/common"
	"github.com/noah-isme/pos-checkout/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestAs(cashierID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions/s1/submit", nil)
	ctx := common.WithCashier(req.Context(), common.Cashier{ID: cashierID, StoreID: "store-1"})
	return req.WithContext(ctx)
}

func TestHandlerEnforcesPerCashierLimit(t *testing.T) {
	rate, err := limiter.NewRateFromFormatted("1-M")
	require.NoError(t, err)
	lim := limiter.New(memory.NewStore(), rate)

	mw := ratelimit.Handler{Limiter: lim, Key: ratelimit.ByCashier}.Middleware(okHandler())

	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, requestAs("c1"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "1", rr.Header().Get("X-RateLimit-Limit"))

	rr = httptest.NewRecorder()
	mw.ServeHTTP(rr, requestAs("c1"))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))
	require.Contains(t, rr.Body.String(), "RATE_LIMITED")

	// another cashier has an independent budget
	rr = httptest.NewRecorder()
	mw.ServeHTTP(rr, requestAs("c2"))
	require.Equal(t, http.StatusOK, rr.Code)
}

type failingCounter struct{}

func (failingCounter) Get(context.Context, string) (limiter.Context, error) {
	return limiter.Context{}, errors.New("store down")
}

func TestHandlerFailsOpen(t *testing.T) {
	var seen error
	mw := ratelimit.Handler{
		Limiter: failingCounter{},
		Key:     ratelimit.ByCashier,
		OnError: func(_ *http.Request, err error) { seen = err },
	}.Middleware(okHandler())

	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, requestAs("c1"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualError(t, seen, "store down")
}

func TestHandlerSkipsAnonymous(t *testing.T) {
	mw := ratelimit.Handler{Limiter: failingCounter{}, Key: ratelimit.ByCashier}.Middleware(okHandler())
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
