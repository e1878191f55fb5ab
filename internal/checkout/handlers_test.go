package checkout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-checkout/internal/common"
	"github.com/noah-isme/pos-checkout/internal/pricing"
)

var errTest = errors.New("line rejected")

type envelope struct {
	Data  json.RawMessage   `json:"data"`
	Error *common.ErrorBody `json:"error"`
}

func newRouter(t *testing.T) (http.Handler, serviceFixture) {
	t.Helper()
	f := newServiceFixture(t)
	h := &Handler{Svc: f.svc, Policy: pricing.DefaultPolicy()}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(common.WithCashier(r.Context(), cashier)))
		})
	})
	h.Routes(r)
	return r, f
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decodeView(t *testing.T, env envelope) View {
	t.Helper()
	var v View
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestHandlersWizard(t *testing.T) {
	h, f := newRouter(t)

	code, env := do(t, h, http.MethodPost, "/checkout/sessions", "")
	require.Equal(t, http.StatusCreated, code)
	id := decodeView(t, env).ID
	base := "/checkout/sessions/" + id

	code, env = do(t, h, http.MethodPost, base+"/next", "")
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "EMPTY_CART", env.Error.Code)

	code, env = do(t, h, http.MethodPost, base+"/items", `{"productId":"tea","quantity":3}`)
	require.Equal(t, http.StatusOK, code)
	v := decodeView(t, env)
	require.Len(t, v.Lines, 1)
	require.True(t, v.Quote.FinalTotal.Equal(money("360")))
	lineID := v.Lines[0].ID

	code, env = do(t, h, http.MethodPatch, base+"/items/"+lineID, `{"quantity":1}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, decodeView(t, env).Lines[0].Quantity)

	code, env = do(t, h, http.MethodPatch, base+"/items/missing", `{"quantity":1}`)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "NOT_FOUND", env.Error.Code)

	code, _ = do(t, h, http.MethodPost, base+"/next", "")
	require.Equal(t, http.StatusOK, code)

	code, env = do(t, h, http.MethodPost, base+"/items", `{"productId":"tea","quantity":1}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "STEP_LOCKED", env.Error.Code)

	code, env = do(t, h, http.MethodPut, base+"/delivery", `{"method":"home_delivery","recipient":"Ana"}`)
	require.Equal(t, http.StatusOK, code)
	code, env = do(t, h, http.MethodPost, base+"/next", "")
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "ADDRESS_REQUIRED", env.Error.Code)

	code, _ = do(t, h, http.MethodPut, base+"/delivery", `{"method":"home_delivery","recipient":"Ana","address":"1 Main St"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodPost, base+"/next", "")
	require.Equal(t, http.StatusOK, code)

	code, env = do(t, h, http.MethodPut, base+"/payment", `{"method":"cash","tendered":"100"}`)
	require.Equal(t, http.StatusOK, code)
	v = decodeView(t, env)
	require.NotNil(t, v.Tender)
	require.False(t, v.Tender.Sufficient)

	code, env = do(t, h, http.MethodPost, base+"/submit", "")
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "INSUFFICIENT_CASH", env.Error.Code)

	code, _ = do(t, h, http.MethodPut, base+"/payment", `{"method":"cash","tendered":150}`)
	require.Equal(t, http.StatusOK, code)
	code, env = do(t, h, http.MethodPost, base+"/submit", "")
	require.Equal(t, http.StatusOK, code)
	v = decodeView(t, env)
	require.Equal(t, StepComplete, v.Step)
	require.Len(t, f.orders.headers, 1)
	require.Equal(t, "home_delivery", f.orders.headers[0].Delivery.Method)
}

func TestHandlersValidation(t *testing.T) {
	h, _ := newRouter(t)
	_, env := do(t, h, http.MethodPost, "/checkout/sessions", `{}`)
	base := "/checkout/sessions/" + decodeView(t, env).ID

	code, env := do(t, h, http.MethodPost, base+"/items", `{"productId":"tea","quantity":0}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "VALIDATION_FAILED", env.Error.Code)

	code, env = do(t, h, http.MethodPost, base+"/items", `{"productId":"tea","quantity":1,"unitPrice":"-5"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "VALIDATION_FAILED", env.Error.Code)

	code, env = do(t, h, http.MethodPost, base+"/items", `{"productId":"nope","quantity":1}`)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "PRODUCT_NOT_FOUND", env.Error.Code)

	code, env = do(t, h, http.MethodPut, base+"/member", `{"memberId":"ghost"}`)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "MEMBER_NOT_FOUND", env.Error.Code)

	code, env = do(t, h, http.MethodGet, "/checkout/sessions/unknown", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "NOT_FOUND", env.Error.Code)

	code, env = do(t, h, http.MethodPost, base+"/items", `{"productId":"tea","quantity":1,"bogus":true}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "BAD_REQUEST", env.Error.Code)
}

func TestHandlersSubmitFailure(t *testing.T) {
	h, f := newRouter(t)
	f.orders.failLines = map[string]error{"tea": errTest}
	id := preparePayment(t, f, PaymentTransfer)

	code, env := do(t, h, http.MethodPost, "/checkout/sessions/"+id+"/submit", "")
	require.Equal(t, http.StatusBadGateway, code)
	require.Equal(t, "SUBMISSION_FAILED", env.Error.Code)
	require.Contains(t, env.Error.Message, "1 of 1 lines failed")
}

func TestHandlersRequireCashier(t *testing.T) {
	f := newServiceFixture(t)
	r := chi.NewRouter()
	(&Handler{Svc: f.svc, Policy: pricing.DefaultPolicy()}).Routes(r)
	code, env := do(t, r, http.MethodPost, "/checkout/sessions", "")
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "UNAUTHORIZED", env.Error.Code)
}

func TestSubmitMiddlewareOnlyWrapsSubmit(t *testing.T) {
	f := newServiceFixture(t)
	var hits int
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "slow down", nil)
		})
	}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(common.WithCashier(r.Context(), cashier)))
		})
	})
	(&Handler{Svc: f.svc, Policy: pricing.DefaultPolicy()}).Routes(r, mw)

	code, env := do(t, r, http.MethodPost, "/checkout/sessions", "")
	require.Equal(t, http.StatusCreated, code)
	id := decodeView(t, env).ID
	code, _ = do(t, r, http.MethodPost, "/checkout/sessions/"+id+"/submit", "")
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Equal(t, 1, hits)
}

func TestQuoteHandler(t *testing.T) {
	h, _ := newRouter(t)
	body := map[string]any{
		"lines": []map[string]any{
			{"quantity": 2, "prices": map[string]any{"distributor": "0", "level": "0", "store": "120", "base": "100"}},
			{"quantity": 1, "unitPrice": "50", "gift": true},
		},
		"member":          map[string]any{"id": "m-1", "type": "VIP", "subType": "guide", "pointBalance": "40"},
		"purchaseForSelf": true,
		"points":          "40",
		"tendered":        "200",
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/pricing/quote", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			Quote  pricing.Quote  `json:"quote"`
			Tender pricing.Tender `json:"tender"`
			Lines  []struct {
				UnitPrice pricing.Money `json:"unitPrice"`
				Tier      pricing.Tier  `json:"tier"`
				Subtotal  pricing.Money `json:"subtotal"`
			} `json:"lines"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	q := resp.Data.Quote
	require.True(t, q.Eligible)
	require.True(t, q.OriginalTotal.Equal(money("290")))
	require.True(t, q.DiscountedTotal.Equal(money("266")))
	require.True(t, q.FinalTotal.Equal(money("226")))
	require.Equal(t, pricing.TierStore, resp.Data.Lines[0].Tier)
	require.True(t, resp.Data.Lines[1].Subtotal.Equal(money("50")), "gifts are not discounted")
	require.False(t, resp.Data.Tender.Sufficient)

	code, env := do(t, h, http.MethodPost, "/pricing/quote", `{"lines":[],"points":"5"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "POINTS_EXCEED_BALANCE", env.Error.Code)
}

func TestQuoteHandlerRejectsNegativePrices(t *testing.T) {
	h, _ := newRouter(t)

	code, env := do(t, h, http.MethodPost, "/pricing/quote", `{"lines":[{"quantity":1,"unitPrice":"-5"}]}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "VALIDATION_FAILED", env.Error.Code)

	code, env = do(t, h, http.MethodPost, "/pricing/quote", `{"lines":[{"quantity":1,"prices":{"store":"-1","base":"10"}}]}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "VALIDATION_FAILED", env.Error.Code)

	code, _ = do(t, h, http.MethodPost, "/pricing/quote", `{"lines":[{"quantity":1,"unitPrice":"0"}]}`)
	require.Equal(t, http.StatusOK, code)
}

func TestWriteErrorOrderNotRecorded(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, fmt.Errorf("%w: order POS1: %w", ErrOrderNotRecorded, ErrInvalidTransition))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "ORDER_NOT_RECORDED")

	rec = httptest.NewRecorder()
	writeError(rec, errors.Join(&SubmissionError{OrderNumber: "POS1", OrderID: "o-1", Failed: 1, Total: 2}, ErrAttemptSuperseded))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "SUBMISSION_FAILED")
}
