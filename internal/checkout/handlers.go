package checkout

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/pos-checkout/internal/catalog"
	"github.com/noah-isme/pos-checkout/internal/common"
	"github.com/noah-isme/pos-checkout/internal/pricing"
)

// Handler wires the checkout service to HTTP.
type Handler struct {
	Svc    *Service
	Policy pricing.Policy
}

// Routes mounts the checkout endpoints. submitMW wraps only the submit route.
func (h *Handler) Routes(r chi.Router, submitMW ...func(http.Handler) http.Handler) {
	r.Post("/pricing/quote", h.Quote)
	r.Route("/checkout/sessions", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/member", h.SetMember)
			r.Post("/items", h.AddItem)
			r.Patch("/items/{lineId}", h.UpdateItem)
			r.Delete("/items/{lineId}", h.RemoveItem)
			r.Put("/delivery", h.SetDelivery)
			r.Put("/payment", h.SetPayment)
			r.Post("/next", h.Next)
			r.Post("/back", h.Back)
			r.With(submitMW...).Post("/submit", h.Submit)
		})
	})
}

// Start opens a checkout session.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	cashier, ok := common.CashierFrom(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "cashier required", nil)
		return
	}
	var in StartInput
	if err := common.DecodeJSON(r, &in, true); err != nil {
		writeError(w, err)
		return
	}
	v, err := h.Svc.Start(r.Context(), cashier, in)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, v)
}

// Get returns a session with fresh totals.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(c common.Cashier, id string) (*View, error) {
		return h.Svc.Get(r.Context(), c, id)
	})
}

// SetMember changes the session's customer.
func (h *Handler) SetMember(w http.ResponseWriter, r *http.Request) {
	var in MemberInput
	if err := common.DecodeJSON(r, &in, true); err != nil {
		writeError(w, err)
		return
	}
	h.respond(w, r, func(c common.Cashier, id string) (*View, error) {
		return h.Svc.SetMember(r.Context(), c, id, in)
	})
}

// AddItem adds a product line.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var in ItemInput
	if err := common.DecodeJSON(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	if in.UnitPrice != nil && in.UnitPrice.IsNegative() {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", map[string]string{"unitPrice": "must not be negative"})
		return
	}
	h.respond(w, r, func(c common.Cashier, id string) (*View, error) {
		return h.Svc.AddItem(r.Context(), c, id, in)
	})
}

// UpdateItem patches a line.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var in ItemPatch
	if err := common.DecodeJSON(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	if in.UnitPrice != nil && in.UnitPrice.IsNegative() {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", map[string]string{"unitPrice": "must not be negative"})
		return
	}
	lineID := chi.URLParam(r, "lineId")
	h.respond(w, r, func(c common.Cashier, id string) (*View, error) {
		return h.Svc.UpdateItem(r.Context(), c, id, lineID, in)
	})
}

// RemoveItem deletes a line.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	lineID := chi.URLParam(r, "lineId")
	h.respond(w, r, func(c common.Cashier, id string) (*View, error) {
		return h.Svc.RemoveItem(r.Context(), c, id, lineID)
	})
}

// SetDelivery stores the delivery selection.
func (h *Handler) SetDelivery(w http.ResponseWriter, r *http.Request) {
	var in DeliveryInput
	if err := common.DecodeJSON(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	h.respond(w, r, func(c common.Cashier, id string) (*View, error) {
		return h.Svc.SetDelivery(r.Context(), c, id, in)
	})
}

// SetPayment stores the payment selection.
func (h *Handler) SetPayment(w http.ResponseWriter, r *http.Request) {
	var in PaymentInput
	if err := common.DecodeJSON(r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	h.respond(w, r, func(c common.Cashier, id string) (*View, error) {
		return h.Svc.SetPayment(r.Context(), c, id, in)
	})
}

// Next advances the wizard.
func (h *Handler) Next(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(c common.Cashier, id string) (*View, error) {
		return h.Svc.Next(r.Context(), c, id)
	})
}

// Back steps the wizard back.
func (h *Handler) Back(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(c common.Cashier, id string) (*View, error) {
		return h.Svc.Back(r.Context(), c, id)
	})
}

// Submit creates the order remotely.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(c common.Cashier, id string) (*View, error) {
		return h.Svc.Submit(r.Context(), c, id)
	})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, fn func(common.Cashier, string) (*View, error)) {
	cashier, ok := common.CashierFrom(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "cashier required", nil)
		return
	}
	v, err := fn(cashier, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, v)
}

type quoteLine struct {
	UnitPrice *pricing.Money   `json:"unitPrice"`
	Quantity  int              `json:"quantity" validate:"min=0,max=9999"`
	Gift      bool             `json:"gift"`
	Prices    pricing.PriceSet `json:"prices"`
}

type quoteRequest struct {
	Lines           []quoteLine     `json:"lines" validate:"required,max=500,dive"`
	Member          *pricing.Member `json:"member"`
	PurchaseForSelf bool            `json:"purchaseForSelf"`
	Points          pricing.Money   `json:"points"`
	Tendered        *pricing.Money  `json:"tendered"`
}

type quotedLine struct {
	pricing.LineQuote
	UnitPrice pricing.Money `json:"unitPrice"`
	Tier      pricing.Tier  `json:"tier,omitempty"`
}

// Quote prices an ad-hoc cart without touching any session. Lines without a
// unit price are priced from their candidate set.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := common.DecodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if req.Points.IsNegative() || (req.Tendered != nil && req.Tendered.IsNegative()) {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", map[string]string{"points": "must not be negative", "tendered": "must not be negative"})
		return
	}
	if req.Points.IsPositive() && (req.Member == nil || req.Points.GreaterThan(req.Member.PointBalance)) {
		writeError(w, ErrPointsExceedBalance)
		return
	}
	if details := negativeQuoteLines(req.Lines); len(details) > 0 {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", details)
		return
	}
	mode := pricing.ModeFor(req.Member, req.PurchaseForSelf)
	lines := make([]pricing.Line, len(req.Lines))
	out := make([]quotedLine, len(req.Lines))
	for i, l := range req.Lines {
		line := pricing.Line{Quantity: l.Quantity, Gift: l.Gift, Prices: l.Prices}
		if l.UnitPrice != nil {
			line.UnitPrice = *l.UnitPrice
		} else {
			sel := pricing.SelectPrice(l.Prices, mode)
			line.UnitPrice = sel.Price
			out[i].Tier = sel.Tier
		}
		out[i].UnitPrice = line.UnitPrice
		lines[i] = line
	}
	q := h.Policy.Compute(pricing.Input{Lines: lines, Member: req.Member, Points: req.Points})
	for i := range out {
		out[i].LineQuote = q.Lines[i]
	}
	resp := map[string]any{
		"quote": q,
		"lines": out,
	}
	if req.Tendered != nil {
		resp["tender"] = pricing.Reconcile(*req.Tendered, q.FinalTotal)
	}
	common.Data(w, http.StatusOK, resp)
}

// negativeQuoteLines applies the cart's non-negative price rule to ad-hoc lines.
func negativeQuoteLines(lines []quoteLine) map[string]string {
	details := map[string]string{}
	for i, l := range lines {
		if l.UnitPrice != nil && l.UnitPrice.IsNegative() {
			details[fmt.Sprintf("lines[%d].unitPrice", i)] = "must not be negative"
		}
		p := l.Prices
		if p.Distributor.IsNegative() || p.Level.IsNegative() || p.Store.IsNegative() || p.Base.IsNegative() {
			details[fmt.Sprintf("lines[%d].prices", i)] = "must not be negative"
		}
	}
	return details
}

var sentinelCodes = []struct {
	err  error
	code string
}{
	{ErrEmptyCart, "EMPTY_CART"},
	{ErrDeliveryRequired, "DELIVERY_REQUIRED"},
	{ErrAddressRequired, "ADDRESS_REQUIRED"},
	{ErrPaymentRequired, "PAYMENT_REQUIRED"},
	{ErrInsufficientCash, "INSUFFICIENT_CASH"},
	{ErrStepLocked, "STEP_LOCKED"},
	{ErrInvalidTransition, "INVALID_TRANSITION"},
	{ErrPointsExceedBalance, "POINTS_EXCEED_BALANCE"},
}

func writeError(w http.ResponseWriter, err error) {
	if common.IsAppError(err) {
		common.WriteError(w, err)
		return
	}
	var subErr *SubmissionError
	switch {
	case errors.Is(err, ErrOrderNotRecorded):
		common.JSONError(w, http.StatusBadGateway, "ORDER_NOT_RECORDED", err.Error(), nil)
		return
	case errors.As(err, &subErr):
		common.JSONError(w, http.StatusBadGateway, "SUBMISSION_FAILED", subErr.Error(), map[string]any{
			"orderNumber": subErr.OrderNumber,
			"failedLines": subErr.Failed,
			"totalLines":  subErr.Total,
		})
		return
	}
	for _, s := range sentinelCodes {
		if errors.Is(err, s.err) {
			common.JSONError(w, http.StatusUnprocessableEntity, s.code, s.err.Error(), nil)
			return
		}
	}
	switch {
	case errors.Is(err, ErrSubmissionInProgress):
		common.JSONError(w, http.StatusConflict, "SUBMISSION_IN_PROGRESS", err.Error(), nil)
	case errors.Is(err, ErrConcurrentUpdate):
		common.JSONError(w, http.StatusConflict, "CONCURRENT_UPDATE", err.Error(), nil)
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrLineNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, catalog.ErrMemberNotFound):
		common.JSONError(w, http.StatusNotFound, "MEMBER_NOT_FOUND", "member not found", nil)
	case errors.Is(err, catalog.ErrProductNotFound):
		common.JSONError(w, http.StatusNotFound, "PRODUCT_NOT_FOUND", "product not found", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
	}
}
