package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-checkout/internal/common"
)

// Middleware wires cashier identity into HTTP handlers.
type Middleware struct {
	Verifier *Verifier
}

// RequireCashier rejects requests without a valid cashier bearer token and
// stores the cashier on the request context otherwise.
func (m Middleware) RequireCashier(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Verifier == nil {
			common.JSONError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "authentication not configured", nil)
			return
		}
		cashier, err := m.Verifier.ParseCashier(bearerToken(r))
		if err != nil {
			zerolog.Ctx(r.Context()).Debug().Err(err).Msg("cashier token rejected")
			var appErr *common.AppError
			if errors.As(err, &appErr) {
				common.JSONError(w, http.StatusUnauthorized, appErr.Code, appErr.Message, nil)
				return
			}
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		ctx := common.WithCashier(r.Context(), cashier)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
