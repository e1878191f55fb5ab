package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-checkout/internal/common"
)

const testSecret = "cashier-secret"

func signToken(t *testing.T, alg jwa.SignatureAlgorithm, key any, mutate func(*jwt.Builder) *jwt.Builder) string {
	t.Helper()
	now := time.Now()
	b := jwt.NewBuilder().
		Issuer("backoffice").
		Audience([]string{"pos"}).
		Subject("cashier-7").
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Claim(ClaimStoreID, "store-3").
		Claim(ClaimName, "Amy")
	if mutate != nil {
		b = mutate(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(alg, key))
	require.NoError(t, err)
	return string(signed)
}

func TestParseCashier(t *testing.T) {
	v := NewVerifier(testSecret, "backoffice", "pos")

	cashier, err := v.ParseCashier(signToken(t, jwa.HS256, []byte(testSecret), nil))
	require.NoError(t, err)
	require.Equal(t, common.Cashier{ID: "cashier-7", StoreID: "store-3", Name: "Amy"}, cashier)
}

func TestParseCashierRejects(t *testing.T) {
	v := NewVerifier(testSecret, "backoffice", "pos")
	cases := map[string]string{
		"empty":         "",
		"garbage":       "not-a-token",
		"wrong secret":  signToken(t, jwa.HS256, []byte("other"), nil),
		"wrong alg":     signToken(t, jwa.HS512, []byte(testSecret), nil),
		"wrong issuer":  signToken(t, jwa.HS256, []byte(testSecret), func(b *jwt.Builder) *jwt.Builder { return b.Issuer("elsewhere") }),
		"expired":       signToken(t, jwa.HS256, []byte(testSecret), func(b *jwt.Builder) *jwt.Builder { return b.Expiration(time.Now().Add(-time.Hour)) }),
		"missing store": signToken(t, jwa.HS256, []byte(testSecret), func(b *jwt.Builder) *jwt.Builder { return b.Claim(ClaimStoreID, "") }),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.ParseCashier(token)
			require.Error(t, err)
			var appErr *common.AppError
			require.ErrorAs(t, err, &appErr)
			require.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus)
		})
	}
}

func TestRequireCashier(t *testing.T) {
	mw := Middleware{Verifier: NewVerifier(testSecret, "backoffice", "pos")}
	var seen common.Cashier
	handler := mw.RequireCashier(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = common.CashierFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/checkout/sessions/x", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwa.HS256, []byte(testSecret), nil))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "cashier-7", seen.ID)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/checkout/sessions/x", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Contains(t, rr.Body.String(), "UNAUTHORIZED")
}
