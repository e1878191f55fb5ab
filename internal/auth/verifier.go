package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/pos-checkout/internal/common"
)

const (
	// ClaimStoreID carries the store the cashier's terminal belongs to.
	ClaimStoreID = "store_id"
	// ClaimName carries the cashier's display name.
	ClaimName = "name"
)

// Verifier checks cashier bearer tokens issued by the store back office.
type Verifier struct {
	secret    []byte
	validator TokenValidator
	now       func() time.Time
}

// NewVerifier builds an HS256 verifier for the shared secret.
func NewVerifier(secret, issuer, audience string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		validator: TokenValidator{
			Issuer:         issuer,
			Audience:       audience,
			ClockSkew:      30 * time.Second,
			Algorithm:      jwa.HS256,
			RequiredClaims: []string{ClaimStoreID},
		},
		now: time.Now,
	}
}

// ParseCashier verifies token and returns the cashier it identifies.
func (v *Verifier) ParseCashier(token string) (common.Cashier, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return common.Cashier{}, unauthorized("missing token", nil)
	}
	algorithm, err := tokenAlgorithm(trimmed)
	if err != nil {
		return common.Cashier{}, unauthorized("invalid token", err)
	}
	if algorithm != v.validator.Algorithm {
		return common.Cashier{}, unauthorized("invalid token", errors.New("auth: unexpected token algorithm "+algorithm.String()))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, v.secret), jwt.WithValidate(false))
	if err != nil {
		return common.Cashier{}, unauthorized("invalid token", err)
	}
	if err := v.validator.Validate(parsed, algorithm, v.now()); err != nil {
		return common.Cashier{}, unauthorized("invalid token", err)
	}
	return common.Cashier{
		ID:      parsed.Subject(),
		StoreID: claimString(parsed, ClaimStoreID),
		Name:    claimString(parsed, ClaimName),
	}, nil
}

func tokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) != 1 {
		return "", errors.New("auth: token must carry exactly one signature")
	}
	headers := signatures[0].ProtectedHeaders()
	if headers == nil || headers.Algorithm() == "" {
		return "", errors.New("auth: token missing algorithm")
	}
	if headers.Algorithm() == jwa.NoSignature {
		return "", errors.New("auth: token uses none algorithm")
	}
	return headers.Algorithm(), nil
}

func unauthorized(message string, err error) *common.AppError {
	return common.NewAppError("UNAUTHORIZED", message, http.StatusUnauthorized, err)
}
