package pricing

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// Policy describes who receives the member discount and at which rate.
type Policy struct {
	MemberType string
	SubTypes   []string
	// Rate is the multiplier applied to the original unit price, 0.9 means 10% off.
	Rate Money
}

// DefaultPolicy grants 10% off to VIP dealers and guides.
func DefaultPolicy() Policy {
	return Policy{
		MemberType: MemberTypeVIP,
		SubTypes:   []string{SubTypeDealer, SubTypeGuide},
		Rate:       decimal.RequireFromString(defaultRate),
	}
}

// Eligible reports whether the member qualifies for the discount.
func (p Policy) Eligible(m *Member) bool {
	if m == nil {
		return false
	}
	memberType := p.MemberType
	if memberType == "" {
		memberType = MemberTypeVIP
	}
	if !strings.EqualFold(strings.TrimSpace(m.Type), memberType) {
		return false
	}
	sub := strings.ToLower(strings.TrimSpace(m.SubType))
	return slices.ContainsFunc(p.SubTypes, func(s string) bool {
		return strings.ToLower(strings.TrimSpace(s)) == sub
	})
}

// DiscountedUnit rounds unit × rate half-up to a whole amount for eligible
// members and returns unit unchanged otherwise.
func (p Policy) DiscountedUnit(unit Money, eligible bool) Money {
	if !eligible {
		return unit
	}
	return unit.Mul(p.rate()).Round(0)
}

func (p Policy) rate() Money {
	if !p.Rate.IsPositive() {
		return decimal.RequireFromString(defaultRate)
	}
	return p.Rate
}
