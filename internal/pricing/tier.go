package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a currency amount. Catalog prices may carry fractions, rounding is
// applied only where the checkout rules ask for it.
type Money = decimal.Decimal

// Tier names one of the candidate unit prices attached to a product.
type Tier string

const (
	TierDistributor Tier = "distributor"
	TierLevel       Tier = "level"
	TierStore       Tier = "store"
	TierBase        Tier = "base"
)

// Mode selects which tiers SelectPrice considers.
type Mode int

const (
	// ModeGeneral considers distributor, level, store and base prices.
	ModeGeneral Mode = iota
	// ModeStoreOnly excludes negotiated tiers and considers store then base.
	ModeStoreOnly
)

func (m Mode) String() string {
	switch m {
	case ModeGeneral:
		return "general"
	case ModeStoreOnly:
		return "store_only"
	default:
		return "unknown"
	}
}

var tierOrder = map[Mode][]Tier{
	ModeGeneral:   {TierDistributor, TierLevel, TierStore, TierBase},
	ModeStoreOnly: {TierStore, TierBase},
}

// PriceSet holds the candidate unit prices of a product as supplied by the catalog.
// Level is the level price already resolved for the buying member.
type PriceSet struct {
	Distributor Money `json:"distributor"`
	Level       Money `json:"level"`
	Store       Money `json:"store"`
	Base        Money `json:"base"`
}

func (p PriceSet) value(t Tier) Money {
	switch t {
	case TierDistributor:
		return p.Distributor
	case TierLevel:
		return p.Level
	case TierStore:
		return p.Store
	default:
		return p.Base
	}
}

// Selection is a chosen unit price and the tier it came from.
type Selection struct {
	Price Money `json:"price"`
	Tier  Tier  `json:"tier"`
}

// SelectPrice returns the first positive candidate in the mode's priority order.
// When no candidate is positive the lowest-priority candidate is returned as is,
// so the result degrades to a zero price instead of failing.
func SelectPrice(set PriceSet, mode Mode) Selection {
	order, ok := tierOrder[mode]
	if !ok {
		order = tierOrder[ModeGeneral]
	}
	for _, tier := range order {
		if v := set.value(tier); v.IsPositive() {
			return Selection{Price: v, Tier: tier}
		}
	}
	last := order[len(order)-1]
	return Selection{Price: set.value(last), Tier: last}
}

const (
	MemberTypeVIP = "VIP"
	SubTypeDealer = "dealer"
	SubTypeGuide  = "guide"
	defaultRate   = "0.9"
)

// Member carries the tags that drive discount and tier eligibility.
type Member struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Type         string `json:"type"`
	SubType      string `json:"subType"`
	Level        string `json:"level,omitempty"`
	PointBalance Money  `json:"pointBalance"`
}

// IsGuide reports whether the member is a guide account.
func (m *Member) IsGuide() bool {
	return m != nil && strings.EqualFold(strings.TrimSpace(m.SubType), SubTypeGuide)
}

// ModeFor returns the pricing mode for a sale. A guide buying on behalf of
// someone else only gets store prices.
func ModeFor(m *Member, purchaseForSelf bool) Mode {
	if m.IsGuide() && !purchaseForSelf {
		return ModeStoreOnly
	}
	return ModeGeneral
}
