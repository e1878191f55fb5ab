// Package catalog resolves members and products for the checkout, caching
// remote lookups in Redis and collapsing concurrent misses.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/pos-checkout/internal/obs"
	"github.com/noah-isme/pos-checkout/internal/orderapi"
	"github.com/noah-isme/pos-checkout/internal/pricing"
)

var (
	ErrMemberNotFound  = errors.New("catalog: member not found")
	ErrProductNotFound = errors.New("catalog: product not found")
)

// Source is the remote catalog, satisfied by *orderapi.Client.
type Source interface {
	GetMember(ctx context.Context, id string) (pricing.Member, error)
	GetProduct(ctx context.Context, id, memberLevel string) (orderapi.Product, error)
}

// Service looks up members and products.
type Service struct {
	source Source
	cache  *Cache
	group  singleflight.Group
	logger zerolog.Logger
}

// NewService constructs a Service. cache may be nil.
func NewService(source Source, cache *Cache, logger zerolog.Logger) *Service {
	return &Service{source: source, cache: cache, logger: logger}
}

// Member returns the member with id.
func (s *Service) Member(ctx context.Context, id string) (pricing.Member, error) {
	return lookup(ctx, s, "member", memberKey(id), func(ctx context.Context) (pricing.Member, error) {
		return s.fetchMember(ctx, id)
	})
}

// RefreshMember reads the member from the source, skipping the cache, and
// stores the result for later lookups. Used where a stale point balance
// would matter.
func (s *Service) RefreshMember(ctx context.Context, id string) (pricing.Member, error) {
	m, err := s.fetchMember(ctx, id)
	if err != nil {
		return m, err
	}
	obs.Inc(obs.CatalogLookupsTotal, "member", "refresh")
	if err := s.cache.SetJSON(ctx, memberKey(id), m); err != nil {
		s.logger.Warn().Err(err).Str("member_id", id).Msg("catalog cache write failed")
	}
	return m, nil
}

func (s *Service) fetchMember(ctx context.Context, id string) (pricing.Member, error) {
	m, err := s.source.GetMember(ctx, id)
	if errors.Is(err, orderapi.ErrNotFound) {
		return m, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}
	return m, err
}

func memberKey(id string) string { return "member:" + id }

// Product returns the product with id priced for memberLevel.
func (s *Service) Product(ctx context.Context, id, memberLevel string) (orderapi.Product, error) {
	key := "product:" + id + ":" + memberLevel
	return lookup(ctx, s, "product", key, func(ctx context.Context) (orderapi.Product, error) {
		p, err := s.source.GetProduct(ctx, id, memberLevel)
		if errors.Is(err, orderapi.ErrNotFound) {
			return p, fmt.Errorf("%w: %s", ErrProductNotFound, id)
		}
		return p, err
	})
}

func lookup[T any](ctx context.Context, s *Service, kind, key string, fetch func(context.Context) (T, error)) (T, error) {
	var cached T
	hit, err := s.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
	}
	if hit {
		obs.Inc(obs.CatalogLookupsTotal, kind, "cache")
		return cached, nil
	}

	// The shared fetch must not die with whichever caller started it.
	detached := context.WithoutCancel(ctx)
	v, err, shared := s.group.Do(key, func() (any, error) {
		fresh, err := fetch(detached)
		if err != nil {
			return fresh, err
		}
		if err := s.cache.SetJSON(detached, key, fresh); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
		}
		obs.Inc(obs.CatalogLookupsTotal, kind, "remote")
		return fresh, nil
	})
	if shared {
		obs.Inc(obs.CatalogLookupsTotal, kind, "shared")
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
