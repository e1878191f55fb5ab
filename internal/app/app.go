// Package app assembles the checkout service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/pos-checkout/internal/auth"
	"github.com/noah-isme/pos-checkout/internal/catalog"
	"github.com/noah-isme/pos-checkout/internal/checkout"
	"github.com/noah-isme/pos-checkout/internal/compensate"
	"github.com/noah-isme/pos-checkout/internal/config"
	"github.com/noah-isme/pos-checkout/internal/lock"
	"github.com/noah-isme/pos-checkout/internal/orderapi"
	"github.com/noah-isme/pos-checkout/internal/pricing"
	"github.com/noah-isme/pos-checkout/internal/ratelimit"
	"github.com/noah-isme/pos-checkout/internal/resilience"
)

// Options toggles optional instrumentation.
type Options struct {
	RedisTracing bool
	RedisMetrics bool
	// OrderAPITransport overrides the outbound transport, mainly for tests.
	OrderAPITransport http.RoundTripper
}

// Dependencies holds the long-lived components shared by the API process.
type Dependencies struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Redis      *redis.Client
	Orders     *orderapi.Client
	TaskClient *asynq.Client
	Limiter    *limiter.Limiter
	Verifier   *auth.Verifier
	Policy     pricing.Policy
	Checkout   *checkout.Service
}

// New connects to Redis and builds every service. Close releases the clients.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Dependencies, error) {
	policy, err := PolicyFrom(cfg)
	if err != nil {
		return nil, err
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if opts.RedisTracing {
		if err := redisotel.InstrumentTracing(rdb); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
	}
	if opts.RedisMetrics {
		if err := redisotel.InstrumentMetrics(rdb); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	taskOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("parse task queue redis url: %w", err)
	}
	taskClient := asynq.NewClient(taskOpt)

	lim, err := ratelimit.NewRedisLimiter(rdb, cfg.SubmitRateLimit, "ratelimit:submit")
	if err != nil {
		_ = taskClient.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("submit rate limit: %w", err)
	}

	orders := NewOrderClient(cfg, logger, opts.OrderAPITransport)
	catalogSvc := catalog.NewService(orders, catalog.NewCache(rdb, "catalog:", cfg.CatalogCacheTTL), logger)

	svc := checkout.NewService(checkout.Config{
		Store:   checkout.Store{R: rdb, TTL: cfg.SessionTTL},
		Catalog: catalogSvc,
		Submitter: checkout.Submitter{
			Orders:      orders,
			Compensator: compensate.Enqueuer{Client: taskClient, MaxRetry: cfg.CompensationMaxRetry, Logger: logger},
			Policy:      policy,
			Concurrency: cfg.SubmitLineConcurrency,
			Timeout:     cfg.SubmitTimeout,
			Location:    cfg.Location(),
			Logger:      logger,

			CompensationTimeout: cfg.SubmitCompensationTimeout,
		},
		Locker:   lock.Locker{R: rdb, Prefix: "lock:checkout:"},
		Policy:   policy,
		Defaults: checkout.Defaults{DeliveryMethod: cfg.DefaultDeliveryMethod, PaymentMethod: cfg.DefaultPaymentMethod},
		LockTTL:  cfg.SubmitLockTTL,
		Logger:   logger,
	})

	return &Dependencies{
		Config:     cfg,
		Logger:     logger,
		Redis:      rdb,
		Orders:     orders,
		TaskClient: taskClient,
		Limiter:    lim,
		Verifier:   auth.NewVerifier(cfg.CashierJWTSecret, cfg.CashierJWTIssuer, cfg.CashierJWTAudience),
		Policy:     policy,
		Checkout:   svc,
	}, nil
}

// NewOrderClient builds the order API client with its own circuit breaker.
func NewOrderClient(cfg *config.Config, logger zerolog.Logger, transport http.RoundTripper) *orderapi.Client {
	breaker := resilience.NewBreaker(cfg.OrderAPIBreakerMinRequests, cfg.OrderAPIBreakerFailureRatio, cfg.OrderAPIBreakerOpenFor).
		WithTarget("order_api").
		WithLogger(logger)
	return orderapi.New(orderapi.Options{
		BaseURL:     cfg.OrderAPIBaseURL,
		Token:       cfg.OrderAPIToken,
		Timeout:     cfg.OrderAPITimeout,
		MaxAttempts: cfg.OrderAPIMaxAttempts,
		RetryBase:   cfg.OrderAPIRetryBase,
		Breaker:     breaker,
		Transport:   transport,
		Logger:      logger,
	})
}

// PolicyFrom builds the discount policy from configuration.
func PolicyFrom(cfg *config.Config) (pricing.Policy, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.DiscountRate))
	if err != nil {
		return pricing.Policy{}, fmt.Errorf("DISCOUNT_RATE: %w", err)
	}
	if !rate.IsPositive() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return pricing.Policy{}, fmt.Errorf("DISCOUNT_RATE must be in (0, 1], got %s", rate)
	}
	return pricing.Policy{
		MemberType: cfg.DiscountMemberType,
		SubTypes:   cfg.DiscountSubTypes,
		Rate:       rate,
	}, nil
}

// Close releases the task queue and Redis clients.
func (d *Dependencies) Close() error {
	var errs []error
	if d.TaskClient != nil {
		errs = append(errs, d.TaskClient.Close())
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	return errors.Join(errs...)
}
