package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// OrderAPIPinger is satisfied by the remote order API client.
type OrderAPIPinger interface {
	Ping(ctx context.Context) error
}

// Deps probes the service's runtime dependencies.
type Deps struct {
	Redis    *redis.Client
	OrderAPI OrderAPIPinger
}

// PingRedis issues PING with the given timeout.
func (d Deps) PingRedis(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.Redis.Ping(ctx).Err()
}

// PingOrderAPI calls the remote health endpoint with the given timeout.
func (d Deps) PingOrderAPI(ctx context.Context, timeout time.Duration) error {
	if d.OrderAPI == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.OrderAPI.Ping(ctx)
}
