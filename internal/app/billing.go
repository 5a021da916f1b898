package app

import (
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fishtrade/fishtrade/internal/billing"
	"github.com/fishtrade/fishtrade/internal/observability"
	"github.com/fishtrade/fishtrade/internal/shared"
)

// BillingDeps groups what the billing service is assembled from. Redis and
// Metrics are optional; without Redis writes skip the party lock and
// outstanding reads go straight to Postgres.
type BillingDeps struct {
	Config  *Config
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// NewBillingService wires the billing service with its storage, lock, cache and
// idempotency collaborators.
func NewBillingService(deps BillingDeps) (*billing.Service, *shared.IdempotencyStore) {
	svc := billing.NewService(billing.NewRepository(deps.Pool), deps.Config.BillingConfig(), deps.Logger)

	var idempotency *shared.IdempotencyStore
	if deps.Pool != nil {
		idempotency = shared.NewIdempotencyStore(deps.Pool)
		svc.SetIdempotencyStore(idempotency)
	}
	if deps.Redis != nil {
		lockTTL, cacheTTL := billingTTLs(deps.Config)
		svc.SetLocker(billing.NewRedisLocker(deps.Redis, lockTTL, deps.Logger))
		svc.SetCache(billing.NewOutstandingCache(deps.Redis, cacheTTL))
	}
	if deps.Metrics != nil {
		svc.SetMetrics(deps.Metrics)
	}
	return svc, idempotency
}

func billingTTLs(cfg *Config) (lockTTL, cacheTTL time.Duration) {
	lockTTL, cacheTTL = 15*time.Second, 10*time.Minute
	if cfg == nil {
		return lockTTL, cacheTTL
	}
	if cfg.LockTTL > 0 {
		lockTTL = cfg.LockTTL
	}
	if cfg.OutstandingCacheTTL > 0 {
		cacheTTL = cfg.OutstandingCacheTTL
	}
	return lockTTL, cacheTTL
}
