package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/iota-uz/telemetry-sdk/pkg/httpapi"
)

const rateLimitPrefix = "telemetry_rate_limit"

type RateLimitOptions struct {
	// RPS is the per-client request budget per second.
	RPS          int
	Store        limiter.Store
	RealIPHeader string
	Logger       *logrus.Logger
}

// NewRateLimitStore returns a redis-backed store for "redis" and an in-memory one otherwise.
func NewRateLimitStore(storage, redisURL string) (limiter.Store, error) {
	if storage != "redis" {
		return memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          rateLimitPrefix,
			CleanUpInterval: time.Minute,
		}), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse rate limit redis url: %w", err)
	}
	store, err := sredis.NewStoreWithOptions(redis.NewClient(opts), limiter.StoreOptions{
		Prefix:   rateLimitPrefix,
		MaxRetry: 3,
	})
	if err != nil {
		return nil, fmt.Errorf("create rate limit redis store: %w", err)
	}
	return store, nil
}

// RateLimit answers 429 with an error envelope once a client exceeds its budget.
func RateLimit(opts RateLimitOptions) mux.MiddlewareFunc {
	rate := limiter.Rate{Period: time.Second, Limit: int64(opts.RPS)}
	m := stdlib.NewMiddleware(
		limiter.New(opts.Store, rate),
		stdlib.WithKeyGetter(func(r *http.Request) string {
			ip, _ := realIP(r, opts.RealIPHeader)
			return ip
		}),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			_ = httpapi.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			if opts.Logger != nil {
				opts.Logger.WithError(err).Error("rate limiter store failed")
			}
			_ = httpapi.WriteError(w, http.StatusInternalServerError, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable", nil)
		}),
	)
	return m.Handler
}
