// Package ratelimit implements a fixed-window rate limiter backed by the
// shared cache. It deliberately fails open: when the cache is unreachable,
// requests are allowed and the failure is logged. Auth correctness never
// depends on the limiter alone.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/shu-ai/shu-core/internal/cache"
	"github.com/shu-ai/shu-core/internal/observability"
)

// Result describes a rate limit decision.
type Result struct {
	Allowed           bool
	Remaining         int64
	Limit             int64
	ResetSeconds      int64
	RetryAfterSeconds int64
}

// Headers returns the standard rate limit response headers for the decision.
func (r Result) Headers() map[string]string {
	h := map[string]string{
		"RateLimit-Limit":     strconv.FormatInt(r.Limit, 10),
		"RateLimit-Remaining": strconv.FormatInt(r.Remaining, 10),
		"RateLimit-Reset":     strconv.FormatInt(r.ResetSeconds, 10),
	}
	if !r.Allowed {
		h["Retry-After"] = strconv.FormatInt(r.RetryAfterSeconds, 10)
	}
	return h
}

// Limiter is a fixed-window counter over the cache. Capacity is the burst
// size; the refill rate determines the window length.
type Limiter struct {
	cache      cache.Cache
	logger     *observability.Logger
	namespace  string
	capacity   int64
	windowSecs int64
	now        func() time.Time
}

// New creates a limiter. The window is max(60, ceil(capacity/refillPerSecond))
// seconds so slow-refill limiters get proportionally longer windows.
func New(c cache.Cache, logger *observability.Logger, namespace string, capacity int64, refillPerSecond float64) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 1
	}

	window := int64(math.Ceil(float64(capacity) / refillPerSecond))
	if window < 60 {
		window = 60
	}

	return &Limiter{
		cache:      c,
		logger:     logger.WithOperation("ratelimit"),
		namespace:  namespace,
		capacity:   capacity,
		windowSecs: window,
		now:        time.Now,
	}
}

// Allow checks whether one unit of work is permitted for the bucket.
func (l *Limiter) Allow(ctx context.Context, bucket string) Result {
	return l.AllowN(ctx, bucket, 1)
}

// AllowN checks whether cost units of work are permitted for the bucket.
func (l *Limiter) AllowN(ctx context.Context, bucket string, cost int64) Result {
	if cost < 1 {
		cost = 1
	}

	now := l.now().Unix()
	window := now / l.windowSecs
	key := fmt.Sprintf("%s:%s:fw:%d", l.namespace, bucket, window)
	reset := (window+1)*l.windowSecs - now

	count, err := l.cache.Incr(ctx, key, cost)
	if err != nil {
		return l.failOpen(bucket, err, reset)
	}

	if count == cost {
		// First hit in this window owns the key and gives it the window TTL.
		if _, err := l.cache.Expire(ctx, key, time.Duration(l.windowSecs)*time.Second); err != nil {
			return l.failOpen(bucket, err, reset)
		}
	}

	if count <= l.capacity {
		return Result{
			Allowed:      true,
			Remaining:    l.capacity - count,
			Limit:        l.capacity,
			ResetSeconds: reset,
		}
	}

	if _, err := l.cache.Decr(ctx, key, cost); err != nil && !errors.Is(err, cache.ErrConnection) {
		l.logger.Warn().Err(err).Str("bucket", bucket).Msg("Failed to roll back over-limit increment")
	}

	return Result{
		Allowed:           false,
		Remaining:         0,
		Limit:             l.capacity,
		ResetSeconds:      reset,
		RetryAfterSeconds: l.windowSecs,
	}
}

func (l *Limiter) failOpen(bucket string, err error, reset int64) Result {
	l.logger.Warn().Err(err).
		Str("namespace", l.namespace).
		Str("bucket", bucket).
		Msg("Cache unavailable, allowing request")

	return Result{
		Allowed:      true,
		Remaining:    l.capacity,
		Limit:        l.capacity,
		ResetSeconds: reset,
	}
}

// WindowSeconds reports the limiter's window length.
func (l *Limiter) WindowSeconds() int64 {
	return l.windowSecs
}

// NewAPILimiter limits general API traffic per user.
func NewAPILimiter(c cache.Cache, logger *observability.Logger, capacity int64, refillPerSecond float64) *Limiter {
	return New(c, logger, "ratelimit:api", capacity, refillPerSecond)
}

// NewAuthLimiter limits authentication attempts per identifier. Small burst,
// slow refill.
func NewAuthLimiter(c cache.Cache, logger *observability.Logger) *Limiter {
	return New(c, logger, "ratelimit:auth", 10, 0.1)
}

// ProviderLimits carries per-provider request and token ceilings.
type ProviderLimits struct {
	RequestsPerMinute int64
	TokensPerMinute   int64
}

// LLMLimiter bounds LLM traffic per (user, provider): request rate and
// estimated token throughput independently.
type LLMLimiter struct {
	rpm map[string]*Limiter
	tpm map[string]*Limiter
}

// NewLLMLimiter builds per-provider RPM and TPM limiters from the supplied
// overrides.
func NewLLMLimiter(c cache.Cache, logger *observability.Logger, providers map[string]ProviderLimits) *LLMLimiter {
	l := &LLMLimiter{
		rpm: make(map[string]*Limiter),
		tpm: make(map[string]*Limiter),
	}
	for provider, limits := range providers {
		if limits.RequestsPerMinute > 0 {
			l.rpm[provider] = New(c, logger, "ratelimit:llm:rpm:"+provider,
				limits.RequestsPerMinute, float64(limits.RequestsPerMinute)/60.0)
		}
		if limits.TokensPerMinute > 0 {
			l.tpm[provider] = New(c, logger, "ratelimit:llm:tpm:"+provider,
				limits.TokensPerMinute, float64(limits.TokensPerMinute)/60.0)
		}
	}
	return l
}

// AllowRequest checks the per-provider request rate for a user. Providers
// without configured limits are unrestricted.
func (l *LLMLimiter) AllowRequest(ctx context.Context, userID, provider string) Result {
	lim, ok := l.rpm[provider]
	if !ok {
		return Result{Allowed: true}
	}
	return lim.Allow(ctx, userID)
}

// AllowTokens checks the per-provider token throughput for a user with the
// estimated token count as cost.
func (l *LLMLimiter) AllowTokens(ctx context.Context, userID, provider string, estimatedTokens int64) Result {
	lim, ok := l.tpm[provider]
	if !ok {
		return Result{Allowed: true}
	}
	return lim.AllowN(ctx, userID, estimatedTokens)
}

// Middleware returns HTTP middleware enforcing the limiter per caller. The
// bucket is derived by keyFn from the request; an empty bucket bypasses the
// limiter.
func Middleware(l *Limiter, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bucket := keyFn(r)
			if bucket == "" {
				next.ServeHTTP(w, r)
				return
			}

			result := l.Allow(r.Context(), bucket)
			for k, v := range result.Headers() {
				w.Header().Set(k, v)
			}
			if !result.Allowed {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
