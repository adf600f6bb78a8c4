package ratelimit

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/tasknotes/apigw/internal/observability"
	"github.com/tasknotes/apigw/internal/ratelimit/store"
)

var _ io.Closer = (*TokenBucketLimiter)(nil)

// TokenBucketLimiter implements Limiter with one lazily created token
// bucket per key. Tokens refill continuously at capacity/window; a request
// needs one whole token to pass. With a nil store all state is in-process;
// with a store the bucket state lives in the backend and is shared across
// gateway replicas.
type TokenBucketLimiter struct {
	limits Limits
	store  store.Store
	logger observability.Logger
	clock  func() time.Time

	buckets sync.Map

	cleanupInterval time.Duration
	bucketTTL       time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
}

// bucket holds the state of one token bucket.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
}

// TokenBucketOption configures a TokenBucketLimiter.
type TokenBucketOption func(*TokenBucketLimiter)

// WithStore backs the limiter with a shared store instead of local memory.
func WithStore(s store.Store) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		l.store = s
	}
}

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger observability.Logger) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithBucketTTL overrides how long an idle bucket survives before the
// cleanup sweep drops it.
func WithBucketTTL(cleanupInterval, ttl time.Duration) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		if cleanupInterval > 0 {
			l.cleanupInterval = cleanupInterval
		}
		if ttl > 0 {
			l.bucketTTL = ttl
		}
	}
}

// withLimiterClock overrides time for tests.
func withLimiterClock(clock func() time.Time) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		l.clock = clock
	}
}

// NewTokenBucketLimiter creates a limiter with the given per-method limits
// and starts the idle bucket cleanup goroutine.
func NewTokenBucketLimiter(limits Limits, opts ...TokenBucketOption) *TokenBucketLimiter {
	if limits.Window <= 0 {
		limits.Window = DefaultWindow
	}

	l := &TokenBucketLimiter{
		limits:          limits,
		logger:          observability.NopLogger(),
		clock:           time.Now,
		cleanupInterval: 5 * time.Minute,
		bucketTTL:       10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.startCleanupLoop()

	return l
}

// Allow implements Limiter.
func (l *TokenBucketLimiter) Allow(ctx context.Context, key Key, cost float64) (*Result, error) {
	if cost <= 0 {
		cost = 1
	}
	if l.store == nil {
		return l.allowLocal(key, cost), nil
	}
	return l.allowDistributed(ctx, key, cost)
}

// allowLocal checks the request against an in-process bucket.
func (l *TokenBucketLimiter) allowLocal(key Key, cost float64) *Result {
	now := l.clock()
	capacity := l.limits.CapacityFor(key.Method)
	rate := l.limits.rateFor(key.Method)

	value, _ := l.buckets.LoadOrStore(key, &bucket{
		tokens:     float64(capacity),
		lastUpdate: now,
	})
	b := value.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > float64(capacity) {
		b.tokens = float64(capacity)
	}
	b.lastUpdate = now

	allowed := b.tokens >= cost
	if allowed {
		b.tokens -= cost
	}

	return l.result(allowed, capacity, rate, b.tokens, cost)
}

// allowDistributed checks the request against bucket state held in the
// shared store. The read-modify-write is not atomic across replicas; under
// contention the limit can overshoot slightly, which is acceptable for
// throttling.
func (l *TokenBucketLimiter) allowDistributed(ctx context.Context, key Key, cost float64) (*Result, error) {
	now := l.clock()
	nowMs := now.UnixMilli()
	capacity := l.limits.CapacityFor(key.Method)
	rate := l.limits.rateFor(key.Method)

	stateKey := "tb:" + key.String()
	tokens := float64(capacity)
	lastUpdate := nowMs

	storedTokens, err := l.store.Get(ctx, stateKey+":tokens")
	if err == nil {
		// Tokens are stored in thousandths for precision.
		tokens = float64(storedTokens) / 1000.0
	} else if !store.IsKeyNotFound(err) {
		return nil, err
	}

	storedTime, err := l.store.Get(ctx, stateKey+":time")
	if err == nil {
		lastUpdate = storedTime
	} else if !store.IsKeyNotFound(err) {
		return nil, err
	}

	elapsed := float64(nowMs-lastUpdate) / 1000.0
	tokens += elapsed * rate
	if tokens > float64(capacity) {
		tokens = float64(capacity)
	}

	allowed := tokens >= cost
	if allowed {
		tokens -= cost
	}

	expiration := time.Duration(float64(capacity)/rate+1) * time.Second
	if err := l.store.Set(ctx, stateKey+":tokens", int64(tokens*1000), expiration); err != nil {
		l.logger.Warn("storing bucket tokens failed", observability.Error(err))
	}
	if err := l.store.Set(ctx, stateKey+":time", nowMs, expiration); err != nil {
		l.logger.Warn("storing bucket timestamp failed", observability.Error(err))
	}

	return l.result(allowed, capacity, rate, tokens, cost), nil
}

// result assembles a Result from post-check bucket state.
func (l *TokenBucketLimiter) result(allowed bool, capacity int, rate, tokens, cost float64) *Result {
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}

	var retryAfter time.Duration
	if !allowed {
		needed := cost - tokens
		retryAfter = time.Duration(math.Ceil(needed/rate)) * time.Second
	}

	return &Result{
		Allowed:    allowed,
		Limit:      capacity,
		Remaining:  remaining,
		RetryAfter: retryAfter,
	}
}

// Reset clears the bucket state for a key.
func (l *TokenBucketLimiter) Reset(ctx context.Context, key Key) error {
	l.buckets.Delete(key)

	if l.store != nil {
		stateKey := "tb:" + key.String()
		if err := l.store.Delete(ctx, stateKey+":tokens"); err != nil {
			return err
		}
		if err := l.store.Delete(ctx, stateKey+":time"); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Limiter. Stops the cleanup goroutine.
func (l *TokenBucketLimiter) Close() error {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}

// startCleanupLoop periodically drops idle buckets.
func (l *TokenBucketLimiter) startCleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale(l.bucketTTL)
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanupStale removes buckets untouched for longer than maxAge.
func (l *TokenBucketLimiter) cleanupStale(maxAge time.Duration) {
	now := l.clock()

	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > maxAge {
			l.buckets.Delete(key)
		}
		b.mu.Unlock()
		return true
	})
}

// size returns the number of live buckets, for tests.
func (l *TokenBucketLimiter) size() int {
	count := 0
	l.buckets.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
