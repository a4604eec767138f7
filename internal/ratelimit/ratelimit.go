// Package ratelimit meters how often builds are handed to the reviewer.
//
// Tokens live in a Backend so that several dispatchers can share one bucket.
// The limiter fails open: if the backend errors or does not answer in time the
// token is granted and a warning is logged. Contention is not a failure: a
// backend that reports ErrContended is retried and, if it stays contended, the
// token is denied.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/joescharf/ralph/internal/models"
)

// GlobalKey names the bucket shared by every project without an override.
const GlobalKey = "ralph:review_dispatch:rate_limit"

// Defaults for the global bucket.
const (
	DefaultCapacity = 4
	DefaultWindow   = time.Hour
	DefaultTimeout  = 2 * time.Second
)

// ErrContended is returned by a Backend when another holder of the bucket
// kept it locked. The bucket is healthy, so the caller retries or denies.
var ErrContended = errors.New("bucket contended")

// contendedAttempts bounds how often TryAcquire retries a contended bucket.
const contendedAttempts = 3

// Backend holds token bucket state.
type Backend interface {
	// Take refills the bucket for the time elapsed up to now and consumes one
	// token if available. It returns whether the token was granted and how
	// many tokens remain.
	Take(ctx context.Context, key string, capacity int, window time.Duration, now time.Time) (bool, float64, error)
}

// Bucket identifies a token bucket and its shape.
type Bucket struct {
	Key      string
	Capacity int
	Window   time.Duration
}

// Config holds the global bucket shape and the backend call timeout.
type Config struct {
	Capacity int
	Window   time.Duration
	Timeout  time.Duration
}

// Limiter grants dispatch tokens.
type Limiter struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter. Zero config fields take the package defaults.
func New(backend Backend, cfg Config, logger *slog.Logger, opts ...Option) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{backend: backend, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Global returns the shared bucket.
func (l *Limiter) Global() Bucket {
	return Bucket{Key: GlobalKey, Capacity: l.cfg.Capacity, Window: l.cfg.Window}
}

// BucketFor returns the bucket a project's builds draw from: its own when the
// project overrides the rate limit, the global one otherwise.
func (l *Limiter) BucketFor(p *models.Project) Bucket {
	if p == nil || !p.HasRateLimitOverride() {
		return l.Global()
	}
	return Bucket{
		Key:      GlobalKey + ":" + p.ID,
		Capacity: p.RateLimitCapacity,
		Window:   p.RateLimitWindow,
	}
}

type takeResult struct {
	granted   bool
	remaining float64
	err       error
}

// TryAcquire consumes one token from b, returning false when the backend
// answered that the bucket is empty or stayed contended across retries.
func (l *Limiter) TryAcquire(ctx context.Context, b Bucket) bool {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		res, ok := l.take(ctx, b)
		if !ok {
			l.logger.Warn("rate limiter unavailable, failing open", "bucket", b.Key, "error", ctx.Err())
			return true
		}
		switch {
		case errors.Is(res.err, ErrContended):
			if attempt >= contendedAttempts {
				l.logger.Warn("rate limiter contended, denying", "bucket", b.Key, "attempts", attempt)
				return false
			}
			select {
			case <-ctx.Done():
				l.logger.Warn("rate limiter contended, denying", "bucket", b.Key, "attempts", attempt)
				return false
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		case res.err != nil:
			l.logger.Warn("rate limiter unavailable, failing open", "bucket", b.Key, "error", res.err)
			return true
		default:
			l.logger.Debug("rate limiter", "bucket", b.Key, "granted", res.granted, "remaining", res.remaining)
			return res.granted
		}
	}
}

// take runs one backend call, reporting false if ctx expired first.
func (l *Limiter) take(ctx context.Context, b Bucket) (takeResult, bool) {
	done := make(chan takeResult, 1)
	go func() {
		granted, remaining, err := l.backend.Take(ctx, b.Key, b.Capacity, b.Window, l.now())
		done <- takeResult{granted: granted, remaining: remaining, err: err}
	}()

	select {
	case <-ctx.Done():
		return takeResult{}, false
	case res := <-done:
		return res, true
	}
}
