package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryBackend keeps buckets in process memory. It suits a single dispatcher;
// state is lost on restart.
type MemoryBackend struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	lim  *rate.Limiter
	last time.Time // time of the last Take, granted or not
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buckets: make(map[string]*memoryBucket)}
}

// Take implements Backend. A bucket seen for the first time starts full.
//
// When the bucket's shape changes, tokens are settled at the old rate up to
// the previous Take and the new rate covers everything after it, the same
// accounting the SQLite backend applies to its stored last_update.
func (m *MemoryBackend) Take(_ context.Context, key string, capacity int, window time.Duration, now time.Time) (bool, float64, error) {
	if capacity <= 0 || window <= 0 {
		return false, 0, fmt.Errorf("invalid bucket %s: capacity %d window %s", key, capacity, window)
	}
	limit := rate.Limit(float64(capacity) / window.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &memoryBucket{lim: rate.NewLimiter(limit, capacity)}
		m.buckets[key] = b
	} else if b.lim.Limit() != limit || b.lim.Burst() != capacity {
		b.lim.SetLimitAt(b.last, limit)
		b.lim.SetBurstAt(b.last, capacity)
	}
	b.last = now

	granted := b.lim.AllowN(now, 1)
	return granted, b.lim.TokensAt(now), nil
}
