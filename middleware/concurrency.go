package middleware

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// KeyedMutex provides per-key locking, used as a movement-engine
// in-process assist ahead of the database row lock: it serializes two
// concurrent requests with the same tenant and lookup term before either
// opens a transaction, cutting contention on the row lock itself.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu      sync.Mutex
	waiters int32
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyEntry)}
}

// Lock acquires a lock for key and returns an unlock function.
func (km *KeyedMutex) Lock(key string) func() {
	km.mu.Lock()
	entry, ok := km.locks[key]
	if !ok {
		entry = &keyEntry{}
		km.locks[key] = entry
	}
	atomic.AddInt32(&entry.waiters, 1)
	km.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		km.mu.Lock()
		if atomic.AddInt32(&entry.waiters, -1) == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}

// Semaphore provides bounded per-key concurrency; ConcurrencyGuard uses
// it to cap in-flight requests per caller.
type Semaphore struct {
	mu    sync.Mutex
	semas map[string]chan struct{}
	limit int
}

func NewSemaphore(limit int) *Semaphore {
	if limit <= 0 {
		limit = 100
	}
	return &Semaphore{semas: make(map[string]chan struct{}), limit: limit}
}

// Acquire attempts to acquire a slot for key within timeout.
func (s *Semaphore) Acquire(key string, timeout time.Duration) bool {
	s.mu.Lock()
	ch, ok := s.semas[key]
	if !ok {
		ch = make(chan struct{}, s.limit)
		s.semas[key] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Semaphore) Release(key string) {
	s.mu.Lock()
	ch, ok := s.semas[key]
	s.mu.Unlock()
	if ok {
		select {
		case <-ch:
		default:
		}
	}
}

func (s *Semaphore) ActiveCount(key string) int {
	s.mu.Lock()
	ch, ok := s.semas[key]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return len(ch)
}

// AtomicCounter is a thread-safe counter, used by the rolling-window
// alert engine for the error-rate and stage-3-failure counts.
type AtomicCounter struct {
	value int64
}

func (c *AtomicCounter) Inc() int64          { return atomic.AddInt64(&c.value, 1) }
func (c *AtomicCounter) Add(n int64) int64   { return atomic.AddInt64(&c.value, n) }
func (c *AtomicCounter) Get() int64          { return atomic.LoadInt64(&c.value) }
func (c *AtomicCounter) Reset() int64        { return atomic.SwapInt64(&c.value, 0) }

// ConcurrencyGuard bounds the number of in-flight ingestion requests per
// caller identity (GetUserID, i.e. the API key) at the HTTP layer, ahead
// of the job worker pool.
type ConcurrencyGuard struct {
	semaphore *Semaphore
	logger    zerolog.Logger
	timeout   time.Duration
}

func NewConcurrencyGuard(maxConcurrentPerTenant int, timeout time.Duration, logger zerolog.Logger) *ConcurrencyGuard {
	return &ConcurrencyGuard{
		semaphore: NewSemaphore(maxConcurrentPerTenant),
		logger:    logger,
		timeout:   timeout,
	}
}

func (cg *ConcurrencyGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantKey := GetUserID(r.Context())
		if tenantKey == "" {
			tenantKey = "anonymous"
		}

		if !cg.semaphore.Acquire(tenantKey, cg.timeout) {
			cg.logger.Warn().
				Str("tenant", tenantKey).
				Int("active", cg.semaphore.ActiveCount(tenantKey)).
				Msg("concurrency limit reached for tenant")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"status":"error","error_message":"too many concurrent uploads for this tenant"}`))
			return
		}
		defer cg.semaphore.Release(tenantKey)

		ctx := context.WithValue(r.Context(), concurrencyActiveKey, cg.semaphore.ActiveCount(tenantKey))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

const concurrencyActiveKey contextKey = "concurrency_active"

func GetConcurrencyActive(ctx context.Context) int {
	if v, ok := ctx.Value(concurrencyActiveKey).(int); ok {
		return v
	}
	return 0
}
