package core

// slot_limiter.go bounds how many imports are accepted or run at once.
//
// The limiter is a semaphore. When every slot is taken, Acquire waits up to
// maxWait before failing with ErrTooManyImports. WaitForDrain blocks until
// all holders have released, for graceful shutdown.

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JonMunkholm/productimport/internal/metrics"
)

// ErrTooManyImports is returned when no slot frees up within the wait time.
var ErrTooManyImports = errors.New("too many concurrent imports, please try again later")

// DefaultMaxConcurrent is used when NewSlotLimiter gets a non-positive limit.
const DefaultMaxConcurrent = 4

// DefaultMaxWaitTime is used when NewSlotLimiter gets a non-positive wait.
const DefaultMaxWaitTime = 30 * time.Second

// SlotLimiter caps concurrent work with a semaphore.
type SlotLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration
	gauge     bool

	mu     sync.RWMutex
	active int
}

// NewSlotLimiter allows at most maxConcurrent holders. Callers that cannot
// get a slot within maxWait receive ErrTooManyImports.
func NewSlotLimiter(maxConcurrent int, maxWait time.Duration) *SlotLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	return &SlotLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// ReportActive mirrors the active count into the active imports gauge.
func (l *SlotLimiter) ReportActive() *SlotLimiter {
	l.gauge = true
	return l
}

// Acquire takes a slot. The caller must Release it.
func (l *SlotLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.adjust(1)
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyImports
	}
}

// TryAcquire takes a slot only if one is free right now.
func (l *SlotLimiter) TryAcquire() bool {
	select {
	case l.semaphore <- struct{}{}:
		l.adjust(1)
		return true
	default:
		return false
	}
}

// Release returns a slot taken by Acquire or TryAcquire.
func (l *SlotLimiter) Release() {
	l.adjust(-1)
	<-l.semaphore
}

func (l *SlotLimiter) adjust(delta int) {
	l.mu.Lock()
	l.active += delta
	l.mu.Unlock()
	if l.gauge {
		metrics.ActiveImports.Add(float64(delta))
	}
}

// ActiveCount returns the number of held slots.
func (l *SlotLimiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// MaxConcurrent returns the slot count.
func (l *SlotLimiter) MaxConcurrent() int {
	return cap(l.semaphore)
}

// Available returns the number of free slots.
func (l *SlotLimiter) Available() int {
	return cap(l.semaphore) - len(l.semaphore)
}

// WaitForDrain blocks until every slot is released or ctx is done.
func (l *SlotLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SlotLimiterStatus is a point-in-time view of the limiter.
type SlotLimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status reports the current limiter state.
func (l *SlotLimiter) Status() SlotLimiterStatus {
	return SlotLimiterStatus{
		Active:        l.ActiveCount(),
		Available:     l.Available(),
		MaxConcurrent: l.MaxConcurrent(),
	}
}
