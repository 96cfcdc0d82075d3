package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process limiter. It is meant for tests and single
// instance development setups, counts do not survive restarts and are
// not shared between instances.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

type memoryEntry struct {
	count       int
	windowStart time.Time
}

// NewMemory creates a new in-memory limiter.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		NowFunc: time.Now,
	}
}

func (m *Memory) CheckAndConsume(_ context.Context, key string, maxRequests int, window time.Duration) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.NowFunc()

	e, ok := m.entries[key]
	if !ok || !now.Before(e.windowStart.Add(window)) {
		m.entries[key] = &memoryEntry{
			count:       1,
			windowStart: now,
		}
		return Result{
			Allowed:   true,
			Remaining: maxRequests - 1,
			ResetAt:   now.Add(window),
		}, nil
	}

	prev := e.count
	e.count++

	resetAt := e.windowStart.Add(window)
	if prev >= maxRequests {
		return Result{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   resetAt,
		}, nil
	}

	return Result{
		Allowed:   true,
		Remaining: maxRequests - e.count,
		ResetAt:   resetAt,
	}, nil
}
