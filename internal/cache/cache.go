// Package cache keeps recently read heading results in memory for the
// admin API.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cleaner is a cache that can drop its expired entries.
type Cleaner interface {
	CleanExpired() int
}

// Manager periodically sweeps expired entries from the registered caches.
type Manager struct {
	mu     sync.Mutex
	caches []Cleaner
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager() *Manager {
	return &Manager{}
}

// Register adds a cache to the sweep.
func (m *Manager) Register(c Cleaner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches = append(m.caches, c)
}

// StartCleanup sweeps every interval until ctx is cancelled or Stop is called.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.cleanup(ctx, interval, m.done)
}

func (m *Manager) cleanup(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				slog.DebugContext(ctx, "Expired cache entries removed", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweep() int {
	m.mu.Lock()
	caches := append([]Cleaner(nil), m.caches...)
	m.mu.Unlock()

	total := 0
	for _, c := range caches {
		total += c.CleanExpired()
	}
	return total
}

// Stop ends the sweep and waits for it to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
