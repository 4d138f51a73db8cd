// Package cache remembers message keys for duplicate suppression, in memory
// or in Redis.
package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultDedupeTTL bounds how long a key is remembered.
const DefaultDedupeTTL = 24 * time.Hour

// LocalDeduper is an in-memory TTL set.
type LocalDeduper struct {
	mu     sync.Mutex
	items  map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// NewLocalDeduper starts a cleanup loop that runs every cleanup interval;
// a non-positive interval disables it. Call Stop to end the loop.
func NewLocalDeduper(ttl, cleanup time.Duration) *LocalDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	d := &LocalDeduper{
		items:  make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	if cleanup > 0 {
		go d.cleanupLoop(cleanup)
	}
	return d
}

// Seen records key and reports whether it was already present and unexpired.
func (d *LocalDeduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expiresAt, ok := d.items[key]; ok && now.Before(expiresAt) {
		return true, nil
	}
	d.items[key] = now.Add(d.ttl)
	return false, nil
}

// Len returns the number of tracked keys, expired ones included.
func (d *LocalDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Stop ends the cleanup loop.
func (d *LocalDeduper) Stop() {
	d.once.Do(func() { close(d.stopCh) })
}

func (d *LocalDeduper) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cleanup()
		case <-d.stopCh:
			return
		}
	}
}

func (d *LocalDeduper) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, expiresAt := range d.items {
		if !now.Before(expiresAt) {
			delete(d.items, key)
		}
	}
}
