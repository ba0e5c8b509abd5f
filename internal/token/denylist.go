package token

import (
	"sync"
	"time"
)

const (
	defaultEntryTTL   = 30 * time.Minute
	defaultMaxEntries = 10000
	sweepInterval     = time.Minute
)

// Denylist is the in-memory set of revoked access tokens. JWTs are otherwise
// stateless, so logout only takes effect because every authenticated request
// consults this cache. Entries expire after a window longer than the maximum
// access-token lifetime, so a revoked token can never outlive its entry and
// become valid again.
//
// Safe for concurrent use without external locking.
type Denylist struct {
	mu         sync.RWMutex
	entries    map[string]time.Time
	ttl        time.Duration
	maxEntries int

	stopOnce sync.Once
	stop     chan struct{}
}

// NewDenylist starts a denylist with a background sweeper. ttl should be at
// least twice the access-token TTL.
func NewDenylist(ttl time.Duration, maxEntries int) *Denylist {
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	d := &Denylist{
		entries:    make(map[string]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go d.janitor()
	return d
}

// Revoke records the raw token string. When the cache is full, expired
// entries are dropped first, then the oldest live entry is evicted.
func (d *Denylist) Revoke(token string) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.entries) >= d.maxEntries {
		d.removeExpiredLocked(now)
	}
	if len(d.entries) >= d.maxEntries {
		d.evictOldestLocked()
	}
	d.entries[token] = now
}

// IsRevoked is the hot-path lookup performed on every authenticated request.
// Expiry is checked lazily so correctness never depends on the sweeper.
func (d *Denylist) IsRevoked(token string) bool {
	d.mu.RLock()
	insertedAt, ok := d.entries[token]
	d.mu.RUnlock()

	return ok && time.Since(insertedAt) < d.ttl
}

// Len returns the current number of entries, expired ones included.
func (d *Denylist) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Close stops the background sweeper.
func (d *Denylist) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *Denylist) janitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.mu.Lock()
			d.removeExpiredLocked(time.Now())
			d.mu.Unlock()
		}
	}
}

func (d *Denylist) removeExpiredLocked(now time.Time) {
	for token, insertedAt := range d.entries {
		if now.Sub(insertedAt) >= d.ttl {
			delete(d.entries, token)
		}
	}
}

func (d *Denylist) evictOldestLocked() {
	var oldestToken string
	var oldestAt time.Time
	for token, insertedAt := range d.entries {
		if oldestToken == "" || insertedAt.Before(oldestAt) {
			oldestToken = token
			oldestAt = insertedAt
		}
	}
	if oldestToken != "" {
		delete(d.entries, oldestToken)
	}
}
