package debounce

import (
	"sync"
	"time"
)

// Dedupe defaults. The cache is small on purpose: redeliveries arrive
// within seconds of the original event.
const (
	DefaultDedupeSize = 2000
	DefaultDedupeTTL  = 5 * time.Minute
)

// Dedupe is a fixed-capacity seen-set with TTL. Eviction is
// oldest-first when the size cap is exceeded; expired entries are also
// dropped lazily on insert.
type Dedupe struct {
	mu      sync.Mutex
	seen    map[string]int64 // key -> unix millis last seen
	ttl     time.Duration
	maxSize int
}

// NewDedupe creates a dedupe cache. Non-positive arguments use the
// package defaults.
func NewDedupe(maxSize int, ttl time.Duration) *Dedupe {
	if maxSize <= 0 {
		maxSize = DefaultDedupeSize
	}
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &Dedupe{
		seen:    make(map[string]int64),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Check records key and reports whether it was already present and
// unexpired. Empty keys are never duplicates.
func (d *Dedupe) Check(key string) bool {
	return d.CheckAt(key, time.Now())
}

// CheckAt is Check with an explicit clock, for tests.
func (d *Dedupe) CheckAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	nowMs := now.UnixMilli()
	if ts, ok := d.seen[key]; ok && nowMs-ts < d.ttl.Milliseconds() {
		d.seen[key] = nowMs
		return true
	}
	d.seen[key] = nowMs
	d.pruneLocked(nowMs)
	return false
}

func (d *Dedupe) pruneLocked(nowMs int64) {
	cutoff := nowMs - d.ttl.Milliseconds()
	for key, ts := range d.seen {
		if ts < cutoff {
			delete(d.seen, key)
		}
	}
	for len(d.seen) > d.maxSize {
		oldestKey := ""
		oldestTs := int64(1<<63 - 1)
		for key, ts := range d.seen {
			if ts < oldestTs {
				oldestKey, oldestTs = key, ts
			}
		}
		delete(d.seen, oldestKey)
	}
}
