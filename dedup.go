package chatsync

import (
	"sync"
	"time"
)

// Default bounds for the deduplicator. The TTL only needs to cover the
// transport's maximum plausible redelivery window.
const (
	DefaultDedupTTL     = 10 * time.Minute
	DefaultDedupMaxSize = 4096
)

// MessageDeduplicator guarantees at-most-once application of an inbound
// message id regardless of delivery path (bulk history load vs live push).
// Seen ids are retained for a bounded TTL window and bounded total size
// rather than for the whole session.
type MessageDeduplicator struct {
	mu      sync.Mutex
	seen    map[string]int64 // id -> unix millis last seen
	ttl     time.Duration
	maxSize int
}

// NewMessageDeduplicator creates a deduplicator. Zero values select the
// defaults.
func NewMessageDeduplicator(ttl time.Duration, maxSize int) *MessageDeduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultDedupMaxSize
	}
	return &MessageDeduplicator{
		seen:    make(map[string]int64),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether id was marked within the TTL window. It does not
// update the entry.
func (d *MessageDeduplicator) Seen(id string) bool {
	return d.seenAt(id, time.Now())
}

func (d *MessageDeduplicator) seenAt(id string, now time.Time) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.seen[id]
	if !ok {
		return false
	}
	return now.UnixMilli()-ts < d.ttl.Milliseconds()
}

// MarkSeen records id. Any later Seen(id) within the TTL window returns true.
func (d *MessageDeduplicator) MarkSeen(id string) {
	d.markSeenAt(id, time.Now())
}

func (d *MessageDeduplicator) markSeenAt(id string, now time.Time) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = now.UnixMilli()
	d.prune(now.UnixMilli())
}

// CheckAndMark returns true if id is a duplicate, marking it seen either way.
func (d *MessageDeduplicator) CheckAndMark(id string) bool {
	return d.checkAndMarkAt(id, time.Now())
}

func (d *MessageDeduplicator) checkAndMarkAt(id string, now time.Time) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	nowMs := now.UnixMilli()
	if ts, ok := d.seen[id]; ok && nowMs-ts < d.ttl.Milliseconds() {
		d.seen[id] = nowMs
		return true
	}
	d.seen[id] = nowMs
	d.prune(nowMs)
	return false
}

// prune drops expired entries, then evicts oldest entries above maxSize.
// Caller holds d.mu.
func (d *MessageDeduplicator) prune(nowMs int64) {
	cutoff := nowMs - d.ttl.Milliseconds()
	for id, ts := range d.seen {
		if ts < cutoff {
			delete(d.seen, id)
		}
	}

	for len(d.seen) > d.maxSize {
		var oldestID string
		oldestTs := int64(^uint64(0) >> 1)
		for id, ts := range d.seen {
			if ts < oldestTs {
				oldestTs = ts
				oldestID = id
			}
		}
		if oldestID == "" {
			break
		}
		delete(d.seen, oldestID)
	}
}

// Size returns the current number of retained ids.
func (d *MessageDeduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Clear drops all retained ids.
func (d *MessageDeduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]int64)
}
