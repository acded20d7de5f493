package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/gridcore/internal/domain"
)

// outboxKey is "tile:index", matching the spec's keying scheme verbatim so
// it can double as a stable map key without a composite struct key.
func outboxKey(tile domain.TileKey, i domain.CellIndex) string {
	return fmt.Sprintf("%s:%d", tile.String(), i)
}

// OutboxEntry tracks one locally-originated setCell awaiting server
// confirmation.
type OutboxEntry struct {
	Tile     domain.TileKey
	I        domain.CellIndex
	V        uint8
	Op       string
	LastSent time.Time
	Attempts int
}

// Outbox tracks locally-originated writes that haven't yet been observed
// echoed back by the server, so they can be replayed after a reconnect
// instead of silently lost.
type Outbox struct {
	mu       sync.Mutex
	entries  map[string]*OutboxEntry
	ttl      time.Duration
	maxTry   int
	capacity int
}

// NewOutbox constructs an empty Outbox using the domain package's default
// TTL and replay-attempt bounds.
func NewOutbox() *Outbox {
	return &Outbox{
		entries:  make(map[string]*OutboxEntry),
		ttl:      time.Duration(domain.OutboxTTLMillis) * time.Millisecond,
		maxTry:   domain.OutboxMaxReplayAttempts,
		capacity: domain.OutboxCapacity,
	}
}

// Record refreshes (or creates) the outbox entry for a local setCell. If
// the outbox is at capacity and this is a new key, the oldest-sent entry
// is evicted first — a local client backlog this deep means writes are
// being generated faster than they can ever be replayed.
func (o *Outbox) Record(tile domain.TileKey, i domain.CellIndex, v uint8, op string, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := outboxKey(tile, i)
	if _, exists := o.entries[key]; !exists && len(o.entries) >= o.capacity {
		o.evictOldestLocked()
	}
	o.entries[key] = &OutboxEntry{Tile: tile, I: i, V: v, Op: op, LastSent: now}
}

func (o *Outbox) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, e := range o.entries {
		if oldestKey == "" || e.LastSent.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.LastSent
		}
	}
	if oldestKey != "" {
		delete(o.entries, oldestKey)
	}
}

// Observe deletes the outbox entry matching (tile, i, v), if present: an
// inbound cellUp/cellUpBatch carrying this exact write means the server
// has already applied it, so there is nothing left to replay.
func (o *Outbox) Observe(tile domain.TileKey, i domain.CellIndex, v uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := outboxKey(tile, i)
	if e, ok := o.entries[key]; ok && e.V == v {
		delete(o.entries, key)
	}
}

// DrainForReplay returns up to `limit` entries to retry, in no particular
// order beyond map iteration, evicting anything older than the TTL or
// that has exhausted its replay attempts before considering it.
func (o *Outbox) DrainForReplay(now time.Time, limit int) []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	for key, e := range o.entries {
		if now.Sub(e.LastSent) > o.ttl || e.Attempts >= o.maxTry {
			delete(o.entries, key)
		}
	}

	out := make([]OutboxEntry, 0, limit)
	for _, e := range o.entries {
		if len(out) >= limit {
			break
		}
		e.Attempts++
		e.LastSent = now
		out = append(out, *e)
	}
	return out
}

// Len reports how many writes are currently pending acknowledgment.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
