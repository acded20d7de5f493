package cursor

import (
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/telemetry"
	"github.com/rs/zerolog"
)

// Relay is the cross-shard transport for pending cursor batches: every
// shard publishes its own updates and receives every other shard's.
// Production wiring is natsRelay (relay.go); tests use an in-memory fake
// bus so cross-shard behavior is verified without a live NATS connection.
type Relay interface {
	PublishBatch(from string, updates []Presence) error
	Subscribe(handler func(from string, updates []Presence)) error
	Close()
}

// OutboundSink delivers an immediate curUp push to one locally-connected
// client. Implemented by an adapter in internal/connshard so this package
// never imports it.
type OutboundSink interface {
	SendCurUp(targetUID string, p Presence)
}

// Coordinator is one shard's CursorCoordinator instance.
type Coordinator struct {
	shardName string
	relay     Relay
	sink      OutboundSink
	logger    zerolog.Logger
	now       func() time.Time

	mu            sync.Mutex
	cursorByUID   map[string]Presence
	tileIndex     map[domain.TileKey]map[string]struct{}
	localSeqByUID map[string]uint64

	pendingRelays []Presence
	relayTimer    *time.Timer

	selectionByUID map[string]map[string]struct{} // subscriber uid -> set of target uids currently visible
	reverseByUID   map[string]map[string]struct{} // target uid -> set of subscriber uids who currently see it
	dirty          bool
	lastRefresh    time.Time
}

const (
	relayFlushInterval    = 100 * time.Millisecond
	refreshThrottleWindow = 250 * time.Millisecond
)

// New constructs a Coordinator for shardName, using relay for cross-shard
// propagation and sink to push immediate curUp updates to local clients.
func New(shardName string, relay Relay, sink OutboundSink, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		shardName:      shardName,
		relay:          relay,
		sink:           sink,
		logger:         logger.With().Str("shard", shardName).Logger(),
		now:            time.Now,
		cursorByUID:    make(map[string]Presence),
		tileIndex:      make(map[domain.TileKey]map[string]struct{}),
		localSeqByUID:  make(map[string]uint64),
		selectionByUID: make(map[string]map[string]struct{}),
		reverseByUID:   make(map[string]map[string]struct{}),
	}
	if relay != nil {
		_ = relay.Subscribe(c.onRelayBatch)
	}
	return c
}

// Close stops any pending relay timer. The underlying Relay is owned by
// the caller and not closed here.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relayTimer != nil {
		c.relayTimer.Stop()
	}
}

// UpdateCursor handles a local cur{x,y} from uid (§4.4 steps 1-5).
func (c *Coordinator) UpdateCursor(uid, name string, x, y float64) {
	telemetry.CursorUpdatesTotal.Inc()
	c.mu.Lock()
	c.localSeqByUID[uid]++
	seq := c.localSeqByUID[uid]
	p := Presence{UID: uid, Name: name, X: x, Y: y, SeenAtMs: c.now().UnixMilli(), Seq: seq, Tile: domain.TileOf(int64(x), int64(y))}
	c.upsertLocked(p)
	c.dirty = true
	subscribers := c.snapshotReverseLocked(uid)
	c.pendingRelays = append(c.pendingRelays, p)
	if c.relayTimer == nil {
		c.relayTimer = time.AfterFunc(relayFlushInterval, c.flushRelay)
	}
	c.mu.Unlock()

	if c.sink != nil {
		for subscriberUID := range subscribers {
			c.sink.SendCurUp(subscriberUID, p)
		}
	}
}

func (c *Coordinator) snapshotReverseLocked(uid string) map[string]struct{} {
	out := make(map[string]struct{}, len(c.reverseByUID[uid]))
	for s := range c.reverseByUID[uid] {
		out[s] = struct{}{}
	}
	return out
}

// upsertLocked records p, moving uid between tileIndex buckets if its tile
// changed. Caller must hold c.mu.
func (c *Coordinator) upsertLocked(p Presence) {
	if old, ok := c.cursorByUID[p.UID]; ok && old.Tile != p.Tile {
		if bucket, ok := c.tileIndex[old.Tile]; ok {
			delete(bucket, p.UID)
			if len(bucket) == 0 {
				delete(c.tileIndex, old.Tile)
			}
		}
	}
	c.cursorByUID[p.UID] = p
	bucket, ok := c.tileIndex[p.Tile]
	if !ok {
		bucket = make(map[string]struct{})
		c.tileIndex[p.Tile] = bucket
	}
	bucket[p.UID] = struct{}{}
}

func (c *Coordinator) flushRelay() {
	c.mu.Lock()
	batch := c.pendingRelays
	c.pendingRelays = nil
	c.relayTimer = nil
	c.mu.Unlock()

	if len(batch) == 0 || c.relay == nil {
		return
	}
	if err := c.relay.PublishBatch(c.shardName, batch); err != nil {
		c.logger.Warn().Err(err).Msg("cursor relay publish failed")
		return
	}
	telemetry.CursorRelayBatchesTotal.Inc()
}

// onRelayBatch handles a batch relayed from a peer shard.
func (c *Coordinator) onRelayBatch(from string, updates []Presence) {
	if from == c.shardName {
		return
	}
	c.mu.Lock()
	applied := make([]Presence, 0, len(updates))
	for _, p := range updates {
		existing, ok := c.cursorByUID[p.UID]
		if ok && p.Seq <= existing.Seq {
			continue // stale per-uid ordering, drop
		}
		c.upsertLocked(p)
		applied = append(applied, p)
	}
	if len(applied) > 0 {
		c.dirty = true
	}
	subscribersByUID := make(map[string]map[string]struct{}, len(applied))
	for _, p := range applied {
		subscribersByUID[p.UID] = c.snapshotReverseLocked(p.UID)
	}
	c.mu.Unlock()

	if c.sink == nil {
		return
	}
	for _, p := range applied {
		for subscriberUID := range subscribersByUID[p.UID] {
			c.sink.SendCurUp(subscriberUID, p)
		}
	}
}

// Refresh recomputes cursor selections for every local client (§4.4
// selection algorithm). force bypasses the 250ms throttle (connect,
// disconnect, and subscription-change call with force=true); periodic
// callers should pass force=false and rely on the dirty flag.
func (c *Coordinator) Refresh(localClients []LocalClient, force bool) []SelectionUpdate {
	c.mu.Lock()
	now := c.now()
	if !force {
		if !c.dirty || now.Sub(c.lastRefresh) < refreshThrottleWindow {
			c.mu.Unlock()
			return nil
		}
	}
	c.dirty = false
	c.lastRefresh = now

	var updates []SelectionUpdate
	for _, lc := range localClients {
		self, knowSelf := c.cursorByUID[lc.UID]
		if !knowSelf {
			continue
		}
		newSelection := c.selectForClientLocked(lc, self, now)

		prev := c.selectionByUID[lc.UID]
		var added []Presence
		for target := range newSelection {
			if prev == nil {
				added = append(added, c.cursorByUID[target])
				continue
			}
			if _, already := prev[target]; !already {
				added = append(added, c.cursorByUID[target])
			}
		}
		sort.Slice(added, func(i, j int) bool {
			di := (added[i].X-self.X)*(added[i].X-self.X) + (added[i].Y-self.Y)*(added[i].Y-self.Y)
			dj := (added[j].X-self.X)*(added[j].X-self.X) + (added[j].Y-self.Y)*(added[j].Y-self.Y)
			if di != dj {
				return di < dj
			}
			return added[i].SeenAtMs > added[j].SeenAtMs
		})

		c.replaceSelectionLocked(lc.UID, newSelection)
		if len(added) > 0 {
			updates = append(updates, SelectionUpdate{TargetUID: lc.UID, Added: added})
		}
	}
	c.mu.Unlock()
	return updates
}

func (c *Coordinator) selectForClientLocked(lc LocalClient, self Presence, now time.Time) map[string]struct{} {
	candidates := make(map[string]struct{})
	for _, tile := range lc.SubscribedTiles {
		for uid := range c.tileIndex[tile] {
			candidates[uid] = struct{}{}
		}
	}
	if len(candidates) < domain.MaxRemoteCursors {
		for uid, p := range c.cursorByUID {
			if c.isFresh(p, now) {
				candidates[uid] = struct{}{}
			}
		}
	}

	type scored struct {
		uid  string
		d2   float64
		seen int64
	}
	list := make([]scored, 0, len(candidates))
	for uid := range candidates {
		if uid == lc.UID {
			continue
		}
		p, ok := c.cursorByUID[uid]
		if !ok || !c.isFresh(p, now) {
			continue
		}
		dx := p.X - self.X
		dy := p.Y - self.Y
		list = append(list, scored{uid: uid, d2: dx*dx + dy*dy, seen: p.SeenAtMs})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].d2 != list[j].d2 {
			return list[i].d2 < list[j].d2
		}
		return list[i].seen > list[j].seen
	})
	if len(list) > domain.MaxRemoteCursors {
		list = list[:domain.MaxRemoteCursors]
	}

	out := make(map[string]struct{}, len(list))
	for _, s := range list {
		out[s.uid] = struct{}{}
	}
	return out
}

func (c *Coordinator) isFresh(p Presence, now time.Time) bool {
	return now.UnixMilli()-p.SeenAtMs <= domain.CursorTTLMillis
}

// replaceSelectionLocked swaps subscriberUID's selection set and keeps
// reverseByUID consistent. Caller must hold c.mu.
func (c *Coordinator) replaceSelectionLocked(subscriberUID string, newSelection map[string]struct{}) {
	if old, ok := c.selectionByUID[subscriberUID]; ok {
		for target := range old {
			if rev, ok := c.reverseByUID[target]; ok {
				delete(rev, subscriberUID)
				if len(rev) == 0 {
					delete(c.reverseByUID, target)
				}
			}
		}
	}
	c.selectionByUID[subscriberUID] = newSelection
	for target := range newSelection {
		rev, ok := c.reverseByUID[target]
		if !ok {
			rev = make(map[string]struct{})
			c.reverseByUID[target] = rev
		}
		rev[subscriberUID] = struct{}{}
	}
}

// ForgetClient drops all state for a disconnected local client.
func (c *Coordinator) ForgetClient(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.cursorByUID[uid]; ok {
		if bucket, ok := c.tileIndex[p.Tile]; ok {
			delete(bucket, uid)
			if len(bucket) == 0 {
				delete(c.tileIndex, p.Tile)
			}
		}
		delete(c.cursorByUID, uid)
	}
	delete(c.localSeqByUID, uid)
	c.replaceSelectionLocked(uid, nil)
	delete(c.selectionByUID, uid)
	c.dirty = true
}
