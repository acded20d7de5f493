package cursor

import (
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/rs/zerolog"
)

// fakeBus is an in-memory Relay shared by every Coordinator under test,
// standing in for the shared NATS subject without a live connection.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]func(from string, updates []Presence)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]func(from string, updates []Presence))}
}

func (b *fakeBus) join(shard string, handler func(from string, updates []Presence)) Relay {
	b.mu.Lock()
	b.handlers[shard] = handler
	b.mu.Unlock()
	return &fakeRelay{bus: b, shard: shard}
}

type fakeRelay struct {
	bus   *fakeBus
	shard string
}

func (r *fakeRelay) PublishBatch(from string, updates []Presence) error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	for shard, h := range r.bus.handlers {
		if shard == from {
			continue
		}
		h(from, updates)
	}
	return nil
}

func (r *fakeRelay) Subscribe(handler func(from string, updates []Presence)) error {
	r.bus.mu.Lock()
	r.bus.handlers[r.shard] = handler
	r.bus.mu.Unlock()
	return nil
}

func (r *fakeRelay) Close() {}

// fakeSink records every curUp push without needing a real connshard.
type fakeSink struct {
	mu     sync.Mutex
	pushes []pushed
}

type pushed struct {
	target string
	p      Presence
}

func (s *fakeSink) SendCurUp(targetUID string, p Presence) {
	s.mu.Lock()
	s.pushes = append(s.pushes, pushed{target: targetUID, p: p})
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushes)
}

func newTestCoordinator(shard string, bus *fakeBus, sink OutboundSink) *Coordinator {
	c := New(shard, nil, sink, zerolog.Nop())
	if bus != nil {
		c.relay = bus.join(shard, c.onRelayBatch)
	}
	return c
}

func TestUpdateCursorPushesImmediatelyToExistingSubscribers(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCoordinator("shard-a", nil, sink)

	c.UpdateCursor("alice", "Alice", 10, 10)
	c.UpdateCursor("bob", "Bob", 12, 12)

	updates := c.Refresh([]LocalClient{
		{UID: "bob", SubscribedTiles: []domain.TileKey{domain.TileOf(12, 12)}},
	}, true)
	if len(updates) != 1 || updates[0].TargetUID != "bob" {
		t.Fatalf("expected bob to see alice after refresh, got %+v", updates)
	}

	before := sink.count()
	c.UpdateCursor("alice", "Alice", 11, 11)
	if sink.count() != before+1 {
		t.Fatalf("expected an immediate push to bob on alice's move, count=%d", sink.count())
	}
}

func TestCrossShardRelayAppliesRemoteUpdates(t *testing.T) {
	bus := newFakeBus()
	sinkA := &fakeSink{}
	sinkB := &fakeSink{}
	a := newTestCoordinator("shard-a", bus, sinkA)
	b := newTestCoordinator("shard-b", bus, sinkB)
	defer a.Close()
	defer b.Close()

	a.UpdateCursor("alice", "Alice", 5, 5)
	a.flushRelay()

	b.mu.Lock()
	_, known := b.cursorByUID["alice"]
	b.mu.Unlock()
	if !known {
		t.Fatal("expected shard-b to learn about alice via relay")
	}
}

func TestCrossShardRelayDropsStaleSeq(t *testing.T) {
	bus := newFakeBus()
	a := newTestCoordinator("shard-a", bus, nil)
	b := newTestCoordinator("shard-b", bus, nil)
	defer a.Close()
	defer b.Close()

	fresh := Presence{UID: "alice", Name: "Alice", X: 5, Y: 5, SeenAtMs: time.Now().UnixMilli(), Seq: 5, Tile: domain.TileOf(5, 5)}
	b.onRelayBatch("shard-a", []Presence{fresh})

	stale := Presence{UID: "alice", Name: "Alice", X: 999, Y: 999, SeenAtMs: time.Now().UnixMilli(), Seq: 3, Tile: domain.TileOf(999, 999)}
	b.onRelayBatch("shard-a", []Presence{stale})

	b.mu.Lock()
	got := b.cursorByUID["alice"]
	b.mu.Unlock()
	if got.Seq != 5 || got.X != 5 {
		t.Fatalf("expected stale seq=3 update to be dropped, kept seq=%d x=%v", got.Seq, got.X)
	}
}

func TestCrossShardRelayIgnoresOwnShard(t *testing.T) {
	c := newTestCoordinator("shard-a", nil, nil)
	c.onRelayBatch("shard-a", []Presence{{UID: "alice", Seq: 1}})

	c.mu.Lock()
	_, known := c.cursorByUID["alice"]
	c.mu.Unlock()
	if known {
		t.Fatal("coordinator should ignore batches relayed from its own shard name")
	}
}

func TestSelectionPrefersTileBucketThenNearestByDistance(t *testing.T) {
	c := newTestCoordinator("shard-a", nil, nil)
	tile := domain.TileOf(0, 0)

	c.UpdateCursor("self", "Self", 0, 0)
	c.UpdateCursor("near", "Near", 1, 1)
	c.UpdateCursor("far", "Far", 100, 100)

	updates := c.Refresh([]LocalClient{{UID: "self", SubscribedTiles: []domain.TileKey{tile}}}, true)
	if len(updates) != 1 {
		t.Fatalf("expected one selection update, got %d", len(updates))
	}
	added := updates[0].Added
	if len(added) == 0 || added[0].UID != "near" {
		t.Fatalf("expected nearest cursor first, got %+v", added)
	}
}

func TestSelectionExcludesSelfAndStaleCursors(t *testing.T) {
	c := newTestCoordinator("shard-a", nil, nil)
	c.now = func() time.Time { return time.Unix(1_000_000, 0) }

	c.UpdateCursor("self", "Self", 0, 0)

	stalePresence := Presence{
		UID: "stale", Name: "Stale", X: 1, Y: 1,
		SeenAtMs: c.now().UnixMilli() - domain.CursorTTLMillis - 1000,
		Seq:      1, Tile: domain.TileOf(1, 1),
	}
	c.mu.Lock()
	c.upsertLocked(stalePresence)
	c.mu.Unlock()

	updates := c.Refresh([]LocalClient{
		{UID: "self", SubscribedTiles: []domain.TileKey{domain.TileOf(0, 0), domain.TileOf(1, 1)}},
	}, true)
	for _, u := range updates {
		for _, p := range u.Added {
			if p.UID == "self" || p.UID == "stale" {
				t.Fatalf("selection must exclude self and stale cursors, got %+v", p)
			}
		}
	}
}

func TestSelectionTruncatesToMaxRemoteCursors(t *testing.T) {
	c := newTestCoordinator("shard-a", nil, nil)
	c.UpdateCursor("self", "Self", 0, 0)
	for i := 0; i < domain.MaxRemoteCursors+5; i++ {
		c.UpdateCursor(shardName(i), "Other", float64(i+1), float64(i+1))
	}

	updates := c.Refresh([]LocalClient{{UID: "self", SubscribedTiles: nil}}, true)
	if len(updates) != 1 {
		t.Fatalf("expected one selection update, got %d", len(updates))
	}
	if len(updates[0].Added) != domain.MaxRemoteCursors {
		t.Fatalf("expected selection truncated to %d, got %d", domain.MaxRemoteCursors, len(updates[0].Added))
	}
}

func TestRefreshIsThrottledUnlessForced(t *testing.T) {
	c := newTestCoordinator("shard-a", nil, nil)
	fixed := time.Now()
	c.now = func() time.Time { return fixed }

	c.UpdateCursor("self", "Self", 0, 0)
	c.UpdateCursor("other", "Other", 1, 1)

	first := c.Refresh([]LocalClient{{UID: "self"}}, true)
	if len(first) != 1 {
		t.Fatalf("expected first forced refresh to produce an update, got %d", len(first))
	}

	c.UpdateCursor("other2", "Other2", 1, 1)
	second := c.Refresh([]LocalClient{{UID: "self"}}, false)
	if second != nil {
		t.Fatalf("expected throttled refresh within the window to return nil, got %+v", second)
	}

	fixed = fixed.Add(refreshThrottleWindow + time.Millisecond)
	third := c.Refresh([]LocalClient{{UID: "self"}}, false)
	if len(third) != 1 {
		t.Fatalf("expected refresh past the throttle window to produce an update, got %+v", third)
	}
}

func TestForgetClientRemovesAllState(t *testing.T) {
	c := newTestCoordinator("shard-a", nil, nil)
	c.UpdateCursor("alice", "Alice", 3, 3)
	c.Refresh([]LocalClient{{UID: "alice"}}, true)

	c.ForgetClient("alice")

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cursorByUID["alice"]; ok {
		t.Fatal("expected cursorByUID to drop alice")
	}
	if _, ok := c.localSeqByUID["alice"]; ok {
		t.Fatal("expected localSeqByUID to drop alice")
	}
	if _, ok := c.selectionByUID["alice"]; ok {
		t.Fatal("expected selectionByUID to drop alice")
	}
	for target, subs := range c.reverseByUID {
		if _, ok := subs["alice"]; ok {
			t.Fatalf("expected reverseByUID[%s] to no longer reference alice", target)
		}
	}
}

func shardName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%len(letters)]) + string(rune('0'+i/len(letters)))
}
