package tileowner

import (
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/tilecodec"
	"github.com/adred-codev/gridcore/internal/tileowner/persistence"
	"github.com/adred-codev/gridcore/internal/wire"
	"github.com/rs/zerolog"
)

func newTestOwner(t *testing.T, broadcast BroadcastFunc) *Owner {
	t.Helper()
	o, err := NewOwner(domain.TileKey{TX: 1, TY: 2}, nil, broadcast, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOwner: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func TestSetCellMonotonicVersion(t *testing.T) {
	o := newTestOwner(t, nil)

	r1 := o.SetCell(SetCellOp{I: 5, V: 1, UID: "u1", AtMs: 1})
	if !r1.Accepted || !r1.Changed || r1.Ver != 1 {
		t.Fatalf("first set: %+v", r1)
	}

	r2 := o.SetCell(SetCellOp{I: 5, V: 1, UID: "u1", AtMs: 2})
	if !r2.Accepted || r2.Changed || r2.Ver != 1 {
		t.Fatalf("no-op set should not advance version: %+v", r2)
	}

	r3 := o.SetCell(SetCellOp{I: 5, V: 0, UID: "u1", AtMs: 3})
	if !r3.Accepted || !r3.Changed || r3.Ver != 2 {
		t.Fatalf("toggle back: %+v", r3)
	}
}

func TestSetCellIdempotentOpID(t *testing.T) {
	o := newTestOwner(t, nil)

	r1 := o.SetCell(SetCellOp{I: 9, V: 1, Op: "op-1", UID: "u1", AtMs: 1})
	if !r1.Accepted || !r1.Changed || r1.Ver != 1 {
		t.Fatalf("first attempt: %+v", r1)
	}

	for i := 0; i < 3; i++ {
		r := o.SetCell(SetCellOp{I: 9, V: 1, Op: "op-1", UID: "u1", AtMs: int64(2 + i)})
		if !r.Accepted || r.Changed || r.Reason != "duplicate_op" || r.Ver != 1 {
			t.Fatalf("retry %d should be a no-op duplicate: %+v", i, r)
		}
	}
}

func TestSetCellInvalidCellIndexRejected(t *testing.T) {
	o := newTestOwner(t, nil)
	r := o.SetCell(SetCellOp{I: domain.CellIndex(domain.TileCellCount), V: 1, UID: "u1"})
	if r.Accepted {
		t.Fatalf("out-of-range cell index should be rejected, got %+v", r)
	}
}

func TestWatchDenyAtThreshold(t *testing.T) {
	o := newTestOwner(t, nil)

	for i := 0; i < domain.TileDenyWatcherThreshold; i++ {
		shard := shardName(i)
		res := o.Watch(shard, WatchSub)
		if !res.OK {
			t.Fatalf("shard %d should be admitted, got %+v", i, res)
		}
	}

	res := o.Watch("shard-overflow", WatchSub)
	if res.OK || res.Code != wire.ErrTileSubDenied {
		t.Fatalf("watcher beyond deny threshold should be rejected: %+v", res)
	}

	// A shard already subscribed must still be allowed to re-assert (I3
	// self-healing), even once the tile is at the deny threshold.
	again := o.Watch(shardName(0), WatchSub)
	if !again.OK {
		t.Fatalf("re-asserting an existing subscription must succeed: %+v", again)
	}
}

func TestSetCellReadonlyWhenHot(t *testing.T) {
	o := newTestOwner(t, nil)

	for i := 0; i < domain.TileReadonlyWatcherThreshold; i++ {
		if res := o.Watch(shardName(i), WatchSub); !res.OK {
			t.Fatalf("shard %d should be admitted: %+v", i, res)
		}
	}

	r := o.SetCell(SetCellOp{I: 1, V: 1, UID: "u1"})
	if r.Accepted || r.Reason != wire.ErrTileReadonlyHot {
		t.Fatalf("setCell on hot tile should be rejected: %+v", r)
	}
}

func TestWatchUnsubAllowsReadmission(t *testing.T) {
	o := newTestOwner(t, nil)

	for i := 0; i < domain.TileDenyWatcherThreshold; i++ {
		o.Watch(shardName(i), WatchSub)
	}
	o.Watch(shardName(0), WatchUnsub)

	res := o.Watch("shard-new", WatchSub)
	if !res.OK {
		t.Fatalf("freed slot should admit a new watcher: %+v", res)
	}
}

func TestCellLastEditTracksMostRecentEditor(t *testing.T) {
	o := newTestOwner(t, nil)

	if e := o.CellLastEdit(3); e != nil {
		t.Fatalf("untouched cell should have no edit record, got %+v", e)
	}

	o.SetCell(SetCellOp{I: 3, V: 1, UID: "alice", Name: "Alice", AtMs: 10})
	e := o.CellLastEdit(3)
	if e == nil || e.UID != "alice" || e.AtMs != 10 {
		t.Fatalf("expected alice's edit, got %+v", e)
	}

	o.SetCell(SetCellOp{I: 3, V: 0, UID: "bob", Name: "Bob", AtMs: 20})
	e = o.CellLastEdit(3)
	if e == nil || e.UID != "bob" || e.AtMs != 20 {
		t.Fatalf("expected bob's edit to overwrite alice's, got %+v", e)
	}
}

func TestWALFlushesAtOpThreshold(t *testing.T) {
	var mu sync.Mutex
	var events []BatchEvent
	done := make(chan struct{}, 8)

	o := newTestOwner(t, func(e BatchEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		done <- struct{}{}
	})
	o.Watch("shard-a", WatchSub)

	for i := 0; i < domain.TileWALOpThreshold; i++ {
		o.SetCell(SetCellOp{I: domain.CellIndex(i % domain.TileCellCount), V: 1, UID: "u1", AtMs: int64(i)})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a WAL flush triggered by op-count threshold")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected exactly one flush at the threshold, got %d", len(events))
	}
	ev := events[0]
	if int(ev.ToVer-ev.FromVer)+1 != len(ev.Ops) {
		t.Fatalf("I2 violated: fromVer=%d toVer=%d ops=%d", ev.FromVer, ev.ToVer, len(ev.Ops))
	}
	if len(ev.Watchers) != 1 || ev.Watchers[0] != "shard-a" {
		t.Fatalf("expected batch fanned out to subscribed shard, got %+v", ev.Watchers)
	}
}

func TestWALFlushesOnTimerWithFewOps(t *testing.T) {
	done := make(chan BatchEvent, 1)
	o := newTestOwner(t, func(e BatchEvent) { done <- e })

	o.SetCell(SetCellOp{I: 1, V: 1, UID: "u1", AtMs: 1})

	select {
	case ev := <-done:
		if len(ev.Ops) != 1 || ev.FromVer != 1 || ev.ToVer != 1 {
			t.Fatalf("unexpected timer-triggered batch: %+v", ev)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected WAL timer to flush a single pending op")
	}
}

func TestSnapshotRoundTripsThroughLoadSnapshot(t *testing.T) {
	o := newTestOwner(t, nil)
	o.SetCell(SetCellOp{I: 0, V: 1, UID: "u1", AtMs: 1})
	o.SetCell(SetCellOp{I: 1, V: 1, UID: "u1", AtMs: 2})

	snap := o.Snapshot()
	if snap.Ver != 2 || snap.Bits[0] != 1 || snap.Bits[1] != 1 {
		t.Fatalf("unexpected snapshot view: ver=%d bits[0]=%d bits[1]=%d", snap.Ver, snap.Bits[0], snap.Bits[1])
	}

	enc, err := tilecodec.EncodeRLE64(snap.Bits)
	if err != nil {
		t.Fatalf("encode snapshot bits: %v", err)
	}
	o2 := newTestOwner(t, nil)
	if err := o2.LoadSnapshot(persistence.Snapshot{Bits: enc, Ver: snap.Ver}); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	got := o2.Snapshot()
	if got.Ver != 2 || got.Bits[0] != 1 || got.Bits[1] != 1 || got.Bits[2] != 0 {
		t.Fatalf("state not restored by LoadSnapshot: ver=%d bits[0..2]=%v", got.Ver, got.Bits[:3])
	}
}

func shardName(i int) string {
	return "shard-" + string(rune('a'+i))
}
