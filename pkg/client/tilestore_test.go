package client

import (
	"testing"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/wire"
)

func mustTile(t *testing.T, tx, ty int32) domain.TileKey {
	t.Helper()
	k, err := domain.NewTileKey(tx, ty)
	if err != nil {
		t.Fatalf("NewTileKey: %v", err)
	}
	return k
}

func TestApplySingleOnUnknownTileIsGap(t *testing.T) {
	s := NewTileStore(4)
	tile := mustTile(t, 1, 1)

	res := s.ApplySingle(tile, 0, 1, 5)
	if !res.Gap || res.HaveVer != -1 {
		t.Fatalf("expected gap with haveVer=-1, got %+v", res)
	}
}

func TestApplySingleSequentialVersion(t *testing.T) {
	s := NewTileStore(4)
	tile := mustTile(t, 0, 0)
	s.SetSnapshot(tile, make(TileBits, domain.TileCellCount), 10)

	res := s.ApplySingle(tile, 3, 1, 11)
	if res.Gap || res.HaveVer != 11 {
		t.Fatalf("expected clean apply at ver 11, got %+v", res)
	}

	bits, ver, ok := s.Get(tile)
	if !ok || ver != 11 || bits[3] != 1 {
		t.Fatalf("unexpected stored state: ver=%d bits[3]=%d ok=%v", ver, bits[3], ok)
	}
}

func TestApplySingleDetectsGap(t *testing.T) {
	s := NewTileStore(4)
	tile := mustTile(t, 0, 0)
	s.SetSnapshot(tile, make(TileBits, domain.TileCellCount), 10)

	res := s.ApplySingle(tile, 3, 1, 15) // not entry.ver+1
	if !res.Gap || res.HaveVer != 10 {
		t.Fatalf("expected gap reporting haveVer=10, got %+v", res)
	}

	// A gapped update must not mutate stored state or version.
	_, ver, _ := s.Get(tile)
	if ver != 10 {
		t.Fatalf("expected version unchanged at 10 after gap, got %d", ver)
	}
}

func TestApplyBatchAppliesOpsInOrderAndBumpsToVer(t *testing.T) {
	s := NewTileStore(4)
	tile := mustTile(t, 0, 0)
	s.SetSnapshot(tile, make(TileBits, domain.TileCellCount), 10)

	ops := []wire.CellOp{{I: 1, V: 1}, {I: 1, V: 0}, {I: 2, V: 1}}
	res := s.ApplyBatch(tile, 11, 13, ops)
	if res.Gap || res.HaveVer != 13 {
		t.Fatalf("expected clean batch apply to ver 13, got %+v", res)
	}

	bits, ver, _ := s.Get(tile)
	if ver != 13 || bits[1] != 0 || bits[2] != 1 {
		t.Fatalf("unexpected post-batch state: ver=%d bits[1]=%d bits[2]=%d", ver, bits[1], bits[2])
	}
}

func TestApplyBatchDetectsGap(t *testing.T) {
	s := NewTileStore(4)
	tile := mustTile(t, 0, 0)
	s.SetSnapshot(tile, make(TileBits, domain.TileCellCount), 10)

	res := s.ApplyBatch(tile, 12, 14, nil) // fromVer should be 11
	if !res.Gap || res.HaveVer != 10 {
		t.Fatalf("expected gap reporting haveVer=10, got %+v", res)
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	s := NewTileStore(2)
	a, b, c := mustTile(t, 0, 0), mustTile(t, 1, 0), mustTile(t, 2, 0)

	s.SetSnapshot(a, make(TileBits, domain.TileCellCount), 1)
	s.SetSnapshot(b, make(TileBits, domain.TileCellCount), 1)
	if _, _, ok := s.Get(a); !ok { // touch a, making b the LRU candidate
		t.Fatal("expected a to be present")
	}
	s.SetSnapshot(c, make(TileBits, domain.TileCellCount), 1)

	if _, _, ok := s.Get(b); ok {
		t.Fatal("expected b to have been evicted as least recently used")
	}
	if _, _, ok := s.Get(a); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, _, ok := s.Get(c); !ok {
		t.Fatal("expected c to be present")
	}
	if s.Len() != 2 {
		t.Fatalf("expected capacity-bounded length of 2, got %d", s.Len())
	}
}

func TestSetSnapshotOverwrites(t *testing.T) {
	s := NewTileStore(4)
	tile := mustTile(t, 0, 0)

	bits1 := make(TileBits, domain.TileCellCount)
	bits1[0] = 1
	s.SetSnapshot(tile, bits1, 5)

	bits2 := make(TileBits, domain.TileCellCount)
	bits2[0] = 0
	s.SetSnapshot(tile, bits2, 9)

	bits, ver, ok := s.Get(tile)
	if !ok || ver != 9 || bits[0] != 0 {
		t.Fatalf("expected overwritten state, got ver=%d bits[0]=%d ok=%v", ver, bits[0], ok)
	}
}
