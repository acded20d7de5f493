package client

import (
	"testing"

	"github.com/adred-codev/gridcore/internal/domain"
)

func TestVisibleTilesIncludesOneTileMargin(t *testing.T) {
	v := Viewport{MinX: 0, MinY: 0, MaxX: 0, MaxY: 0} // single cell, tile (0,0)
	visible := VisibleTiles(v)

	for ty := int32(-1); ty <= 1; ty++ {
		for tx := int32(-1); tx <= 1; tx++ {
			k := domain.TileKey{TX: tx, TY: ty}
			if _, ok := visible[k]; !ok {
				t.Fatalf("expected tile %v to be visible with margin", k)
			}
		}
	}
	if len(visible) != 9 {
		t.Fatalf("expected 3x3=9 tiles, got %d", len(visible))
	}
}

func TestReconcileComputesSubAndUnsubDiffs(t *testing.T) {
	r := NewReconciler()

	d1 := r.Reconcile(Viewport{MinX: 0, MinY: 0, MaxX: 0, MaxY: 0})
	if len(d1.ToUnsub) != 0 || len(d1.ToSub) == 0 {
		t.Fatalf("expected only subs on first reconcile, got %+v", d1)
	}

	// Move far away: every previously-subscribed tile should now unsub,
	// and the new viewport's tiles should sub.
	farTile, _ := domain.NewTileKey(1000, 1000)
	d2 := r.Reconcile(Viewport{
		MinX: int64(farTile.TX) * domain.TileSize, MinY: int64(farTile.TY) * domain.TileSize,
		MaxX: int64(farTile.TX) * domain.TileSize, MaxY: int64(farTile.TY) * domain.TileSize,
	})
	if len(d2.ToUnsub) == 0 {
		t.Fatal("expected unsubs when viewport moves away entirely")
	}
	for _, t2 := range d1.ToSub {
		if r.Subscribed(t2) {
			t.Fatalf("tile %v from the old viewport should no longer be subscribed", t2)
		}
	}
}

func TestReconcileNoChangeProducesEmptyDiff(t *testing.T) {
	r := NewReconciler()
	v := Viewport{MinX: 0, MinY: 0, MaxX: 0, MaxY: 0}
	r.Reconcile(v)

	d := r.Reconcile(v)
	if len(d.ToSub) != 0 || len(d.ToUnsub) != 0 {
		t.Fatalf("expected empty diff for unchanged viewport, got %+v", d)
	}
}

func TestResetOnReconnectClearsSubscribedSet(t *testing.T) {
	r := NewReconciler()
	v := Viewport{MinX: 0, MinY: 0, MaxX: 0, MaxY: 0}
	r.Reconcile(v)

	r.ResetOnReconnect()
	d := r.Reconcile(v)
	if len(d.ToSub) == 0 {
		t.Fatal("expected reconcile after reset to re-subscribe everything visible")
	}
	if len(d.ToUnsub) != 0 {
		t.Fatal("expected no unsubs right after a reset")
	}
}
