package client

import (
	"math"

	"github.com/adred-codev/gridcore/internal/domain"
)

// Viewport is the visible world rectangle plus a one-tile margin, in world
// cell coordinates.
type Viewport struct {
	MinX, MinY, MaxX, MaxY int64
}

// VisibleTiles returns every TileKey whose cells intersect v, expanded by
// a margin of one tile on each side.
func VisibleTiles(v Viewport) map[domain.TileKey]struct{} {
	minTile := domain.TileOf(v.MinX, v.MinY)
	maxTile := domain.TileOf(v.MaxX, v.MaxY)

	out := make(map[domain.TileKey]struct{})
	for ty := int64(minTile.TY) - 1; ty <= int64(maxTile.TY)+1; ty++ {
		for tx := int64(minTile.TX) - 1; tx <= int64(maxTile.TX)+1; tx++ {
			if tx < math.MinInt32 || tx > math.MaxInt32 || ty < math.MinInt32 || ty > math.MaxInt32 {
				continue
			}
			k, err := domain.NewTileKey(int32(tx), int32(ty))
			if err != nil {
				continue
			}
			out[k] = struct{}{}
		}
	}
	return out
}

// Reconciler tracks which tiles the transport is currently subscribed to
// and computes the sub/unsub diff against a new viewport each frame.
type Reconciler struct {
	subscribed map[domain.TileKey]struct{}
}

// NewReconciler constructs an empty Reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{subscribed: make(map[domain.TileKey]struct{})}
}

// Diff is the sub/unsub delta to send for one reconcile pass.
type Diff struct {
	ToSub   []domain.TileKey
	ToUnsub []domain.TileKey
}

// Reconcile computes the tiles to subscribe to and unsubscribe from given
// the current viewport, and adopts visible as the new subscribed set.
func (r *Reconciler) Reconcile(v Viewport) Diff {
	visible := VisibleTiles(v)

	var d Diff
	for t := range visible {
		if _, ok := r.subscribed[t]; !ok {
			d.ToSub = append(d.ToSub, t)
		}
	}
	for t := range r.subscribed {
		if _, ok := visible[t]; !ok {
			d.ToUnsub = append(d.ToUnsub, t)
		}
	}
	r.subscribed = visible
	return d
}

// ResetOnReconnect clears the subscribed set so the next Reconcile treats
// every visible tile as newly subscribed, letting the shard rebuild
// per-client watcher state from scratch after a transport reconnect.
func (r *Reconciler) ResetOnReconnect() {
	r.subscribed = make(map[domain.TileKey]struct{})
}

// Subscribed reports whether tile is currently considered subscribed.
func (r *Reconciler) Subscribed(tile domain.TileKey) bool {
	_, ok := r.subscribed[tile]
	return ok
}
