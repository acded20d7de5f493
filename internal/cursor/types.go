// Package cursor implements CursorCoordinator (§4.4): per-shard remote
// cursor presence, nearest-N selection, and the 100ms cross-shard relay
// batching that keeps every shard's view of "who is near whom" eventually
// consistent without a single shared presence store.
package cursor

import "github.com/adred-codev/gridcore/internal/domain"

// Presence is one user's last known cursor state.
type Presence struct {
	UID      string
	Name     string
	X, Y     float64
	SeenAtMs int64
	Seq      uint64
	Tile     domain.TileKey
}

// LocalClient is what a ConnectionShard supplies to Refresh for each of
// its connected clients: which tiles it watches (the coordinator already
// knows the client's own last cursor position via Presence).
type LocalClient struct {
	UID             string
	SubscribedTiles []domain.TileKey
}

// SelectionUpdate is one local client's newly-visible remote cursors —
// uids that entered its selection since the last refresh. Cursors already
// in the selection are not repeated; their motion arrives via the
// on-update push path instead. Added is ordered nearest first, ties broken
// by the most recently seen cursor.
type SelectionUpdate struct {
	TargetUID string
	Added     []Presence
}
