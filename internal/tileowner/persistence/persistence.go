// Package persistence implements the TileOwnerPersistence contract (§4.2)
// with two strategies, LocalKV and MigratingBlob, both satisfying the same
// three-method Store interface.
package persistence

import (
	"github.com/adred-codev/gridcore/internal/domain"
)

// EditRecord is one entry of a snapshot's sparse lastEdits table.
type EditRecord struct {
	I    domain.CellIndex
	UID  string
	Name string
	AtMs int64
}

// Snapshot is the persisted form of one tile: RLE-encoded bits, version,
// and the sparse last-edit table.
type Snapshot struct {
	Bits  string // rle64-encoded
	Ver   uint32
	Edits []EditRecord
}

// Loaded is what Store.Load returns: a snapshot (nil if none existed) and
// the subscriber set recorded for the tile.
type Loaded struct {
	Snapshot    *Snapshot
	Subscribers []string
}

// Store is the three-method contract every persistence strategy satisfies.
type Store interface {
	Load(tile domain.TileKey) (Loaded, error)
	SaveSnapshot(tile domain.TileKey, snap Snapshot) error
	SaveSubscribers(tile domain.TileKey, subscribers []string) error
}
