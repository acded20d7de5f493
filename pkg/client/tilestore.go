// Package client is the Go port of the browser-side state the grid
// frontend would otherwise carry: a bounded tile cache, a viewport-driven
// subscription reconciler, and a reconnecting wire transport with an
// offline write outbox. cmd/gridbot drives it as a headless player.
package client

import (
	"container/list"
	"sync"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/wire"
)

// ApplyResult reports whether an incoming update could be applied in
// place or left the local copy behind the server's version, in which case
// the caller must emit a resyncTile.
type ApplyResult struct {
	Gap     bool
	HaveVer int64 // -1 when the tile isn't held locally at all
}

type tileEntry struct {
	tile TileBits
	ver  uint32
}

// TileBits is a tile's cell array, one byte per cell, values 0 or 1.
type TileBits []byte

// TileStore is a bounded LRU cache of tile contents keyed by TileKey, with
// the capacity given to NewTileStore (512 by default, the same cap a
// browser tab would hold) to bound memory regardless of how large the
// visited world gets.
type TileStore struct {
	mu       sync.Mutex
	capacity int
	entries  map[domain.TileKey]*list.Element
	order    *list.List // front = most recently used
}

type lruNode struct {
	tile  domain.TileKey
	entry tileEntry
}

// NewTileStore constructs a TileStore with the given capacity. A capacity
// of 0 or less defaults to 512.
func NewTileStore(capacity int) *TileStore {
	if capacity <= 0 {
		capacity = 512
	}
	return &TileStore{
		capacity: capacity,
		entries:  make(map[domain.TileKey]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns a copy of the current bits and version for tile, if held.
func (s *TileStore) Get(tile domain.TileKey) (bits TileBits, ver uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, found := s.entries[tile]
	if !found {
		return nil, 0, false
	}
	s.order.MoveToFront(el)
	node := el.Value.(*lruNode)
	out := make(TileBits, len(node.entry.tile))
	copy(out, node.entry.tile)
	return out, node.entry.ver, true
}

// SetSnapshot unconditionally overwrites (or creates) a tile's contents,
// as a tileSnap message instructs.
func (s *TileStore) SetSnapshot(tile domain.TileKey, bits TileBits, ver uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make(TileBits, len(bits))
	copy(stored, bits)
	s.touch(tile, tileEntry{tile: stored, ver: ver})
}

// ApplySingle applies a cellUp-style update: one cell, one version step.
func (s *TileStore) ApplySingle(tile domain.TileKey, i domain.CellIndex, v uint8, ver uint32) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, found := s.entries[tile]
	if !found {
		return ApplyResult{Gap: true, HaveVer: -1}
	}
	node := el.Value.(*lruNode)
	if ver != node.entry.ver+1 {
		return ApplyResult{Gap: true, HaveVer: int64(node.entry.ver)}
	}
	node.entry.tile[i] = v
	node.entry.ver = ver
	s.order.MoveToFront(el)
	return ApplyResult{Gap: false, HaveVer: int64(ver)}
}

// ApplyBatch applies a cellUpBatch-style update: a contiguous run of
// version steps applied in order.
func (s *TileStore) ApplyBatch(tile domain.TileKey, fromVer, toVer uint32, ops []wire.CellOp) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, found := s.entries[tile]
	if !found {
		return ApplyResult{Gap: true, HaveVer: -1}
	}
	node := el.Value.(*lruNode)
	if fromVer != node.entry.ver+1 {
		return ApplyResult{Gap: true, HaveVer: int64(node.entry.ver)}
	}
	for _, op := range ops {
		node.entry.tile[op.I] = op.V
	}
	node.entry.ver = toVer
	s.order.MoveToFront(el)
	return ApplyResult{Gap: false, HaveVer: int64(toVer)}
}

// Evict drops tile from the cache, if held.
func (s *TileStore) Evict(tile domain.TileKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[tile]; ok {
		s.order.Remove(el)
		delete(s.entries, tile)
	}
}

// Len reports how many tiles are currently cached.
func (s *TileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// touch inserts or replaces tile's entry and evicts the least-recently-used
// tile if the store is now over capacity. Caller holds s.mu.
func (s *TileStore) touch(tile domain.TileKey, e tileEntry) {
	if el, ok := s.entries[tile]; ok {
		el.Value.(*lruNode).entry = e
		s.order.MoveToFront(el)
		return
	}
	el := s.order.PushFront(&lruNode{tile: tile, entry: e})
	s.entries[tile] = el
	if s.order.Len() > s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.entries, oldest.Value.(*lruNode).tile)
		}
	}
}
