package connshard

import (
	"time"

	"github.com/adred-codev/gridcore/internal/cursor"
	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/fabric"
	"github.com/adred-codev/gridcore/internal/telemetry"
	"github.com/adred-codev/gridcore/internal/wire"
)

// CursorSink is the optional hook that forwards a client's cursor update
// into internal/cursor's CursorCoordinator. A nil sink silently drops
// cursor updates (useful in tests that don't exercise presence). One
// Coordinator serves exactly one Shard, so the shard name is implicit.
type CursorSink interface {
	UpdateCursor(uid, name string, x, y float64)
	ForgetClient(uid string)
	Refresh(localClients []cursor.LocalClient, force bool) []cursor.SelectionUpdate
}

// SetCursorSink wires a CursorCoordinator into the shard after
// construction. The coordinator's outbound sink wraps the Shard
// (CursorOutboundAdapter), so the Shard has to exist before its
// coordinator can be built.
func (s *Shard) SetCursorSink(sink CursorSink) { s.cursorSink = sink }

func (s *Shard) handleInbound(c *Client, raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		s.sendTo(c, wire.Err{Code: wire.ErrBadMessage, Msg: err.Error()})
		return
	}

	switch m := msg.(type) {
	case wire.Sub:
		s.handleSub(c, m)
	case wire.Unsub:
		s.handleUnsub(c, m)
	case wire.SetCell:
		s.handleSetCell(c, m)
	case wire.Cur:
		s.handleCursor(c, m)
	case wire.ResyncTile:
		s.handleResync(c, m)
	default:
		s.sendTo(c, wire.Err{Code: wire.ErrBadMessage, Msg: "unexpected message type from client"})
	}
}

// handleSub processes each requested tile individually, in order: one
// tile being over limit or denied only stops that tile, not the ones
// already admitted earlier in the same message.
func (s *Shard) handleSub(c *Client, m wire.Sub) {
	changed := false
	for _, t := range m.Tiles {
		if c.isSubscribed(t) {
			continue
		}
		if c.subscribedCount() >= domain.MaxTilesSubscribed {
			s.sendTo(c, wire.Err{Code: wire.ErrSubLimit, Msg: "too many subscribed tiles"})
			break
		}
		if s.limit != nil && !s.limit.AllowSub(clientLimiterKey(c), 1) {
			telemetry.RateLimitedMessages.WithLabelValues("churn").Inc()
			s.sendTo(c, wire.Err{Code: wire.ErrChurnLimit, Msg: "tile subscription churn limit exceeded"})
			break
		}
		if !t.Valid() {
			s.sendTo(c, wire.Err{Code: wire.ErrBadTile, Msg: "invalid tile key"})
			continue
		}

		ok, code, err := s.owner.Watch(t, s.Name, "sub")
		if err != nil {
			s.sendTo(c, wire.Err{Code: wire.ErrInternal, Msg: err.Error()})
			continue
		}
		if !ok {
			s.sendTo(c, wire.Err{Code: code, Msg: "tile subscription denied"})
			continue
		}

		c.addSubscription(t)
		s.addTileClient(t, c)
		changed = true
		s.pushSnapshot(c, t)
	}
	if changed {
		s.forceCursorRefresh()
	}
}

func (s *Shard) handleUnsub(c *Client, m wire.Unsub) {
	changed := false
	for _, t := range m.Tiles {
		if !t.Valid() {
			s.sendTo(c, wire.Err{Code: wire.ErrBadTile, Msg: "invalid tile key"})
			continue
		}
		if !c.isSubscribed(t) {
			continue
		}
		c.removeSubscription(t)
		s.removeTileClient(t, c)
		changed = true
		if ok, _, err := s.owner.Watch(t, s.Name, "unsub"); err != nil || !ok {
			s.logger.Debug().Str("tile", t.String()).Err(err).Msg("unsub watch call did not confirm cleanly")
		}
	}
	if changed {
		s.forceCursorRefresh()
	}
}

func (s *Shard) handleSetCell(c *Client, m wire.SetCell) {
	if !m.Tile.Valid() {
		s.sendTo(c, wire.Err{Code: wire.ErrBadTile, Msg: "invalid tile key"})
		return
	}
	if s.limit != nil {
		key := clientLimiterKey(c)
		if !s.limit.AllowSetCellBurst(key) {
			telemetry.RateLimitedMessages.WithLabelValues("setcell_burst").Inc()
			s.sendTo(c, wire.Err{Code: wire.ErrSetCellLimit, Msg: "setCell rate limit exceeded"})
			return
		}
		if !s.limit.AllowSetCellSustained(key) {
			telemetry.RateLimitedMessages.WithLabelValues("setcell_sustained").Inc()
			s.sendTo(c, wire.Err{Code: wire.ErrSetCellLimit, Msg: "setCell rate limit exceeded"})
			return
		}
	}
	if !c.isSubscribed(m.Tile) {
		s.sendTo(c, wire.Err{Code: wire.ErrNotSubscribed, Msg: "setCell on a tile you have not subscribed to"})
		s.pushSnapshot(c, m.Tile)
		return
	}

	// Re-assert the watch on every setCell: if this shard's process was
	// recycled the owner may have dropped it from the watcher set, and a
	// setCell must still self-heal that the way a sub would.
	ok, code, err := s.owner.Watch(m.Tile, s.Name, "sub")
	if err != nil {
		s.sendTo(c, wire.Err{Code: wire.ErrInternal, Msg: err.Error()})
		return
	}
	if !ok {
		s.sendTo(c, wire.Err{Code: code, Msg: "tile subscription denied"})
		return
	}

	i := domain.CellIndex(m.I)
	result, err := s.owner.SetCell(m.Tile, fabric.SetCellArgs{
		I: i, V: m.V, Op: m.Op, UID: c.uid, Name: c.name, AtMs: time.Now().UnixMilli(),
	})
	if err != nil {
		s.sendTo(c, wire.Err{Code: wire.ErrInternal, Msg: err.Error()})
		return
	}
	if !result.Accepted {
		telemetry.SetCellTotal.WithLabelValues(result.Reason).Inc()
		s.sendTo(c, wire.Err{Code: result.Reason, Msg: "setCell rejected"})
		return
	}
	telemetry.SetCellTotal.WithLabelValues("accepted").Inc()
	if !result.Changed {
		// A duplicate op-id or a same-value no-op: nothing will arrive
		// through the batch fanout, so the client's cache only converges
		// if we push a snapshot ourselves.
		s.pushSnapshot(c, m.Tile)
		return
	}
	// On a real change the resulting CellUp/CellUpBatch arrives
	// asynchronously through the tile's batch fanout (onBatch), including
	// back to the sender — the same path every other watcher uses.
}

func (s *Shard) handleCursor(c *Client, m wire.Cur) {
	if s.cursorSink != nil {
		s.cursorSink.UpdateCursor(c.uid, c.name, m.X, m.Y)
	}
}

func (s *Shard) handleResync(c *Client, m wire.ResyncTile) {
	if !m.Tile.Valid() {
		s.sendTo(c, wire.Err{Code: wire.ErrBadTile, Msg: "invalid tile key"})
		return
	}
	if !c.isSubscribed(m.Tile) {
		s.sendTo(c, wire.Err{Code: wire.ErrNotSubscribed, Msg: "resync on a tile you have not subscribed to"})
		return
	}
	s.pushSnapshot(c, m.Tile)
}

// pushSnapshot fetches tile's current state from its owner and sends it
// to c, logging (not reporting to the client) a fetch failure — the
// caller has already sent whatever primary response the request
// warranted.
func (s *Shard) pushSnapshot(c *Client, tile domain.TileKey) {
	ver, enc, bits, err := s.owner.Snapshot(tile)
	if err != nil {
		s.logger.Warn().Err(err).Str("tile", tile.String()).Msg("failed to fetch recovery snapshot")
		return
	}
	s.sendTo(c, wire.TileSnap{Tile: tile, Ver: ver, Enc: enc, Bits: bits})
}

// addTileClient registers c as a local watcher of tile, opening the
// fabric batch subscription if this is the first local watcher.
func (s *Shard) addTileClient(tile domain.TileKey, c *Client) {
	s.tilesMu.Lock()
	defer s.tilesMu.Unlock()

	clients, ok := s.tileClients[tile]
	if !ok {
		clients = make(map[uint64]*Client)
		s.tileClients[tile] = clients
	}
	clients[c.id] = c

	if _, subscribed := s.tileSubs[tile]; !subscribed {
		sub, err := s.owner.SubscribeBatch(tile, s.onBatch(tile))
		if err != nil {
			s.logger.Warn().Err(err).Str("tile", tile.String()).Msg("failed to open tile batch fanout")
			return
		}
		s.tileSubs[tile] = sub
		telemetry.TilesWatched.Inc()
	}
}

// removeTileClient unregisters c from tile, closing the fabric batch
// subscription once no local client is left watching it.
func (s *Shard) removeTileClient(tile domain.TileKey, c *Client) {
	s.tilesMu.Lock()
	defer s.tilesMu.Unlock()

	clients, ok := s.tileClients[tile]
	if !ok {
		return
	}
	delete(clients, c.id)
	if len(clients) > 0 {
		return
	}
	delete(s.tileClients, tile)
	if sub, ok := s.tileSubs[tile]; ok {
		_ = sub.Unsubscribe()
		delete(s.tileSubs, tile)
		telemetry.TilesWatched.Dec()
	}
}

// onBatch builds the fabric.BatchHandler that fans a tile's flushed batch
// out to every local client currently watching it.
func (s *Shard) onBatch(tile domain.TileKey) fabric.BatchHandler {
	return func(fromVer, toVer uint32, ops []wire.CellOp) {
		s.tilesMu.RLock()
		clients := s.tileClients[tile]
		targets := make([]*Client, 0, len(clients))
		for _, c := range clients {
			targets = append(targets, c)
		}
		s.tilesMu.RUnlock()

		msg := wire.CellUpBatch{Tile: tile, FromVer: fromVer, ToVer: toVer, Ops: ops}
		for _, c := range targets {
			s.sendTo(c, msg)
		}
	}
}
