// Package tileowner implements the authoritative per-tile actor (§4.1):
// bits, version, last-edit metadata, op-id dedup, watcher set, and the
// WAL/snapshot batching and flush policies.
//
// Each Owner is a single goroutine draining one inbox channel of closures —
// the "single inbox" actor shape used throughout the teacher
// (internal/multi/shard.go's runBroadcastListener) generalized here to a
// synchronous request/reply dispatch table (§9): callers build a closure
// that computes a result and hands it back over a per-call reply channel,
// so every exported method is safe to call concurrently without its own
// lock, and all the actual state lives only inside the actor goroutine.
package tileowner

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/telemetry"
	"github.com/adred-codev/gridcore/internal/tileowner/persistence"
	"github.com/adred-codev/gridcore/internal/tilecodec"
	"github.com/adred-codev/gridcore/internal/wire"
	"github.com/rs/zerolog"
)

// EditInfo is the last-editor metadata kept for a cell once it has been
// edited at least once.
type EditInfo struct {
	UID  string
	Name string
	AtMs int64
}

// SetCellOp is the validated input to Owner.SetCell.
type SetCellOp struct {
	I    domain.CellIndex
	V    uint8
	Op   string
	UID  string
	Name string
	AtMs int64
}

// SetCellResult is the outcome of Owner.SetCell (§4.1).
type SetCellResult struct {
	Accepted bool
	Changed  bool
	Ver      uint32
	Reason   string
}

// WatchAction is sub or unsub (§4.1 watch).
type WatchAction int

const (
	WatchSub WatchAction = iota
	WatchUnsub
)

// WatchResult is the outcome of Owner.Watch.
type WatchResult struct {
	OK   bool
	Code string
}

// BatchEvent is what an Owner hands to its BroadcastFunc on WAL flush —
// exactly the wire.CellUpBatch payload plus the watcher shards to fan out
// to.
type BatchEvent struct {
	Tile     domain.TileKey
	FromVer  uint32
	ToVer    uint32
	Ops      []wire.CellOp
	Watchers []string
}

// BroadcastFunc fans a flushed batch out to watcher shards. It MUST NOT be
// awaited on the Owner's write path (§4.1, §5) — callers invoke it from a
// separate goroutine, never from inside the actor loop.
type BroadcastFunc func(BatchEvent)

// AuditFunc is a best-effort sink for accepted ops, off the write and
// broadcast path entirely (SPEC_FULL.md "audit/analytics sink"). A nil
// AuditFunc disables auditing.
type AuditFunc func(tile domain.TileKey, i domain.CellIndex, v uint8, uid string, atMs int64, ver uint32)

// Owner is the authoritative actor for exactly one tile.
type Owner struct {
	key domain.TileKey

	inbox  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	store     persistence.Store
	broadcast BroadcastFunc
	audit     AuditFunc
	logger    zerolog.Logger

	// authoritative state — touched only inside the actor goroutine.
	bits         [domain.TileCellCount]byte
	version      uint32
	lastEdits    map[domain.CellIndex]EditInfo
	recentOps    *opIDRing
	watchers     map[string]struct{}
	recentEdits  []recentEdit // bounded FIFO for spawn-sampling

	pendingOps     []wire.CellOp
	pendingFromVer uint32
	pendingToVer   uint32
	walTimer       *time.Timer

	opsSinceSnapshot int
	lastSnapshotAt   time.Time
	flushInFlight    bool
	dirtyAfterFlush  bool
}

type recentEdit struct {
	I    domain.CellIndex
	AtMs int64
}

const recentEditsCap = 256

// NewOwner constructs an Owner for key, loading any persisted state.
// Persistence failures during load are returned to the caller: an owner
// with no recoverable state should not silently start from empty.
func NewOwner(key domain.TileKey, store persistence.Store, broadcast BroadcastFunc, audit AuditFunc, logger zerolog.Logger) (*Owner, error) {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Owner{
		key:       key,
		inbox:     make(chan func(), 256),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		store:     store,
		broadcast: broadcast,
		audit:     audit,
		logger:    logger.With().Str("tile", key.String()).Logger(),
		lastEdits: make(map[domain.CellIndex]EditInfo),
		recentOps: newOpIDRing(domain.RecentOpIDRingCapacity),
		watchers:  make(map[string]struct{}),
	}

	if store != nil {
		loaded, err := store.Load(key)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("tileowner: load %s: %w", key, err)
		}
		if loaded.Snapshot != nil {
			if err := o.loadSnapshotLocked(*loaded.Snapshot); err != nil {
				cancel()
				return nil, err
			}
		}
		for _, s := range loaded.Subscribers {
			o.watchers[s] = struct{}{}
		}
	}
	o.lastSnapshotAt = time.Now()

	go o.run()
	return o, nil
}

// Close stops the actor goroutine and cancels pending timers.
func (o *Owner) Close() {
	o.cancel()
	<-o.done
}

func (o *Owner) run() {
	defer close(o.done)
	defer func() {
		if o.walTimer != nil {
			o.walTimer.Stop()
		}
	}()

	snapshotTicker := time.NewTicker(200 * time.Millisecond)
	defer snapshotTicker.Stop()

	var walC <-chan time.Time

	for {
		select {
		case <-o.ctx.Done():
			return
		case fn := <-o.inbox:
			o.runInboxFunc(fn)
			if o.walTimer != nil {
				walC = o.walTimer.C
			} else {
				walC = nil
			}
		case <-walC:
			o.flushWAL()
			walC = nil
		case <-snapshotTicker.C:
			o.maybeSnapshot(false)
		}
	}
}

// runInboxFunc executes one inbox closure with panic recovery, so a bug
// in a single SetCell/Watch call can't take the whole tile owner down.
func (o *Owner) runInboxFunc(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Msg("recovered panic in tile owner inbox")
		}
	}()
	fn()
}

// call submits fn to the actor's inbox and blocks until it runs, returning
// whatever fn computed via the closure's own capture.
func (o *Owner) call(fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case o.inbox <- wrapped:
	case <-o.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-o.ctx.Done():
	}
}

// LoadSnapshot re-initializes state from a persisted snapshot (§4.1).
func (o *Owner) LoadSnapshot(snap persistence.Snapshot) error {
	var retErr error
	o.call(func() {
		retErr = o.loadSnapshotLocked(snap)
	})
	return retErr
}

func (o *Owner) loadSnapshotLocked(snap persistence.Snapshot) error {
	bits, err := tilecodec.DecodeRLE64(snap.Bits)
	if err != nil {
		return fmt.Errorf("tileowner: bad_snapshot: %w", err)
	}
	if len(bits) != domain.TileCellCount {
		return fmt.Errorf("tileowner: bad_snapshot: wrong cell count %d", len(bits))
	}
	copy(o.bits[:], bits)
	o.version = snap.Ver
	o.lastEdits = make(map[domain.CellIndex]EditInfo, len(snap.Edits))
	for _, e := range snap.Edits {
		o.lastEdits[e.I] = EditInfo{UID: e.UID, Name: e.Name, AtMs: e.AtMs}
	}
	o.recentOps = newOpIDRing(domain.RecentOpIDRingCapacity)
	return nil
}

// Watch mutates the watcher set (§4.1).
func (o *Owner) Watch(shardName string, action WatchAction) WatchResult {
	var result WatchResult
	o.call(func() {
		result = o.watchLocked(shardName, action)
	})
	return result
}

func (o *Owner) watchLocked(shardName string, action WatchAction) WatchResult {
	_, already := o.watchers[shardName]
	if action == WatchUnsub {
		delete(o.watchers, shardName)
		o.persistSubscribersAsync()
		return WatchResult{OK: true}
	}
	if !already && len(o.watchers) >= domain.TileDenyWatcherThreshold {
		return WatchResult{OK: false, Code: wire.ErrTileSubDenied}
	}
	o.watchers[shardName] = struct{}{}
	if !already {
		o.persistSubscribersAsync()
	}
	return WatchResult{OK: true}
}

func (o *Owner) persistSubscribersAsync() {
	if o.store == nil {
		return
	}
	subs := make([]string, 0, len(o.watchers))
	for s := range o.watchers {
		subs = append(subs, s)
	}
	go func() {
		if err := o.store.SaveSubscribers(o.key, subs); err != nil {
			o.logger.Warn().Err(err).Msg("persist subscribers failed")
		}
	}()
}

// SetCell applies a validated toggle attempt (§4.1).
func (o *Owner) SetCell(op SetCellOp) SetCellResult {
	var result SetCellResult
	o.call(func() {
		result = o.setCellLocked(op)
	})
	return result
}

func (o *Owner) setCellLocked(op SetCellOp) SetCellResult {
	if !domain.IsCellIndexValid(op.I) {
		return SetCellResult{Accepted: false, Reason: "invalid_cell_index", Ver: o.version}
	}
	// Idempotence (I6) takes priority over the hot-tile gate: a retried
	// op-id must resolve the same way every time, even if the tile has
	// gone read-only hot since the original attempt was accepted.
	if op.Op != "" && o.recentOps.contains(op.Op) {
		return SetCellResult{Accepted: true, Changed: false, Reason: "duplicate_op", Ver: o.version}
	}
	if len(o.watchers) >= domain.TileReadonlyWatcherThreshold {
		return SetCellResult{Accepted: false, Reason: wire.ErrTileReadonlyHot, Ver: o.version}
	}
	if o.bits[op.I] == op.V {
		if op.Op != "" {
			o.recentOps.push(op.Op)
		}
		return SetCellResult{Accepted: true, Changed: false, Ver: o.version}
	}

	o.bits[op.I] = op.V
	o.version++
	o.lastEdits[op.I] = EditInfo{UID: op.UID, Name: op.Name, AtMs: op.AtMs}
	if op.Op != "" {
		o.recentOps.push(op.Op)
	}
	o.recordRecentEdit(op.I, op.AtMs)
	o.enqueueWAL(op.I, op.V)
	o.opsSinceSnapshot++

	if o.audit != nil {
		go o.audit(o.key, op.I, op.V, op.UID, op.AtMs, o.version)
	}

	if o.opsSinceSnapshot >= domain.TileSnapshotOpThreshold {
		o.maybeSnapshot(false)
	}

	return SetCellResult{Accepted: true, Changed: true, Ver: o.version}
}

func (o *Owner) recordRecentEdit(i domain.CellIndex, atMs int64) {
	o.recentEdits = append(o.recentEdits, recentEdit{I: i, AtMs: atMs})
	if len(o.recentEdits) > recentEditsCap {
		o.recentEdits = o.recentEdits[len(o.recentEdits)-recentEditsCap:]
	}
}

func (o *Owner) enqueueWAL(i domain.CellIndex, v uint8) {
	if len(o.pendingOps) == 0 {
		o.pendingFromVer = o.version
		o.walTimer = time.NewTimer(domain.TileWALTimeMillis * time.Millisecond)
	}
	o.pendingOps = append(o.pendingOps, wire.CellOp{I: uint16(i), V: v})
	o.pendingToVer = o.version

	if len(o.pendingOps) >= domain.TileWALOpThreshold {
		o.flushWAL()
	}
}

func (o *Owner) flushWAL() {
	if len(o.pendingOps) == 0 {
		return
	}
	if o.walTimer != nil {
		o.walTimer.Stop()
		o.walTimer = nil
	}

	ops := o.pendingOps
	fromVer := o.pendingFromVer
	toVer := o.pendingToVer
	o.pendingOps = nil

	watchers := make([]string, 0, len(o.watchers))
	for s := range o.watchers {
		watchers = append(watchers, s)
	}

	if o.broadcast == nil {
		return
	}
	event := BatchEvent{Tile: o.key, FromVer: fromVer, ToVer: toVer, Ops: ops, Watchers: watchers}
	telemetry.WALFlushTotal.Inc()
	go o.broadcast(event)
}

// maybeSnapshot flushes a persisted snapshot if either trigger is met, or
// unconditionally if force is true. Flushes are serialized: a flush
// already in flight sets dirtyAfterFlush instead of starting a second one.
func (o *Owner) maybeSnapshot(force bool) {
	if o.store == nil {
		return
	}
	due := force ||
		o.opsSinceSnapshot >= domain.TileSnapshotOpThreshold ||
		time.Since(o.lastSnapshotAt) >= domain.TileSnapshotTimeMillis*time.Millisecond
	if !due {
		return
	}
	if o.flushInFlight {
		o.dirtyAfterFlush = true
		return
	}

	snap := o.buildSnapshotLocked()
	o.opsSinceSnapshot = 0
	o.lastSnapshotAt = time.Now()
	o.flushInFlight = true

	go func() {
		err := o.store.SaveSnapshot(o.key, snap)
		o.call(func() {
			o.flushInFlight = false
			if err != nil {
				o.logger.Warn().Err(err).Msg("snapshot persistence failed, will retry on next timer")
				return
			}
			telemetry.SnapshotFlushTotal.Inc()
			if o.dirtyAfterFlush {
				o.dirtyAfterFlush = false
				o.maybeSnapshot(true)
			}
		})
	}()
}

func (o *Owner) buildSnapshotLocked() persistence.Snapshot {
	encoded, err := tilecodec.EncodeRLE64(o.bits[:])
	if err != nil {
		// bits is always domain.TileCellCount long and 0/1-valued by
		// construction, so this cannot happen; if it ever does, an empty
		// snapshot is safer than panicking the actor.
		o.logger.Error().Err(err).Msg("encode snapshot bits failed unexpectedly")
		encoded = ""
	}
	edits := make([]persistence.EditRecord, 0, len(o.lastEdits))
	for i, e := range o.lastEdits {
		edits = append(edits, persistence.EditRecord{I: i, UID: e.UID, Name: e.Name, AtMs: e.AtMs})
	}
	return persistence.Snapshot{Bits: encoded, Ver: o.version, Edits: edits}
}

// SnapshotView is the read-only view returned by Owner.Snapshot.
type SnapshotView struct {
	Tile domain.TileKey
	Ver  uint32
	Enc  string
	Bits []byte
}

// Snapshot returns the current decoded bit state for broadcast to a client.
func (o *Owner) Snapshot() SnapshotView {
	var view SnapshotView
	o.call(func() {
		bits := make([]byte, domain.TileCellCount)
		copy(bits, o.bits[:])
		view = SnapshotView{Tile: o.key, Ver: o.version, Enc: "rle64", Bits: bits}
	})
	return view
}

// CellLastEdit returns the last-editor metadata for a cell, or nil if never
// edited.
func (o *Owner) CellLastEdit(i domain.CellIndex) *EditInfo {
	var result *EditInfo
	o.call(func() {
		if e, ok := o.lastEdits[i]; ok {
			cp := e
			result = &cp
		}
	})
	return result
}

// Key returns the tile key this owner is authoritative for.
func (o *Owner) Key() domain.TileKey { return o.key }
