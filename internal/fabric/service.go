package fabric

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/shardhash"
	"github.com/adred-codev/gridcore/internal/tileowner"
	"github.com/adred-codev/gridcore/internal/tileowner/persistence"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// OwnerService hosts every TileOwner this node is statically responsible
// for (OwnerIndex of OwnerCount, by shardhash.Mod32 on the tile key) and
// answers watch/setCell/snapshot/cellLastEdit requests for them over NATS.
// Owners are created lazily on first touch and never migrated: ownership
// is a pure function of the tile key and OwnerCount, so every node agrees
// on it without a coordination round.
type OwnerService struct {
	nc         *nats.Conn
	store      persistence.Store
	audit      tileowner.AuditFunc
	logger     zerolog.Logger
	ownerIndex int
	ownerCount int

	mu     sync.Mutex
	owners map[domain.TileKey]*tileowner.Owner
	subs   []*nats.Subscription
}

// NewOwnerService constructs the service that hosts tiles for which
// shardhash.Mod32(tile, ownerCount) == ownerIndex. It opens no
// subscriptions itself; ServeTile does that, one tile at a time.
func NewOwnerService(nc *nats.Conn, store persistence.Store, audit tileowner.AuditFunc, logger zerolog.Logger, ownerIndex, ownerCount int) (*OwnerService, error) {
	if ownerCount <= 0 {
		return nil, fmt.Errorf("fabric: ownerCount must be positive, got %d", ownerCount)
	}
	s := &OwnerService{
		nc:         nc,
		store:      store,
		audit:      audit,
		logger:     logger,
		ownerIndex: ownerIndex,
		ownerCount: ownerCount,
		owners:     make(map[domain.TileKey]*tileowner.Owner),
	}
	return s, nil
}

// Owns reports whether this node is the authoritative owner for tile.
func (s *OwnerService) Owns(tile domain.TileKey) bool {
	return shardhash.Mod32(tile.String(), s.ownerCount) == s.ownerIndex
}

// ServeTile subscribes this node to the four request subjects for tile.
// Its caller is Client.ensureServed, which invokes it lazily whenever the
// process's own fabric Client sends a request for a tile the bound local
// OwnerService owns. Tiles already persisted are not enumerated or served
// at startup.
func (s *OwnerService) ServeTile(tile domain.TileKey) error {
	s.mu.Lock()
	if _, ok := s.owners[tile]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	owner, err := s.getOrCreateOwner(tile)
	if err != nil {
		return err
	}

	subs := make([]*nats.Subscription, 0, 4)
	sub, err := s.nc.QueueSubscribe(watchSubject(tile), "owners", func(msg *nats.Msg) {
		var req watchRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn().Err(err).Msg("fabric: bad watch request payload")
			return
		}
		action := tileowner.WatchSub
		if req.Action == "unsub" {
			action = tileowner.WatchUnsub
		}
		result := owner.Watch(req.Shard, action)
		s.reply(msg, watchReply{OK: result.OK, Code: result.Code})
	})
	if err != nil {
		return fmt.Errorf("fabric: subscribe watch: %w", err)
	}
	subs = append(subs, sub)

	sub, err = s.nc.QueueSubscribe(setCellSubject(tile), "owners", func(msg *nats.Msg) {
		var req setCellRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn().Err(err).Msg("fabric: bad setcell request payload")
			return
		}
		result := owner.SetCell(tileowner.SetCellOp{
			I: req.I, V: req.V, Op: req.Op, UID: req.UID, Name: req.Name, AtMs: req.AtMs,
		})
		s.reply(msg, setCellReply{Accepted: result.Accepted, Changed: result.Changed, Ver: result.Ver, Reason: result.Reason})
	})
	if err != nil {
		return fmt.Errorf("fabric: subscribe setcell: %w", err)
	}
	subs = append(subs, sub)

	sub, err = s.nc.QueueSubscribe(snapshotSubject(tile), "owners", func(msg *nats.Msg) {
		view := owner.Snapshot()
		s.reply(msg, snapshotReply{Ver: view.Ver, Enc: view.Enc, Bits: view.Bits})
	})
	if err != nil {
		return fmt.Errorf("fabric: subscribe snapshot: %w", err)
	}
	subs = append(subs, sub)

	sub, err = s.nc.QueueSubscribe(cellLastEditSubject(tile), "owners", func(msg *nats.Msg) {
		var req cellLastEditRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn().Err(err).Msg("fabric: bad cell-last-edit request payload")
			return
		}
		edit := owner.CellLastEdit(req.I)
		if edit == nil {
			s.reply(msg, cellLastEditReply{Found: false})
			return
		}
		s.reply(msg, cellLastEditReply{Found: true, UID: edit.UID, Name: edit.Name, AtMs: edit.AtMs})
	})
	if err != nil {
		return fmt.Errorf("fabric: subscribe cell-last-edit: %w", err)
	}
	subs = append(subs, sub)

	s.mu.Lock()
	s.subs = append(s.subs, subs...)
	s.mu.Unlock()
	return nil
}

func (s *OwnerService) getOrCreateOwner(tile domain.TileKey) (*tileowner.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.owners[tile]; ok {
		return o, nil
	}

	broadcast := func(ev tileowner.BatchEvent) {
		payload := batchMessage{FromVer: ev.FromVer, ToVer: ev.ToVer, Ops: make([]batchMessageOp, len(ev.Ops))}
		for i, op := range ev.Ops {
			payload.Ops[i] = batchMessageOp{I: op.I, V: op.V}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error().Err(err).Msg("fabric: marshal batch")
			return
		}
		if err := s.nc.Publish(batchSubject(ev.Tile), data); err != nil {
			s.logger.Warn().Err(err).Str("tile", ev.Tile.String()).Msg("fabric: publish batch failed")
		}
	}

	owner, err := tileowner.NewOwner(tile, s.store, broadcast, s.audit, s.logger)
	if err != nil {
		return nil, err
	}
	s.owners[tile] = owner
	return owner, nil
}

func (s *OwnerService) reply(msg *nats.Msg, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("fabric: marshal reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn().Err(err).Msg("fabric: respond failed")
	}
}

// Close drains subscriptions and stops every hosted owner.
func (s *OwnerService) Close() {
	s.mu.Lock()
	subs := s.subs
	owners := make([]*tileowner.Owner, 0, len(s.owners))
	for _, o := range s.owners {
		owners = append(owners, o)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	for _, o := range owners {
		o.Close()
	}
}

const requestTimeout = 2 * time.Second
