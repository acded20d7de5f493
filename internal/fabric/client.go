package fabric

import (
	"encoding/json"
	"fmt"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/wire"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// localOwner is the subset of *OwnerService a Client can use to serve a
// tile it's itself authoritative for, closing the gap between "ownership
// is a pure function of the tile key" and NATS requiring an active
// subscriber before a request can ever succeed.
type localOwner interface {
	Owns(tile domain.TileKey) bool
	ServeTile(tile domain.TileKey) error
}

// Client is how a ConnectionShard reaches tile owners, wherever they live.
// Every call is a NATS request/reply round trip keyed off the tile; the
// caller never needs to know which process owns the tile.
type Client struct {
	nc     *nats.Conn
	logger zerolog.Logger
	local  localOwner
}

func NewClient(nc *nats.Conn, logger zerolog.Logger) *Client {
	return &Client{nc: nc, logger: logger}
}

// BindLocalOwner attaches this node's own OwnerService. Every subsequent
// call first checks whether this node is authoritative for the tile in
// question and, if so, lazily starts serving it — a single-node
// deployment would otherwise never subscribe itself before issuing its
// own first request.
func (c *Client) BindLocalOwner(o localOwner) { c.local = o }

func (c *Client) ensureServed(tile domain.TileKey) {
	if c.local == nil || !c.local.Owns(tile) {
		return
	}
	if err := c.local.ServeTile(tile); err != nil {
		c.logger.Warn().Err(err).Str("tile", tile.String()).Msg("fabric: ensureServed failed")
	}
}

// ErrRequestFailed wraps a NATS request/reply failure (no owner listening,
// timeout, or malformed reply) with the tile and subject for diagnostics.
type ErrRequestFailed struct {
	Subject string
	Cause   error
}

func (e *ErrRequestFailed) Error() string {
	return fmt.Sprintf("fabric: request to %s failed: %v", e.Subject, e.Cause)
}
func (e *ErrRequestFailed) Unwrap() error { return e.Cause }

// Watch asks the tile's owner to add or remove shardName from its watcher
// set. action is "sub" or "unsub".
func (c *Client) Watch(tile domain.TileKey, shardName, action string) (ok bool, code string, err error) {
	c.ensureServed(tile)
	req := watchRequest{Shard: shardName, Action: action}
	data, _ := json.Marshal(req)
	msg, err := c.nc.Request(watchSubject(tile), data, requestTimeout)
	if err != nil {
		return false, "", &ErrRequestFailed{Subject: watchSubject(tile), Cause: err}
	}
	var reply watchReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return false, "", &ErrRequestFailed{Subject: watchSubject(tile), Cause: err}
	}
	return reply.OK, reply.Code, nil
}

// SetCellArgs mirrors tileowner.SetCellOp across the wire boundary.
type SetCellArgs struct {
	I    domain.CellIndex
	V    uint8
	Op   string
	UID  string
	Name string
	AtMs int64
}

// SetCellOutcome mirrors tileowner.SetCellResult.
type SetCellOutcome struct {
	Accepted bool
	Changed  bool
	Ver      uint32
	Reason   string
}

func (c *Client) SetCell(tile domain.TileKey, args SetCellArgs) (SetCellOutcome, error) {
	c.ensureServed(tile)
	req := setCellRequest{I: args.I, V: args.V, Op: args.Op, UID: args.UID, Name: args.Name, AtMs: args.AtMs}
	data, _ := json.Marshal(req)
	msg, err := c.nc.Request(setCellSubject(tile), data, requestTimeout)
	if err != nil {
		return SetCellOutcome{}, &ErrRequestFailed{Subject: setCellSubject(tile), Cause: err}
	}
	var reply setCellReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return SetCellOutcome{}, &ErrRequestFailed{Subject: setCellSubject(tile), Cause: err}
	}
	return SetCellOutcome{Accepted: reply.Accepted, Changed: reply.Changed, Ver: reply.Ver, Reason: reply.Reason}, nil
}

// Snapshot fetches the owner's current full tile state.
func (c *Client) Snapshot(tile domain.TileKey) (ver uint32, enc string, bits []byte, err error) {
	c.ensureServed(tile)
	msg, err := c.nc.Request(snapshotSubject(tile), nil, requestTimeout)
	if err != nil {
		return 0, "", nil, &ErrRequestFailed{Subject: snapshotSubject(tile), Cause: err}
	}
	var reply snapshotReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return 0, "", nil, &ErrRequestFailed{Subject: snapshotSubject(tile), Cause: err}
	}
	return reply.Ver, reply.Enc, reply.Bits, nil
}

// CellLastEditResult is the owner's reply to a last-editor lookup.
type CellLastEditResult struct {
	Found bool
	UID   string
	Name  string
	AtMs  int64
}

func (c *Client) CellLastEdit(tile domain.TileKey, i domain.CellIndex) (CellLastEditResult, error) {
	c.ensureServed(tile)
	req := cellLastEditRequest{I: i}
	data, _ := json.Marshal(req)
	msg, err := c.nc.Request(cellLastEditSubject(tile), data, requestTimeout)
	if err != nil {
		return CellLastEditResult{}, &ErrRequestFailed{Subject: cellLastEditSubject(tile), Cause: err}
	}
	var reply cellLastEditReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return CellLastEditResult{}, &ErrRequestFailed{Subject: cellLastEditSubject(tile), Cause: err}
	}
	return CellLastEditResult{Found: reply.Found, UID: reply.UID, Name: reply.Name, AtMs: reply.AtMs}, nil
}

// BatchHandler receives a decoded batch for a tile the caller has
// subscribed to via SubscribeBatch.
type BatchHandler func(fromVer, toVer uint32, ops []wire.CellOp)

// SubscribeBatch subscribes to a tile's batch fanout subject. The returned
// subscription must be unsubscribed when the shard no longer has any
// local client watching the tile.
func (c *Client) SubscribeBatch(tile domain.TileKey, handler BatchHandler) (*nats.Subscription, error) {
	c.ensureServed(tile)
	return c.nc.Subscribe(batchSubject(tile), func(msg *nats.Msg) {
		var payload batchMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.logger.Warn().Err(err).Str("tile", tile.String()).Msg("fabric: bad batch payload")
			return
		}
		ops := make([]wire.CellOp, len(payload.Ops))
		for i, op := range payload.Ops {
			ops[i] = wire.CellOp{I: op.I, V: op.V}
		}
		handler(payload.FromVer, payload.ToVer, ops)
	})
}
