package fabric

import "github.com/adred-codev/gridcore/internal/domain"

// These envelopes cross the NATS request/reply boundary as JSON, mirroring
// the teacher's Client.PublishJSON convenience (go-server/pkg/nats). The
// client<->server wire protocol (internal/wire) stays binary; this is
// purely internal plumbing and favors readability over a few bytes.

type watchRequest struct {
	Shard  string `json:"shard"`
	Action string `json:"action"` // "sub" | "unsub"
}

type watchReply struct {
	OK   bool   `json:"ok"`
	Code string `json:"code,omitempty"`
}

type setCellRequest struct {
	I    domain.CellIndex `json:"i"`
	V    uint8            `json:"v"`
	Op   string           `json:"op,omitempty"`
	UID  string           `json:"uid"`
	Name string           `json:"name"`
	AtMs int64            `json:"at_ms"`
}

type setCellReply struct {
	Accepted bool   `json:"accepted"`
	Changed  bool   `json:"changed"`
	Ver      uint32 `json:"ver"`
	Reason   string `json:"reason,omitempty"`
}

type snapshotReply struct {
	Ver  uint32 `json:"ver"`
	Enc  string `json:"enc"`
	Bits []byte `json:"bits"`
}

type cellLastEditRequest struct {
	I domain.CellIndex `json:"i"`
}

type cellLastEditReply struct {
	Found bool   `json:"found"`
	UID   string `json:"uid,omitempty"`
	Name  string `json:"name,omitempty"`
	AtMs  int64  `json:"at_ms,omitempty"`
}

// batchMessage is what an owner publishes to its tile's batch subject on
// every WAL flush. Watchers is omitted on the wire — a NATS subscriber
// only receives what it subscribed to, so fanout is implicit in delivery
// rather than listed in the payload.
type batchMessage struct {
	FromVer uint32           `json:"from_ver"`
	ToVer   uint32           `json:"to_ver"`
	Ops     []batchMessageOp `json:"ops"`
}

type batchMessageOp struct {
	I uint16 `json:"i"`
	V uint8  `json:"v"`
}
