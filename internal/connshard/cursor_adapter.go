package connshard

import (
	"github.com/adred-codev/gridcore/internal/cursor"
	"github.com/adred-codev/gridcore/internal/wire"
)

// CursorOutboundAdapter adapts a Shard to internal/cursor's OutboundSink,
// delivering an immediate curUp to a locally-connected client by uid. The
// coordinator never imports connshard; this is the one-way bridge back.
type CursorOutboundAdapter struct {
	Shard *Shard
}

// SendCurUp implements cursor.OutboundSink.
func (a CursorOutboundAdapter) SendCurUp(targetUID string, p cursor.Presence) {
	c, ok := a.Shard.clientByUID(targetUID)
	if !ok {
		return
	}
	a.Shard.sendTo(c, wire.CurUp{UID: p.UID, Name: p.Name, X: p.X, Y: p.Y})
}
