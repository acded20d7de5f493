package cursor

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const relaySubject = "gridcore.cursor.relay"

type relayEnvelope struct {
	From    string     `json:"from"`
	Updates []Presence `json:"updates"`
}

// natsRelay is the production Relay: every shard publishes to and
// subscribes from one shared subject, filtering out its own publishes by
// shard name (§4.4: "relay the batch to every peer shard"). Grounded on
// go-server/pkg/nats/client.go's PublishJSON/Subscribe wrapping, same
// style already reused in internal/fabric.
type natsRelay struct {
	nc *nats.Conn
}

// NewNATSRelay wraps nc as a cursor Relay.
func NewNATSRelay(nc *nats.Conn) Relay {
	return &natsRelay{nc: nc}
}

func (r *natsRelay) PublishBatch(from string, updates []Presence) error {
	data, err := json.Marshal(relayEnvelope{From: from, Updates: updates})
	if err != nil {
		return fmt.Errorf("cursor: marshal relay batch: %w", err)
	}
	return r.nc.Publish(relaySubject, data)
}

func (r *natsRelay) Subscribe(handler func(from string, updates []Presence)) error {
	_, err := r.nc.Subscribe(relaySubject, func(msg *nats.Msg) {
		var env relayEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		handler(env.From, env.Updates)
	})
	return err
}

func (r *natsRelay) Close() {}
