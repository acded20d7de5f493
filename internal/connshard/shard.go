// Package connshard implements ConnectionShard (§4.3): the stateful,
// client-facing half of the fanout. One Shard owns a set of WebSocket
// connections and the two-level subscription bookkeeping described in
// §5 — shard<->tile-owner watch refcounts live in internal/tileowner via
// internal/fabric; this package owns client<->shard refcounts only.
//
// Grounded on the teacher's internal/shared/server.go +
// connection.go + handlers_ws.go + pump_read.go + pump_write.go +
// handlers_message.go, generalized from a JSON trading-message protocol
// to the binary internal/wire protocol, and from an in-process single
// SubscriptionIndex to a per-tile NATS batch subscription managed
// through internal/fabric.
package connshard

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/fabric"
	"github.com/adred-codev/gridcore/internal/telemetry"
	"github.com/adred-codev/gridcore/internal/wire"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// churnLimiter bounds a client's tile-subscription churn and setCell rate
// (§4.3, §9). Satisfied by internal/ratelimit's sliding-window limiter;
// declared locally so tests can fake it without importing ratelimit.
type churnLimiter interface {
	AllowSub(clientKey string, n int) bool
	AllowSetCellBurst(clientKey string) bool
	AllowSetCellSustained(clientKey string) bool
	Forget(clientKey string)
}

// ownerLink is the subset of *fabric.Client a Shard needs, declared
// locally so tests can supply a fake instead of a live NATS connection.
type ownerLink interface {
	Watch(tile domain.TileKey, shardName, action string) (ok bool, code string, err error)
	SetCell(tile domain.TileKey, args fabric.SetCellArgs) (fabric.SetCellOutcome, error)
	Snapshot(tile domain.TileKey) (ver uint32, enc string, bits []byte, err error)
	CellLastEdit(tile domain.TileKey, i domain.CellIndex) (fabric.CellLastEditResult, error)
	SubscribeBatch(tile domain.TileKey, handler fabric.BatchHandler) (batchSub, error)
}

// batchSub is the unsubscribe handle returned by ownerLink.SubscribeBatch.
// *nats.Subscription satisfies this.
type batchSub interface {
	Unsubscribe() error
}

// activeConnCount is every shard's connected-client count summed across
// the process, shared with internal/resourceguard as the counter it
// consults for connection-count admission control.
var activeConnCount int64

// ActiveConnections returns a pointer to the process-wide connected
// client counter, for resourceguard.New's currentConns argument.
func ActiveConnections() *int64 { return &activeConnCount }

// Shard is one ConnectionShard instance.
type Shard struct {
	Name   string
	owner  ownerLink
	limit  churnLimiter
	logger zerolog.Logger

	nextClientID uint64

	mu            sync.RWMutex
	clients       map[uint64]*Client
	clientsByUID  map[string]*Client // secondary index for cursor curUp delivery

	tilesMu     sync.RWMutex
	tileClients map[domain.TileKey]map[uint64]*Client
	tileSubs    map[domain.TileKey]batchSub

	cursorSink CursorSink
}

// New constructs a Shard named name, backed by owner for all tile-owner
// RPCs, and limit for per-client rate enforcement.
func New(name string, owner ownerLink, limit churnLimiter, logger zerolog.Logger) *Shard {
	return &Shard{
		Name:        name,
		owner:       owner,
		limit:       limit,
		logger:       logger.With().Str("shard", name).Logger(),
		clients:      make(map[uint64]*Client),
		clientsByUID: make(map[string]*Client),
		tileClients:  make(map[domain.TileKey]map[uint64]*Client),
		tileSubs:     make(map[domain.TileKey]batchSub),
	}
}

// Accept registers conn as a newly-upgraded client identified by
// uid/name, sends it its hello{uid,name,token}, and starts its read and
// write pumps. Ownership of conn passes to the Shard; callers must not
// use conn again.
func (s *Shard) Accept(conn net.Conn, uid, name, token string) *Client {
	id := atomic.AddUint64(&s.nextClientID, 1)
	c := &Client{
		id:            id,
		uid:           uid,
		name:          name,
		conn:          conn,
		send:          make(chan []byte, domain.MaxPendingSendsClient),
		subscribed:    make(map[domain.TileKey]struct{}),
		connectedAt:   time.Now(),
	}

	s.mu.Lock()
	s.clients[id] = c
	s.clientsByUID[uid] = c
	s.mu.Unlock()

	telemetry.ConnectionsTotal.Inc()
	telemetry.ConnectionsActive.Inc()
	atomic.AddInt64(&activeConnCount, 1)
	s.logger.Info().Uint64("client_id", id).Str("uid", uid).Msg("client connected")

	go s.writePump(c)
	s.sendTo(c, wire.Hello{UID: uid, Name: name, Token: token})
	go s.readPump(c)
	s.forceCursorRefresh()

	return c
}

// disconnect tears down a client: unsubscribes every tile it watched,
// forgets its rate-limit state, and closes its connection.
func (s *Shard) disconnect(c *Client, reason string) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	if s.clientsByUID[c.uid] == c {
		delete(s.clientsByUID, c.uid)
	}
	s.mu.Unlock()
	telemetry.ConnectionsActive.Dec()
	atomic.AddInt64(&activeConnCount, -1)

	c.mu.Lock()
	tiles := make([]domain.TileKey, 0, len(c.subscribed))
	for t := range c.subscribed {
		tiles = append(tiles, t)
	}
	c.subscribed = make(map[domain.TileKey]struct{})
	c.mu.Unlock()

	for _, t := range tiles {
		s.removeTileClient(t, c)
	}

	if s.limit != nil {
		s.limit.Forget(clientLimiterKey(c))
	}
	if s.cursorSink != nil {
		s.cursorSink.ForgetClient(c.uid)
	}
	s.forceCursorRefresh()

	c.closeOnce.Do(func() { _ = c.conn.Close() })
	s.logger.Info().Uint64("client_id", c.id).Str("reason", reason).Msg("client disconnected")
}

// ClientCount returns the number of currently connected clients.
func (s *Shard) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// TileWatcherCount returns how many local clients currently watch tile.
func (s *Shard) TileWatcherCount(tile domain.TileKey) int {
	s.tilesMu.RLock()
	defer s.tilesMu.RUnlock()
	return len(s.tileClients[tile])
}

// clientByUID returns the locally-connected client for uid, if any.
func (s *Shard) clientByUID(uid string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clientsByUID[uid]
	return c, ok
}

func clientLimiterKey(c *Client) string { return c.uid }

// sendTo enqueues an encoded message for delivery, dropping it (not
// blocking the caller) if the client's send buffer is full. After 3
// consecutive full-buffer drops the client is disconnected — the spec's
// slow-client degradation (§9 SUPPLEMENTED FEATURES) — instead of letting
// one slow reader back-pressure every broadcast.
func (s *Shard) sendTo(c *Client, msg wire.Message) {
	data := wire.Encode(msg)
	select {
	case c.send <- data:
		atomic.StoreInt32(&c.slowStrikes, 0)
	default:
		if atomic.AddInt32(&c.slowStrikes, 1) >= 3 {
			telemetry.SlowClientsDisconnected.Inc()
			go s.disconnect(c, "slow_client")
		}
	}
}
