package client

import (
	"sync"
	"time"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/wire"
	"github.com/gorilla/websocket"
)

// backoffSteps is the reconnect delay ladder, capped at its last entry for
// any attempt beyond its length.
var backoffSteps = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second, 2 * time.Second, 4 * time.Second}

func backoffFor(attempt int) time.Duration {
	if attempt >= len(backoffSteps) {
		return backoffSteps[len(backoffSteps)-1]
	}
	return backoffSteps[attempt]
}

// sendQueue is a bounded FIFO that drops the oldest entry on overflow
// instead of blocking the producer, matching MAX_PENDING_SENDS behavior.
type sendQueue struct {
	mu       sync.Mutex
	items    [][]byte
	capacity int
	notify   chan struct{}
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{capacity: capacity, notify: make(chan struct{}, 1)}
}

func (q *sendQueue) push(data []byte) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
	}
	q.items = append(q.items, data)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *sendQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	data := q.items[0]
	q.items = q.items[1:]
	return data, true
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Transport owns one reconnecting WebSocket connection: dial with
// exponential backoff, a bounded drop-oldest send queue paced for two
// messages per 500ms immediately after a reconnect, and typed callbacks
// for open/close lifecycle events.
type Transport struct {
	url       string
	dialer    *websocket.Dialer
	onOpen    func(reconnected bool)
	onClose   func(disposed bool)
	onMessage func(wire.Message)

	queue *sendQueue

	mu       sync.Mutex
	conn     *websocket.Conn
	disposed bool
	attempts int

	stop chan struct{}
	done chan struct{}
}

// TransportConfig bundles a Transport's dependencies and callbacks.
type TransportConfig struct {
	URL       string
	OnOpen    func(reconnected bool)
	OnClose   func(disposed bool)
	OnMessage func(wire.Message)
}

// NewTransport constructs a Transport and starts its connect loop.
func NewTransport(cfg TransportConfig) *Transport {
	t := &Transport{
		url:       cfg.URL,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onOpen:    cfg.OnOpen,
		onClose:   cfg.OnClose,
		onMessage: cfg.OnMessage,
		queue:     newSendQueue(domain.MaxPendingSendsClient),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.run()
	return t
}

// Send enqueues msg for delivery, dropping the oldest queued message if
// the bound is exceeded.
func (t *Transport) Send(msg wire.Message) {
	t.queue.push(wire.Encode(msg))
}

// Close disposes the transport permanently: no further reconnect attempts
// are made and onClose(disposed=true) fires once the socket, if any, is
// closed.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	t.mu.Unlock()
	close(t.stop)
	<-t.done
}

func (t *Transport) run() {
	defer close(t.done)
	opened := false
	for {
		select {
		case <-t.stop:
			if t.onClose != nil {
				t.onClose(true)
			}
			return
		default:
		}

		conn, _, err := t.dialer.Dial(t.url, nil)
		if err != nil {
			select {
			case <-time.After(backoffFor(t.attempts)):
				t.attempts++
				continue
			case <-t.stop:
				if t.onClose != nil {
					t.onClose(true)
				}
				return
			}
		}

		reconnected := opened
		opened = true
		t.attempts = 0
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		if t.onOpen != nil {
			t.onOpen(reconnected)
		}

		sessionDone := make(chan struct{})
		go t.readLoop(conn, sessionDone)
		t.writeLoop(conn, sessionDone)

		t.mu.Lock()
		t.conn = nil
		disposed := t.disposed
		t.mu.Unlock()

		if disposed {
			if t.onClose != nil {
				t.onClose(true)
			}
			return
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn, sessionDone chan struct{}) {
	defer close(sessionDone)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			continue
		}
		if t.onMessage != nil {
			t.onMessage(msg)
		}
	}
}

// writeLoop drains the send queue, pacing two messages per 500ms until
// the backlog that accumulated while disconnected is flushed, then
// switches to unpaced delivery.
func (t *Transport) writeLoop(conn *websocket.Conn, sessionDone chan struct{}) {
	const pacedBurst = 2
	const pacedInterval = 500 * time.Millisecond

	paced := t.queue.len() > 0
	ticker := time.NewTicker(pacedInterval)
	defer ticker.Stop()
	sent := 0

	for {
		select {
		case <-sessionDone:
			return
		case <-t.stop:
			_ = conn.Close()
			return
		case <-t.queue.notify:
		case <-ticker.C:
			sent = 0
		}

		for {
			if paced && sent >= pacedBurst {
				break
			}
			data, ok := t.queue.pop()
			if !ok {
				paced = false
				break
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
			sent++
		}
	}
}
