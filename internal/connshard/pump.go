package connshard

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// readPump reads and dispatches binary messages from one client until the
// connection errors or closes. Grounded on pump_read.go's recover-first,
// deadline-per-read shape.
func (s *Shard) readPump(c *Client) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Uint64("client_id", c.id).Msg("recovered panic in readPump")
		}
		s.disconnect(c, "read_closed")
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpBinary:
			s.handleInbound(c, msg)
		case ws.OpClose:
			return
		case ws.OpPing, ws.OpPong:
			// gobwas answers pings automatically; nothing to do.
		}
	}
}

// writePump writes each outbound message together with whatever else is
// already queued and flushes once per such batch; a separate ticker sends
// a ping every pingPeriod. Mirrors pump_write.go.
func (s *Shard) writePump(c *Client) {
	w := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() { _ = c.conn.Close() })
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(w, ws.OpBinary, data); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				data = <-c.send
				if err := wsutil.WriteServerMessage(w, ws.OpBinary, data); err != nil {
					return
				}
			}
			if err := w.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
