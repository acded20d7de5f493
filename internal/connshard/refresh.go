package connshard

import (
	"context"
	"time"

	"github.com/adred-codev/gridcore/internal/cursor"
	"github.com/adred-codev/gridcore/internal/wire"
)

// refreshSource is the subset of *cursor.Coordinator the periodic refresh
// loop needs, declared locally so it can be faked in tests. CursorSink
// satisfies it too, so the periodic loop and the forced, event-driven
// refreshes below can share one Coordinator.
type refreshSource interface {
	Refresh(localClients []cursor.LocalClient, force bool) []cursor.SelectionUpdate
}

// forceCursorRefresh asks the wired CursorSink to recompute every local
// client's cursor selection immediately, bypassing its throttle, and
// delivers whatever newly-visible entries result. Connect, disconnect,
// and subscription-change are required to refresh promptly rather than
// wait for the next periodic tick (the periodic loop covers cursor
// motion with no subscription change).
func (s *Shard) forceCursorRefresh() {
	if s.cursorSink == nil {
		return
	}
	updates := s.cursorSink.Refresh(s.localClients(), true)
	s.deliverSelection(updates)
}

// localClients snapshots every currently-connected client's uid and
// subscribed tiles, the input Refresh needs to recompute selections.
func (s *Shard) localClients() []cursor.LocalClient {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	out := make([]cursor.LocalClient, 0, len(clients))
	for _, c := range clients {
		out = append(out, cursor.LocalClient{UID: c.uid, SubscribedTiles: c.subscribedTiles()})
	}
	return out
}

// deliverSelection pushes every newly-visible remote cursor in updates to
// its local target client.
func (s *Shard) deliverSelection(updates []cursor.SelectionUpdate) {
	for _, u := range updates {
		c, ok := s.clientByUID(u.TargetUID)
		if !ok {
			continue
		}
		for _, p := range u.Added {
			s.sendTo(c, wire.CurUp{UID: p.UID, Name: p.Name, X: p.X, Y: p.Y})
		}
	}
}

// RunCursorRefreshLoop periodically asks src to recompute nearest-cursor
// selections for every locally-connected client and pushes newly-visible
// entries out, until ctx is canceled. interval should be shorter than the
// coordinator's internal refresh throttle so the throttle (not this
// ticker) is the effective rate limit.
func (s *Shard) RunCursorRefreshLoop(ctx context.Context, src refreshSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updates := src.Refresh(s.localClients(), false)
			s.deliverSelection(updates)
		}
	}
}
