// Package router implements the stateless front door (§4.5): identity
// resolution from a signed token (or freshly minted identity), shard
// selection by FNV-1a32(uid) mod SHARD_COUNT, and forwarding the
// upgraded socket to the selected in-process ConnectionShard. Also
// serves /health and /cell-last-edit.
//
// Grounded on the teacher's internal/shared/server.go (ServeMux wiring,
// graceful-shutdown flag) and handlers_ws.go (admission-then-upgrade
// ordering: shutdown flag, connection rate limiter, ResourceGuard, then
// gobwas/ws.UpgradeHTTP), generalized from a single fixed connection
// pool to a shard-selecting front door with no local connection state
// of its own — a Router instance is itself a stateless actor (§5).
package router

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adred-codev/gridcore/internal/connshard"
	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/fabric"
	"github.com/adred-codev/gridcore/internal/identity"
	"github.com/adred-codev/gridcore/internal/shardhash"
	"github.com/adred-codev/gridcore/internal/telemetry"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

// shardTarget is the subset of *connshard.Shard the Router needs. A
// narrow interface, declared locally, so tests can supply a fake shard
// instead of a live one. It is an alias of an interface literal, so any
// other alias of the same literal (cmd/gridserver's) is the identical type.
type shardTarget = interface {
	Accept(conn net.Conn, uid, name, token string) *connshard.Client
}

// tokenIssuer is the subset of *identity.Manager the Router needs.
type tokenIssuer interface {
	Issue(uid, name string) (string, error)
	Verify(token string) (identity.Claims, error)
}

// cellLastEditLink is the subset of *fabric.Client the Router needs for
// /cell-last-edit. Declared locally so tests can fake it.
type cellLastEditLink interface {
	CellLastEdit(tile domain.TileKey, i domain.CellIndex) (fabric.CellLastEditResult, error)
}

// admissionGuard is the subset of *resourceguard.Guard the Router needs.
type admissionGuard interface {
	ShouldAcceptConnection() (accept bool, reason string)
}

// Router is one process's stateless front door across all of its local
// shards.
type Router struct {
	shards    []shardTarget
	tokens    tokenIssuer
	guard     admissionGuard
	connLimit *connRateLimiter
	owner     cellLastEditLink
	logger    zerolog.Logger

	shuttingDown int32
	activeConns  int64
}

// Config bundles everything New needs beyond the shard list.
type Config struct {
	Tokens      tokenIssuer
	Guard       admissionGuard
	Owner       cellLastEditLink
	Logger      zerolog.Logger
	IPBurst     int
	IPRate      int
	GlobalBurst int
	GlobalRate  int
}

// New constructs a Router dispatching across shards, indexed the same
// way shardhash.Mod32(uid, len(shards)) picks a target.
func New(shards []shardTarget, cfg Config) *Router {
	return &Router{
		shards: shards,
		tokens: cfg.Tokens,
		guard:  cfg.Guard,
		owner:  cfg.Owner,
		logger: cfg.Logger,
		connLimit: newConnRateLimiter(connRateLimiterConfig{
			IPBurst: cfg.IPBurst, IPRate: cfg.IPRate,
			GlobalBurst: cfg.GlobalBurst, GlobalRate: cfg.GlobalRate,
		}),
	}
}

// Handler builds the http.Handler to mount on the process's listener.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", rt.handleHealth)
	mux.HandleFunc("/ws", rt.handleWS)
	mux.HandleFunc("/cell-last-edit", rt.handleCellLastEdit)
	mux.Handle("/metrics", telemetry.Handler())
	return mux
}

// BeginShutdown marks the router as draining: it stops accepting new
// upgrades but existing connections are untouched (shard-level drain
// handles those).
func (rt *Router) BeginShutdown() { atomic.StoreInt32(&rt.shuttingDown, 1) }

// Close releases the router's own background resources (the connection
// rate limiter's cleanup goroutine).
func (rt *Router) Close() { rt.connLimit.Close() }

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "ws": "/ws"})
}

func (rt *Router) handleWS(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&rt.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientIP := clientIP(r)
	if allowed, reason := rt.connLimit.allow(clientIP); !allowed {
		telemetry.ConnectionsRejected.WithLabelValues(reason).Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if rt.guard != nil {
		if accept, reason := rt.guard.ShouldAcceptConnection(); !accept {
			telemetry.ConnectionsRejected.WithLabelValues("overloaded").Inc()
			rt.logger.Warn().Str("client_ip", clientIP).Str("reason", reason).Msg("connection rejected: overloaded")
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	uid, name := rt.resolveIdentity(r)
	token, err := rt.tokens.Issue(uid, name)
	if err != nil {
		telemetry.ConnectionsRejected.WithLabelValues("token_issue_failed").Inc()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		telemetry.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		rt.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
		return
	}

	shard := rt.shards[shardhash.Mod32(uid, len(rt.shards))]
	atomic.AddInt64(&rt.activeConns, 1)
	shard.Accept(conn, uid, name, token)
}

// resolveIdentity implements §4.5 step 1-2: a verifying token wins over
// any client-supplied uid/name in the query string, which is otherwise
// ignored entirely rather than merged with a generated identity.
func (rt *Router) resolveIdentity(r *http.Request) (uid, name string) {
	if token := r.URL.Query().Get("token"); token != "" {
		if claims, err := rt.tokens.Verify(token); err == nil {
			return claims.UID, claims.Name
		}
	}
	return identity.GenerateFresh()
}

func (rt *Router) handleCellLastEdit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	tileStr := r.URL.Query().Get("tile")
	iStr := r.URL.Query().Get("i")

	tile, err := domain.ParseTileKey(tileStr)
	if err != nil {
		http.Error(w, "bad tile", http.StatusBadRequest)
		return
	}
	iVal, err := strconv.Atoi(iStr)
	if err != nil || iVal < 0 || iVal >= domain.TileCellCount {
		http.Error(w, "bad index", http.StatusBadRequest)
		return
	}

	result, err := rt.owner.CellLastEdit(tile, domain.CellIndex(iVal))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"found": result.Found,
		"uid":   result.UID,
		"name":  result.Name,
		"atMs":  result.AtMs,
	})
}

// clientIP extracts the caller's address, preferring X-Forwarded-For
// (load balancer / proxy deployments) over RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return fwd[:i]
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WaitDrain blocks until ctx is done or every connection accepted
// through this router has disconnected. Shard-level draining is what
// actually closes sockets; this just gives cmd/gridserver something to
// wait on during shutdown.
func (rt *Router) WaitDrain(ctx context.Context, activeConnSnapshot func() int64, pollEvery time.Duration) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if activeConnSnapshot() == 0 {
				return
			}
		}
	}
}
