// Package resourceguard implements the ambient CPU/goroutine-aware
// connection admission control the Router consults before accepting a
// new socket. Ported from ws/internal/shared/limits/resource_guard.go
// and ws/cgroup.go, trimmed to the admission-control surface gridcore
// actually needs: the teacher's Kafka/broadcast rate limiters don't have
// an analogue here (gridcore's per-message rate limiting is
// internal/ratelimit's sliding windows), so those fields were dropped.
package resourceguard

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/adred-codev/gridcore/internal/telemetry"
	"github.com/rs/zerolog"
)

// Config bounds static admission thresholds. Static, not
// auto-calculated, matching the teacher's ResourceGuard philosophy:
// predictable rejection behavior over adaptive capacity.
type Config struct {
	MaxConnections     int
	CPURejectThreshold float64 // percent of allocated CPU; reject new sockets above this
	CPUPauseThreshold  float64 // percent of allocated CPU; pause non-critical background work above this
	MaxGoroutines      int
}

// Guard is the admission gate. One Guard serves one process.
type Guard struct {
	cfg    Config
	logger zerolog.Logger
	cpu    *cpuMonitor

	currentConns *int64 // pointer to the caller's live connection counter

	currentCPU atomic.Value // float64
}

// New builds a Guard over cfg. currentConns must point at a counter the
// caller keeps up to date with atomic.Add as connections open/close.
func New(cfg Config, logger zerolog.Logger, currentConns *int64) *Guard {
	g := &Guard{
		cfg:          cfg,
		logger:       logger,
		cpu:          newCPUMonitor(),
		currentConns: currentConns,
	}
	g.currentCPU.Store(0.0)
	logger.Info().
		Str("cpu_mode", g.cpu.mode).
		Float64("cpu_allocation", g.cpu.allocation()).
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold).
		Int("max_connections", cfg.MaxConnections).
		Msg("resource guard initialized")
	return g
}

// ShouldAcceptConnection checks the hard connection cap, the CPU
// emergency brake, and the goroutine cap, in that order, matching the
// teacher's ShouldAcceptConnection check ordering.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := atomic.LoadInt64(g.currentConns)
	if conns >= int64(g.cfg.MaxConnections) {
		return false, fmt.Sprintf("at max connections (%d)", g.cfg.MaxConnections)
	}

	cpuPct := g.currentCPU.Load().(float64)
	if cpuPct > g.cfg.CPURejectThreshold {
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuPct, g.cfg.CPURejectThreshold)
	}

	if goros := runtime.NumGoroutine(); g.cfg.MaxGoroutines > 0 && goros > g.cfg.MaxGoroutines {
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goros, g.cfg.MaxGoroutines)
	}

	return true, "OK"
}

// ShouldPauseBackgroundWork reports whether CPU has crossed the pause
// threshold — background actors (snapshot flush, audit publish) may use
// this to shed non-critical work under load without rejecting live
// traffic outright.
func (g *Guard) ShouldPauseBackgroundWork() bool {
	return g.currentCPU.Load().(float64) > g.cfg.CPUPauseThreshold
}

// CPUPercent returns the most recently sampled CPU percentage.
func (g *Guard) CPUPercent() float64 { return g.currentCPU.Load().(float64) }

// updateOnce samples CPU usage once.
func (g *Guard) updateOnce() {
	pct, err := g.cpu.percent()
	if err != nil {
		g.logger.Debug().Err(err).Msg("resource guard: CPU sample failed")
		return
	}
	g.currentCPU.Store(pct)
	telemetry.CPUPercent.Set(pct)
}

// StartMonitoring periodically resamples CPU usage until ctx is
// canceled. Call once at boot alongside the rest of the process's
// background goroutines.
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	g.updateOnce()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateOnce()
			}
		}
	}()
}
