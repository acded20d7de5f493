package resourceguard

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestGuard(cfg Config, conns *int64) *Guard {
	g := &Guard{cfg: cfg, logger: zerolog.Nop(), currentConns: conns}
	g.currentCPU.Store(0.0)
	return g
}

func TestShouldAcceptConnectionAllowsUnderAllLimits(t *testing.T) {
	conns := int64(5)
	g := newTestGuard(Config{MaxConnections: 10, CPURejectThreshold: 90, MaxGoroutines: 0}, &conns)

	ok, reason := g.ShouldAcceptConnection()
	if !ok {
		t.Fatalf("expected acceptance, got rejection: %s", reason)
	}
}

func TestShouldAcceptConnectionRejectsAtMaxConnections(t *testing.T) {
	conns := int64(10)
	g := newTestGuard(Config{MaxConnections: 10, CPURejectThreshold: 90}, &conns)

	ok, _ := g.ShouldAcceptConnection()
	if ok {
		t.Fatal("expected rejection at max connections")
	}
}

func TestShouldAcceptConnectionRejectsOverCPUThreshold(t *testing.T) {
	conns := int64(1)
	g := newTestGuard(Config{MaxConnections: 10, CPURejectThreshold: 50}, &conns)
	g.currentCPU.Store(75.0)

	ok, reason := g.ShouldAcceptConnection()
	if ok {
		t.Fatal("expected rejection over CPU reject threshold")
	}
	if reason == "" {
		t.Fatal("expected a rejection reason")
	}
}

func TestShouldPauseBackgroundWorkCrossesPauseThresholdOnly(t *testing.T) {
	conns := int64(1)
	g := newTestGuard(Config{MaxConnections: 10, CPURejectThreshold: 90, CPUPauseThreshold: 60}, &conns)

	g.currentCPU.Store(50.0)
	if g.ShouldPauseBackgroundWork() {
		t.Fatal("did not expect pause below the pause threshold")
	}

	g.currentCPU.Store(70.0)
	if !g.ShouldPauseBackgroundWork() {
		t.Fatal("expected pause above the pause threshold even though below reject threshold")
	}
}
