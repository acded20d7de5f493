// Command gridserver runs one grid node: SHARD_COUNT ConnectionShards
// behind a stateless Router, a TileOwner host for every tile this node is
// statically responsible for, and the ambient plumbing (NATS fabric,
// persistence, audit, rate limiting, resource admission) that ties them
// together.
//
// Grounded on the teacher's ws/cmd/multi/main.go boot sequence: load
// config, build a structured logger, start resource monitoring before
// anything else depends on it, construct shards, start listening, then
// block on a signal and drain.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adred-codev/gridcore/internal/audit"
	"github.com/adred-codev/gridcore/internal/config"
	"github.com/adred-codev/gridcore/internal/connshard"
	"github.com/adred-codev/gridcore/internal/cursor"
	"github.com/adred-codev/gridcore/internal/fabric"
	"github.com/adred-codev/gridcore/internal/identity"
	"github.com/adred-codev/gridcore/internal/logging"
	"github.com/adred-codev/gridcore/internal/ratelimit"
	"github.com/adred-codev/gridcore/internal/resourceguard"
	"github.com/adred-codev/gridcore/internal/router"
	"github.com/adred-codev/gridcore/internal/tileowner/persistence"
	"github.com/nats-io/nats.go"
	_ "go.uber.org/automaxprocs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gridserver: config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogFields(logger)

	shardName := cfg.ShardName
	if shardName == "" {
		host, _ := os.Hostname()
		shardName = host
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("gridcore-owner-"+shardName),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer nc.Close()

	localKV, err := persistence.NewLocalKV(cfg.SnapshotDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local snapshot fallback store")
	}
	store, err := persistence.NewMigratingBlob(nc, "gridcore-tiles", localKV, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open tile persistence store")
	}

	var auditFunc = audit.NilFunc
	var auditSink *audit.Sink
	if cfg.KafkaBroker != "" {
		brokers := splitBrokers(cfg.KafkaBroker)
		auditSink, err = audit.New(brokers, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start audit sink")
		}
		defer auditSink.Close()
		auditFunc = auditSink.Func()
		logger.Info().Strs("brokers", brokers).Msg("audit sink enabled")
	} else {
		logger.Info().Msg("audit sink disabled (GRIDCORE_KAFKA_BROKERS unset)")
	}

	ownerService, err := fabric.NewOwnerService(nc, store, auditFunc, logger, cfg.OwnerIndex, cfg.OwnerCount)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start tile owner service")
	}
	defer ownerService.Close()

	fabricClient := fabric.NewClient(nc, logger)
	fabricClient.BindLocalOwner(ownerService)

	tokens := identity.NewManager(cfg.TokenSigningSecret, cfg.TokenTTL)
	limiter := ratelimit.New()
	guard := resourceguard.New(resourceguard.Config{
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
		MaxGoroutines:      cfg.MaxGoroutines,
	}, logger, connshard.ActiveConnections())
	if auditSink != nil {
		auditSink.SetPauseChecker(guard)
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	guard.StartMonitoring(monitorCtx, cfg.MetricsInterval)

	routerShards := make([]routerShardTarget, cfg.ShardCount)
	for i := 0; i < cfg.ShardCount; i++ {
		name := fmt.Sprintf("%s-%d", shardName, i)
		link := connshard.FabricLink{Client: fabricClient}
		shard := connshard.New(name, link, limiter, logger)

		coordinator := cursor.New(name, cursor.NewNATSRelay(nc), connshard.CursorOutboundAdapter{Shard: shard}, logger)
		shard.SetCursorSink(coordinator)
		defer coordinator.Close()
		go shard.RunCursorRefreshLoop(monitorCtx, coordinator, 100*time.Millisecond)

		routerShards[i] = shard
	}

	rt := router.New(routerShards, router.Config{
		Tokens:      tokens,
		Guard:       guard,
		Owner:       fabricClient,
		Logger:      logger,
		IPBurst:     cfg.ConnRateLimitIPBurst,
		IPRate:      cfg.ConnRateLimitIPRate,
		GlobalBurst: cfg.ConnRateLimitGlobalBurst,
		GlobalRate:  cfg.ConnRateLimitGlobalRate,
	})
	defer rt.Close()

	srv := &http.Server{Addr: cfg.Addr, Handler: rt.Handler()}
	go func() {
		logger.Info().Str("addr", cfg.Addr).Int("shard_count", cfg.ShardCount).Msg("gridserver listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received, draining")

	rt.BeginShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	rt.WaitDrain(drainCtx, func() int64 { return *connshard.ActiveConnections() }, 500*time.Millisecond)

	logger.Info().Msg("gridserver shut down")
}

// routerShardTarget is an alias of the same interface literal that
// router's unexported shardTarget aliases, so a []routerShardTarget built
// here is the identical type router.New expects. Two defined interface
// types would be distinct types even with equal method sets; the aliases
// on both sides are what make the slice assignable.
type routerShardTarget = interface {
	Accept(conn net.Conn, uid, name, token string) *connshard.Client
}

func splitBrokers(raw string) []string {
	out := make([]string, 0)
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
