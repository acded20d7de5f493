// Command gridbot drives a fleet of headless players against a running
// gridserver, using the exact same pkg/client logic a browser tab would:
// a reconnecting transport, a viewport reconciler, a bounded tile cache,
// and a write outbox. Traffic generated this way exercises the same code
// paths a real client does, not a hand-rolled approximation of one.
//
// Grounded on loadtest/main.go's flag parsing, ramp-up-then-sustain
// phases, and periodic reporting, generalized from a raw gorilla/websocket
// dial + ad-hoc JSON messages to pkg/client's typed transport and the
// binary internal/wire protocol.
package main

import (
	"flag"
	"log"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/tilecodec"
	"github.com/adred-codev/gridcore/internal/wire"
	"github.com/adred-codev/gridcore/pkg/client"
)

type botConfig struct {
	URL          string
	BotCount     int
	RampRate     int // bots started per second
	SustainSec   int
	ReportSec    int
	SetCellEvery time.Duration
	MoveEvery    time.Duration
	WorldSpan    int64 // bots start at a random position within [-WorldSpan, WorldSpan]
}

var (
	totalBots       int64
	messagesRcvd    int64
	setCellsSent    int64
	reconnectEvents int64
)

func main() {
	cfg := parseFlags()

	log.Printf("gridbot: starting %d bots against %s (ramp %d/sec, sustain %ds)",
		cfg.BotCount, cfg.URL, cfg.RampRate, cfg.SustainSec)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go rampUp(cfg, done)
	go periodicReport(cfg)

	select {
	case <-sigCh:
		log.Printf("gridbot: shutdown signal received")
	case <-time.After(time.Duration(cfg.SustainSec) * time.Second):
		log.Printf("gridbot: sustain duration elapsed")
	}
	close(done)
	printReport()
}

func parseFlags() botConfig {
	var cfg botConfig
	flag.StringVar(&cfg.URL, "url", getEnv("GRIDBOT_URL", "ws://localhost:8080/ws"), "gridserver WebSocket URL")
	flag.IntVar(&cfg.BotCount, "bots", getEnvInt("GRIDBOT_COUNT", 50), "number of bots to run")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("GRIDBOT_RAMP_RATE", 10), "bots started per second")
	flag.IntVar(&cfg.SustainSec, "duration", getEnvInt("GRIDBOT_DURATION", 300), "sustain duration in seconds")
	flag.IntVar(&cfg.ReportSec, "report-interval", 10, "report interval in seconds")
	setCellMs := flag.Int("setcell-interval-ms", 2000, "milliseconds between a bot's setCell attempts")
	moveMs := flag.Int("move-interval-ms", 1000, "milliseconds between a bot's viewport moves")
	flag.Int64Var(&cfg.WorldSpan, "world-span", 2000, "world-coordinate span bots wander within")
	flag.Parse()

	cfg.SetCellEvery = time.Duration(*setCellMs) * time.Millisecond
	cfg.MoveEvery = time.Duration(*moveMs) * time.Millisecond
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func rampUp(cfg botConfig, done chan struct{}) {
	batchInterval := time.Second / time.Duration(max(cfg.RampRate, 1))
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	started := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if started >= cfg.BotCount {
				return
			}
			id := started
			started++
			go runBot(id, cfg, done)
		}
	}
}

func periodicReport(cfg botConfig) {
	ticker := time.NewTicker(time.Duration(cfg.ReportSec) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		printReport()
	}
}

func printReport() {
	log.Printf("gridbot: bots=%d messages=%d setCells=%d reconnects=%d",
		atomic.LoadInt64(&totalBots), atomic.LoadInt64(&messagesRcvd),
		atomic.LoadInt64(&setCellsSent), atomic.LoadInt64(&reconnectEvents))
}

// bot is one headless player: the same tile store, reconciler, and
// outbox a browser tab would carry, driven by a random-walk viewport and
// occasional setCell attempts.
type bot struct {
	id         int
	store      *client.TileStore
	reconciler *client.Reconciler
	outbox     *client.Outbox
	transport  *client.Transport
	x, y       int64
}

func runBot(id int, cfg botConfig, done <-chan struct{}) {
	atomic.AddInt64(&totalBots, 1)
	defer atomic.AddInt64(&totalBots, -1)

	u, err := url.Parse(cfg.URL)
	if err != nil {
		log.Printf("gridbot[%d]: bad URL: %v", id, err)
		return
	}

	b := &bot{
		id:         id,
		store:      client.NewTileStore(256),
		reconciler: client.NewReconciler(),
		outbox:     client.NewOutbox(),
		x:          rand.Int63n(2*cfg.WorldSpan) - cfg.WorldSpan,
		y:          rand.Int63n(2*cfg.WorldSpan) - cfg.WorldSpan,
	}

	b.transport = client.NewTransport(client.TransportConfig{
		URL: u.String(),
		OnOpen: func(reconnected bool) {
			if reconnected {
				atomic.AddInt64(&reconnectEvents, 1)
				b.reconciler.ResetOnReconnect()
			}
			b.reconcileViewport()
		},
		OnMessage: b.handleMessage,
	})
	defer b.transport.Close()

	moveTicker := time.NewTicker(cfg.MoveEvery)
	defer moveTicker.Stop()
	setCellTicker := time.NewTicker(cfg.SetCellEvery)
	defer setCellTicker.Stop()
	replayTicker := time.NewTicker(5 * time.Second)
	defer replayTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-moveTicker.C:
			b.wander()
			b.reconcileViewport()
		case <-setCellTicker.C:
			b.maybeSetCell()
		case <-replayTicker.C:
			b.replayOutbox()
		}
	}
}

func (b *bot) wander() {
	b.x += rand.Int63n(9) - 4
	b.y += rand.Int63n(9) - 4
}

func (b *bot) viewport() client.Viewport {
	const halfSpan = domain.TileSize * 2
	return client.Viewport{
		MinX: b.x - halfSpan, MinY: b.y - halfSpan,
		MaxX: b.x + halfSpan, MaxY: b.y + halfSpan,
	}
}

func (b *bot) reconcileViewport() {
	diff := b.reconciler.Reconcile(b.viewport())
	if len(diff.ToSub) > 0 {
		b.transport.Send(wire.Sub{Tiles: diff.ToSub})
	}
	if len(diff.ToUnsub) > 0 {
		b.transport.Send(wire.Unsub{Tiles: diff.ToUnsub})
		for _, t := range diff.ToUnsub {
			b.store.Evict(t)
		}
	}
}

func (b *bot) maybeSetCell() {
	tile := domain.TileOf(b.x, b.y)
	if !b.reconciler.Subscribed(tile) {
		return
	}
	i := domain.CellIndexOf(b.x, b.y)
	v := uint8(rand.Intn(2))
	op := strconv.Itoa(b.id) + "-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	b.transport.Send(wire.SetCell{Tile: tile, I: uint16(i), V: v, Op: op})
	b.outbox.Record(tile, i, v, op, time.Now())
	atomic.AddInt64(&setCellsSent, 1)
}

func (b *bot) replayOutbox() {
	for _, e := range b.outbox.DrainForReplay(time.Now(), 16) {
		b.transport.Send(wire.SetCell{Tile: e.Tile, I: uint16(e.I), V: e.V, Op: e.Op})
	}
}

func (b *bot) handleMessage(msg wire.Message) {
	atomic.AddInt64(&messagesRcvd, 1)
	switch m := msg.(type) {
	case wire.TileSnap:
		bits, err := tilecodec.DecodeRLE64(string(m.Bits))
		if err != nil {
			return
		}
		b.store.SetSnapshot(m.Tile, client.TileBits(bits), m.Ver)
	case wire.CellUp:
		b.outbox.Observe(m.Tile, domain.CellIndex(m.I), m.V)
		if res := b.store.ApplySingle(m.Tile, domain.CellIndex(m.I), m.V, m.Ver); res.Gap {
			b.transport.Send(wire.ResyncTile{Tile: m.Tile, HaveVer: haveVerOf(res)})
		}
	case wire.CellUpBatch:
		for _, op := range m.Ops {
			b.outbox.Observe(m.Tile, domain.CellIndex(op.I), op.V)
		}
		if res := b.store.ApplyBatch(m.Tile, m.FromVer, m.ToVer, m.Ops); res.Gap {
			b.transport.Send(wire.ResyncTile{Tile: m.Tile, HaveVer: haveVerOf(res)})
		}
	case wire.Err:
		if m.Code == wire.ErrSubLimit || m.Code == wire.ErrChurnLimit {
			// Shed load rather than retry immediately into the same limit.
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// haveVerOf turns an ApplyResult's HaveVer (-1 meaning "not held locally")
// into the uint32 a resyncTile's HaveVer field carries, clamped to 0.
func haveVerOf(res client.ApplyResult) uint32 {
	if res.HaveVer < 0 {
		return 0
	}
	return uint32(res.HaveVer)
}
