// Package audit publishes a best-effort record of every accepted setCell
// to Kafka, entirely off the write and broadcast path (SPEC_FULL.md's
// domain stack: a publish failure is logged and dropped, never retried
// inline and never gating the client's reply).
//
// Grounded on the teacher's internal/shared/kafka/consumer.go, which
// wraps twmb/franz-go's kgo.Client for consuming; this package wraps the
// same client for producing, the mirror-image use of the identical
// library.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Record is the wire shape of one audit event.
type Record struct {
	Tile string `json:"tile"`
	I    int    `json:"i"`
	V    uint8  `json:"v"`
	UID  string `json:"uid"`
	AtMs int64  `json:"atMs"`
	Ver  uint32 `json:"ver"`
}

const topic = "gridcore.audit.cell"
const publishTimeout = 2 * time.Second

// producer is the subset of *kgo.Client a Sink needs, declared locally
// so tests can supply a recording fake instead of a live broker.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Close()
}

// pauseChecker is the subset of *resourceguard.Guard a Sink needs,
// declared locally so tests can fake it without importing resourceguard.
type pauseChecker interface {
	ShouldPauseBackgroundWork() bool
}

// Sink publishes accepted-op audit records to Kafka. Auditing is disabled
// by handing the tile owners NilFunc instead of a Sink's Func, which is
// what cmd/gridserver does when GRIDCORE_KAFKA_BROKERS=""
// (config.Config.KafkaBroker).
type Sink struct {
	client producer
	logger zerolog.Logger
	pause  pauseChecker
}

// SetPauseChecker wires p as the load signal publish consults to shed
// audit records under CPU pressure, letting the write/broadcast path stay
// unaffected while this strictly-non-critical background actor backs off.
func (s *Sink) SetPauseChecker(p pauseChecker) { s.pause = p }

// New connects a Sink to brokers. Client construction errors are returned
// to the caller; cmd/gridserver treats one as fatal at boot.
func New(brokers []string, logger zerolog.Logger) (*Sink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, err
	}
	return &Sink{client: client, logger: logger.With().Str("component", "audit").Logger()}, nil
}

// Func returns a tileowner.AuditFunc closing over this sink. Its
// signature is duplicated rather than imported from tileowner to keep
// this package's dependency direction one-way (tileowner does not know
// audit exists; audit does not know tileowner's Owner type).
func (s *Sink) Func() func(tile domain.TileKey, i domain.CellIndex, v uint8, uid string, atMs int64, ver uint32) {
	return func(tile domain.TileKey, i domain.CellIndex, v uint8, uid string, atMs int64, ver uint32) {
		s.publish(Record{Tile: tile.String(), I: int(i), V: v, UID: uid, AtMs: atMs, Ver: ver})
	}
}

func (s *Sink) publish(rec Record) {
	if s.pause != nil && s.pause.ShouldPauseBackgroundWork() {
		telemetry.AuditRecordsShed.Inc()
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		telemetry.AuditPublishFailures.Inc()
		s.logger.Warn().Err(err).Msg("audit: marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	s.client.Produce(ctx, &kgo.Record{Value: data}, func(_ *kgo.Record, err error) {
		cancel()
		if err != nil {
			telemetry.AuditPublishFailures.Inc()
			s.logger.Warn().Err(err).Str("tile", rec.Tile).Msg("audit: publish failed, dropped")
		}
	})
}

// Close releases the underlying Kafka client.
func (s *Sink) Close() { s.client.Close() }

// NilFunc is the AuditFunc to use when auditing is disabled, so callers
// never need a nil check of their own beyond "did config enable this".
func NilFunc(domain.TileKey, domain.CellIndex, uint8, string, int64, uint32) {}
