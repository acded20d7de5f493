package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// MigratingBlob is the second TileOwnerPersistence strategy (§4.2): reads
// prefer a NATS JetStream KV bucket standing in for the out-of-scope R2/blob
// bucket API; on miss it falls back to LocalKV and lazily rewrites the
// value forward. Writes always go to the blob bucket and, during migration,
// also to LocalKV so a rollback never loses data.
type MigratingBlob struct {
	kv       nats.KeyValue
	fallback *LocalKV
	logger   zerolog.Logger
	// sampleRate is the fraction of Load calls that emit a structured
	// telemetry event (§4.2: "2% of snapshot reads").
	sampleRate float64
}

// NewMigratingBlob opens (creating if absent) the JetStream KV bucket used
// as the blob-store side of the migration.
func NewMigratingBlob(nc *nats.Conn, bucket string, fallback *LocalKV, logger zerolog.Logger) (*MigratingBlob, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("migratingblob: jetstream context: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		return nil, fmt.Errorf("migratingblob: open bucket %q: %w", bucket, err)
	}
	return &MigratingBlob{kv: kv, fallback: fallback, logger: logger, sampleRate: 0.02}, nil
}

func blobSnapshotKey(tile domain.TileKey) string {
	return fmt.Sprintf("tiles.v1.tx_%d.ty_%d", tile.TX, tile.TY)
}

func blobSubscribersKey(tile domain.TileKey) string {
	return fmt.Sprintf("tiles.v1.tx_%d.ty_%d.subscribers", tile.TX, tile.TY)
}

func (m *MigratingBlob) Load(tile domain.TileKey) (Loaded, error) {
	sampled := rand.Float64() < m.sampleRate

	var loaded Loaded

	entry, err := m.kv.Get(blobSnapshotKey(tile))
	switch {
	case err == nil:
		var snap Snapshot
		if err := json.Unmarshal(entry.Value(), &snap); err != nil {
			return Loaded{}, fmt.Errorf("migratingblob: decode snapshot: %w", err)
		}
		loaded.Snapshot = &snap
		if sampled {
			m.logger.Info().Str("tile", tile.String()).Str("source", "blob").Msg("tile snapshot read")
		}
	case errors.Is(err, nats.ErrKeyNotFound):
		fallbackLoaded, ferr := m.fallback.Load(tile)
		if ferr != nil {
			return Loaded{}, ferr
		}
		loaded.Snapshot = fallbackLoaded.Snapshot
		if sampled {
			m.logger.Info().Str("tile", tile.String()).Str("source", "localkv_fallback").Msg("tile snapshot read")
		}
		if loaded.Snapshot != nil {
			// Lazily rewrite forward so the next read hits the blob bucket.
			if werr := m.writeBlobSnapshot(tile, *loaded.Snapshot); werr != nil {
				m.logger.Warn().Err(werr).Str("tile", tile.String()).Msg("lazy snapshot migration failed")
			}
		}
	default:
		return Loaded{}, fmt.Errorf("migratingblob: get snapshot: %w", err)
	}

	subEntry, err := m.kv.Get(blobSubscribersKey(tile))
	switch {
	case err == nil:
		var subs []string
		if err := json.Unmarshal(subEntry.Value(), &subs); err != nil {
			return Loaded{}, fmt.Errorf("migratingblob: decode subscribers: %w", err)
		}
		loaded.Subscribers = subs
	case errors.Is(err, nats.ErrKeyNotFound):
		fallbackLoaded, ferr := m.fallback.Load(tile)
		if ferr != nil {
			return Loaded{}, ferr
		}
		loaded.Subscribers = fallbackLoaded.Subscribers
	default:
		return Loaded{}, fmt.Errorf("migratingblob: get subscribers: %w", err)
	}

	return loaded, nil
}

func (m *MigratingBlob) writeBlobSnapshot(tile domain.TileKey, snap Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = m.kv.Put(blobSnapshotKey(tile), b)
	return err
}

func (m *MigratingBlob) SaveSnapshot(tile domain.TileKey, snap Snapshot) error {
	if err := m.writeBlobSnapshot(tile, snap); err != nil {
		return fmt.Errorf("migratingblob: put snapshot: %w", err)
	}
	// During migration, also write LocalKV so a blob-bucket rollback loses
	// nothing.
	if err := m.fallback.SaveSnapshot(tile, snap); err != nil {
		m.logger.Warn().Err(err).Str("tile", tile.String()).Msg("dual-write to localkv failed")
	}
	return nil
}

func (m *MigratingBlob) SaveSubscribers(tile domain.TileKey, subscribers []string) error {
	b, err := json.Marshal(subscribers)
	if err != nil {
		return fmt.Errorf("migratingblob: encode subscribers: %w", err)
	}
	if _, err := m.kv.Put(blobSubscribersKey(tile), b); err != nil {
		return fmt.Errorf("migratingblob: put subscribers: %w", err)
	}
	if err := m.fallback.SaveSubscribers(tile, subscribers); err != nil {
		m.logger.Warn().Err(err).Str("tile", tile.String()).Msg("dual-write to localkv failed")
	}
	return nil
}
