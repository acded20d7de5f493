package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adred-codev/gridcore/internal/domain"
)

// LocalKV is the simplest Store: one JSON file per field, per tile, under a
// base directory. It has no external dependency, which is exactly why it is
// the strategy MigratingBlob falls back to and migrates away from.
type LocalKV struct {
	baseDir string
	mu      sync.Mutex // serializes file writes; Store itself is not expected to be hot
}

// NewLocalKV creates a LocalKV rooted at baseDir, creating it if absent.
func NewLocalKV(baseDir string) (*LocalKV, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("localkv: create base dir: %w", err)
	}
	return &LocalKV{baseDir: baseDir}, nil
}

func (kv *LocalKV) snapshotPath(tile domain.TileKey) string {
	return filepath.Join(kv.baseDir, fmt.Sprintf("tile_%d_%d.snapshot.json", tile.TX, tile.TY))
}

func (kv *LocalKV) subscribersPath(tile domain.TileKey) string {
	return filepath.Join(kv.baseDir, fmt.Sprintf("tile_%d_%d.subscribers.json", tile.TX, tile.TY))
}

func (kv *LocalKV) Load(tile domain.TileKey) (Loaded, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var loaded Loaded

	if b, err := os.ReadFile(kv.snapshotPath(tile)); err == nil {
		var snap Snapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			return Loaded{}, fmt.Errorf("localkv: decode snapshot: %w", err)
		}
		loaded.Snapshot = &snap
	} else if !os.IsNotExist(err) {
		return Loaded{}, fmt.Errorf("localkv: read snapshot: %w", err)
	}

	if b, err := os.ReadFile(kv.subscribersPath(tile)); err == nil {
		var subs []string
		if err := json.Unmarshal(b, &subs); err != nil {
			return Loaded{}, fmt.Errorf("localkv: decode subscribers: %w", err)
		}
		loaded.Subscribers = subs
	} else if !os.IsNotExist(err) {
		return Loaded{}, fmt.Errorf("localkv: read subscribers: %w", err)
	}

	return loaded, nil
}

func (kv *LocalKV) SaveSnapshot(tile domain.TileKey, snap Snapshot) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("localkv: encode snapshot: %w", err)
	}
	return writeFileAtomic(kv.snapshotPath(tile), b)
}

func (kv *LocalKV) SaveSubscribers(tile domain.TileKey, subscribers []string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	b, err := json.Marshal(subscribers)
	if err != nil {
		return fmt.Errorf("localkv: encode subscribers: %w", err)
	}
	return writeFileAtomic(kv.subscribersPath(tile), b)
}

// writeFileAtomic writes via a temp file + rename so a crash mid-write never
// leaves a corrupt snapshot for the next Load to choke on.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
