package audit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/adred-codev/gridcore/internal/domain"
	"github.com/adred-codev/gridcore/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/twmb/franz-go/pkg/kgo"
)

func testCounterValue(t *testing.T) float64 {
	t.Helper()
	return testutil.ToFloat64(telemetry.AuditPublishFailures)
}

// fakeProducer records every Produce call and lets the test control
// whether the promise callback reports success or failure.
type fakeProducer struct {
	mu       sync.Mutex
	records  []*kgo.Record
	failWith error
	closed   bool
}

func (f *fakeProducer) Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	f.records = append(f.records, r)
	f.mu.Unlock()
	promise(r, f.failWith)
}

func (f *fakeProducer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeProducer) last() *kgo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return nil
	}
	return f.records[len(f.records)-1]
}

func TestSinkFuncPublishesMarshaledRecord(t *testing.T) {
	fp := &fakeProducer{}
	s := &Sink{client: fp}

	fn := s.Func()
	tile, err := domain.ParseTileKey("3:-2")
	if err != nil {
		t.Fatalf("ParseTileKey: %v", err)
	}
	fn(tile, domain.CellIndex(42), 1, "u_abc", 1234, 7)

	if fp.count() != 1 {
		t.Fatalf("expected 1 produced record, got %d", fp.count())
	}

	var rec Record
	if err := json.Unmarshal(fp.last().Value, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Tile != "3:-2" || rec.I != 42 || rec.V != 1 || rec.UID != "u_abc" || rec.AtMs != 1234 || rec.Ver != 7 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestSinkFuncCountsPublishFailure(t *testing.T) {
	failures := testCounterValue(t)

	fp := &fakeProducer{failWith: context.DeadlineExceeded}
	s := &Sink{client: fp}

	tile, _ := domain.ParseTileKey("0:0")
	s.Func()(tile, 0, 0, "u_x", 0, 0)

	if got := testCounterValue(t); got != failures+1 {
		t.Fatalf("expected AuditPublishFailures to increment by 1, went from %v to %v", failures, got)
	}
}

func TestSinkClose(t *testing.T) {
	fp := &fakeProducer{}
	s := &Sink{client: fp}
	s.Close()
	if !fp.closed {
		t.Fatal("expected Close to close the underlying producer")
	}
}

func TestNilFuncIsSafeToCall(t *testing.T) {
	tile, _ := domain.ParseTileKey("0:0")
	NilFunc(tile, 0, 0, "u_z", 0, 0) // must not panic
}

type fakePauseChecker struct{ pause bool }

func (f fakePauseChecker) ShouldPauseBackgroundWork() bool { return f.pause }

func TestPublishShedsUnderPause(t *testing.T) {
	shed := testutil.ToFloat64(telemetry.AuditRecordsShed)

	fp := &fakeProducer{}
	s := &Sink{client: fp}
	s.SetPauseChecker(fakePauseChecker{pause: true})

	tile, _ := domain.ParseTileKey("0:0")
	s.Func()(tile, 0, 0, "u_x", 0, 0)

	if fp.count() != 0 {
		t.Fatalf("expected no produced record while paused, got %d", fp.count())
	}
	if got := testutil.ToFloat64(telemetry.AuditRecordsShed); got != shed+1 {
		t.Fatalf("expected AuditRecordsShed to increment by 1, went from %v to %v", shed, got)
	}
}

func TestPublishProceedsWhenNotPaused(t *testing.T) {
	fp := &fakeProducer{}
	s := &Sink{client: fp}
	s.SetPauseChecker(fakePauseChecker{pause: false})

	tile, _ := domain.ParseTileKey("0:0")
	s.Func()(tile, 0, 0, "u_x", 0, 0)

	if fp.count() != 1 {
		t.Fatalf("expected 1 produced record when not paused, got %d", fp.count())
	}
}
