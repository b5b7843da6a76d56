package telemetry

import (
	"errors"
	"testing"
	"time"
)

func TestRecordOperationCounters(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	recorder.RecordOperation("update", "orders", 10*time.Millisecond, nil)
	recorder.RecordOperation("update", "orders", 30*time.Millisecond, errors.New("boom"))

	summary := recorder.Snapshot()
	if len(summary.Operations) != 1 {
		t.Fatalf("operations = %d, want 1", len(summary.Operations))
	}
	op := summary.Operations[0]
	if op.SuccessCount != 1 || op.FailureCount != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", op.SuccessCount, op.FailureCount)
	}
	if op.LastStatus != "error" || op.LastError != "boom" {
		t.Fatalf("last = %s/%s, want error/boom", op.LastStatus, op.LastError)
	}
	if op.AverageDurationMs != 20 {
		t.Fatalf("average = %dms, want 20", op.AverageDurationMs)
	}
}

func TestRecordEmitAndDrops(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	recorder.RecordEmit(3)
	recorder.RecordEmit(0)
	recorder.RecordDrop("backpressure")

	summary := recorder.Snapshot()
	if summary.Emit.Emits != 2 || summary.Emit.Deliveries != 3 {
		t.Fatalf("emit = %+v, want 2 emits 3 deliveries", summary.Emit)
	}
	if summary.Emit.Drops != 1 || summary.Emit.LastReason != "backpressure" {
		t.Fatalf("drops = %+v, want 1 backpressure", summary.Emit)
	}
}

func TestRecordStreamChurn(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	recorder.RecordStreamConnect("snapshots")
	recorder.RecordStreamConnect("snapshots")
	recorder.RecordStreamDisconnect("snapshots")

	summary := recorder.Snapshot()
	if len(summary.Streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(summary.Streams))
	}
	stream := summary.Streams[0]
	if stream.Connects != 2 || stream.Disconnects != 1 || stream.Active != 1 {
		t.Fatalf("stream = %+v, want 2 connects 1 disconnect 1 active", stream)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	t.Parallel()

	var recorder *Recorder
	recorder.RecordOperation("update", "orders", time.Millisecond, nil)
	recorder.RecordEmit(1)
	recorder.RecordDrop("closed")
	recorder.RecordStreamConnect("snapshots")
	if summary := recorder.Snapshot(); len(summary.Operations) != 0 {
		t.Fatalf("nil recorder produced %+v", summary)
	}
}
