package synctrack

import (
	"sync"
	"testing"
)

func TestRecordAndSnapshot(t *testing.T) {
	tr := New(10)
	tr.RecordStimulus(StimulusEvent{FrameIndex: 0, Direction: "LR", AngleDegrees: -30})
	tr.RecordCamera(1, 1000)

	snap := tr.Snapshot()
	if len(snap.Stimulus) != 1 || len(snap.Camera) != 1 {
		t.Fatalf("expected 1 entry per stream, got %d stimulus, %d camera", len(snap.Stimulus), len(snap.Camera))
	}
}

func TestBoundedEvictsOldest(t *testing.T) {
	tr := New(3)
	for i := 0; i < 5; i++ {
		tr.RecordCamera(uint64(i), int64(i))
	}
	snap := tr.Snapshot()
	if len(snap.Camera) != 3 {
		t.Fatalf("expected bounded length 3, got %d", len(snap.Camera))
	}
	if snap.Camera[0].FrameID != 2 || snap.Camera[2].FrameID != 4 {
		t.Fatalf("expected oldest two entries evicted, got %+v", snap.Camera)
	}
}

func TestClearEmptiesBothStreams(t *testing.T) {
	tr := New(10)
	tr.RecordStimulus(StimulusEvent{FrameIndex: 0})
	tr.RecordCamera(0, 0)
	tr.Clear()
	snap := tr.Snapshot()
	if len(snap.Stimulus) != 0 || len(snap.Camera) != 0 {
		t.Fatal("expected both streams empty after Clear")
	}
}

func TestConcurrentRecordIsRaceFree(t *testing.T) {
	tr := New(1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tr.RecordCamera(uint64(n), int64(n))
		}(i)
	}
	wg.Wait()
	if len(tr.Snapshot().Camera) != 50 {
		t.Fatalf("expected 50 camera entries, got %d", len(tr.Snapshot().Camera))
	}
}
