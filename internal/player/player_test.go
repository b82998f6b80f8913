package player

import (
	"sync"
	"testing"
	"time"
)

type fakeLibrary struct {
	sets map[string]FrameSet
}

func (l *fakeLibrary) View(direction string) (FrameSet, bool) {
	s, ok := l.sets[direction]
	return s, ok
}

func (l *fakeLibrary) BaselineFrame() []byte {
	return []byte{128, 128, 128, 128}
}

type fakeBus struct {
	mu    sync.Mutex
	calls []StimulusFrameMeta
}

func (b *fakeBus) WriteStimulusFrame(payload []byte, meta StimulusFrameMeta) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, meta)
	return uint64(len(b.calls) - 1), nil
}

func (b *fakeBus) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type fakeTracker struct {
	mu     sync.Mutex
	events []StimulusEvent
}

func (t *fakeTracker) RecordStimulus(e StimulusEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}

func newFakePlayer() (*Player, *fakeBus) {
	lib := &fakeLibrary{sets: map[string]FrameSet{
		"LR": {
			Frames: [][]byte{{1}, {2}, {3}},
			Angles: []float64{-30, -10, 10},
		},
	}}
	bus := &fakeBus{}
	return New(lib, bus, &fakeTracker{}, Config{Width: 4, Height: 4, FPS: 200}, nil), bus
}

func TestStartUnknownDirection(t *testing.T) {
	p, _ := newFakePlayer()
	err := p.Start("NOPE")
	if _, ok := err.(*UnknownDirectionError); !ok {
		t.Fatalf("expected UnknownDirectionError, got %v", err)
	}
}

func TestStartRejectsInvalidFPS(t *testing.T) {
	lib := &fakeLibrary{sets: map[string]FrameSet{"LR": {Frames: [][]byte{{1}}, Angles: []float64{0}}}}
	p := New(lib, &fakeBus{}, nil, Config{FPS: 0}, nil)
	err := p.Start("LR")
	if _, ok := err.(*InvalidFPSError); !ok {
		t.Fatalf("expected InvalidFPSError, got %v", err)
	}
}

func TestStartPlaysAllFramesThenStops(t *testing.T) {
	p, bus := newFakePlayer()
	if err := p.Start("LR"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.IsPlaying() {
		t.Fatal("expected IsPlaying true immediately after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for bus.len() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if bus.len() != 3 {
		t.Fatalf("expected 3 frames published, got %d", bus.len())
	}

	p.Stop()
	if p.IsPlaying() {
		t.Fatal("expected IsPlaying false after Stop")
	}
}

func TestDoubleStartRejected(t *testing.T) {
	p, _ := newFakePlayer()
	if err := p.Start("LR"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if err := p.Start("LR"); err != ErrAlreadyPlaying {
		t.Fatalf("expected ErrAlreadyPlaying, got %v", err)
	}
}

func TestDisplayBaselinePublishesOnce(t *testing.T) {
	p, bus := newFakePlayer()
	if err := p.DisplayBaseline(); err != nil {
		t.Fatalf("DisplayBaseline: %v", err)
	}
	if bus.len() != 1 {
		t.Fatalf("expected 1 baseline publish, got %d", bus.len())
	}
	if !bus.calls[0].Baseline {
		t.Fatal("expected Baseline=true in published metadata")
	}
}

func TestGetStimulusAngleForCameraFrameFloorArithmetic(t *testing.T) {
	lib := &fakeLibrary{sets: map[string]FrameSet{
		"LR": {
			Frames: make([][]byte, 400),
			Angles: make([]float64, 400),
		},
	}}
	for i := range lib.sets["LR"].Angles {
		lib.sets["LR"].Angles[i] = float64(i)
	}
	p := New(lib, &fakeBus{}, nil, Config{FPS: 60}, nil)

	// spec.md §8 scenario 6: camera_fps=30, monitor_fps=60, frame 100 -> angles[200].
	angle, ok := p.GetStimulusAngleForCameraFrame(100, 30, 60, "LR")
	if !ok {
		t.Fatal("expected a match")
	}
	if angle != 200 {
		t.Fatalf("expected angle 200, got %v", angle)
	}
}

func TestGetStimulusAngleForCameraFrameOutOfRange(t *testing.T) {
	p, _ := newFakePlayer()
	if _, ok := p.GetStimulusAngleForCameraFrame(10, 30, 60, "LR"); ok {
		t.Fatal("expected out-of-range index to report no match")
	}
	if _, ok := p.GetStimulusAngleForCameraFrame(0, 30, 60, "NOPE"); ok {
		t.Fatal("expected unknown direction to report no match")
	}
}
