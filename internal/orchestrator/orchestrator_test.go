package orchestrator

import (
	"sync"
	"testing"
	"time"

	"github.com/kimlab/isi-acquire/internal/camera"
	"github.com/kimlab/isi-acquire/internal/recorder"
)

type fakeLibrary struct {
	status string
}

func (l *fakeLibrary) Status() string { return l.status }
func (l *fakeLibrary) Pregenerate(progress func(direction string)) error {
	l.status = "ready"
	return nil
}

type fakeCamera struct {
	mu         sync.Mutex
	streaming  bool
	started    bool
	lastRecorder camera.RecorderSink
}

func (c *fakeCamera) Streaming() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.streaming }
func (c *fakeCamera) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	c.streaming = true
	return nil
}
func (c *fakeCamera) SetRecorder(r camera.RecorderSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRecorder = r
}

type fakePlayer struct {
	mu       sync.Mutex
	started  []string
	baseline int
	stopped  int
	done     chan struct{}
}

func (p *fakePlayer) Start(direction string) error {
	p.mu.Lock()
	p.started = append(p.started, direction)
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(done)
	}()
	return nil
}
func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
}
func (p *fakePlayer) DisplayBaseline() error {
	p.mu.Lock()
	p.baseline++
	p.mu.Unlock()
	return nil
}
func (p *fakePlayer) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

type fakeSyncTracker struct{ cleared int }

func (s *fakeSyncTracker) Clear() { s.cleared++ }

type fakeRecorder struct {
	writes int
	closed bool
}

func (r *fakeRecorder) WriteCameraFrame(frameID uint64, data []byte, captureTimestampNs int64) error {
	r.writes++
	return nil
}
func (r *fakeRecorder) WriteStimulusEvent(e recorder.StimulusEvent) error { return nil }
func (r *fakeRecorder) Flush() error                                     { return nil }
func (r *fakeRecorder) Close() error                                     { r.closed = true; return nil }

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEvents) Publish(eventType string, payload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeLibrary, *fakeCamera, *fakePlayer, *fakeEvents) {
	t.Helper()
	lib := &fakeLibrary{status: "ready"}
	cam := &fakeCamera{}
	ply := &fakePlayer{}
	tracker := &fakeSyncTracker{}
	events := &fakeEvents{}

	factory := func(sessionDir, direction string, trialSeq, frameSize int) (Recorder, error) {
		return &fakeRecorder{}, nil
	}

	o := New(lib, cam, ply, tracker, factory, events, nil, Config{SessionRootDir: t.TempDir()}, nil)
	return o, lib, cam, ply, events
}

func TestStartPreviewEntersPreviewState(t *testing.T) {
	o, _, cam, ply, events := newTestOrchestrator(t)

	if err := o.StartPreview("LR"); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}
	if o.State() != StatePreview {
		t.Fatalf("expected StatePreview, got %v", o.State())
	}
	if !cam.started {
		t.Fatal("expected camera to have been started")
	}
	if len(ply.started) != 1 || ply.started[0] != "LR" {
		t.Fatalf("expected player started with LR, got %v", ply.started)
	}
	found := false
	for _, e := range events.events {
		if e == "preview_started" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected preview_started event published")
	}
}

func TestStartPreviewTwiceFails(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(t)
	if err := o.StartPreview("LR"); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}
	if err := o.StartPreview("LR"); err != ErrAlreadyPreviewing {
		t.Fatalf("expected ErrAlreadyPreviewing, got %v", err)
	}
}

func TestStartRecordRunsToCompletion(t *testing.T) {
	o, _, _, _, events := newTestOrchestrator(t)

	session, err := o.StartRecord(Plan{
		Directions:    []string{"LR", "TB"},
		Repetitions:   1,
		BaselineSec:   0.01,
		InterTrialSec: 0.01,
	})
	if err != nil {
		t.Fatalf("StartRecord: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected a non-empty session id")
	}

	deadline := time.Now().Add(2 * time.Second)
	for o.State() != StateIdle && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	final := o.Session()
	if len(final.DirectionsCompleted) != 2 {
		t.Fatalf("expected 2 directions completed, got %v", final.DirectionsCompleted)
	}

	foundComplete := false
	for _, e := range events.events {
		if e == "acquisition_progress" {
			foundComplete = true
		}
	}
	if !foundComplete {
		t.Fatal("expected at least one acquisition_progress event")
	}
}

func TestStartRecordWhileRecordingFails(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(t)
	if _, err := o.StartRecord(Plan{Directions: []string{"LR"}, Repetitions: 1, BaselineSec: 1, InterTrialSec: 1}); err != nil {
		t.Fatalf("StartRecord: %v", err)
	}
	if _, err := o.StartRecord(Plan{Directions: []string{"TB"}, Repetitions: 1}); err != ErrAlreadyRecording {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}
	o.Stop()
}

func TestHandleLibraryInvalidatedStopsPreview(t *testing.T) {
	o, _, _, ply, events := newTestOrchestrator(t)
	if err := o.StartPreview("LR"); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}

	o.HandleLibraryInvalidated("stimulus parameter changed")

	if o.State() != StateIdle {
		t.Fatalf("expected StateIdle after invalidation, got %v", o.State())
	}
	ply.mu.Lock()
	stopped := ply.stopped
	ply.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("expected player.Stop to be called once, got %d", stopped)
	}

	var sawInvalidated, sawStopped bool
	for _, e := range events.events {
		if e == "library_invalidated" {
			sawInvalidated = true
		}
		if e == "preview_stopped" {
			sawStopped = true
		}
	}
	if !sawInvalidated || !sawStopped {
		t.Fatalf("expected library_invalidated and preview_stopped events, got %v", events.events)
	}
}

func TestHandleLibraryInvalidatedDuringRecordingOnlyBroadcasts(t *testing.T) {
	o, _, _, ply, events := newTestOrchestrator(t)
	if _, err := o.StartRecord(Plan{Directions: []string{"LR"}, Repetitions: 1, BaselineSec: 5, InterTrialSec: 1}); err != nil {
		t.Fatalf("StartRecord: %v", err)
	}

	o.HandleLibraryInvalidated("stimulus parameter changed")

	ply.mu.Lock()
	stopped := ply.stopped
	ply.mu.Unlock()
	if stopped != 0 {
		t.Fatalf("expected the in-flight recording's player not to be stopped, got %d stops", stopped)
	}

	found := false
	for _, e := range events.events {
		if e == "library_invalidated" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected library_invalidated event published")
	}
	o.Stop()
}

func TestStopDuringInitialBaselineReturnsToIdle(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(t)
	if _, err := o.StartRecord(Plan{Directions: []string{"LR", "TB"}, Repetitions: 1, BaselineSec: 5, InterTrialSec: 1}); err != nil {
		t.Fatalf("StartRecord: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := o.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for o.State() != StateIdle && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if o.State() != StateIdle {
		t.Fatalf("expected StateIdle after Stop, got %v", o.State())
	}
}
