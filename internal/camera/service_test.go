package camera

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeDevice struct {
	mu          sync.Mutex
	hardware    bool
	frame       []byte
	posMsec     float64
	openErr     error
	readErr     error
	closed      bool
}

func (d *fakeDevice) Open(deviceID, width, height, fps int) (bool, error) {
	return d.hardware, d.openErr
}

func (d *fakeDevice) ReadGray() ([]byte, int, int, float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return nil, 0, 0, 0, d.readErr
	}
	return d.frame, 4, 4, d.posMsec, nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

type fakeBus struct {
	mu    sync.Mutex
	calls []CameraFrameMeta
	next  uint64
}

func (b *fakeBus) WriteCameraFrame(payload []byte, meta CameraFrameMeta) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.calls = append(b.calls, meta)
	return id, nil
}

func TestOpenRejectsSoftwareClockOutsideDevMode(t *testing.T) {
	svc := New(&fakeDevice{hardware: false}, &fakeBus{}, Config{DevMode: false, FPS: 30}, zap.NewNop().Sugar())
	err := svc.Open()
	if err == nil {
		t.Fatal("expected HardwareTimestampUnavailableError")
	}
	if _, ok := err.(*HardwareTimestampUnavailableError); !ok {
		t.Fatalf("expected HardwareTimestampUnavailableError, got %T: %v", err, err)
	}
}

func TestOpenAllowsSoftwareClockInDevMode(t *testing.T) {
	svc := New(&fakeDevice{hardware: false}, &fakeBus{}, Config{DevMode: true, FPS: 30}, zap.NewNop().Sugar())
	if err := svc.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if svc.timestampSource != TimestampSoftware {
		t.Fatalf("expected software timestamp source, got %s", svc.timestampSource)
	}
}

func TestCaptureOnePublishesAndUpdatesHealth(t *testing.T) {
	bus := &fakeBus{}
	svc := New(&fakeDevice{hardware: true, frame: []byte{1, 2, 3, 4}, posMsec: 100}, bus, Config{FPS: 30, CameraName: "sci-cam"}, zap.NewNop().Sugar())
	if err := svc.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ch := svc.Subscribe()

	svc.mu.Lock()
	svc.st = stateStreaming
	svc.mu.Unlock()

	svc.captureOne()

	if len(bus.calls) != 1 {
		t.Fatalf("expected 1 bus publish, got %d", len(bus.calls))
	}
	if bus.calls[0].TimestampSource != TimestampHardware {
		t.Fatalf("expected hardware timestamp source recorded, got %s", bus.calls[0].TimestampSource)
	}
	if !svc.Streaming() {
		t.Fatal("expected Streaming() true immediately after a publish")
	}

	select {
	case frame := <-ch:
		if frame.Width != 4 || frame.Height != 4 {
			t.Fatalf("unexpected frame dims %dx%d", frame.Width, frame.Height)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive captured frame")
	}
}

func TestRecorderAndSyncTrackerReceiveFrame(t *testing.T) {
	bus := &fakeBus{}
	svc := New(&fakeDevice{hardware: true, frame: []byte{9}, posMsec: 1}, bus, Config{FPS: 30}, zap.NewNop().Sugar())
	if err := svc.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	var recorded []uint64
	var tracked []uint64
	svc.SetRecorder(recorderFunc(func(frameID uint64, data []byte, ts int64) error {
		recorded = append(recorded, frameID)
		return nil
	}))
	svc.SetSyncTracker(trackerFunc(func(frameID uint64, ts int64) {
		tracked = append(tracked, frameID)
	}))

	svc.mu.Lock()
	svc.st = stateStreaming
	svc.mu.Unlock()
	svc.captureOne()

	if len(recorded) != 1 || len(tracked) != 1 {
		t.Fatalf("expected recorder and tracker each invoked once, got %d, %d", len(recorded), len(tracked))
	}
}

func TestRecorderReceivesFrameEvenWhenBusPublishFails(t *testing.T) {
	bus := &failingBus{}
	svc := New(&fakeDevice{hardware: true, frame: []byte{9}, posMsec: 1}, bus, Config{FPS: 30}, zap.NewNop().Sugar())
	if err := svc.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	var recorded []uint64
	svc.SetRecorder(recorderFunc(func(frameID uint64, data []byte, ts int64) error {
		recorded = append(recorded, frameID)
		return nil
	}))

	svc.mu.Lock()
	svc.st = stateStreaming
	svc.mu.Unlock()
	svc.captureOne()

	if len(recorded) != 1 {
		t.Fatalf("expected recorder to receive the frame despite a failed bus publish, got %d calls", len(recorded))
	}
}

type failingBus struct{}

func (b *failingBus) WriteCameraFrame(payload []byte, meta CameraFrameMeta) (uint64, error) {
	return 0, errors.New("bus publish failed")
}

type recorderFunc func(frameID uint64, data []byte, captureTimestampNs int64) error

func (f recorderFunc) WriteCameraFrame(frameID uint64, data []byte, captureTimestampNs int64) error {
	return f(frameID, data, captureTimestampNs)
}

type trackerFunc func(frameID uint64, captureTimestampNs int64)

func (f trackerFunc) RecordCamera(frameID uint64, captureTimestampNs int64) {
	f(frameID, captureTimestampNs)
}
