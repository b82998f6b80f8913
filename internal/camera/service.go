// Package camera implements the Camera Service: the science-camera capture
// loop that feeds the Frame Bus, the active Recorder, and the Sync Tracker.
// This is a separate, grayscale-only pipeline from any preview/VTubing
// camera path — no color conversion, no mirroring, no landmark processing.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Timestamp source tags recorded alongside every captured frame.
const (
	TimestampHardware = "hardware"
	TimestampSoftware = "software_dev_mode"
)

// HardwareTimestampUnavailableError is returned by Open when DevMode is
// false and the opened device cannot report a hardware capture clock.
// Production acquisition must not silently fall back to host time because
// the Sync Tracker's drift diagnostics assume a single timestamp source for
// the whole session.
type HardwareTimestampUnavailableError struct {
	DeviceID int
}

func (e *HardwareTimestampUnavailableError) Error() string {
	return fmt.Sprintf("camera: device %d does not report hardware timestamps", e.DeviceID)
}

// Device is the capture backend abstraction; GocvDevice is the only
// production implementation, built behind a cgo tag.
type Device interface {
	Open(deviceID, width, height, fps int) (hardwareTimestamps bool, err error)
	ReadGray() (data []byte, width, height int, devicePosMsec float64, err error)
	Close() error
}

// FrameBus is the subset of *framebus.Bus the Camera Service depends on.
type FrameBus interface {
	WriteCameraFrame(payload []byte, meta CameraFrameMeta) (uint64, error)
}

// CameraFrameMeta mirrors framebus.CameraFrameMeta; declared locally so this
// package depends on the Frame Bus only through the narrow FrameBus
// interface above, not its concrete package.
type CameraFrameMeta struct {
	CaptureTimestampNs int64
	TimestampSource    string
	ExposureUs         int64
	Gain               float64
	Width              int
	Height             int
	Channels           int
	CameraName         string
}

// RecorderSink receives frames while a recording session is active.
type RecorderSink interface {
	WriteCameraFrame(frameID uint64, data []byte, captureTimestampNs int64) error
}

// SyncTracker receives a timestamp for every captured camera frame.
type SyncTracker interface {
	RecordCamera(frameID uint64, captureTimestampNs int64)
}

// Config configures the capture loop.
type Config struct {
	DeviceID     int
	WidthPx      int
	HeightPx     int
	FPS          int
	CameraName   string
	DevMode      bool // allow software timestamps when hardware clock is unavailable
	CropToSquare bool
}

type state int

const (
	stateIdle state = iota
	stateStreaming
	stateStopped
	stateClosed
)

// Service owns the capture goroutine and fans captured frames out to the
// Frame Bus, the active Recorder, and the Sync Tracker.
type Service struct {
	log    *zap.SugaredLogger
	device Device
	bus    FrameBus

	cfg        Config
	timestampSource string

	mu          sync.RWMutex
	st          state
	recorder    RecorderSink
	syncTracker SyncTracker
	subscribers []chan CapturedFrame
	lastPublish time.Time
	frameCount  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CapturedFrame is delivered to in-process subscribers (e.g. a live
// histogram preview) alongside bus publication.
type CapturedFrame struct {
	FrameID            uint64
	Data               []byte
	Width, Height      int
	CaptureTimestampNs int64
}

// New wires a Service around device (not yet opened) and bus.
func New(device Device, bus FrameBus, cfg Config, log *zap.SugaredLogger) *Service {
	return &Service{device: device, bus: bus, cfg: cfg, log: log, st: stateIdle}
}

// Open opens the underlying device and determines the session's timestamp
// source. In production mode (DevMode=false) a device without a hardware
// clock is rejected outright.
func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hw, err := s.device.Open(s.cfg.DeviceID, s.cfg.WidthPx, s.cfg.HeightPx, s.cfg.FPS)
	if err != nil {
		return err
	}
	if !hw && !s.cfg.DevMode {
		s.device.Close()
		return &HardwareTimestampUnavailableError{DeviceID: s.cfg.DeviceID}
	}
	if hw {
		s.timestampSource = TimestampHardware
	} else {
		s.timestampSource = TimestampSoftware
		if s.log != nil {
			s.log.Warnw("camera: device has no hardware clock, substituting host monotonic time",
				"device_id", s.cfg.DeviceID, "timestamp_source", TimestampSoftware)
		}
	}
	return nil
}

// SetRecorder attaches or detaches (nil) the active Recorder sink. Safe to
// call while streaming.
func (s *Service) SetRecorder(r RecorderSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// SetSyncTracker attaches the Sync Tracker. Must be called before Start.
func (s *Service) SetSyncTracker(t SyncTracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncTracker = t
}

// Subscribe returns a channel of captured frames for in-process consumers
// such as a live preview histogram. Lossy: a slow subscriber drops frames.
func (s *Service) Subscribe() <-chan CapturedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan CapturedFrame, 4)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Start begins the capture loop in a dedicated goroutine.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st == stateStreaming {
		return errors.New("camera: already streaming")
	}
	if s.st == stateClosed {
		return errors.New("camera: service closed")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.st = stateStreaming
	s.wg.Add(1)
	go s.captureLoop()
	return nil
}

// Stop halts the capture loop and waits for it to exit.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.st != stateStreaming {
		s.mu.Unlock()
		return errors.New("camera: not streaming")
	}
	s.cancel()
	s.st = stateStopped
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// Close stops capture (if running) and releases the device.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.st == stateStreaming {
		s.cancel()
		s.mu.Unlock()
		s.wg.Wait()
		s.mu.Lock()
	}
	s.st = stateClosed
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.mu.Unlock()
	return s.device.Close()
}

// Streaming reports the health signal: the capture thread is alive and a
// frame has been published within the last 2 seconds.
func (s *Service) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st == stateStreaming && time.Since(s.lastPublish) < 2*time.Second
}

func (s *Service) captureLoop() {
	defer s.wg.Done()

	interval := time.Second / time.Duration(maxInt(s.cfg.FPS, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.captureOne()
		}
	}
}

func (s *Service) captureOne() {
	data, width, height, devicePosMsec, err := s.device.ReadGray()
	if err != nil {
		if s.log != nil {
			s.log.Warnw("camera: read failed", "error", err)
		}
		return
	}

	var captureNs int64
	if s.timestampSource == TimestampHardware {
		captureNs = int64(devicePosMsec * float64(time.Millisecond))
	} else {
		captureNs = time.Now().UnixNano()
	}

	s.mu.Lock()
	frameID := s.frameCount
	s.frameCount++
	recorder := s.recorder
	tracker := s.syncTracker
	s.mu.Unlock()

	// The Recorder and Sync Tracker see every captured frame regardless of
	// what happens downstream: the Frame Bus publish is lossy by design, but
	// a captured frame must never be withheld from the Recorder because of
	// that — recorder/tracker fan-out happens before the bus write, and a
	// publish failure below does not unwind it.
	if recorder != nil {
		if err := recorder.WriteCameraFrame(frameID, data, captureNs); err != nil && s.log != nil {
			s.log.Warnw("camera: recorder write failed", "error", err)
		}
	}
	if tracker != nil {
		tracker.RecordCamera(frameID, captureNs)
	}

	_, err = s.bus.WriteCameraFrame(data, CameraFrameMeta{
		CaptureTimestampNs: captureNs,
		TimestampSource:    s.timestampSource,
		Width:              width,
		Height:             height,
		Channels:           1,
		CameraName:         s.cfg.CameraName,
	})
	if err != nil {
		if s.log != nil {
			s.log.Warnw("camera: bus publish failed", "error", err)
		}
		return
	}

	s.mu.Lock()
	s.lastPublish = time.Now()
	s.mu.Unlock()

	s.mu.RLock()
	subs := s.subscribers
	s.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- CapturedFrame{FrameID: frameID, Data: data, Width: width, Height: height, CaptureTimestampNs: captureNs}:
		default:
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
