// Package synctrack implements the Sync Tracker: a bounded, append-only log
// of stimulus and camera frame timestamps used to diagnose presentation/
// capture drift during and after an acquisition run.
package synctrack

import "sync"

// DefaultCapacity bounds each stream so a long session cannot grow the log
// without bound; once full, the oldest entry is evicted per new append.
const DefaultCapacity = 100000

// StimulusEvent records a single presented stimulus frame.
type StimulusEvent struct {
	FrameIndex         int
	Direction          string
	AngleDegrees       float64
	PublishTimestampNs int64
}

// CameraEvent records a single captured camera frame.
type CameraEvent struct {
	FrameID            uint64
	CaptureTimestampNs int64
}

// Snapshot is a point-in-time, read-only copy of both streams.
type Snapshot struct {
	Stimulus []StimulusEvent
	Camera   []CameraEvent
}

// Tracker is safe for concurrent use by the Presentation Player and Camera
// Service writers and any number of snapshot readers.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	stimulus []StimulusEvent
	camera   []CameraEvent
}

// New returns a Tracker bounding each stream at capacity entries. A
// non-positive capacity uses DefaultCapacity.
func New(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{capacity: capacity}
}

// RecordStimulus appends a presented-frame event, evicting the oldest entry
// if the stream is at capacity.
func (t *Tracker) RecordStimulus(e StimulusEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stimulus = appendBounded(t.stimulus, e, t.capacity)
}

// RecordCamera appends a captured-frame event, matching the camera.SyncTracker
// interface signature so *Tracker can be wired directly into the Camera
// Service.
func (t *Tracker) RecordCamera(frameID uint64, captureTimestampNs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.camera = appendBounded(t.camera, CameraEvent{FrameID: frameID, CaptureTimestampNs: captureTimestampNs}, t.capacity)
}

// Snapshot returns a copy of both streams as they stand right now.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	stimulus := make([]StimulusEvent, len(t.stimulus))
	copy(stimulus, t.stimulus)
	cam := make([]CameraEvent, len(t.camera))
	copy(cam, t.camera)
	return Snapshot{Stimulus: stimulus, Camera: cam}
}

// Clear empties both streams, e.g. at the start of a new acquisition phase.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stimulus = nil
	t.camera = nil
}

func appendBounded[T any](s []T, v T, capacity int) []T {
	s = append(s, v)
	if len(s) > capacity {
		s = s[len(s)-capacity:]
	}
	return s
}
