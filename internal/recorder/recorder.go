// Package recorder implements the per-direction HDF5 + JSON session writer:
// one Recorder owns one direction's open HDF5 handle and event buffer for
// the lifetime of a single recording trial.
package recorder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kimlab/isi-acquire/internal/h5io"
)

// StimulusEvent is one displayed-frame event appended to the JSON log.
type StimulusEvent struct {
	FrameIndex         int     `json:"frame_index"`
	Direction          string  `json:"direction"`
	AngleDegrees       float64 `json:"angle_degrees"`
	PublishTimestampNs int64   `json:"publish_timestamp_ns"`
}

// RecorderIOFailedError wraps any I/O failure during a recording phase; the
// Orchestrator treats this kind as fatal to the session.
type RecorderIOFailedError struct {
	Direction string
	Err       error
}

func (e *RecorderIOFailedError) Error() string {
	return fmt.Sprintf("recorder: I/O failed for direction %s: %v", e.Direction, e.Err)
}

func (e *RecorderIOFailedError) Unwrap() error { return e.Err }

// Manifest is written by Close and summarizes what was actually captured,
// so a partial/incomplete trial is still a legible artifact.
type Manifest struct {
	Direction          string    `json:"direction"`
	FrameCount         int       `json:"frame_count"`
	FirstTimestampNs   int64     `json:"first_timestamp_ns"`
	LastTimestampNs    int64     `json:"last_timestamp_ns"`
	SHA256             string    `json:"sha256"`
	Incomplete         bool      `json:"incomplete"`
	ClosedAt           time.Time `json:"closed_at"`
}

// Recorder owns one direction's open HDF5 frame dataset and JSON event
// buffer. It is not safe for concurrent use from more than one capture
// goroutine at a time, but WriteCameraFrame/WriteStimulusEvent/Flush/Close
// are individually mutex-guarded since the Camera Service and the
// Orchestrator call in from different goroutines.
type Recorder struct {
	mu sync.Mutex
	log *zap.SugaredLogger

	direction string
	dir       string
	h5Path    string

	h5File *h5io.File
	frames *h5io.AppendableFrameWriter
	frameSize int

	timestamps []int64
	events     []StimulusEvent

	firstTimestampNs int64
	lastTimestampNs  int64
	closed           bool
	incomplete       bool
}

// Open creates `<dir>/acquisition/<direction>_trial_NNN.h5` (trialSeq is the
// caller-assigned trial number) ready to receive frames of frameSize bytes,
// plus the sibling `<direction>_events.json` path for the event log.
func Open(dir, direction string, trialSeq int, frameSize int, log *zap.SugaredLogger) (*Recorder, error) {
	acqDir := filepath.Join(dir, "acquisition")
	if err := os.MkdirAll(acqDir, 0o755); err != nil {
		return nil, &RecorderIOFailedError{Direction: direction, Err: err}
	}

	h5Path := filepath.Join(acqDir, fmt.Sprintf("%s_trial_%03d.h5", direction, trialSeq))
	f, err := h5io.Create(h5Path)
	if err != nil {
		return nil, &RecorderIOFailedError{Direction: direction, Err: err}
	}

	frames, err := f.CreateAppendableFrames("frames", frameSize)
	if err != nil {
		f.Close()
		return nil, &RecorderIOFailedError{Direction: direction, Err: err}
	}

	return &Recorder{
		log:       log,
		direction: direction,
		dir:       dir,
		h5Path:    h5Path,
		h5File:    f,
		frames:    frames,
		frameSize: frameSize,
	}, nil
}

// WriteCameraFrame appends one camera frame and its capture timestamp.
// frameID is accepted for call-site symmetry with the Camera Service
// interface but is not itself persisted; the Frame Bus's own metadata
// stream is the place frame ids are tracked for live consumers.
func (r *Recorder) WriteCameraFrame(frameID uint64, data []byte, captureTimestampNs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return &RecorderIOFailedError{Direction: r.direction, Err: fmt.Errorf("recorder closed")}
	}
	if err := r.frames.Append(data); err != nil {
		r.incomplete = true
		return &RecorderIOFailedError{Direction: r.direction, Err: err}
	}

	r.timestamps = append(r.timestamps, captureTimestampNs)
	if r.firstTimestampNs == 0 {
		r.firstTimestampNs = captureTimestampNs
	}
	r.lastTimestampNs = captureTimestampNs
	return nil
}

// WriteStimulusEvent appends one displayed-frame event to the in-memory
// buffer; it is flushed to disk on Flush/Close.
func (r *Recorder) WriteStimulusEvent(e StimulusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return &RecorderIOFailedError{Direction: r.direction, Err: fmt.Errorf("recorder closed")}
	}
	r.events = append(r.events, e)
	return nil
}

// Flush syncs the camera timestamp dataset and the JSON event log without
// closing the recorder.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Recorder) flushLocked() error {
	if err := r.h5File.WriteInt64("capture_timestamps_ns", r.timestamps); err != nil {
		r.incomplete = true
		return &RecorderIOFailedError{Direction: r.direction, Err: err}
	}
	if err := r.writeEventsJSON(); err != nil {
		r.incomplete = true
		return &RecorderIOFailedError{Direction: r.direction, Err: err}
	}
	return nil
}

func (r *Recorder) writeEventsJSON() error {
	path := filepath.Join(r.dir, "acquisition", fmt.Sprintf("%s_events.json", r.direction))
	raw, err := json.MarshalIndent(r.events, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, raw)
}

// Close finalizes the recorder: flushes outstanding data, closes the HDF5
// handle, and writes the integrity manifest. Safe to call after a failed
// write — the manifest records incomplete=true and whatever was captured
// is preserved, never discarded.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	flushErr := r.flushLocked()

	sum, sumErr := r.checksum()
	if sumErr != nil && r.log != nil {
		r.log.Warnw("recorder: checksum failed", "direction", r.direction, "error", sumErr)
	}

	manifest := Manifest{
		Direction:        r.direction,
		FrameCount:       r.frames.Count(),
		FirstTimestampNs: r.firstTimestampNs,
		LastTimestampNs:  r.lastTimestampNs,
		SHA256:           sum,
		Incomplete:       r.incomplete || flushErr != nil,
		ClosedAt:         time.Now(),
	}
	manifestPath := filepath.Join(r.dir, "acquisition", fmt.Sprintf("%s_manifest.json", r.direction))
	if raw, err := json.MarshalIndent(manifest, "", "  "); err == nil {
		if err := writeAtomic(manifestPath, raw); err != nil && r.log != nil {
			r.log.Warnw("recorder: writing manifest failed", "direction", r.direction, "error", err)
		}
	}

	r.frames.Close()
	if err := r.h5File.Close(); err != nil && flushErr == nil {
		flushErr = &RecorderIOFailedError{Direction: r.direction, Err: err}
	}
	return flushErr
}

func (r *Recorder) checksum() (string, error) {
	data, err := os.ReadFile(r.h5Path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
