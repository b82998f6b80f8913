// Package framebus implements the cross-process Frame Bus: two bounded
// shared-memory rings (stimulus, camera), each paired with a lossy
// publish/subscribe sideband carrying the metadata a reader needs to
// interpret the bytes at a given ring offset. The ring never blocks on a
// slow or absent reader; the sideband is broadcast over a ZeroMQ PUB socket
// with a high-water mark of one, giving the same drop-if-slow semantics on
// the metadata side.
package framebus

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/go-zeromq/zmq4"
)

// StimulusFrameMeta accompanies a single write to the stimulus ring.
type StimulusFrameMeta struct {
	FrameID            uint64  `json:"frame_id"`
	FrameIndex         int     `json:"frame_index"`
	Direction          string  `json:"direction"`
	AngleDegrees       float64 `json:"angle_degrees"`
	PublishTimestampNs int64   `json:"publish_timestamp_ns"`
	Width              int     `json:"width"`
	Height             int     `json:"height"`
	Channels           int     `json:"channels"`
	OffsetBytes        int64   `json:"offset_bytes"`
	DataSizeBytes      int64   `json:"data_size_bytes"`
	ShmPath            string  `json:"shm_path"`
	Baseline           bool    `json:"baseline"`
}

// CameraFrameMeta accompanies a single write to the camera ring.
type CameraFrameMeta struct {
	FrameID             uint64  `json:"frame_id"`
	CaptureTimestampNs  int64   `json:"capture_timestamp_ns"`
	TimestampSource     string  `json:"timestamp_source"`
	ExposureUs          int64   `json:"exposure_us"`
	Gain                float64 `json:"gain"`
	Width               int     `json:"width"`
	Height              int     `json:"height"`
	Channels            int     `json:"channels"`
	OffsetBytes         int64   `json:"offset_bytes"`
	DataSizeBytes       int64   `json:"data_size_bytes"`
	ShmPath             string  `json:"shm_path"`
	CameraName          string  `json:"camera_name"`
}

// Config controls ring sizing and the shared-memory directory. StimulusSlot
// and CameraSlot must be large enough to hold one full frame payload for
// the monitor/camera resolution in effect; Bus rejects larger writes rather
// than silently truncating.
type Config struct {
	ShmDir       string
	StimulusSlot int
	CameraSlot   int
	NumSlots     int
	StimulusAddr string // zmq PUB bind address, e.g. "tcp://127.0.0.1:5602"
	CameraAddr   string
}

// Bus owns the two rings and their sideband publishers.
type Bus struct {
	log *zap.SugaredLogger

	stimulusRing *ring
	cameraRing   *ring

	stimulusPub zmq4.Socket
	cameraPub   zmq4.Socket
}

// New creates both rings under cfg.ShmDir and binds the two sideband PUB
// sockets. Readers on the same host mmap the ring files directly by path
// and subscribe to the matching PUB socket for frame metadata.
func New(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Bus, error) {
	if cfg.NumSlots <= 0 {
		cfg.NumSlots = 4
	}

	stimulusRing, err := newRing(filepath.Join(cfg.ShmDir, "isi-stimulus-ring"), cfg.StimulusSlot, cfg.NumSlots)
	if err != nil {
		return nil, err
	}
	cameraRing, err := newRing(filepath.Join(cfg.ShmDir, "isi-camera-ring"), cfg.CameraSlot, cfg.NumSlots)
	if err != nil {
		stimulusRing.close()
		return nil, err
	}

	stimulusPub, err := bindPub(ctx, cfg.StimulusAddr)
	if err != nil {
		stimulusRing.close()
		cameraRing.close()
		return nil, err
	}
	cameraPub, err := bindPub(ctx, cfg.CameraAddr)
	if err != nil {
		stimulusPub.Close()
		stimulusRing.close()
		cameraRing.close()
		return nil, err
	}

	return &Bus{
		log:          log,
		stimulusRing: stimulusRing,
		cameraRing:   cameraRing,
		stimulusPub:  stimulusPub,
		cameraPub:    cameraPub,
	}, nil
}

func bindPub(ctx context.Context, addr string) (zmq4.Socket, error) {
	sock := zmq4.NewPub(ctx, zmq4.WithHWM(1))
	if err := sock.Listen(addr); err != nil {
		return nil, fmt.Errorf("framebus: binding pub socket %s: %w", addr, err)
	}
	return sock, nil
}

// WriteStimulusFrame writes payload into the next stimulus ring slot and
// broadcasts the filled-in metadata (frame id, offset, data size, shm path)
// on the stimulus sideband. Publication is best-effort: a send error is
// logged, never returned, since a dropped metadata frame must not stall
// presentation.
func (b *Bus) WriteStimulusFrame(payload []byte, meta StimulusFrameMeta) (uint64, error) {
	id, offset, err := b.stimulusRing.write(payload)
	if err != nil {
		return 0, err
	}
	meta.FrameID = id
	meta.OffsetBytes = offset
	meta.DataSizeBytes = int64(len(payload))
	meta.ShmPath = b.stimulusRing.path
	b.publish(b.stimulusPub, meta)
	return id, nil
}

// WriteCameraFrame writes payload into the next camera ring slot and
// broadcasts the accompanying metadata on the camera sideband.
func (b *Bus) WriteCameraFrame(payload []byte, meta CameraFrameMeta) (uint64, error) {
	id, offset, err := b.cameraRing.write(payload)
	if err != nil {
		return 0, err
	}
	meta.FrameID = id
	meta.OffsetBytes = offset
	meta.DataSizeBytes = int64(len(payload))
	meta.ShmPath = b.cameraRing.path
	b.publish(b.cameraPub, meta)
	return id, nil
}

// PublishBaseline writes a uniform baseline frame to the stimulus ring,
// marked Baseline in its metadata so readers don't mistake it for a
// direction frame mid-trial.
func (b *Bus) PublishBaseline(frame []byte, width, height int, publishTimestampNs int64) (uint64, error) {
	return b.WriteStimulusFrame(frame, StimulusFrameMeta{
		Width:              width,
		Height:             height,
		Channels:           1,
		PublishTimestampNs: publishTimestampNs,
		Baseline:           true,
	})
}

func (b *Bus) publish(sock zmq4.Socket, meta any) {
	raw, err := json.Marshal(meta)
	if err != nil {
		if b.log != nil {
			b.log.Warnw("framebus: marshaling sideband metadata", "error", err)
		}
		return
	}
	if err := sock.Send(zmq4.NewMsg(raw)); err != nil {
		if b.log != nil {
			b.log.Debugw("framebus: sideband publish dropped", "error", err)
		}
	}
}

// Close releases both rings and sideband sockets.
func (b *Bus) Close() error {
	var firstErr error
	if err := b.stimulusPub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.cameraPub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.stimulusRing.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.cameraRing.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
