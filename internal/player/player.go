// Package player implements the Presentation Player: it drives one stimulus
// direction's pre-generated frames onto the Frame Bus at the monitor's
// refresh rate, or holds a steady baseline frame, and reports one event per
// published frame to the Sync Tracker. The player keeps no Display Event log
// of its own; GetStimulusAngleForCameraFrame maps a camera frame to a
// stimulus angle by frame-rate arithmetic, not from recorded events.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Errors returned by Start.
var (
	ErrAlreadyPlaying = errors.New("player: already playing")
	ErrEmptyLibrary   = errors.New("player: stimulus library is not ready")
)

// UnknownDirectionError is returned by Start for a direction the library
// does not recognize.
type UnknownDirectionError struct{ Direction string }

func (e *UnknownDirectionError) Error() string {
	return fmt.Sprintf("player: unknown direction %q", e.Direction)
}

// InvalidFPSError is returned by Start when the configured playback fps is
// not usable for frame scheduling.
type InvalidFPSError struct{ FPS int }

func (e *InvalidFPSError) Error() string {
	return fmt.Sprintf("player: invalid fps %d", e.FPS)
}

// FrameSet is one direction's pre-generated frames and their angles, the
// shape the Stimulus Library exposes via its View method.
type FrameSet struct {
	Frames [][]byte
	Angles []float64
}

// Library is the subset of the Stimulus Library the player depends on.
type Library interface {
	View(direction string) (FrameSet, bool)
	BaselineFrame() []byte
}

// FrameBus is the subset of the Frame Bus the player publishes through.
type FrameBus interface {
	WriteStimulusFrame(payload []byte, meta StimulusFrameMeta) (uint64, error)
}

// StimulusFrameMeta mirrors framebus.StimulusFrameMeta.
type StimulusFrameMeta struct {
	FrameIndex         int
	Direction          string
	AngleDegrees       float64
	PublishTimestampNs int64
	Width              int
	Height             int
	Channels           int
	Baseline           bool
}

// SyncTracker receives one event per displayed frame.
type SyncTracker interface {
	RecordStimulus(e StimulusEvent)
}

// StimulusEvent mirrors synctrack.StimulusEvent.
type StimulusEvent struct {
	FrameIndex         int
	Direction          string
	AngleDegrees       float64
	PublishTimestampNs int64
}

// Config configures playback geometry shared across directions.
type Config struct {
	Width, Height int
	FPS           int
}

// Player drives a single active playback loop at a time.
type Player struct {
	log     *zap.SugaredLogger
	library Library
	bus     FrameBus
	tracker SyncTracker
	cfg     Config

	mu        sync.RWMutex
	playing   bool
	direction string
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Player around library and bus.
func New(library Library, bus FrameBus, tracker SyncTracker, cfg Config, log *zap.SugaredLogger) *Player {
	return &Player{library: library, bus: bus, tracker: tracker, cfg: cfg, log: log}
}

// IsPlaying reports whether a direction playback loop is currently running.
func (p *Player) IsPlaying() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.playing
}

// Start begins playing direction's pre-generated frames in a dedicated
// goroutine, scheduled against the monotonic clock at cfg.FPS.
func (p *Player) Start(direction string) error {
	if p.cfg.FPS <= 0 {
		return &InvalidFPSError{FPS: p.cfg.FPS}
	}

	set, ok := p.library.View(direction)
	if !ok {
		return &UnknownDirectionError{Direction: direction}
	}
	if len(set.Frames) == 0 {
		return ErrEmptyLibrary
	}

	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return ErrAlreadyPlaying
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.playing = true
	p.direction = direction
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	p.wg.Add(1)
	go p.playLoop(direction, set, done)
	return nil
}

// Done returns a channel closed when the current playback loop ends,
// whether it ran to completion or was cancelled via Stop. Callers should
// fetch it immediately after Start while still holding no assumption about
// a subsequent Start — it refers to the loop that was active when read.
func (p *Player) Done() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.done
}

// Stop halts the active playback loop and waits for it to exit.
func (p *Player) Stop() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.playing = false
	p.direction = ""
	p.mu.Unlock()
}

// DisplayBaseline publishes one uniform baseline frame immediately; it does
// not start a playback loop and has no effect on IsPlaying.
func (p *Player) DisplayBaseline() error {
	frame := p.library.BaselineFrame()
	_, err := p.bus.WriteStimulusFrame(frame, StimulusFrameMeta{
		Width:              p.cfg.Width,
		Height:             p.cfg.Height,
		Channels:           1,
		PublishTimestampNs: time.Now().UnixNano(),
		Baseline:           true,
	})
	return err
}

// GetStimulusAngleForCameraFrame maps a captured camera frame index to the
// stimulus angle that was on screen for direction at that moment:
// stimulusFrameIndex = floor(cameraFrameIndex * monitorFPS / cameraFPS).
// It returns false if direction is unknown or the computed index falls
// outside the direction's generated angle sequence.
func (p *Player) GetStimulusAngleForCameraFrame(cameraFrameIndex, cameraFPS, monitorFPS int, direction string) (angleDegrees float64, ok bool) {
	if cameraFrameIndex < 0 || cameraFPS <= 0 || monitorFPS <= 0 {
		return 0, false
	}
	set, ok := p.library.View(direction)
	if !ok {
		return 0, false
	}
	idx := cameraFrameIndex * monitorFPS / cameraFPS
	if idx < 0 || idx >= len(set.Angles) {
		return 0, false
	}
	return set.Angles[idx], true
}

func (p *Player) playLoop(direction string, set FrameSet, done chan struct{}) {
	defer close(done)
	defer p.wg.Done()

	interval := time.Second / time.Duration(p.cfg.FPS)
	start := time.Now()

	for i := range set.Frames {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		target := start.Add(time.Duration(i) * interval)
		if sleep := time.Until(target); sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-p.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		now := time.Now().UnixNano()
		frameID, err := p.bus.WriteStimulusFrame(set.Frames[i], StimulusFrameMeta{
			FrameIndex:         i,
			Direction:          direction,
			AngleDegrees:       set.Angles[i],
			PublishTimestampNs: now,
			Width:              p.cfg.Width,
			Height:             p.cfg.Height,
			Channels:           1,
		})
		if err != nil {
			if p.log != nil {
				p.log.Warnw("player: publish failed", "direction", direction, "frame_index", i, "error", err)
			}
			continue
		}
		_ = frameID

		if p.tracker != nil {
			p.tracker.RecordStimulus(StimulusEvent{
				FrameIndex:         i,
				Direction:          direction,
				AngleDegrees:       set.Angles[i],
				PublishTimestampNs: now,
			})
		}
	}
}
