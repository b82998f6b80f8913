// Package orchestrator implements the Acquisition Orchestrator: the state
// machine that drives a preview or a full multi-direction recording session
// by coordinating the Stimulus Library, Presentation Player, Camera
// Service, Sync Tracker, and Recorder.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kimlab/isi-acquire/internal/camera"
	"github.com/kimlab/isi-acquire/internal/recorder"
)

// State is one node of the acquisition state machine.
type State int

const (
	StateIdle State = iota
	StateBaselineInitial
	StateStimulus
	StateInterTrial
	StateBaselineFinal
	StateComplete
	StatePreview
	StatePlayback
	StateError
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBaselineInitial:
		return "baseline_initial"
	case StateStimulus:
		return "stimulus"
	case StateInterTrial:
		return "inter_trial"
	case StateBaselineFinal:
		return "baseline_final"
	case StateComplete:
		return "complete"
	case StatePreview:
		return "preview"
	case StatePlayback:
		return "playback"
	case StateError:
		return "error"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Errors returned by the orchestrator's precondition checks.
var (
	ErrAlreadyRecording = errors.New("orchestrator: a recording session is already in progress")
	ErrAlreadyPreviewing = errors.New("orchestrator: a preview is already in progress")
	ErrNotRunning        = errors.New("orchestrator: no preview or recording session is active")
)

// Plan describes one requested recording run.
type Plan struct {
	SessionName   string
	Directions    []string
	Repetitions   int
	BaselineSec   float64
	InterTrialSec float64
}

// InterruptionPoint captures where a session stopped short, so a resume can
// be offered at the next start.
type InterruptionPoint struct {
	Direction             string
	FramesCaptured        int
	LastCameraTimestampNs int64
}

// Session is the durable record of one recording run.
type Session struct {
	ID                  string
	Name                string
	Dir                 string
	CreatedAt           time.Time
	Plan                Plan
	DirectionsCompleted []string
	InterruptionPoint   *InterruptionPoint
}

// Library is the subset of the Stimulus Library the orchestrator depends on.
type Library interface {
	Status() string
	Pregenerate(progress func(direction string)) error
}

// Camera is the subset of the Camera Service the orchestrator depends on.
type Camera interface {
	Streaming() bool
	Start() error
	SetRecorder(r camera.RecorderSink)
}

// Player is the subset of the Presentation Player the orchestrator depends
// on.
type Player interface {
	Start(direction string) error
	Stop()
	DisplayBaseline() error
	Done() <-chan struct{}
}

// SyncTracker is cleared at the start of every new session.
type SyncTracker interface {
	Clear()
}

// Recorder is the narrow interface the orchestrator drives; *recorder.Recorder
// satisfies it directly.
type Recorder interface {
	camera.RecorderSink
	WriteStimulusEvent(e recorder.StimulusEvent) error
	Flush() error
	Close() error
}

// RecorderFactory opens a new Recorder for one direction's trial.
type RecorderFactory func(sessionDir, direction string, trialSeq, frameSize int) (Recorder, error)

// EventPublisher broadcasts lifecycle events on the control/event bus.
type EventPublisher interface {
	Publish(eventType string, payload map[string]any)
}

// SessionSink is the optional Session Catalog write-through target.
type SessionSink interface {
	RecordSession(s Session) error
}

// Config configures paths and frame sizing.
type Config struct {
	SessionRootDir string
	CameraFrameSize int // bytes per captured camera frame (grayscale: width*height)
}

// Orchestrator is safe for concurrent use; only one preview or recording
// session may be active at a time.
type Orchestrator struct {
	log *zap.SugaredLogger

	library     Library
	camera      Camera
	player      Player
	syncTracker SyncTracker
	newRecorder RecorderFactory
	events      EventPublisher
	catalog     SessionSink
	cfg         Config

	mu      sync.Mutex
	state   State
	session *Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an Orchestrator around its collaborators.
func New(library Library, camera Camera, player Player, syncTracker SyncTracker, newRecorder RecorderFactory, events EventPublisher, catalog SessionSink, cfg Config, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		library:     library,
		camera:      camera,
		player:      player,
		syncTracker: syncTracker,
		newRecorder: newRecorder,
		events:      events,
		catalog:     catalog,
		cfg:         cfg,
		log:         log,
		state:       StateIdle,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Session returns a copy of the active or most recently completed session,
// or nil if none has run yet.
func (o *Orchestrator) Session() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	cp := *o.session
	cp.DirectionsCompleted = append([]string(nil), o.session.DirectionsCompleted...)
	return &cp
}

func (o *Orchestrator) ensureLibraryReady(progress func(direction string)) error {
	if o.library.Status() == "ready" {
		return nil
	}
	if o.events != nil {
		o.events.Publish("pregeneration_started", nil)
	}
	if err := o.library.Pregenerate(progress); err != nil {
		if o.events != nil {
			o.events.Publish("pregeneration_failed", map[string]any{"error": err.Error()})
		}
		return err
	}
	if o.events != nil {
		o.events.Publish("pregeneration_complete", nil)
	}
	return nil
}

func (o *Orchestrator) ensureCameraStreaming() error {
	if o.camera.Streaming() {
		return nil
	}
	return o.camera.Start()
}

// StartPreview enters PREVIEW mode: player runs the requested direction on
// loop-free single pass, no Recorder is ever opened. Starting a preview
// while a recording is active stops the recording first.
func (o *Orchestrator) StartPreview(direction string) error {
	o.mu.Lock()
	if o.state == StatePreview {
		o.mu.Unlock()
		return ErrAlreadyPreviewing
	}
	mustStopRecording := isRecordingState(o.state)
	o.mu.Unlock()

	if mustStopRecording {
		if err := o.Stop(); err != nil {
			return err
		}
	}

	if err := o.ensureLibraryReady(nil); err != nil {
		return err
	}
	if err := o.ensureCameraStreaming(); err != nil {
		return err
	}
	if err := o.player.Start(direction); err != nil {
		return err
	}

	o.mu.Lock()
	o.state = StatePreview
	o.mu.Unlock()
	if o.events != nil {
		o.events.Publish("preview_started", map[string]any{"direction": direction})
	}
	return nil
}

// StopPreview exits PREVIEW mode.
func (o *Orchestrator) StopPreview() error {
	o.mu.Lock()
	if o.state != StatePreview {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.state = StateIdle
	o.mu.Unlock()

	o.player.Stop()
	if o.events != nil {
		o.events.Publish("preview_stopped", nil)
	}
	return nil
}

// StartRecord begins a full recording session in a background goroutine
// and returns once the session has been created and the run loop launched.
func (o *Orchestrator) StartRecord(plan Plan) (*Session, error) {
	o.mu.Lock()
	if isRecordingState(o.state) {
		o.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	if o.state == StatePreview {
		o.mu.Unlock()
		if err := o.StopPreview(); err != nil {
			return nil, err
		}
		o.mu.Lock()
	}

	if plan.Repetitions <= 0 {
		plan.Repetitions = 1
	}
	session := &Session{
		ID:        uuid.NewString(),
		Name:      plan.SessionName,
		Dir:       sessionDir(o.cfg.SessionRootDir, plan.SessionName),
		CreatedAt: time.Now(),
		Plan:      plan,
	}
	o.session = session
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.state = StateBaselineInitial
	o.mu.Unlock()

	if o.syncTracker != nil {
		o.syncTracker.Clear()
	}
	if err := o.ensureLibraryReady(nil); err != nil {
		o.failSession(err)
		return nil, err
	}
	if err := o.ensureCameraStreaming(); err != nil {
		o.failSession(err)
		return nil, err
	}

	o.wg.Add(1)
	go o.recordLoop(session, plan)

	return session, nil
}

// Stop cooperatively cancels whatever is active (preview or recording) and
// waits for it to wind down, preserving whatever data was captured.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	switch {
	case o.state == StatePreview:
		o.mu.Unlock()
		return o.StopPreview()
	case isRecordingState(o.state):
		o.cancel()
		o.mu.Unlock()
		o.wg.Wait()
		return nil
	default:
		o.mu.Unlock()
		return ErrNotRunning
	}
}

// EmergencyStop is Stop with best-effort semantics: errors are logged, not
// returned, since this path is invoked from a signal every component polls
// between operations.
func (o *Orchestrator) EmergencyStop() {
	if err := o.Stop(); err != nil && o.log != nil && !errors.Is(err, ErrNotRunning) {
		o.log.Warnw("orchestrator: emergency stop", "error", err)
	}
}

// HandleLibraryInvalidated responds to an asynchronous stimulus-library
// invalidation (a parameter change that no longer matches the library's
// fingerprint). It broadcasts library_invalidated and, if a preview is
// active, stops it — spec.md §8 scenario 2. An invalidation arriving while a
// recording session is in progress is a no-op beyond the broadcast: the
// in-flight session keeps running against its snapshotted parameters, and
// picks up the new ones only on its next run.
func (o *Orchestrator) HandleLibraryInvalidated(reason string) {
	if o.events != nil {
		o.events.Publish("library_invalidated", map[string]any{"reason": reason})
	}

	o.mu.Lock()
	wasPreviewing := o.state == StatePreview
	if wasPreviewing {
		o.state = StateIdle
	}
	o.mu.Unlock()

	if wasPreviewing {
		o.player.Stop()
		if o.events != nil {
			o.events.Publish("preview_stopped", nil)
		}
	}
}

func isRecordingState(s State) bool {
	switch s {
	case StateBaselineInitial, StateStimulus, StateInterTrial, StateBaselineFinal:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) failSession(err error) {
	o.setState(StateError)
	if o.events != nil {
		o.events.Publish("acquisition_progress", map[string]any{"state": StateError.String(), "error": err.Error()})
	}
	if o.log != nil {
		o.log.Errorw("orchestrator: session failed", "error", err)
	}
}

func (o *Orchestrator) recordLoop(session *Session, plan Plan) {
	defer o.wg.Done()
	defer o.setState(StateIdle)

	if err := o.player.DisplayBaseline(); err != nil {
		o.failSession(err)
		return
	}
	if o.sleepCancelable(time.Duration(plan.BaselineSec * float64(time.Second))) {
		return
	}

	for _, direction := range plan.Directions {
		for rep := 1; rep <= plan.Repetitions; rep++ {
			select {
			case <-o.ctx.Done():
				return
			default:
			}

			o.setState(StateStimulus)
			if err := o.runDirectionTrial(session, direction, rep); err != nil {
				o.failSession(err)
				return
			}
			o.mu.Lock()
			interrupted := session.InterruptionPoint != nil
			o.mu.Unlock()
			if interrupted {
				return
			}

			o.mu.Lock()
			session.DirectionsCompleted = append(session.DirectionsCompleted, direction)
			o.mu.Unlock()
			if o.catalog != nil {
				o.catalog.RecordSession(*o.Session())
			}

			isLast := direction == plan.Directions[len(plan.Directions)-1] && rep == plan.Repetitions
			if !isLast {
				o.setState(StateInterTrial)
				if err := o.player.DisplayBaseline(); err != nil {
					o.failSession(err)
					return
				}
				if o.sleepCancelable(time.Duration(plan.InterTrialSec * float64(time.Second))) {
					return
				}
			}
		}
	}

	o.setState(StateBaselineFinal)
	if err := o.player.DisplayBaseline(); err != nil {
		o.failSession(err)
		return
	}
	if o.sleepCancelable(time.Duration(plan.BaselineSec * float64(time.Second))) {
		return
	}

	o.setState(StateComplete)
	if o.events != nil {
		o.events.Publish("acquisition_progress", map[string]any{"state": StateComplete.String(), "directions_completed": session.DirectionsCompleted})
	}
}

// runDirectionTrial opens a direction-scoped Recorder, plays that
// direction's stimulus to completion (or until cancelled), and closes the
// Recorder before returning. Camera frames captured outside this window
// (baseline, inter-trial) are visible on the Frame Bus but are not written
// to a direction's HDF5 trial file, matching the on-disk layout of exactly
// one file per direction trial.
func (o *Orchestrator) runDirectionTrial(session *Session, direction string, trialSeq int) error {
	rec, err := o.newRecorder(session.Dir, direction, trialSeq, o.cfg.CameraFrameSize)
	if err != nil {
		return fmt.Errorf("orchestrator: opening recorder for %s: %w", direction, err)
	}
	o.camera.SetRecorder(rec)
	defer o.camera.SetRecorder(nil)
	defer rec.Close()

	if err := o.player.Start(direction); err != nil {
		return fmt.Errorf("orchestrator: starting player for %s: %w", direction, err)
	}

	select {
	case <-o.player.Done():
	case <-o.ctx.Done():
		o.player.Stop()
		o.mu.Lock()
		session.InterruptionPoint = &InterruptionPoint{Direction: direction}
		o.mu.Unlock()
		return nil
	}
	return nil
}

// sleepCancelable blocks for d or until the session context is cancelled,
// returning true if cancellation won the race.
func (o *Orchestrator) sleepCancelable(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-o.ctx.Done():
		return true
	}
}

func sessionDir(root, name string) string {
	stamp := time.Now().Format("2006-01-02_15-04-05")
	if name == "" {
		return fmt.Sprintf("%s/%s", root, stamp)
	}
	return fmt.Sprintf("%s/%s_%s", root, stamp, name)
}
