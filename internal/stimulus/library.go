package stimulus

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/kimlab/isi-acquire/internal/paramstore"
)

// Direction identifies one of the four drifting-bar sweeps.
type Direction string

const (
	LR Direction = "LR"
	RL Direction = "RL"
	TB Direction = "TB"
	BT Direction = "BT"
)

// Directions is the fixed, ordered set of all four directions.
var Directions = []Direction{LR, RL, TB, BT}

// Status is the lifecycle state of the library as a whole. The library is
// either fully ready for all four directions or not ready at all: partial
// generation is permitted mid-operation but never observed from outside —
// Status reads Pregenerating until all four directions are populated.
type Status int

const (
	StatusAbsent Status = iota
	StatusPregenerating
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusPregenerating:
		return "pregenerating"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ParametersMissingError is returned when generation is requested before the
// monitor/stimulus parameters needed to build a library are present.
type ParametersMissingError struct{ Detail string }

func (e *ParametersMissingError) Error() string {
	return fmt.Sprintf("stimulus: parameters missing: %s", e.Detail)
}

// GenerationFailedError wraps an unexpected failure during frame synthesis.
type GenerationFailedError struct{ Cause error }

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("stimulus: generation failed: %v", e.Cause)
}
func (e *GenerationFailedError) Unwrap() error { return e.Cause }

// LibraryFingerprintMismatchError is returned by Load when the on-disk
// fingerprint does not match the parameters currently in effect.
type LibraryFingerprintMismatchError struct{ Want, Got string }

func (e *LibraryFingerprintMismatchError) Error() string {
	return fmt.Sprintf("stimulus: fingerprint mismatch: want %s got %s", e.Want, e.Got)
}

// DirectionSet holds one direction's pre-generated frames and the
// stimulus-center angle (degrees) of each frame. len(Frames) always equals
// len(Angles).
type DirectionSet struct {
	Frames [][]byte // each frame is HeightPx*WidthPx bytes, row-major uint8 grayscale
	Angles []float64
}

// Library owns the four direction sweeps for the currently effective
// geometry + stimulus parameters. It is owned by a single controller;
// readers obtain read-only views under the internal lock.
type Library struct {
	mu     sync.RWMutex
	status Status
	sets   map[Direction]DirectionSet
	fp     string
	geo    Geometry
	params StimulusParams

	store *paramstore.Store
	log   *zap.SugaredLogger

	monitorSub *paramstore.SubscriptionHandle
	stimSub    *paramstore.SubscriptionHandle

	onInvalidate func(reason string)
}

// New wires the library to the parameter store: full invalidation on any
// `stimulus` change, and invalidation on the geometry subset of `monitor`
// (pixel and physical size, distance, angles). A change to `monitor.fps`
// does not invalidate, since frames are generated at a fixed rate.
func New(store *paramstore.Store, log *zap.SugaredLogger) *Library {
	lib := &Library{
		status: StatusAbsent,
		sets:   make(map[Direction]DirectionSet),
		store:  store,
		log:    log,
	}
	lib.stimSub = store.Subscribe(paramstore.GroupStimulus, "stimulus.library", func(map[string]any) {
		lib.invalidate("stimulus parameter changed")
	})
	lib.monitorSub = store.Subscribe(paramstore.GroupMonitor, "stimulus.library", func(partial map[string]any) {
		geometryKeys := []string{
			"width_px", "height_px", "width_cm", "height_cm",
			"distance_cm", "lateral_angle_deg", "tilt_angle_deg",
		}
		for _, k := range geometryKeys {
			if _, changed := partial[k]; changed {
				lib.invalidate("monitor geometry changed")
				return
			}
		}
	})
	return lib
}

// Close unsubscribes from the parameter store.
func (l *Library) Close() {
	l.store.Unsubscribe(l.monitorSub)
	l.store.Unsubscribe(l.stimSub)
}

// SetOnInvalidate registers cb to be called, outside the library's internal
// lock, every time a parameter change transitions the library from ready (or
// pregenerating) back to absent. The orchestrator uses this to stop an
// active preview and broadcast library_invalidated on the event bus.
func (l *Library) SetOnInvalidate(cb func(reason string)) {
	l.mu.Lock()
	l.onInvalidate = cb
	l.mu.Unlock()
}

func (l *Library) invalidate(reason string) {
	l.mu.Lock()
	if l.status == StatusAbsent {
		l.mu.Unlock()
		return
	}
	if l.log != nil {
		l.log.Infow("stimulus library invalidated", "reason", reason)
	}
	l.status = StatusAbsent
	l.sets = make(map[Direction]DirectionSet)
	l.fp = ""
	cb := l.onInvalidate
	l.mu.Unlock()

	if cb != nil {
		cb(reason)
	}
}

// Status returns the current library status.
func (l *Library) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Fingerprint returns the fingerprint of the currently loaded/generated
// library (empty if absent).
func (l *Library) Fingerprint() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fp
}

// View returns a read-only snapshot of one direction's frames and angles.
// Returns false if the library is not ready.
func (l *Library) View(d Direction) (DirectionSet, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.status != StatusReady {
		return DirectionSet{}, false
	}
	set, ok := l.sets[d]
	return set, ok
}

// readParameters pulls geometry and stimulus params live from the store.
// Returns ParametersMissingError if anything required is unset.
func (l *Library) readParameters() (Geometry, StimulusParams, error) {
	get := func(group, key string) (any, error) {
		v, err := l.store.Get(group, key)
		if err != nil {
			return nil, &ParametersMissingError{Detail: fmt.Sprintf("%s.%s", group, key)}
		}
		return v, nil
	}

	var g Geometry
	var sp StimulusParams

	fields := []struct {
		group, key string
		dst        *float64
	}{
		{paramstore.GroupMonitor, "width_cm", &g.WidthCm},
		{paramstore.GroupMonitor, "height_cm", &g.HeightCm},
		{paramstore.GroupMonitor, "distance_cm", &g.DistanceCm},
		{paramstore.GroupMonitor, "lateral_angle_deg", &g.LateralAngleDeg},
		{paramstore.GroupMonitor, "tilt_angle_deg", &g.TiltAngleDeg},
		{paramstore.GroupStimulus, "bar_width_degrees", &sp.BarWidthDegrees},
		{paramstore.GroupStimulus, "drift_speed_deg_per_sec", &sp.DriftSpeedDegPerSec},
		{paramstore.GroupStimulus, "checker_size_degrees", &sp.CheckerSizeDegrees},
		{paramstore.GroupStimulus, "flicker_hz", &sp.FlickerHz},
		{paramstore.GroupStimulus, "background_luminance", &sp.BackgroundLuminance},
	}
	for _, f := range fields {
		v, err := get(f.group, f.key)
		if err != nil {
			return g, sp, err
		}
		fv, err := toFloat(v)
		if err != nil {
			return g, sp, &ParametersMissingError{Detail: fmt.Sprintf("%s.%s not numeric", f.group, f.key)}
		}
		*f.dst = fv
	}

	widthPx, err := get(paramstore.GroupMonitor, "width_px")
	if err != nil {
		return g, sp, err
	}
	heightPx, err := get(paramstore.GroupMonitor, "height_px")
	if err != nil {
		return g, sp, err
	}
	g.WidthPx, _ = toInt(widthPx)
	g.HeightPx, _ = toInt(heightPx)
	if g.WidthPx <= 0 || g.HeightPx <= 0 {
		return g, sp, &ParametersMissingError{Detail: "monitor.width_px/height_px not yet detected"}
	}

	mode, err := get(paramstore.GroupStimulus, "transform_mode")
	if err != nil {
		return g, sp, err
	}
	sp.TransformMode, _ = mode.(string)

	return g, sp, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not int: %T", v)
	}
}

// Fingerprint computes the canonical hash of geometry + stimulus params.
func Fingerprint(g Geometry, sp StimulusParams) string {
	h := sha256.New()
	write := func(f float64) { binary.Write(h, binary.LittleEndian, f) }
	writeInt := func(i int) { binary.Write(h, binary.LittleEndian, int64(i)) }

	writeInt(g.WidthPx)
	writeInt(g.HeightPx)
	write(g.WidthCm)
	write(g.HeightCm)
	write(g.DistanceCm)
	write(g.LateralAngleDeg)
	write(g.TiltAngleDeg)
	write(sp.BarWidthDegrees)
	write(sp.DriftSpeedDegPerSec)
	write(sp.CheckerSizeDegrees)
	write(sp.FlickerHz)
	write(sp.BackgroundLuminance)
	h.Write([]byte(sp.TransformMode))

	return fmt.Sprintf("%x", h.Sum(nil))
}

// Pregenerate builds all four direction sweeps from the parameters
// currently in effect. It is a blocking call on the caller's goroutine —
// callers that need to stream progress (the orchestrator) invoke it from
// their own worker. progress, if non-nil, is called once per direction
// generated (LR, TB) — RL and BT are derived by reversal and do not get a
// separate progress callback, since they are not independently generated.
func (l *Library) Pregenerate(progress func(direction Direction)) error {
	geo, sp, err := l.readParameters()
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.status = StatusPregenerating
	l.mu.Unlock()

	field := SphericalField(geo)

	generated := make(map[Direction]DirectionSet, 4)
	for _, d := range []Direction{LR, TB} {
		set, err := generateDirection(d, geo, sp, field)
		if err != nil {
			l.mu.Lock()
			l.status = StatusAbsent
			l.mu.Unlock()
			return &GenerationFailedError{Cause: err}
		}
		generated[d] = set
		if progress != nil {
			progress(d)
		}
	}
	generated[RL] = reverse(generated[LR])
	generated[BT] = reverse(generated[TB])

	fp := Fingerprint(geo, sp)

	l.mu.Lock()
	l.sets = generated
	l.geo = geo
	l.params = sp
	l.fp = fp
	l.status = StatusReady
	l.mu.Unlock()

	return nil
}

func reverse(set DirectionSet) DirectionSet {
	n := len(set.Frames)
	out := DirectionSet{
		Frames: make([][]byte, n),
		Angles: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		out.Frames[i] = set.Frames[n-1-i]
		out.Angles[i] = set.Angles[n-1-i]
	}
	return out
}

// generateDirection synthesizes one independently-generated sweep (LR or
// TB). The bar sweeps the full field of view at DriftSpeedDegPerSec,
// sampled at a fixed 60 frames per second; monitor.fps is not read. The
// player publishes one frame per tick at its own configured FPS without
// resampling, so the on-screen drift speed equals DriftSpeedDegPerSec only
// when that FPS is 60.
func generateDirection(d Direction, geo Geometry, sp StimulusParams, field [][]FieldPoint) (DirectionSet, error) {
	axis := "azimuth"
	minDeg, maxDeg := fieldRange(field, axis)
	if d == TB {
		axis = "elevation"
		minDeg, maxDeg = fieldRange(field, axis)
	}

	sweepDeg := (maxDeg - minDeg) + sp.BarWidthDegrees
	durationSec := sweepDeg / sp.DriftSpeedDegPerSec
	fps := 60.0 // fixed sampling rate for pre-generation
	nFrames := int(math.Ceil(durationSec * fps))
	if nFrames < 1 {
		nFrames = 1
	}

	set := DirectionSet{
		Frames: make([][]byte, nFrames),
		Angles: make([]float64, nFrames),
	}

	bg := byte(clamp01(sp.BackgroundLuminance) * 255)

	for i := 0; i < nFrames; i++ {
		t := float64(i) / fps
		center := minDeg - sp.BarWidthDegrees/2 + sp.DriftSpeedDegPerSec*t
		flickerPhase := 2 * math.Pi * sp.FlickerHz * t

		frame := make([]byte, geo.WidthPx*geo.HeightPx)
		for row := 0; row < geo.HeightPx; row++ {
			for col := 0; col < geo.WidthPx; col++ {
				idx := row*geo.WidthPx + col
				fp := field[row][col]
				if barMask(fp, axis, center, sp.BarWidthDegrees) {
					phase := checkerPhase(fp, sp.CheckerSizeDegrees, flickerPhase)
					if phase >= 0 {
						frame[idx] = 255
					} else {
						frame[idx] = 0
					}
				} else {
					frame[idx] = bg
				}
			}
		}
		set.Frames[i] = frame
		set.Angles[i] = center
	}
	return set, nil
}

func fieldRange(field [][]FieldPoint, axis string) (min, max float64) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, row := range field {
		for _, fp := range row {
			var v float64
			if axis == "azimuth" {
				v = fp.AzimuthDeg
			} else {
				v = fp.ElevationDeg
			}
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	return min, max
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BaselineFrame synthesizes a solid grayscale frame at the given luminance
// ([0,1], clamped) sized to widthPx x heightPx.
func BaselineFrame(widthPx, heightPx int, luminance float64) []byte {
	v := byte(clamp01(luminance) * 255)
	frame := make([]byte, widthPx*heightPx)
	for i := range frame {
		frame[i] = v
	}
	return frame
}
