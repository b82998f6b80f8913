package composition

import (
	"github.com/kimlab/isi-acquire/internal/camera"
	"github.com/kimlab/isi-acquire/internal/catalog"
	"github.com/kimlab/isi-acquire/internal/framebus"
	"github.com/kimlab/isi-acquire/internal/handshake"
	"github.com/kimlab/isi-acquire/internal/orchestrator"
	"github.com/kimlab/isi-acquire/internal/paramstore"
	"github.com/kimlab/isi-acquire/internal/player"
	"github.com/kimlab/isi-acquire/internal/stimulus"
	"github.com/kimlab/isi-acquire/internal/synctrack"
)

// cameraBusAdapter satisfies camera.FrameBus by forwarding to the concrete
// Frame Bus, translating camera.CameraFrameMeta into framebus.CameraFrameMeta
// — the two are structurally identical but distinct named types, so neither
// package can depend on the other's type directly without a compile-time
// cycle.
type cameraBusAdapter struct{ bus *framebus.Bus }

func (a *cameraBusAdapter) WriteCameraFrame(payload []byte, meta camera.CameraFrameMeta) (uint64, error) {
	return a.bus.WriteCameraFrame(payload, framebus.CameraFrameMeta{
		CaptureTimestampNs: meta.CaptureTimestampNs,
		TimestampSource:    meta.TimestampSource,
		ExposureUs:         meta.ExposureUs,
		Gain:                meta.Gain,
		Width:               meta.Width,
		Height:              meta.Height,
		Channels:            meta.Channels,
		CameraName:          meta.CameraName,
	})
}

// playerBusAdapter satisfies player.FrameBus the same way.
type playerBusAdapter struct{ bus *framebus.Bus }

func (a *playerBusAdapter) WriteStimulusFrame(payload []byte, meta player.StimulusFrameMeta) (uint64, error) {
	return a.bus.WriteStimulusFrame(payload, framebus.StimulusFrameMeta{
		FrameIndex:         meta.FrameIndex,
		Direction:          meta.Direction,
		AngleDegrees:       meta.AngleDegrees,
		PublishTimestampNs: meta.PublishTimestampNs,
		Width:              meta.Width,
		Height:             meta.Height,
		Channels:           meta.Channels,
		Baseline:           meta.Baseline,
	})
}

// handshakeCameraAdapter satisfies handshake.CameraSideband.
type handshakeCameraAdapter struct{ bus *framebus.Bus }

func (a *handshakeCameraAdapter) WriteCameraFrame(payload []byte, meta handshake.CameraFrameMeta) (uint64, error) {
	return a.bus.WriteCameraFrame(payload, framebus.CameraFrameMeta{
		Width:      meta.Width,
		Height:     meta.Height,
		Channels:   meta.Channels,
		CameraName: meta.CameraName,
	})
}

// libraryForPlayer satisfies player.Library, translating between the
// player's plain-string direction and the Stimulus Library's typed
// Direction, and synthesizing the baseline frame from whatever monitor
// geometry and background luminance are live in the Parameter Store at call
// time (the baseline must track resolution changes, not freeze at wiring
// time).
type libraryForPlayer struct {
	lib   *stimulus.Library
	store *paramstore.Store
}

func (l *libraryForPlayer) View(direction string) (player.FrameSet, bool) {
	set, ok := l.lib.View(stimulus.Direction(direction))
	if !ok {
		return player.FrameSet{}, false
	}
	return player.FrameSet{Frames: set.Frames, Angles: set.Angles}, true
}

func (l *libraryForPlayer) BaselineFrame() []byte {
	width, height := monitorFrameSize(l.store)
	luminance := 0.5
	if v, err := l.store.Get(paramstore.GroupStimulus, "background_luminance"); err == nil {
		if f, ok := v.(float64); ok {
			luminance = f
		}
	}
	return stimulus.BaselineFrame(width, height, luminance)
}

// libraryForOrchestrator satisfies orchestrator.Library.
type libraryForOrchestrator struct{ lib *stimulus.Library }

func (l *libraryForOrchestrator) Status() string {
	return l.lib.Status().String()
}

func (l *libraryForOrchestrator) Pregenerate(progress func(direction string)) error {
	return l.lib.Pregenerate(func(d stimulus.Direction) {
		if progress != nil {
			progress(string(d))
		}
	})
}

// syncTrackerForPlayer satisfies player.SyncTracker, translating
// player.StimulusEvent into synctrack.StimulusEvent.
type syncTrackerForPlayer struct{ t *synctrack.Tracker }

func (s *syncTrackerForPlayer) RecordStimulus(e player.StimulusEvent) {
	s.t.RecordStimulus(synctrack.StimulusEvent{
		FrameIndex:         e.FrameIndex,
		Direction:          e.Direction,
		AngleDegrees:       e.AngleDegrees,
		PublishTimestampNs: e.PublishTimestampNs,
	})
}

// catalogSink satisfies orchestrator.SessionSink.
type catalogSink struct{ cat *catalog.Catalog }

func (c *catalogSink) RecordSession(s orchestrator.Session) error {
	row := catalog.Row{
		SessionID:           s.ID,
		Name:                s.Name,
		Dir:                 s.Dir,
		CreatedAt:           s.CreatedAt,
		DirectionsCompleted: append([]string(nil), s.DirectionsCompleted...),
	}
	if s.InterruptionPoint != nil {
		row.InterruptionPoint = &catalog.InterruptionPoint{
			Direction:             s.InterruptionPoint.Direction,
			FramesCaptured:        s.InterruptionPoint.FramesCaptured,
			LastCameraTimestampNs: s.InterruptionPoint.LastCameraTimestampNs,
		}
	}
	return c.cat.RecordSession(row)
}
