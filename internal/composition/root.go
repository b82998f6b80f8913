// Package composition is the explicit wiring point for isi-acquire: it
// constructs every collaborator in dependency order and registers the
// control-bus command handlers as closures over them. Nothing here is a
// service locator — App holds direct references, and every adapter in
// adapters.go exists only to bridge two packages' narrow interfaces that happen to
// declare structurally identical but distinctly named types.
package composition

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kimlab/isi-acquire/internal/camera"
	"github.com/kimlab/isi-acquire/internal/catalog"
	"github.com/kimlab/isi-acquire/internal/config"
	"github.com/kimlab/isi-acquire/internal/control"
	"github.com/kimlab/isi-acquire/internal/framebus"
	"github.com/kimlab/isi-acquire/internal/handshake"
	"github.com/kimlab/isi-acquire/internal/orchestrator"
	"github.com/kimlab/isi-acquire/internal/paramstore"
	"github.com/kimlab/isi-acquire/internal/player"
	"github.com/kimlab/isi-acquire/internal/recorder"
	"github.com/kimlab/isi-acquire/internal/stimulus"
	"github.com/kimlab/isi-acquire/internal/synctrack"
)

// App owns every wired collaborator for the lifetime of one process.
type App struct {
	Config *config.Config
	Log    *zap.SugaredLogger

	Store   *paramstore.Store
	Library *stimulus.Library

	FrameBus *framebus.Bus
	Camera   *camera.Service
	Player   *player.Player
	Sync     *synctrack.Tracker

	Orchestrator *orchestrator.Orchestrator
	Control      *control.Bus
	Dispatcher   *control.Dispatcher
	Catalog      *catalog.Catalog
	Handshake    *handshake.Coordinator
}

// New constructs every component in dependency order: Parameter Store,
// Stimulus Library, Frame Bus, Sync Tracker, Camera Service, Presentation
// Player, Session Catalog, Control Bus, Acquisition Orchestrator, Startup
// Coordinator. It does not start any goroutine — call Run for that.
func New(cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	storePath := filepath.Join(cfg.Paths.DataRoot, "config", "isi_parameters.toml")
	store, err := paramstore.New(storePath, log)
	if err != nil {
		return nil, fmt.Errorf("composition: opening parameter store: %w", err)
	}

	library := stimulus.New(store, log)

	ctx := context.Background()
	monitorWidth, monitorHeight := monitorFrameSize(store)
	cameraWidth, cameraHeight := cameraFrameSize(store)

	bus, err := framebus.New(ctx, framebus.Config{
		ShmDir:       cfg.Paths.ShmDir,
		StimulusSlot: monitorWidth * monitorHeight,
		CameraSlot:   cameraWidth * cameraHeight,
		NumSlots:     4,
		StimulusAddr: fmt.Sprintf("tcp://127.0.0.1:%d", cfg.Network.StimulusPort),
		CameraAddr:   fmt.Sprintf("tcp://127.0.0.1:%d", cfg.Network.CameraPort),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("composition: opening frame bus: %w", err)
	}

	syncTracker := synctrack.New(synctrack.DefaultCapacity)

	device := camera.NewGocvDevice(true)
	camSvc := camera.New(device, &cameraBusAdapter{bus: bus}, camera.Config{
		WidthPx:      cameraWidth,
		HeightPx:     cameraHeight,
		FPS:          monitorFPS(store),
		CameraName:   cameraName(store),
		DevMode:      cfg.Runtime.DevMode,
		CropToSquare: true,
	}, log)
	camSvc.SetSyncTracker(syncTracker)

	presenter := player.New(&libraryForPlayer{lib: library, store: store}, &playerBusAdapter{bus: bus}, &syncTrackerForPlayer{t: syncTracker}, player.Config{
		Width:  monitorWidth,
		Height: monitorHeight,
		FPS:    monitorFPS(store),
	}, log)

	catalogPath := filepath.Join(cfg.Paths.DataRoot, "sessions", "catalog.sqlite")
	cat, err := catalog.Open(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("composition: opening session catalog: %w", err)
	}

	dispatcher := control.NewDispatcher()
	controlBus, err := control.NewBus(ctx, fmt.Sprintf("tcp://127.0.0.1:%d", cfg.Network.ControlPort), fmt.Sprintf("tcp://127.0.0.1:%d", cfg.Network.EventPort), dispatcher, log)
	if err != nil {
		return nil, fmt.Errorf("composition: opening control bus: %w", err)
	}

	orch := orchestrator.New(
		&libraryForOrchestrator{lib: library},
		camSvc,
		presenter,
		syncTracker,
		recorderFactory(log),
		controlBus,
		&catalogSink{cat: cat},
		orchestrator.Config{
			SessionRootDir:  filepath.Join(cfg.Paths.DataRoot, "sessions"),
			CameraFrameSize: cameraWidth * cameraHeight,
		},
		log,
	)

	library.SetOnInvalidate(orch.HandleLibraryInvalidated)

	coordinator := handshake.New(controlBus, &handshakeCameraAdapter{bus: bus}, handshake.Config{
		StimulusPort: cfg.Network.StimulusPort,
		CameraPort:   cfg.Network.CameraPort,
		ControlPort:  cfg.Network.ControlPort,
		EventPort:    cfg.Network.EventPort,
		AckAddr:      fmt.Sprintf("tcp://127.0.0.1:%d", cfg.Network.AckPort),
	}, log)

	app := &App{
		Config:       cfg,
		Log:          log,
		Store:        store,
		Library:      library,
		FrameBus:     bus,
		Camera:       camSvc,
		Player:       presenter,
		Sync:         syncTracker,
		Orchestrator: orch,
		Control:      controlBus,
		Dispatcher:   dispatcher,
		Catalog:      cat,
		Handshake:    coordinator,
	}
	app.registerHandlers()
	return app, nil
}

// Run starts serving the control bus, executes the startup handshake, then
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.Control.Serve()

	if err := a.Handshake.Run(ctx, a.Camera.Start); err != nil {
		return fmt.Errorf("composition: startup handshake: %w", err)
	}

	<-ctx.Done()
	return nil
}

// Close releases every owned resource in reverse dependency order.
func (a *App) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	note(a.Control.Close())
	note(a.Catalog.Close())
	note(a.Camera.Close())
	note(a.FrameBus.Close())
	a.Library.Close()
	return firstErr
}

func monitorFrameSize(store *paramstore.Store) (width, height int) {
	width, _ = intParam(store, paramstore.GroupMonitor, "width_px", 1920)
	height, _ = intParam(store, paramstore.GroupMonitor, "height_px", 1080)
	return width, height
}

func cameraFrameSize(store *paramstore.Store) (width, height int) {
	width, _ = intParam(store, paramstore.GroupCamera, "width_px", 640)
	height, _ = intParam(store, paramstore.GroupCamera, "height_px", 480)
	return width, height
}

func monitorFPS(store *paramstore.Store) int {
	fps, _ := intParam(store, paramstore.GroupMonitor, "fps", 60)
	if fps <= 0 {
		return 60
	}
	return fps
}

func cameraName(store *paramstore.Store) string {
	v, err := store.Get(paramstore.GroupCamera, "selected_name")
	if err != nil {
		return ""
	}
	name, _ := v.(string)
	return name
}

func intParam(store *paramstore.Store, group, key string, fallback int) (int, bool) {
	v, err := store.Get(group, key)
	if err != nil {
		return fallback, false
	}
	switch n := v.(type) {
	case int:
		if n <= 0 {
			return fallback, false
		}
		return n, true
	case int64:
		if n <= 0 {
			return fallback, false
		}
		return int(n), true
	case float64:
		if n <= 0 {
			return fallback, false
		}
		return int(n), true
	default:
		return fallback, false
	}
}

// recorderFactory closes over log and returns an orchestrator.RecorderFactory
// that opens a *recorder.Recorder for one direction's trial.
func recorderFactory(log *zap.SugaredLogger) orchestrator.RecorderFactory {
	return func(sessionDir, direction string, trialSeq, frameSize int) (orchestrator.Recorder, error) {
		return recorder.Open(sessionDir, direction, trialSeq, frameSize, log)
	}
}
