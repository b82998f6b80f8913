// Command isi-acquire is the acquisition core's CLI entrypoint: serve runs
// the full backend (Parameter Store, Stimulus Library, Frame Bus, Camera
// Service, Presentation Player, Acquisition Orchestrator, Control Bus,
// Startup Coordinator), pregenerate builds and saves a stimulus library
// without starting the network surface, and inspect-session prints a
// recorded session's catalog entry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kimlab/isi-acquire/internal/catalog"
	"github.com/kimlab/isi-acquire/internal/composition"
	"github.com/kimlab/isi-acquire/internal/config"
	"github.com/kimlab/isi-acquire/internal/paramstore"
	"github.com/kimlab/isi-acquire/internal/stimulus"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "isi-acquire",
		Short: "Intrinsic Signal Imaging acquisition and correlation core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML bootstrap configuration")

	root.AddCommand(newServeCommand())
	root.AddCommand(newPregenerateCommand())
	root.AddCommand(newInspectSessionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the acquisition backend: control bus, frame bus, and camera capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			app, err := composition.New(cfg, log)
			if err != nil {
				return fmt.Errorf("serve: wiring application: %w", err)
			}
			defer app.Close() //nolint:errcheck

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			log.Infow("isi-acquire: starting",
				"control_port", cfg.Network.ControlPort,
				"event_port", cfg.Network.EventPort,
				"dev_mode", cfg.Runtime.DevMode,
			)
			return app.Run(ctx)
		},
	}
}

func newPregenerateCommand() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "pregenerate",
		Short: "Build the four-direction stimulus library from live parameters and save it to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			storePath := cfg.Paths.DataRoot + "/config/isi_parameters.toml"
			store, err := paramstore.New(storePath, log)
			if err != nil {
				return fmt.Errorf("pregenerate: opening parameter store: %w", err)
			}
			lib := stimulus.New(store, log)
			defer lib.Close()

			log.Infow("pregenerate: building stimulus library")
			if err := lib.Pregenerate(func(direction stimulus.Direction) {
				log.Infow("pregenerate: direction ready", "direction", direction)
			}); err != nil {
				return fmt.Errorf("pregenerate: %w", err)
			}

			if outDir == "" {
				outDir = cfg.Paths.DataRoot + "/stimulus_library"
			}
			if err := lib.Save(outDir, log); err != nil {
				return fmt.Errorf("pregenerate: saving library to %s: %w", outDir, err)
			}
			log.Infow("pregenerate: library saved", "dir", outDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "directory to save the generated library (default: <data_root>/stimulus_library)")
	return cmd
}

func newInspectSessionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect-session [session-id]",
		Short: "Print a recorded session's catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			catalogPath := cfg.Paths.DataRoot + "/sessions/catalog.sqlite"
			cat, err := catalog.Open(catalogPath)
			if err != nil {
				return fmt.Errorf("inspect-session: opening catalog: %w", err)
			}
			defer cat.Close()

			row, ok, err := cat.Get(args[0])
			if err != nil {
				return fmt.Errorf("inspect-session: %w", err)
			}
			if !ok {
				return fmt.Errorf("inspect-session: no session %q in catalog", args[0])
			}

			fmt.Printf("session:    %s\n", row.SessionID)
			fmt.Printf("name:       %s\n", row.Name)
			fmt.Printf("dir:        %s\n", row.Dir)
			fmt.Printf("created_at: %s\n", row.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
			fmt.Printf("directions: %v\n", row.DirectionsCompleted)
			if row.InterruptionPoint != nil {
				fmt.Printf("interrupted at: %s (frames_captured=%d)\n", row.InterruptionPoint.Direction, row.InterruptionPoint.FramesCaptured)
			}
			return nil
		},
	}
}

func loadConfigAndLogger() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	level, err := zapcore.ParseLevel(cfg.Runtime.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, logger.Sugar(), nil
}
