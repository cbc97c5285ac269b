// Package main is the CLI entry point for focustrack.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/config"
	"github.com/eliteGoblin/focusd/focustrack/internal/infra"
	"github.com/eliteGoblin/focusd/focustrack/internal/logging"
	"github.com/eliteGoblin/focusd/focustrack/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "focustrack",
	Short: "Foreground application and browser tab tracker",
	Long: `focustrack watches which application window has focus and, for
browsers, which site the active tab shows. Focus transitions are printed
as JSON lines: gained, lost, durationTick and tabChanged.`,
	Version:      Version,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath string
	statePath  string
	logLevel   string
	logFormat  string
	logFile    string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state-file", infra.DefaultStatePath(), "Runtime state file of the watch process")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: auto, json, console")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Machine-readable output")

	rootCmd.AddCommand(versionCmd)
}

// loadSettings reads the config file (if any) and applies flag overrides
// to the logging section.
func loadSettings() (*config.Loader, config.File, error) {
	loader, err := config.NewLoader(configPath, zap.NewNop())
	if err != nil {
		return nil, config.File{}, err
	}
	file, err := loader.Load()
	if err != nil {
		return nil, config.File{}, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		file.Log.Level = logLevel
	}
	if logFormat != "" {
		file.Log.Format = logFormat
	}
	if logFile != "" {
		file.Log.File = logFile
	}
	return loader, file, nil
}

func newLogger(file config.File) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Level:  file.Log.Level,
		Format: file.Log.Format,
		File:   file.Log.File,
	})
}

func newTracker(logger *zap.Logger) *usecase.Tracker {
	platform := infra.NewPlatform(logger.Named("platform"))
	return usecase.NewTracker(usecase.TrackerDeps{Platform: platform}, logger.Named("tracker"))
}

// setup loads settings and builds the logger and tracker for one-shot commands.
func setup() (*usecase.Tracker, *zap.Logger, config.File, func(), error) {
	_, file, err := loadSettings()
	if err != nil {
		return nil, nil, config.File{}, nil, err
	}
	logger, err := newLogger(file)
	if err != nil {
		return nil, nil, config.File{}, nil, err
	}
	tracker := newTracker(logger)
	cleanup := func() {
		if err := tracker.Close(); err != nil {
			logger.Warn("tracker close", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return tracker, logger, file, cleanup, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("focustrack %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
