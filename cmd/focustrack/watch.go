package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/config"
	"github.com/eliteGoblin/focusd/focustrack/internal/daemon"
	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
	"github.com/eliteGoblin/focusd/focustrack/internal/infra"
)

const heartbeatInterval = 5 * time.Second

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Track focus in the foreground and print events as JSON lines",
	Long: `Starts a tracking session and prints every focus event on stdout.
With --config, edits to the file are applied to the running session.
Stops cleanly on SIGINT or SIGTERM, emitting the final lost event.`,
	RunE: runWatch,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run watch in the background",
	Long: `Spawns a detached watch process. Events are appended to --events-file
and logs to --log-file.`,
	RunE: runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background watch process",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a watch process is running",
	RunE:  runStatus,
}

var eventsFile string

func init() {
	startCmd.Flags().StringVar(&eventsFile, "events-file", filepath.Join(os.TempDir(), "focustrack.events.jsonl"), "File receiving the event stream")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

// eventLine is the JSON shape of a printed event; duration is in microseconds.
type eventLine struct {
	domain.FocusEvent
	DurationMicros int64 `json:"duration,omitempty"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	loader, file, err := loadSettings()
	if err != nil {
		return err
	}
	logger, err := newLogger(file)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	tracker := newTracker(logger)
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Warn("tracker close", zap.Error(err))
		}
	}()

	var outMu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	tracker.Subscribe(domain.ConsumerFunc(func(events []domain.FocusEvent) error {
		outMu.Lock()
		defer outMu.Unlock()
		for _, ev := range events {
			if err := enc.Encode(eventLine{FocusEvent: ev, DurationMicros: ev.DurationMicros()}); err != nil {
				return err
			}
		}
		return nil
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := tracker.StartTracking(ctx, file.Tracking); err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			fmt.Fprintln(os.Stderr, "focus tracking is not permitted; run 'focustrack permissions --request'")
		}
		return err
	}
	session := tracker.CurrentSession()
	logger.Info("tracking started",
		zap.String("session", session.ID),
		zap.String("platform", tracker.PlatformName()))

	state := infra.NewStateFile(statePath)
	now := time.Now()
	if err := state.Write(infra.RuntimeState{
		Version:       Version,
		PID:           os.Getpid(),
		SessionID:     session.ID,
		StartedAt:     now,
		LastHeartbeat: now,
		Platform:      tracker.PlatformName(),
		ConfigPath:    configPath,
	}); err != nil {
		logger.Warn("could not write state file", zap.String("path", statePath), zap.Error(err))
	}
	defer func() {
		if err := state.Clear(); err != nil {
			logger.Warn("could not clear state file", zap.Error(err))
		}
	}()

	var reloadErrs <-chan error
	if configPath != "" {
		loader.OnChange(func(f config.File) {
			if err := tracker.UpdateConfiguration(f.Tracking); err != nil {
				logger.Warn("config change rejected", zap.Error(err))
			}
		})
		if err := loader.Watch(ctx); err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		} else {
			defer loader.Close()
			reloadErrs = loader.Errors()
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			return tracker.StopTracking()
		case t := <-heartbeat.C:
			if err := state.Heartbeat(session.ID, t); err != nil {
				logger.Debug("heartbeat failed", zap.Error(err))
			}
		case err := <-reloadErrs:
			logger.Warn("config reload failed", zap.Error(err))
		}
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	state := infra.NewStateFile(statePath)
	processes := infra.NewProcessLister(zap.NewNop())
	ctx := cmd.Context()

	if current, _ := state.Read(); current != nil && processes.IsRunning(ctx, current.PID) {
		fmt.Printf("focustrack is already running (pid %d)\n", current.PID)
		return nil
	}

	logPath := logFile
	if logPath == "" {
		logPath = filepath.Join(os.TempDir(), "focustrack.log")
	}
	watchArgs := []string{"watch", "--state-file", statePath, "--log-file", logPath}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		watchArgs = append(watchArgs, "--config", abs)
	}
	if logLevel != "" {
		watchArgs = append(watchArgs, "--log-level", logLevel)
	}

	pid, err := daemon.StartDetached(eventsFile, watchArgs...)
	if err != nil {
		return fmt.Errorf("failed to start watch: %w", err)
	}

	// Wait a moment for the process to register itself.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if current, _ := state.Read(); current != nil && current.PID == pid {
			fmt.Println("\n=== focustrack Started ===")
			fmt.Printf("PID: %d\n", pid)
			fmt.Printf("Session: %s\n", current.SessionID)
			fmt.Printf("Events: %s\n", eventsFile)
			fmt.Printf("Logs: %s\n", logPath)
			fmt.Println("==========================")
			return nil
		}
		if !processes.IsRunning(ctx, pid) {
			return fmt.Errorf("watch exited during startup, see %s", logPath)
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Printf("watch started (pid %d) but has not reported yet, see %s\n", pid, logPath)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	state := infra.NewStateFile(statePath)
	processes := infra.NewProcessLister(zap.NewNop())
	ctx := cmd.Context()

	current, err := state.Read()
	if err != nil {
		return err
	}
	if current == nil || !processes.IsRunning(ctx, current.PID) {
		fmt.Println("focustrack is not running")
		return state.Clear()
	}

	if err := processes.Terminate(ctx, current.PID); err != nil {
		return err
	}
	deadline := time.Now().Add(5 * time.Second)
	for processes.IsRunning(ctx, current.PID) {
		if time.Now().After(deadline) {
			return fmt.Errorf("pid %d did not exit", current.PID)
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Printf("focustrack stopped (pid %d)\n", current.PID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	state := infra.NewStateFile(statePath)
	processes := infra.NewProcessLister(zap.NewNop())

	current, err := state.Read()
	if err != nil {
		return err
	}
	alive := current != nil && processes.IsRunning(cmd.Context(), current.PID)

	if jsonOutput {
		return printJSON(struct {
			Running bool                `json:"running"`
			State   *infra.RuntimeState `json:"state,omitempty"`
		}{alive, current})
	}

	fmt.Println("\n=== focustrack Status ===")
	if !alive {
		fmt.Println("Status: NOT RUNNING")
		if current != nil {
			fmt.Printf("Stale state file from pid %d (%s)\n", current.PID, statePath)
		}
		fmt.Println("\nRun 'focustrack start' to begin tracking.")
		return nil
	}
	fmt.Println("Status: RUNNING")
	fmt.Printf("PID: %d\n", current.PID)
	fmt.Printf("Platform: %s\n", current.Platform)
	fmt.Printf("Session: %s\n", current.SessionID)
	fmt.Printf("Started: %s\n", humanize.Time(current.StartedAt))
	fmt.Printf("Last heartbeat: %s\n", humanize.Time(current.LastHeartbeat))
	if current.ConfigPath != "" {
		fmt.Printf("Config: %s\n", current.ConfigPath)
	}
	fmt.Println("=========================")
	return nil
}
