// Package infra implements the OS-facing side of the tracker: focus probes,
// hooks, process listing, browser channels and the runtime state file.
package infra

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// ProcessInfo is what the probe learns about the owner of a window.
type ProcessInfo struct {
	Name          string
	Exe           string
	AccessLimited bool // Exe could not be read
}

// ProcessLister reads the process table with gopsutil.
type ProcessLister struct {
	logger *zap.Logger
}

// NewProcessLister creates a process lister.
func NewProcessLister(logger *zap.Logger) *ProcessLister {
	return &ProcessLister{logger: logger}
}

// ListProcesses returns every readable process. Processes that exit or
// deny access mid-scan are skipped.
func (l *ProcessLister) ListProcesses(ctx context.Context) ([]domain.ProcessEntry, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list processes")
	}

	entries := make([]domain.ProcessEntry, 0, len(procs))
	skipped := 0
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			skipped++
			continue
		}
		entry := domain.ProcessEntry{PID: int(p.Pid), Name: name, UID: -1}

		if exe, err := p.ExeWithContext(ctx); err == nil {
			entry.Exe = exe
		} else if args, aerr := p.CmdlineSliceWithContext(ctx); aerr == nil && len(args) == 0 {
			// Kernel threads have neither an executable nor a command line.
			entry.NoExecutable = true
		}
		if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 0 {
			entry.UID = int(uids[0])
		}
		if user, err := p.UsernameWithContext(ctx); err == nil {
			entry.Username = user
		}
		entries = append(entries, entry)
	}

	if skipped > 0 {
		l.logger.Debug("skipped unreadable processes", zap.Int("count", skipped))
	}
	return entries, nil
}

// Inspect reads the name and executable of pid with query-only access.
// An unreadable executable is reported through AccessLimited, not as an error.
func (l *ProcessLister) Inspect(ctx context.Context, pid int) (ProcessInfo, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessInfo{}, domain.Wrap(domain.ErrProbeTransient, pkgerrors.Wrapf(err, "process %d", pid))
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ProcessInfo{}, domain.Wrap(domain.ErrProbeTransient, pkgerrors.Wrapf(err, "name of process %d", pid))
	}

	info := ProcessInfo{Name: name}
	exe, err := p.ExeWithContext(ctx)
	switch {
	case err == nil:
		info.Exe = exe
	case isAccessDenied(err):
		info.AccessLimited = true
	default:
		if running, _ := p.IsRunningWithContext(ctx); !running {
			return ProcessInfo{}, domain.Wrap(domain.ErrProbeTransient, pkgerrors.Wrapf(err, "process %d exited", pid))
		}
		info.AccessLimited = true
	}
	return info, nil
}

// IsRunning reports whether pid exists.
func (l *ProcessLister) IsRunning(ctx context.Context, pid int) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// Terminate asks pid to exit (SIGTERM on Unix).
func (l *ProcessLister) Terminate(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return pkgerrors.Wrapf(err, "process %d", pid)
	}
	return pkgerrors.Wrapf(p.TerminateWithContext(ctx), "terminate %d", pid)
}

// Snapshot builds a focus snapshot from window data and process info.
func Snapshot(pid int, windowID uint64, title, appName string, info ProcessInfo) domain.FocusSnapshot {
	identifier := info.Exe
	if identifier == "" {
		identifier = info.Name
	}
	if appName == "" {
		appName = DisplayName(info)
	}
	return domain.FocusSnapshot{
		ProcessID:      pid,
		WindowID:       windowID,
		WindowTitle:    title,
		AppName:        appName,
		AppIdentifier:  identifier,
		ProcessName:    info.Name,
		ExecutablePath: info.Exe,
		AccessLimited:  info.AccessLimited,
	}
}

// DisplayName derives a readable app name from the executable or process name.
func DisplayName(info ProcessInfo) string {
	name := info.Name
	if info.Exe != "" {
		name = filepath.Base(strings.ReplaceAll(info.Exe, `\`, "/"))
	}
	return strings.TrimSuffix(strings.TrimSuffix(name, ".exe"), ".EXE")
}

func isAccessDenied(err error) bool {
	return errors.Is(err, os.ErrPermission)
}

var _ domain.ProcessLister = (*ProcessLister)(nil)
