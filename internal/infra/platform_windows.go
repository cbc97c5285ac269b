//go:build windows

package infra

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

const (
	eventSystemForeground = 0x0003
	winEventOutOfContext  = 0x0000
	wmQuit                = 0x0012
)

var (
	user32                 = windows.NewLazySystemDLL("user32.dll")
	procGetWindowTextW     = user32.NewProc("GetWindowTextW")
	procGetWindowTextLenW  = user32.NewProc("GetWindowTextLengthW")
	procSetWinEventHook    = user32.NewProc("SetWinEventHook")
	procUnhookWinEvent     = user32.NewProc("UnhookWinEvent")
	procGetMessageW        = user32.NewProc("GetMessageW")
	procPostThreadMessageW = user32.NewProc("PostThreadMessageW")
)

// foregroundNotify is the callback of the installed WinEvent hook.
// Windows allows a bounded number of callbacks per process, so one is
// created for the lifetime of the process and dispatches through this pointer.
var (
	foregroundNotify atomic.Pointer[func()]
	winEventCallback = windows.NewCallback(func(hook, event, hwnd, idObject, idChild, thread, timestamp uintptr) uintptr {
		if fn := foregroundNotify.Load(); fn != nil {
			(*fn)()
		}
		return 0
	})
)

type winMsg struct {
	hwnd    uintptr
	message uint32
	wParam  uintptr
	lParam  uintptr
	time    uint32
	ptX     int32
	ptY     int32
}

// WindowsPlatform tracks the foreground window with user32.
type WindowsPlatform struct {
	*ProcessLister
	logger *zap.Logger
}

// NewPlatform returns the platform for this OS.
func NewPlatform(logger *zap.Logger) domain.Platform {
	return &WindowsPlatform{ProcessLister: NewProcessLister(logger), logger: logger}
}

func (p *WindowsPlatform) Name() string {
	return "windows"
}

func (p *WindowsPlatform) Supported() bool {
	return true
}

// Sample reads the foreground window. The owning process is opened with
// query-limited access; when even that is denied the snapshot is marked
// AccessLimited and identified by process name.
func (p *WindowsPlatform) Sample(ctx context.Context) (domain.FocusSnapshot, error) {
	hwnd := windows.GetForegroundWindow()
	if hwnd == 0 {
		return domain.FocusSnapshot{}, domain.Wrap(domain.ErrProbeTransient, errors.New("no foreground window"))
	}
	var pid uint32
	if _, err := windows.GetWindowThreadProcessId(hwnd, &pid); err != nil || pid == 0 {
		return domain.FocusSnapshot{}, domain.Wrap(domain.ErrProbeTransient, pkgerrors.Wrap(err, "foreground window owner"))
	}

	info := ProcessInfo{}
	exe, err := imagePath(pid)
	switch {
	case err == nil:
		info.Exe = exe
		info.Name = DisplayName(ProcessInfo{Exe: exe})
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		inspected, ierr := p.Inspect(ctx, int(pid))
		if ierr != nil {
			return domain.FocusSnapshot{}, ierr
		}
		info = ProcessInfo{Name: inspected.Name, AccessLimited: true}
	default:
		return domain.FocusSnapshot{}, domain.Wrap(domain.ErrProbeTransient, pkgerrors.Wrapf(err, "open process %d", pid))
	}

	return Snapshot(int(pid), uint64(hwnd), windowText(hwnd), "", info), nil
}

func imagePath(pid uint32) (string, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_LONG_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:size]), nil
}

func windowText(hwnd windows.HWND) string {
	n, _, _ := procGetWindowTextLenW.Call(uintptr(hwnd))
	if n == 0 {
		return ""
	}
	buf := make([]uint16, n+1)
	procGetWindowTextW.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	return windows.UTF16ToString(buf)
}

// RegisterHook installs an out-of-context EVENT_SYSTEM_FOREGROUND hook on a
// dedicated locked thread running a message loop.
func (p *WindowsPlatform) RegisterHook(notify func()) (func() error, error) {
	if !foregroundNotify.CompareAndSwap(nil, &notify) {
		return nil, errors.New("foreground hook already registered")
	}

	type started struct {
		tid uint32
		err error
	}
	ready := make(chan started, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		hook, _, callErr := procSetWinEventHook.Call(
			eventSystemForeground, eventSystemForeground,
			0, winEventCallback, 0, 0, winEventOutOfContext)
		if hook == 0 {
			ready <- started{err: pkgerrors.Wrap(callErr, "SetWinEventHook")}
			return
		}
		defer procUnhookWinEvent.Call(hook)
		ready <- started{tid: windows.GetCurrentThreadId()}

		var msg winMsg
		for {
			r, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&msg)), 0, 0, 0)
			if int32(r) <= 0 {
				return
			}
		}
	}()

	s := <-ready
	if s.err != nil {
		foregroundNotify.Store(nil)
		<-done
		return nil, s.err
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			r, _, callErr := procPostThreadMessageW.Call(uintptr(s.tid), wmQuit, 0, 0)
			if r == 0 {
				err = pkgerrors.Wrap(callErr, "stop hook thread")
			} else {
				select {
				case <-done:
				case <-time.After(time.Second):
					p.logger.Warn("foreground hook thread did not exit")
				}
			}
			foregroundNotify.Store(nil)
		})
		return err
	}, nil
}

// CheckPermission always succeeds: foreground window queries need no grant.
func (p *WindowsPlatform) CheckPermission(ctx context.Context) error {
	return nil
}

func (p *WindowsPlatform) RequestPermission(ctx context.Context) error {
	return nil
}

func (p *WindowsPlatform) OpenSystemSettings(ctx context.Context) error {
	cmd := exec.Command("rundll32", "url.dll,FileProtocolHandler", "ms-settings:privacy")
	if err := cmd.Start(); err != nil {
		return pkgerrors.Wrap(err, "open privacy settings")
	}
	return cmd.Process.Release()
}

// TabStrategies returns the DevTools tier only. UI Automation is not used,
// so other browsers fall back to title parsing.
func (p *WindowsPlatform) TabStrategies(cfg domain.Config) []domain.TabStrategy {
	if cfg.DevToolsAddress == "" {
		return nil
	}
	return []domain.TabStrategy{NewDevToolsStrategy(cfg.DevToolsAddress, p.logger)}
}

func (p *WindowsPlatform) Close() error {
	return nil
}

var _ domain.Platform = (*WindowsPlatform)(nil)
