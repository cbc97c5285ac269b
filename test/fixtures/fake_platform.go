// Package fixtures provides test doubles shared by unit and integration tests.
package fixtures

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// FakePlatform is a scriptable domain.Platform.
type FakePlatform struct {
	mu sync.Mutex

	name      string
	supported bool
	granted   bool
	focus     *domain.FocusSnapshot
	sampleErr error
	processes []domain.ProcessEntry
	tiers     []domain.TabStrategy
	notify    func()
	closed    bool

	PermissionChecks   int
	PermissionRequests int
	SettingsOpened     int
	ListCalls          int
	Samples            int
}

// NewFakePlatform returns a supported platform with permissions granted and nothing focused.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{name: "fake", supported: true, granted: true}
}

// SetFocus makes snap the focused window and fires the focus hook.
func (f *FakePlatform) SetFocus(snap domain.FocusSnapshot) {
	f.mu.Lock()
	f.focus = &snap
	f.sampleErr = nil
	notify := f.notify
	f.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// ClearFocus makes samples fail transiently, as with no focused window.
func (f *FakePlatform) ClearFocus() {
	f.mu.Lock()
	f.focus = nil
	f.mu.Unlock()
}

// FailSamples makes every sample return err.
func (f *FakePlatform) FailSamples(err error) {
	f.mu.Lock()
	f.sampleErr = err
	f.mu.Unlock()
}

func (f *FakePlatform) SetSupported(v bool) {
	f.mu.Lock()
	f.supported = v
	f.mu.Unlock()
}

func (f *FakePlatform) SetGranted(v bool) {
	f.mu.Lock()
	f.granted = v
	f.mu.Unlock()
}

func (f *FakePlatform) SetProcesses(entries []domain.ProcessEntry) {
	f.mu.Lock()
	f.processes = append([]domain.ProcessEntry(nil), entries...)
	f.mu.Unlock()
}

func (f *FakePlatform) SetTabStrategies(tiers ...domain.TabStrategy) {
	f.mu.Lock()
	f.tiers = tiers
	f.mu.Unlock()
}

// Calls returns a consistent copy of the call counters.
func (f *FakePlatform) Calls() (checks, requests, lists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PermissionChecks, f.PermissionRequests, f.ListCalls
}

func (f *FakePlatform) HookRegistered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notify != nil
}

func (f *FakePlatform) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakePlatform) Name() string { return f.name }

func (f *FakePlatform) Supported() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supported
}

func (f *FakePlatform) Sample(ctx context.Context) (domain.FocusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Samples++
	if f.sampleErr != nil {
		return domain.FocusSnapshot{}, f.sampleErr
	}
	if f.focus == nil {
		return domain.FocusSnapshot{}, domain.Wrap(domain.ErrProbeTransient, errors.New("no focused window"))
	}
	return *f.focus, nil
}

func (f *FakePlatform) RegisterHook(notify func()) (func() error, error) {
	f.mu.Lock()
	f.notify = notify
	f.mu.Unlock()
	return func() error {
		f.mu.Lock()
		f.notify = nil
		f.mu.Unlock()
		return nil
	}, nil
}

func (f *FakePlatform) ListProcesses(ctx context.Context) ([]domain.ProcessEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	return append([]domain.ProcessEntry(nil), f.processes...), nil
}

func (f *FakePlatform) CheckPermission(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PermissionChecks++
	if f.granted {
		return nil
	}
	return errors.New("focus capability not granted")
}

func (f *FakePlatform) RequestPermission(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PermissionRequests++
	return nil
}

func (f *FakePlatform) OpenSystemSettings(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SettingsOpened++
	return nil
}

func (f *FakePlatform) TabStrategies(domain.Config) []domain.TabStrategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TabStrategy(nil), f.tiers...)
}

func (f *FakePlatform) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

var _ domain.Platform = (*FakePlatform)(nil)

// App returns a snapshot of a regular user application.
func App(pid int, name string) domain.FocusSnapshot {
	return domain.FocusSnapshot{
		ProcessID:      pid,
		AppName:        name,
		ProcessName:    name,
		AppIdentifier:  "/usr/bin/" + name,
		ExecutablePath: "/usr/bin/" + name,
		WindowTitle:    name,
	}
}

// Browser returns a Chrome snapshot showing a page with the given title.
func Browser(pid int, pageTitle string) domain.FocusSnapshot {
	return domain.FocusSnapshot{
		ProcessID:      pid,
		AppName:        "Google Chrome",
		ProcessName:    "chrome",
		AppIdentifier:  "/opt/google/chrome/chrome",
		ExecutablePath: "/opt/google/chrome/chrome",
		WindowTitle:    pageTitle + " - Google Chrome",
	}
}

// SyntheticProcesses returns n process entries cycling through the ways a
// Linux process is classified as system, plus the number of user entries.
func SyntheticProcesses(n int) (entries []domain.ProcessEntry, userCount int) {
	for i := 0; i < n; i++ {
		pid := 1000 + i
		e := domain.ProcessEntry{PID: pid, UID: 1000, Username: "alice"}
		switch i % 5 {
		case 0:
			e.Name = "kworker/" + fmt.Sprint(i)
			e.NoExecutable = true
		case 1:
			e.Name = fmt.Sprintf("daemon-%d", i)
			e.Exe = "/usr/sbin/" + e.Name
			e.UID = 0
			e.Username = "root"
		case 2:
			e.Name = "systemd-journald"
			e.Exe = "/usr/lib/systemd/systemd-journald"
		default:
			e.Name = fmt.Sprintf("app-%03d", i)
			e.Exe = "/home/alice/bin/" + e.Name
			userCount++
		}
		entries = append(entries, e)
	}
	return entries, userCount
}
