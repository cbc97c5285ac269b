package domain

import (
	"context"
	"regexp"
)

// Probe reads the currently focused window and its owning process.
// Implementations must be safe to call from any goroutine.
type Probe interface {
	// Sample returns the focused window. Recoverable failures wrap ErrProbeTransient.
	Sample(ctx context.Context) (FocusSnapshot, error)
}

// HookRegistrar subscribes to OS focus-change notifications.
type HookRegistrar interface {
	// RegisterHook calls notify whenever the OS reports a focus change.
	// notify must not block. The returned function unregisters the hook.
	RegisterHook(notify func()) (unregister func() error, err error)
}

// ProcessLister reads the OS process table.
// Implementation: gopsutil, individual unreadable processes are skipped.
type ProcessLister interface {
	ListProcesses(ctx context.Context) ([]ProcessEntry, error)
}

// PermissionChecker queries and requests the OS capability tracking needs.
type PermissionChecker interface {
	// CheckPermission returns nil when granted, an error wrapping ErrPermissionDenied otherwise.
	CheckPermission(ctx context.Context) error

	// RequestPermission asks the OS (or the user) to grant the capability.
	RequestPermission(ctx context.Context) error

	// OpenSystemSettings opens the platform's privacy settings, best effort.
	OpenSystemSettings(ctx context.Context) error
}

// TabStrategy is one tier of browser tab resolution.
type TabStrategy interface {
	// Name identifies the tier in diagnostics ("automation", "accessibility", "title").
	Name() string

	// Resolve attempts to read the active tab. A nil info with nil error means "not found".
	Resolve(ctx context.Context, snap FocusSnapshot, browser BrowserSignature) (*BrowserTabInfo, error)
}

// BrowserSignature is the resolver-facing view of a recognized browser.
type BrowserSignature struct {
	ID               string
	Name             string
	SupportsDevTools bool
	TitlePattern     *regexp.Regexp // group 1 captures the page title
}

// Platform is the full capability set of one operating system.
// Exactly one implementation is compiled per OS and selected at startup.
type Platform interface {
	Probe
	HookRegistrar
	ProcessLister
	PermissionChecker

	// Name returns the platform identifier ("linux-x11", "windows").
	Name() string

	// Supported reports whether focus tracking can work at all on this host.
	Supported() bool

	// TabStrategies returns the platform-specific resolver tiers, highest fidelity first.
	// Title parsing is platform independent and added by the resolver.
	TabStrategies(cfg Config) []TabStrategy

	// Close releases OS connections.
	Close() error
}

// Consumer receives dispatched events.
// Events arrive in detection order. A non-nil error marks the batch as failed
// and triggers a bounded retry.
type Consumer interface {
	Consume(events []FocusEvent) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(events []FocusEvent) error

func (f ConsumerFunc) Consume(events []FocusEvent) error {
	return f(events)
}

// EventSink accepts events produced by the detector.
type EventSink interface {
	Enqueue(event FocusEvent)
}

// TabResolver enriches a browser snapshot with tab metadata. It never fails.
type TabResolver interface {
	Resolve(ctx context.Context, snap FocusSnapshot, browser BrowserSignature) BrowserTabInfo
}
