// Package domain contains core focus-tracking entities and interfaces.
// This is the innermost layer - no external dependencies.
package domain

import "time"

// EventType identifies the kind of focus transition.
type EventType string

const (
	EventGained       EventType = "gained"
	EventLost         EventType = "lost"
	EventDurationTick EventType = "durationTick"
	EventTabChanged   EventType = "tabChanged"
)

// TrackerState is the lifecycle state of a tracking session.
type TrackerState string

const (
	StateIdle     TrackerState = "idle"
	StateArmed    TrackerState = "armed"
	StateTracking TrackerState = "tracking"
	StateStopping TrackerState = "stopping"
)

// FocusSnapshot is what the probe observed at one point in time.
// Snapshots are immutable once produced.
type FocusSnapshot struct {
	ProcessID      int
	WindowID       uint64
	WindowTitle    string
	AppName        string
	AppIdentifier  string // executable path, falls back to process name
	ProcessName    string
	ExecutablePath string
	Timestamp      time.Time

	// AccessLimited is set when the executable path could not be read and
	// AppIdentifier fell back to the process name.
	AccessLimited bool
}

// SameIdentity reports whether two snapshots refer to the same focused app.
// Title changes inside the same process are handled as tab changes, not focus changes.
func (s FocusSnapshot) SameIdentity(other FocusSnapshot) bool {
	return s.ProcessID == other.ProcessID && s.AppIdentifier == other.AppIdentifier
}

// IsZero reports whether nothing has been observed yet.
func (s FocusSnapshot) IsZero() bool {
	return s.ProcessID == 0 && s.AppIdentifier == ""
}

// BrowserTabInfo describes the active tab of a browser window.
// Domain and URL are empty when no tier could resolve them.
type BrowserTabInfo struct {
	Domain      string `json:"domain,omitempty"`
	URL         string `json:"url,omitempty"`
	Title       string `json:"title"`
	BrowserType string `json:"browserType"`
	Source      string `json:"source,omitempty"` // tier that produced the result
}

// Resolved reports whether a domain was extracted.
func (b BrowserTabInfo) Resolved() bool {
	return b.Domain != ""
}

// EventMetadata carries optional context attached to an event.
type EventMetadata struct {
	ProcessName string          `json:"processName,omitempty"`
	WindowTitle string          `json:"windowTitle,omitempty"`
	IsBrowser   bool            `json:"isBrowser"`
	BrowserTab  *BrowserTabInfo `json:"browserTab,omitempty"`
	PreviousTab *BrowserTabInfo `json:"previousTab,omitempty"`
}

// FocusEvent is a single notification delivered to the consumer.
// Events are immutable once enqueued.
type FocusEvent struct {
	ID            string         `json:"eventId"`
	AppName       string         `json:"appName"`
	AppIdentifier string         `json:"appIdentifier"`
	ProcessID     int            `json:"processId"`
	Type          EventType      `json:"eventType"`
	Timestamp     time.Time      `json:"timestamp"`
	Duration      time.Duration  `json:"-"`
	SessionID     string         `json:"sessionId"`
	Metadata      *EventMetadata `json:"metadata,omitempty"`
}

// DurationMicros returns the event duration in microseconds.
func (e FocusEvent) DurationMicros() int64 {
	return e.Duration.Microseconds()
}

// AppInfo describes a running or focused application.
type AppInfo struct {
	Name           string `json:"name"`
	Identifier     string `json:"identifier"`
	ProcessID      int    `json:"processId"`
	ExecutablePath string `json:"executablePath,omitempty"`
	WindowTitle    string `json:"windowTitle,omitempty"`
	IsSystem       bool   `json:"isSystem"`
	IsBrowser      bool   `json:"isBrowser"`
}

// ProcessEntry is one row of the OS process table.
type ProcessEntry struct {
	PID          int
	Name         string
	Exe          string
	UID          int // -1 when unknown
	Username     string
	NoExecutable bool // kernel threads and similar
}

// TrackingSession represents one start/stop lifecycle.
type TrackingSession struct {
	ID        string
	StartedAt time.Time
	Config    Config
}

// PermissionState is the last known state of the OS capability needed for tracking.
type PermissionState struct {
	Granted       bool      `json:"granted"`
	LastDeniedAt  time.Time `json:"lastDeniedAt,omitempty"`
	ThrottleUntil time.Time `json:"throttleUntil,omitempty"`
	LastRequestAt time.Time `json:"lastRequestAt,omitempty"`
}

// Throttled reports whether OS checks are suppressed at now.
func (p PermissionState) Throttled(now time.Time) bool {
	return !p.ThrottleUntil.IsZero() && now.Before(p.ThrottleUntil)
}

// QueueStats is a point-in-time view of the event queue counters.
type QueueStats struct {
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Diagnostics is the read-only health snapshot of the tracker.
type Diagnostics struct {
	Platform             string          `json:"platform"`
	IsTracking           bool            `json:"isTracking"`
	State                TrackerState    `json:"state"`
	HasPermissions       bool            `json:"hasPermissions"`
	Permission           PermissionState `json:"permission"`
	SessionID            string          `json:"sessionId,omitempty"`
	SessionStartedAt     time.Time       `json:"sessionStartedAt,omitempty"`
	QueueDepth           int             `json:"queueDepth"`
	QueueCapacity        int             `json:"queueCapacity"`
	EnqueuedEvents       uint64          `json:"enqueuedEvents"`
	DeliveredEvents      uint64          `json:"deliveredEvents"`
	DroppedEvents        uint64          `json:"droppedEvents"`
	FailedDeliveries     uint64          `json:"failedDeliveries"`
	ProbeTransientErrors uint64          `json:"probeTransientErrors"`
	AccessDeniedCount    uint64          `json:"accessDeniedCount"`
	LastError            string          `json:"lastError,omitempty"`
	CurrentApp           *AppInfo        `json:"currentApp,omitempty"`
	FocusDuration        time.Duration   `json:"focusDuration"`
	Config               Config          `json:"config"`
}

// TierResult records one resolver tier attempt.
type TierResult struct {
	Name    string          `json:"name"`
	Result  *BrowserTabInfo `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Elapsed time.Duration   `json:"elapsed"`
}

// URLDebugReport explains how the active tab was (or was not) resolved.
type URLDebugReport struct {
	WindowTitle string         `json:"windowTitle"`
	AppName     string         `json:"appName"`
	BrowserType string         `json:"browserType,omitempty"`
	IsBrowser   bool           `json:"isBrowser"`
	Tiers       []TierResult   `json:"tiers"`
	Final       BrowserTabInfo `json:"finalResolved"`
}
