// Package daemon implements the focus detector loop and the permission gate.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
	"github.com/eliteGoblin/focusd/focustrack/internal/policy"
	"github.com/eliteGoblin/focusd/focustrack/internal/resolver"
)

// Settings is the live configuration seen by the detector.
// The filter is built from the same config and validated before the swap.
type Settings struct {
	Config domain.Config
	Filter *policy.AppFilter
}

// DetectorDeps holds the collaborators of a Detector.
type DetectorDeps struct {
	Probe     domain.Probe
	Hooks     domain.HookRegistrar // optional; nil means poll only
	Browsers  *policy.Registry
	Tabs      domain.TabResolver // optional; nil disables tab tracking
	Sink      domain.EventSink
	Normalize resolver.NormalizeFunc
	Clock     func() time.Time

	// Permission shares the denial cooldown with StartTracking. Nil means
	// a private gate with the default cooldown.
	Permission *PermissionGate
}

// DetectorStatus is a read-only view of the detector for diagnostics.
type DetectorStatus struct {
	State                domain.TrackerState
	Current              *domain.FocusSnapshot
	FocusStart           time.Time
	Browser              string
	ProbeTransientErrors uint64
	AccessDeniedCount    uint64
	Panics               uint64
	StaleTabResults      uint64
	ThrottledSamples     uint64
	Permission           domain.PermissionState
	LastError            string
}

type tabResult struct {
	generation uint64
	info       domain.BrowserTabInfo
}

// Detector turns probe samples into focus events for one tracking session.
// All fields below the status mutex are owned by the Run goroutine.
type Detector struct {
	deps     DetectorDeps
	session  domain.TrackingSession
	settings atomic.Pointer[Settings]
	logger   *zap.Logger

	wake       chan struct{}
	tabResults chan tabResult

	transient    atomic.Uint64
	accessDenied atomic.Uint64
	panics       atomic.Uint64
	stale        atomic.Uint64
	throttled    atomic.Uint64

	statusMu   sync.Mutex
	state      domain.TrackerState
	published  *domain.FocusSnapshot
	publishAt  time.Time
	publishApp string
	lastErr    string

	current    domain.FocusSnapshot
	hasCurrent bool
	emitting   bool
	browser    policy.BrowserPolicy
	focusStart time.Time
	lastTick   time.Time
	generation uint64
	inflight   bool
	tab        *domain.BrowserTabInfo
	tabStart   time.Time
}

// NewDetector creates a detector for one session.
func NewDetector(deps DetectorDeps, session domain.TrackingSession, settings Settings, logger *zap.Logger) *Detector {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Normalize == nil {
		deps.Normalize = resolver.DefaultNormalizer
	}
	if deps.Browsers == nil {
		deps.Browsers = policy.NewRegistry()
	}
	if deps.Permission == nil {
		deps.Permission = NewPermissionGate(DefaultGateConfig(), nil, deps.Clock, logger.Named("permission"))
	}
	d := &Detector{
		deps:       deps,
		session:    session,
		logger:     logger.With(zap.String("session", session.ID)),
		wake:       make(chan struct{}, 1),
		tabResults: make(chan tabResult, 1),
		state:      domain.StateIdle,
	}
	d.Apply(settings)
	return d
}

// Apply swaps the live settings. Cadence changes take effect on the next tick.
func (d *Detector) Apply(s Settings) {
	s.Config = s.Config.Normalize()
	d.settings.Store(&s)
}

// Notify wakes the loop for an immediate sample. It never blocks and is
// passed to the OS hook as its callback.
func (d *Detector) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run samples until ctx is cancelled, then emits a final lost event.
// The returned error joins any cleanup failures.
func (d *Detector) Run(ctx context.Context) (err error) {
	d.setState(domain.StateArmed)

	var unregister func() error
	if d.deps.Hooks != nil {
		unregister, err = d.deps.Hooks.RegisterHook(d.Notify)
		if err != nil {
			d.logger.Warn("focus hook unavailable, polling only", zap.Error(err))
			unregister = nil
		}
	}

	interval := d.interval()
	ticker := time.NewTicker(interval)

	defer func() {
		d.setState(domain.StateStopping)
		var cleanup []error
		if unregister != nil {
			if uerr := unregister(); uerr != nil {
				cleanup = append(cleanup, fmt.Errorf("unregister focus hook: %w", uerr))
			}
		}
		ticker.Stop()
		d.stop()
		d.setState(domain.StateIdle)

		err = errors.Join(cleanup...)
		if err != nil {
			d.logger.Warn("detector cleanup failed", zap.Error(err))
		}
	}()

	d.logger.Info("focus detector started", zap.Duration("interval", interval))
	d.safeStep(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("focus detector stopping")
			return nil

		case <-ticker.C:
			d.safeStep(ctx)

		case <-d.wake:
			d.safeStep(ctx)

		case res := <-d.tabResults:
			d.handleTab(res)
		}

		if next := d.interval(); next != interval {
			interval = next
			ticker.Reset(interval)
			d.logger.Debug("sample interval changed", zap.Duration("interval", interval))
		}
	}
}

// State returns the lifecycle state.
func (d *Detector) State() domain.TrackerState {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.state
}

// Status returns counters and the current focus for diagnostics.
func (d *Detector) Status() DetectorStatus {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	st := DetectorStatus{
		State:                d.state,
		FocusStart:           d.publishAt,
		Browser:              d.publishApp,
		ProbeTransientErrors: d.transient.Load(),
		AccessDeniedCount:    d.accessDenied.Load(),
		Panics:               d.panics.Load(),
		StaleTabResults:      d.stale.Load(),
		ThrottledSamples:     d.throttled.Load(),
		Permission:           d.deps.Permission.State(),
		LastError:            d.lastErr,
	}
	if d.published != nil {
		snap := *d.published
		st.Current = &snap
	}
	return st
}

func (d *Detector) setState(s domain.TrackerState) {
	d.statusMu.Lock()
	d.state = s
	d.statusMu.Unlock()
}

func (d *Detector) setLastError(err error) {
	d.statusMu.Lock()
	d.lastErr = err.Error()
	d.statusMu.Unlock()
}

func (d *Detector) interval() time.Duration {
	cfg := d.settings.Load().Config
	if d.browser != nil {
		return cfg.BrowserSampleInterval()
	}
	return cfg.SampleInterval()
}

func (d *Detector) safeStep(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			d.panics.Add(1)
			d.setLastError(fmt.Errorf("detector step panicked: %v", p))
			d.logger.Error("detector step panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	d.step(ctx)
}

// step takes one sample and emits whatever transition it implies.
func (d *Detector) step(ctx context.Context) {
	if _, throttled := d.deps.Permission.Throttled(); throttled {
		d.throttled.Add(1)
		return
	}
	now := d.deps.Clock()
	snap, err := d.deps.Probe.Sample(ctx)
	if err != nil {
		d.sampleFailed(err)
		return
	}
	d.deps.Permission.Grant()
	if snap.Timestamp.IsZero() {
		snap.Timestamp = now
	}
	if snap.AccessLimited {
		d.accessDenied.Add(1)
		d.logger.Debug("executable path not readable, using process name",
			zap.Int("pid", snap.ProcessID),
			zap.String("process", snap.ProcessName))
	}

	s := d.settings.Load()

	if !d.hasCurrent {
		d.focus(ctx, snap, now, s)
		d.setState(domain.StateTracking)
		return
	}

	if !snap.SameIdentity(d.current) {
		d.emit(d.newEvent(domain.EventLost, d.current, now, now.Sub(d.focusStart), s))
		d.focus(ctx, snap, now, s)
		return
	}

	d.current = snap

	if s.Config.EnableDurationTracking && now.Sub(d.lastTick) >= s.Config.UpdateInterval() {
		d.emit(d.newEvent(domain.EventDurationTick, snap, now, now.Sub(d.focusStart), s))
		d.lastTick = now
	}

	if d.browser != nil && s.Config.EnableBrowserTabTracking {
		d.launchResolve(ctx, snap)
	}
}

func (d *Detector) sampleFailed(err error) {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		d.setLastError(err)
		d.deps.Permission.Deny(err)
	case errors.Is(err, domain.ErrProbeTransient):
		d.transient.Add(1)
		d.logger.Debug("focus sample unavailable", zap.Error(err))
	default:
		d.transient.Add(1)
		d.setLastError(err)
		d.logger.Warn("focus sample failed", zap.Error(err))
	}
}

// focus makes snap the new baseline and emits gained for it.
func (d *Detector) focus(ctx context.Context, snap domain.FocusSnapshot, now time.Time, s *Settings) {
	d.current = snap
	d.hasCurrent = true
	d.focusStart = now
	d.lastTick = now
	d.generation++
	d.tab = nil
	d.tabStart = now
	d.emitting = s.Filter == nil || s.Filter.ShouldTrack(snap)

	d.browser = nil
	if bp, ok := d.deps.Browsers.Match(snap); ok {
		d.browser = bp
	}

	ev := d.newEvent(domain.EventGained, snap, now, 0, s)
	if ev.Metadata != nil && d.browser != nil {
		info := resolver.ParseTitle(snap.WindowTitle, policy.ToSignature(d.browser))
		ev.Metadata.BrowserTab = &info
	}
	d.emit(ev)
	d.publish()

	if d.browser != nil && s.Config.EnableBrowserTabTracking {
		d.launchResolve(ctx, snap)
	}
}

func (d *Detector) publish() {
	snap := d.current
	name := ""
	if d.browser != nil {
		name = d.browser.ID()
	}
	d.statusMu.Lock()
	d.published = &snap
	d.publishAt = d.focusStart
	d.publishApp = name
	d.statusMu.Unlock()
}

// launchResolve starts a tab resolution unless one is already running.
// The result is tagged with the focus generation so stale answers can be dropped.
func (d *Detector) launchResolve(ctx context.Context, snap domain.FocusSnapshot) {
	if d.inflight || d.deps.Tabs == nil {
		return
	}
	d.inflight = true
	gen := d.generation
	sig := policy.ToSignature(d.browser)

	go func() {
		var info domain.BrowserTabInfo
		func() {
			defer func() {
				if p := recover(); p != nil {
					d.logger.Error("tab resolution panicked", zap.Any("panic", p))
				}
			}()
			info = d.deps.Tabs.Resolve(ctx, snap, sig)
		}()
		// Capacity 1 and a single resolution in flight: this send never blocks.
		d.tabResults <- tabResult{generation: gen, info: info}
	}()
}

func (d *Detector) handleTab(res tabResult) {
	d.inflight = false
	if res.generation != d.generation || d.State() != domain.StateTracking {
		d.stale.Add(1)
		return
	}

	now := d.deps.Clock()
	info := res.info
	if d.tab == nil {
		d.tab = &info
		d.tabStart = now
		return
	}
	if resolver.SameTab(*d.tab, info, d.deps.Normalize) {
		if d.tab.Domain == "" && info.Domain != "" {
			d.tab = &info
		}
		return
	}

	prev := *d.tab
	s := d.settings.Load()
	ev := d.newEvent(domain.EventTabChanged, d.current, now, now.Sub(d.tabStart), s)
	if ev.Metadata == nil {
		ev.Metadata = &domain.EventMetadata{IsBrowser: true}
	}
	ev.Metadata.PreviousTab = &prev
	ev.Metadata.BrowserTab = &info
	d.emit(ev)

	d.tab = &info
	d.tabStart = now
}

// stop emits the final lost event for the focused app.
func (d *Detector) stop() {
	if !d.hasCurrent {
		return
	}
	now := d.deps.Clock()
	d.emit(d.newEvent(domain.EventLost, d.current, now, now.Sub(d.focusStart), d.settings.Load()))
	d.hasCurrent = false
	d.generation++

	d.statusMu.Lock()
	d.published = nil
	d.statusMu.Unlock()
}

func (d *Detector) newEvent(t domain.EventType, snap domain.FocusSnapshot, now time.Time, dur time.Duration, s *Settings) domain.FocusEvent {
	ev := domain.FocusEvent{
		ID:            "evt_" + uuid.NewString(),
		AppName:       snap.AppName,
		AppIdentifier: snap.AppIdentifier,
		ProcessID:     snap.ProcessID,
		Type:          t,
		Timestamp:     now,
		Duration:      dur,
		SessionID:     d.session.ID,
	}
	if s.Config.IncludeMetadata {
		ev.Metadata = &domain.EventMetadata{
			ProcessName: snap.ProcessName,
			WindowTitle: snap.WindowTitle,
			IsBrowser:   d.browser != nil,
		}
	}
	return ev
}

// emit forwards the event unless the focused app is filtered out.
// The decision is taken once per focus so gained and lost stay paired.
func (d *Detector) emit(ev domain.FocusEvent) {
	if !d.emitting {
		return
	}
	d.deps.Sink.Enqueue(ev)
}
