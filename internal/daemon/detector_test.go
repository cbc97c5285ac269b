package daemon

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
	"github.com/eliteGoblin/focusd/focustrack/internal/policy"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptProbe returns whatever the test sets.
type scriptProbe struct {
	mu    sync.Mutex
	snap  domain.FocusSnapshot
	err   error
	panic bool
	calls int
}

func (p *scriptProbe) Set(snap domain.FocusSnapshot) {
	p.mu.Lock()
	p.snap, p.err = snap, nil
	p.mu.Unlock()
}

func (p *scriptProbe) Fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *scriptProbe) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptProbe) Sample(context.Context) (domain.FocusSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.panic {
		p.panic = false
		panic("probe exploded")
	}
	if p.err != nil {
		return domain.FocusSnapshot{}, p.err
	}
	return p.snap, nil
}

// recordSink collects emitted events.
type recordSink struct {
	mu     sync.Mutex
	events []domain.FocusEvent
}

func (s *recordSink) Enqueue(ev domain.FocusEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordSink) Events() []domain.FocusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.FocusEvent(nil), s.events...)
}

func (s *recordSink) Types() []domain.EventType {
	var out []domain.EventType
	for _, ev := range s.Events() {
		out = append(out, ev.Type)
	}
	return out
}

// fakeTabs resolves tabs with a test-supplied function.
type fakeTabs struct {
	resolve func(snap domain.FocusSnapshot) domain.BrowserTabInfo
}

func (f *fakeTabs) Resolve(_ context.Context, snap domain.FocusSnapshot, _ domain.BrowserSignature) domain.BrowserTabInfo {
	return f.resolve(snap)
}

type fakeHooks struct {
	mu           sync.Mutex
	notify       func()
	unregistered bool
}

func (h *fakeHooks) RegisterHook(notify func()) (func() error, error) {
	h.mu.Lock()
	h.notify = notify
	h.mu.Unlock()
	return func() error {
		h.mu.Lock()
		h.unregistered = true
		h.mu.Unlock()
		return nil
	}, nil
}

func (h *fakeHooks) Fire() {
	h.mu.Lock()
	n := h.notify
	h.mu.Unlock()
	if n != nil {
		n()
	}
}

func app(pid int, name string) domain.FocusSnapshot {
	return domain.FocusSnapshot{
		ProcessID:      pid,
		AppName:        name,
		ProcessName:    name,
		AppIdentifier:  "/usr/bin/" + name,
		ExecutablePath: "/usr/bin/" + name,
		WindowTitle:    name + " window",
	}
}

func chrome(title string) domain.FocusSnapshot {
	return domain.FocusSnapshot{
		ProcessID:      4242,
		AppName:        "Google Chrome",
		ProcessName:    "chrome",
		AppIdentifier:  "/opt/google/chrome/chrome",
		ExecutablePath: "/opt/google/chrome/chrome",
		WindowTitle:    title + " - Google Chrome",
	}
}

type harness struct {
	clock  *fakeClock
	probe  *scriptProbe
	sink   *recordSink
	det    *Detector
	config domain.Config
}

func newHarness(t *testing.T, cfg domain.Config, tabs domain.TabResolver, filter *policy.AppFilter) *harness {
	t.Helper()
	h := &harness{
		clock:  newFakeClock(),
		probe:  &scriptProbe{},
		sink:   &recordSink{},
		config: cfg,
	}
	h.det = NewDetector(DetectorDeps{
		Probe:    h.probe,
		Browsers: policy.NewRegistry(),
		Tabs:     tabs,
		Sink:     h.sink,
		Clock:    h.clock.Now,
	}, domain.TrackingSession{ID: "session_test"}, Settings{Config: cfg, Filter: filter}, zap.NewNop())
	return h
}

func (h *harness) step() {
	h.det.safeStep(context.Background())
}

// settle waits for the in-flight tab resolution and applies it, as Run would.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	select {
	case res := <-h.det.tabResults:
		h.det.handleTab(res)
	case <-time.After(2 * time.Second):
		t.Fatal("tab resolution did not complete")
	}
}

func scenarioConfig() domain.Config {
	cfg := domain.DefaultConfig()
	cfg.UpdateIntervalMs = 100
	cfg.PollIntervalMs = 100
	cfg.EnableDurationTracking = false
	cfg.EnableBrowserTabTracking = false
	return cfg
}

func TestDetector_FocusSwitchEmitsLostThenGained(t *testing.T) {
	h := newHarness(t, scenarioConfig(), nil, nil)

	h.probe.Set(app(100, "editor"))
	h.step()
	h.clock.Advance(100 * time.Millisecond)
	h.step()
	h.clock.Advance(100 * time.Millisecond)
	h.step()
	h.clock.Advance(50 * time.Millisecond)
	h.probe.Set(app(200, "terminal"))
	h.step()

	events := h.sink.Events()
	require.Len(t, events, 3)

	assert.Equal(t, domain.EventGained, events[0].Type)
	assert.Equal(t, "editor", events[0].AppName)
	assert.Zero(t, events[0].Duration)

	assert.Equal(t, domain.EventLost, events[1].Type)
	assert.Equal(t, "editor", events[1].AppName)
	assert.Equal(t, 250*time.Millisecond, events[1].Duration)
	assert.EqualValues(t, 250000, events[1].DurationMicros())

	assert.Equal(t, domain.EventGained, events[2].Type)
	assert.Equal(t, "terminal", events[2].AppName)
	assert.Equal(t, events[1].Timestamp, events[2].Timestamp, "lost and gained come from the same sample")

	for _, ev := range events {
		assert.Equal(t, "session_test", ev.SessionID)
		assert.Regexp(t, `^evt_[0-9a-f-]{36}$`, ev.ID)
	}
	assert.Equal(t, domain.StateTracking, h.det.State())
}

func TestDetector_DurationTicksCarryCumulativeTime(t *testing.T) {
	cfg := scenarioConfig()
	cfg.EnableDurationTracking = true
	h := newHarness(t, cfg, nil, nil)

	h.probe.Set(app(100, "editor"))
	h.step()
	h.clock.Advance(60 * time.Millisecond)
	h.step() // below the update interval
	h.clock.Advance(60 * time.Millisecond)
	h.step()
	h.clock.Advance(100 * time.Millisecond)
	h.step()

	events := h.sink.Events()
	require.Equal(t, []domain.EventType{domain.EventGained, domain.EventDurationTick, domain.EventDurationTick}, h.sink.Types())
	assert.Equal(t, 120*time.Millisecond, events[1].Duration)
	assert.Equal(t, 220*time.Millisecond, events[2].Duration)
}

func TestDetector_SameProcessTitleChangeIsNotFocusChange(t *testing.T) {
	h := newHarness(t, scenarioConfig(), nil, nil)

	snap := app(100, "editor")
	h.probe.Set(snap)
	h.step()

	snap.WindowTitle = "other file"
	h.probe.Set(snap)
	h.step()

	assert.Equal(t, []domain.EventType{domain.EventGained}, h.sink.Types())
}

func TestDetector_GainedLostPairingOverRandomSequences(t *testing.T) {
	apps := []domain.FocusSnapshot{app(1, "editor"), app(2, "terminal"), app(3, "mail"), app(4, "music")}
	transient := domain.Wrap(domain.ErrProbeTransient, errors.New("no focused window"))

	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		cfg := scenarioConfig()
		cfg.EnableDurationTracking = rng.Intn(2) == 0
		h := newHarness(t, cfg, nil, nil)

		for i := 0; i < 500; i++ {
			if rng.Intn(5) == 0 {
				h.probe.Fail(transient)
			} else {
				h.probe.Set(apps[rng.Intn(len(apps))])
			}
			h.clock.Advance(time.Duration(rng.Intn(300)) * time.Millisecond)
			h.step()
		}
		h.det.stop()

		var open *domain.FocusEvent
		for _, ev := range h.sink.Events() {
			ev := ev
			switch ev.Type {
			case domain.EventGained:
				require.Nil(t, open, "seed %d: gained while %v still focused", seed, open)
				open = &ev
			case domain.EventLost:
				require.NotNil(t, open, "seed %d: lost without gained", seed)
				require.Equal(t, open.AppIdentifier, ev.AppIdentifier, "seed %d", seed)
				require.Equal(t, open.ProcessID, ev.ProcessID, "seed %d", seed)
				require.Equal(t, ev.Timestamp.Sub(open.Timestamp), ev.Duration, "seed %d", seed)
				open = nil
			case domain.EventDurationTick:
				require.NotNil(t, open, "seed %d: tick outside a focus period", seed)
				require.Equal(t, open.AppIdentifier, ev.AppIdentifier, "seed %d", seed)
			}
		}
		assert.Nil(t, open, "seed %d: stop must close the last focus period", seed)
	}
}

func TestDetector_FilteredAppsKeepPairing(t *testing.T) {
	cfg := scenarioConfig()
	cfg.ExcludedApps = []string{"mail"}
	filter, err := policy.NewAppFilter(cfg, policy.NewSystemAppsFor("linux"))
	require.NoError(t, err)
	h := newHarness(t, cfg, nil, filter)

	for _, s := range []domain.FocusSnapshot{app(1, "editor"), app(3, "mail"), app(1, "editor"), app(3, "mail")} {
		h.probe.Set(s)
		h.step()
		h.clock.Advance(10 * time.Millisecond)
	}
	h.det.stop()

	events := h.sink.Events()
	require.Equal(t, []domain.EventType{
		domain.EventGained, domain.EventLost, domain.EventGained, domain.EventLost,
	}, h.sink.Types())
	for _, ev := range events {
		assert.Equal(t, "editor", ev.AppName)
	}
}

func TestDetector_TransientFirstSampleDefersBaseline(t *testing.T) {
	h := newHarness(t, scenarioConfig(), nil, nil)

	h.probe.Fail(domain.Wrap(domain.ErrProbeTransient, errors.New("window vanished")))
	h.step()
	assert.Empty(t, h.sink.Events())
	assert.Equal(t, domain.StateIdle, h.det.State())

	h.probe.Set(app(100, "editor"))
	h.step()
	assert.Equal(t, []domain.EventType{domain.EventGained}, h.sink.Types())
	assert.EqualValues(t, 1, h.det.Status().ProbeTransientErrors)
}

func TestDetector_PanicInStepIsContained(t *testing.T) {
	h := newHarness(t, scenarioConfig(), nil, nil)
	h.probe.Set(app(100, "editor"))
	h.probe.panic = true

	assert.NotPanics(t, h.step)
	h.step()

	status := h.det.Status()
	assert.EqualValues(t, 1, status.Panics)
	assert.Contains(t, status.LastError, "probe exploded")
	assert.Equal(t, []domain.EventType{domain.EventGained}, h.sink.Types())
}

func TestDetector_AccessLimitedSamplesAreCounted(t *testing.T) {
	h := newHarness(t, scenarioConfig(), nil, nil)
	snap := app(100, "daemon")
	snap.AppIdentifier = "daemon"
	snap.ExecutablePath = ""
	snap.AccessLimited = true
	h.probe.Set(snap)

	h.step()
	h.step()

	assert.EqualValues(t, 2, h.det.Status().AccessDeniedCount)
	require.Len(t, h.sink.Events(), 1)
	assert.Equal(t, "daemon", h.sink.Events()[0].AppIdentifier)
}

func tabConfig() domain.Config {
	cfg := scenarioConfig()
	cfg.EnableBrowserTabTracking = true
	return cfg
}

func titleTabs() *fakeTabs {
	return &fakeTabs{resolve: func(snap domain.FocusSnapshot) domain.BrowserTabInfo {
		return domain.BrowserTabInfo{
			Domain:      "mail.example.com",
			URL:         "https://mail.example.com",
			Title:       snap.WindowTitle,
			BrowserType: "chrome",
			Source:      "automation",
		}
	}}
}

func TestDetector_UnreadCounterIsNotTabChange(t *testing.T) {
	h := newHarness(t, tabConfig(), titleTabs(), nil)

	h.probe.Set(chrome("Inbox (3 unread)"))
	h.step()
	h.settle(t) // seeds the baseline

	h.clock.Advance(100 * time.Millisecond)
	h.probe.Set(chrome("Inbox (7 unread)"))
	h.step()
	h.settle(t)

	assert.Equal(t, []domain.EventType{domain.EventGained}, h.sink.Types())
}

func TestDetector_NavigationEmitsTabChanged(t *testing.T) {
	h := newHarness(t, tabConfig(), titleTabs(), nil)

	h.probe.Set(chrome("Page A"))
	h.step()
	h.settle(t)

	h.clock.Advance(400 * time.Millisecond)
	h.probe.Set(chrome("Page B"))
	h.step()
	h.settle(t)

	events := h.sink.Events()
	require.Equal(t, []domain.EventType{domain.EventGained, domain.EventTabChanged}, h.sink.Types())

	gained := events[0]
	require.NotNil(t, gained.Metadata)
	assert.True(t, gained.Metadata.IsBrowser)
	require.NotNil(t, gained.Metadata.BrowserTab, "gained carries the title-parsed tab")
	assert.Equal(t, "Page A", gained.Metadata.BrowserTab.Title)

	changed := events[1]
	require.NotNil(t, changed.Metadata)
	require.NotNil(t, changed.Metadata.PreviousTab)
	require.NotNil(t, changed.Metadata.BrowserTab)
	assert.Equal(t, "Page A - Google Chrome", changed.Metadata.PreviousTab.Title)
	assert.Equal(t, "Page B - Google Chrome", changed.Metadata.BrowserTab.Title)
	assert.Equal(t, 400*time.Millisecond, changed.Duration)
}

func TestDetector_StaleTabResultIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	tabs := &fakeTabs{resolve: func(snap domain.FocusSnapshot) domain.BrowserTabInfo {
		<-release
		return domain.BrowserTabInfo{Domain: "example.com", Title: snap.WindowTitle}
	}}
	h := newHarness(t, tabConfig(), tabs, nil)

	h.probe.Set(chrome("Page A"))
	h.step()
	h.probe.Set(app(7, "terminal"))
	h.step()

	close(release)
	h.settle(t)

	assert.Equal(t, []domain.EventType{domain.EventGained, domain.EventLost, domain.EventGained}, h.sink.Types())
	assert.EqualValues(t, 1, h.det.Status().StaleTabResults)
	assert.False(t, h.det.inflight)
}

func TestDetector_BrowserFocusUsesFasterCadence(t *testing.T) {
	cfg := domain.DefaultConfig()
	h := newHarness(t, cfg, nil, nil)

	h.probe.Set(app(1, "editor"))
	h.step()
	assert.Equal(t, cfg.SampleInterval(), h.det.interval())

	h.probe.Set(chrome("Docs"))
	h.step()
	assert.Equal(t, cfg.BrowserSampleInterval(), h.det.interval())
	assert.Less(t, h.det.interval(), cfg.SampleInterval())
}

func TestDetector_ApplySwapsSettings(t *testing.T) {
	h := newHarness(t, scenarioConfig(), nil, nil)

	next := scenarioConfig()
	next.PollIntervalMs = 40
	h.det.Apply(Settings{Config: next})

	assert.Equal(t, 40*time.Millisecond, h.det.interval())
}

func TestDetector_RunStopsCleanly(t *testing.T) {
	probe := &scriptProbe{}
	probe.Set(app(1, "editor"))
	sink := &recordSink{}
	hooks := &fakeHooks{}

	cfg := scenarioConfig()
	cfg.PollIntervalMs = 20
	det := NewDetector(DetectorDeps{Probe: probe, Hooks: hooks, Sink: sink},
		domain.TrackingSession{ID: "session_run"}, Settings{Config: cfg}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- det.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StateTracking, det.State())

	probe.Set(app(2, "terminal"))
	hooks.Fire()
	require.Eventually(t, func() bool { return len(sink.Events()) == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("detector did not stop")
	}

	assert.Equal(t, []domain.EventType{
		domain.EventGained, domain.EventLost, domain.EventGained, domain.EventLost,
	}, sink.Types())
	assert.Equal(t, "terminal", sink.Events()[3].AppName)
	assert.Equal(t, domain.StateIdle, det.State())
	assert.Nil(t, det.Status().Current)

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.True(t, hooks.unregistered)
}

func TestDetector_DenialSuppressesSamplingDuringCooldown(t *testing.T) {
	h := newHarness(t, scenarioConfig(), nil, nil)

	h.probe.Set(app(100, "editor"))
	h.step()
	require.Equal(t, 1, h.probe.Calls())
	assert.True(t, h.det.Status().Permission.Granted)

	h.probe.Fail(domain.Wrap(domain.ErrPermissionDenied, errors.New("display refused connection")))
	h.step()
	require.Equal(t, 2, h.probe.Calls())

	for i := 0; i < 50; i++ {
		h.clock.Advance(20 * time.Millisecond)
		h.step()
	}
	assert.Equal(t, 2, h.probe.Calls(), "no OS sample inside the cooldown")

	status := h.det.Status()
	assert.False(t, status.Permission.Granted)
	assert.True(t, status.Permission.Throttled(h.clock.Now()))
	assert.EqualValues(t, 50, status.ThrottledSamples)
	assert.Contains(t, status.LastError, "display refused connection")

	h.clock.Advance(30 * time.Second)
	h.probe.Set(app(100, "editor"))
	h.step()
	assert.Equal(t, 3, h.probe.Calls())
	assert.True(t, h.det.Status().Permission.Granted)
	assert.Equal(t, []domain.EventType{domain.EventGained}, h.sink.Types(), "same app after the cooldown is not a new focus")
}

func TestDetector_SharedGateRejectsStartDuringCooldown(t *testing.T) {
	clock := newFakeClock()
	checker := &mockChecker{granted: true}
	gate := NewPermissionGate(GateConfig{Cooldown: 30 * time.Second}, checker, clock.Now, zap.NewNop())
	probe := &scriptProbe{}
	det := NewDetector(DetectorDeps{
		Probe:      probe,
		Sink:       &recordSink{},
		Clock:      clock.Now,
		Permission: gate,
	}, domain.TrackingSession{ID: "session_test"}, Settings{Config: scenarioConfig()}, zap.NewNop())

	probe.Fail(domain.Wrap(domain.ErrPermissionDenied, errors.New("revoked")))
	det.safeStep(context.Background())

	err := gate.Check(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	checks, _ := checker.counts()
	assert.Zero(t, checks, "cached denial is returned without asking the OS")
}

func TestDetector_FlakyTierIsNotTabChange(t *testing.T) {
	var polls int
	tabs := &fakeTabs{resolve: func(snap domain.FocusSnapshot) domain.BrowserTabInfo {
		polls++
		if polls%2 == 1 {
			return domain.BrowserTabInfo{Domain: "mail.example.com", URL: "https://mail.example.com", Title: "Inbox (2)", Source: "automation"}
		}
		return domain.BrowserTabInfo{Title: "Inbox", Source: "title"}
	}}
	h := newHarness(t, tabConfig(), tabs, nil)

	h.probe.Set(chrome("Inbox"))
	h.step()
	h.settle(t)
	for i := 0; i < 4; i++ {
		h.clock.Advance(250 * time.Millisecond)
		h.step()
		h.settle(t)
	}
	assert.Equal(t, []domain.EventType{domain.EventGained}, h.sink.Types())

	h.clock.Advance(250 * time.Millisecond)
	h.probe.Set(chrome("Sent"))
	tabs.resolve = func(domain.FocusSnapshot) domain.BrowserTabInfo {
		return domain.BrowserTabInfo{Title: "Sent", Source: "title"}
	}
	h.step()
	h.settle(t)

	events := h.sink.Events()
	require.Equal(t, []domain.EventType{domain.EventGained, domain.EventTabChanged}, h.sink.Types())
	require.NotNil(t, events[1].Metadata.PreviousTab)
	assert.Equal(t, "mail.example.com", events[1].Metadata.PreviousTab.Domain, "the richer resolution is kept as baseline")
}
