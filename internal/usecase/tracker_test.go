package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
	"github.com/eliteGoblin/focusd/focustrack/internal/policy"
	"github.com/eliteGoblin/focusd/focustrack/test/fixtures"
)

// eventLog is a Consumer that records deliveries.
type eventLog struct {
	mu     sync.Mutex
	events []domain.FocusEvent
}

func (l *eventLog) Consume(events []domain.FocusEvent) error {
	l.mu.Lock()
	l.events = append(l.events, events...)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) Types() []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func fastConfig() domain.Config {
	cfg := domain.DefaultConfig()
	cfg.UpdateIntervalMs = 20
	cfg.PollIntervalMs = 20
	cfg.EnableDurationTracking = false
	return cfg
}

func newTestTracker(t *testing.T, platform *fixtures.FakePlatform) *Tracker {
	t.Helper()
	tr := NewTracker(TrackerDeps{
		Platform: platform,
		System:   policy.NewSystemAppsFor("linux"),
	}, zap.NewNop())
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTracker_StartStopDeliversPairedEvents(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	platform.SetFocus(fixtures.App(10, "editor"))
	tr := newTestTracker(t, platform)
	log := &eventLog{}
	tr.Subscribe(log)

	require.NoError(t, tr.StartTracking(context.Background(), fastConfig()))
	assert.True(t, tr.IsTracking())
	session := tr.CurrentSession()
	require.NotNil(t, session)
	assert.Regexp(t, `^session_[0-9a-f-]{36}$`, session.ID)

	require.Eventually(t, func() bool { return log.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	platform.SetFocus(fixtures.App(11, "terminal"))
	require.Eventually(t, func() bool { return log.Len() == 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, tr.StopTracking())
	assert.False(t, tr.IsTracking())
	assert.Nil(t, tr.CurrentSession())
	assert.False(t, platform.HookRegistered())

	assert.Equal(t, []domain.EventType{
		domain.EventGained, domain.EventLost, domain.EventGained, domain.EventLost,
	}, log.Types(), "stop emits and flushes the final lost event")

	require.NoError(t, tr.StopTracking(), "stop is idempotent")
}

func TestTracker_StartWhileTrackingFails(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	tr := newTestTracker(t, platform)

	require.NoError(t, tr.StartTracking(context.Background(), fastConfig()))
	err := tr.StartTracking(context.Background(), fastConfig())
	assert.ErrorIs(t, err, domain.ErrAlreadyTracking)
}

func TestTracker_UnsupportedPlatform(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	platform.SetSupported(false)
	tr := newTestTracker(t, platform)

	err := tr.StartTracking(context.Background(), fastConfig())
	assert.ErrorIs(t, err, domain.ErrPlatformUnsupported)
	assert.Equal(t, domain.CodePlatformUnsupported, domain.CodeOf(err))
	assert.False(t, tr.IsSupported())
}

func TestTracker_InvalidConfigRejected(t *testing.T) {
	tr := newTestTracker(t, fixtures.NewFakePlatform())
	cfg := fastConfig()
	cfg.PollIntervalMs = -5

	err := tr.StartTracking(context.Background(), cfg)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.False(t, tr.IsTracking())
}

func TestTracker_PermissionDeniedIsThrottled(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	platform.SetGranted(false)
	tr := newTestTracker(t, platform)

	err := tr.StartTracking(context.Background(), fastConfig())
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	err = tr.StartTracking(context.Background(), fastConfig())
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	checks, _, _ := platform.Calls()
	assert.Equal(t, 1, checks, "the immediate retry is answered from the cooldown cache")
	assert.False(t, tr.IsTracking())

	diag := tr.Diagnostics()
	assert.False(t, diag.HasPermissions)
	assert.False(t, diag.Permission.ThrottleUntil.IsZero())
	assert.Contains(t, diag.LastError, string(domain.CodePermissionDenied))
}

func TestTracker_ReentrantConsumerDoesNotDeadlock(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	entries, userCount := fixtures.SyntheticProcesses(20)
	platform.SetProcesses(entries)
	platform.SetFocus(fixtures.App(10, "editor"))
	tr := newTestTracker(t, platform)

	type observation struct {
		apps     int
		tracking bool
		depth    int
	}
	seen := make(chan observation, 16)
	tr.Subscribe(domain.ConsumerFunc(func(events []domain.FocusEvent) error {
		apps, err := tr.RunningApplications(context.Background(), false)
		if err != nil {
			return err
		}
		diag := tr.Diagnostics()
		select {
		case seen <- observation{apps: len(apps), tracking: tr.IsTracking(), depth: diag.QueueDepth}:
		default:
		}
		return nil
	}))

	require.NoError(t, tr.StartTracking(context.Background(), fastConfig()))

	select {
	case obs := <-seen:
		assert.Equal(t, userCount, obs.apps)
		assert.True(t, obs.tracking)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer calling back into the tracker deadlocked")
	}
}

func TestTracker_UpdateConfiguration(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	platform.SetFocus(fixtures.App(10, "editor"))
	tr := newTestTracker(t, platform)
	require.NoError(t, tr.StartTracking(context.Background(), fastConfig()))

	bad := fastConfig()
	bad.MaxBatchSize = 5000
	bad.MaxEventBufferSize = 10
	require.ErrorIs(t, tr.UpdateConfiguration(bad), domain.ErrInvalidConfig)
	assert.Equal(t, domain.DefaultMaxEventBufferSize, tr.Diagnostics().QueueCapacity)

	next := fastConfig()
	next.MaxEventBufferSize = 64
	next.PollIntervalMs = 15
	require.NoError(t, tr.UpdateConfiguration(next))

	diag := tr.Diagnostics()
	assert.Equal(t, 64, diag.QueueCapacity)
	assert.Equal(t, 15, diag.Config.PollIntervalMs)
	assert.Equal(t, 15, tr.CurrentSession().Config.PollIntervalMs)
	assert.True(t, tr.IsTracking(), "the session survives a config swap")
}

func TestTracker_DiagnosticsWhileTracking(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	platform.SetFocus(fixtures.App(10, "editor"))
	tr := newTestTracker(t, platform)
	log := &eventLog{}
	tr.Subscribe(log)
	require.NoError(t, tr.StartTracking(context.Background(), fastConfig()))

	require.Eventually(t, func() bool {
		d := tr.Diagnostics()
		return d.CurrentApp != nil && d.DeliveredEvents == 1
	}, 2*time.Second, 5*time.Millisecond)

	diag := tr.Diagnostics()
	assert.Equal(t, "fake", diag.Platform)
	assert.True(t, diag.IsTracking)
	assert.Equal(t, domain.StateTracking, diag.State)
	assert.True(t, diag.HasPermissions)
	assert.Equal(t, "editor", diag.CurrentApp.Name)
	assert.GreaterOrEqual(t, diag.FocusDuration, time.Duration(0))
	assert.EqualValues(t, 1, diag.EnqueuedEvents)
	assert.EqualValues(t, 1, diag.DeliveredEvents)
	assert.Equal(t, tr.CurrentSession().ID, diag.SessionID)
}

func TestTracker_FreshSessionClearsQueue(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	platform.SetFocus(fixtures.App(10, "editor"))
	tr := newTestTracker(t, platform)

	// No consumer: events pile up.
	require.NoError(t, tr.StartTracking(context.Background(), fastConfig()))
	require.Eventually(t, func() bool { return tr.Diagnostics().QueueDepth == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, tr.StopTracking())
	assert.Equal(t, 2, tr.Diagnostics().QueueDepth)

	log := &eventLog{}
	require.NoError(t, tr.StartTracking(context.Background(), fastConfig()))
	tr.Subscribe(log)
	require.Eventually(t, func() bool { return log.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.EventType{domain.EventGained}, log.Types())
}

func TestTracker_CurrentFocusedApp(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	tr := newTestTracker(t, platform)

	app, err := tr.CurrentFocusedApp(context.Background())
	require.NoError(t, err)
	assert.Nil(t, app, "nothing focused")

	platform.SetFocus(fixtures.Browser(77, "Docs"))
	app, err = tr.CurrentFocusedApp(context.Background())
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Equal(t, 77, app.ProcessID)
	assert.True(t, app.IsBrowser)
	assert.False(t, app.IsSystem)

	platform.FailSamples(domain.Wrap(domain.ErrPermissionDenied, errors.New("no display access")))
	_, err = tr.CurrentFocusedApp(context.Background())
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestTracker_DebugURLExtraction(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	platform.SetFocus(fixtures.Browser(77, "github.com/eliteGoblin/focusd"))
	tr := newTestTracker(t, platform)

	report, err := tr.DebugURLExtraction(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsBrowser)
	assert.Equal(t, "chrome", report.BrowserType)
	require.NotEmpty(t, report.Tiers)
	assert.Equal(t, "title", report.Tiers[len(report.Tiers)-1].Name)
	assert.Equal(t, "github.com", report.Final.Domain)

	platform.SetFocus(fixtures.App(10, "editor"))
	report, err = tr.DebugURLExtraction(context.Background())
	require.NoError(t, err)
	assert.False(t, report.IsBrowser)
	assert.Empty(t, report.Tiers)
}

func TestTracker_PermissionHelpers(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	tr := newTestTracker(t, platform)

	assert.Equal(t, "fake", tr.PlatformName())
	assert.True(t, tr.HasPermissions(context.Background()))
	require.NoError(t, tr.RequestPermissions(context.Background()))
	require.NoError(t, tr.OpenSystemSettings(context.Background()))
	assert.Equal(t, 1, platform.SettingsOpened)
}

func TestTracker_CloseReleasesPlatform(t *testing.T) {
	platform := fixtures.NewFakePlatform()
	tr := NewTracker(TrackerDeps{Platform: platform}, zap.NewNop())
	require.NoError(t, tr.StartTracking(context.Background(), fastConfig()))

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsTracking())
	assert.True(t, platform.Closed())

	_, err := tr.RunningApplications(context.Background(), true)
	assert.Error(t, err)
}
