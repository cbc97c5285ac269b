// Package usecase contains the tracker facade used by the CLI and binding layers.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/daemon"
	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
	"github.com/eliteGoblin/focusd/focustrack/internal/policy"
	"github.com/eliteGoblin/focusd/focustrack/internal/queue"
	"github.com/eliteGoblin/focusd/focustrack/internal/resolver"
)

// DefaultFlushTimeout bounds the final queue drain on stop.
const DefaultFlushTimeout = time.Second

// TrackerDeps holds the collaborators of a Tracker. Only Platform is required.
type TrackerDeps struct {
	Platform     domain.Platform
	Browsers     *policy.Registry
	System       *policy.SystemApps
	Normalize    resolver.NormalizeFunc
	Gate         daemon.GateConfig
	Clock        func() time.Time
	FlushTimeout time.Duration
}

// Tracker is the public API of the focus tracker.
// It owns at most one tracking session at a time.
type Tracker struct {
	platform     domain.Platform
	browsers     *policy.Registry
	system       *policy.SystemApps
	normalize    resolver.NormalizeFunc
	clock        func() time.Time
	flushTimeout time.Duration
	logger       *zap.Logger

	gate       *daemon.PermissionGate
	queue      *queue.Queue
	enumerator *Enumerator

	config   atomic.Pointer[domain.Config]
	resolver atomic.Pointer[resolver.Resolver]

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	// mu guards the session fields. It is never held while calling the
	// consumer, the OS, or Flush.
	mu       sync.Mutex
	session  *domain.TrackingSession
	detector *daemon.Detector
	cancel   context.CancelFunc
	done     chan struct{}
	starting bool
	stopping bool

	errMu   sync.Mutex
	lastErr string
}

// NewTracker creates a tracker and starts its dispatcher and enumerator workers.
// Call Close to release them.
func NewTracker(deps TrackerDeps, logger *zap.Logger) *Tracker {
	if deps.Browsers == nil {
		deps.Browsers = policy.NewRegistry()
	}
	if deps.System == nil {
		deps.System = policy.NewSystemApps()
	}
	if deps.Normalize == nil {
		deps.Normalize = resolver.DefaultNormalizer
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.FlushTimeout <= 0 {
		deps.FlushTimeout = DefaultFlushTimeout
	}

	t := &Tracker{
		platform:     deps.Platform,
		browsers:     deps.Browsers,
		system:       deps.System,
		normalize:    deps.Normalize,
		clock:        deps.Clock,
		flushTimeout: deps.FlushTimeout,
		logger:       logger,
	}
	t.gate = daemon.NewPermissionGate(deps.Gate, deps.Platform, deps.Clock, logger.Named("permission"))
	t.enumerator = NewEnumerator(deps.Platform, deps.System, deps.Browsers, deps.Clock, logger.Named("enumerator"))

	cfg := domain.DefaultConfig()
	t.config.Store(&cfg)
	t.resolver.Store(t.newResolver(cfg))

	opts := queue.DefaultOptions()
	opts.OnChannelFailure = t.setLastError
	t.queue = queue.New(opts, logger.Named("queue"))

	t.lifeCtx, t.lifeCancel = context.WithCancel(context.Background())
	go t.queue.Run(t.lifeCtx)
	go t.enumerator.Run(t.lifeCtx)
	return t
}

// StartTracking begins a session with cfg.
func (t *Tracker) StartTracking(ctx context.Context, cfg domain.Config) error {
	if !t.platform.Supported() {
		return domain.ErrPlatformUnsupported.WithDetail("platform", t.platform.Name())
	}
	settings, err := t.prepare(cfg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.session != nil || t.starting {
		t.mu.Unlock()
		return domain.ErrAlreadyTracking
	}
	t.starting = true
	t.mu.Unlock()

	if err := t.gate.Check(ctx); err != nil {
		t.mu.Lock()
		t.starting = false
		t.mu.Unlock()
		t.setLastError(err)
		return err
	}

	cfg = settings.Config
	session := domain.TrackingSession{
		ID:        "session_" + uuid.NewString(),
		StartedAt: t.clock(),
		Config:    cfg,
	}

	t.config.Store(&cfg)
	t.resolver.Store(t.newResolver(cfg))
	if n := t.queue.Clear(); n > 0 {
		t.logger.Debug("discarded events from previous session", zap.Int("events", n))
	}
	t.queue.Resize(cfg.MaxEventBufferSize)
	t.queue.SetBatching(cfg.MaxBatchSize, cfg.MaxBatchWait())

	det := daemon.NewDetector(daemon.DetectorDeps{
		Probe:      t.platform,
		Hooks:      t.platform,
		Browsers:   t.browsers,
		Tabs:       liveResolver{t},
		Sink:       t.queue,
		Normalize:  t.normalize,
		Clock:      t.clock,
		Permission: t.gate,
	}, session, settings, t.logger.Named("detector"))

	runCtx, cancel := context.WithCancel(t.lifeCtx)
	done := make(chan struct{})

	t.mu.Lock()
	t.session = &session
	t.detector = det
	t.cancel = cancel
	t.done = done
	t.starting = false
	t.mu.Unlock()

	go func() {
		defer close(done)
		if err := det.Run(runCtx); err != nil {
			t.setLastError(err)
		}
	}()

	t.logger.Info("tracking started",
		zap.String("session", session.ID),
		zap.String("platform", t.platform.Name()),
		zap.Duration("interval", cfg.SampleInterval()))
	return nil
}

// StopTracking ends the current session, emits the final lost event and
// flushes pending events. It is idempotent.
func (t *Tracker) StopTracking() error {
	t.mu.Lock()
	if t.session == nil || t.stopping {
		t.mu.Unlock()
		return nil
	}
	t.stopping = true
	sessionID, cancel, done := t.session.ID, t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done

	// A consumer calling StopTracking from its own callback cannot see the
	// queue drain; the timeout bounds that wait.
	ctx, cancelFlush := context.WithTimeout(context.Background(), t.flushTimeout)
	err := t.queue.Flush(ctx)
	cancelFlush()
	if err != nil {
		t.logger.Warn("event flush incomplete on stop", zap.Int("pending", t.queue.Len()), zap.Error(err))
	}

	t.mu.Lock()
	t.session = nil
	t.detector = nil
	t.cancel = nil
	t.done = nil
	t.stopping = false
	t.mu.Unlock()

	t.logger.Info("tracking stopped", zap.String("session", sessionID))
	return nil
}

// IsTracking reports whether a session is active.
func (t *Tracker) IsTracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session != nil && !t.stopping
}

// Subscribe sets the single event consumer. nil unsubscribes.
func (t *Tracker) Subscribe(c domain.Consumer) {
	t.queue.Subscribe(c)
}

// CurrentSession returns a copy of the active session, or nil.
func (t *Tracker) CurrentSession() *domain.TrackingSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil
	}
	s := *t.session
	return &s
}

// CurrentFocusedApp samples the focused window. It returns nil, nil when
// nothing is focused.
func (t *Tracker) CurrentFocusedApp(ctx context.Context) (*domain.AppInfo, error) {
	if !t.platform.Supported() {
		return nil, domain.ErrPlatformUnsupported
	}
	snap, err := t.platform.Sample(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrProbeTransient) {
			return nil, nil
		}
		return nil, err
	}
	info := t.appInfo(snap)
	return &info, nil
}

// RunningApplications lists running applications sorted by name.
func (t *Tracker) RunningApplications(ctx context.Context, includeSystemApps bool) ([]domain.AppInfo, error) {
	return t.enumerator.ListRunning(ctx, includeSystemApps)
}

// UpdateConfiguration atomically replaces the configuration. An invalid config
// is rejected and the session keeps running on the previous one.
func (t *Tracker) UpdateConfiguration(cfg domain.Config) error {
	settings, err := t.prepare(cfg)
	if err != nil {
		return err
	}
	cfg = settings.Config

	t.config.Store(&cfg)
	t.resolver.Store(t.newResolver(cfg))
	t.queue.Resize(cfg.MaxEventBufferSize)
	t.queue.SetBatching(cfg.MaxBatchSize, cfg.MaxBatchWait())

	t.mu.Lock()
	det := t.detector
	if t.session != nil {
		t.session.Config = cfg
	}
	t.mu.Unlock()
	if det != nil {
		det.Apply(settings)
	}

	t.logger.Info("configuration updated",
		zap.Duration("interval", cfg.SampleInterval()),
		zap.Int("buffer", cfg.MaxEventBufferSize))
	return nil
}

// Configuration returns the active configuration snapshot.
func (t *Tracker) Configuration() domain.Config {
	return *t.config.Load()
}

// Diagnostics returns a read-only health snapshot.
func (t *Tracker) Diagnostics() domain.Diagnostics {
	t.mu.Lock()
	session, det, stopping := t.session, t.detector, t.stopping
	var sess domain.TrackingSession
	if session != nil {
		sess = *session
	}
	t.mu.Unlock()

	stats := t.queue.Stats()
	perm := t.gate.State()
	diag := domain.Diagnostics{
		Platform:         t.platform.Name(),
		IsTracking:       session != nil && !stopping,
		State:            domain.StateIdle,
		HasPermissions:   perm.Granted,
		Permission:       perm,
		SessionID:        sess.ID,
		SessionStartedAt: sess.StartedAt,
		QueueDepth:       stats.Depth,
		QueueCapacity:    stats.Capacity,
		EnqueuedEvents:   stats.Enqueued,
		DeliveredEvents:  stats.Delivered,
		DroppedEvents:    stats.Dropped,
		FailedDeliveries: stats.Failed,
		Config:           t.Configuration(),
	}

	if det != nil {
		st := det.Status()
		diag.State = st.State
		diag.ProbeTransientErrors = st.ProbeTransientErrors
		diag.AccessDeniedCount = st.AccessDeniedCount
		diag.LastError = st.LastError
		if st.Current != nil {
			info := t.appInfo(*st.Current)
			diag.CurrentApp = &info
			diag.FocusDuration = t.clock().Sub(st.FocusStart)
		}
	}
	if err := t.lastError(); err != "" {
		diag.LastError = err
	}
	return diag
}

// DebugURLExtraction runs every resolver tier on the focused window and
// reports each outcome.
func (t *Tracker) DebugURLExtraction(ctx context.Context) (domain.URLDebugReport, error) {
	if !t.platform.Supported() {
		return domain.URLDebugReport{}, domain.ErrPlatformUnsupported
	}
	snap, err := t.platform.Sample(ctx)
	if err != nil {
		return domain.URLDebugReport{}, err
	}
	bp, ok := t.browsers.Match(snap)
	if !ok {
		return domain.URLDebugReport{
			WindowTitle: snap.WindowTitle,
			AppName:     snap.AppName,
			Final:       domain.BrowserTabInfo{Title: snap.WindowTitle},
		}, nil
	}
	return t.resolver.Load().Debug(ctx, snap, policy.ToSignature(bp)), nil
}

// PlatformName returns the platform identifier.
func (t *Tracker) PlatformName() string {
	return t.platform.Name()
}

// IsSupported reports whether focus tracking can work on this host.
func (t *Tracker) IsSupported() bool {
	return t.platform.Supported()
}

// HasPermissions reports whether the OS capability is granted. Inside the
// cooldown after a denial it answers from cache.
func (t *Tracker) HasPermissions(ctx context.Context) bool {
	return t.gate.Check(ctx) == nil
}

// RequestPermissions prompts for the OS capability and waits for the grant.
func (t *Tracker) RequestPermissions(ctx context.Context) error {
	return t.gate.Request(ctx)
}

// OpenSystemSettings opens the OS privacy settings, best effort.
func (t *Tracker) OpenSystemSettings(ctx context.Context) error {
	return t.gate.OpenSettings(ctx)
}

// Close stops tracking and releases workers and OS connections.
func (t *Tracker) Close() error {
	stopErr := t.StopTracking()
	t.lifeCancel()
	<-t.enumerator.done
	var closeErr error
	if err := t.platform.Close(); err != nil {
		closeErr = fmt.Errorf("close platform: %w", err)
	}
	return errors.Join(stopErr, closeErr)
}

func (t *Tracker) prepare(cfg domain.Config) (daemon.Settings, error) {
	if err := cfg.Validate(); err != nil {
		return daemon.Settings{}, err
	}
	cfg = cfg.Normalize()
	filter, err := policy.NewAppFilter(cfg, t.system)
	if err != nil {
		return daemon.Settings{}, err
	}
	return daemon.Settings{Config: cfg, Filter: filter}, nil
}

func (t *Tracker) newResolver(cfg domain.Config) *resolver.Resolver {
	return resolver.New(t.platform.TabStrategies(cfg), resolver.OptionsFromConfig(cfg), t.logger.Named("resolver"))
}

func (t *Tracker) appInfo(snap domain.FocusSnapshot) domain.AppInfo {
	_, isBrowser := t.browsers.Match(snap)
	return domain.AppInfo{
		Name:           snap.AppName,
		Identifier:     snap.AppIdentifier,
		ProcessID:      snap.ProcessID,
		ExecutablePath: snap.ExecutablePath,
		WindowTitle:    snap.WindowTitle,
		IsSystem:       t.system.IsSystemName(snap.ProcessName),
		IsBrowser:      isBrowser,
	}
}

func (t *Tracker) setLastError(err error) {
	t.errMu.Lock()
	t.lastErr = err.Error()
	t.errMu.Unlock()
}

func (t *Tracker) lastError() string {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.lastErr
}

// liveResolver always resolves with the resolver of the current configuration.
type liveResolver struct {
	t *Tracker
}

func (l liveResolver) Resolve(ctx context.Context, snap domain.FocusSnapshot, browser domain.BrowserSignature) domain.BrowserTabInfo {
	return l.t.resolver.Load().Resolve(ctx, snap, browser)
}

var _ domain.TabResolver = liveResolver{}
