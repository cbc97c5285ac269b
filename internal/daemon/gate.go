package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// GateConfig holds permission gate timing.
type GateConfig struct {
	Cooldown time.Duration // how long a denial is cached without asking the OS again
	Recheck  time.Duration // poll interval while waiting for a requested grant
}

// DefaultGateConfig returns default permission gate timing.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Cooldown: 30 * time.Second,
		Recheck:  2 * time.Second,
	}
}

// PermissionGate throttles OS permission checks.
// After a denial the cached error is returned until the cooldown expires, so
// repeated start attempts do not hammer the OS or re-prompt the user.
// State lives for the process lifetime only.
type PermissionGate struct {
	config  GateConfig
	checker domain.PermissionChecker
	clock   func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	state   domain.PermissionState
	lastErr error
}

// NewPermissionGate creates a gate around the platform checker.
func NewPermissionGate(config GateConfig, checker domain.PermissionChecker, clock func() time.Time, logger *zap.Logger) *PermissionGate {
	d := DefaultGateConfig()
	if config.Cooldown <= 0 {
		config.Cooldown = d.Cooldown
	}
	if config.Recheck <= 0 {
		config.Recheck = d.Recheck
	}
	if clock == nil {
		clock = time.Now
	}
	return &PermissionGate{
		config:  config,
		checker: checker,
		clock:   clock,
		logger:  logger,
	}
}

// Check returns nil when the capability is granted. Within the cooldown after
// a denial it returns the cached denial without calling the OS.
func (g *PermissionGate) Check(ctx context.Context) error {
	g.mu.Lock()
	if g.state.Throttled(g.clock()) {
		err, until := g.lastErr, g.state.ThrottleUntil
		g.mu.Unlock()
		g.logger.Debug("permission check throttled", zap.Time("until", until))
		return err
	}
	g.mu.Unlock()

	return g.probe(ctx)
}

// Request asks the OS for the capability, then rechecks until it is granted
// or the cooldown window ends. A request inside the cooldown of an earlier
// request does not prompt again.
func (g *PermissionGate) Request(ctx context.Context) error {
	now := g.clock()

	g.mu.Lock()
	recent := !g.state.LastRequestAt.IsZero() && now.Sub(g.state.LastRequestAt) < g.config.Cooldown
	throttled := g.state.Throttled(now)
	cached, granted := g.lastErr, g.state.Granted
	if !granted && !(recent && throttled) {
		g.state.LastRequestAt = now
	}
	g.mu.Unlock()

	if granted {
		return nil
	}
	if recent && throttled {
		return cached
	}

	if err := g.checker.RequestPermission(ctx); err != nil {
		g.logger.Warn("permission request failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.Cooldown)
	defer cancel()

	ticker := time.NewTicker(g.config.Recheck)
	defer ticker.Stop()

	for {
		err := g.probe(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-ticker.C:
		}
	}
}

// Deny records a denial observed outside Check, such as a refused focus
// sample, and starts the cooldown. Inside an active cooldown it only returns
// the end of that cooldown.
func (g *PermissionGate) Deny(err error) time.Time {
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Throttled(now) {
		return g.state.ThrottleUntil
	}
	if !errors.Is(err, domain.ErrPermissionDenied) {
		err = domain.Wrap(domain.ErrPermissionDenied, err)
	}
	g.state.Granted = false
	g.state.LastDeniedAt = now
	g.state.ThrottleUntil = now.Add(g.config.Cooldown)
	g.lastErr = err
	g.logger.Warn("permission denied",
		zap.Error(err),
		zap.Time("retry_after", g.state.ThrottleUntil))
	return g.state.ThrottleUntil
}

// Throttled reports whether a recent denial still suppresses OS access.
func (g *PermissionGate) Throttled() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.ThrottleUntil, g.state.Throttled(g.clock())
}

// Grant records that the OS served a request, ending any cooldown.
func (g *PermissionGate) Grant() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Granted {
		return
	}
	g.logger.Info("permission granted")
	g.state.Granted = true
	g.state.ThrottleUntil = time.Time{}
	g.lastErr = nil
}

// OpenSettings opens the OS privacy settings, best effort.
func (g *PermissionGate) OpenSettings(ctx context.Context) error {
	return g.checker.OpenSystemSettings(ctx)
}

// Granted reports the last known outcome.
func (g *PermissionGate) Granted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Granted
}

// State returns a copy of the permission state.
func (g *PermissionGate) State() domain.PermissionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// probe asks the OS and records the outcome.
func (g *PermissionGate) probe(ctx context.Context) error {
	err := g.checker.CheckPermission(ctx)
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		if !g.state.Granted {
			g.logger.Info("permission granted")
		}
		g.state.Granted = true
		g.state.ThrottleUntil = time.Time{}
		g.lastErr = nil
		return nil
	}

	g.state.Granted = false
	g.state.LastDeniedAt = now
	g.state.ThrottleUntil = now.Add(g.config.Cooldown)
	g.lastErr = domain.Wrap(domain.ErrPermissionDenied, err)
	g.logger.Warn("permission denied",
		zap.Error(err),
		zap.Time("retry_after", g.state.ThrottleUntil))
	return g.lastErr
}
