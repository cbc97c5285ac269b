// Package resolver extracts browser tab metadata with a tiered fallback:
// automation API, accessibility tree, then window-title parsing.
package resolver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// Options bounds the resolver tiers.
type Options struct {
	AutomationTimeout    time.Duration
	AccessibilityTimeout time.Duration
}

// OptionsFromConfig derives resolver options from a tracking configuration.
func OptionsFromConfig(cfg domain.Config) Options {
	return Options{
		AutomationTimeout:    cfg.AutomationTimeout(),
		AccessibilityTimeout: cfg.AccessibilityTimeout(),
	}
}

// Resolver runs the platform tiers in order and falls back to title parsing.
// It is safe for concurrent use.
type Resolver struct {
	tiers    []domain.TabStrategy
	title    domain.TabStrategy
	opts     Options
	logger   *zap.Logger
	failures atomic.Uint64
}

// New creates a resolver. tiers are tried highest fidelity first; title parsing is always last.
func New(tiers []domain.TabStrategy, opts Options, logger *zap.Logger) *Resolver {
	if opts.AutomationTimeout <= 0 {
		opts.AutomationTimeout = domain.DefaultAutomationTimeoutMs * time.Millisecond
	}
	if opts.AccessibilityTimeout <= 0 {
		opts.AccessibilityTimeout = domain.DefaultAccessibilityTimeoutMs * time.Millisecond
	}
	return &Resolver{
		tiers:  tiers,
		title:  TitleStrategy{},
		opts:   opts,
		logger: logger,
	}
}

// Resolve returns the best available tab information. It never fails:
// when every tier misses, the result has no domain but a best-effort title.
func (r *Resolver) Resolve(ctx context.Context, snap domain.FocusSnapshot, browser domain.BrowserSignature) domain.BrowserTabInfo {
	for _, tier := range r.tiers {
		info, err := r.attempt(ctx, tier, snap, browser)
		if err != nil {
			r.failures.Add(1)
			r.logger.Debug("resolver tier failed",
				zap.String("tier", tier.Name()),
				zap.String("browser", browser.ID),
				zap.Error(err))
			continue
		}
		if info != nil && info.Resolved() {
			return r.complete(*info, snap, browser)
		}
	}

	info, _ := r.title.Resolve(ctx, snap, browser)
	return *info
}

// Debug runs every tier, including title parsing, and reports each outcome.
func (r *Resolver) Debug(ctx context.Context, snap domain.FocusSnapshot, browser domain.BrowserSignature) domain.URLDebugReport {
	report := domain.URLDebugReport{
		WindowTitle: snap.WindowTitle,
		AppName:     snap.AppName,
		BrowserType: browser.ID,
		IsBrowser:   true,
	}

	resolved := false
	for _, tier := range append(append([]domain.TabStrategy(nil), r.tiers...), r.title) {
		start := time.Now()
		info, err := r.attempt(ctx, tier, snap, browser)
		tr := domain.TierResult{Name: tier.Name(), Elapsed: time.Since(start)}
		if err != nil {
			tr.Error = err.Error()
		}
		if info != nil {
			completed := r.complete(*info, snap, browser)
			tr.Result = &completed
			if !resolved && (completed.Resolved() || tier.Name() == TierTitle) {
				report.Final = completed
				resolved = true
			}
		}
		report.Tiers = append(report.Tiers, tr)
	}
	return report
}

// Failures returns the number of tier attempts that ended in an error.
func (r *Resolver) Failures() uint64 {
	return r.failures.Load()
}

// attempt runs one tier on its own goroutine, bounded by the tier's timeout.
// A tier that overruns is abandoned and its late result discarded.
func (r *Resolver) attempt(ctx context.Context, tier domain.TabStrategy, snap domain.FocusSnapshot, browser domain.BrowserSignature) (*domain.BrowserTabInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeoutFor(tier.Name()))
	defer cancel()

	type result struct {
		info *domain.BrowserTabInfo
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("tier panicked: %v", p)}
			}
		}()
		info, err := tier.Resolve(ctx, snap, browser)
		done <- result{info: info, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, domain.Wrap(domain.ErrResolverFailure, errors.Wrap(res.err, tier.Name()))
		}
		return res.info, nil
	case <-ctx.Done():
		return nil, domain.Wrap(domain.ErrResolverFailure, errors.Wrap(ctx.Err(), tier.Name()))
	}
}

func (r *Resolver) timeoutFor(tier string) time.Duration {
	switch tier {
	case TierAccessibility:
		return r.opts.AccessibilityTimeout
	default:
		return r.opts.AutomationTimeout
	}
}

// complete fills fields a tier may leave empty.
func (r *Resolver) complete(info domain.BrowserTabInfo, snap domain.FocusSnapshot, browser domain.BrowserSignature) domain.BrowserTabInfo {
	if info.BrowserType == "" {
		info.BrowserType = browser.ID
	}
	if info.Title == "" {
		info.Title = ParseTitle(snap.WindowTitle, browser).Title
	}
	return info
}

var _ domain.TabResolver = (*Resolver)(nil)
