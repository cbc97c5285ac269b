package policy

import (
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/pkg/errors"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// AppFilter decides which applications produce events.
// Patterns use dockerignore syntax ("slack", "usr/lib/**", "!usr/bin/code") and
// are matched case-insensitively against the identifier path and the app and process names.
type AppFilter struct {
	excluded      *patternmatcher.PatternMatcher
	included      *patternmatcher.PatternMatcher
	includeSystem bool
	system        *SystemApps
}

// NewAppFilter builds a filter from the excludedApps/includedApps/includeSystemApps options.
func NewAppFilter(cfg domain.Config, system *SystemApps) (*AppFilter, error) {
	f := &AppFilter{
		includeSystem: cfg.IncludeSystemApps,
		system:        system,
	}

	var err error
	if f.excluded, err = compilePatterns(cfg.ExcludedApps); err != nil {
		return nil, domain.Wrap(domain.ErrInvalidConfig, errors.Wrap(err, "excludedApps"))
	}
	if f.included, err = compilePatterns(cfg.IncludedApps); err != nil {
		return nil, domain.Wrap(domain.ErrInvalidConfig, errors.Wrap(err, "includedApps"))
	}
	return f, nil
}

// ShouldTrack reports whether events for the snapshot's app should be emitted.
func (f *AppFilter) ShouldTrack(snap domain.FocusSnapshot) bool {
	if !f.includeSystem && f.system != nil && f.system.IsSystemName(snap.ProcessName) {
		return false
	}

	candidates := filterKeys(snap.AppIdentifier, snap.AppName, snap.ProcessName)
	if f.excluded != nil && anyMatch(f.excluded, candidates) {
		return false
	}
	if f.included != nil {
		return anyMatch(f.included, candidates)
	}
	return true
}

func compilePatterns(patterns []string) (*patternmatcher.PatternMatcher, error) {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		neg := strings.HasPrefix(p, "!")
		p = normalizeKey(strings.TrimPrefix(p, "!"))
		if neg {
			p = "!" + p
		}
		cleaned = append(cleaned, p)
	}
	if len(cleaned) == 0 {
		return nil, nil
	}
	return patternmatcher.New(cleaned)
}

func anyMatch(pm *patternmatcher.PatternMatcher, candidates []string) bool {
	for _, c := range candidates {
		ok, err := pm.MatchesOrParentMatches(c)
		if err == nil && ok {
			return true
		}
	}
	return false
}

func filterKeys(values ...string) []string {
	keys := make([]string, 0, len(values)+1)
	for _, v := range values {
		if v == "" {
			continue
		}
		k := normalizeKey(v)
		keys = append(keys, k)
		if base := filepath.Base(k); base != k {
			keys = append(keys, base, strings.TrimSuffix(base, ".exe"))
		}
	}
	return keys
}

func normalizeKey(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, `\`, "/"))
	return strings.TrimLeft(s, "/")
}
