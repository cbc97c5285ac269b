// Package policy implements the Strategy pattern for app-specific recognition rules.
// Each browser has its own policy describing how to recognize its process and parse its window titles.
package policy

import (
	"regexp"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// BrowserPolicy defines the strategy interface for recognizing a browser.
type BrowserPolicy interface {
	// ID returns unique identifier (e.g., "chrome", "firefox").
	ID() string

	// Name returns human-readable name for display.
	Name() string

	// ProcessPatterns returns executable name fragments.
	// Patterns are matched case-insensitively.
	ProcessPatterns() []string

	// TitlePattern matches the browser's window title; group 1 is the page title.
	TitlePattern() *regexp.Regexp

	// SupportsDevTools reports whether the browser speaks the Chrome DevTools Protocol.
	SupportsDevTools() bool
}

// ToSignature converts a BrowserPolicy to the resolver-facing domain.BrowserSignature.
func ToSignature(bp BrowserPolicy) domain.BrowserSignature {
	return domain.BrowserSignature{
		ID:               bp.ID(),
		Name:             bp.Name(),
		SupportsDevTools: bp.SupportsDevTools(),
		TitlePattern:     bp.TitlePattern(),
	}
}
