package resolver

import (
	"strings"
	"unicode"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// NormalizeFunc maps a tab title to the form used for change detection.
// Browser title formats vary, so callers may plug in their own rules.
type NormalizeFunc func(title string) string

// DefaultNormalizer lowercases the title and drops digits, punctuation and
// symbols, collapsing the remaining whitespace. Unread badges such as "(3)"
// or "[12 new]" therefore do not register as navigation.
func DefaultNormalizer(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	pendingSpace := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsDigit(r), unicode.IsPunct(r), unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TabKey is the comparison key of a tab: its domain plus the normalized title.
func TabKey(info domain.BrowserTabInfo, normalize NormalizeFunc) string {
	if normalize == nil {
		normalize = DefaultNormalizer
	}
	host := strings.TrimPrefix(strings.ToLower(info.Domain), "www.")
	return host + "|" + normalize(info.Title)
}

// SameTab reports whether two resolutions describe the same tab. Tiers fail
// independently, so when either side has no domain only the normalized titles
// are compared.
func SameTab(a, b domain.BrowserTabInfo, normalize NormalizeFunc) bool {
	if normalize == nil {
		normalize = DefaultNormalizer
	}
	if a.Domain == "" || b.Domain == "" {
		return normalize(a.Title) == normalize(b.Title)
	}
	return TabKey(a, normalize) == TabKey(b, normalize)
}
