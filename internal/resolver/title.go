package resolver

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// Tier names reported in diagnostics.
const (
	TierAutomation    = "automation"
	TierAccessibility = "accessibility"
	TierTitle         = "title"
)

// genericSuffix strips a browser suffix when the browser's own pattern did not match.
var genericSuffix = regexp.MustCompile(`^(.+?)\s*[-\x{2013}\x{2014}]\s*(?:Google Chrome|Microsoft[\s\x{200B}]*Edge|Mozilla Firefox|Firefox|Brave|Opera|Safari|Chromium|Vivaldi)\s*$`)

var titleArtifacts = []string{
	" - New Tab",
	" - New tab",
	" (Private)",
	" (Incognito)",
	" - InPrivate",
	" - Private browsing",
	" - Private Browsing",
}

// domainLadder is tried in order; the first capture wins. Country domains
// come before generic TLDs so "bbc.co.uk" is not cut at ".co".
var domainLadder = []*regexp.Regexp{
	regexp.MustCompile(`(?i)https?://([a-z0-9-]+(?:\.[a-z0-9-]+)*\.[a-z]{2,})`),
	regexp.MustCompile(`(?i)\b(www\.[a-z0-9-]+(?:\.[a-z0-9-]+)*\.[a-z]{2,})\b`),
	regexp.MustCompile(`(?i)\b([a-z0-9-]+(?:\.[a-z0-9-]+)*\.(?:co\.uk|com\.au|co\.jp|co\.nz|de|fr|uk|jp|cn|ru|br|in|it|es|nl|ca|au|ch|se|no|pl|eu|us))\b`),
	regexp.MustCompile(`(?i)\b([a-z0-9-]+(?:\.[a-z0-9-]+)*\.(?:com|org|net|edu|gov|io|dev|app|ai|co|me|info|biz|tv|xyz|cloud|tech|site))\b`),
	regexp.MustCompile(`(?i)\b([a-z0-9-]{2,}(?:\.[a-z0-9-]+)*\.[a-z]{2,6})\b`),
}

// fileExtensions are rejected by the last, most permissive ladder step.
var fileExtensions = map[string]struct{}{
	"md": {}, "js": {}, "ts": {}, "py": {}, "go": {}, "rs": {}, "txt": {}, "pdf": {}, "png": {},
	"jpg": {}, "jpeg": {}, "gif": {}, "svg": {}, "html": {}, "htm": {}, "json": {}, "yaml": {},
	"yml": {}, "toml": {}, "csv": {}, "doc": {}, "docx": {}, "xls": {}, "xlsx": {}, "zip": {},
	"tsx": {}, "jsx": {}, "sh": {}, "rb": {}, "java": {}, "cpp": {}, "h": {}, "log": {},
}

// ExtractDomain finds the most plausible host name in free text.
// It returns "" when nothing looks like a domain.
func ExtractDomain(text string) string {
	last := len(domainLadder) - 1
	for i, re := range domainLadder {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		host := strings.ToLower(m[1])
		if i == last {
			if _, isFile := fileExtensions[host[strings.LastIndexByte(host, '.')+1:]]; isFile {
				continue
			}
		}
		return host
	}
	return ""
}

// LooksLikeURL reports whether an address-bar value plausibly holds a URL.
func LooksLikeURL(value string) bool {
	v := strings.TrimSpace(strings.ToLower(value))
	if v == "" || strings.ContainsAny(v, " \t\n") {
		return false
	}
	if strings.HasPrefix(v, "http") {
		return true
	}
	for _, marker := range []string{"www.", ".com", ".org", ".net"} {
		if strings.Contains(v, marker) {
			return true
		}
	}
	return ExtractDomain(v) != ""
}

// ReduceToOrigin turns an address-bar value into scheme://host and the bare host.
func ReduceToOrigin(raw string) (origin, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", false
	}
	host = strings.ToLower(u.Hostname())
	return u.Scheme + "://" + host, host, true
}

// ParseTitle extracts tab information from a browser window title.
// It always returns a best-effort title, even when no domain is found.
func ParseTitle(windowTitle string, browser domain.BrowserSignature) domain.BrowserTabInfo {
	page := strings.TrimSpace(windowTitle)
	for _, re := range []*regexp.Regexp{browser.TitlePattern, genericSuffix} {
		if re == nil {
			continue
		}
		if m := re.FindStringSubmatch(page); len(m) > 1 {
			page = m[1]
			break
		}
	}
	for _, artifact := range titleArtifacts {
		page = strings.ReplaceAll(page, artifact, "")
	}
	page = strings.TrimSpace(page)

	info := domain.BrowserTabInfo{
		Title:       page,
		BrowserType: browser.ID,
		Source:      TierTitle,
	}
	if host := ExtractDomain(page); host != "" {
		info.Domain = strings.TrimPrefix(host, "www.")
		info.URL = "https://" + host
	}
	return info
}

// TitleStrategy is the last resolver tier: window-title parsing.
type TitleStrategy struct{}

func (TitleStrategy) Name() string {
	return TierTitle
}

func (TitleStrategy) Resolve(_ context.Context, snap domain.FocusSnapshot, browser domain.BrowserSignature) (*domain.BrowserTabInfo, error) {
	info := ParseTitle(snap.WindowTitle, browser)
	return &info, nil
}

var _ domain.TabStrategy = TitleStrategy{}
