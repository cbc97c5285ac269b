package policy

import "regexp"

// ChromiumPolicy implements BrowserPolicy for Chromium-based browsers.
// They share the DevTools protocol and a "<page> - <Browser>" title format.
type ChromiumPolicy struct {
	id       string
	name     string
	patterns []string
	title    *regexp.Regexp
}

// NewChromiumFamilyPolicy creates a policy for a Chromium-based browser whose
// window titles end with the given suffix expression.
func NewChromiumFamilyPolicy(id, name, suffix string, patterns ...string) *ChromiumPolicy {
	return &ChromiumPolicy{
		id:       id,
		name:     name,
		patterns: patterns,
		title:    regexp.MustCompile(`^(.+?)\s*[-\x{2013}\x{2014}]\s*` + suffix + `\s*$`),
	}
}

func NewChromePolicy() *ChromiumPolicy {
	return NewChromiumFamilyPolicy("chrome", "Google Chrome", `Google Chrome`, "chrome", "google-chrome")
}

// NewEdgePolicy matches titles like "Page - Profile 1 - Microsoft Edge".
// Edge may put a zero-width space between "Microsoft" and "Edge".
func NewEdgePolicy() *ChromiumPolicy {
	return NewChromiumFamilyPolicy("edge", "Microsoft Edge",
		`(?:Profile \d+\s*-\s*)?Microsoft[\s\x{200B}]*Edge`, "msedge", "microsoft-edge")
}

func NewBravePolicy() *ChromiumPolicy {
	return NewChromiumFamilyPolicy("brave", "Brave", `Brave`, "brave")
}

func NewOperaPolicy() *ChromiumPolicy {
	return NewChromiumFamilyPolicy("opera", "Opera", `Opera`, "opera")
}

func NewChromiumPolicy() *ChromiumPolicy {
	return NewChromiumFamilyPolicy("chromium", "Chromium", `Chromium`, "chromium")
}

func NewVivaldiPolicy() *ChromiumPolicy {
	return NewChromiumFamilyPolicy("vivaldi", "Vivaldi", `Vivaldi`, "vivaldi")
}

func (p *ChromiumPolicy) ID() string {
	return p.id
}

func (p *ChromiumPolicy) Name() string {
	return p.name
}

func (p *ChromiumPolicy) ProcessPatterns() []string {
	return p.patterns
}

func (p *ChromiumPolicy) TitlePattern() *regexp.Regexp {
	return p.title
}

func (p *ChromiumPolicy) SupportsDevTools() bool {
	return true
}

// Ensure ChromiumPolicy implements BrowserPolicy.
var _ BrowserPolicy = (*ChromiumPolicy)(nil)
