package policy

import "regexp"

// FirefoxPolicy implements BrowserPolicy for Mozilla Firefox.
// Linux builds separate the page title with an em dash.
type FirefoxPolicy struct {
	title *regexp.Regexp
}

func NewFirefoxPolicy() *FirefoxPolicy {
	return &FirefoxPolicy{
		title: regexp.MustCompile(`^(.+?)\s*[-\x{2013}\x{2014}]\s*(?:Mozilla Firefox|Firefox)(?: Private Browsing)?\s*$`),
	}
}

func (p *FirefoxPolicy) ID() string {
	return "firefox"
}

func (p *FirefoxPolicy) Name() string {
	return "Mozilla Firefox"
}

func (p *FirefoxPolicy) ProcessPatterns() []string {
	return []string{"firefox"}
}

func (p *FirefoxPolicy) TitlePattern() *regexp.Regexp {
	return p.title
}

// Firefox does not expose CDP page targets.
func (p *FirefoxPolicy) SupportsDevTools() bool {
	return false
}

// Ensure FirefoxPolicy implements BrowserPolicy.
var _ BrowserPolicy = (*FirefoxPolicy)(nil)
