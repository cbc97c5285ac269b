package domain

import (
	"fmt"
	"time"
)

// Default configuration values.
const (
	DefaultUpdateIntervalMs       = 1000
	DefaultPollIntervalMs         = 500
	DefaultBrowserPollIntervalMs  = 250
	DefaultMaxEventBufferSize     = 1000
	DefaultMaxBatchSize           = 1
	DefaultAutomationTimeoutMs    = 300
	DefaultAccessibilityTimeoutMs = 750
	DefaultMaxAccessibilityDepth  = 1500
	DefaultDevToolsAddress        = "127.0.0.1:9222"

	minIntervalMs = 10
)

// Config is an immutable tracking configuration snapshot.
// Updates replace the whole snapshot; a Config is never mutated while in use.
type Config struct {
	UpdateIntervalMs         int      `json:"updateIntervalMs" yaml:"updateIntervalMs" toml:"updateIntervalMs" mapstructure:"updateIntervalMs"`
	PollIntervalMs           int      `json:"pollIntervalMs" yaml:"pollIntervalMs" toml:"pollIntervalMs" mapstructure:"pollIntervalMs"`
	BrowserPollIntervalMs    int      `json:"browserPollIntervalMs" yaml:"browserPollIntervalMs" toml:"browserPollIntervalMs" mapstructure:"browserPollIntervalMs"`
	IncludeSystemApps        bool     `json:"includeSystemApps" yaml:"includeSystemApps" toml:"includeSystemApps" mapstructure:"includeSystemApps"`
	EnableDurationTracking   bool     `json:"enableDurationTracking" yaml:"enableDurationTracking" toml:"enableDurationTracking" mapstructure:"enableDurationTracking"`
	MaxEventBufferSize       int      `json:"maxEventBufferSize" yaml:"maxEventBufferSize" toml:"maxEventBufferSize" mapstructure:"maxEventBufferSize"`
	IncludeMetadata          bool     `json:"includeMetadata" yaml:"includeMetadata" toml:"includeMetadata" mapstructure:"includeMetadata"`
	EnableBrowserTabTracking bool     `json:"enableBrowserTabTracking" yaml:"enableBrowserTabTracking" toml:"enableBrowserTabTracking" mapstructure:"enableBrowserTabTracking"`
	ExcludedApps             []string `json:"excludedApps" yaml:"excludedApps" toml:"excludedApps" mapstructure:"excludedApps"`
	IncludedApps             []string `json:"includedApps" yaml:"includedApps" toml:"includedApps" mapstructure:"includedApps"`
	MaxBatchSize             int      `json:"maxBatchSize" yaml:"maxBatchSize" toml:"maxBatchSize" mapstructure:"maxBatchSize"`
	MaxBatchWaitMs           int      `json:"maxBatchWaitMs" yaml:"maxBatchWaitMs" toml:"maxBatchWaitMs" mapstructure:"maxBatchWaitMs"`
	AutomationTimeoutMs      int      `json:"automationTimeoutMs" yaml:"automationTimeoutMs" toml:"automationTimeoutMs" mapstructure:"automationTimeoutMs"`
	AccessibilityTimeoutMs   int      `json:"accessibilityTimeoutMs" yaml:"accessibilityTimeoutMs" toml:"accessibilityTimeoutMs" mapstructure:"accessibilityTimeoutMs"`
	MaxAccessibilityDepth    int      `json:"maxAccessibilityDepth" yaml:"maxAccessibilityDepth" toml:"maxAccessibilityDepth" mapstructure:"maxAccessibilityDepth"`
	DevToolsAddress          string   `json:"devToolsAddress" yaml:"devToolsAddress" toml:"devToolsAddress" mapstructure:"devToolsAddress"`
}

// DefaultConfig returns the default tracking configuration.
func DefaultConfig() Config {
	return Config{
		UpdateIntervalMs:         DefaultUpdateIntervalMs,
		PollIntervalMs:           DefaultPollIntervalMs,
		BrowserPollIntervalMs:    DefaultBrowserPollIntervalMs,
		IncludeSystemApps:        false,
		EnableDurationTracking:   true,
		MaxEventBufferSize:       DefaultMaxEventBufferSize,
		IncludeMetadata:          true,
		EnableBrowserTabTracking: true,
		MaxBatchSize:             DefaultMaxBatchSize,
		MaxBatchWaitMs:           0,
		AutomationTimeoutMs:      DefaultAutomationTimeoutMs,
		AccessibilityTimeoutMs:   DefaultAccessibilityTimeoutMs,
		MaxAccessibilityDepth:    DefaultMaxAccessibilityDepth,
		DevToolsAddress:          DefaultDevToolsAddress,
	}
}

// Validate rejects values that cannot be applied.
// Zero values are allowed; Normalize fills them with defaults.
func (c Config) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"updateIntervalMs", c.UpdateIntervalMs},
		{"pollIntervalMs", c.PollIntervalMs},
		{"browserPollIntervalMs", c.BrowserPollIntervalMs},
		{"maxEventBufferSize", c.MaxEventBufferSize},
		{"maxBatchSize", c.MaxBatchSize},
		{"maxBatchWaitMs", c.MaxBatchWaitMs},
		{"automationTimeoutMs", c.AutomationTimeoutMs},
		{"accessibilityTimeoutMs", c.AccessibilityTimeoutMs},
		{"maxAccessibilityDepth", c.MaxAccessibilityDepth},
	}
	for _, chk := range checks {
		if chk.value < 0 {
			return Wrap(ErrInvalidConfig, fmt.Errorf("%s must not be negative, got %d", chk.name, chk.value))
		}
	}
	if c.MaxBatchSize > 0 && c.MaxEventBufferSize > 0 && c.MaxBatchSize > c.MaxEventBufferSize {
		return Wrap(ErrInvalidConfig, fmt.Errorf("maxBatchSize (%d) exceeds maxEventBufferSize (%d)",
			c.MaxBatchSize, c.MaxEventBufferSize))
	}
	return nil
}

// Normalize returns a copy with zero values replaced by defaults and
// intervals clamped to a sane minimum.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	out := c
	if out.UpdateIntervalMs == 0 {
		out.UpdateIntervalMs = d.UpdateIntervalMs
	}
	if out.PollIntervalMs == 0 {
		out.PollIntervalMs = d.PollIntervalMs
	}
	if out.BrowserPollIntervalMs == 0 {
		out.BrowserPollIntervalMs = d.BrowserPollIntervalMs
	}
	if out.MaxEventBufferSize == 0 {
		out.MaxEventBufferSize = d.MaxEventBufferSize
	}
	if out.MaxBatchSize == 0 {
		out.MaxBatchSize = d.MaxBatchSize
	}
	if out.AutomationTimeoutMs == 0 {
		out.AutomationTimeoutMs = d.AutomationTimeoutMs
	}
	if out.AccessibilityTimeoutMs == 0 {
		out.AccessibilityTimeoutMs = d.AccessibilityTimeoutMs
	}
	if out.MaxAccessibilityDepth == 0 {
		out.MaxAccessibilityDepth = d.MaxAccessibilityDepth
	}
	if out.DevToolsAddress == "" {
		out.DevToolsAddress = d.DevToolsAddress
	}
	out.UpdateIntervalMs = max(out.UpdateIntervalMs, minIntervalMs)
	out.PollIntervalMs = max(out.PollIntervalMs, minIntervalMs)
	out.BrowserPollIntervalMs = max(out.BrowserPollIntervalMs, minIntervalMs)
	out.ExcludedApps = append([]string(nil), c.ExcludedApps...)
	out.IncludedApps = append([]string(nil), c.IncludedApps...)
	return out
}

func (c Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMs) * time.Millisecond
}

// SampleInterval is the poll cadence for non-browser apps.
func (c Config) SampleInterval() time.Duration {
	return time.Duration(min(c.UpdateIntervalMs, c.PollIntervalMs)) * time.Millisecond
}

// BrowserSampleInterval is the faster poll cadence used while a browser is focused.
func (c Config) BrowserSampleInterval() time.Duration {
	return min(c.SampleInterval(), time.Duration(c.BrowserPollIntervalMs)*time.Millisecond)
}

func (c Config) MaxBatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMs) * time.Millisecond
}

func (c Config) AutomationTimeout() time.Duration {
	return time.Duration(c.AutomationTimeoutMs) * time.Millisecond
}

func (c Config) AccessibilityTimeout() time.Duration {
	return time.Duration(c.AccessibilityTimeoutMs) * time.Millisecond
}
