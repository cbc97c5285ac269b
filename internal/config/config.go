// Package config loads focustrack settings from YAML or TOML files and the
// environment, validates them against an embedded JSON Schema and watches
// the file for changes.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"unicode"

	"github.com/mitchellh/mapstructure"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FOCUSTRACK_"

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" toml:"format" mapstructure:"format"` // auto, json or console
	File   string `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty" mapstructure:"file"`
}

// File is the on-disk configuration document.
type File struct {
	Tracking domain.Config `json:"tracking" yaml:"tracking" toml:"tracking" mapstructure:"tracking"`
	Log      LogConfig     `json:"log" yaml:"log" toml:"log" mapstructure:"log"`
}

// Default returns the configuration used when no file is given.
func Default() File {
	return File{
		Tracking: domain.DefaultConfig(),
		Log:      LogConfig{Level: "info", Format: "auto"},
	}
}

// FromMap decodes a generic key/value map (as produced by a binding layer)
// onto the default tracking configuration. Unknown keys are rejected.
func FromMap(values map[string]any) (domain.Config, error) {
	cfg := domain.DefaultConfig()
	if err := decode(values, &cfg, false); err != nil {
		return domain.Config{}, domain.Wrap(domain.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return domain.Config{}, err
	}
	return cfg, nil
}

func decode(input any, target any, weak bool) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "mapstructure",
		ErrorUnused:      true,
		WeaklyTypedInput: weak,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	return decoder.Decode(input)
}

// ApplyEnv overrides fields from FOCUSTRACK_* variables. Tracking fields use
// the upper snake case of their key (FOCUSTRACK_POLL_INTERVAL_MS); list
// fields are comma separated. FOCUSTRACK_LOG_LEVEL, FOCUSTRACK_LOG_FORMAT
// and FOCUSTRACK_LOG_FILE configure logging.
func ApplyEnv(f *File, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	tracking := envValues(reflect.TypeOf(f.Tracking), "", lookup)
	if len(tracking) > 0 {
		if err := decode(tracking, &f.Tracking, true); err != nil {
			return domain.Wrap(domain.ErrInvalidConfig, fmt.Errorf("environment override: %w", err))
		}
	}

	logValues := envValues(reflect.TypeOf(f.Log), "LOG_", lookup)
	if len(logValues) > 0 {
		if err := decode(logValues, &f.Log, true); err != nil {
			return domain.Wrap(domain.ErrInvalidConfig, fmt.Errorf("environment override: %w", err))
		}
	}
	return nil
}

func envValues(t reflect.Type, prefix string, lookup func(string) (string, bool)) map[string]any {
	out := make(map[string]any)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		raw, ok := lookup(EnvPrefix + prefix + EnvName(key))
		if !ok {
			continue
		}
		if field.Type.Kind() == reflect.Slice {
			out[key] = splitList(raw)
		} else {
			out[key] = strings.TrimSpace(raw)
		}
	}
	return out
}

// EnvName converts a camelCase key to UPPER_SNAKE_CASE.
func EnvName(key string) string {
	var b strings.Builder
	runes := []rune(key)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 && !unicode.IsUpper(runes[i-1]) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
