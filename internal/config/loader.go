package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 100 * time.Millisecond

// Loader reads a configuration file and reloads it when it changes.
type Loader struct {
	path      string
	validator *Validator
	lookupEnv func(string) (string, bool)
	debounce  time.Duration
	logger    *zap.Logger

	mu       sync.RWMutex
	current  File
	onChange []func(File)

	watcher *fsnotify.Watcher
	errs    chan error
	done    chan struct{}
}

// NewLoader creates a loader for path. An empty path means defaults plus
// environment overrides.
func NewLoader(path string, logger *zap.Logger) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{
		path:      path,
		validator: validator,
		lookupEnv: os.LookupEnv,
		debounce:  DefaultDebounce,
		logger:    logger,
		current:   Default(),
		errs:      make(chan error, 1),
	}, nil
}

// Path returns the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file, applies environment overrides and validates the result.
func (l *Loader) Load() (File, error) {
	f, err := l.read()
	if err != nil {
		return File{}, err
	}
	l.mu.Lock()
	l.current = f
	l.mu.Unlock()
	return f, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() File {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback run after every successful reload.
// Register callbacks before calling Watch.
func (l *Loader) OnChange(cb func(File)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, cb)
	l.mu.Unlock()
}

// Errors reports reload failures. The channel holds at most one pending error.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch reloads the file on change until ctx is done or Close is called.
// The parent directory is watched so editors that replace the file are seen.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		return fmt.Errorf("no config file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop(ctx)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context) {
	defer close(l.done)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(l.debounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(fmt.Errorf("watch config: %w", err))
		}
	}
}

func (l *Loader) reload() {
	f, err := l.read()
	if err != nil {
		l.logger.Warn("config reload rejected, keeping previous settings", zap.String("path", l.path), zap.Error(err))
		l.report(err)
		return
	}

	l.mu.Lock()
	l.current = f
	callbacks := append([]func(File){}, l.onChange...)
	l.mu.Unlock()

	l.logger.Info("config reloaded", zap.String("path", l.path))
	for _, cb := range callbacks {
		cb(f)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	return err
}

func (l *Loader) read() (File, error) {
	f := Default()
	if l.path != "" {
		doc, err := parseFile(l.path)
		if err != nil {
			return File{}, err
		}
		if err := l.validator.Validate(doc); err != nil {
			return File{}, domain.Wrap(domain.ErrInvalidConfig, err)
		}
		normalized, err := normalize(doc)
		if err != nil {
			return File{}, err
		}
		if err := decode(normalized, &f, false); err != nil {
			return File{}, domain.Wrap(domain.ErrInvalidConfig, err)
		}
	}
	if err := ApplyEnv(&f, l.lookupEnv); err != nil {
		return File{}, err
	}
	if err := f.Tracking.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// parseFile decodes YAML or TOML into a generic document by extension.
func parseFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, domain.Wrap(domain.ErrInvalidConfig, fmt.Errorf("decode TOML: %w", err))
		}
	case ".yaml", ".yml", ".json":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, domain.Wrap(domain.ErrInvalidConfig, fmt.Errorf("decode YAML: %w", err))
		}
	default:
		return nil, domain.Wrap(domain.ErrInvalidConfig, fmt.Errorf("unsupported config format %q", filepath.Ext(path)))
	}
	return doc, nil
}
