package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/flowdesk/model"
)

// Override replaces the title and/or icon of a registered type.
type Override struct {
	Title string       `yaml:"title" json:"title,omitempty"`
	Icon  IconCategory `yaml:"icon" json:"icon,omitempty"`
}

// Overrides is the on-disk shape of the display overrides file.
type Overrides struct {
	Types map[model.RuleType]Override `yaml:"types"`
}

// reloadDebounce is how long the watcher waits for a file to settle.
const reloadDebounce = 100 * time.Millisecond

// OverrideLoader reads the overrides YAML file, applies it to a registry,
// and can watch the file for changes.
type OverrideLoader struct {
	path     string
	registry *Registry
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.Mutex
	onChange []func(applied int)
}

// NewOverrideLoader creates a loader and applies the file once. A missing
// file is not an error; the registry keeps its built-in display values.
func NewOverrideLoader(path string, r *Registry, logger *zap.Logger) (*OverrideLoader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &OverrideLoader{
		path:     filepath.Clean(path),
		registry: r,
		logger:   logger,
		debounce: reloadDebounce,
	}
	if _, err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// OnChange registers a callback invoked after every successful reload.
func (l *OverrideLoader) OnChange(fn func(applied int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Reload re-reads the file and applies it, returning the number of
// overrides in effect.
func (l *OverrideLoader) Reload() (int, error) {
	o, err := l.load()
	if err != nil {
		return 0, err
	}
	applied := l.registry.ApplyOverrides(o)

	l.mu.Lock()
	callbacks := make([]func(int), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(applied)
	}
	return applied, nil
}

// Watch hot-reloads the overrides on file changes until the returned stop
// function is called. The parent directory is watched so a file replaced by
// rename keeps being followed. Bursts of events within the debounce window
// cause one reload. A file that fails to parse leaves the previous overrides
// in place.
func (l *OverrideLoader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("overrides watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("overrides watcher add %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != l.path {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					pending = time.After(l.debounce)
				}
			case <-pending:
				pending = nil
				applied, err := l.Reload()
				if err != nil {
					l.logger.Warn("registry overrides reload failed", zap.String("path", l.path), zap.Error(err))
					continue
				}
				l.logger.Info("registry overrides reloaded", zap.String("path", l.path), zap.Int("applied", applied))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("registry overrides watcher error", zap.Error(err))
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

func (l *OverrideLoader) load() (Overrides, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return Overrides{}, nil
	}
	if err != nil {
		return Overrides{}, fmt.Errorf("read overrides %s: %w", l.path, err)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Overrides{}, fmt.Errorf("parse overrides %s: %w", l.path, err)
	}
	return o, nil
}
