package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its config file.
const DefaultPath = "/etc/mdevd.yaml"

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path and applies defaults. A missing file is
// not an error when optional is set.
func Load(path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Rules.Path == "" {
		cfg.Rules.Path = "/etc/mdev.conf"
	}
	if cfg.Rules.OnError == "" {
		cfg.Rules.OnError = "fail"
	}
	if cfg.Devices.DevRoot == "" {
		cfg.Devices.DevRoot = "/dev"
	}
	if cfg.Devices.SysfsRoot == "" {
		cfg.Devices.SysfsRoot = "/sys"
	}
	if cfg.Devices.DefaultMode == "" {
		cfg.Devices.DefaultMode = "0660"
	}
	if cfg.Hooks.Runner == "" {
		cfg.Hooks.Runner = "shell"
	}
	if cfg.Hooks.Shell == "" {
		cfg.Hooks.Shell = "/bin/sh"
	}
	if cfg.Hooks.Timeout == 0 {
		cfg.Hooks.Timeout = 30 * time.Second
	}
	if cfg.Hooks.OutputLimit == 0 {
		cfg.Hooks.OutputLimit = 4 << 10
	}
	if cfg.Hooks.InheritEnv == nil {
		cfg.Hooks.InheritEnv = []string{"PATH"}
	}
	if cfg.Dispatch.QueueDepth == 0 {
		cfg.Dispatch.QueueDepth = 1024
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 1
	}
	if cfg.Log.Mode == "" {
		cfg.Log.Mode = "production"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// DefaultModeBits parses Devices.DefaultMode.
func (c *Config) DefaultModeBits() (uint32, error) {
	m, err := strconv.ParseUint(c.Devices.DefaultMode, 8, 32)
	if err != nil || m > 0o7777 {
		return 0, fmt.Errorf("devices.default_mode %q: want an octal mode up to 07777", c.Devices.DefaultMode)
	}
	return uint32(m), nil
}

// HookEnv returns the KEY=VALUE pairs of the inherited daemon variables
// that are set.
func (c *Config) HookEnv() []string {
	var env []string
	for _, k := range c.Hooks.InheritEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// RuleLoader reads the rule file and watches it for changes.
type RuleLoader struct {
	path     string
	logger   *zap.Logger
	mu       sync.RWMutex
	current  string
	onChange []func(text string)
}

// NewRuleLoader creates a RuleLoader and performs the initial read.
func NewRuleLoader(path string, logger *zap.Logger) (*RuleLoader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &RuleLoader{path: path, logger: logger}
	text, err := l.read()
	if err != nil {
		return nil, err
	}
	l.current = text
	return l, nil
}

// Path returns the rule file path.
func (l *RuleLoader) Path() string { return l.path }

// Text returns the most recently read rule text.
func (l *RuleLoader) Text() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback the watcher invokes with the new text
// whenever the file content changes.
func (l *RuleLoader) OnChange(fn func(text string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that re-reads the rule file when it
// changes. The parent directory is watched so editors that replace the
// file by renaming are seen too. Call the returned stop function to clean up.
func (l *RuleLoader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rule watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("rule watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if err := l.notify(); err != nil {
						l.logger.Error("rule file reload failed", zap.String("path", l.path), zap.Error(err))
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("rule watcher error", zap.Error(err))
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the rule file and returns its
// text. Callbacks are not invoked; the caller applies the text itself.
func (l *RuleLoader) Reload() (string, error) {
	text, err := l.read()
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.current = text
	l.mu.Unlock()
	return text, nil
}

// notify re-reads the file and runs the callbacks when the text changed.
func (l *RuleLoader) notify() error {
	text, err := l.read()
	if err != nil {
		return err
	}
	l.mu.Lock()
	changed := text != l.current
	l.current = text
	callbacks := make([]func(string), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	if changed {
		for _, fn := range callbacks {
			fn(text)
		}
	}
	return nil
}

func (l *RuleLoader) read() (string, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", fmt.Errorf("read rules %s: %w", l.path, err)
	}
	return string(data), nil
}
