package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Validate checks the config for:
//   - Known enum values (rules.on_error, hooks.runner, log.mode, log.level)
//   - Absolute paths for the rule file and device/sysfs roots
//   - Sane numeric limits
//   - A parseable default mode and admin address
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.Rules.OnError {
	case "fail", "skip":
	default:
		errs = append(errs, fmt.Sprintf("rules.on_error: %q is not one of fail, skip", cfg.Rules.OnError))
	}
	for _, f := range []struct{ name, path string }{
		{"rules.path", cfg.Rules.Path},
		{"devices.dev_root", cfg.Devices.DevRoot},
		{"devices.sysfs_root", cfg.Devices.SysfsRoot},
	} {
		if !filepath.IsAbs(f.path) {
			errs = append(errs, fmt.Sprintf("%s: %q must be an absolute path", f.name, f.path))
		}
	}
	if _, err := cfg.DefaultModeBits(); err != nil {
		errs = append(errs, err.Error())
	}

	switch cfg.Hooks.Runner {
	case "shell", "builtin":
	default:
		errs = append(errs, fmt.Sprintf("hooks.runner: %q is not one of shell, builtin", cfg.Hooks.Runner))
	}
	if cfg.Hooks.Timeout < 0 {
		errs = append(errs, "hooks.timeout: must not be negative")
	}
	if cfg.Hooks.OutputLimit < 0 {
		errs = append(errs, "hooks.output_limit: must not be negative")
	}

	if cfg.Dispatch.QueueDepth < 1 {
		errs = append(errs, "dispatch.queue_depth: must be at least 1")
	}
	if cfg.Dispatch.Workers < 1 {
		errs = append(errs, "dispatch.workers: must be at least 1")
	}

	switch cfg.Log.Mode {
	case "production", "development":
	default:
		errs = append(errs, fmt.Sprintf("log.mode: %q is not one of production, development", cfg.Log.Mode))
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}

	if cfg.Admin.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Admin.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("admin.addr: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
