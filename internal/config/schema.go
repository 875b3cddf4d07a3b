package config

import "time"

// Config is the top-level daemon YAML structure.
type Config struct {
	Rules       RulesConf    `yaml:"rules"`
	Devices     DevicesConf  `yaml:"devices"`
	Hooks       HooksConf    `yaml:"hooks"`
	Dispatch    DispatchConf `yaml:"dispatch"`
	Log         LogConf      `yaml:"log"`
	Admin       AdminConf    `yaml:"admin"`
	Rebroadcast bool         `yaml:"rebroadcast"`
}

// RulesConf locates the rule file.
type RulesConf struct {
	Path    string `yaml:"path"`
	OnError string `yaml:"on_error"` // "fail" or "skip"
	Watch   bool   `yaml:"watch"`
}

// DevicesConf describes where nodes go and where sysfs lives.
type DevicesConf struct {
	DevRoot     string `yaml:"dev_root"`
	SysfsRoot   string `yaml:"sysfs_root"`
	DefaultMode string `yaml:"default_mode"` // octal, e.g. "0660"
}

// HooksConf tunes hook execution.
type HooksConf struct {
	Runner      string        `yaml:"runner"` // "shell" or "builtin"
	Shell       string        `yaml:"shell"`
	Timeout     time.Duration `yaml:"timeout"`
	OutputLimit int           `yaml:"output_limit"`
	// InheritEnv names daemon environment variables passed to hooks.
	InheritEnv []string `yaml:"inherit_env"`
}

// DispatchConf holds queueing settings.
type DispatchConf struct {
	QueueDepth int `yaml:"queue_depth"`
	Workers    int `yaml:"workers"`
}

// LogConf selects the logger flavour.
type LogConf struct {
	Mode  string `yaml:"mode"` // "production" or "development"
	Level string `yaml:"level"`
}

// AdminConf enables the admin HTTP server when Addr is set.
type AdminConf struct {
	Addr string `yaml:"addr"`
}
