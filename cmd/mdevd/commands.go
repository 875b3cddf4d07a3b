package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/mdevd/internal/config"
	"github.com/gyaneshwarpardhi/mdevd/internal/executor"
	"github.com/gyaneshwarpardhi/mdevd/internal/hook"
	"github.com/gyaneshwarpardhi/mdevd/internal/logging"
	"github.com/gyaneshwarpardhi/mdevd/internal/match"
	"github.com/gyaneshwarpardhi/mdevd/internal/rule"
)

// app carries what every subcommand needs once the root command has loaded
// the configuration.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

type rootFlags struct {
	configPath string
	rulesPath  string
	devRoot    string
	sysfsRoot  string
	logMode    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var (
		flags rootFlags
		a     = &app{}
	)

	rootCmd := &cobra.Command{
		Use:   "mdevd",
		Short: "Minimal device manager driven by mdev.conf rules",
		Long: `mdevd listens for kernel uevents and creates, configures and removes
device nodes according to an mdev.conf style rule file, running the
commands attached to matching rules.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd, flags)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Close(a.logger)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf("no command specified")
		},
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.DefaultPath, "daemon config file (optional unless set)")
	pf.StringVar(&flags.rulesPath, "rules", "", "rule file, overrides rules.path")
	pf.StringVar(&flags.devRoot, "dev-root", "", "device node directory, overrides devices.dev_root")
	pf.StringVar(&flags.sysfsRoot, "sysfs", "", "sysfs mount point, overrides devices.sysfs_root")
	pf.StringVar(&flags.logMode, "log-mode", "", "production or development")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(newDaemonCmd(a))
	rootCmd.AddCommand(newScanCmd(a))
	rootCmd.AddCommand(newColdplugCmd(a))
	rootCmd.AddCommand(newCheckCmd(a))
	rootCmd.AddCommand(newMatchCmd(a))
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command, f rootFlags) error {
	cfg, err := config.Load(f.configPath, !cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if f.rulesPath != "" {
		cfg.Rules.Path = f.rulesPath
	}
	if f.devRoot != "" {
		cfg.Devices.DevRoot = f.devRoot
	}
	if f.sysfsRoot != "" {
		cfg.Devices.SysfsRoot = f.sysfsRoot
	}
	if f.logMode != "" {
		cfg.Log.Mode = f.logMode
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	logger.Debug("command started", zap.String("command", cmd.Name()))
	return nil
}

func (a *app) policy() rule.Policy {
	p, err := rule.ParsePolicy(a.cfg.Rules.OnError)
	if err != nil {
		return rule.FailFast
	}
	return p
}

// loadRules compiles the configured rule file under the configured policy.
func (a *app) loadRules() (*rule.Set, error) {
	path := a.cfg.Rules.Path
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return a.compile(string(data), path)
}

func (a *app) compile(text, path string) (*rule.Set, error) {
	set, diags, err := rule.Compile(text, path, a.policy())
	if err != nil {
		return nil, err
	}
	for _, d := range diags {
		a.logger.Warn("skipping invalid rule line", zap.String("source", path), zap.Int("line", d.Line), zap.Error(d))
	}
	return set, nil
}

func (a *app) resolver() (*match.Resolver, error) {
	mode, err := a.cfg.DefaultModeBits()
	if err != nil {
		return nil, err
	}
	return match.NewResolver(nil, a.cfg.Devices.DevRoot, mode), nil
}

// executor builds the node executor with the configured hook runner.
func (a *app) executor() (*executor.Executor, error) {
	hc := a.cfg.Hooks
	shell := hook.NewShellRunner(a.logger.Named("hook"))
	shell.Shell = hc.Shell
	shell.OutputLimit = hc.OutputLimit
	builtin := hook.NewBuiltinRunner()
	builtin.OutputLimit = hc.OutputLimit

	runner, err := hook.NewRegistry(shell, builtin).Get(hc.Runner)
	if err != nil {
		return nil, err
	}
	return executor.New(executor.Options{
		DevRoot:     a.cfg.Devices.DevRoot,
		FS:          executor.OSNodeFS{},
		Runner:      runner,
		HookTimeout: hc.Timeout,
		HookEnv:     a.cfg.HookEnv(),
		Logger:      a.logger.Named("executor"),
	}), nil
}
