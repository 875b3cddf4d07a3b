package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/mdevd/internal/engine"
	"github.com/gyaneshwarpardhi/mdevd/internal/event"
	"github.com/gyaneshwarpardhi/mdevd/internal/sysfs"
)

func newScanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Create nodes for every device already present in sysfs",
		Long: `scan walks <sysfs>/dev/char and <sysfs>/dev/block, synthesizes an add
event for each device and applies the rules to it, one device at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runScan(cmd.Context(), cmd)
		},
	}
}

func (a *app) runScan(ctx context.Context, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	set, err := a.loadRules()
	if err != nil {
		return err
	}
	resolver, err := a.resolver()
	if err != nil {
		return err
	}
	exec, err := a.executor()
	if err != nil {
		return err
	}
	eng := engine.New(ctx, set, engine.Options{
		Resolver:   resolver,
		Executor:   exec,
		QueueDepth: a.cfg.Dispatch.QueueDepth,
		Logger:     a.logger.Named("engine"),
	})
	defer eng.Shutdown()

	var devices, failed int
	err = sysfs.Scan(a.cfg.Devices.SysfsRoot, func(ev *event.Event) error {
		res, err := eng.Dispatch(ctx, ev)
		if err != nil {
			return err
		}
		devices++
		if len(res.Errors) > 0 {
			failed++
		}
		return nil
	})
	a.logger.Info("scan finished", zap.Int("devices", devices), zap.Int("with_errors", failed))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d devices, %d with errors\n", devices, failed)
	return nil
}

func newColdplugCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "coldplug",
		Short: "Ask the kernel to replay add events for existing devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := sysfs.Coldplug(a.cfg.Devices.SysfsRoot)
			a.logger.Info("coldplug triggered", zap.Int("devices", n), zap.Error(err))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "triggered %d devices\n", n)
			return nil
		},
	}
}
