package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
	"github.com/gyaneshwarpardhi/mdevd/internal/match"
	"github.com/gyaneshwarpardhi/mdevd/internal/rule"
	"github.com/gyaneshwarpardhi/mdevd/internal/sysfs"
)

func newCheckCmd(a *app) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "check [rule-file]",
		Short: "Validate a rule file and print it in canonical form",
		Long: `check parses every line of the rule file, reports each invalid line
and prints the rules that parsed. It fails when any line is invalid.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Rules.Path
			if len(args) == 1 {
				path = args[0]
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read rules %s: %w", path, err)
			}
			set, diags, err := rule.Compile(string(data), path, rule.SkipInvalid)
			if err != nil {
				return err
			}
			for _, d := range diags {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, d)
			}
			if !quiet {
				fmt.Fprint(cmd.OutOrStdout(), set.String())
			}
			if len(diags) > 0 {
				return fmt.Errorf("%s: %d invalid line(s)", path, len(diags))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only report problems")
	return cmd
}

func newMatchCmd(a *app) *cobra.Command {
	var enrich bool
	cmd := &cobra.Command{
		Use:   "match KEY=VALUE...",
		Short: "Show what the rules would do with an event, without doing it",
		Example: `  mdevd match ACTION=add DEVPATH=/devices/pci0000:00/usb1/1-1/ttyUSB0 \
      SUBSYSTEM=tty DEVNAME=ttyUSB0 MAJOR=188 MINOR=0`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, err := parseAttributes(args)
			if err != nil {
				return err
			}
			if enrich {
				sysfs.Enricher{Root: a.cfg.Devices.SysfsRoot}.Enrich(attrs)
			}
			ev, err := event.New(attrs)
			if err != nil {
				return err
			}
			set, err := a.loadRules()
			if err != nil {
				return err
			}
			r, err := a.resolver()
			if err != nil {
				return err
			}
			acts := r.Resolve(ev, set)
			if len(acts) == 0 {
				acts = append(acts, r.DefaultAction(ev))
			}
			printActions(cmd.OutOrStdout(), ev, acts)
			return nil
		},
	}
	cmd.Flags().BoolVar(&enrich, "enrich", false, "fill DEVNAME and MAJOR/MINOR from sysfs")
	return cmd
}

func parseAttributes(args []string) (map[string]string, error) {
	attrs := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q: want KEY=VALUE", arg)
		}
		attrs[k] = v
	}
	return attrs, nil
}

func printActions(w io.Writer, ev *event.Event, acts []*match.ResolvedAction) {
	fmt.Fprintf(w, "%s %s (%s)\n", ev.Kind(), ev.Name(), ev.DevPath())
	for _, a := range acts {
		if a.Rule == nil {
			fmt.Fprint(w, "  default:")
		} else {
			fmt.Fprintf(w, "  rule %d:", a.Rule.Line)
		}
		switch a.Node {
		case rule.NodePrevent:
			fmt.Fprint(w, " no node")
		default:
			fmt.Fprintf(w, " node %s %d:%d %04o", a.NodePath, a.UID, a.GID, a.Mode)
			if a.LinkPath != "" {
				fmt.Fprintf(w, " link %s", a.LinkPath)
			}
		}
		if a.Command != "" {
			state := "skipped"
			if a.HookRunsOn(ev.Kind()) {
				state = "runs"
			}
			fmt.Fprintf(w, " command %c %q (%s)", a.Timing, a.Command, state)
		}
		fmt.Fprintln(w)
		for _, warn := range a.Warnings {
			fmt.Fprintf(w, "    warning: %v\n", warn)
		}
	}
}
