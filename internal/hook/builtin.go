package hook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// BuiltinRunner interprets commands in-process with a POSIX shell
// interpreter. External programs are still started as child processes and
// are interrupted, then killed after KillGrace, when the time bound expires.
// Suited to images without /bin/sh.
type BuiltinRunner struct {
	OutputLimit int
	KillGrace   time.Duration
}

// NewBuiltinRunner returns a BuiltinRunner with default settings.
func NewBuiltinRunner() *BuiltinRunner {
	return &BuiltinRunner{OutputLimit: DefaultOutputLimit, KillGrace: DefaultKillGrace}
}

func (b *BuiltinRunner) Name() string { return "builtin" }

func (b *BuiltinRunner) Run(ctx context.Context, req Request) *Result {
	start := time.Now()
	prog, err := syntax.NewParser(syntax.Variant(syntax.LangPOSIX)).Parse(strings.NewReader(req.Command), "")
	if err != nil {
		return &Result{ExitCode: -1, Err: fmt.Errorf("parse command: %w", err), Duration: time.Since(start)}
	}

	limit := b.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	grace := b.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	dir := req.Dir
	if dir == "" {
		dir = "/"
	}
	out := newLimitedBuffer(limit)

	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(req.Env...)),
		interp.StdIO(nil, out, out),
		interp.ExecHandlers(func(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
			return interp.DefaultExecHandler(grace)
		}),
	)
	if err != nil {
		return &Result{ExitCode: -1, Err: fmt.Errorf("create interpreter: %w", err), Duration: time.Since(start)}
	}

	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()
	err = runner.Run(ctx, prog)

	res := &Result{Duration: time.Since(start)}
	res.Output, res.Truncated = out.result()
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled) {
		res.TimedOut = true
		res.ExitCode = -1
		res.Err = ctx.Err()
		return res
	}
	if err == nil {
		return res
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		res.ExitCode = int(status)
		return res
	}
	res.ExitCode = -1
	res.Err = err
	return res
}
