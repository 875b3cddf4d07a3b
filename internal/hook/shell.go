package hook

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Defaults for ShellRunner.
const (
	DefaultShell       = "/bin/sh"
	DefaultOutputLimit = 4 << 10
	DefaultKillGrace   = 2 * time.Second
)

// ShellRunner runs commands with an external POSIX shell in their own
// process group. On timeout the whole group and any descendants that left
// it are killed.
type ShellRunner struct {
	Shell       string
	OutputLimit int
	// KillGrace bounds how long Run waits for output pipes to close after
	// the shell was killed.
	KillGrace time.Duration
	Logger    *zap.Logger
}

// NewShellRunner returns a ShellRunner with default settings.
func NewShellRunner(logger *zap.Logger) *ShellRunner {
	return &ShellRunner{
		Shell:       DefaultShell,
		OutputLimit: DefaultOutputLimit,
		KillGrace:   DefaultKillGrace,
		Logger:      logger,
	}
}

func (s *ShellRunner) Name() string { return "shell" }

func (s *ShellRunner) Run(ctx context.Context, req Request) *Result {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	shell := s.Shell
	if shell == "" {
		shell = DefaultShell
	}
	out := newLimitedBuffer(s.limit())

	cmd := exec.CommandContext(ctx, shell, "-c", req.Command)
	cmd.Env = req.Env
	cmd.Dir = req.Dir
	if cmd.Dir == "" {
		cmd.Dir = "/"
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pid := cmd.Process.Pid
		killed := killDescendants(pid)
		if killed > 0 && s.Logger != nil {
			s.Logger.Debug("killed hook descendants", zap.Int("pid", pid), zap.Int("count", killed))
		}
		return unix.Kill(-pid, unix.SIGKILL)
	}
	cmd.WaitDelay = s.grace()

	err := cmd.Run()
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
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// Terminated by a signal.
			res.Err = err
		}
		return res
	}
	res.ExitCode = -1
	res.Err = err
	return res
}

func (s *ShellRunner) limit() int {
	if s.OutputLimit <= 0 {
		return DefaultOutputLimit
	}
	return s.OutputLimit
}

func (s *ShellRunner) grace() time.Duration {
	if s.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return s.KillGrace
}
