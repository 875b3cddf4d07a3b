// Package executor applies resolved rule actions to the device directory:
// it creates, moves, links and removes nodes and runs hook commands.
package executor

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
	"github.com/gyaneshwarpardhi/mdevd/internal/hook"
	"github.com/gyaneshwarpardhi/mdevd/internal/match"
	"github.com/gyaneshwarpardhi/mdevd/internal/metrics"
	"github.com/gyaneshwarpardhi/mdevd/internal/rule"
)

// DefaultHookTimeout bounds a hook when Options.HookTimeout is zero.
const DefaultHookTimeout = 30 * time.Second

// Options configures an Executor.
type Options struct {
	DevRoot     string
	FS          NodeFS
	Runner      hook.Runner
	HookTimeout time.Duration
	// HookEnv is inherited by every hook before event attributes.
	HookEnv []string
	Logger  *zap.Logger
}

// Executor performs side effects for one event at a time per device.
type Executor struct {
	devRoot     string
	fs          NodeFS
	runner      hook.Runner
	hookTimeout time.Duration
	hookEnv     []string
	tracker     *Tracker
	logger      *zap.Logger
}

// New creates an Executor. FS defaults to the real filesystem.
func New(opts Options) *Executor {
	if opts.FS == nil {
		opts.FS = OSNodeFS{}
	}
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = DefaultHookTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DevRoot == "" {
		opts.DevRoot = "/dev"
	}
	return &Executor{
		devRoot:     opts.DevRoot,
		fs:          opts.FS,
		runner:      opts.Runner,
		hookTimeout: opts.HookTimeout,
		hookEnv:     opts.HookEnv,
		tracker:     NewTracker(),
		logger:      opts.Logger,
	}
}

// Tracker exposes the node table.
func (e *Executor) Tracker() *Tracker { return e.tracker }

// DevRoot is the directory nodes are created under.
func (e *Executor) DevRoot() string { return e.devRoot }

// Apply performs actions for ev. For add and change every action runs its
// node step and then its hook, in order. For remove every hook runs first
// and the device's tracked nodes are removed afterwards. Actions whose node
// op is NodePrevent skip the node step.
//
// Hooks are detached from ctx cancellation and bounded only by the hook
// timeout, so a shutdown lets an in-flight hook finish.
func (e *Executor) Apply(ctx context.Context, ev *event.Event, actions []*match.ResolvedAction) *Result {
	start := time.Now()
	res := newResult(ev)
	hctx := context.WithoutCancel(ctx)

	for _, a := range actions {
		res.Rules = append(res.Rules, a.RuleLine())
		res.Warnings = append(res.Warnings, a.Warnings...)
	}

	switch ev.Kind() {
	case event.Remove:
		removeNodes := false
		for _, a := range actions {
			if a.HookRunsOn(event.Remove) {
				e.runHook(hctx, ev, a, res)
			}
			if a.Node != rule.NodePrevent {
				removeNodes = true
			}
		}
		if removeNodes {
			e.removeNodes(ev, res)
		}
	default:
		for _, a := range actions {
			if a.Node != rule.NodePrevent {
				e.ensureNode(ev, a, res)
			}
			if a.HookRunsOn(ev.Kind()) {
				e.runHook(hctx, ev, a, res)
			}
		}
	}

	res.Duration = time.Since(start)
	return res
}

func (e *Executor) abs(rel string) string {
	return filepath.Join(e.devRoot, filepath.FromSlash(rel))
}

func (e *Executor) ensureNode(ev *event.Event, a *match.ResolvedAction, res *Result) {
	major, minor, ok := ev.DeviceNumber()
	if !ok {
		res.Warnings = append(res.Warnings, ErrNoDeviceNumber)
		return
	}
	typ := TypeChar
	if ev.IsBlock() {
		typ = TypeBlock
	}
	dev := Mkdev(major, minor)
	path := e.abs(a.NodePath)

	if err := e.fs.MkdirAll(filepath.Dir(path)); err != nil {
		res.fail(&FilesystemError{Op: "mkdir", Path: filepath.Dir(path), Err: err})
		return
	}
	info, err := e.fs.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := e.fs.Mknod(path, typ, a.Mode&0o7777, dev); err != nil {
			e.nodeOp("mknod", false)
			res.fail(&FilesystemError{Op: "mknod", Path: path, Err: err})
			return
		}
		e.nodeOp("mknod", true)
	case err != nil:
		res.fail(&FilesystemError{Op: "stat", Path: path, Err: err})
		return
	case info.Type != typ || info.Rdev != dev:
		e.nodeOp("mknod", false)
		res.fail(&FilesystemError{Op: "mknod", Path: path, Err: ErrNodeConflict})
		return
	}

	if err := e.fs.Chown(path, a.UID, a.GID); err != nil {
		e.nodeOp("chown", false)
		res.fail(&FilesystemError{Op: "chown", Path: path, Err: err})
		return
	}
	if err := e.fs.Chmod(path, a.Mode&0o7777); err != nil {
		e.nodeOp("chmod", false)
		res.fail(&FilesystemError{Op: "chmod", Path: path, Err: err})
		return
	}

	n := Node{
		DevPath:   ev.DevPath(),
		Path:      path,
		Type:      typ,
		Major:     major,
		Minor:     minor,
		UID:       a.UID,
		GID:       a.GID,
		Mode:      a.Mode,
		Rule:      a.RuleLine(),
		CreatedAt: time.Now(),
	}
	if a.LinkPath != "" {
		link := e.abs(a.LinkPath)
		if err := e.ensureLink(path, link); err != nil {
			res.fail(err)
		} else {
			n.Link = link
		}
	}
	e.tracker.Track(n)
	res.Nodes = append(res.Nodes, path)
}

func (e *Executor) ensureLink(target, link string) error {
	rel, err := filepath.Rel(filepath.Dir(link), target)
	if err != nil {
		return &FilesystemError{Op: "symlink", Path: link, Err: err}
	}
	if err := e.fs.MkdirAll(filepath.Dir(link)); err != nil {
		return &FilesystemError{Op: "mkdir", Path: filepath.Dir(link), Err: err}
	}
	info, err := e.fs.Stat(link)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := e.fs.Symlink(rel, link); err != nil {
			e.nodeOp("symlink", false)
			return &FilesystemError{Op: "symlink", Path: link, Err: err}
		}
		e.nodeOp("symlink", true)
		return nil
	case err != nil:
		return &FilesystemError{Op: "stat", Path: link, Err: err}
	case info.Type != TypeSymlink || info.Target != rel:
		e.nodeOp("symlink", false)
		return &FilesystemError{Op: "symlink", Path: link, Err: ErrNodeConflict}
	}
	return nil
}

func (e *Executor) removeNodes(ev *event.Event, res *Result) {
	nodes := e.tracker.Forget(ev.DevPath())
	if len(nodes) == 0 {
		res.Warnings = append(res.Warnings, ErrUntracked)
		return
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if n.Link != "" {
			if info, err := e.fs.Stat(n.Link); err == nil && info.Type == TypeSymlink {
				e.remove(n.Link, res)
			}
		}
		info, err := e.fs.Stat(n.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			res.fail(&FilesystemError{Op: "stat", Path: n.Path, Err: err})
		case info.Type != n.Type || info.Rdev != Mkdev(n.Major, n.Minor):
			res.fail(&FilesystemError{Op: "remove", Path: n.Path, Err: ErrNodeConflict})
		default:
			e.remove(n.Path, res)
		}
	}
}

func (e *Executor) remove(path string, res *Result) {
	if err := e.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.nodeOp("remove", false)
		res.fail(&FilesystemError{Op: "remove", Path: path, Err: err})
		return
	}
	e.nodeOp("remove", true)
	res.Removed = append(res.Removed, path)
}

func (e *Executor) runHook(ctx context.Context, ev *event.Event, a *match.ResolvedAction, res *Result) {
	if e.runner == nil {
		res.fail(&CommandError{Rule: a.RuleLine(), Command: a.Command, ExitCode: -1, Err: errors.New("no hook runner configured")})
		return
	}
	nodePath := ""
	if a.NodePath != "" {
		nodePath = e.abs(a.NodePath)
	}
	req := hook.Request{
		Command: a.Command,
		Env: hook.BuildEnv(hook.EnvSpec{
			Attributes: ev.Attributes(),
			Device:     ev.Name(),
			NodePath:   nodePath,
			RuleLine:   a.RuleLine(),
			Captures:   a.Captures,
			Inherit:    e.hookEnv,
		}),
		Dir:     "/",
		Timeout: e.hookTimeout,
	}
	hr := e.runner.Run(ctx, req)

	out := HookOutcome{
		Rule:     a.RuleLine(),
		Command:  a.Command,
		ExitCode: hr.ExitCode,
		Output:   hr.Output,
		TimedOut: hr.TimedOut,
		Duration: hr.Duration,
	}
	res.Hooks = append(res.Hooks, out)
	metrics.HookDuration.Observe(float64(hr.Duration.Milliseconds()))

	status := "ok"
	switch {
	case hr.TimedOut:
		status = "timeout"
		res.fail(&TimeoutError{Rule: a.RuleLine(), Command: a.Command, Timeout: e.hookTimeout})
	case hr.Err != nil || hr.ExitCode != 0:
		status = "failed"
		res.fail(&CommandError{Rule: a.RuleLine(), Command: a.Command, ExitCode: hr.ExitCode, Err: hr.Err})
	}
	metrics.HooksRun.WithLabelValues(e.runner.Name(), status).Inc()
	e.logger.Debug("hook finished",
		zap.String("event_id", ev.ID()),
		zap.Int("rule", a.RuleLine()),
		zap.String("command", a.Command),
		zap.Int("exit_code", hr.ExitCode),
		zap.Duration("duration", hr.Duration),
		zap.String("status", status),
	)
}

func (e *Executor) nodeOp(op string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	metrics.NodeOps.WithLabelValues(op, status).Inc()
}

// HookOutcome records one hook run.
type HookOutcome struct {
	Rule     int           `json:"rule"`
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Result is the record of everything done for one event.
type Result struct {
	EventID  string
	Kind     event.Kind
	DevPath  string
	Device   string
	Seqnum   uint64 // 0 when the kernel sent none
	Rules    []int // matched rule lines, 0 for the default action
	Nodes    []string
	Removed  []string
	Hooks    []HookOutcome
	Errors   []error
	Warnings []error
	Duration time.Duration
}

func newResult(ev *event.Event) *Result {
	return &Result{
		EventID: ev.ID(),
		Kind:    ev.Kind(),
		DevPath: ev.DevPath(),
		Device:  ev.Name(),
		Seqnum:  ev.Seqnum(),
	}
}

func (r *Result) fail(err error) { r.Errors = append(r.Errors, err) }

// Err joins every error, nil when the event was handled cleanly.
func (r *Result) Err() error { return errors.Join(r.Errors...) }

// Fields renders the result for a single structured log line.
func (r *Result) Fields() []zap.Field {
	rules := make([]string, len(r.Rules))
	for i, l := range r.Rules {
		rules[i] = strconv.Itoa(l)
	}
	fields := []zap.Field{
		zap.String("event_id", r.EventID),
		zap.Stringer("action", r.Kind),
		zap.String("devpath", r.DevPath),
		zap.String("device", r.Device),
		zap.Strings("rules", rules),
		zap.Duration("duration", r.Duration),
	}
	if r.Seqnum != 0 {
		fields = append(fields, zap.Uint64("seqnum", r.Seqnum))
	}
	if len(r.Nodes) > 0 {
		fields = append(fields, zap.Strings("nodes", r.Nodes))
	}
	if len(r.Removed) > 0 {
		fields = append(fields, zap.Strings("removed", r.Removed))
	}
	if len(r.Hooks) > 0 {
		fields = append(fields, zap.Array("hooks", hookOutcomes(r.Hooks)))
	}
	if len(r.Errors) > 0 {
		fields = append(fields, zap.Errors("errors", r.Errors))
	}
	if len(r.Warnings) > 0 {
		fields = append(fields, zap.Errors("warnings", r.Warnings))
	}
	return fields
}

type hookOutcomes []HookOutcome

func (hs hookOutcomes) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for i := range hs {
		if err := enc.AppendObject(&hs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (h *HookOutcome) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("rule", h.Rule)
	enc.AddString("command", h.Command)
	enc.AddInt("exit_code", h.ExitCode)
	enc.AddDuration("duration", h.Duration)
	if h.TimedOut {
		enc.AddBool("timed_out", true)
	}
	if h.Output != "" {
		enc.AddString("output", h.Output)
	}
	return nil
}
