package executor_test

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
	"github.com/gyaneshwarpardhi/mdevd/internal/executor"
	"github.com/gyaneshwarpardhi/mdevd/internal/hook"
	"github.com/gyaneshwarpardhi/mdevd/internal/match"
	"github.com/gyaneshwarpardhi/mdevd/internal/rule"
)

// recorder is a hook.Runner that records requests and the node table state
// seen by each one.
type recorder struct {
	mu       sync.Mutex
	fs       *executor.MemFS
	calls    []hook.Request
	seen     [][]string
	exitCode int
	timedOut bool
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Run(_ context.Context, req hook.Request) *hook.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	r.seen = append(r.seen, r.fs.Paths())
	res := &hook.Result{ExitCode: r.exitCode, TimedOut: r.timedOut, Duration: time.Millisecond}
	if r.timedOut {
		res.Err = context.DeadlineExceeded
	}
	return res
}

type ids struct{}

func (ids) LookupUser(string) (uint32, error)  { return 0, errors.New("no users") }
func (ids) LookupGroup(string) (uint32, error) { return 0, errors.New("no groups") }

func setup(t *testing.T) (*executor.Executor, *executor.MemFS, *recorder) {
	t.Helper()
	fs := executor.NewMemFS()
	rec := &recorder{fs: fs}
	ex := executor.New(executor.Options{
		DevRoot: "/dev",
		FS:      fs,
		Runner:  rec,
		Logger:  zap.NewNop(),
	})
	return ex, fs, rec
}

func newEvent(t *testing.T, kv ...string) *event.Event {
	t.Helper()
	attrs := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = kv[i+1]
	}
	ev, err := event.New(attrs)
	require.NoError(t, err)
	return ev
}

func resolve(t *testing.T, text string, ev *event.Event) []*match.ResolvedAction {
	t.Helper()
	rules, err := rule.Parse(text)
	require.NoError(t, err)
	r := match.NewResolver(ids{}, "/dev", 0)
	acts := r.Resolve(ev, rule.NewSet(rules, "test"))
	if len(acts) == 0 {
		acts = append(acts, r.DefaultAction(ev))
	}
	return acts
}

func addSdb1(t *testing.T, action string) *event.Event {
	return newEvent(t, "ACTION", action, "DEVPATH", "/devices/pci0/host0/block/sdb/sdb1",
		"SUBSYSTEM", "block", "DEVNAME", "sdb1", "MAJOR", "8", "MINOR", "17")
}

const storageRules = "sdb[0-9]* 0:6 0660 *echo %MDEV%\n"

func TestApply_AddThenRemove(t *testing.T) {
	ex, fs, rec := setup(t)
	// '*' runs on both add and remove.
	text := "sdb[0-9]* 0:6 0640 *echo %MDEV%\n"

	ev := addSdb1(t, "add")
	res := ex.Apply(context.Background(), ev, resolve(t, text, ev))
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"/dev/sdb1"}, res.Nodes)
	assert.Equal(t, []int{1}, res.Rules)

	info, err := fs.Stat("/dev/sdb1")
	require.NoError(t, err)
	assert.Equal(t, executor.TypeBlock, info.Type)
	assert.Equal(t, executor.Mkdev(8, 17), info.Rdev)
	assert.Equal(t, uint32(0o640), info.Perm)
	assert.Equal(t, uint32(6), info.GID)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "echo sdb1", rec.calls[0].Command)
	assert.Contains(t, rec.calls[0].Env, "MDEV_PATH=/dev/sdb1")
	assert.Contains(t, rec.calls[0].Env, "MDEV_RULE=1")
	assert.Contains(t, rec.calls[0].Env, "ACTION=add")
	assert.Equal(t, []string{"/dev/sdb1"}, rec.seen[0], "add hook runs after the node exists")
	assert.Len(t, ex.Tracker().List(), 1)

	ev = addSdb1(t, "remove")
	res = ex.Apply(context.Background(), ev, resolve(t, text, ev))
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"/dev/sdb1"}, res.Removed)
	require.Len(t, rec.calls, 2)
	assert.Equal(t, []string{"/dev/sdb1"}, rec.seen[1], "remove hook runs before the node goes away")
	assert.Empty(t, fs.Paths())
	assert.Zero(t, ex.Tracker().Len())
}

func TestApply_IdempotentAdd(t *testing.T) {
	ex, fs, _ := setup(t)
	ev := addSdb1(t, "add")
	acts := resolve(t, "sdb1 0:0 0600\n", ev)

	require.NoError(t, ex.Apply(context.Background(), ev, acts).Err())
	require.NoError(t, ex.Apply(context.Background(), ev, acts).Err())
	assert.Equal(t, []string{"/dev/sdb1"}, fs.Paths())
	assert.Len(t, ex.Tracker().List(), 1)
}

func TestApply_ConflictingNode(t *testing.T) {
	ex, fs, _ := setup(t)
	require.NoError(t, fs.MkdirAll("/dev"))
	require.NoError(t, fs.Mknod("/dev/sdb1", executor.TypeChar, 0o600, executor.Mkdev(1, 3)))

	ev := addSdb1(t, "add")
	res := ex.Apply(context.Background(), ev, resolve(t, "sdb1 0:0 0600\n", ev))
	require.Error(t, res.Err())
	var fe *executor.FilesystemError
	require.True(t, errors.As(res.Err(), &fe))
	assert.Equal(t, "mknod", fe.Op)
	assert.ErrorIs(t, fe, executor.ErrNodeConflict)
}

func TestApply_MoveAndLink(t *testing.T) {
	ex, fs, _ := setup(t)
	ev := newEvent(t, "ACTION", "add", "DEVPATH", "/devices/usb1/1-1/ttyUSB0/tty/ttyUSB0",
		"SUBSYSTEM", "tty", "DEVNAME", "ttyUSB0", "MAJOR", "188", "MINOR", "0")
	res := ex.Apply(context.Background(), ev, resolve(t, "ttyUSB([0-9]+) 0:0 0660 >usb/tty%1\n", ev))
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/usb/tty0"}, fs.Paths())

	link, err := fs.Stat("/dev/ttyUSB0")
	require.NoError(t, err)
	assert.Equal(t, executor.TypeSymlink, link.Type)
	assert.Equal(t, "usb/tty0", link.Target)

	nodes := ex.Tracker().Lookup(ev.DevPath())
	require.Len(t, nodes, 1)
	assert.Equal(t, "/dev/ttyUSB0", nodes[0].Link)

	rm := newEvent(t, "ACTION", "remove", "DEVPATH", ev.DevPath(), "SUBSYSTEM", "tty",
		"DEVNAME", "ttyUSB0", "MAJOR", "188", "MINOR", "0")
	res = ex.Apply(context.Background(), rm, resolve(t, "ttyUSB([0-9]+) 0:0 0660 >usb/tty%1\n", rm))
	require.NoError(t, res.Err())
	assert.Empty(t, fs.Paths())
}

func TestApply_PreventWithCommand(t *testing.T) {
	ex, fs, rec := setup(t)
	ev := addSdb1(t, "add")
	res := ex.Apply(context.Background(), ev, resolve(t, "sdb1 0:0 0600 ! @mount-it %MDEV%\n", ev))
	require.NoError(t, res.Err())
	assert.Empty(t, fs.Paths())
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "mount-it sdb1", rec.calls[0].Command)
	assert.Contains(t, rec.calls[0].Env, "MDEV_PATH=/dev/sdb1")
}

func TestApply_RemoveUntracked(t *testing.T) {
	ex, _, rec := setup(t)
	ev := addSdb1(t, "remove")
	res := ex.Apply(context.Background(), ev, resolve(t, storageRules, ev))
	require.NoError(t, res.Err())
	assert.Contains(t, res.Warnings, executor.ErrUntracked)
	require.Len(t, rec.calls, 1, "hooks still run for an untracked device")
}

func TestApply_NoDeviceNumberStillRunsHook(t *testing.T) {
	ex, fs, rec := setup(t)
	ev := newEvent(t, "ACTION", "add", "DEVPATH", "/devices/usb1/1-1/1-1:1.0",
		"SUBSYSTEM", "usb", "MODALIAS", "usb:v0BDAp8153")
	res := ex.Apply(context.Background(), ev, resolve(t, "$MODALIAS=.* 0:0 0660 @modprobe %MODALIAS%\n", ev))
	require.NoError(t, res.Err())
	assert.Contains(t, res.Warnings, executor.ErrNoDeviceNumber)
	assert.Empty(t, fs.Paths())
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "modprobe usb:v0BDAp8153", rec.calls[0].Command)
}

func TestApply_HookFailures(t *testing.T) {
	ex, _, rec := setup(t)
	ev := addSdb1(t, "add")
	acts := resolve(t, "sdb1 0:0 0600 @false\n", ev)

	rec.exitCode = 2
	res := ex.Apply(context.Background(), ev, acts)
	var ce *executor.CommandError
	require.True(t, errors.As(res.Err(), &ce))
	assert.Equal(t, 2, ce.ExitCode)
	assert.Equal(t, 1, ce.Rule)
	require.Len(t, res.Hooks, 1)
	assert.Equal(t, 2, res.Hooks[0].ExitCode)

	rec.exitCode, rec.timedOut = -1, true
	res = ex.Apply(context.Background(), ev, acts)
	var te *executor.TimeoutError
	require.True(t, errors.As(res.Err(), &te))
	assert.Equal(t, executor.DefaultHookTimeout, te.Timeout)
}

func TestApply_FilesystemFault(t *testing.T) {
	ex, fs, _ := setup(t)
	fs.Fail("chown", "/dev/sdb1", syscall.EPERM)
	ev := addSdb1(t, "add")
	res := ex.Apply(context.Background(), ev, resolve(t, "sdb1 0:0 0600\n", ev))
	var fe *executor.FilesystemError
	require.True(t, errors.As(res.Err(), &fe))
	assert.Equal(t, "chown", fe.Op)
	assert.ErrorIs(t, res.Err(), syscall.EPERM)
	assert.Zero(t, ex.Tracker().Len())
}

func TestApply_ContinuationLastOwnerWins(t *testing.T) {
	ex, fs, rec := setup(t)
	ev := addSdb1(t, "add")
	text := "-sd.* 0:6 0660\nsdb1 0:0 0600 @echo second\n"
	res := ex.Apply(context.Background(), ev, resolve(t, text, ev))
	require.NoError(t, res.Err())
	assert.Equal(t, []int{1, 2}, res.Rules)

	info, err := fs.Stat("/dev/sdb1")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), info.Perm)
	assert.Equal(t, uint32(0), info.GID)
	assert.Len(t, rec.calls, 1)
}

func TestApply_ChangeUpdatesMode(t *testing.T) {
	ex, fs, _ := setup(t)
	add := addSdb1(t, "add")
	require.NoError(t, ex.Apply(context.Background(), add, resolve(t, "sdb1 0:0 0600\n", add)).Err())

	ch := addSdb1(t, "change")
	require.NoError(t, ex.Apply(context.Background(), ch, resolve(t, "sdb1 0:0 0644\n", ch)).Err())
	info, err := fs.Stat("/dev/sdb1")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o644), info.Perm)
}

func TestResult_Fields(t *testing.T) {
	ex, _, rec := setup(t)
	rec.exitCode = 1
	ev := addSdb1(t, "add")
	res := ex.Apply(context.Background(), ev, resolve(t, "sdb1 0:0 0600 @false\n", ev))
	keys := map[string]bool{}
	for _, f := range res.Fields() {
		keys[f.Key] = true
	}
	for _, k := range []string{"event_id", "action", "devpath", "rules", "nodes", "hooks", "errors"} {
		assert.True(t, keys[k], k)
	}
}

func TestResult_Seqnum(t *testing.T) {
	ex, _, _ := setup(t)
	ev := newEvent(t, "ACTION", "add", "DEVPATH", "/devices/virtual/mem/null",
		"DEVNAME", "null", "MAJOR", "1", "MINOR", "3", "SEQNUM", "4711")
	res := ex.Apply(context.Background(), ev, resolve(t, "null 0:0 0666\n", ev))
	assert.Equal(t, uint64(4711), res.Seqnum)

	var seq *zap.Field
	fields := res.Fields()
	for i := range fields {
		if fields[i].Key == "seqnum" {
			seq = &fields[i]
		}
	}
	require.NotNil(t, seq)
	assert.Equal(t, int64(4711), seq.Integer)

	ev = addSdb1(t, "add")
	res = ex.Apply(context.Background(), ev, resolve(t, "sdb1 0:0 0600\n", ev))
	assert.Zero(t, res.Seqnum)
	for _, f := range res.Fields() {
		assert.NotEqual(t, "seqnum", f.Key, "absent sequence numbers are not logged")
	}
}
