package match_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
	"github.com/gyaneshwarpardhi/mdevd/internal/match"
	"github.com/gyaneshwarpardhi/mdevd/internal/rule"
)

type fakeIDs struct {
	users  map[string]uint32
	groups map[string]uint32
}

func (f fakeIDs) LookupUser(name string) (uint32, error) {
	if id, ok := f.users[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown user %s", name)
}

func (f fakeIDs) LookupGroup(name string) (uint32, error) {
	if id, ok := f.groups[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown group %s", name)
}

var ids = fakeIDs{
	users:  map[string]uint32{"root": 0, "uucp": 10},
	groups: map[string]uint32{"root": 0, "disk": 6, "dialout": 20, "input": 97},
}

func makeEvent(t *testing.T, kv ...string) *event.Event {
	t.Helper()
	attrs := map[string]string{"ACTION": "add"}
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = kv[i+1]
	}
	if _, ok := attrs["DEVPATH"]; !ok {
		attrs["DEVPATH"] = "/devices/virtual/test/" + attrs["DEVNAME"]
	}
	ev, err := event.New(attrs)
	require.NoError(t, err)
	return ev
}

func mustSet(t *testing.T, text string) *rule.Set {
	t.Helper()
	rules, err := rule.Parse(text)
	require.NoError(t, err)
	return rule.NewSet(rules, "test")
}

func TestResolve_StorageScenario(t *testing.T) {
	set := mustSet(t, "sda[0-9]* 0:6 0660\nsdb[0-9]* 0:6 0660 @/sbin/mount-helper %PATH%\n")
	r := match.NewResolver(ids, "/dev", 0)

	acts := r.Resolve(makeEvent(t, "DEVNAME", "sda1", "SUBSYSTEM", "block"), set)
	require.Len(t, acts, 1)
	a := acts[0]
	assert.Equal(t, 1, a.RuleLine())
	assert.Equal(t, "sda1", a.NodePath)
	assert.Equal(t, uint32(0), a.UID)
	assert.Equal(t, uint32(6), a.GID)
	assert.Equal(t, uint32(0o660), a.Mode)
	assert.Empty(t, a.Command)

	acts = r.Resolve(makeEvent(t, "DEVNAME", "sdb1", "SUBSYSTEM", "block"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, 2, acts[0].RuleLine())
	assert.Equal(t, "/sbin/mount-helper /dev/sdb1", acts[0].Command)
	assert.True(t, acts[0].HookRunsOn(event.Add))
	assert.False(t, acts[0].HookRunsOn(event.Remove))
}

func TestResolve_FirstMatchWins(t *testing.T) {
	set := mustSet(t, "tty[0-9]+ 0:5 0620\ntty.* 0:0 0600\n.* 0:0 0666\n")
	r := match.NewResolver(ids, "/dev", 0)

	acts := r.Resolve(makeEvent(t, "DEVNAME", "tty1"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, 1, acts[0].RuleLine())
	assert.Equal(t, uint32(0o620), acts[0].Mode)

	acts = r.Resolve(makeEvent(t, "DEVNAME", "ttyS0"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, 2, acts[0].RuleLine())
}

func TestResolve_Continuation(t *testing.T) {
	set := mustSet(t, `-ttyUSB[0-9]+ 0:dialout 0660
-SUBSYSTEM=tty;.* 0:0 - @logger tty %MDEV%
ttyUSB(.*) 0:0 0600 *echo usb %1
.* 0:0 0666
`)
	r := match.NewResolver(ids, "/dev", 0)
	acts := r.Resolve(makeEvent(t, "DEVNAME", "ttyUSB3", "SUBSYSTEM", "tty"), set)
	require.Len(t, acts, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{acts[0].RuleLine(), acts[1].RuleLine(), acts[2].RuleLine()})
	assert.Equal(t, uint32(20), acts[0].GID)
	assert.Equal(t, "logger tty ttyUSB3", acts[1].Command)
	assert.Equal(t, "echo usb 3", acts[2].Command)
	assert.Equal(t, uint32(0o600), acts[2].Mode)

	// Without a non-continuation match the walk reaches the end.
	acts = r.Resolve(makeEvent(t, "DEVNAME", "ttyACM0", "SUBSYSTEM", "tty"), set)
	require.Len(t, acts, 2)
	assert.Equal(t, 2, acts[0].RuleLine())
	assert.Equal(t, 4, acts[1].RuleLine())
}

func TestResolve_NoMatch(t *testing.T) {
	set := mustSet(t, "sda 0:0 0600\n")
	r := match.NewResolver(ids, "/dev", 0)
	ev := makeEvent(t, "DEVNAME", "null", "DEVMODE", "0666")
	assert.Empty(t, r.Resolve(ev, set))

	def := r.DefaultAction(ev)
	assert.Nil(t, def.Rule)
	assert.Equal(t, 0, def.RuleLine())
	assert.Equal(t, "null", def.NodePath)
	assert.Equal(t, uint32(0o666), def.Mode)
	assert.Equal(t, rule.NodeCreate, def.Node)
	assert.Empty(t, def.Command)

	def = r.DefaultAction(makeEvent(t, "DEVNAME", "zero"))
	assert.Equal(t, uint32(match.DefaultMode), def.Mode)
}

func TestResolve_EnvAndMajMinFilters(t *testing.T) {
	set := mustSet(t, `$MODALIAS=usb:(.*) 0:0 0660 @modprobe %MODALIAS%
@4,64-67 0:dialout 0660 =serial/
SUBSYSTEM=input;event[0-9]+ 0:input 0640
`)
	r := match.NewResolver(ids, "/dev", 0)

	acts := r.Resolve(makeEvent(t, "DEVPATH", "/devices/usb1/1-1", "MODALIAS", "usb:v1D6Bp0002"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, "modprobe usb:v1D6Bp0002", acts[0].Command)
	assert.Equal(t, []string{"usb:v1D6Bp0002", "v1D6Bp0002"}, acts[0].Captures)

	acts = r.Resolve(makeEvent(t, "DEVNAME", "ttyS1", "MAJOR", "4", "MINOR", "65"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, "serial/ttyS1", acts[0].NodePath)
	assert.Equal(t, rule.NodeMove, acts[0].Node)

	assert.Empty(t, r.Resolve(makeEvent(t, "DEVNAME", "ttyS9", "MAJOR", "4", "MINOR", "68"), set))
	assert.Empty(t, r.Resolve(makeEvent(t, "DEVNAME", "ttyS1"), set), "no device number, no match")

	acts = r.Resolve(makeEvent(t, "DEVNAME", "input/event2", "SUBSYSTEM", "input"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, "input/event2", acts[0].NodePath)
	assert.Equal(t, uint32(97), acts[0].GID)
	assert.Empty(t, r.Resolve(makeEvent(t, "DEVNAME", "input/event2", "SUBSYSTEM", "misc"), set))
}

func TestResolve_AppliesTo(t *testing.T) {
	set := mustSet(t, "ACTION=remove;sd.* 0:0 0600 $/bin/umount-all %MDEV%\nsd.* 0:disk 0660\n")
	r := match.NewResolver(ids, "/dev", 0)

	acts := r.Resolve(makeEvent(t, "DEVNAME", "sdc"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, 2, acts[0].RuleLine())

	acts = r.Resolve(makeEvent(t, "ACTION", "remove", "DEVNAME", "sdc"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, 1, acts[0].RuleLine())
	assert.True(t, acts[0].HookRunsOn(event.Remove))
}

func TestResolve_MoveLinkAndBackrefs(t *testing.T) {
	set := mustSet(t, "ttyUSB([0-9]+) uucp:dialout 0660 >usb/tty%1\n")
	r := match.NewResolver(ids, "/dev", 0)
	acts := r.Resolve(makeEvent(t, "DEVNAME", "ttyUSB12"), set)
	require.Len(t, acts, 1)
	a := acts[0]
	assert.Equal(t, "usb/tty12", a.NodePath)
	assert.Equal(t, "ttyUSB12", a.LinkPath)
	assert.Equal(t, uint32(10), a.UID)
	assert.Empty(t, a.Warnings)
}

func TestResolve_TargetConfinedToDevRoot(t *testing.T) {
	set := mustSet(t, "$DEVNAME=evil(.*) 0:0 0600 =%1\n")
	r := match.NewResolver(ids, "/dev", 0)
	acts := r.Resolve(makeEvent(t, "DEVNAME", "evil/../../etc/shadow", "DEVPATH", "/devices/x"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, "etc/shadow", acts[0].NodePath)

	set = mustSet(t, "evil(.*) 0:0 0600 @echo %1\n")
	acts = r.Resolve(makeEvent(t, "DEVNAME", "evil;reboot", "DEVPATH", "/devices/x"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, `echo ';reboot'`, acts[0].Command)
}

func TestResolve_UnknownOwnerFallsBack(t *testing.T) {
	set := mustSet(t, "video[0-9] nobody:video 0660\n")
	r := match.NewResolver(ids, "/dev", 0)
	acts := r.Resolve(makeEvent(t, "DEVNAME", "video0"), set)
	require.Len(t, acts, 1)
	a := acts[0]
	assert.Equal(t, uint32(0), a.UID)
	assert.Equal(t, uint32(0), a.GID)
	require.Len(t, a.Warnings, 2)

	var re *match.ResolutionError
	require.True(t, errors.As(a.Warnings[0], &re))
	assert.Equal(t, "user", re.Field)
	assert.Equal(t, "nobody", re.Name)
	require.True(t, errors.As(a.Warnings[1], &re))
	assert.Equal(t, "group", re.Field)
}

func TestResolve_KeepDefaultOwnerAndMode(t *testing.T) {
	set := mustSet(t, "null -:- -\nrandom 0:0 +0004\n")
	r := match.NewResolver(ids, "/dev", 0o600)

	acts := r.Resolve(makeEvent(t, "DEVNAME", "null", "DEVMODE", "0666"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, uint32(0o666), acts[0].Mode)
	assert.Empty(t, acts[0].Warnings)

	acts = r.Resolve(makeEvent(t, "DEVNAME", "random"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, uint32(0o604), acts[0].Mode)
}

func TestResolve_PlaceholderEdgeCases(t *testing.T) {
	set := mustSet(t, `dev(.) 0:0 0600 @printf '%%s' %9 %NOPE% 100% %SUBSYSTEM%`+"\n")
	r := match.NewResolver(ids, "/dev", 0)
	acts := r.Resolve(makeEvent(t, "DEVNAME", "devx", "SUBSYSTEM", "misc"), set)
	require.Len(t, acts, 1)
	assert.Equal(t, `printf '%s' '' '' 100% misc`, acts[0].Command)
}
