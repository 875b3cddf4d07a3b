package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
)

func TestNew_RequiredAttributes(t *testing.T) {
	_, err := event.New(map[string]string{"DEVPATH": "/devices/x"})
	require.Error(t, err)

	_, err = event.New(map[string]string{"ACTION": "add"})
	require.Error(t, err)

	_, err = event.New(map[string]string{"ACTION": "explode", "DEVPATH": "/devices/x"})
	require.Error(t, err)
}

func TestNew_CopiesAttributes(t *testing.T) {
	attrs := map[string]string{
		"ACTION":    "add",
		"DEVPATH":   "/devices/pci0000:00/usb1/1-1/host0/block/sda/sda1",
		"SUBSYSTEM": "block",
		"DEVNAME":   "sda1",
		"MAJOR":     "8",
		"MINOR":     "1",
		"EMPTY":     "",
	}
	ev, err := event.New(attrs)
	require.NoError(t, err)
	attrs["DEVNAME"] = "tampered"

	assert.Equal(t, event.Add, ev.Kind())
	assert.Equal(t, "sda1", ev.Name())
	assert.NotEmpty(t, ev.ID())
	assert.True(t, ev.IsBlock())

	v, ok := ev.Get("EMPTY")
	assert.True(t, ok)
	assert.Equal(t, "", v)
	_, ok = ev.Get("MISSING")
	assert.False(t, ok)

	copied := ev.Attributes()
	copied["SUBSYSTEM"] = "tty"
	assert.Equal(t, "block", ev.Subsystem())

	ma, mi, ok := ev.DeviceNumber()
	require.True(t, ok)
	assert.Equal(t, uint32(8), ma)
	assert.Equal(t, uint32(1), mi)
}

func TestName_FallsBackToDevPath(t *testing.T) {
	ev, err := event.New(map[string]string{"ACTION": "remove", "DEVPATH": "/devices/virtual/tty/ttyS0"})
	require.NoError(t, err)
	assert.Equal(t, "ttyS0", ev.Name())
	_, _, ok := ev.DeviceNumber()
	assert.False(t, ok)

	ev, err = event.New(map[string]string{"ACTION": "add", "DEVPATH": "/devices/x/input/input3/event3", "DEVNAME": "input/event3"})
	require.NoError(t, err)
	assert.Equal(t, "input/event3", ev.DevName())
	assert.Equal(t, "event3", ev.Name())
}

func TestParseKind(t *testing.T) {
	cases := map[string]event.Kind{
		"add":     event.Add,
		"remove":  event.Remove,
		"change":  event.Change,
		"bind":    event.Change,
		"offline": event.Change,
	}
	for in, want := range cases {
		got, err := event.ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
