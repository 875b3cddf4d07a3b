package event

import (
	"fmt"
	"maps"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind is the device transition an event announces.
type Kind int

const (
	Add Kind = iota + 1
	Remove
	Change
)

// AllKinds lists every Kind in declaration order.
var AllKinds = []Kind{Add, Remove, Change}

func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Change:
		return "change"
	}
	return "unknown"
}

// ParseKind maps a kernel ACTION value to a Kind. Actions that only report a
// state transition of an existing device collapse into Change.
func ParseKind(action string) (Kind, error) {
	switch action {
	case "add":
		return Add, nil
	case "remove":
		return Remove, nil
	case "change", "move", "online", "offline", "bind", "unbind":
		return Change, nil
	}
	return 0, fmt.Errorf("unknown action %q", action)
}

// Well-known attribute names.
const (
	AttrAction    = "ACTION"
	AttrDevPath   = "DEVPATH"
	AttrSubsystem = "SUBSYSTEM"
	AttrDevName   = "DEVNAME"
	AttrDevMode   = "DEVMODE"
	AttrMajor     = "MAJOR"
	AttrMinor     = "MINOR"
	AttrSeqnum    = "SEQNUM"
)

// Event is one observed device transition. It is immutable once built.
type Event struct {
	id         string
	kind       Kind
	devPath    string
	attrs      map[string]string
	receivedAt time.Time
}

// New builds an Event from a decoded attribute mapping. ACTION and DEVPATH
// are required. The mapping is copied.
func New(attrs map[string]string) (*Event, error) {
	action, ok := attrs[AttrAction]
	if !ok {
		return nil, fmt.Errorf("event: missing %s", AttrAction)
	}
	kind, err := ParseKind(action)
	if err != nil {
		return nil, fmt.Errorf("event: %w", err)
	}
	devPath := attrs[AttrDevPath]
	if devPath == "" {
		return nil, fmt.Errorf("event: missing %s", AttrDevPath)
	}
	return &Event{
		id:         uuid.New().String(),
		kind:       kind,
		devPath:    devPath,
		attrs:      maps.Clone(attrs),
		receivedAt: time.Now(),
	}, nil
}

func (e *Event) ID() string            { return e.id }
func (e *Event) Kind() Kind            { return e.kind }
func (e *Event) DevPath() string       { return e.devPath }
func (e *Event) ReceivedAt() time.Time { return e.receivedAt }

// Get returns the attribute value and whether it is present at all.
func (e *Event) Get(key string) (string, bool) {
	v, ok := e.attrs[key]
	return v, ok
}

// Attributes returns a copy of the attribute mapping.
func (e *Event) Attributes() map[string]string {
	return maps.Clone(e.attrs)
}

func (e *Event) Subsystem() string { return e.attrs[AttrSubsystem] }

// DevName is the kernel-suggested node name relative to the device root,
// possibly with subdirectories (e.g. "input/event3").
func (e *Event) DevName() string {
	if n := e.attrs[AttrDevName]; n != "" {
		return n
	}
	return path.Base(e.devPath)
}

// Name is the last element of DevName, the value rules match by default.
func (e *Event) Name() string {
	return path.Base(e.DevName())
}

// Seqnum returns the kernel sequence number, or 0 if absent or malformed.
func (e *Event) Seqnum() uint64 {
	n, _ := strconv.ParseUint(e.attrs[AttrSeqnum], 10, 64)
	return n
}

// DeviceNumber returns MAJOR/MINOR when both are present and numeric.
func (e *Event) DeviceNumber() (major, minor uint32, ok bool) {
	ma, err := strconv.ParseUint(e.attrs[AttrMajor], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	mi, err := strconv.ParseUint(e.attrs[AttrMinor], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(ma), uint32(mi), true
}

// IsBlock reports whether the node is a block device.
func (e *Event) IsBlock() bool {
	return e.attrs[AttrSubsystem] == "block"
}
