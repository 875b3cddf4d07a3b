package rule

import (
	"regexp"
	"strings"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
)

// -----------------------------------------------------------------------
// Filters
// -----------------------------------------------------------------------

// Filter selects the devices a rule applies to. Exactly one per rule.
type Filter interface {
	filterNode()
}

// DeviceRegex matches the device name. When the pattern contains a slash it
// is matched against the full DEVNAME (e.g. "input/event3"), otherwise
// against its last element.
type DeviceRegex struct {
	Source   string
	Regex    *regexp.Regexp
	FullName bool
}

func (*DeviceRegex) filterNode() {}

// EnvRegex matches the value of one event attribute ($VAR=regex).
// A missing attribute never matches.
type EnvRegex struct {
	Var    string
	Source string
	Regex  *regexp.Regexp
}

func (*EnvRegex) filterNode() {}

// MajMin matches on device numbers (@major,minor[-minor2]).
type MajMin struct {
	Major    uint32
	Minor    uint32
	MinorEnd uint32 // equal to Minor for a single number
}

func (*MajMin) filterNode() {}

// Contains reports whether major:minor falls in the range.
func (m *MajMin) Contains(major, minor uint32) bool {
	return major == m.Major && minor >= m.Minor && minor <= m.MinorEnd
}

// EnvMatch is one "VAR=regex;" prefix. All of a rule's env matches must hold.
type EnvMatch struct {
	Var    string
	Source string
	Regex  *regexp.Regexp
}

// -----------------------------------------------------------------------
// Ownership and permissions
// -----------------------------------------------------------------------

// KeepDefault is the owner token that keeps the kernel-assigned id.
const KeepDefault = "-"

// Owner holds the raw uid and gid tokens. Each is numeric, a symbolic name
// or KeepDefault, and may contain %N placeholders. Names are resolved at
// match time.
type Owner struct {
	User  string
	Group string
}

func (o Owner) String() string { return o.User + ":" + o.Group }

// ModeOp says how Mode.Bits combine with the default node mode.
type ModeOp int

const (
	ModeSet     ModeOp = iota // replace the default
	ModeOr                    // OR into the default ("+0020")
	ModeDefault               // keep the default ("-")
)

// Mode is a rule's permission field.
type Mode struct {
	Op   ModeOp
	Bits uint32
}

// Apply returns the effective permission bits given the default mode.
func (m Mode) Apply(def uint32) uint32 {
	switch m.Op {
	case ModeOr:
		return (def | m.Bits) & 0o7777
	case ModeDefault:
		return def & 0o7777
	}
	return m.Bits & 0o7777
}

// -----------------------------------------------------------------------
// Node operation and command
// -----------------------------------------------------------------------

// NodeOp is what happens to the device node itself.
type NodeOp int

const (
	NodeCreate   NodeOp = iota // create under the kernel name
	NodeMove                   // "=path": create under another name
	NodeMoveLink               // ">path": create under another name, symlink the kernel name to it
	NodePrevent                // "!": never create or remove a node
)

// Timing selects the event kinds a command runs on and its place relative
// to node operations.
type Timing byte

const (
	AfterCreate  Timing = '@' // after the node exists, on add and change
	BeforeRemove Timing = '$' // before the node goes away, on remove
	Always       Timing = '*' // both of the above
)

// Command is an external program attached to a rule. Text is POSIX shell
// and may contain %N and %NAME% placeholders.
type Command struct {
	Timing Timing
	Text   string
}

// RunsOn reports whether the command fires for kind.
func (c *Command) RunsOn(kind event.Kind) bool {
	if c == nil {
		return false
	}
	switch c.Timing {
	case AfterCreate:
		return kind == event.Add || kind == event.Change
	case BeforeRemove:
		return kind == event.Remove
	case Always:
		return true
	}
	return false
}

// -----------------------------------------------------------------------
// Rule
// -----------------------------------------------------------------------

// KindSet is a bit set of event kinds.
type KindSet uint8

// AllKindSet contains every event kind.
var AllKindSet = KindSetOf(event.AllKinds...)

func KindSetOf(kinds ...event.Kind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s |= 1 << uint(k)
	}
	return s
}

func (s KindSet) Has(k event.Kind) bool { return s&(1<<uint(k)) != 0 }

func (s KindSet) String() string {
	var names []string
	for _, k := range event.AllKinds {
		if s.Has(k) {
			names = append(names, k.String())
		}
	}
	return strings.Join(names, ",")
}

// Rule is one compiled line of the rule file.
type Rule struct {
	Line       int
	Continue   bool
	EnvMatches []EnvMatch
	Filter     Filter
	Owner      Owner
	Mode       Mode
	Node       NodeOp
	Target     string // for NodeMove and NodeMoveLink
	Command    *Command
	AppliesTo  KindSet
}

// ReplacesNodeOps reports whether the command takes over the node's
// filesystem effect entirely.
func (r *Rule) ReplacesNodeOps() bool {
	return r.Node == NodePrevent && r.Command != nil
}
