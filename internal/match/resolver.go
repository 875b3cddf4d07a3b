package match

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
	"github.com/gyaneshwarpardhi/mdevd/internal/rule"
)

// DefaultMode is the node mode used when neither the rule nor the kernel
// (DEVMODE) says otherwise.
const DefaultMode = 0o660

// ResolvedAction is what one matched rule means for one event, with every
// placeholder substituted and every owner resolved.
type ResolvedAction struct {
	Rule *rule.Rule // nil for the built-in default
	Kind event.Kind

	UID  uint32
	GID  uint32
	Mode uint32

	Node     rule.NodeOp
	NodePath string // relative to the device root
	LinkPath string // NodeMoveLink: kernel name symlinked to NodePath

	Command  string // shell text, "" if none
	Timing   rule.Timing
	Captures []string

	// Warnings are non-fatal problems met while resolving, such as a
	// *ResolutionError for an unknown group.
	Warnings []error
}

// RuleLine identifies the matched rule, 0 for the default action.
func (a *ResolvedAction) RuleLine() int {
	if a.Rule == nil {
		return 0
	}
	return a.Rule.Line
}

// HookRunsOn reports whether the action's command fires for kind.
func (a *ResolvedAction) HookRunsOn(kind event.Kind) bool {
	if a.Command == "" {
		return false
	}
	return (&rule.Command{Timing: a.Timing}).RunsOn(kind)
}

// Resolver matches events against rule snapshots.
type Resolver struct {
	ids         IDLookup
	devRoot     string
	defaultMode uint32
}

// NewResolver creates a Resolver. devRoot is only used to render %PATH%.
func NewResolver(ids IDLookup, devRoot string, defaultMode uint32) *Resolver {
	if ids == nil {
		ids = OSLookup{}
	}
	if defaultMode == 0 {
		defaultMode = DefaultMode
	}
	return &Resolver{ids: ids, devRoot: devRoot, defaultMode: defaultMode}
}

// Resolve walks set in file order. Every matching rule yields an action;
// the walk stops at the first matching rule without the continue flag.
// An empty result means no rule matched (see DefaultAction).
func (r *Resolver) Resolve(ev *event.Event, set *rule.Set) []*ResolvedAction {
	var out []*ResolvedAction
	for _, rl := range set.Rules() {
		if !rl.AppliesTo.Has(ev.Kind()) {
			continue
		}
		captures, ok := Matches(rl, ev)
		if !ok {
			continue
		}
		out = append(out, r.resolve(rl, ev, captures))
		if !rl.Continue {
			break
		}
	}
	return out
}

// DefaultAction is the behaviour for an event no rule matched: a node
// under the kernel name, owned by root, with the default mode.
func (r *Resolver) DefaultAction(ev *event.Event) *ResolvedAction {
	a := &ResolvedAction{
		Kind:     ev.Kind(),
		Mode:     r.eventMode(ev),
		Node:     rule.NodeCreate,
		Captures: []string{ev.Name()},
	}
	name, err := cleanNodePath(ev.DevName())
	if err != nil {
		a.Node = rule.NodePrevent
		a.Warnings = append(a.Warnings, err)
		return a
	}
	a.NodePath = name
	return a
}

// Matches evaluates a rule's env matches and filter against ev. The
// returned captures hold the whole subject at index 0.
func Matches(rl *rule.Rule, ev *event.Event) ([]string, bool) {
	for _, m := range rl.EnvMatches {
		v, ok := ev.Get(m.Var)
		if !ok || !m.Regex.MatchString(v) {
			return nil, false
		}
	}
	switch f := rl.Filter.(type) {
	case *rule.DeviceRegex:
		subject := ev.Name()
		if f.FullName {
			subject = ev.DevName()
		}
		captures := f.Regex.FindStringSubmatch(subject)
		return captures, captures != nil
	case *rule.EnvRegex:
		v, ok := ev.Get(f.Var)
		if !ok {
			return nil, false
		}
		captures := f.Regex.FindStringSubmatch(v)
		return captures, captures != nil
	case *rule.MajMin:
		major, minor, ok := ev.DeviceNumber()
		if !ok || !f.Contains(major, minor) {
			return nil, false
		}
		return []string{ev.Name()}, true
	}
	return nil, false
}

func (r *Resolver) resolve(rl *rule.Rule, ev *event.Event, captures []string) *ResolvedAction {
	a := &ResolvedAction{
		Rule:     rl,
		Kind:     ev.Kind(),
		Mode:     rl.Mode.Apply(r.eventMode(ev)),
		Node:     rl.Node,
		Captures: captures,
	}
	x := &expander{captures: captures, attr: r.attrLookup(ev, a)}

	kernelName, kernelErr := cleanNodePath(ev.DevName())
	a.NodePath = kernelName
	if rl.Node == rule.NodeMove || rl.Node == rule.NodeMoveLink {
		target, err := r.moveTarget(rl.Target, ev, x)
		if err != nil {
			a.Warnings = append(a.Warnings, fmt.Errorf("move target %q: %w, keeping kernel name", rl.Target, err))
			a.Node = rule.NodeCreate
		} else {
			a.NodePath = target
			if rl.Node == rule.NodeMoveLink && kernelErr == nil && target != kernelName {
				a.LinkPath = kernelName
			}
		}
	}
	if a.NodePath == "" && a.Node != rule.NodePrevent {
		a.Warnings = append(a.Warnings, kernelErr)
		a.Node = rule.NodePrevent
	}

	var err error
	user, _ := x.expand(rl.Owner.User)
	group, _ := x.expand(rl.Owner.Group)
	if a.UID, err = resolveID(user, "user", 0, r.ids.LookupUser); err != nil {
		a.Warnings = append(a.Warnings, err)
	}
	if a.GID, err = resolveID(group, "group", 0, r.ids.LookupGroup); err != nil {
		a.Warnings = append(a.Warnings, err)
	}

	if rl.Command != nil {
		cx := &expander{captures: captures, quote: shellQuote, attr: r.attrLookup(ev, a)}
		cmd, err := cx.expand(rl.Command.Text)
		if err != nil {
			a.Warnings = append(a.Warnings, fmt.Errorf("command dropped: %w", err))
		} else {
			a.Command, a.Timing = cmd, rl.Command.Timing
		}
	}
	return a
}

func (r *Resolver) moveTarget(tmpl string, ev *event.Event, x *expander) (string, error) {
	t, err := x.expand(tmpl)
	if err != nil {
		return "", err
	}
	if t == "" || t[len(t)-1] == '/' {
		t += ev.Name()
	}
	return cleanNodePath(t)
}

// attrLookup serves %NAME% in commands: event attributes plus MDEV (device
// name) and PATH (absolute node path).
func (r *Resolver) attrLookup(ev *event.Event, a *ResolvedAction) func(string) string {
	return func(name string) string {
		switch name {
		case "MDEV":
			return ev.Name()
		case "PATH":
			if a.NodePath == "" {
				return ""
			}
			return filepath.Join(r.devRoot, filepath.FromSlash(a.NodePath))
		}
		v, _ := ev.Get(name)
		return v
	}
}

func (r *Resolver) eventMode(ev *event.Event) uint32 {
	if v, ok := ev.Get(event.AttrDevMode); ok {
		if m, err := strconv.ParseUint(v, 8, 32); err == nil && m <= 0o7777 {
			return uint32(m)
		}
	}
	return r.defaultMode
}

// cleanNodePath confines p to the device root: the result is relative,
// slash-separated and free of "..".
func cleanNodePath(p string) (string, error) {
	c := path.Clean("/" + p)[1:]
	if c == "" {
		return "", fmt.Errorf("node path %q resolves to the device root", p)
	}
	return c, nil
}
