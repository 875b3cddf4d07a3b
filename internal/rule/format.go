package rule

import (
	"fmt"
	"strings"
)

// String renders the rule in canonical rule-file syntax. Parsing the result
// yields an equivalent rule.
func (r *Rule) String() string {
	var b strings.Builder
	if r.Continue {
		b.WriteByte('-')
	}
	for _, m := range r.EnvMatches {
		fmt.Fprintf(&b, "%s=%s;", m.Var, m.Source)
	}
	switch f := r.Filter.(type) {
	case *DeviceRegex:
		b.WriteString(f.Source)
	case *EnvRegex:
		fmt.Fprintf(&b, "$%s=%s", f.Var, f.Source)
	case *MajMin:
		fmt.Fprintf(&b, "@%d,%d", f.Major, f.Minor)
		if f.MinorEnd != f.Minor {
			fmt.Fprintf(&b, "-%d", f.MinorEnd)
		}
	}
	b.WriteByte(' ')
	b.WriteString(r.Owner.String())
	b.WriteByte(' ')
	b.WriteString(r.Mode.String())

	switch r.Node {
	case NodeMove:
		b.WriteString(" =" + r.Target)
	case NodeMoveLink:
		b.WriteString(" >" + r.Target)
	case NodePrevent:
		b.WriteString(" !")
	}
	if r.Command != nil {
		fmt.Fprintf(&b, " %c%s", r.Command.Timing, r.Command.Text)
	}
	return b.String()
}

func (m Mode) String() string {
	switch m.Op {
	case ModeDefault:
		return KeepDefault
	case ModeOr:
		return fmt.Sprintf("+%04o", m.Bits)
	}
	return fmt.Sprintf("%04o", m.Bits)
}

// Format renders rules as a rule file, one canonical line each.
func Format(rules []*Rule) string {
	var b strings.Builder
	for _, r := range rules {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	return b.String()
}
