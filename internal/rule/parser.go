package rule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
)

// ParseError reports a bad rule line.
type ParseError struct {
	Line   int
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("line %d: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Policy decides what a bad line does to the whole load.
type Policy int

const (
	// FailFast aborts the load on the first bad line.
	FailFast Policy = iota
	// SkipInvalid drops bad lines and reports each of them.
	SkipInvalid
)

// ParsePolicy maps the config spelling ("fail", "skip") to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail":
		return FailFast, nil
	case "skip":
		return SkipInvalid, nil
	}
	return 0, fmt.Errorf("unknown rule error policy %q (want fail or skip)", s)
}

func (p Policy) String() string {
	if p == SkipInvalid {
		return "skip"
	}
	return "fail"
}

// Parse compiles rule-file text. The first bad line fails the whole parse.
func Parse(text string) ([]*Rule, error) {
	var rules []*Rule
	for n, line := range strings.Split(text, "\n") {
		r, err := ParseLine(line, n+1)
		if err != nil {
			return nil, err
		}
		if r != nil {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

// ParseLenient compiles rule-file text, skipping bad lines. It returns every
// good rule in file order together with one error per bad line.
func ParseLenient(text string) ([]*Rule, []*ParseError) {
	var (
		rules []*Rule
		errs  []*ParseError
	)
	for n, line := range strings.Split(text, "\n") {
		r, err := ParseLine(line, n+1)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r != nil {
			rules = append(rules, r)
		}
	}
	return rules, errs
}

// ParseLine compiles one line. Blank lines and comments yield (nil, nil).
//
//	[-][ENV=regex;]...[$VAR=regex|@maj,min[-min2]|regex] user:group mode [=path|>path|!] [@|$|*command]
func ParseLine(line string, lineno int) (*Rule, *ParseError) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	if line == "" || line[0] == '#' {
		return nil, nil
	}
	fail := func(reason string, err error) (*Rule, *ParseError) {
		return nil, &ParseError{Line: lineno, Reason: reason, Err: err}
	}

	fields := splitFields(line, 4)
	if len(fields) < 3 {
		return fail("expected <pattern> <user>:<group> <mode>", nil)
	}

	r := &Rule{Line: lineno, AppliesTo: AllKindSet}

	owner, err := parseOwner(fields[1])
	if err != nil {
		return fail("bad owner "+strconv.Quote(fields[1]), err)
	}
	r.Owner = owner

	mode, err := parseMode(fields[2])
	if err != nil {
		return fail("bad mode "+strconv.Quote(fields[2]), err)
	}
	r.Mode = mode

	if err := parsePattern(r, fields[0]); err != nil {
		return fail("bad pattern "+strconv.Quote(fields[0]), err)
	}

	if len(fields) == 4 {
		if err := parseSuffix(r, fields[3]); err != nil {
			return fail("bad action "+strconv.Quote(fields[3]), err)
		}
	}
	return r, nil
}

// splitFields cuts s at runs of blanks into at most n fields; the last one
// keeps the remainder of the line.
func splitFields(s string, n int) []string {
	var out []string
	for len(out) < n-1 {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return out
		}
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			return append(out, s)
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}

// -----------------------------------------------------------------------
// Fields
// -----------------------------------------------------------------------

var (
	ownerToken = regexp.MustCompile(`^[A-Za-z0-9_.%$-]+$`)
	varName    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func parseOwner(s string) (Owner, error) {
	user, group, ok := strings.Cut(s, ":")
	if !ok {
		return Owner{}, fmt.Errorf("missing ':'")
	}
	for _, tok := range []string{user, group} {
		if tok == "" {
			return Owner{}, fmt.Errorf("empty user or group")
		}
		if !ownerToken.MatchString(tok) {
			return Owner{}, fmt.Errorf("invalid character in %q", tok)
		}
	}
	return Owner{User: user, Group: group}, nil
}

func parseMode(s string) (Mode, error) {
	if s == KeepDefault {
		return Mode{Op: ModeDefault}, nil
	}
	op := ModeSet
	if rest, ok := strings.CutPrefix(s, "+"); ok {
		op, s = ModeOr, rest
	}
	if s == "" || len(s) > 5 {
		return Mode{}, fmt.Errorf("want an octal number up to 07777")
	}
	bits, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return Mode{}, fmt.Errorf("not an octal number")
	}
	if bits > 0o7777 {
		return Mode{}, fmt.Errorf("out of range")
	}
	return Mode{Op: op, Bits: uint32(bits)}, nil
}

func parsePattern(r *Rule, s string) error {
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		r.Continue, s = true, rest
	}
	parts := strings.Split(s, ";")
	filter := parts[len(parts)-1]

	for _, part := range parts[:len(parts)-1] {
		name, src, ok := strings.Cut(part, "=")
		if !ok || !varName.MatchString(name) {
			return fmt.Errorf("env match %q: want VAR=regex", part)
		}
		re, err := compileAnchored(src)
		if err != nil {
			return fmt.Errorf("env match %s: %w", name, err)
		}
		r.EnvMatches = append(r.EnvMatches, EnvMatch{Var: name, Source: src, Regex: re})
		if name == event.AttrAction {
			r.AppliesTo &= actionKinds(re)
		}
	}
	if r.AppliesTo == 0 {
		return fmt.Errorf("ACTION match excludes every event kind")
	}

	switch {
	case filter == "":
		return fmt.Errorf("empty device pattern")
	case filter[0] == '@':
		mm, err := parseMajMin(filter[1:])
		if err != nil {
			return err
		}
		r.Filter = mm
	case filter[0] == '$':
		name, src, ok := strings.Cut(filter[1:], "=")
		if !ok || !varName.MatchString(name) {
			return fmt.Errorf("want $VAR=regex")
		}
		re, err := compileAnchored(src)
		if err != nil {
			return err
		}
		r.Filter = &EnvRegex{Var: name, Source: src, Regex: re}
	default:
		re, err := compileAnchored(filter)
		if err != nil {
			return err
		}
		r.Filter = &DeviceRegex{Source: filter, Regex: re, FullName: strings.Contains(filter, "/")}
	}
	return nil
}

// compileAnchored compiles src so that it only matches a whole subject.
func compileAnchored(src string) (*regexp.Regexp, error) {
	if _, err := regexp.Compile(src); err != nil {
		return nil, err
	}
	return regexp.Compile("^(?:" + src + ")$")
}

// actionKinds is the set of kinds whose kernel ACTION spellings re matches.
func actionKinds(re *regexp.Regexp) KindSet {
	var s KindSet
	for _, action := range []string{"add", "remove", "change", "move", "online", "offline", "bind", "unbind"} {
		if re.MatchString(action) {
			k, _ := event.ParseKind(action)
			s |= KindSetOf(k)
		}
	}
	return s
}

func parseMajMin(s string) (*MajMin, error) {
	maj, mins, ok := strings.Cut(s, ",")
	if !ok {
		return nil, fmt.Errorf("want @major,minor[-minor2]")
	}
	major, err := strconv.ParseUint(maj, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad major %q", maj)
	}
	lo, hi, ranged := strings.Cut(mins, "-")
	minor, err := strconv.ParseUint(lo, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad minor %q", lo)
	}
	end := minor
	if ranged {
		if end, err = strconv.ParseUint(hi, 10, 32); err != nil {
			return nil, fmt.Errorf("bad minor %q", hi)
		}
		if end < minor {
			return nil, fmt.Errorf("minor range %d-%d is reversed", minor, end)
		}
	}
	return &MajMin{Major: uint32(major), Minor: uint32(minor), MinorEnd: uint32(end)}, nil
}

// -----------------------------------------------------------------------
// Suffix: node operation then command
// -----------------------------------------------------------------------

func parseSuffix(r *Rule, s string) error {
	switch s[0] {
	case '=', '>', '!':
		tok, rest := s, ""
		if i := strings.IndexAny(s, " \t"); i >= 0 {
			tok, rest = s[:i], strings.TrimSpace(s[i:])
		}
		switch tok[0] {
		case '!':
			if tok != "!" {
				return fmt.Errorf("unexpected text after '!'")
			}
			r.Node = NodePrevent
		default:
			if len(tok) == 1 {
				return fmt.Errorf("empty move target")
			}
			r.Node, r.Target = NodeMove, tok[1:]
			if tok[0] == '>' {
				r.Node = NodeMoveLink
			}
		}
		s = rest
	}
	if s == "" {
		return nil
	}

	timing := Timing(s[0])
	switch timing {
	case AfterCreate, BeforeRemove, Always:
	default:
		return fmt.Errorf("unknown tag %q (want =, >, !, @, $ or *)", s[0])
	}
	text := strings.TrimSpace(s[1:])
	if text == "" {
		return fmt.Errorf("empty command")
	}
	if _, err := syntax.NewParser().Parse(strings.NewReader(text), ""); err != nil {
		return fmt.Errorf("command: %w", err)
	}
	r.Command = &Command{Timing: timing, Text: text}
	return nil
}
