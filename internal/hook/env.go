package hook

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// DefaultPath is exported to hooks when no PATH is inherited.
const DefaultPath = "/sbin:/bin:/usr/sbin:/usr/bin"

// Variables set for every hook on top of the event attributes.
const (
	EnvDevice    = "MDEV"        // device name
	EnvNodePath  = "MDEV_PATH"   // absolute node path, empty if none
	EnvRule      = "MDEV_RULE"   // line number of the matched rule, 0 for the default
	EnvMatchPref = "MDEV_MATCH_" // MDEV_MATCH_<n>: capture group n
)

// EnvSpec describes a hook environment.
type EnvSpec struct {
	Attributes map[string]string
	Device     string
	NodePath   string
	RuleLine   int
	Captures   []string
	// Inherit is copied first and may be overridden by everything else.
	Inherit []string
}

// BuildEnv renders spec as a sorted KEY=VALUE list. Attributes whose names
// are not valid shell identifiers or whose values contain NUL are dropped.
func BuildEnv(spec EnvSpec) []string {
	env := make(map[string]string)
	for _, kv := range spec.Inherit {
		if k, v, ok := strings.Cut(kv, "="); ok && validName(k) {
			env[k] = v
		}
	}
	for k, v := range spec.Attributes {
		if validName(k) && !strings.ContainsRune(v, 0) {
			env[k] = v
		}
	}
	env[EnvDevice] = spec.Device
	env[EnvNodePath] = spec.NodePath
	env[EnvRule] = strconv.Itoa(spec.RuleLine)
	for i, c := range spec.Captures {
		if !strings.ContainsRune(c, 0) {
			env[EnvMatchPref+strconv.Itoa(i)] = c
		}
	}
	if _, ok := env["PATH"]; !ok {
		env["PATH"] = DefaultPath
	}

	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
