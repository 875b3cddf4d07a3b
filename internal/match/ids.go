package match

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/gyaneshwarpardhi/mdevd/internal/rule"
)

// IDLookup resolves symbolic user and group names.
type IDLookup interface {
	LookupUser(name string) (uint32, error)
	LookupGroup(name string) (uint32, error)
}

// OSLookup consults the system user and group databases.
type OSLookup struct{}

func (OSLookup) LookupUser(name string) (uint32, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("user %s: non-numeric uid %q", name, u.Uid)
	}
	return uint32(id), nil
}

func (OSLookup) LookupGroup(name string) (uint32, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("group %s: non-numeric gid %q", name, g.Gid)
	}
	return uint32(id), nil
}

// ResolutionError is a symbolic owner that could not be resolved. It is a
// warning: the default id is used instead.
type ResolutionError struct {
	Field string // "user" or "group"
	Name  string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s %q not resolved, using default id: %v", e.Field, e.Name, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// resolveID turns an owner token into a numeric id. def is the id kept for
// rule.KeepDefault and on failure.
func resolveID(tok, field string, def uint32, lookup func(string) (uint32, error)) (uint32, error) {
	if tok == rule.KeepDefault {
		return def, nil
	}
	if n, err := strconv.ParseUint(tok, 10, 32); err == nil {
		return uint32(n), nil
	}
	id, err := lookup(tok)
	if err != nil {
		return def, &ResolutionError{Field: field, Name: tok, Err: err}
	}
	return id, nil
}
