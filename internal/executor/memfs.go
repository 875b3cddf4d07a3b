package executor

import (
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"
	"sync"
)

// MemFS is an in-memory NodeFS for dry runs and tests.
type MemFS struct {
	mu      sync.Mutex
	entries map[string]NodeInfo
	faults  map[string]error
}

// NewMemFS returns an empty MemFS containing only "/".
func NewMemFS() *MemFS {
	return &MemFS{
		entries: map[string]NodeInfo{"/": {Type: TypeDir, Perm: 0o755}},
		faults:  make(map[string]error),
	}
}

// Fail makes the next op ("mknod", "chown", "chmod", "symlink", "remove")
// on path return err.
func (m *MemFS) Fail(op, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op+" "+filepath.Clean(path)] = err
}

// Paths lists every entry except directories, sorted.
func (m *MemFS) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range slices.Sorted(maps.Keys(m.entries)) {
		if m.entries[p].Type != TypeDir {
			out = append(out, p)
		}
	}
	return out
}

func (m *MemFS) Stat(path string) (NodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.entries[filepath.Clean(path)]
	if !ok {
		return NodeInfo{}, &fs.PathError{Op: "lstat", Path: path, Err: fs.ErrNotExist}
	}
	return info, nil
}

func (m *MemFS) Mknod(path string, typ NodeType, perm uint32, dev uint64) error {
	return m.create("mknod", path, NodeInfo{Type: typ, Perm: perm, Rdev: dev})
}

func (m *MemFS) Symlink(target, link string) error {
	return m.create("symlink", link, NodeInfo{Type: TypeSymlink, Perm: 0o777, Target: target})
}

func (m *MemFS) Chown(path string, uid, gid uint32) error {
	return m.update("chown", path, func(n *NodeInfo) { n.UID, n.GID = uid, gid })
}

func (m *MemFS) Chmod(path string, perm uint32) error {
	return m.update("chmod", path, func(n *NodeInfo) { n.Perm = perm })
}

func (m *MemFS) MkdirAll(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for d := filepath.Clean(dir); ; d = filepath.Dir(d) {
		if info, ok := m.entries[d]; ok {
			if info.Type != TypeDir {
				return &fs.PathError{Op: "mkdir", Path: d, Err: fmt.Errorf("not a directory")}
			}
		} else {
			m.entries[d] = NodeInfo{Type: TypeDir, Perm: 0o755}
		}
		if d == "/" || d == "." {
			return nil
		}
	}
}

func (m *MemFS) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := filepath.Clean(path)
	if err := m.fault("remove", p); err != nil {
		return err
	}
	if _, ok := m.entries[p]; !ok {
		return &fs.PathError{Op: "remove", Path: path, Err: fs.ErrNotExist}
	}
	delete(m.entries, p)
	return nil
}

func (m *MemFS) create(op, path string, info NodeInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := filepath.Clean(path)
	if err := m.fault(op, p); err != nil {
		return err
	}
	if _, ok := m.entries[p]; ok {
		return &fs.PathError{Op: op, Path: path, Err: fs.ErrExist}
	}
	if parent, ok := m.entries[filepath.Dir(p)]; !ok || parent.Type != TypeDir {
		return &fs.PathError{Op: op, Path: path, Err: fs.ErrNotExist}
	}
	m.entries[p] = info
	return nil
}

func (m *MemFS) update(op, path string, fn func(*NodeInfo)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := filepath.Clean(path)
	if err := m.fault(op, p); err != nil {
		return err
	}
	info, ok := m.entries[p]
	if !ok {
		return &fs.PathError{Op: op, Path: path, Err: fs.ErrNotExist}
	}
	fn(&info)
	m.entries[p] = info
	return nil
}

// fault must be called with mu held.
func (m *MemFS) fault(op, p string) error {
	key := op + " " + p
	if err, ok := m.faults[key]; ok {
		delete(m.faults, key)
		return &fs.PathError{Op: op, Path: p, Err: err}
	}
	return nil
}
