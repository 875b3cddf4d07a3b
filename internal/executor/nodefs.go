package executor

import (
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// NodeType is the kind of filesystem entry the executor manages.
type NodeType uint8

const (
	TypeOther NodeType = iota
	TypeChar
	TypeBlock
	TypeSymlink
	TypeDir
)

func (t NodeType) String() string {
	switch t {
	case TypeChar:
		return "char"
	case TypeBlock:
		return "block"
	case TypeSymlink:
		return "symlink"
	case TypeDir:
		return "dir"
	}
	return "other"
}

// NodeInfo describes an existing entry. Rdev is only meaningful for device
// nodes and Target only for symlinks.
type NodeInfo struct {
	Type   NodeType
	Rdev   uint64
	Perm   uint32
	UID    uint32
	GID    uint32
	Target string
}

// NodeFS is the filesystem surface node management needs. Stat must not
// follow symlinks and must return an error matching fs.ErrNotExist for a
// missing path.
type NodeFS interface {
	Stat(path string) (NodeInfo, error)
	Mknod(path string, typ NodeType, perm uint32, dev uint64) error
	Chown(path string, uid, gid uint32) error
	Chmod(path string, perm uint32) error
	MkdirAll(dir string) error
	Symlink(target, link string) error
	Remove(path string) error
}

// Mkdev packs a device number.
func Mkdev(major, minor uint32) uint64 { return unix.Mkdev(major, minor) }

// OSNodeFS is the real filesystem.
type OSNodeFS struct{}

func (OSNodeFS) Stat(path string) (NodeInfo, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return NodeInfo{}, &fs.PathError{Op: "lstat", Path: path, Err: err}
	}
	info := NodeInfo{
		Rdev: uint64(st.Rdev),
		Perm: st.Mode & 0o7777,
		UID:  st.Uid,
		GID:  st.Gid,
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFCHR:
		info.Type = TypeChar
	case unix.S_IFBLK:
		info.Type = TypeBlock
	case unix.S_IFDIR:
		info.Type = TypeDir
	case unix.S_IFLNK:
		info.Type = TypeSymlink
		target, err := os.Readlink(path)
		if err != nil {
			return NodeInfo{}, err
		}
		info.Target = target
	}
	return info, nil
}

func (OSNodeFS) Mknod(path string, typ NodeType, perm uint32, dev uint64) error {
	mode := uint32(unix.S_IFCHR)
	if typ == TypeBlock {
		mode = unix.S_IFBLK
	}
	if err := unix.Mknod(path, mode|perm, int(dev)); err != nil {
		return &fs.PathError{Op: "mknod", Path: path, Err: err}
	}
	return nil
}

func (OSNodeFS) Chown(path string, uid, gid uint32) error {
	return os.Lchown(path, int(uid), int(gid))
}

func (OSNodeFS) Chmod(path string, perm uint32) error {
	if err := unix.Chmod(path, perm); err != nil {
		return &fs.PathError{Op: "chmod", Path: path, Err: err}
	}
	return nil
}

func (OSNodeFS) MkdirAll(dir string) error { return os.MkdirAll(dir, 0o755) }

func (OSNodeFS) Symlink(target, link string) error { return os.Symlink(target, link) }

func (OSNodeFS) Remove(path string) error { return os.Remove(path) }
