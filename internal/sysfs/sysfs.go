// Package sysfs reads device information from a mounted sysfs: attribute
// fallbacks for uevents, the boot-time device scan and the coldplug trigger.
package sysfs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
)

// DefaultRoot is the usual sysfs mount point.
const DefaultRoot = "/sys"

// Enricher fills attributes the kernel left out of a uevent from sysfs.
type Enricher struct {
	Root string
}

// Enrich adds DEVNAME from the device's uevent file and MAJOR/MINOR from
// its dev file when attrs lacks them. Remove events are left alone: their
// sysfs directory is already gone.
func (e Enricher) Enrich(attrs map[string]string) {
	if attrs[event.AttrAction] == "remove" {
		return
	}
	devPath := attrs[event.AttrDevPath]
	if devPath == "" {
		return
	}
	dir := filepath.Join(e.root(), filepath.FromSlash(devPath))

	if _, ok := attrs[event.AttrDevName]; !ok {
		if kv, err := ReadUevent(dir); err == nil && kv[event.AttrDevName] != "" {
			attrs[event.AttrDevName] = kv[event.AttrDevName]
		}
	}
	_, hasMajor := attrs[event.AttrMajor]
	_, hasMinor := attrs[event.AttrMinor]
	if !hasMajor || !hasMinor {
		if major, minor, err := ReadDev(dir); err == nil {
			attrs[event.AttrMajor] = strconv.FormatUint(uint64(major), 10)
			attrs[event.AttrMinor] = strconv.FormatUint(uint64(minor), 10)
		}
	}
}

func (e Enricher) root() string {
	if e.Root == "" {
		return DefaultRoot
	}
	return e.Root
}

// ReadUevent parses the KEY=VALUE lines of dir/uevent.
func ReadUevent(dir string) (map[string]string, error) {
	f, err := os.Open(filepath.Join(dir, "uevent"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kv := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if k, v, ok := strings.Cut(sc.Text(), "="); ok && k != "" {
			kv[k] = v
		}
	}
	return kv, sc.Err()
}

// ReadDev parses dir/dev ("major:minor").
func ReadDev(dir string) (major, minor uint32, err error) {
	data, err := os.ReadFile(filepath.Join(dir, "dev"))
	if err != nil {
		return 0, 0, err
	}
	return parseDevNumber(strings.TrimSpace(string(data)))
}

func parseDevNumber(s string) (uint32, uint32, error) {
	maj, min, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("device number %q: want major:minor", s)
	}
	major, err := strconv.ParseUint(maj, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("device number %q: %w", s, err)
	}
	minor, err := strconv.ParseUint(min, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("device number %q: %w", s, err)
	}
	return uint32(major), uint32(minor), nil
}

// Scan walks root/dev/block and root/dev/char and calls fn with a
// synthesized add event for every device found, block devices first.
// Entries that cannot be read are collected and returned together; an
// error from fn stops the walk.
func Scan(root string, fn func(*event.Event) error) error {
	if root == "" {
		root = DefaultRoot
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("sysfs root: %w", err)
	}

	var errs []error
	for _, class := range []string{"block", "char"} {
		dir := filepath.Join(root, "dev", class)
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("scan %s: %w", dir, err))
			continue
		}
		for _, entry := range entries {
			ev, err := deviceEvent(realRoot, filepath.Join(dir, entry.Name()), class)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
	return errors.Join(errs...)
}

func deviceEvent(realRoot, link, class string) (*event.Event, error) {
	major, minor, err := parseDevNumber(filepath.Base(link))
	if err != nil {
		return nil, err
	}
	dir, err := filepath.EvalSymlinks(link)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", link, err)
	}
	rel, err := filepath.Rel(realRoot, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%s points outside sysfs", link)
	}

	attrs, err := ReadUevent(dir)
	if err != nil {
		attrs = make(map[string]string)
	}
	attrs[event.AttrAction] = "add"
	attrs[event.AttrDevPath] = "/" + filepath.ToSlash(rel)
	attrs[event.AttrMajor] = strconv.FormatUint(uint64(major), 10)
	attrs[event.AttrMinor] = strconv.FormatUint(uint64(minor), 10)
	if _, ok := attrs[event.AttrSubsystem]; !ok {
		if sub, err := filepath.EvalSymlinks(filepath.Join(dir, "subsystem")); err == nil {
			attrs[event.AttrSubsystem] = filepath.Base(sub)
		} else if class == "block" {
			attrs[event.AttrSubsystem] = "block"
		}
	}
	return event.New(attrs)
}

// Coldplug asks the kernel to replay add events by writing "add" to every
// uevent file under root/class (four levels deep) and root/bus (three
// levels), following symlinks. Each device is triggered once. It returns
// how many files were written and every write failure.
func Coldplug(root string) (int, error) {
	if root == "" {
		root = DefaultRoot
	}
	seen := make(map[string]bool)
	var files []string
	walk(filepath.Join(root, "class"), 0, 4, func(p string) {
		files = appendUnique(files, seen, p)
	})
	walk(filepath.Join(root, "bus"), 0, 3, func(p string) {
		files = appendUnique(files, seen, p)
	})

	var errs []error
	written := 0
	for _, p := range files {
		if err := trigger(p); err != nil {
			errs = append(errs, err)
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}

func appendUnique(files []string, seen map[string]bool, p string) []string {
	key := p
	if real, err := filepath.EvalSymlinks(p); err == nil {
		key = real
	}
	if seen[key] {
		return files
	}
	seen[key] = true
	return append(files, p)
}

// walk calls fn for every file named "uevent" at most max levels below dir
// (dir itself is level 0).
func walk(dir string, depth, max int, fn func(string)) {
	if depth >= max {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		switch {
		case info.IsDir():
			walk(p, depth+1, max, fn)
		case entry.Name() == "uevent":
			fn(p)
		}
	}
}

func trigger(p string) error {
	f, err := os.OpenFile(p, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", p, err)
	}
	if _, err := f.WriteString("add"); err != nil {
		f.Close()
		return fmt.Errorf("trigger %s: %w", p, err)
	}
	return f.Close()
}
