// Package uevent reads kernel uevents from the kobject netlink socket and
// rebroadcasts handled ones.
package uevent

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
)

// ErrLibudev marks a datagram sent by udevd rather than the kernel.
var ErrLibudev = errors.New("libudev message")

var libudevMagic = []byte("libudev\x00")

// Decode parses one kernel datagram:
//
//	action@devpath\0KEY=VALUE\0KEY=VALUE\0...
//
// The header is optional. ACTION and DEVPATH are taken from the header
// when the body lacks them.
func Decode(buf []byte) (map[string]string, error) {
	if bytes.HasPrefix(buf, libudevMagic) {
		return nil, ErrLibudev
	}
	fields := bytes.Split(bytes.TrimRight(buf, "\x00"), []byte{0})
	if len(fields) == 0 || len(fields[0]) == 0 {
		return nil, errors.New("empty uevent")
	}

	attrs := make(map[string]string, len(fields))
	var hdrAction, hdrPath string
	if i := bytes.IndexByte(fields[0], '@'); i > 0 && bytes.IndexByte(fields[0], '=') < 0 {
		hdrAction, hdrPath = string(fields[0][:i]), string(fields[0][i+1:])
		fields = fields[1:]
	}
	for _, f := range fields {
		k, v, ok := strings.Cut(string(f), "=")
		if !ok || k == "" {
			continue
		}
		attrs[k] = v
	}
	if _, ok := attrs[event.AttrAction]; !ok && hdrAction != "" {
		attrs[event.AttrAction] = hdrAction
	}
	if _, ok := attrs[event.AttrDevPath]; !ok && hdrPath != "" {
		attrs[event.AttrDevPath] = hdrPath
	}
	if attrs[event.AttrAction] == "" || attrs[event.AttrDevPath] == "" {
		return nil, fmt.Errorf("uevent without %s or %s", event.AttrAction, event.AttrDevPath)
	}
	return attrs, nil
}

// leading attributes are written first, the rest sorted by name.
var leading = []string{event.AttrAction, event.AttrDevPath, event.AttrSubsystem}

// Encode renders ev as KEY=VALUE pairs separated by NUL, the format the
// device manager rebroadcasts to late listeners.
func Encode(ev *event.Event) []byte {
	attrs := ev.Attributes()
	var b bytes.Buffer
	write := func(k, v string) {
		if b.Len() > 0 {
			b.WriteByte(0)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	for _, k := range leading {
		if v, ok := attrs[k]; ok {
			write(k, v)
			delete(attrs, k)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		write(k, attrs[k])
	}
	return b.Bytes()
}
