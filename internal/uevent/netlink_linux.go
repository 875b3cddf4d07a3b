//go:build linux

package uevent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
	"github.com/gyaneshwarpardhi/mdevd/internal/metrics"
)

// Multicast groups of NETLINK_KOBJECT_UEVENT.
const (
	KernelGroup      = 1
	RebroadcastGroup = 4
)

const (
	recvBufSize = 1 << 20
	maxDatagram = 1 << 16
	pollTimeout = 250 // ms between context checks
)

// Listener receives kernel uevents.
type Listener struct {
	fd     int
	buf    []byte
	enrich func(map[string]string)
	logger *zap.Logger

	closeOnce sync.Once
}

// Listen opens and binds a kobject uevent socket to the kernel group.
// enrich, when set, may add attributes before the event is built.
func Listen(enrich func(map[string]string), logger *zap.Logger) (*Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("uevent socket: %w", err)
	}
	// FORCE needs CAP_NET_ADMIN; fall back to the capped size.
	if unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, recvBufSize) != nil {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufSize)
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: KernelGroup}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uevent bind: %w", err)
	}
	return &Listener{fd: fd, buf: make([]byte, maxDatagram), enrich: enrich, logger: logger}, nil
}

// Next blocks until a kernel uevent arrives or ctx is done. Datagrams from
// user space and malformed ones are logged and skipped.
func (l *Listener) Next(ctx context.Context) (*event.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollTimeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("uevent poll: %w", err)
		}
		if n == 0 {
			continue
		}

		size, from, err := unix.Recvfrom(l.fd, l.buf, 0)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
				continue
			case errors.Is(err, unix.ENOBUFS):
				// The kernel dropped events; coldplug recovers them.
				metrics.EventsDropped.Inc()
				l.logger.Warn("uevent receive buffer overrun, events lost")
				continue
			}
			return nil, fmt.Errorf("uevent recv: %w", err)
		}
		if nl, ok := from.(*unix.SockaddrNetlink); !ok || nl.Pid != 0 {
			continue
		}

		ev, err := l.decode(l.buf[:size])
		if err != nil {
			if !errors.Is(err, ErrLibudev) {
				metrics.EventsDropped.Inc()
				l.logger.Warn("dropping malformed uevent", zap.Error(err))
			}
			continue
		}
		return ev, nil
	}
}

func (l *Listener) decode(buf []byte) (*event.Event, error) {
	attrs, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if l.enrich != nil {
		l.enrich(attrs)
	}
	return event.New(attrs)
}

// Close releases the socket.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() { err = unix.Close(l.fd) })
	return err
}

// Rebroadcaster re-emits handled events to a netlink multicast group.
type Rebroadcaster struct {
	mu    sync.Mutex
	fd    int
	group uint32
}

// NewRebroadcaster opens a kobject uevent socket for sending to group.
func NewRebroadcaster(group uint32) (*Rebroadcaster, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("rebroadcast socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: uint32(os.Getpid())}); err != nil {
		// Another socket of this process may hold the pid address.
		if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("rebroadcast bind: %w", err)
		}
	}
	return &Rebroadcaster{fd: fd, group: group}, nil
}

// Publish sends ev in KEY=VALUE\0 form.
func (r *Rebroadcaster) Publish(ev *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dst := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: r.group}
	if err := unix.Sendto(r.fd, Encode(ev), 0, dst); err != nil {
		return fmt.Errorf("rebroadcast send: %w", err)
	}
	return nil
}

// Close releases the socket.
func (r *Rebroadcaster) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return unix.Close(r.fd)
}
