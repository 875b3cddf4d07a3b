package executor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNodeConflict reports that a path holds something other than the
	// node or link this event asks for.
	ErrNodeConflict = errors.New("path exists with a different type or device number")
	// ErrUntracked is a warning for a remove event whose device never had a
	// node created by this process.
	ErrUntracked = errors.New("no node tracked for device")
	// ErrNoDeviceNumber is a warning for a node operation on an event
	// without MAJOR/MINOR.
	ErrNoDeviceNumber = errors.New("event carries no device number")
)

// FilesystemError is a failed node, directory or link operation.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// CommandError is a hook that could not be started or exited non-zero.
type CommandError struct {
	Rule     int
	Command  string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rule %d: command %q: %v", e.Rule, e.Command, e.Err)
	}
	return fmt.Sprintf("rule %d: command %q exited with status %d", e.Rule, e.Command, e.ExitCode)
}

func (e *CommandError) Unwrap() error { return e.Err }

// TimeoutError is a hook that was killed after exceeding its time bound.
type TimeoutError struct {
	Rule    int
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rule %d: command %q killed after %v", e.Rule, e.Command, e.Timeout)
}
