// Package hook runs rule commands as child processes with a scoped
// environment, a time bound and bounded output capture.
package hook

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Request is one command invocation.
type Request struct {
	Command string
	Env     []string // KEY=VALUE, the complete child environment
	Dir     string
	Timeout time.Duration // 0 means no bound
}

// Result is the outcome of one invocation. Err is set when the command
// could not be started or did not exit normally; a plain non-zero exit only
// sets ExitCode.
type Result struct {
	ExitCode  int
	Output    string
	Truncated bool
	TimedOut  bool
	Duration  time.Duration
	Err       error
}

// Runner executes hook commands.
type Runner interface {
	// Name returns the key this runner is registered under.
	Name() string
	// Run executes req synchronously. It must not return before every
	// process it started has been waited for.
	Run(ctx context.Context, req Request) *Result
}

// Registry maps runner names to runners.
// Safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates a Registry holding runners.
func NewRegistry(runners ...Runner) *Registry {
	r := &Registry{runners: make(map[string]Runner)}
	for _, rn := range runners {
		r.Register(rn)
	}
	return r
}

// Register adds a runner. Panics on a duplicate name to surface
// misconfiguration early.
func (r *Registry) Register(rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runners[rn.Name()]; exists {
		panic(fmt.Sprintf("hook registry: duplicate runner %q", rn.Name()))
	}
	r.runners[rn.Name()] = rn
}

// Get returns the runner registered under name.
func (r *Registry) Get(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[name]
	if !ok {
		return nil, fmt.Errorf("no hook runner registered as %q", name)
	}
	return rn, nil
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) result() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf), b.truncated
}
