// Package engine dispatches uevents through the active rule set to the
// executor, one event at a time per device, and owns hot rule reloads.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gyaneshwarpardhi/mdevd/internal/event"
	"github.com/gyaneshwarpardhi/mdevd/internal/executor"
	"github.com/gyaneshwarpardhi/mdevd/internal/match"
	"github.com/gyaneshwarpardhi/mdevd/internal/metrics"
	"github.com/gyaneshwarpardhi/mdevd/internal/rule"
)

// Defaults for Options.
const (
	DefaultQueueDepth = 1024
	DefaultWorkers    = 1
)

// Source yields uevents. Next blocks until an event arrives and returns
// io.EOF when the source is exhausted.
type Source interface {
	Next(ctx context.Context) (*event.Event, error)
}

// Publisher receives every handled event, for example to rebroadcast it to
// listeners that start after the device manager.
type Publisher interface {
	Publish(ev *event.Event) error
}

// Options configures an Engine.
type Options struct {
	Resolver   *match.Resolver
	Executor   *executor.Executor
	Publisher  Publisher
	QueueDepth int
	// Workers above 1 shard events by DEVPATH: ordering then holds per
	// device, not globally.
	Workers int
	Logger  *zap.Logger
}

// Engine processes events against an atomically swappable rule set.
type Engine struct {
	rules     atomic.Pointer[rule.Set]
	resolver  *match.Resolver
	executor  *executor.Executor
	publisher Publisher
	pool      *shardedPool[*event.Event, *executor.Result]
	logger    *zap.Logger
	ready     atomic.Bool
}

// New creates an Engine serving set and starts its workers.
func New(ctx context.Context, set *rule.Set, opts Options) *Engine {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Resolver == nil {
		opts.Resolver = match.NewResolver(nil, "/dev", 0)
	}
	if opts.Executor == nil {
		opts.Executor = executor.New(executor.Options{Logger: opts.Logger})
	}
	if set == nil {
		set = rule.NewSet(nil, "empty")
	}
	e := &Engine{
		resolver:  opts.Resolver,
		executor:  opts.Executor,
		publisher: opts.Publisher,
		logger:    opts.Logger,
	}
	e.SwapRules(set)
	e.pool = newShardedPool[*event.Event, *executor.Result](ctx, opts.Workers, opts.QueueDepth, e.process, e.discard)
	e.ready.Store(true)
	return e
}

// Rules returns the active rule set.
func (e *Engine) Rules() *rule.Set { return e.rules.Load() }

// SwapRules atomically replaces the rule set and returns the previous one.
// An event already being matched finishes against the snapshot it loaded.
func (e *Engine) SwapRules(set *rule.Set) *rule.Set {
	old := e.rules.Swap(set)
	metrics.RulesLoaded.Set(float64(set.Len()))
	return old
}

// Reload compiles text and swaps it in. On failure the active rules are
// kept and the error is returned. Diagnostics are the lines skipped under
// rule.SkipInvalid.
func (e *Engine) Reload(text, source string, policy rule.Policy) ([]*rule.ParseError, error) {
	set, diags, err := rule.Compile(text, source, policy)
	if err != nil {
		metrics.RuleReloads.WithLabelValues("error").Inc()
		e.logger.Error("rule reload rejected, keeping active rules",
			zap.String("source", source),
			zap.Uint64("active_version", e.Rules().Version()),
			zap.Error(err),
		)
		return nil, err
	}
	for _, d := range diags {
		metrics.RuleDiagnostics.Inc()
		e.logger.Warn("skipping invalid rule line", zap.String("source", source), zap.Int("line", d.Line), zap.Error(d))
	}
	old := e.SwapRules(set)
	metrics.RuleReloads.WithLabelValues("ok").Inc()
	e.logger.Info("rules reloaded",
		zap.String("source", source),
		zap.Int("rules", set.Len()),
		zap.Uint64("version", set.Version()),
		zap.Uint64("previous_version", old.Version()),
	)
	return diags, nil
}

// Submit enqueues ev, blocking while its queue is full.
func (e *Engine) Submit(ctx context.Context, ev *event.Event) error {
	return e.submit(ctx, ev, nil)
}

// Dispatch enqueues ev behind every earlier event for the same device and
// waits for its result.
func (e *Engine) Dispatch(ctx context.Context, ev *event.Event) (*executor.Result, error) {
	resultC := make(chan *executor.Result, 1)
	if err := e.submit(ctx, ev, resultC); err != nil {
		return nil, err
	}
	select {
	case res, ok := <-resultC:
		if !ok {
			return nil, fmt.Errorf("dispatch %s %s: %w", ev.Kind(), ev.DevPath(), ErrStopped)
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) submit(ctx context.Context, ev *event.Event, resultC chan<- *executor.Result) error {
	if err := e.pool.Submit(ctx, ev.DevPath(), ev, resultC); err != nil {
		metrics.EventsDropped.Inc()
		return fmt.Errorf("submit %s %s: %w", ev.Kind(), ev.DevPath(), err)
	}
	metrics.EventsEnqueued.WithLabelValues(ev.Kind().String()).Inc()
	metrics.QueueUtilization.Set(e.QueueUtilization())
	return nil
}

// Run feeds events from src until src is exhausted or ctx is cancelled.
// Events already queued keep processing until Shutdown.
func (e *Engine) Run(ctx context.Context, src Source) error {
	for {
		ev, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read uevent: %w", err)
		}
		if err := e.Submit(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Resolve matches ev against the active rules without side effects.
func (e *Engine) Resolve(ev *event.Event) []*match.ResolvedAction {
	acts := e.resolver.Resolve(ev, e.Rules())
	if len(acts) == 0 {
		acts = append(acts, e.resolver.DefaultAction(ev))
	}
	return acts
}

// Nodes lists the device nodes created so far.
func (e *Engine) Nodes() []executor.Node { return e.executor.Tracker().List() }

// Ready reports whether the engine accepts events.
func (e *Engine) Ready() bool { return e.ready.Load() }

// QueueUtilization returns queue used / capacity (0 to 1).
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	return float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
}

// Shutdown stops accepting events and waits for the events being processed,
// including their hooks, to finish. Events still queued are dropped.
func (e *Engine) Shutdown() {
	e.ready.Store(false)
	e.pool.Drain()
}

func (e *Engine) discard(ev *event.Event) {
	metrics.EventsDropped.Inc()
	e.logger.Warn("uevent dropped at shutdown",
		zap.String("event_id", ev.ID()),
		zap.Stringer("action", ev.Kind()),
		zap.String("devpath", ev.DevPath()),
	)
}

func (e *Engine) process(ctx context.Context, ev *event.Event) *executor.Result {
	start := time.Now()
	set := e.Rules()

	acts := e.resolver.Resolve(ev, set)
	if len(acts) == 0 {
		acts = append(acts, e.resolver.DefaultAction(ev))
	}
	res := e.executor.Apply(ctx, ev, acts)

	metrics.EventsProcessed.Inc()
	metrics.EventProcessingDuration.Observe(float64(time.Since(start).Milliseconds()))
	metrics.QueueUtilization.Set(e.QueueUtilization())
	for _, l := range res.Rules {
		metrics.RulesMatched.WithLabelValues(strconv.Itoa(l)).Inc()
	}

	fields := append(res.Fields(), zap.Uint64("rules_version", set.Version()))
	if len(res.Errors) > 0 {
		e.logger.Warn("uevent handled with errors", fields...)
	} else {
		e.logger.Info("uevent handled", fields...)
	}

	if e.publisher != nil {
		if err := e.publisher.Publish(ev); err != nil {
			e.logger.Warn("rebroadcast failed", zap.String("event_id", ev.ID()), zap.Error(err))
		}
	}
	return res
}
