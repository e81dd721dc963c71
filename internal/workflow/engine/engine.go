package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/metrics"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/scheduler"
	"github.com/kingrea/stageflow/internal/workflow/validator"
)

const (
	defaultConflictRetries = 16
	defaultStoreRetries    = 5
	defaultStoreBackoff    = 50 * time.Millisecond
	defaultMaxRetryBackoff = time.Hour
)

// Engine drives workflow instances through their stage graphs. Every
// instance mutation is a version-checked load/apply/save against the store,
// so several engines may share one store.
type Engine struct {
	agents   validator.AgentResolver
	store    Store
	executor agent.Executor
	notifier Notifier
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Recorder
	sched    scheduler.Selector
	newID    func() string

	conflictRetries    int
	storeRetries       int
	storeBackoff       time.Duration
	defaultMaxParallel int

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	idle    *sync.Cond
	closed  bool
	defs    map[string]workflow.WorkflowDefinition
	locks   map[string]*instanceLock
	runs    map[string]*instanceRun
	active  map[dispatchKey]*attempt
	timers  map[string]*time.Timer
	retries int
	work    int
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the engine logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithMetrics records engine activity on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

// WithGlobalLimit caps dispatched stages across every instance run by this
// engine. Zero disables the cap.
func WithGlobalLimit(limit int) Option {
	return func(e *Engine) {
		e.sched = scheduler.New(limit)
	}
}

// WithDefaultMaxParallel applies a per-instance cap to definitions that do
// not declare one.
func WithDefaultMaxParallel(limit int) Option {
	return func(e *Engine) {
		if limit >= 0 {
			e.defaultMaxParallel = limit
		}
	}
}

// WithConflictRetries bounds how often a mutation is re-applied after a
// version conflict.
func WithConflictRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.conflictRetries = n
		}
	}
}

// WithStoreRetry configures the backoff applied to failing store calls.
func WithStoreRetry(retries int, initial time.Duration) Option {
	return func(e *Engine) {
		if retries >= 0 {
			e.storeRetries = retries
		}
		if initial > 0 {
			e.storeBackoff = initial
		}
	}
}

// WithIDGenerator overrides instance ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// New wires a workflow engine to the agent registry, the store and the stage
// executor.
func New(agents validator.AgentResolver, store Store, executor agent.Executor, opts ...Option) (*Engine, error) {
	if agents == nil {
		return nil, fmt.Errorf("workflow engine: agent registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("workflow engine: store is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("workflow engine: stage executor is required")
	}
	engine := &Engine{
		agents:          agents,
		store:           store,
		executor:        executor,
		notifier:        nopNotifier{},
		clock:           time.Now,
		logger:          slog.New(slog.DiscardHandler),
		newID:           uuid.NewString,
		conflictRetries: defaultConflictRetries,
		storeRetries:    defaultStoreRetries,
		storeBackoff:    defaultStoreBackoff,
		defs:            map[string]workflow.WorkflowDefinition{},
		locks:           map[string]*instanceLock{},
		runs:            map[string]*instanceRun{},
		active:          map[dispatchKey]*attempt{},
		timers:          map[string]*time.Timer{},
	}
	engine.idle = sync.NewCond(&engine.mu)
	for _, opt := range opts {
		opt(engine)
	}
	if engine.sched == nil {
		engine.sched = scheduler.New(0)
	}
	engine.baseCtx, engine.stop = context.WithCancel(context.Background())
	return engine, nil
}

// Close stops timers and asks in-flight agents to stop. Stages dispatched at
// close time stay dispatched in the store and are re-dispatched by Resume.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for key, timer := range e.timers {
		timer.Stop()
		delete(e.timers, key)
	}
	e.retries = 0
	e.mu.Unlock()
	e.stop()
	e.mu.Lock()
	e.idle.Broadcast()
	e.mu.Unlock()
	return nil
}

// Drain blocks until no stage attempt started by this engine is in flight,
// no retry is waiting for its backoff and no background advance is running.
// Attempts handed to external workers count as in flight until their
// completion arrives.
func (e *Engine) Drain(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.idle.Broadcast()
		e.mu.Unlock()
	})
	defer stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.closed && (len(e.active) > 0 || e.retries > 0 || e.work > 0) {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.idle.Wait()
	}
	return ctx.Err()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// goTracked runs fn in the background and counts it for Drain.
func (e *Engine) goTracked(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.work++
	e.mu.Unlock()
	go func() {
		defer e.doneTracked()
		fn()
	}()
}

func (e *Engine) doneTracked() {
	e.mu.Lock()
	e.work--
	e.idle.Broadcast()
	e.mu.Unlock()
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

// lockInstance serializes local mutations of one instance. Remote writers
// are still fenced by the version check.
func (e *Engine) lockInstance(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &instanceLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}

type instanceRun struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// runContext returns the context shared by every attempt of an instance.
func (e *Engine) runContext(id string) context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[id]
	if !ok {
		ctx, cancel := context.WithCancel(e.baseCtx)
		run = &instanceRun{ctx: ctx, cancel: cancel}
		e.runs[id] = run
	}
	return run.ctx
}

// endRun cancels the run context and stops the timers of an instance.
func (e *Engine) endRun(id string) {
	e.mu.Lock()
	run, ok := e.runs[id]
	delete(e.runs, id)
	prefix := id + "/"
	for key, timer := range e.timers {
		if strings.HasPrefix(key, prefix) {
			if timer.Stop() && isRetryTimer(key) {
				e.retries--
			}
			delete(e.timers, key)
		}
	}
	e.idle.Broadcast()
	e.mu.Unlock()
	if ok {
		run.cancel()
	}
	e.wake(e.sched.Drop(id))
}

func (e *Engine) maxParallel(def workflow.WorkflowDefinition) int {
	if def.Runtime.MaxParallel > 0 {
		return def.Runtime.MaxParallel
	}
	return e.defaultMaxParallel
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}
