package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kingrea/stageflow/internal/workflow"
)

// effects collects everything a mutation wants to happen once its save
// commits. Nothing in here runs when the save fails.
type effects struct {
	now     time.Time
	version int64

	events    []Event
	dispatch  []dispatchItem
	settled   []settledItem
	timers    []timerItem
	decisions []string
	timeouts  int
	reserved  int
	woken     []string
	started   bool
	finished  workflow.InstanceStatus

	// err is returned to the caller after a successful commit.
	err error
}

type dispatchItem struct {
	key        dispatchKey
	workflowID string
	agent      string
	inputs     map[string]any
	outputs    []string
}

type settledItem struct {
	key        dispatchKey
	workflowID string
	result     string
	elapsed    time.Duration
}

type timerItem struct {
	key string
	at  time.Time
	// gateID is set for gate deadlines; retry timers leave it empty.
	gateID string
}

// emit queues an event stamped with an ID that is stable for this commit.
func (fx *effects) emit(inst *Instance, ev Event) {
	ev.ID = fmt.Sprintf("%s:%d:%d", inst.ID, fx.version, len(fx.events)+1)
	ev.InstanceID = inst.ID
	ev.WorkflowID = inst.WorkflowID
	if ev.At.IsZero() {
		ev.At = fx.now
	}
	fx.events = append(fx.events, ev)
}

// mutation edits a fresh copy of the instance. Returning an error abandons
// the change; fx.err reports an error after committing.
type mutation func(inst *Instance, fx *effects) error

// mutate is the single update path for stored instances: load, apply fn,
// save with the loaded version as the expectation. Version conflicts re-run
// fn against the fresh record.
func (e *Engine) mutate(ctx context.Context, id string, fn mutation) (Instance, error) {
	if e.isClosed() {
		return Instance{}, ErrClosed
	}
	unlock := e.lockInstance(id)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()
	for attempt := 0; ; attempt++ {
		current, err := e.loadInstance(ctx, id)
		if err != nil {
			return Instance{}, err
		}
		next := current.Clone()
		fx := &effects{now: e.now(), version: current.Version + 1}
		if err := fn(&next, fx); err != nil {
			e.rollback(id, fx, true)
			return current, err
		}
		if reflect.DeepEqual(current, next) {
			unlock()
			locked = false
			e.apply(current, fx)
			return current, fx.err
		}
		next.Version = fx.version
		next.UpdatedAt = fx.now
		err = e.saveInstance(ctx, next, current.Version)
		if errors.Is(err, ErrVersionConflict) {
			final := attempt+1 >= e.conflictRetries
			e.rollback(id, fx, final)
			e.metrics.VersionConflict()
			e.logger.Debug("instance version conflict", "instance", id, "version", current.Version, "attempt", attempt+1)
			if final {
				return current, fmt.Errorf("workflow engine: instance %s: %w after %d attempts", id, ErrVersionConflict, attempt+1)
			}
			continue
		}
		if err != nil {
			e.rollback(id, fx, true)
			return current, err
		}
		unlock()
		locked = false
		e.apply(next, fx)
		return next, fx.err
	}
}

// create stores a brand-new instance with expected version zero.
func (e *Engine) create(ctx context.Context, inst Instance, fn mutation) (Instance, error) {
	if e.isClosed() {
		return Instance{}, ErrClosed
	}
	unlock := e.lockInstance(inst.ID)
	fx := &effects{now: e.now(), version: 1}
	if err := fn(&inst, fx); err != nil {
		unlock()
		e.rollback(inst.ID, fx, true)
		return Instance{}, err
	}
	inst.Version = 1
	inst.UpdatedAt = fx.now
	if err := e.saveInstance(ctx, inst, 0); err != nil {
		unlock()
		e.rollback(inst.ID, fx, true)
		return Instance{}, err
	}
	unlock()
	e.apply(inst, fx)
	return inst, fx.err
}

// rollback credits the global slots reserved by an abandoned mutation back
// to the instance. A final rollback forfeits them to the next waiters.
func (e *Engine) rollback(id string, fx *effects, final bool) {
	reserved := fx.reserved
	e.sched.Return(id, reserved)
	fx.reserved = 0
	woken := fx.woken
	fx.woken = nil
	if final && reserved > 0 {
		woken = append(woken, e.sched.Forfeit(id)...)
	}
	e.wake(woken)
}

// apply runs the side effects of a committed mutation.
func (e *Engine) apply(inst Instance, fx *effects) {
	var woken []string
	e.mu.Lock()
	released := 0
	for _, s := range fx.settled {
		a, ok := e.active[s.key]
		if !ok {
			continue
		}
		delete(e.active, s.key)
		if a.cancel != nil {
			a.cancel()
		}
		released++
		e.metrics.StageSettled(s.workflowID, s.result, s.elapsed)
	}
	attempts := make([]*attempt, len(fx.dispatch))
	for i, d := range fx.dispatch {
		a := &attempt{}
		e.active[d.key] = a
		attempts[i] = a
		e.metrics.StageDispatched()
	}
	e.idle.Broadcast()
	e.mu.Unlock()
	if released > 0 {
		woken = e.sched.Release(released)
	}
	woken = append(fx.woken, woken...)

	for _, t := range fx.timers {
		e.schedule(inst.ID, t)
	}
	if fx.started {
		e.metrics.InstanceStarted()
	}
	for _, verdict := range fx.decisions {
		e.metrics.GateDecision(verdict)
	}
	for i := 0; i < fx.timeouts; i++ {
		e.metrics.GateTimedOut()
	}
	if fx.finished != "" {
		e.metrics.InstanceFinished(string(fx.finished))
		e.logger.Info("instance finished", "instance", inst.ID, "workflow", inst.WorkflowID, "status", fx.finished)
	}
	for _, ev := range fx.events {
		e.notify(ev)
	}
	if inst.Status.IsTerminal() {
		e.endRun(inst.ID)
	}
	for i, d := range fx.dispatch {
		e.dispatch(inst, d, attempts[i])
	}
	e.wake(woken)
}

func (e *Engine) notify(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notifier panicked", "instance", ev.InstanceID, "event", ev.Type, "panic", r)
		}
	}()
	e.notifier.Send(e.baseCtx, ev)
}

// wake re-evaluates instances that were waiting for a global slot.
func (e *Engine) wake(ids []string) {
	for _, id := range ids {
		e.kick(id)
	}
}

// kick advances an instance in the background. Slots granted to it that the
// advance did not claim go to the next waiters.
func (e *Engine) kick(id string) {
	e.goTracked(func() {
		if _, err := e.advanceInstance(e.baseCtx, id); err != nil && !errors.Is(err, ErrClosed) {
			e.logger.Warn("advance instance", "instance", id, "err", err)
		}
		e.wake(e.sched.Forfeit(id))
	})
}

func (e *Engine) advanceInstance(ctx context.Context, id string) (Instance, error) {
	return e.mutate(ctx, id, func(inst *Instance, fx *effects) error {
		if inst.Status.IsTerminal() {
			return nil
		}
		def, err := e.definitionFor(ctx, inst)
		if err != nil {
			return err
		}
		e.advance(inst, def, fx)
		return nil
	})
}

func (e *Engine) loadInstance(ctx context.Context, id string) (Instance, error) {
	var inst Instance
	err := e.withStoreRetry(ctx, "load instance", func() error {
		var err error
		inst, err = e.store.LoadInstance(ctx, id)
		return err
	})
	return inst, err
}

func (e *Engine) saveInstance(ctx context.Context, inst Instance, expected int64) error {
	return e.withStoreRetry(ctx, "save instance", func() error {
		return e.store.SaveInstance(ctx, inst, expected)
	})
}

// withStoreRetry retries transient store failures with exponential backoff.
// Not-found and version conflicts are answers, not failures, and return
// immediately.
func (e *Engine) withStoreRetry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.storeBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.storeRetries)), ctx)
	err := backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		e.metrics.StoreRetry()
		e.logger.Warn("store call failed, retrying", "op", op, "wait", wait, "err", err)
	})
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %w", ErrInfrastructure, op, err)
}
