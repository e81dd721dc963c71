package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/workflow"
)

// dispatchKey identifies one attempt of one stage.
type dispatchKey struct {
	instance string
	stage    string
	attempt  int
}

func (k dispatchKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.instance, k.stage, k.attempt)
}

// attempt is the in-process handle of a dispatched stage attempt. It holds
// one global scheduler slot until the attempt settles.
type attempt struct {
	cancel context.CancelFunc
}

// dispatch hands a committed attempt to the executor.
func (e *Engine) dispatch(inst Instance, d dispatchItem, a *attempt) {
	log := e.logger.With("instance", d.key.instance, "stage", d.key.stage, "attempt", d.key.attempt)
	endpoint, err := e.agents.Resolve(d.agent)
	if err != nil {
		log.Error("resolve agent", "agent", d.agent, "err", err)
		e.goTracked(func() {
			e.failAttempt(d.key, agent.Permanent(err), ErrorKindUnknownAgent)
		})
		return
	}
	ctx, cancel := context.WithCancel(e.runContext(d.key.instance))
	if endpoint.Timeout > 0 {
		ctx, cancel = withTimeout(ctx, cancel, endpoint.Timeout)
	}
	e.mu.Lock()
	if current, ok := e.active[d.key]; ok && current == a {
		a.cancel = cancel
	}
	e.mu.Unlock()
	inv := agent.Invocation{
		InstanceID: d.key.instance,
		WorkflowID: d.workflowID,
		Stage:      d.key.stage,
		Attempt:    d.key.attempt,
		Agent:      endpoint,
		Inputs:     d.inputs,
		Outputs:    d.outputs,
	}
	var once sync.Once
	done := func(c agent.Completion) {
		once.Do(func() {
			e.goTracked(func() {
				err := e.CompleteStage(e.baseCtx, d.key.instance, d.key.stage, d.key.attempt, c)
				switch {
				case err == nil:
				case errors.Is(err, ErrStaleCompletion), errors.Is(err, ErrClosed):
					log.Debug("completion dropped", "err", err)
				default:
					log.Error("record completion", "err", err)
				}
			})
		})
	}
	log.Debug("dispatching stage", "agent", endpoint.Name, "kind", endpoint.Kind)
	if err := e.executor.Invoke(ctx, inv, done); err != nil {
		log.Error("invoke agent", "agent", endpoint.Name, "err", err)
		e.goTracked(func() {
			e.failAttempt(d.key, err, ErrorKindInfrastructure)
		})
	}
}

func withTimeout(parent context.Context, cancelParent context.CancelFunc, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	return ctx, func() {
		cancel()
		cancelParent()
	}
}

// failAttempt settles a dispatched attempt that never reached its agent.
func (e *Engine) failAttempt(key dispatchKey, cause error, kind ErrorKind) {
	_, err := e.mutate(e.baseCtx, key.instance, func(inst *Instance, fx *effects) error {
		def, err := e.definitionFor(e.baseCtx, inst)
		if err != nil {
			return err
		}
		st := inst.Stage(key.stage)
		if st == nil || !st.Dispatched || st.Attempt != key.attempt {
			return ErrStaleCompletion
		}
		stage, _ := def.Stage(key.stage)
		e.settle(inst, stage, st, agent.Completion{Err: cause}, kind, fx)
		e.advance(inst, def, fx)
		return nil
	})
	if err != nil && !errors.Is(err, ErrStaleCompletion) && !errors.Is(err, ErrClosed) {
		e.logger.Error("record dispatch failure", "instance", key.instance, "stage", key.stage, "attempt", key.attempt, "err", err)
	}
}

func retryTimerKey(instanceID, stage string) string {
	return instanceID + "/" + stage + "#retry"
}

func deadlineTimerKey(gateID string) string {
	return gateID + "#deadline"
}

func isRetryTimer(key string) bool {
	return strings.HasSuffix(key, "#retry")
}

// schedule arms a wake-up timer. Keys that are already armed are left alone.
func (e *Engine) schedule(instanceID string, t timerItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.timers[t.key]; ok {
		return
	}
	delay := t.at.Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	retry := isRetryTimer(t.key)
	if retry {
		e.retries++
	}
	key := t.key
	e.timers[key] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		if _, ok := e.timers[key]; !ok || e.closed {
			e.mu.Unlock()
			return
		}
		delete(e.timers, key)
		// Count the follow-up work before dropping the retry so Drain never
		// observes a gap.
		e.work++
		if retry {
			e.retries--
		}
		e.mu.Unlock()
		go func() {
			defer e.doneTracked()
			var err error
			if t.gateID != "" {
				_, err = e.checkInstance(e.baseCtx, instanceID)
			} else {
				_, err = e.advanceInstance(e.baseCtx, instanceID)
			}
			if err != nil && !errors.Is(err, ErrClosed) {
				e.logger.Warn("timer wake-up", "instance", instanceID, "timer", key, "err", err)
			}
		}()
	})
}

// retryDue reports whether a retry-waiting stage has reached its retry time.
func retryDue(st StageExecution, now time.Time) bool {
	return st.Status == workflow.StageRunning && !st.Dispatched && st.Attempt > 0 && !st.RetryAt.IsZero() && !now.Before(st.RetryAt)
}
