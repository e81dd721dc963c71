package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/workflow"
)

// CancelInstance stops further dispatch and asks in-flight agents to stop.
// Attempts that are still running report their outcome later; it is recorded
// on the stage but the instance stays cancelled.
func (e *Engine) CancelInstance(ctx context.Context, id, reason string) error {
	reason = strings.TrimSpace(reason)
	_, err := e.mutate(ctx, id, func(inst *Instance, fx *effects) error {
		if inst.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrInstanceTerminal, inst.ID, inst.Status)
		}
		message := "instance cancelled"
		if reason != "" {
			message += ": " + reason
		}
		for i := range inst.Stages {
			st := &inst.Stages[i]
			if st.Status == workflow.StageRunning && !st.Dispatched {
				e.failStage(inst, st, ErrorKindCancelled, message, fx)
			}
		}
		inst.CancelReason = reason
		e.setStatus(inst, workflow.InstanceCancelled, fx)
		return nil
	})
	if err == nil {
		e.logger.Info("instance cancelled", "instance", id, "reason", reason)
	}
	return err
}

// CompleteStage records the outcome of a dispatched stage attempt. It is the
// entry point for executors that report asynchronously, including workers
// outside this process. Completions for any other attempt return
// ErrStaleCompletion.
func (e *Engine) CompleteStage(ctx context.Context, instanceID, stage string, attempt int, c agent.Completion) error {
	_, err := e.mutate(ctx, instanceID, func(inst *Instance, fx *effects) error {
		st := inst.Stage(stage)
		if st == nil {
			return fmt.Errorf("%w: %s has no stage %q", ErrUnknownStage, inst.ID, stage)
		}
		if !st.Dispatched || st.Attempt != attempt {
			return fmt.Errorf("%w: %s/%s attempt %d (current %d)", ErrStaleCompletion, inst.ID, stage, attempt, st.Attempt)
		}
		def, err := e.definitionFor(ctx, inst)
		if err != nil {
			return err
		}
		spec, _ := def.Stage(stage)
		e.settle(inst, spec, st, c, ErrorKindAgent, fx)
		e.advance(inst, def, fx)
		return nil
	})
	return err
}

// Resume rebuilds progress for every stored non-terminal instance after a
// restart. Attempts recorded as dispatched that this engine does not track
// are dispatched again with a new attempt number; succeeded stages never
// re-run. Overdue gates time out. It returns the number of instances it
// re-evaluated.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	ids, err := e.listInstances(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	var errs []error
	for _, id := range ids {
		live, err := e.resumeInstance(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", id, err))
			continue
		}
		if live {
			resumed++
		}
	}
	return resumed, errors.Join(errs...)
}

func (e *Engine) resumeInstance(ctx context.Context, id string) (bool, error) {
	live := false
	_, err := e.mutate(ctx, id, func(inst *Instance, fx *effects) error {
		live = !inst.Status.IsTerminal()
		if !live {
			return nil
		}
		def, err := e.definitionFor(ctx, inst)
		if err != nil {
			return err
		}
		for i := range inst.Stages {
			st := &inst.Stages[i]
			if st.Status != workflow.StageRunning || !st.Dispatched {
				continue
			}
			if e.tracking(dispatchKey{instance: inst.ID, stage: st.Stage, attempt: st.Attempt}) {
				continue
			}
			st.Dispatched = false
			// Due immediately; the stage still counts as in flight.
			st.RetryAt = fx.now
			st.ReadyAt = fx.now
			fx.emit(inst, Event{
				Type:    EventStageRecovered,
				Stage:   st.Stage,
				Attempt: st.Attempt,
				Message: fmt.Sprintf("attempt %d lost its executor and will be dispatched again", st.Attempt),
			})
		}
		for i := range inst.Gates {
			g := &inst.Gates[i]
			if g.Expire(fx.now) {
				e.gateTimedOut(inst, g, fx)
			}
		}
		e.advance(inst, def, fx)
		return nil
	})
	return live, err
}

// tracking reports whether this engine dispatched the attempt and is still
// waiting for it.
func (e *Engine) tracking(key dispatchKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[key]
	return ok
}

// Wait blocks until the instance reaches a terminal status or awaits an
// approval, polling the store every interval.
func (e *Engine) Wait(ctx context.Context, id string, interval time.Duration) (Status, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := e.GetStatus(ctx, id)
		if err != nil {
			return Status{}, err
		}
		if status.Status.IsTerminal() || status.Status == workflow.InstanceAwaitingApproval {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
