package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/gate"
)

// RecordApproval applies one approver's decision to an open gate. Errors
// from the gate leave the instance untouched. A decision that arrives after
// the deadline commits the timeout and returns gate.ErrGateClosed.
func (e *Engine) RecordApproval(ctx context.Context, gateID, approverID string, verdict gate.Verdict, comment string) error {
	instanceID, _, ok := gate.ParseID(gateID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGate, gateID)
	}
	approverID = strings.TrimSpace(approverID)
	_, err := e.mutate(ctx, instanceID, func(inst *Instance, fx *effects) error {
		g := inst.Gate(gateID)
		if g == nil {
			return fmt.Errorf("%w: %q", ErrUnknownGate, gateID)
		}
		if inst.Status.IsTerminal() {
			return fmt.Errorf("%w: instance %s is %s", gate.ErrGateClosed, inst.ID, inst.Status)
		}
		def, err := e.definitionFor(ctx, inst)
		if err != nil {
			return err
		}
		if g.Expire(fx.now) {
			e.gateTimedOut(inst, g, fx)
			e.advance(inst, def, fx)
			fx.err = fmt.Errorf("%w: %s timed out at %s", gate.ErrGateClosed, g.ID, g.Deadline.Format(time.RFC3339))
			return nil
		}
		status, err := g.Record(approverID, verdict, comment, fx.now)
		if err != nil {
			return err
		}
		fx.decisions = append(fx.decisions, string(verdict))
		fx.emit(inst, Event{
			Type:    EventApprovalRecorded,
			Stage:   g.Stage,
			GateID:  g.ID,
			Status:  string(status),
			Message: comment,
			Data: map[string]any{
				"approver":  approverID,
				"verdict":   string(verdict),
				"approvals": g.Approvals(),
				"quorum":    g.Quorum,
			},
		})
		switch status {
		case gate.StatusApproved:
			e.gateApproved(inst, def, g, fx)
		case gate.StatusRejected:
			e.gateRejected(inst, g, fx)
		}
		e.advance(inst, def, fx)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %q", ErrUnknownGate, gateID)
	}
	return err
}

func (e *Engine) gateApproved(inst *Instance, def workflow.WorkflowDefinition, g *gate.Instance, fx *effects) {
	fx.emit(inst, Event{Type: EventApprovalResolved, Stage: g.Stage, GateID: g.ID, Status: string(g.Status)})
	st := inst.Stage(g.Stage)
	if st == nil {
		return
	}
	stage, _ := def.Stage(g.Stage)
	if stage.Agent != "" {
		// The stage now queues for dispatch like any ready stage.
		st.ReadyAt = fx.now
		return
	}
	st.Status = workflow.StageSucceeded
	st.EndedAt = fx.now
	fx.emit(inst, Event{Type: EventStageSucceeded, Stage: st.Stage})
}

func (e *Engine) gateRejected(inst *Instance, g *gate.Instance, fx *effects) {
	fx.emit(inst, Event{Type: EventApprovalResolved, Stage: g.Stage, GateID: g.ID, Status: string(g.Status)})
	st := inst.Stage(g.Stage)
	if st == nil {
		return
	}
	message := "approval rejected"
	if d, ok := g.Rejection(); ok {
		message = fmt.Sprintf("approval rejected by %s", d.ApproverID)
		if d.Comment != "" {
			message += ": " + d.Comment
		}
	}
	e.failStage(inst, st, ErrorKindRejected, message, fx)
}

// gateTimedOut fails the gate stage and fires the single escalation event of
// the gate.
func (e *Engine) gateTimedOut(inst *Instance, g *gate.Instance, fx *effects) {
	fx.timeouts++
	fx.emit(inst, Event{Type: EventApprovalResolved, Stage: g.Stage, GateID: g.ID, Status: string(g.Status)})
	fx.emit(inst, Event{
		Type:    EventApprovalEscalated,
		Stage:   g.Stage,
		GateID:  g.ID,
		Status:  string(g.Status),
		Message: fmt.Sprintf("gate %s timed out without a decision quorum", g.ID),
		Data: map[string]any{
			"outstanding": g.Outstanding(),
			"approvals":   g.Approvals(),
			"quorum":      g.Quorum,
			"deadline":    g.Deadline,
		},
	})
	st := inst.Stage(g.Stage)
	if st == nil {
		return
	}
	e.failStage(inst, st, ErrorKindTimedOut, fmt.Sprintf("approval timed out at %s", g.Deadline.Format(time.RFC3339)), fx)
}

// CheckTimeouts expires every gate past its deadline and dispatches retries
// that became due. It returns the number of gates that timed out.
func (e *Engine) CheckTimeouts(ctx context.Context) (int, error) {
	ids, err := e.listInstances(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	var errs []error
	for _, id := range ids {
		n, err := e.checkInstance(ctx, id)
		expired += n
		if err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("instance %s: %w", id, err))
		}
	}
	return expired, errors.Join(errs...)
}

// checkInstance applies time-driven transitions to one instance.
func (e *Engine) checkInstance(ctx context.Context, id string) (int, error) {
	expired := 0
	_, err := e.mutate(ctx, id, func(inst *Instance, fx *effects) error {
		expired = 0
		if inst.Status.IsTerminal() || !timeDriven(inst, fx.now) {
			return nil
		}
		def, err := e.definitionFor(ctx, inst)
		if err != nil {
			return err
		}
		for i := range inst.Gates {
			g := &inst.Gates[i]
			if g.Expire(fx.now) {
				expired++
				e.gateTimedOut(inst, g, fx)
			}
		}
		e.advance(inst, def, fx)
		return nil
	})
	if err != nil {
		expired = 0
	}
	return expired, err
}

// timeDriven reports whether an instance has a gate deadline or a retry that
// is due at now.
func timeDriven(inst *Instance, now time.Time) bool {
	for _, g := range inst.Gates {
		if g.Expired(now) {
			return true
		}
	}
	for _, st := range inst.Stages {
		if retryDue(st, now) {
			return true
		}
	}
	return false
}

// Run polls CheckTimeouts every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("workflow engine: poll interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := e.CheckTimeouts(ctx)
			if errors.Is(err, ErrClosed) {
				return err
			}
			if err != nil {
				e.logger.Warn("timeout check", "err", err)
			}
			if n > 0 {
				e.logger.Info("gates timed out", "count", n)
			}
		}
	}
}

func (e *Engine) listInstances(ctx context.Context) ([]string, error) {
	var ids []string
	err := e.withStoreRetry(ctx, "list instances", func() error {
		var err error
		ids, err = e.store.ListInstances(ctx)
		return err
	})
	return ids, err
}
