package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/gate"
	"github.com/kingrea/stageflow/internal/workflow/resolver"
	"github.com/kingrea/stageflow/internal/workflow/scheduler"
)

// advance moves a non-terminal instance as far as its records allow: skips
// stages cut off by a failure, opens gates that became reachable, dispatches
// ready stages within the parallelism caps and derives the instance status.
func (e *Engine) advance(inst *Instance, def workflow.WorkflowDefinition, fx *effects) {
	if inst.Status.IsTerminal() {
		return
	}
	res, err := resolver.New(def)
	if err != nil {
		// Stored definitions are validated, so this only happens for records
		// written by something else.
		e.failInstance(inst, "", ErrorKindInfrastructure, err.Error(), fx)
		return
	}
	res.Refresh(inst.StageStatuses())
	for _, node := range res.Unreachable() {
		st := inst.Stage(node.ID)
		if st == nil {
			continue
		}
		st.Status = workflow.StageSkipped
		st.EndedAt = fx.now
		st.Error = &ErrorDetail{
			Kind:    ErrorKindSkipped,
			Message: fmt.Sprintf("upstream %s did not succeed", strings.Join(node.BlockedBy, ", ")),
			At:      fx.now,
		}
		fx.emit(inst, Event{Type: EventStageSkipped, Stage: node.ID, Message: st.Error.Message})
	}
	for _, node := range res.Ready() {
		st := inst.Stage(node.ID)
		if st == nil {
			continue
		}
		if st.ReadyAt.IsZero() {
			st.ReadyAt = fx.now
		}
		if node.Stage.IsGate() && inst.Failure == nil {
			e.openGate(inst, st, node.Stage, fx)
		}
	}
	e.dispatchReady(inst, def, res, fx)
	e.scheduleTimers(inst, fx)
	e.deriveStatus(inst, res, fx)
}

func (e *Engine) openGate(inst *Instance, st *StageExecution, stage workflow.Stage, fx *effects) {
	g := gate.Open(inst.ID, stage.Name, *stage.Approval, fx.now)
	inst.Gates = append(inst.Gates, g)
	st.Status = workflow.StageRunning
	st.StartedAt = fx.now
	st.GateID = g.ID
	data := map[string]any{
		"approvers": append([]string(nil), g.RequiredApprovers...),
		"quorum":    g.Quorum,
	}
	if !g.Deadline.IsZero() {
		data["deadline"] = g.Deadline
	}
	fx.emit(inst, Event{Type: EventApprovalRequested, Stage: stage.Name, GateID: g.ID, Status: string(g.Status), Data: data})
}

func (e *Engine) dispatchReady(inst *Instance, def workflow.WorkflowDefinition, res *resolver.Resolver, fx *effects) {
	var (
		candidates []scheduler.Candidate
		running    []string
		manual     map[string]scheduler.ManualGateState
	)
	for i := range inst.Stages {
		st := &inst.Stages[i]
		stage, ok := def.Stage(st.Stage)
		if !ok {
			continue
		}
		if st.Dispatched {
			running = append(running, st.Stage)
			continue
		}
		switch st.Status {
		case workflow.StagePending:
			node, ok := res.Node(st.Stage)
			if !ok || node.State != resolver.NodeStateReady || stage.IsGate() || inst.Failure != nil {
				continue
			}
		case workflow.StageRunning:
			if st.Attempt == 0 {
				// An open or approved gate stage that still has to run its agent.
				if stage.Agent == "" || inst.Failure != nil {
					continue
				}
				g := inst.Gate(st.GateID)
				if g == nil {
					continue
				}
				if manual == nil {
					manual = map[string]scheduler.ManualGateState{}
				}
				manual[st.Stage] = scheduler.ManualGateState{
					Required: true,
					Approved: g.Status == gate.StatusApproved,
					Note:     fmt.Sprintf("gate %s is %s", g.ID, g.Status),
				}
			} else if !st.RetryAt.IsZero() && fx.now.Before(st.RetryAt) {
				continue
			}
		default:
			continue
		}
		candidates = append(candidates, scheduler.Candidate{ID: st.Stage, Index: res.Graph().Index(st.Stage), ReadyAt: st.ReadyAt})
	}
	if len(candidates) == 0 {
		return
	}
	batch := e.sched.Runnable(scheduler.RunnableRequest{
		InstanceID:  inst.ID,
		Candidates:  candidates,
		MaxParallel: e.maxParallel(def),
		Running:     running,
		ManualGates: manual,
	})
	fx.reserved += len(batch.Stages)
	fx.woken = append(fx.woken, batch.Woken...)
	for _, name := range batch.Stages {
		st := inst.Stage(name)
		stage, _ := def.Stage(name)
		st.Status = workflow.StageRunning
		st.Dispatched = true
		st.Attempt++
		if st.StartedAt.IsZero() {
			st.StartedAt = fx.now
		}
		st.DispatchedAt = fx.now
		st.RetryAt = time.Time{}
		fx.dispatch = append(fx.dispatch, dispatchItem{
			key:        dispatchKey{instance: inst.ID, stage: name, attempt: st.Attempt},
			workflowID: inst.WorkflowID,
			agent:      stage.Agent,
			inputs:     stageInputs(inst, stage),
			outputs:    append([]string(nil), stage.Outputs...),
		})
		fx.emit(inst, Event{Type: EventStageStarted, Stage: name, Attempt: st.Attempt})
	}
	for id, skip := range batch.Skipped {
		if skip.Reason == scheduler.SkipReasonGlobalLimit || skip.Reason == scheduler.SkipReasonConcurrency {
			e.logger.Debug("stage queued", "instance", inst.ID, "stage", id, "reason", skip.Reason)
		}
	}
}

// scheduleTimers asks for wake-ups at pending retry times and gate deadlines.
func (e *Engine) scheduleTimers(inst *Instance, fx *effects) {
	for _, st := range inst.Stages {
		if st.Status == workflow.StageRunning && !st.Dispatched && st.Attempt > 0 && st.RetryAt.After(fx.now) {
			fx.timers = append(fx.timers, timerItem{key: retryTimerKey(inst.ID, st.Stage), at: st.RetryAt})
		}
	}
	for _, g := range inst.Gates {
		if g.Status == gate.StatusAwaiting && !g.Deadline.IsZero() {
			fx.timers = append(fx.timers, timerItem{key: deadlineTimerKey(g.ID), at: g.Deadline, gateID: g.ID})
		}
	}
}

// deriveStatus settles the instance status from its stage records. A failed
// instance only finishes once nothing is in flight. res must be refreshed
// from the same records at the start of the advance.
func (e *Engine) deriveStatus(inst *Instance, res *resolver.Resolver, fx *effects) {
	inFlight := false
	awaiting := false
	for _, st := range inst.Stages {
		if st.inFlight() {
			inFlight = true
		}
	}
	for _, g := range inst.Gates {
		if g.Status == gate.StatusAwaiting {
			awaiting = true
		}
	}
	switch {
	case inst.Failure != nil && !inFlight:
		for i := range inst.Stages {
			st := &inst.Stages[i]
			if st.Status == workflow.StageRunning && !st.Dispatched {
				e.failStage(inst, st, ErrorKindAborted, fmt.Sprintf("instance failed at stage %s", inst.Failure.Stage), fx)
			}
		}
		e.setStatus(inst, failureStatus(inst.Failure.Kind), fx)
	case inst.Failure != nil:
		e.setStatus(inst, workflow.InstanceRunning, fx)
	case res.Complete():
		e.setStatus(inst, workflow.InstanceCompleted, fx)
	case awaiting:
		e.setStatus(inst, workflow.InstanceAwaitingApproval, fx)
	default:
		e.setStatus(inst, workflow.InstanceRunning, fx)
	}
}

func failureStatus(kind ErrorKind) workflow.InstanceStatus {
	switch kind {
	case ErrorKindRejected:
		return workflow.InstanceRejected
	case ErrorKindTimedOut:
		return workflow.InstanceTimedOut
	default:
		return workflow.InstanceFailed
	}
}

func (e *Engine) setStatus(inst *Instance, status workflow.InstanceStatus, fx *effects) {
	if inst.Status == status {
		return
	}
	from := inst.Status
	inst.Status = status
	if status.IsTerminal() {
		inst.EndedAt = fx.now
		fx.finished = status
	}
	data := map[string]any{"from": string(from)}
	if inst.Failure != nil && status.IsTerminal() {
		data["failed_stage"] = inst.Failure.Stage
		data["error"] = inst.Failure.Message
	}
	fx.emit(inst, Event{Type: EventInstanceStatus, Status: string(status), Data: data})
}

// failStage records a terminal stage failure. The first failure of a live
// instance becomes the instance failure.
func (e *Engine) failStage(inst *Instance, st *StageExecution, kind ErrorKind, message string, fx *effects) {
	st.Status = workflow.StageFailed
	st.Dispatched = false
	st.RetryAt = time.Time{}
	st.EndedAt = fx.now
	st.Error = &ErrorDetail{Kind: kind, Message: message, Attempt: st.Attempt, At: fx.now}
	if g := inst.Gate(st.GateID); g != nil {
		g.Withdraw(fx.now)
	}
	if inst.Failure == nil && !inst.Status.IsTerminal() && kind != ErrorKindAborted && kind != ErrorKindCancelled {
		inst.Failure = &Failure{Stage: st.Stage, Kind: kind, Message: message, At: fx.now}
	}
	fx.emit(inst, Event{Type: EventStageFailed, Stage: st.Stage, Attempt: st.Attempt, Message: message, Data: map[string]any{"kind": string(kind)}})
}

// failInstance records an instance-level failure that is not tied to one
// stage outcome.
func (e *Engine) failInstance(inst *Instance, stage string, kind ErrorKind, message string, fx *effects) {
	if inst.Failure == nil {
		inst.Failure = &Failure{Stage: stage, Kind: kind, Message: message, At: fx.now}
	}
	e.setStatus(inst, failureStatus(kind), fx)
}

// settle applies the outcome of the current attempt of a dispatched stage.
// failKind classifies the failure when the attempt does not succeed.
func (e *Engine) settle(inst *Instance, stage workflow.Stage, st *StageExecution, c agent.Completion, failKind ErrorKind, fx *effects) {
	elapsed := fx.now.Sub(st.DispatchedAt)
	key := dispatchKey{instance: inst.ID, stage: st.Stage, attempt: st.Attempt}
	st.Dispatched = false
	err := c.Err
	if err == nil {
		if missing := missingOutputs(stage, c.Outputs); len(missing) > 0 {
			err = agent.Permanent(fmt.Errorf("missing declared outputs: %s", strings.Join(missing, ", ")))
			failKind = ErrorKindContract
		}
	}
	if err == nil {
		st.Status = workflow.StageSucceeded
		st.EndedAt = fx.now
		st.Error = nil
		st.Outputs = cloneValues(c.Outputs)
		if inst.Context == nil {
			inst.Context = map[string]map[string]any{}
		}
		inst.Context[st.Stage] = cloneValues(c.Outputs)
		fx.settled = append(fx.settled, settledItem{key: key, workflowID: inst.WorkflowID, result: "succeeded", elapsed: elapsed})
		fx.emit(inst, Event{Type: EventStageSucceeded, Stage: st.Stage, Attempt: st.Attempt})
		return
	}
	if !agent.IsPermanent(err) && st.Attempt < stage.MaxAttempts() && !inst.Status.IsTerminal() {
		delay := retryDelay(stage.Retry, st.Attempt)
		st.RetryAt = fx.now.Add(delay)
		st.Error = &ErrorDetail{Kind: failKind, Message: err.Error(), Attempt: st.Attempt, At: fx.now}
		fx.settled = append(fx.settled, settledItem{key: key, workflowID: inst.WorkflowID, result: "retried", elapsed: elapsed})
		fx.emit(inst, Event{
			Type:    EventStageRetrying,
			Stage:   st.Stage,
			Attempt: st.Attempt,
			Message: err.Error(),
			Data:    map[string]any{"retry_at": st.RetryAt, "delay": delay.String()},
		})
		return
	}
	if failKind == ErrorKindAgent && st.Attempt > 1 {
		failKind = ErrorKindExhausted
	}
	fx.settled = append(fx.settled, settledItem{key: key, workflowID: inst.WorkflowID, result: "failed", elapsed: elapsed})
	e.failStage(inst, st, failKind, err.Error(), fx)
}

// retryDelay is the exponential backoff before retrying after attempt.
func retryDelay(policy *workflow.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Backoff <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.Backoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = defaultMaxRetryBackoff
	if policy.MaxBackoff > 0 {
		b.MaxInterval = policy.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func missingOutputs(stage workflow.Stage, outputs map[string]any) []string {
	var missing []string
	for _, name := range stage.Outputs {
		if _, ok := outputs[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// stageInputs resolves a stage's input references against the workflow
// inputs and the accumulated outputs. Keys are the references as declared.
func stageInputs(inst *Instance, stage workflow.Stage) map[string]any {
	if len(stage.Inputs) == 0 {
		return nil
	}
	values := make(map[string]any, len(stage.Inputs))
	for _, raw := range stage.Inputs {
		ref := workflow.ParseInputRef(raw)
		if ref.Stage == "" {
			if value, ok := inst.Inputs[ref.Field]; ok {
				values[raw] = value
			}
			continue
		}
		if value, ok := inst.Output(ref.Stage, ref.Field); ok {
			values[raw] = value
		}
	}
	return values
}
