package engine

import (
	"context"
	"time"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/gate"
	"github.com/kingrea/stageflow/internal/workflow/resolver"
)

// Status is the queryable view of one instance.
type Status struct {
	InstanceID        string                  `json:"instance_id"`
	WorkflowID        string                  `json:"workflow_id"`
	DefinitionVersion int                     `json:"definition_version"`
	Status            workflow.InstanceStatus `json:"status"`
	Version           int64                   `json:"version"`
	Inputs            map[string]any          `json:"inputs,omitempty"`
	Stages            []StageView             `json:"stages"`
	PendingApprovals  []PendingApproval       `json:"pending_approvals,omitempty"`
	Failure           *Failure                `json:"failure,omitempty"`
	CancelReason      string                  `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	StartedAt         time.Time               `json:"started_at,omitempty"`
	UpdatedAt         time.Time               `json:"updated_at"`
	EndedAt           time.Time               `json:"ended_at,omitempty"`
}

// StageView describes one stage of an instance.
type StageView struct {
	Name       string               `json:"name"`
	Agent      string               `json:"agent,omitempty"`
	Layer      int                  `json:"layer"`
	Status     workflow.StageStatus `json:"status"`
	Attempt    int                  `json:"attempt,omitempty"`
	Dispatched bool                 `json:"dispatched,omitempty"`
	RetryAt    time.Time            `json:"retry_at,omitempty"`
	StartedAt  time.Time            `json:"started_at,omitempty"`
	EndedAt    time.Time            `json:"ended_at,omitempty"`
	Outputs    map[string]any       `json:"outputs,omitempty"`
	Error      *ErrorDetail         `json:"error,omitempty"`
	// BlockedBy lists unfinished dependencies of a pending stage.
	BlockedBy []string `json:"blocked_by,omitempty"`
	GateID    string   `json:"gate_id,omitempty"`
}

// PendingApproval describes an open gate.
type PendingApproval struct {
	GateID      string          `json:"gate_id"`
	Stage       string          `json:"stage"`
	Approvers   []string        `json:"approvers"`
	Outstanding []string        `json:"outstanding,omitempty"`
	Approvals   int             `json:"approvals"`
	Quorum      int             `json:"quorum"`
	Decisions   []gate.Decision `json:"decisions,omitempty"`
	OpenedAt    time.Time       `json:"opened_at"`
	Deadline    time.Time       `json:"deadline,omitempty"`
}

// GetStatus reports the instance status, every stage and the open gates.
func (e *Engine) GetStatus(ctx context.Context, id string) (Status, error) {
	inst, err := e.loadInstance(ctx, id)
	if err != nil {
		return Status{}, err
	}
	def, err := e.definitionFor(ctx, &inst)
	if err != nil {
		return Status{}, err
	}
	return buildStatus(inst, def), nil
}

// Instance returns the stored record of an instance.
func (e *Engine) Instance(ctx context.Context, id string) (Instance, error) {
	return e.loadInstance(ctx, id)
}

func buildStatus(inst Instance, def workflow.WorkflowDefinition) Status {
	status := Status{
		InstanceID:        inst.ID,
		WorkflowID:        inst.WorkflowID,
		DefinitionVersion: inst.DefinitionVersion,
		Status:            inst.Status,
		Version:           inst.Version,
		Inputs:            cloneValues(inst.Inputs),
		CancelReason:      inst.CancelReason,
		CreatedAt:         inst.CreatedAt,
		StartedAt:         inst.StartedAt,
		UpdatedAt:         inst.UpdatedAt,
		EndedAt:           inst.EndedAt,
	}
	if inst.Failure != nil {
		failure := *inst.Failure
		status.Failure = &failure
	}
	var res *resolver.Resolver
	if r, err := resolver.New(def); err == nil {
		r.Refresh(inst.StageStatuses())
		res = r
	}
	for _, st := range inst.Stages {
		view := StageView{
			Name:       st.Stage,
			Status:     st.Status,
			Attempt:    st.Attempt,
			Dispatched: st.Dispatched,
			RetryAt:    st.RetryAt,
			StartedAt:  st.StartedAt,
			EndedAt:    st.EndedAt,
			Outputs:    cloneValues(st.Outputs),
			GateID:     st.GateID,
		}
		if stage, ok := def.Stage(st.Stage); ok {
			view.Agent = stage.Agent
		}
		if st.Error != nil {
			detail := *st.Error
			view.Error = &detail
		}
		if res != nil {
			if node, ok := res.Node(st.Stage); ok {
				view.Layer = node.Layer
				if node.State == resolver.NodeStateBlocked {
					view.BlockedBy = append([]string(nil), node.BlockedBy...)
				}
			}
		}
		status.Stages = append(status.Stages, view)
	}
	if inst.Status.IsTerminal() {
		return status
	}
	for _, g := range inst.Gates {
		if g.Status != gate.StatusAwaiting {
			continue
		}
		status.PendingApprovals = append(status.PendingApprovals, PendingApproval{
			GateID:      g.ID,
			Stage:       g.Stage,
			Approvers:   append([]string(nil), g.RequiredApprovers...),
			Outstanding: g.Outstanding(),
			Approvals:   g.Approvals(),
			Quorum:      g.Quorum,
			Decisions:   append([]gate.Decision(nil), g.Decisions...),
			OpenedAt:    g.OpenedAt,
			Deadline:    g.Deadline,
		})
	}
	return status
}

// Stage returns the view of the named stage.
func (s Status) Stage(name string) (StageView, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageView{}, false
}
