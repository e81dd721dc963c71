package gate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/stageflow/internal/workflow"
)

var (
	// ErrDuplicateApprover is returned when an approver decides twice.
	ErrDuplicateApprover = errors.New("gate: approver already recorded a decision")
	// ErrUnauthorizedApprover is returned for approvers outside the required set.
	ErrUnauthorizedApprover = errors.New("gate: approver is not authorized")
	// ErrGateClosed is returned when the gate or its instance already resolved.
	ErrGateClosed = errors.New("gate: gate is closed")
)

// Status is the lifecycle of an approval gate.
type Status string

const (
	StatusAwaiting  Status = "awaiting_approval"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusTimedOut  Status = "timed_out"
	StatusWithdrawn Status = "withdrawn"
)

// IsTerminal reports whether the gate resolved.
func (s Status) IsTerminal() bool {
	return s != StatusAwaiting && s != ""
}

// Verdict is a single approver's decision.
type Verdict string

const (
	Approve Verdict = "approve"
	Reject  Verdict = "reject"
)

// ParseVerdict accepts approve/approved and reject/rejected.
func ParseVerdict(raw string) (Verdict, error) {
	switch raw {
	case "approve", "approved":
		return Approve, nil
	case "reject", "rejected":
		return Reject, nil
	default:
		return "", fmt.Errorf("gate: unknown verdict %q", raw)
	}
}

// Decision records one approver's verdict.
type Decision struct {
	ApproverID string    `json:"approver_id"`
	Verdict    Verdict   `json:"verdict"`
	Comment    string    `json:"comment,omitempty"`
	At         time.Time `json:"at"`
}

// Instance is the persisted state of one gate for one workflow instance.
type Instance struct {
	ID                string     `json:"id"`
	InstanceID        string     `json:"instance_id"`
	Stage             string     `json:"stage"`
	RequiredApprovers []string   `json:"required_approvers"`
	Quorum            int        `json:"quorum"`
	Decisions         []Decision `json:"decisions,omitempty"`
	OpenedAt          time.Time  `json:"opened_at"`
	// Deadline is zero when the gate never times out.
	Deadline   time.Time `json:"deadline,omitempty"`
	Status     Status    `json:"status"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// ID returns the gate identifier for a stage of a workflow instance.
func ID(instanceID, stage string) string {
	return instanceID + "/" + stage
}

// ParseID splits a gate identifier into its instance and stage.
func ParseID(id string) (instanceID, stage string, ok bool) {
	instanceID, stage, ok = strings.Cut(id, "/")
	if !ok || instanceID == "" || stage == "" {
		return "", "", false
	}
	return instanceID, stage, true
}

// Open creates an awaiting gate from a stage's approval config.
func Open(instanceID, stage string, cfg workflow.ApprovalGate, now time.Time) Instance {
	quorum := cfg.Quorum
	if quorum <= 0 {
		quorum = len(cfg.Approvers)
	}
	g := Instance{
		ID:                ID(instanceID, stage),
		InstanceID:        instanceID,
		Stage:             stage,
		RequiredApprovers: append([]string(nil), cfg.Approvers...),
		Quorum:            quorum,
		OpenedAt:          now,
		Status:            StatusAwaiting,
	}
	if cfg.Timeout > 0 {
		g.Deadline = now.Add(cfg.Timeout)
	}
	return g
}

// Clone returns a deep copy of the gate.
func (g Instance) Clone() Instance {
	clone := g
	clone.RequiredApprovers = append([]string(nil), g.RequiredApprovers...)
	if len(g.Decisions) > 0 {
		clone.Decisions = append([]Decision(nil), g.Decisions...)
	}
	return clone
}

// Record applies a decision and returns the resulting status. Errors leave
// the gate untouched. A single reject resolves the gate as rejected; approve
// decisions resolve it once Quorum approvals have been collected.
func (g *Instance) Record(approverID string, verdict Verdict, comment string, now time.Time) (Status, error) {
	if g.Status.IsTerminal() {
		return g.Status, fmt.Errorf("%w: %s is %s", ErrGateClosed, g.ID, g.Status)
	}
	if verdict != Approve && verdict != Reject {
		return g.Status, fmt.Errorf("gate: unknown verdict %q", verdict)
	}
	if !g.authorized(approverID) {
		return g.Status, fmt.Errorf("%w: %q on %s", ErrUnauthorizedApprover, approverID, g.ID)
	}
	if g.hasDecided(approverID) {
		return g.Status, fmt.Errorf("%w: %q on %s", ErrDuplicateApprover, approverID, g.ID)
	}
	g.Decisions = append(g.Decisions, Decision{ApproverID: approverID, Verdict: verdict, Comment: comment, At: now})
	switch {
	case verdict == Reject:
		g.resolve(StatusRejected, now)
	case g.Approvals() >= g.Quorum:
		g.resolve(StatusApproved, now)
	}
	return g.Status, nil
}

// Expire resolves an awaiting gate as timed out when now has reached the
// deadline. It reports whether the gate transitioned.
func (g *Instance) Expire(now time.Time) bool {
	if !g.Expired(now) {
		return false
	}
	g.resolve(StatusTimedOut, now)
	return true
}

// Withdraw closes an awaiting gate without a decision, for instances that
// ended before the gate resolved. It reports whether the gate transitioned.
func (g *Instance) Withdraw(now time.Time) bool {
	if g.Status != StatusAwaiting {
		return false
	}
	g.resolve(StatusWithdrawn, now)
	return true
}

// Expired reports whether an awaiting gate is past its deadline.
func (g Instance) Expired(now time.Time) bool {
	return g.Status == StatusAwaiting && !g.Deadline.IsZero() && !now.Before(g.Deadline)
}

// Approvals counts approve decisions.
func (g Instance) Approvals() int {
	count := 0
	for _, d := range g.Decisions {
		if d.Verdict == Approve {
			count++
		}
	}
	return count
}

// Outstanding returns approvers who have not decided yet.
func (g Instance) Outstanding() []string {
	var out []string
	for _, approver := range g.RequiredApprovers {
		if !g.hasDecided(approver) {
			out = append(out, approver)
		}
	}
	return out
}

// Rejection returns the rejecting decision, if any.
func (g Instance) Rejection() (Decision, bool) {
	for _, d := range g.Decisions {
		if d.Verdict == Reject {
			return d, true
		}
	}
	return Decision{}, false
}

func (g *Instance) resolve(status Status, now time.Time) {
	g.Status = status
	g.ResolvedAt = now
}

func (g Instance) authorized(approverID string) bool {
	for _, approver := range g.RequiredApprovers {
		if approver == approverID {
			return true
		}
	}
	return false
}

func (g Instance) hasDecided(approverID string) bool {
	for _, d := range g.Decisions {
		if d.ApproverID == approverID {
			return true
		}
	}
	return false
}
