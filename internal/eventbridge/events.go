package eventbridge

import (
	"errors"
	"strings"
	"time"

	"github.com/kingrea/stageflow/internal/agent"
	"github.com/kingrea/stageflow/internal/workflow/gate"
)

// ProtocolVersion identifies the bridge contract version exposed via /health.
const ProtocolVersion = "1.0.0"

// CompletionRequest is posted by external workers when a stage attempt
// finishes. Error, when set, fails the attempt.
type CompletionRequest struct {
	InstanceID string           `json:"instance_id"`
	Stage      string           `json:"stage"`
	Attempt    int              `json:"attempt"`
	Outputs    map[string]any   `json:"outputs,omitempty"`
	Error      *CompletionError `json:"error,omitempty"`
}

// CompletionError describes a failed attempt. Permanent failures skip the
// stage's retry policy.
type CompletionError struct {
	Message   string `json:"message"`
	Permanent bool   `json:"permanent,omitempty"`
}

func (r *CompletionRequest) normalize() {
	r.InstanceID = strings.TrimSpace(r.InstanceID)
	r.Stage = strings.TrimSpace(r.Stage)
}

func (r CompletionRequest) validate() error {
	if r.InstanceID == "" {
		return errors.New("instance_id is required")
	}
	if r.Stage == "" {
		return errors.New("stage is required")
	}
	if r.Attempt <= 0 {
		return errors.New("attempt must be >= 1")
	}
	return nil
}

// Completion converts the request into the engine's completion record.
func (r CompletionRequest) Completion() agent.Completion {
	c := agent.Completion{Outputs: r.Outputs}
	if r.Error != nil {
		message := strings.TrimSpace(r.Error.Message)
		if message == "" {
			message = "agent reported failure"
		}
		err := errors.New(message)
		if r.Error.Permanent {
			err = agent.Permanent(err)
		}
		c.Err = err
	}
	return c
}

// ApprovalRequest carries one approver's decision on a gate.
type ApprovalRequest struct {
	GateID   string `json:"gate_id"`
	Approver string `json:"approver"`
	// Verdict is approve or reject.
	Verdict string `json:"verdict"`
	Comment string `json:"comment,omitempty"`
}

func (r *ApprovalRequest) normalize() {
	r.GateID = strings.TrimSpace(r.GateID)
	r.Approver = strings.TrimSpace(r.Approver)
	r.Verdict = strings.ToLower(strings.TrimSpace(r.Verdict))
}

func (r ApprovalRequest) validate() (gate.Verdict, error) {
	if r.GateID == "" {
		return "", errors.New("gate_id is required")
	}
	if r.Approver == "" {
		return "", errors.New("approver is required")
	}
	return gate.ParseVerdict(r.Verdict)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type acceptedResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"server_time"`
}

type errorResponse struct {
	Error string `json:"error"`
}
