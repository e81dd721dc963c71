package workflow

// InstanceStatus captures the lifecycle of a workflow instance.
type InstanceStatus string

const (
	InstancePending          InstanceStatus = "pending"
	InstanceRunning          InstanceStatus = "running"
	InstanceAwaitingApproval InstanceStatus = "awaiting_approval"
	InstanceFailed           InstanceStatus = "failed"
	InstanceRejected         InstanceStatus = "rejected"
	InstanceTimedOut         InstanceStatus = "timed_out"
	InstanceCancelled        InstanceStatus = "cancelled"
	InstanceCompleted        InstanceStatus = "completed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceFailed, InstanceRejected, InstanceTimedOut, InstanceCancelled, InstanceCompleted:
		return true
	default:
		return false
	}
}

// StageStatus captures the lifecycle of one stage execution.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// IsTerminal reports whether the stage has settled.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageSucceeded, StageFailed, StageSkipped:
		return true
	default:
		return false
	}
}
