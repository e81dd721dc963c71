package engine

import (
	"context"
	"errors"

	"github.com/kingrea/stageflow/internal/workflow"
)

var (
	// ErrNotFound is returned when a definition or instance does not exist.
	ErrNotFound = errors.New("workflow engine: not found")
	// ErrVersionConflict is returned by SaveInstance when the stored version
	// no longer matches the expected version.
	ErrVersionConflict = errors.New("workflow engine: version conflict")
)

// InstanceStore persists workflow instances with optimistic concurrency.
// SaveInstance must store inst only when the current record's Version equals
// expectedVersion, or when no record exists and expectedVersion is zero.
type InstanceStore interface {
	LoadInstance(ctx context.Context, id string) (Instance, error)
	SaveInstance(ctx context.Context, inst Instance, expectedVersion int64) error
}

// DefinitionStore persists immutable, versioned workflow definitions.
// SaveDefinition assigns the next version for the definition ID and returns
// the stored copy. LoadDefinition with version zero returns the latest.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def workflow.WorkflowDefinition) (workflow.WorkflowDefinition, error)
	LoadDefinition(ctx context.Context, id string, version int) (workflow.WorkflowDefinition, error)
}

// InstanceLister enumerates stored instances for resume after restart.
type InstanceLister interface {
	ListInstances(ctx context.Context) ([]string, error)
}

// Store bundles every persistence contract the engine uses.
type Store interface {
	InstanceStore
	DefinitionStore
	InstanceLister
}
