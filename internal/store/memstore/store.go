// Package memstore keeps definitions and instances in process memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

// Store persists engine state in memory with optimistic version checks.
type Store struct {
	mu        sync.RWMutex
	defs      map[string][]workflow.WorkflowDefinition
	instances map[string]engine.Instance
}

var _ engine.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		defs:      map[string][]workflow.WorkflowDefinition{},
		instances: map[string]engine.Instance{},
	}
}

func (s *Store) SaveDefinition(_ context.Context, def workflow.WorkflowDefinition) (workflow.WorkflowDefinition, error) {
	if def.ID == "" {
		return workflow.WorkflowDefinition{}, fmt.Errorf("memstore: definition id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := def.Clone()
	stored.Version = len(s.defs[def.ID]) + 1
	s.defs[def.ID] = append(s.defs[def.ID], stored)
	return stored.Clone(), nil
}

func (s *Store) LoadDefinition(_ context.Context, id string, version int) (workflow.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.defs[id]
	if len(versions) == 0 || version > len(versions) {
		return workflow.WorkflowDefinition{}, fmt.Errorf("%w: definition %s@%d", engine.ErrNotFound, id, version)
	}
	if version <= 0 {
		version = len(versions)
	}
	return versions[version-1].Clone(), nil
}

func (s *Store) LoadInstance(_ context.Context, id string) (engine.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return engine.Instance{}, fmt.Errorf("%w: instance %s", engine.ErrNotFound, id)
	}
	return inst.Clone(), nil
}

func (s *Store) SaveInstance(_ context.Context, inst engine.Instance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.instances[inst.ID]
	switch {
	case !exists && expectedVersion != 0:
		return fmt.Errorf("%w: instance %q does not exist, expected version %d",
			engine.ErrVersionConflict, inst.ID, expectedVersion)
	case exists && current.Version != expectedVersion:
		return fmt.Errorf("%w: instance %q is at version %d, expected %d",
			engine.ErrVersionConflict, inst.ID, current.Version, expectedVersion)
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *Store) ListInstances(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
