package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/validator"
)

// SubmitDefinition parses, validates and stores a YAML workflow definition.
// The result lists every validation error; invalid definitions are not
// stored and the returned error wraps ErrInvalidDefinition.
func (e *Engine) SubmitDefinition(ctx context.Context, source []byte) (validator.Result, error) {
	def, err := workflow.ParseDefinitionYAML(source)
	if err != nil {
		result := validator.ParseFailure(err)
		return result, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	return e.Submit(ctx, def)
}

// Submit validates and stores a definition built in code.
func (e *Engine) Submit(ctx context.Context, def workflow.WorkflowDefinition) (validator.Result, error) {
	def = def.Normalized()
	result := validator.Validate(def, e.agents)
	if !result.Valid() {
		return result, fmt.Errorf("%w: %w", ErrInvalidDefinition, result.Err())
	}
	var stored workflow.WorkflowDefinition
	err := e.withStoreRetry(ctx, "save definition", func() error {
		var err error
		stored, err = e.store.SaveDefinition(ctx, def)
		return err
	})
	if err != nil {
		return result, err
	}
	e.cacheDefinition(stored)
	result.Version = stored.Version
	e.logger.Info("definition stored", "workflow", stored.ID, "version", stored.Version, "stages", len(stored.Stages))
	return result, nil
}

// Definition loads a stored definition. Version zero selects the latest.
func (e *Engine) Definition(ctx context.Context, id string, version int) (workflow.WorkflowDefinition, error) {
	if version > 0 {
		if def, ok := e.cachedDefinition(id, version); ok {
			return def, nil
		}
	}
	var def workflow.WorkflowDefinition
	err := e.withStoreRetry(ctx, "load definition", func() error {
		var err error
		def, err = e.store.LoadDefinition(ctx, id, version)
		return err
	})
	if err != nil {
		return workflow.WorkflowDefinition{}, fmt.Errorf("workflow engine: definition %s: %w", definitionLabel(id, version), err)
	}
	e.cacheDefinition(def)
	return def.Clone(), nil
}

// TriggerWorkflow starts an instance of a stored definition and returns its
// ID. definitionID is "id" for the latest version or "id@version". Every
// declared workflow input must be present.
func (e *Engine) TriggerWorkflow(ctx context.Context, definitionID string, inputs map[string]any) (string, error) {
	id, version, err := ParseDefinitionRef(definitionID)
	if err != nil {
		return "", err
	}
	def, err := e.Definition(ctx, id, version)
	if err != nil {
		return "", err
	}
	var missing []string
	for _, name := range def.Inputs {
		if _, ok := inputs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: %s requires %s", ErrMissingInput, def.Key(), strings.Join(missing, ", "))
	}
	now := e.now()
	inst := Instance{
		ID:                e.newID(),
		WorkflowID:        def.ID,
		DefinitionVersion: def.Version,
		Status:            workflow.InstancePending,
		Inputs:            cloneValues(inputs),
		Stages:            make([]StageExecution, 0, len(def.Stages)),
		CreatedAt:         now,
		StartedAt:         now,
	}
	for _, stage := range def.Stages {
		inst.Stages = append(inst.Stages, StageExecution{Stage: stage.Name, Status: workflow.StagePending})
	}
	created, err := e.create(ctx, inst, func(inst *Instance, fx *effects) error {
		fx.started = true
		fx.emit(inst, Event{Type: EventInstanceTriggered, Status: string(inst.Status), Data: map[string]any{"version": def.Version}})
		e.advance(inst, def, fx)
		return nil
	})
	if err != nil {
		return "", err
	}
	e.logger.Info("instance triggered", "instance", created.ID, "workflow", def.ID, "version", def.Version)
	return created.ID, nil
}

// ParseDefinitionRef splits "id" or "id@version".
func ParseDefinitionRef(ref string) (string, int, error) {
	ref = strings.TrimSpace(ref)
	id, rawVersion, hasVersion := strings.Cut(ref, "@")
	if id == "" {
		return "", 0, fmt.Errorf("workflow engine: definition id is required")
	}
	if !hasVersion {
		return id, 0, nil
	}
	version, err := strconv.Atoi(rawVersion)
	if err != nil || version < 1 {
		return "", 0, fmt.Errorf("workflow engine: invalid definition version %q", rawVersion)
	}
	return id, version, nil
}

// definitionFor returns the definition version an instance runs.
func (e *Engine) definitionFor(ctx context.Context, inst *Instance) (workflow.WorkflowDefinition, error) {
	def, err := e.Definition(ctx, inst.WorkflowID, inst.DefinitionVersion)
	if errors.Is(err, ErrNotFound) {
		return workflow.WorkflowDefinition{}, fmt.Errorf("workflow engine: instance %s references missing definition: %w", inst.ID, err)
	}
	return def, err
}

func (e *Engine) cacheDefinition(def workflow.WorkflowDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[def.Key()] = def.Clone()
}

func (e *Engine) cachedDefinition(id string, version int) (workflow.WorkflowDefinition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.defs[definitionLabel(id, version)]
	if !ok {
		return workflow.WorkflowDefinition{}, false
	}
	return def.Clone(), true
}

func definitionLabel(id string, version int) string {
	if version <= 0 {
		return id
	}
	return fmt.Sprintf("%s@%d", id, version)
}
