// Package filestore persists definitions and instances as JSON files inside
// the state directory.
//
//	<state_dir>/definitions/<id>/<version>.json
//	<state_dir>/instances/<id>.json
//
// Instance writes go through a temp file and rename. Version checks are
// serialised by a mutex, so a state directory must be owned by one process.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

// Store reads and writes engine records under a workflow.Layout.
type Store struct {
	layout workflow.Layout
	mu     sync.Mutex
}

var _ engine.Store = (*Store)(nil)

// New creates a store rooted at the layout, creating its directories.
func New(layout workflow.Layout) (*Store, error) {
	if err := layout.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("filestore: prepare %s: %w", layout.Root(), err)
	}
	return &Store{layout: layout}, nil
}

// SaveDefinition writes def as the next version of its ID.
func (s *Store) SaveDefinition(_ context.Context, def workflow.WorkflowDefinition) (workflow.WorkflowDefinition, error) {
	if err := checkName(def.ID); err != nil {
		return workflow.WorkflowDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.layout.DefinitionDir(def.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return workflow.WorkflowDefinition{}, err
	}
	versions, err := definitionVersions(dir)
	if err != nil {
		return workflow.WorkflowDefinition{}, err
	}
	stored := def.Clone()
	stored.Version = 1
	if len(versions) > 0 {
		stored.Version = versions[len(versions)-1] + 1
	}
	encoded, err := encode(stored)
	if err != nil {
		return workflow.WorkflowDefinition{}, err
	}
	// O_EXCL keeps an existing version from being overwritten.
	f, err := os.OpenFile(definitionPath(dir, stored.Version), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return workflow.WorkflowDefinition{}, err
	}
	if _, err := f.Write(encoded); err != nil {
		f.Close()
		return workflow.WorkflowDefinition{}, err
	}
	if err := f.Close(); err != nil {
		return workflow.WorkflowDefinition{}, err
	}
	return stored, nil
}

// LoadDefinition reads one version of a definition. Version zero loads the
// latest.
func (s *Store) LoadDefinition(_ context.Context, id string, version int) (workflow.WorkflowDefinition, error) {
	if err := checkName(id); err != nil {
		return workflow.WorkflowDefinition{}, err
	}
	dir := s.layout.DefinitionDir(id)
	if version <= 0 {
		versions, err := definitionVersions(dir)
		if err != nil {
			return workflow.WorkflowDefinition{}, err
		}
		if len(versions) == 0 {
			return workflow.WorkflowDefinition{}, fmt.Errorf("%w: definition %s", engine.ErrNotFound, id)
		}
		version = versions[len(versions)-1]
	}
	var def workflow.WorkflowDefinition
	if err := readJSON(definitionPath(dir, version), &def); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return workflow.WorkflowDefinition{}, fmt.Errorf("%w: definition %s@%d", engine.ErrNotFound, id, version)
		}
		return workflow.WorkflowDefinition{}, err
	}
	return def, nil
}

// LoadInstance reads an instance record.
func (s *Store) LoadInstance(_ context.Context, id string) (engine.Instance, error) {
	if err := checkName(id); err != nil {
		return engine.Instance{}, err
	}
	var inst engine.Instance
	if err := readJSON(s.layout.InstancePath(id), &inst); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return engine.Instance{}, fmt.Errorf("%w: instance %s", engine.ErrNotFound, id)
		}
		return engine.Instance{}, err
	}
	return inst, nil
}

// SaveInstance replaces the record when its stored version matches.
func (s *Store) SaveInstance(_ context.Context, inst engine.Instance, expectedVersion int64) error {
	if err := checkName(inst.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.layout.InstancePath(inst.ID)
	var current engine.Instance
	err := readJSON(path, &current)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		if expectedVersion != 0 {
			return fmt.Errorf("%w: instance %q does not exist, expected version %d",
				engine.ErrVersionConflict, inst.ID, expectedVersion)
		}
	case err != nil:
		return err
	case current.Version != expectedVersion:
		return fmt.Errorf("%w: instance %q is at version %d, expected %d",
			engine.ErrVersionConflict, inst.ID, current.Version, expectedVersion)
	}
	encoded, err := encode(inst)
	if err != nil {
		return err
	}
	return writeAtomic(path, encoded)
}

// ListInstances returns the IDs of every stored instance in lexical order.
func (s *Store) ListInstances(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.layout.InstancesDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func definitionPath(dir string, version int) string {
	return filepath.Join(dir, strconv.Itoa(version)+".json")
}

func definitionVersions(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var versions []int
	for _, entry := range entries {
		n, err := strconv.Atoi(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil || entry.IsDir() || n <= 0 {
			continue
		}
		versions = append(versions, n)
	}
	sort.Ints(versions)
	return versions, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return engine.ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("filestore: decode %s: %w", path, err)
	}
	return nil
}

func encode(v any) ([]byte, error) {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(encoded, '\n'), nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// checkName rejects IDs that would escape their directory.
func checkName(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("filestore: invalid id %q", id)
	}
	return nil
}
