// internal/workflow/workflow.go
//
// Defines the state directory structure and file constants.
// All engine state lives under .stageflow/ unless configured otherwise.

package workflow

import (
	"os"
	"path/filepath"
)

// DefaultStateDir is the project-relative state directory.
const DefaultStateDir = ".stageflow"

// Directory names within the state directory
const (
	DefinitionsDir = "definitions"
	InstancesDir   = "instances"
	LogsDir        = "logs"
)

// File names
const (
	FileConfig = "config.yaml"
	FileLog    = "stageflow.log"
	FileEvents = "events.jsonl"
)

// Layout resolves paths inside a state directory.
type Layout struct {
	root string
}

// NewLayout creates a layout rooted at dir. An empty dir uses
// DefaultStateDir.
func NewLayout(dir string) Layout {
	if dir == "" {
		dir = DefaultStateDir
	}
	return Layout{root: dir}
}

// Root returns the state directory.
func (l Layout) Root() string {
	return l.root
}

// DefinitionsDir returns the directory holding stored definition versions.
func (l Layout) DefinitionsDir() string {
	return filepath.Join(l.root, DefinitionsDir)
}

// DefinitionDir returns the directory for every version of one definition.
func (l Layout) DefinitionDir(id string) string {
	return filepath.Join(l.DefinitionsDir(), id)
}

// InstancesDir returns the directory holding instance records.
func (l Layout) InstancesDir() string {
	return filepath.Join(l.root, InstancesDir)
}

// InstancePath returns the JSON record path for an instance.
func (l Layout) InstancePath(id string) string {
	return filepath.Join(l.InstancesDir(), id+".json")
}

// LogsDir returns the log directory.
func (l Layout) LogsDir() string {
	return filepath.Join(l.root, LogsDir)
}

// LogPath returns the engine log file path.
func (l Layout) LogPath() string {
	return filepath.Join(l.LogsDir(), FileLog)
}

// EventsPath returns the event journal path.
func (l Layout) EventsPath() string {
	return filepath.Join(l.LogsDir(), FileEvents)
}

// ConfigPath returns the project config path.
func (l Layout) ConfigPath() string {
	return filepath.Join(l.root, FileConfig)
}

// EnsureDirs creates every directory of the layout.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.root, l.DefinitionsDir(), l.InstancesDir(), l.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether the state directory exists.
func (l Layout) Exists() bool {
	return fileExistsAt(l.root)
}

func fileExistsAt(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
