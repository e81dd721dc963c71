// Package discovery finds workflow definitions in a project directory. YAML
// files are parsed directly; Go files are interpreted and must declare
// WorkflowDefinitions() ([]map[string]any, error).
package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/stageflow/internal/workflow"
)

// Source pairs a parsed definition with the file it came from. Definitions
// produced by a Go file carry a "#n" suffix on the path.
type Source struct {
	Definition workflow.WorkflowDefinition
	Path       string
}

// LoadDir collects every YAML and Go definition under dir. A missing
// directory yields no sources. Two sources declaring the same id are an
// error.
func LoadDir(dir string) ([]Source, error) {
	yamlSources, err := LoadYAMLDir(dir)
	if err != nil {
		return nil, err
	}
	goSources, err := LoadGoDir(dir)
	if err != nil {
		return nil, err
	}
	sources := append(yamlSources, goSources...)
	seen := make(map[string]string, len(sources))
	for _, src := range sources {
		if existing, ok := seen[src.Definition.ID]; ok {
			return nil, fmt.Errorf("discovery: duplicate workflow id %s (%s and %s)", src.Definition.ID, existing, src.Path)
		}
		seen[src.Definition.ID] = src.Path
	}
	return sources, nil
}

// LoadYAMLDir parses every *.yaml and *.yml file in dir.
func LoadYAMLDir(dir string) ([]Source, error) {
	names, err := listFiles(dir, isYAMLFile)
	if err != nil {
		return nil, err
	}
	sources := make([]Source, 0, len(names))
	for _, path := range names {
		def, err := workflow.LoadDefinitionFile(path)
		if err != nil {
			return nil, fmt.Errorf("discovery: %w", err)
		}
		sources = append(sources, Source{Definition: def, Path: path})
	}
	return sources, nil
}

func listFiles(dir string, match func(string) bool) ([]string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("discovery: read %s: %w", trimmed, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !match(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(trimmed, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

func isGoFile(name string) bool {
	return filepath.Ext(name) == ".go" && !strings.HasSuffix(name, "_test.go")
}
