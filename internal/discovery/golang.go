package discovery

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/stageflow/internal/workflow"
)

const goDefinitionFunc = "WorkflowDefinitions"

// LoadGoDir interprets every .go file in dir and collects the definitions
// its WorkflowDefinitions function returns. Each file runs in its own
// interpreter with the standard library available.
func LoadGoDir(dir string) ([]Source, error) {
	paths, err := listFiles(dir, isGoFile)
	if err != nil {
		return nil, err
	}
	var sources []Source
	for _, path := range paths {
		fileSources, err := loadGoFile(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, fileSources...)
	}
	return sources, nil
}

func loadGoFile(path string) ([]Source, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("discovery: read %s: %w", path, err)
	}
	if strings.TrimSpace(string(code)) == "" {
		return nil, fmt.Errorf("discovery: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("discovery: load stdlib symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("discovery: interpret %s: %w", path, err)
	}
	fn, err := i.Eval(goDefinitionFunc)
	if err != nil {
		return nil, fmt.Errorf("discovery: %s must define %s() ([]map[string]any, error): %w", path, goDefinitionFunc, err)
	}
	raw, err := callDefinitionFunc(fn)
	if err != nil {
		return nil, fmt.Errorf("discovery: %s: %w", path, err)
	}
	sources := make([]Source, 0, len(raw))
	for idx, entry := range raw {
		payload, err := yaml.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("discovery: %s definition[%d]: %w", path, idx, err)
		}
		def, err := workflow.ParseDefinitionYAML(payload)
		if err != nil {
			return nil, fmt.Errorf("discovery: %s definition[%d]: %w", path, idx, err)
		}
		sources = append(sources, Source{Definition: def, Path: fmt.Sprintf("%s#%d", path, idx+1)})
	}
	return sources, nil
}

func callDefinitionFunc(fn reflect.Value) ([]map[string]any, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", goDefinitionFunc)
	}
	if fn.Type().NumIn() != 0 {
		return nil, fmt.Errorf("%s must take no arguments", goDefinitionFunc)
	}
	results := fn.Call(nil)
	if len(results) == 0 || len(results) > 2 {
		return nil, fmt.Errorf("%s must return ([]map[string]any[, error])", goDefinitionFunc)
	}
	if len(results) == 2 && !results[1].IsNil() {
		if err, ok := results[1].Interface().(error); ok {
			return nil, err
		}
		return nil, fmt.Errorf("%s returned a non-error second value", goDefinitionFunc)
	}
	list := results[0]
	if defs, ok := list.Interface().([]map[string]any); ok {
		return defs, nil
	}
	if list.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%s must return []map[string]any", goDefinitionFunc)
	}
	defs := make([]map[string]any, list.Len())
	for i := range defs {
		m, ok := list.Index(i).Interface().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not map[string]any", goDefinitionFunc, i)
		}
		defs[i] = m
	}
	return defs, nil
}
