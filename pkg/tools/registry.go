// Package tools holds the tool registry, the built-in tools and the executor
// that turns tool.requested events into results.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrDuplicateTool    = errors.New("duplicate tool name")
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Descriptor advertises a tool to planners and permission checks.
type Descriptor struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Source          string         `json:"source"`
	PermissionScope string         `json:"permission_scope"`
	InputSchema     map[string]any `json:"input_schema"`
}

type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, arguments map[string]any) (map[string]any, error)
}

// ExecutionError is a structured tool failure reported back to the run.
type ExecutionError struct {
	Code string
}

func (e *ExecutionError) Error() string {
	return e.Code
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

type registered struct {
	tool   Tool
	schema *gojsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]registered{}}
}

// Register adds tool, compiling its input schema once.
func (r *Registry) Register(tool Tool) error {
	descriptor := tool.Descriptor()

	var schema *gojsonschema.Schema

	if descriptor.InputSchema != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(descriptor.InputSchema))
		if err != nil {
			return fmt.Errorf("failed to compile input schema for %s: %w", descriptor.Name, err)
		}

		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[descriptor.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, descriptor.Name)
	}

	r.tools[descriptor.Name] = registered{tool: tool, schema: schema}

	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tools[name]

	return entry.tool, ok
}

// Descriptors returns every registered descriptor ordered by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]Descriptor, 0, len(r.tools))
	for _, entry := range r.tools {
		descriptors = append(descriptors, entry.tool.Descriptor())
	}

	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })

	return descriptors
}

// ValidateArguments checks arguments against the tool's input schema.
func (r *Registry) ValidateArguments(name string, arguments map[string]any) error {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if entry.schema == nil {
		return nil
	}

	result, err := entry.schema.Validate(gojsonschema.NewGoLoader(arguments))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			messages = append(messages, resultErr.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(messages, "; "))
	}

	return nil
}
