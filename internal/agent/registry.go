package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Registry holds the tools available to an analysis run and validates
// call arguments against each tool's JSON schema before dispatch.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool and compiles its schema. Registering the same name
// twice is a programming error.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	schema, err := jsonschema.CompileString(name+".json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("compiling schema for tool %q: %w", name, err)
	}

	r.tools[name] = tool
	r.schemas[name] = schema
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Decls returns the tool declarations to advertise to the model, sorted
// by name for a stable prompt.
func (r *Registry) Decls() []ToolDecl {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decls := make([]ToolDecl, 0, len(r.tools))
	for _, tool := range r.tools {
		decls = append(decls, ToolDecl{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls
}

// ValidateArgs checks call arguments against the tool's compiled schema.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolError{Code: CodeUnknownTool, Message: fmt.Sprintf("unknown tool %q", name)}
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return &ToolError{Code: CodeBadToolArgs, Message: fmt.Sprintf("tool %q: arguments are not valid JSON: %v", name, err)}
	}

	if err := schema.Validate(decoded); err != nil {
		return &ToolError{Code: CodeBadToolArgs, Message: fmt.Sprintf("tool %q: %s", name, validationMessage(err))}
	}
	return nil
}

// validationMessage flattens a jsonschema validation error into a single
// line the model can act on.
func validationMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	// The leaf causes carry the actionable detail.
	leaves := leafCauses(ve)
	parts := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			parts = append(parts, leaf.Message)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ReplaceAll(loc, "/", "."), leaf.Message))
	}
	return strings.Join(parts, "; ")
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var leaves []*jsonschema.ValidationError
	for _, cause := range ve.Causes {
		leaves = append(leaves, leafCauses(cause)...)
	}
	return leaves
}
