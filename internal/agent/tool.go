// Package agent runs the response orchestrator: it assembles prompt
// context, drives the tool-calling loop against the LLM, and reconciles
// tool output into a final answer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Handler executes one tool invocation and returns its textual result.
// Handlers report failures through the error return; the executor folds
// them into tool-result text so they never abort a turn.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// ToolSpec describes one tool: its wire schema and its handler.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
	Handler    Handler
}

// Registry is the set of tools assembled for one turn. Build order is
// preserved for the wire-format list; lookup is by name.
type Registry struct {
	specs []ToolSpec
	byName map[string]*ToolSpec
	validators map[string]*schemaValidator
}

// NewRegistry assembles a registry. Duplicate names are rejected so a
// conversation never exposes two tools under one name.
func NewRegistry(specs []ToolSpec) (*Registry, error) {
	r := &Registry{
		byName:     make(map[string]*ToolSpec, len(specs)),
		validators: make(map[string]*schemaValidator, len(specs)),
	}
	for i := range specs {
		spec := specs[i]
		if spec.Name == "" {
			return nil, fmt.Errorf("agent: tool with empty name")
		}
		if _, dup := r.byName[spec.Name]; dup {
			return nil, fmt.Errorf("agent: duplicate tool name %q", spec.Name)
		}
		r.specs = append(r.specs, spec)
		r.byName[spec.Name] = &r.specs[len(r.specs)-1]
		v, err := compileSchema(spec.Name, spec.Parameters)
		if err != nil {
			return nil, fmt.Errorf("agent: tool %q schema: %w", spec.Name, err)
		}
		r.validators[spec.Name] = v
	}
	return r, nil
}

// Empty reports whether no tools are registered.
func (r *Registry) Empty() bool { return r == nil || len(r.specs) == 0 }

// Names returns the registered tool names in build order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.specs))
	for i, s := range r.specs {
		names[i] = s.Name
	}
	return names
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[name]
	return ok
}

// WireTools renders the registry in the chat API's tool format.
func (r *Registry) WireTools() []openai.Tool {
	if r.Empty() {
		return nil
	}
	out := make([]openai.Tool, len(r.specs))
	for i, spec := range r.specs {
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// PlanCatalog renders the registry as the textual tool list embedded in
// the planning-loop prompt, where no structured schema reaches the model.
func (r *Registry) PlanCatalog() string {
	if r.Empty() {
		return ""
	}
	var out string
	for _, spec := range r.specs {
		out += fmt.Sprintf("- %s: %s", spec.Name, spec.Description)
		if keys, required := schemaKeys(spec.Parameters); len(keys) > 0 {
			out += fmt.Sprintf(" (arguments: %s", joinKeys(keys, required))
			out += ")"
		}
		out += "\n"
	}
	return out
}

func schemaKeys(params map[string]any) (keys []string, required map[string]bool) {
	required = make(map[string]bool)
	if params == nil {
		return nil, required
	}
	if req, ok := params["required"].([]string); ok {
		for _, k := range req {
			required[k] = true
		}
	} else if req, ok := params["required"].([]any); ok {
		for _, k := range req {
			if s, ok := k.(string); ok {
				required[s] = true
			}
		}
	}
	props, ok := params["properties"].(map[string]any)
	if !ok {
		return nil, required
	}
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, required
}

func joinKeys(keys []string, required map[string]bool) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += k
		if required[k] {
			out += "*"
		}
	}
	return out
}

// Invocation is the strategy-neutral tool-call shape. Native structured
// calls and planning-loop JSON entries both normalize to it, so execution
// and logging are shared.
type Invocation struct {
	ID        string
	Name      string
	Arguments string // raw JSON text
}

// invocationsFromWire converts accumulated native tool calls.
func invocationsFromWire(calls []openai.ToolCall) []Invocation {
	out := make([]Invocation, 0, len(calls))
	for _, tc := range calls {
		out = append(out, Invocation{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

// wireFromInvocations renders invocations back into the assistant-turn
// tool_calls field when recording a native turn.
func wireFromInvocations(calls []Invocation) []openai.ToolCall {
	out := make([]openai.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, openai.ToolCall{
			ID:   c.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      c.Name,
				Arguments: c.Arguments,
			},
		})
	}
	return out
}

// sameInvocations is the repetition check: exact, order-sensitive
// equality of name and argument text.
func sameInvocations(a, b []Invocation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Arguments != b[i].Arguments {
			return false
		}
	}
	return true
}

// prettyArgs renders raw argument text as indented JSON for the tool log,
// falling back to the raw text when it will not parse.
func prettyArgs(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "{}"
	}
	var data any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return trimmed
	}
	pretty, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return trimmed
	}
	return string(pretty)
}
