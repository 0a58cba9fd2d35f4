package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaValidator struct {
	schema *jsonschema.Schema
}

// compileSchema compiles a tool's parameter schema once at registry build.
// A nil schema validates everything.
func compileSchema(name string, params map[string]any) (*schemaValidator, error) {
	if params == nil {
		return &schemaValidator{}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("inline://tool/%s.json", name)
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	return &schemaValidator{schema: schema}, nil
}

func (v *schemaValidator) validate(args map[string]any) error {
	if v == nil || v.schema == nil {
		return nil
	}
	return v.schema.Validate(args)
}

// Execute runs one tool invocation and always returns text. Unknown
// tools, unparseable arguments, schema violations, handler errors, and
// handler panics all become tool-result strings; nothing escapes to the
// loop.
func (r *Registry) Execute(ctx context.Context, name, rawArgs string) string {
	if name == "" || !r.Has(name) {
		return fmt.Sprintf("Unknown tool: %s", name)
	}
	spec := r.byName[name]

	args, ok := parseArgs(rawArgs)
	if !ok {
		return "Invalid tool arguments."
	}
	if err := r.validators[name].validate(args); err != nil {
		return "Invalid tool arguments."
	}

	return runHandler(ctx, spec, args)
}

func runHandler(ctx context.Context, spec *ToolSpec, args map[string]any) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			out = fmt.Sprintf("Tool %s failed: %v", spec.Name, rec)
		}
	}()
	result, err := spec.Handler(ctx, args)
	if err != nil {
		return fmt.Sprintf("Tool %s failed: %v", spec.Name, err)
	}
	return result
}

// parseArgs accepts empty input, a JSON object, or near-JSON the repair
// pass can fix (single quotes, trailing commas, unquoted keys).
func parseArgs(raw string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, true
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args, true
	}

	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil || args == nil {
		return nil, false
	}
	return args, true
}
