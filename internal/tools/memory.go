package tools

import (
	"context"
	"strings"

	"valet/internal/agent"
)

// memoryAppendTool accretes short facts into the global_memory setting,
// which the context builder folds into every system prompt.
func (d Deps) memoryAppendTool() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "memory_append",
		Description: "Append a short preference or fact to global memory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			text := strings.TrimSpace(stringArg(args, "text"))
			if text == "" {
				return "Provide memory text to append.", nil
			}
			line := text
			if !strings.HasPrefix(line, "-") {
				line = "- " + line
			}
			current, _ := d.Store.GetSetting("global_memory")
			updated := strings.TrimSpace(current)
			if updated != "" {
				updated += "\n" + line
			} else {
				updated = line
			}
			if err := d.Store.SetSetting("global_memory", updated); err != nil {
				return "", err
			}
			return "Global memory updated.", nil
		},
	}
}
