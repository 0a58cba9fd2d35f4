package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	openai "github.com/sashabaranov/go-openai"
)

// Planning-loop prompt scaffolding. The contract is strict because the
// backing model gets no structured tool schema: everything rides on the
// prompt.
const planContract = "You cannot use native tool calling. Reply with a single JSON object and nothing else. " +
	"The object must contain exactly one of these keys:\n" +
	"- \"tool_calls\": a list of {\"name\": \"<tool>\", \"arguments\": {...}} objects to run tools\n" +
	"- \"final\": the final answer text for the user\n" +
	"No prose, no Markdown fences, no keys other than the one you choose.\n\n" +
	"Available tools (required arguments marked *):\n"

const planCorrective = "Your last reply was not the required JSON object. " +
	"Reply with a single JSON object containing exactly one of \"tool_calls\" or \"final\"."

const planEmpty = "The JSON object contained neither tool_calls nor final. " +
	"Reply again with exactly one of them."

const planFailed = "LLM error: the model could not produce a valid tool plan."

// maxPlanParseFailures aborts the turn after this many consecutive
// unparseable replies.
const maxPlanParseFailures = 2

// runPlanLoop drives the JSON tool-planning strategy for models without
// native tool calling. Same state machine as the native loop; tool calls
// are parsed out of the model's own JSON and results re-injected as
// system messages.
func (a *Agent) runPlanLoop(ctx context.Context, t *turn) string {
	if t.cancelled(ctx) {
		return msgStopped
	}
	if t.registry.Empty() {
		res, err := a.chat(ctx, a.settings.ReasoningModel, t, false)
		if err != nil {
			return fmt.Sprintf("LLM error: %v", err)
		}
		return strings.TrimSpace(res.Content)
	}

	t.addSystem(planContract + t.registry.PlanCatalog())

	parseFailures := 0
	for step := 0; step < t.budget; step++ {
		if t.cancelled(ctx) {
			return msgStopped
		}

		res, err := a.chat(ctx, a.settings.ReasoningModel, t, false)
		if err != nil {
			return fmt.Sprintf("LLM error: %v", err)
		}
		content := strings.TrimSpace(res.Content)

		parsed, err := parsePlan(content)
		if err != nil {
			parseFailures++
			if parseFailures >= maxPlanParseFailures {
				return planFailed
			}
			t.addSystem(planCorrective)
			continue
		}
		parseFailures = 0

		if len(parsed.calls) == 0 {
			if parsed.final != "" {
				return a.finishWithTextModel(ctx, t, parsed.final)
			}
			if !t.usedTools && !t.forcedRetry && a.policy.ForceToolUse(t.userMessage) {
				t.forcedRetry = true
				t.addSystem(promptDemandTool)
				continue
			}
			t.addSystem(planEmpty)
			continue
		}

		if t.lastCalls != nil && sameInvocations(parsed.calls, t.lastCalls) {
			t.addSystem(promptStopRepeating)
			break
		}

		t.usedTools = true
		t.messages = append(t.messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: content,
		})
		t.lastCalls = parsed.calls

		if stopped := a.executeInvocations(ctx, t, parsed.calls, true); stopped {
			return msgStopped
		}
		if !t.summaryPrompted {
			t.addSystem(promptExplainTools)
			t.summaryPrompted = true
		}
	}

	return a.forcedFinalization(ctx, t)
}

type parsedPlan struct {
	calls []Invocation
	final string
}

type planEnvelope struct {
	ToolCalls []planCall      `json:"tool_calls"`
	Final     json.RawMessage `json:"final"`
}

type planCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parsePlan extracts the planning contract's JSON object from a model
// reply: strip code fences, take the outermost braces, deserialize, with
// one repair pass for near-JSON.
func parsePlan(content string) (*parsedPlan, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("agent: no JSON object in plan reply")
	}

	var env planEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("agent: plan not parseable: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &env); err != nil {
			return nil, fmt.Errorf("agent: plan not parseable: %w", err)
		}
	}

	out := &parsedPlan{}
	for i, call := range env.ToolCalls {
		args := strings.TrimSpace(string(call.Arguments))
		if args == "" || args == "null" {
			args = "{}"
		}
		out.calls = append(out.calls, Invocation{
			ID:        fmt.Sprintf("plan_%d", i),
			Name:      call.Name,
			Arguments: args,
		})
	}
	if len(env.Final) > 0 {
		var text string
		if err := json.Unmarshal(env.Final, &text); err == nil {
			out.final = strings.TrimSpace(text)
		} else {
			out.final = strings.TrimSpace(string(env.Final))
		}
	}
	return out, nil
}

// extractJSONObject strips Markdown fences and returns the outermost
// {...} span, or empty when none exists.
func extractJSONObject(content string) string {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
