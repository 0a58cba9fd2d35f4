package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"valet/internal/llm"
	"valet/pkg/models"
)

// runNativeLoop drives the structured tool-calling strategy: call the
// model with tool definitions, execute whatever it requests, feed results
// back, and repeat until it answers in prose or the budget runs out.
func (a *Agent) runNativeLoop(ctx context.Context, t *turn) string {
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

	for step := 0; step < t.budget; step++ {
		if t.cancelled(ctx) {
			return msgStopped
		}

		res, err := a.chat(ctx, a.settings.ReasoningModel, t, true)
		if errors.Is(err, llm.ErrToolChoiceUnsupported) {
			a.logger.Info("native tool calling unsupported, switching to planner",
				"conversation", t.conversationID)
			return a.runPlanLoop(ctx, t)
		}
		if errors.Is(err, llm.ErrMalformedToolCall) {
			res, err = a.retryAfterMalformedCall(ctx, t)
			if err != nil {
				return fmt.Sprintf("LLM error: %v", err)
			}
			if res == nil {
				// Second malformed response in a row; the retry helper
				// already produced a tools-off answer.
				return t.finalText
			}
		} else if err != nil {
			return fmt.Sprintf("LLM error: %v", err)
		}

		calls := invocationsFromWire(res.ToolCalls)
		content := strings.TrimSpace(res.Content)

		if len(calls) == 0 {
			if !t.usedTools && !t.forcedRetry && a.policy.ForceToolUse(t.userMessage) {
				t.forcedRetry = true
				t.addSystem(promptDemandTool)
				continue
			}
			return a.finishWithTextModel(ctx, t, content)
		}

		if t.lastCalls != nil && sameInvocations(calls, t.lastCalls) {
			t.addSystem(promptStopRepeating)
			break
		}

		t.usedTools = true
		t.messages = append(t.messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   res.Content,
			ToolCalls: wireFromInvocations(calls),
		})
		t.lastCalls = calls

		if stopped := a.executeInvocations(ctx, t, calls, false); stopped {
			return msgStopped
		}
		if !t.summaryPrompted {
			t.addSystem(promptExplainTools)
			t.summaryPrompted = true
		}
	}

	return a.forcedFinalization(ctx, t)
}

// retryAfterMalformedCall injects the strict-JSON corrective and retries
// once. A second malformed response degrades to a tools-off completion
// whose text lands in t.finalText (signalled by a nil result).
func (a *Agent) retryAfterMalformedCall(ctx context.Context, t *turn) (*llm.ChatResult, error) {
	t.addSystem(promptStrictJSON)
	res, err := a.chat(ctx, a.settings.ReasoningModel, t, true)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, llm.ErrMalformedToolCall) {
		return nil, err
	}
	t.addSystem(promptNoTools)
	final, err := a.chat(ctx, a.settings.TextModel, t, false)
	if err != nil {
		return nil, err
	}
	t.finalText = strings.TrimSpace(final.Content)
	if t.finalText == "" {
		t.finalText = "The model could not produce a valid tool call."
	}
	return nil, nil
}

// finishWithTextModel ends a turn whose last model response had no tool
// calls. When tools were used and a distinct text model is configured,
// one more completion produces the final prose.
func (a *Agent) finishWithTextModel(ctx context.Context, t *turn, content string) string {
	if t.usedTools && a.settings.TextModel != a.settings.ReasoningModel {
		t.addSystem(promptFinalAnswerNow)
		res, err := a.chat(ctx, a.settings.TextModel, t, false)
		if err != nil {
			return fmt.Sprintf("LLM error: %v", err)
		}
		if text := strings.TrimSpace(res.Content); text != "" {
			content = text
		}
	}
	return a.finalize(t, content)
}

// forcedFinalization produces the best available answer once the budget
// is exhausted or repetition was detected, with tools disabled.
func (a *Agent) forcedFinalization(ctx context.Context, t *turn) string {
	t.addSystem(promptBudgetReached)
	t.addSystem(promptNoTools)
	res, err := a.chat(ctx, a.settings.TextModel, t, false)
	if err != nil {
		return fmt.Sprintf("LLM error: %v", err)
	}
	return a.finalize(t, strings.TrimSpace(res.Content))
}

// executeInvocations runs one model turn's tool calls strictly in order,
// logging call and result as synthetic tool messages and feeding results
// back into the message list. asPlan switches result re-injection from
// tool-role messages to system messages (the planning loop has no
// tool_call_id concept). Returns true when cancellation was observed.
func (a *Agent) executeInvocations(ctx context.Context, t *turn, calls []Invocation, asPlan bool) bool {
	for _, call := range calls {
		if t.cancelled(ctx) {
			return true
		}
		name := call.Name
		if name == "" {
			name = "tool"
		}

		a.logToolMessage(t, formatToolCall(name, call.Arguments))
		if t.onToolEvent != nil && call.Name != "" {
			t.onToolEvent(call.Name, "call")
		}

		start := time.Now()
		result := t.registry.Execute(ctx, call.Name, call.Arguments)
		if a.metrics != nil {
			a.metrics.ObserveToolExecution(name, time.Since(start))
		}

		a.logToolMessage(t, formatToolResult(name, result))
		if t.onToolEvent != nil && call.Name != "" {
			t.onToolEvent(call.Name, "result")
		}

		if (call.Name == "web_search" || call.Name == "news_search") &&
			strings.HasPrefix(strings.ToLower(strings.TrimSpace(result)), "sources:") {
			t.latestSources = result
		}
		if call.Name != "" {
			t.toolSummaries = append(t.toolSummaries, toolSummary{name: call.Name, result: result})
		}

		if asPlan {
			t.addSystem(fmt.Sprintf("Tool %s result:\n%s", name, result))
		} else {
			t.messages = append(t.messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}
	return false
}

// logToolMessage persists a synthetic tool-role message for the UI's
// tool activity log. Persistence failures are logged, not propagated.
func (a *Agent) logToolMessage(t *turn, content string) {
	if _, err := a.store.AddMessage(t.conversationID, models.RoleTool, content, t.branchID); err != nil {
		a.logger.Warn("tool log write failed", "conversation", t.conversationID, "error", err)
	}
}

func formatToolCall(name, rawArgs string) string {
	return fmt.Sprintf("Tool call: **%s**\n```json\n%s\n```", name, prettyArgs(rawArgs))
}

// Tools whose results carry markdown the UI renders directly.
var bareResultTools = map[string]bool{
	"image_generate": true,
	"plot_generate":  true,
	"web_search":     true,
}

func formatToolResult(name, result string) string {
	clipped := clipText(result, 800)
	if bareResultTools[name] {
		return fmt.Sprintf("Tool result: **%s**\n%s", name, clipped)
	}
	return fmt.Sprintf("Tool result: **%s**\n```text\n%s\n```", name, clipped)
}
