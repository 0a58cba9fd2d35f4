package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"valet/internal/llm"
)

// streamResult is one completion observed through the streaming helper.
type streamResult struct {
	content   string
	calls     []Invocation
	cancelled bool
}

// streamOrChat issues one completion, streaming tokens to the sink when
// streaming is enabled and falling back to a blocking call otherwise.
// Cancellation is polled between tokens; once observed, consumption stops
// and the partial content is returned flagged cancelled. Malformed
// tool-call errors get the strict-JSON corrective and one non-streaming
// retry, then a tools-off completion.
func (a *Agent) streamOrChat(ctx context.Context, t *turn, model string, withTools bool) (*streamResult, error) {
	if a.settings.LLMStreaming && t.onToken != nil {
		res, err := a.streamOnce(ctx, t, model, withTools)
		if err == nil {
			return res, nil
		}
		if withTools && errors.Is(err, llm.ErrMalformedToolCall) {
			return a.chatAfterMalformedStream(ctx, t, model)
		}
		return nil, err
	}

	res, err := a.chat(ctx, model, t, withTools)
	if err != nil {
		if withTools && errors.Is(err, llm.ErrMalformedToolCall) {
			return a.chatAfterMalformedStream(ctx, t, model)
		}
		return nil, err
	}
	return &streamResult{
		content: strings.TrimSpace(res.Content),
		calls:   invocationsFromWire(res.ToolCalls),
	}, nil
}

// streamOnce consumes one token stream. Tool-call deltas are accumulated
// by the client per index and surface only as whole calls at the end.
func (a *Agent) streamOnce(ctx context.Context, t *turn, model string, withTools bool) (*streamResult, error) {
	req := llm.ChatRequest{Model: model, Messages: t.messages}
	if withTools {
		req.Tools = t.registry.WireTools()
	}

	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	var partial strings.Builder
	cancelled := false
	onDelta := func(delta string) {
		if cancelled {
			return
		}
		if t.shouldCancel != nil && t.shouldCancel() {
			cancelled = true
			stop()
			return
		}
		partial.WriteString(delta)
		t.onToken(delta)
	}

	start := time.Now()
	res, err := a.llm.StreamChat(streamCtx, req, onDelta)
	if a.metrics != nil {
		a.metrics.ObserveLLMCall(model, time.Since(start), err)
	}
	if cancelled {
		return &streamResult{content: strings.TrimSpace(partial.String()), cancelled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &streamResult{
		content: strings.TrimSpace(res.Content),
		calls:   invocationsFromWire(res.ToolCalls),
	}, nil
}

// chatAfterMalformedStream mirrors retryAfterMalformedCall for the
// streaming path: corrective retry first, tools-off completion second.
func (a *Agent) chatAfterMalformedStream(ctx context.Context, t *turn, model string) (*streamResult, error) {
	t.addSystem(promptStrictJSON)
	res, err := a.chat(ctx, model, t, true)
	if err == nil {
		return &streamResult{
			content: strings.TrimSpace(res.Content),
			calls:   invocationsFromWire(res.ToolCalls),
		}, nil
	}
	if !errors.Is(err, llm.ErrMalformedToolCall) {
		return nil, err
	}
	t.addSystem(promptNoTools)
	final, err := a.chat(ctx, a.settings.TextModel, t, false)
	if err != nil {
		return nil, err
	}
	return &streamResult{content: strings.TrimSpace(final.Content)}, nil
}

func cancelledAnswer(partial string) string {
	if partial == "" {
		return msgStopped
	}
	return strings.TrimSpace(partial + "\n\n" + msgStoppedSuffix)
}

// runStreamingLoop layers token delivery atop the native strategy. Tool
// execution, repetition, and budget handling match runNativeLoop; only
// the completion calls differ.
func (a *Agent) runStreamingLoop(ctx context.Context, t *turn) string {
	if t.registry.Empty() {
		res, err := a.streamOrChat(ctx, t, a.settings.ReasoningModel, false)
		if err != nil {
			return fmt.Sprintf("LLM error: %v", err)
		}
		if res.cancelled {
			return cancelledAnswer(res.content)
		}
		return res.content
	}

	for step := 0; step < t.budget; step++ {
		if t.cancelled(ctx) {
			return msgStopped
		}

		res, err := a.streamOrChat(ctx, t, a.settings.ReasoningModel, true)
		if errors.Is(err, llm.ErrToolChoiceUnsupported) {
			a.logger.Info("native tool calling unsupported, switching to planner",
				"conversation", t.conversationID)
			reply := a.runPlanLoop(ctx, t)
			if reply != "" && t.onToken != nil {
				t.onToken(reply)
			}
			return reply
		}
		if err != nil {
			return fmt.Sprintf("LLM error: %v", err)
		}
		if res.cancelled {
			return cancelledAnswer(res.content)
		}

		calls := res.calls
		if len(calls) == 0 {
			if !t.usedTools && !t.forcedRetry && a.policy.ForceToolUse(t.userMessage) {
				t.forcedRetry = true
				t.addSystem(promptDemandTool)
				continue
			}
			return a.finishStreamingTurn(ctx, t, res.content)
		}

		if t.lastCalls != nil && sameInvocations(calls, t.lastCalls) {
			t.addSystem(promptStopRepeating)
			break
		}

		t.usedTools = true
		t.messages = append(t.messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   res.content,
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

	t.addSystem(promptBudgetReached)
	t.addSystem(promptNoTools)
	res, err := a.streamOrChat(ctx, t, a.settings.TextModel, false)
	if err != nil {
		return fmt.Sprintf("LLM error: %v", err)
	}
	if res.cancelled {
		return cancelledAnswer(res.content)
	}
	return a.finalize(t, res.content)
}

// finishStreamingTurn mirrors finishWithTextModel with streamed delivery
// of the text-model completion.
func (a *Agent) finishStreamingTurn(ctx context.Context, t *turn, content string) string {
	if t.usedTools && a.settings.TextModel != a.settings.ReasoningModel {
		t.addSystem(promptFinalAnswerNow)
		res, err := a.streamOrChat(ctx, t, a.settings.TextModel, false)
		if err != nil {
			return fmt.Sprintf("LLM error: %v", err)
		}
		if res.cancelled {
			return cancelledAnswer(res.content)
		}
		if len(res.calls) == 0 && res.content != "" {
			content = res.content
		}
	}
	return a.finalize(t, content)
}
