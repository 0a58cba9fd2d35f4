package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"valet/internal/llm"
)

func TestDirectAnswerWithoutTools(t *testing.T) {
	env := newTestEnv(t, []scripted{{content: "4"}}, nil)

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "What's 2+2?",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply != "4" {
		t.Errorf("reply = %q", reply)
	}
	if env.llm.calls != 1 {
		t.Errorf("llm calls = %d, want 1", env.llm.calls)
	}
	if logs := env.toolLog(t); len(logs) != 0 {
		t.Errorf("tool log = %v, want none", logs)
	}
}

func TestNoToolCallsReturnsFirstResponse(t *testing.T) {
	executed := 0
	env := newTestEnv(t,
		[]scripted{{content: "Paris is the capital of France."}},
		[]ToolSpec{echoTool("web_search", "results", &executed)},
	)

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "capital of France?",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply != "Paris is the capital of France." {
		t.Errorf("reply = %q", reply)
	}
	if env.llm.calls != 1 {
		t.Errorf("llm calls = %d, want 1", env.llm.calls)
	}
	if executed != 0 {
		t.Errorf("tool executed %d times", executed)
	}
}

func TestToolLoopExecutesAndSummarizes(t *testing.T) {
	executed := 0
	env := newTestEnv(t,
		[]scripted{
			{calls: []struct{ name, args string }{{"web_search", `{"query":"go"}`}}},
			{content: "Found it."},
		},
		[]ToolSpec{echoTool("web_search", "Sources:\n- [Go](https://go.dev)", &executed)},
	)

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "search go",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if executed != 1 {
		t.Errorf("executions = %d", executed)
	}
	if !strings.HasPrefix(reply, "Found it.") {
		t.Errorf("reply = %q", reply)
	}
	// Captured web sources are appended when the answer lacks them.
	if !strings.Contains(reply, "Sources:") {
		t.Errorf("sources missing from %q", reply)
	}

	logs := env.toolLog(t)
	if len(logs) != 2 {
		t.Fatalf("tool log = %d entries, want call+result", len(logs))
	}
	if !strings.HasPrefix(logs[0], "Tool call: **web_search**\n```json\n") {
		t.Errorf("call log = %q", logs[0])
	}
	if !strings.HasPrefix(logs[1], "Tool result: **web_search**\n") {
		t.Errorf("result log = %q", logs[1])
	}
}

func TestRepeatedToolCallsForceFinalization(t *testing.T) {
	executed := 0
	same := []struct{ name, args string }{{"web_search", `{"query":"go"}`}}
	env := newTestEnv(t,
		[]scripted{
			{calls: same},
			{calls: same}, // identical: repetition detected, not executed
			{content: "Best effort answer."},
		},
		[]ToolSpec{echoTool("web_search", "result", &executed)},
	)

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "search go",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if executed != 1 {
		t.Errorf("repeated call pair executed %d times, want 1", executed)
	}
	if reply != "Best effort answer." {
		t.Errorf("reply = %q", reply)
	}
}

func TestBudgetInvariant(t *testing.T) {
	// Every turn requests a different tool call; the loop must stop at
	// the budget with one extra forced-finalization call.
	var script []scripted
	for i := 0; i < 10; i++ {
		script = append(script, scripted{calls: []struct{ name, args string }{
			{"web_search", fmt.Sprintf(`{"query":"q%d"}`, i)},
		}})
	}
	script = append(script, scripted{content: "done"})

	executed := 0
	env := newTestEnv(t, script, []ToolSpec{echoTool("web_search", "r", &executed)})

	_, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "short",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	budget := testSettings().MaxToolCalls
	if env.llm.calls > budget+1 {
		t.Errorf("llm calls = %d, want <= %d", env.llm.calls, budget+1)
	}
	if executed != budget {
		t.Errorf("executions = %d, want %d", executed, budget)
	}
}

func TestHandlerErrorBecomesToolResult(t *testing.T) {
	boom := ToolSpec{
		Name:        "exploder",
		Description: "always fails",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("disk on fire")
		},
	}
	env := newTestEnv(t,
		[]scripted{
			{calls: []struct{ name, args string }{{"exploder", `{}`}}},
			{content: "Recovered."},
		},
		[]ToolSpec{boom},
	)

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "try it",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply != "Recovered." {
		t.Errorf("loop should continue after handler error, reply = %q", reply)
	}
	logs := env.toolLog(t)
	if len(logs) != 2 || !strings.Contains(logs[1], "Tool exploder failed: disk on fire") {
		t.Errorf("result log = %v", logs)
	}
}

func TestCancellationBeforeSecondCall(t *testing.T) {
	executed := 0
	env := newTestEnv(t,
		[]scripted{
			{calls: []struct{ name, args string }{{"web_search", `{"query":"a"}`}}},
			// second scripted response must never be requested
		},
		[]ToolSpec{echoTool("web_search", "r", &executed)},
	)

	var polls int
	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "search",
		ShouldCancel: func() bool {
			polls++
			// Allow the loop to reach its first LLM response; cancel at
			// the pre-tool check.
			return polls > 2
		},
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply != "Stopped by user." {
		t.Errorf("reply = %q", reply)
	}
	if env.llm.calls != 1 {
		t.Errorf("llm calls = %d, want 1", env.llm.calls)
	}
	if executed != 0 {
		t.Errorf("tool executed %d times after cancellation", executed)
	}
}

func TestTransportErrorSurfacesVerbatim(t *testing.T) {
	env := newTestEnv(t,
		[]scripted{{err: errors.New("connection refused")}},
		[]ToolSpec{echoTool("web_search", "r", nil)},
	)

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "hi",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply != "LLM error: connection refused" {
		t.Errorf("reply = %q", reply)
	}
}

func TestForceToolRetry(t *testing.T) {
	executed := 0
	env := newTestEnv(t,
		[]scripted{
			{content: "I would plot that for you."}, // no tool call: retried
			{calls: []struct{ name, args string }{{"plot_generate", `{"query":"AAPL"}`}}},
			{content: "Here is the chart."},
		},
		[]ToolSpec{echoTool("plot_generate", "![chart](https://img.example/a.png)", &executed)},
	)

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "plot the last 30 days of AAPL",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if executed != 1 {
		t.Errorf("executions = %d, want 1", executed)
	}
	if logs := env.toolLog(t); len(logs) != 2 {
		t.Errorf("tool log entries = %d, want call+result", len(logs))
	}
	if !strings.Contains(reply, "![chart](https://img.example/a.png)") {
		t.Errorf("reply should embed the generated image: %q", reply)
	}
}

func TestFallbackToPlannerOnUnsupportedTools(t *testing.T) {
	executed := 0
	env := newTestEnv(t,
		[]scripted{
			{err: fmt.Errorf("%w: model rejects tools", llm.ErrToolChoiceUnsupported)},
			{content: `{"tool_calls":[{"name":"web_search","arguments":{"query":"go"}}]}`},
			{content: `{"final":"Planned answer."}`},
		},
		[]ToolSpec{echoTool("web_search", "results", &executed)},
	)

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "search go",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply != "Planned answer." {
		t.Errorf("reply = %q", reply)
	}
	if executed != 1 {
		t.Errorf("executions = %d", executed)
	}
}

func TestMalformedToolCallRetriedOnce(t *testing.T) {
	env := newTestEnv(t,
		[]scripted{
			{err: fmt.Errorf("%w: bad arguments", llm.ErrMalformedToolCall)},
			{content: "Clean answer."},
		},
		[]ToolSpec{echoTool("web_search", "r", nil)},
	)

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "hi",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply != "Clean answer." {
		t.Errorf("reply = %q", reply)
	}
	if env.llm.calls != 2 {
		t.Errorf("llm calls = %d, want 2", env.llm.calls)
	}
}

func TestTwoMalformedCallsDegradeToToolsOff(t *testing.T) {
	env := newTestEnv(t,
		[]scripted{
			{err: fmt.Errorf("%w: bad", llm.ErrMalformedToolCall)},
			{err: fmt.Errorf("%w: bad again", llm.ErrMalformedToolCall)},
			{content: "Plain answer without tools."},
		},
		[]ToolSpec{echoTool("web_search", "r", nil)},
	)

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "hi",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply != "Plain answer without tools." {
		t.Errorf("reply = %q", reply)
	}
}

func TestImageDeduplication(t *testing.T) {
	img := "![x](https://img.example/same.png)"
	env := newTestEnv(t,
		[]scripted{
			{calls: []struct{ name, args string }{
				{"plot_generate", `{"query":"a"}`},
				{"image_generate", `{"query":"b"}`},
			}},
			{content: "Two tools ran."},
		},
		[]ToolSpec{
			echoTool("plot_generate", img, nil),
			echoTool("image_generate", img, nil),
		},
	)

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "make images",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got := strings.Count(reply, "https://img.example/same.png"); got != 1 {
		t.Errorf("url appears %d times in %q, want 1", got, reply)
	}
}

func TestDualModelFinalization(t *testing.T) {
	env := newTestEnv(t,
		[]scripted{
			{calls: []struct{ name, args string }{{"web_search", `{"query":"a"}`}}},
			{content: "draft from reasoning model"},
			{content: "Polished final answer."},
		},
		[]ToolSpec{echoTool("web_search", "r", nil)},
	)
	env.agent.settings.ReasoningModel = "reasoner"
	env.agent.settings.TextModel = "writer"

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "search",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply != "Polished final answer." {
		t.Errorf("reply = %q", reply)
	}
	if env.llm.calls != 3 {
		t.Errorf("llm calls = %d, want 3", env.llm.calls)
	}
}

func TestContextBuilderIdempotence(t *testing.T) {
	env := newTestEnv(t, nil, []ToolSpec{echoTool("web_search", "r", nil)})
	req := TurnRequest{ConversationID: env.conv, UserMessage: "hello there"}

	t1, err := env.agent.beginTurn(context.Background(), req, false)
	if err != nil {
		t.Fatalf("beginTurn: %v", err)
	}
	t2, err := env.agent.beginTurn(context.Background(), req, false)
	if err != nil {
		t.Fatalf("beginTurn: %v", err)
	}
	if len(t1.messages) != len(t2.messages) {
		t.Fatalf("lengths differ: %d vs %d", len(t1.messages), len(t2.messages))
	}
	for i := range t1.messages {
		// The local-time line changes by the second; tolerate only that.
		a, b := t1.messages[i], t2.messages[i]
		if a.Role != b.Role {
			t.Fatalf("message %d role %q vs %q", i, a.Role, b.Role)
		}
		if i == 0 {
			continue
		}
		if a.Content != b.Content {
			t.Fatalf("message %d differs", i)
		}
	}
}

func TestUserMessageNotDuplicated(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	branch, _ := env.store.ActiveBranch(env.conv)
	env.store.AddMessage(env.conv, "user", "hello", branch)

	tr, err := env.agent.beginTurn(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "hello",
	}, false)
	if err != nil {
		t.Fatalf("beginTurn: %v", err)
	}
	count := 0
	for _, m := range tr.messages {
		if m.Role == "user" && m.Content == "hello" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("user message appears %d times, want 1", count)
	}
}

func TestFallbackWhenLLMUnavailable(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.llm.available = false

	reply, err := env.agent.Respond(context.Background(), TurnRequest{
		ConversationID: env.conv,
		UserMessage:    "anything",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !strings.HasPrefix(reply, "LLM not configured.") {
		t.Errorf("reply = %q", reply)
	}
	if env.llm.calls != 0 {
		t.Errorf("llm calls = %d, want 0", env.llm.calls)
	}
}
