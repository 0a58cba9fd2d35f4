package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"valet/internal/config"
	"valet/internal/llm"
	"valet/internal/rag"
	"valet/internal/store"
	"valet/pkg/models"
)

// scripted is one fake completion: either a result or an error, with
// optional token splitting for the streaming path.
type scripted struct {
	content string
	calls   []struct{ name, args string }
	err     error
}

type fakeLLM struct {
	t         *testing.T
	script    []scripted
	calls     int
	available bool
}

func (f *fakeLLM) Available() bool { return f.available }

func (f *fakeLLM) next() scripted {
	if f.calls >= len(f.script) {
		f.t.Fatalf("unexpected LLM call %d (script has %d)", f.calls+1, len(f.script))
	}
	s := f.script[f.calls]
	f.calls++
	return s
}

func (f *fakeLLM) result(s scripted) *llm.ChatResult {
	res := &llm.ChatResult{Content: s.content}
	for i, c := range s.calls {
		res.ToolCalls = append(res.ToolCalls, wireFromInvocations([]Invocation{{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      c.name,
			Arguments: c.args,
		}})...)
	}
	return res
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	s := f.next()
	if s.err != nil {
		return nil, s.err
	}
	return f.result(s), nil
}

func (f *fakeLLM) StreamChat(ctx context.Context, req llm.ChatRequest, onDelta func(string)) (*llm.ChatResult, error) {
	s := f.next()
	if s.err != nil {
		return nil, s.err
	}
	if onDelta != nil && s.content != "" {
		for _, word := range strings.SplitAfter(s.content, " ") {
			if ctx.Err() != nil {
				break
			}
			onDelta(word)
		}
	}
	return f.result(s), nil
}

type fakeRetriever struct {
	hits        []rag.Hit
	invalidated int
}

func (f *fakeRetriever) Search(int64, string, int) ([]rag.Hit, error) { return f.hits, nil }
func (f *fakeRetriever) Invalidate(int64)                             { f.invalidated++ }

func testSettings() *config.Settings {
	return &config.Settings{
		TextModel:          "m",
		ReasoningModel:     "m",
		MaxToolCalls:       4,
		MaxHistoryMessages: 40,
		RAGTopK:            4,
		LLMStreaming:       true,
		Timezone:           "UTC",
		Locale:             "en_US",
	}
}

// echoTool returns a tool that records executions and replies with a
// fixed result.
func echoTool(name, result string, executed *int) ToolSpec {
	return ToolSpec{
		Name:        name,
		Description: name + " test tool",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if executed != nil {
				*executed++
			}
			return result, nil
		},
	}
}

func registryOf(t *testing.T, specs ...ToolSpec) *Registry {
	t.Helper()
	r, err := NewRegistry(specs)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

type testEnv struct {
	agent *Agent
	store *store.Store
	llm   *fakeLLM
	conv  int64
}

// newTestEnv wires an agent over an in-memory store, a scripted LLM, and
// a fixed tool registry.
func newTestEnv(t *testing.T, script []scripted, specs []ToolSpec, opts ...Option) *testEnv {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	convID, err := s.CreateConversation("test")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	fake := &fakeLLM{t: t, script: script, available: true}
	builder := func(int64, bool, bool) (*Registry, error) {
		return registryOf(t, specs...), nil
	}
	a := New(s, fake, &fakeRetriever{}, builder, testSettings(), opts...)
	return &testEnv{agent: a, store: s, llm: fake, conv: convID}
}

func (e *testEnv) toolLog(t *testing.T) []string {
	t.Helper()
	branch, _ := e.store.ActiveBranch(e.conv)
	msgs, err := e.store.MessagesForBranch(e.conv, branch, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	var out []string
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			out = append(out, m.Content)
		}
	}
	return out
}
