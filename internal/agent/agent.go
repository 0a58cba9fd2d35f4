package agent

import (
	"context"
	"log/slog"
	"time"

	"valet/internal/config"
	"valet/internal/llm"
	"valet/internal/rag"
	"valet/pkg/models"
)

// ConversationStore is the slice of persistence the orchestrator needs:
// an append-only message log plus settings and asset listings consulted
// while building context.
type ConversationStore interface {
	ActiveBranch(conversationID int64) (int64, error)
	MessagesForBranch(conversationID, branchID int64, limit int) ([]*models.Message, error)
	AddMessage(conversationID int64, role models.Role, content string, branchID int64) (int64, error)
	GetSetting(key string) (string, bool)
	GetConversation(id int64) (*models.Conversation, error)
	UpdateConversationTitle(id int64, title string, autoTitle bool) error
	ListImages(conversationID int64) ([]*models.Image, error)
	ListDocuments(conversationID int64) ([]*models.Document, error)
	UpdateDocumentText(id int64, text string) error
}

// LLM issues chat completions. Implemented by llm.Client; faked in tests.
type LLM interface {
	Available() bool
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error)
	StreamChat(ctx context.Context, req llm.ChatRequest, onDelta func(string)) (*llm.ChatResult, error)
}

// Retriever serves document search for prompt context.
type Retriever interface {
	Search(conversationID int64, query string, topK int) ([]rag.Hit, error)
	Invalidate(conversationID int64)
}

// RegistryBuilder assembles the per-conversation tool registry from the
// enabled capability flags.
type RegistryBuilder func(conversationID int64, useRAG, useWeb bool) (*Registry, error)

// Metrics receives orchestrator observations. All methods must be cheap
// and non-blocking.
type Metrics interface {
	ObserveLLMCall(model string, duration time.Duration, err error)
	ObserveToolExecution(name string, duration time.Duration)
}

// Agent is the response orchestrator.
type Agent struct {
	store     ConversationStore
	llm       LLM
	retriever Retriever
	tools     RegistryBuilder
	settings  *config.Settings
	policy    Policy
	logger    *slog.Logger
	metrics   Metrics
}

// Option configures an Agent.
type Option func(*Agent)

// WithPolicy replaces the default routing/budget heuristics.
func WithPolicy(p Policy) Option { return func(a *Agent) { a.policy = p } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(a *Agent) { a.logger = l } }

// WithMetrics attaches an observation sink.
func WithMetrics(m Metrics) Option { return func(a *Agent) { a.metrics = m } }

// New builds an orchestrator.
func New(store ConversationStore, client LLM, retriever Retriever, tools RegistryBuilder, settings *config.Settings, opts ...Option) *Agent {
	a := &Agent{
		store:     store,
		llm:       client,
		retriever: retriever,
		tools:     tools,
		settings:  settings,
		policy:    DefaultPolicy{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Fixed user-visible strings. These are part of the caller contract; the
// HTTP layer and UI match on them.
const (
	msgStopped       = "Stopped by user."
	msgStoppedSuffix = "(Stopped by user.)"
	MsgNoResponse    = "No response generated."
)

// System-role injections used for loop steering.
const (
	promptStrictJSON = "Tool calls must use strict JSON with double quotes and no trailing commas. " +
		"If you cannot provide valid JSON, respond without tools."
	promptNoTools        = "Do not call tools. Respond with the final answer only."
	promptFinalAnswerNow = "Provide the final answer now. Do not call tools."
	promptStopRepeating  = "Tool calls are repeating. Provide a final answer without tools."
	promptBudgetReached  = "Tool budget reached. Provide the best possible final answer now."
	promptExplainTools   = "After using tools, explain what you did and the result in your final answer."
	promptDemandTool     = "This request requires using a tool. Call the appropriate tool now."
)

// TurnRequest carries everything one orchestrated turn needs.
type TurnRequest struct {
	ConversationID int64
	// BranchID zero means the conversation's active branch.
	BranchID    int64
	UserMessage string
	UseRAG      bool
	UseWeb      bool
	ActiveFile  *ActiveFile

	// OnToken receives text deltas when streaming. Nil disables token
	// delivery; the loop then runs non-streaming completions.
	OnToken func(delta string)
	// OnToolEvent is notified with ("call"|"result") stages per tool.
	OnToolEvent func(name, stage string)
	// ShouldCancel is polled at loop-top and before each tool call.
	ShouldCancel func() bool
}

// ActiveFile describes the file currently open in the caller's UI.
type ActiveFile struct {
	Name    string
	DocType string
}

// Respond runs one full turn and returns the final answer text. LLM
// transport failures, budget exhaustion, and cancellation surface as
// answer strings per the caller contract; the error return is reserved
// for persistence failures while building context.
func (a *Agent) Respond(ctx context.Context, req TurnRequest) (string, error) {
	t, err := a.beginTurn(ctx, req, false)
	if err != nil {
		return "", err
	}
	if t.fallback != "" {
		return t.fallback, nil
	}

	var reply string
	if a.policy.UsePlanner(req.UserMessage) {
		reply = a.runPlanLoop(ctx, t)
	} else {
		reply = a.runNativeLoop(ctx, t)
	}
	if reply == "" {
		reply = MsgNoResponse
	}
	return reply, nil
}

// RespondStreaming is Respond with token-by-token delivery through
// req.OnToken. The returned string is the complete final answer,
// including appended images and sources that were never streamed.
func (a *Agent) RespondStreaming(ctx context.Context, req TurnRequest) (string, error) {
	t, err := a.beginTurn(ctx, req, true)
	if err != nil {
		return "", err
	}
	if t.fallback != "" {
		if req.OnToken != nil {
			req.OnToken(t.fallback)
		}
		return t.fallback, nil
	}

	var reply string
	if a.policy.UsePlanner(req.UserMessage) {
		reply = a.runPlanLoop(ctx, t)
		if reply != "" && req.OnToken != nil {
			req.OnToken(reply)
		}
	} else {
		reply = a.runStreamingLoop(ctx, t)
	}
	if reply == "" {
		reply = MsgNoResponse
	}
	return reply, nil
}

// cancelled polls the cooperative cancellation predicate and the context.
func (t *turn) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return t.shouldCancel != nil && t.shouldCancel()
}

// chat wraps the client with metrics and model selection.
func (a *Agent) chat(ctx context.Context, model string, t *turn, withTools bool) (*llm.ChatResult, error) {
	req := llm.ChatRequest{Model: model, Messages: t.messages}
	if withTools {
		req.Tools = t.registry.WireTools()
	}
	start := time.Now()
	res, err := a.llm.Chat(ctx, req)
	if a.metrics != nil {
		a.metrics.ObserveLLMCall(model, time.Since(start), err)
	}
	return res, err
}
