// Package tools assembles the per-conversation tool registry: local
// actions the model may invoke, from document listing to plot generation.
// Handlers return user-facing text; real failures go through the error
// return and surface as tool-result strings.
package tools

import (
	"context"
	"log/slog"
	"net/http"

	"valet/internal/agent"
	"valet/internal/config"
	"valet/internal/llm"
	"valet/internal/rag"
	"valet/internal/websearch"
	"valet/pkg/models"
)

// Store is the persistence surface the tool handlers use.
type Store interface {
	ListDocuments(conversationID int64) ([]*models.Document, error)
	AddDocument(conversationID int64, name, path, docType, text string) (int64, error)
	UpdateDocumentText(id int64, text string) error
	ListImages(conversationID int64) ([]*models.Image, error)
	AddImage(conversationID int64, name, path, description string, generated bool) (int64, error)
	GetSetting(key string) (string, bool)
	SetSetting(key, value string) error
	SettingEnabled(key string, fallback bool) bool
	AddScheduledTask(t *models.ScheduledTask) (int64, error)
	ListScheduledTasks(conversationID int64) ([]*models.ScheduledTask, error)
	SetScheduledTaskEnabled(id int64, enabled bool) error
	DeleteScheduledTask(id int64) error
}

// LLM is the slice of the chat client media tools need.
type LLM interface {
	Available() bool
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error)
	GenerateImage(ctx context.Context, model, prompt, size string) (string, error)
}

// Searcher issues Brave web and news queries.
type Searcher interface {
	Available() bool
	Search(ctx context.Context, query string, count int) ([]websearch.Result, error)
	SearchNews(ctx context.Context, query string, count int) ([]websearch.Result, error)
}

// PageFetcher pulls readable text out of a URL.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL, selector string) (string, error)
}

// Retriever serves document search and index invalidation.
type Retriever interface {
	Search(conversationID int64, query string, topK int) ([]rag.Hit, error)
	Invalidate(conversationID int64)
}

// Reloader is notified when the scheduled-task set changes.
type Reloader interface {
	Reload() error
}

// Deps wires the tool handlers to their collaborators. Scheduler and web
// fields may be nil; the affected tools degrade or drop out of the
// registry.
type Deps struct {
	Store     Store
	LLM       LLM
	Web       Searcher
	Fetcher   PageFetcher
	Retriever Retriever
	Scheduler Reloader
	Settings  *config.Settings
	Logger    *slog.Logger

	// HTTP serves the market-data fetch; defaults to
	// http.DefaultClient.
	HTTP *http.Client

	// MarketDataURL overrides the daily price CSV endpoint in tests.
	MarketDataURL string
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) httpClient() *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return http.DefaultClient
}

func (d Deps) marketBase() string {
	if d.MarketDataURL != "" {
		return d.MarketDataURL
	}
	return "https://stooq.com/q/d/l/"
}

// Builder adapts Build to the orchestrator's registry factory signature.
func (d Deps) Builder() agent.RegistryBuilder {
	return func(conversationID int64, useRAG, useWeb bool) (*agent.Registry, error) {
		return d.Build(conversationID, useRAG, useWeb)
	}
}

// Build assembles the registry for one conversation. Order is
// deterministic; conditional groups are gated by the capability flags and
// by feature toggles from the settings store.
func (d Deps) Build(conversationID int64, useRAG, useWeb bool) (*agent.Registry, error) {
	webEnabled := d.Store.SettingEnabled("tools_web_enabled", true)
	mailEnabled := d.Store.SettingEnabled("tools_mail_enabled", true)
	calendarEnabled := d.Store.SettingEnabled("tools_calendar_enabled", true)
	codeEnabled := d.Store.SettingEnabled("tools_code_enabled", true)

	specs := []agent.ToolSpec{
		d.listDocumentsTool(conversationID),
		d.listImagesTool(conversationID),
		d.memoryAppendTool(),
	}
	if mailEnabled {
		specs = append(specs, d.emailDraftTool())
	}
	if calendarEnabled {
		specs = append(specs, d.calendarEventTool())
	}
	specs = append(specs,
		d.taskScheduleTool(conversationID),
		d.taskListTool(conversationID),
		d.taskDeleteTool(conversationID),
		d.taskEnableTool(conversationID),
	)
	if codeEnabled {
		specs = append(specs,
			d.fileCreateTool(conversationID),
			d.projectListFilesTool(),
			d.projectReadFileTool(),
			d.projectSearchTool(),
			d.projectReplaceTool(),
		)
	}
	specs = append(specs,
		d.imageGenerateTool(conversationID),
		d.plotGenerateTool(conversationID),
		d.stockHistoryTool(),
	)
	if d.Settings.VisionEnabled {
		specs = append(specs, d.imageDescribeTool(conversationID))
	}
	if useRAG {
		specs = append(specs,
			d.ragSearchTool(conversationID),
			d.ragRebuildTool(conversationID),
		)
	}
	if useWeb && webEnabled {
		specs = append(specs,
			d.webSearchTool(),
			d.newsSearchTool(),
			d.webFetchTool(),
		)
	}
	return agent.NewRegistry(specs)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg reads an integer argument; JSON numbers arrive as float64.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func boolArg(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

// stringListArg accepts a single string (comma or semicolon separated) or
// a JSON array of strings.
func stringListArg(args map[string]any, key string) []string {
	var out []string
	add := func(s string) {
		for _, part := range splitList(s) {
			out = append(out, part)
		}
	}
	switch v := args[key].(type) {
	case string:
		add(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	}
	return out
}
