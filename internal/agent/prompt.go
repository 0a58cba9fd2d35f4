package agent

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"valet/internal/rag"
	"valet/pkg/models"
)

const basePrompt = "You are Valet, a capable assistant. " +
	"Respond in the user's language. Default to English if unsure. " +
	"You manage multiple conversations with memory, answer questions, " +
	"and use tools proactively when helpful. " +
	"If the user mentions @\"filename\" or @filename, treat it as a direct reference to that document. " +
	"If details are missing, ask a brief follow-up question. " +
	"When tools are used, summarize what was done and the result. " +
	"If the user asks multiple tasks in one message, handle every item and use multiple tools if needed. " +
	"Never include tool call logs or a 'Tools used' section in the response."

// toolGuidance maps a tool name to the usage sentence included in the
// system prompt when that tool is registered.
var toolGuidance = []struct {
	tool     string
	sentence string
}{
	{"image_describe", "If the user refers to an uploaded image, check available images and use image_describe to analyze the relevant file."},
	{"memory_append", "Decide yourself when to update memory: only store stable preferences or enduring facts the user would expect you to remember. If unsure, ask first. Use the memory_append tool when appropriate."},
	{"email_draft", "Use email_draft to compose emails and produce a mail link when asked."},
	{"calendar_event", "Use calendar_event to create calendar entries the user can import."},
	{"task_schedule", "Use task_schedule for reminders or recurring tasks (cron syntax) and do not store reminders in memory."},
	{"project_list_files", "Use project_list_files, project_read_file, project_search, and project_replace to inspect or update the project; avoid overwriting full files."},
	{"news_search", "Use news_search for current news queries."},
	{"web_fetch", "Use web_fetch with a URL (and optional CSS selector) to scrape specific sites."},
	{"stock_history", "Use stock_history to fetch stock price history when asked for market performance, then analyze returns/patterns and plot with plot_generate."},
	{"plot_generate", "You can generate plots with plot_generate and show the image."},
	{"image_generate", "Use image_generate to create images from a prompt when asked."},
	{"rag_search", "Use rag_search to look up the user's ingested documents when the answer may live there."},
}

const maxImageContext = 5

var mentionQuoted = regexp.MustCompile(`@"([^"]+)"`)
var mentionBare = regexp.MustCompile(`@([^\s@]+)`)

var docExtensions = map[string]bool{
	".pdf": true, ".docx": true, ".xlsx": true, ".xls": true, ".xlsm": true,
	".csv": true, ".md": true, ".txt": true,
}

// turn is the mutable state of one orchestrated exchange, shared by the
// native, planning, and streaming loops.
type turn struct {
	conversationID int64
	branchID       int64
	userMessage    string
	messages       []openai.ChatCompletionMessage
	registry       *Registry
	budget         int

	usedTools       bool
	summaryPrompted bool
	forcedRetry     bool
	latestSources   string
	toolSummaries   []toolSummary
	lastCalls       []Invocation
	// finalText carries a degraded answer produced mid-recovery (second
	// malformed tool call in a row).
	finalText string

	streaming    bool
	onToken      func(string)
	onToolEvent  func(name, stage string)
	shouldCancel func() bool

	// fallback, when set, short-circuits the turn (LLM unavailable).
	fallback string
}

type toolSummary struct {
	name   string
	result string
}

func (t *turn) addSystem(content string) {
	t.messages = append(t.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: content,
	})
}

// beginTurn loads history, assembles the registry, and builds the message
// list. Context blocks degrade to empty on failure; only history access
// errors are fatal.
func (a *Agent) beginTurn(ctx context.Context, req TurnRequest, streaming bool) (*turn, error) {
	branchID := req.BranchID
	if branchID == 0 {
		resolved, err := a.store.ActiveBranch(req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("agent: resolve branch: %w", err)
		}
		branchID = resolved
	}

	history, err := a.store.MessagesForBranch(req.ConversationID, branchID, a.settings.MaxHistoryMessages)
	if err != nil {
		return nil, fmt.Errorf("agent: load history: %w", err)
	}
	var dialog []*models.Message
	for _, m := range history {
		if m.Role == models.RoleUser || m.Role == models.RoleAssistant {
			dialog = append(dialog, m)
		}
	}

	t := &turn{
		conversationID: req.ConversationID,
		branchID:       branchID,
		userMessage:    req.UserMessage,
		streaming:      streaming,
		onToken:        req.OnToken,
		onToolEvent:    req.OnToolEvent,
		shouldCancel:   req.ShouldCancel,
	}

	if !a.llm.Available() {
		t.fallback = a.fallbackResponse(req)
		return t, nil
	}

	registry, err := a.tools(req.ConversationID, req.UseRAG, req.UseWeb)
	if err != nil {
		a.logger.Warn("tool registry build failed", "error", err)
		registry = &Registry{}
	}
	t.registry = registry
	t.budget = a.policy.Budget(req.UserMessage, a.settings.MaxToolCalls)

	t.addSystem(a.buildSystemPrompt(!registry.Empty(), registry))
	if block := activeFileContext(req.ActiveFile); block != "" {
		t.addSystem(block)
	}
	if block := a.docMentionContext(req.ConversationID, req.UserMessage); block != "" {
		t.addSystem("Document references:\n" + block)
	}
	if req.UseRAG && a.retriever != nil {
		hits, err := a.retriever.Search(req.ConversationID, req.UserMessage, a.settings.RAGTopK)
		if err != nil {
			a.logger.Warn("retrieval failed", "error", err)
		} else if block := rag.FormatContext(hits); block != "" {
			t.addSystem("RAG context:\n" + block)
		}
	}
	if block := a.imageContext(req.ConversationID); block != "" {
		t.addSystem("Images available:\n" + block)
	}

	for _, m := range dialog {
		t.messages = append(t.messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	// Idempotence against double submission: the caller may have already
	// persisted this user message.
	if len(dialog) == 0 || dialog[len(dialog)-1].Role != models.RoleUser ||
		dialog[len(dialog)-1].Content != req.UserMessage {
		t.messages = append(t.messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserMessage,
		})
	}
	return t, nil
}

// buildSystemPrompt assembles the composite system prompt. With tools
// disabled the guidance and profile sections give way to an explicit
// no-tools instruction.
func (a *Agent) buildSystemPrompt(toolsEnabled bool, registry *Registry) string {
	stored, _ := a.store.GetSetting("system_prompt")
	base := strings.TrimSpace(stored)
	if base == "" {
		base = basePrompt
	}

	tzName, _ := a.store.GetSetting("app_timezone")
	tzName = strings.TrimSpace(tzName)
	if tzName == "" {
		tzName = a.settings.Timezone
	}
	localeName, _ := a.store.GetSetting("app_locale")
	localeName = strings.TrimSpace(localeName)
	if localeName == "" {
		localeName = a.settings.Locale
	}

	blocks := []string{
		base,
		"Language: respond in the user's language unless they request otherwise.",
		fmt.Sprintf("Local settings: timezone=%s, locale=%s, local_time=%s.",
			tzName, localeName, formatLocalTime(tzName)),
	}

	if !toolsEnabled {
		blocks = append(blocks, "Tools are not available for this reply. Do not emit tool calls; answer directly.")
	} else {
		var guidance []string
		for _, g := range toolGuidance {
			if registry.Has(g.tool) {
				guidance = append(guidance, g.sentence)
			}
		}
		if len(guidance) > 0 {
			blocks = append(blocks, strings.Join(guidance, " "))
		}

		var profile []string
		if v := a.setting("user_nickname"); v != "" {
			profile = append(profile, "- Nickname: "+v)
		}
		if v := a.setting("user_occupation"); v != "" {
			profile = append(profile, "- Occupation: "+v)
		}
		if v := a.setting("user_about"); v != "" {
			profile = append(profile, "- About: "+v)
		}
		if len(profile) > 0 {
			blocks = append(blocks, "User profile:\n"+strings.Join(profile, "\n"))
		}
	}

	if v := a.setting("custom_instructions"); v != "" {
		blocks = append(blocks, "Custom instructions:\n"+v)
	}
	if v := a.setting("global_memory"); v != "" {
		blocks = append(blocks, "Global memory:\n"+v)
	}
	return strings.Join(blocks, "\n\n")
}

func (a *Agent) setting(key string) string {
	v, _ := a.store.GetSetting(key)
	return strings.TrimSpace(v)
}

func formatLocalTime(tzName string) string {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		loc = time.UTC
	}
	return time.Now().In(loc).Format("2006-01-02 15:04:05")
}

func activeFileContext(f *ActiveFile) string {
	if f == nil || strings.TrimSpace(f.Name) == "" {
		return ""
	}
	label := strings.TrimSpace(f.DocType)
	if label == "" {
		label = "file"
	}
	return fmt.Sprintf(
		"Active file open in the UI: %s (%s). The user is working on this file; prioritize it if relevant.",
		strings.TrimSpace(f.Name), label)
}

// docMentionContext resolves @mentions to document excerpts. Stale text
// (under 8 chars) is re-extracted from disk when possible, and the
// retrieval index is invalidated when any text was refreshed.
func (a *Agent) docMentionContext(conversationID int64, userMessage string) string {
	names := extractDocMentions(userMessage)
	if len(names) == 0 {
		return ""
	}
	docs, err := a.store.ListDocuments(conversationID)
	if err != nil {
		return ""
	}
	byName := make(map[string]*models.Document, len(docs))
	for _, d := range docs {
		byName[strings.ToLower(d.Name)] = d
	}

	updated := false
	var blocks []string
	for _, name := range names {
		doc := byName[strings.ToLower(name)]
		if doc == nil {
			continue
		}
		text := strings.TrimSpace(doc.Text)
		if len(text) < 8 {
			refreshed, didUpdate := a.refreshDocumentText(doc)
			updated = updated || didUpdate
			text = refreshed
		}
		if text != "" {
			blocks = append(blocks, fmt.Sprintf("[%s]\n%s", doc.Name, clipText(text, 1200)))
		}
	}
	if updated && a.retriever != nil {
		a.retriever.Invalidate(conversationID)
	}
	return strings.TrimSpace(strings.Join(blocks, "\n\n"))
}

func (a *Agent) refreshDocumentText(doc *models.Document) (string, bool) {
	current := strings.TrimSpace(doc.Text)
	if doc.Path == "" {
		return current, false
	}
	raw, err := os.ReadFile(doc.Path)
	if err != nil {
		return current, false
	}
	extracted := strings.TrimSpace(string(raw))
	if extracted == "" || extracted == current {
		return current, false
	}
	if err := a.store.UpdateDocumentText(doc.ID, extracted); err != nil {
		return current, false
	}
	return extracted, true
}

func extractDocMentions(text string) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, m := range mentionQuoted.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range mentionBare.FindAllStringSubmatch(text, -1) {
		token := strings.Trim(m[1], ",. ")
		if token == "" || strings.HasPrefix(token, `"`) {
			continue
		}
		lowered := strings.ToLower(token)
		for ext := range docExtensions {
			if strings.HasSuffix(lowered, ext) {
				add(token)
				break
			}
		}
	}
	return names
}

func (a *Agent) imageContext(conversationID int64) string {
	images, err := a.store.ListImages(conversationID)
	if err != nil || len(images) == 0 {
		return ""
	}
	if len(images) > maxImageContext {
		images = images[:maxImageContext]
	}
	var lines []string
	for _, img := range images {
		desc := strings.TrimSpace(img.Description)
		if desc == "" {
			desc = "No description available."
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", img.Name, clipText(desc, 240)))
	}
	return strings.Join(lines, "\n")
}

// fallbackResponse is returned when no LLM is configured: surface what
// local context we can find instead of an answer.
func (a *Agent) fallbackResponse(req TurnRequest) string {
	var blocks []string
	if block := a.docMentionContext(req.ConversationID, req.UserMessage); block != "" {
		blocks = append(blocks, "Document references:\n"+block)
	}
	if req.UseRAG && a.retriever != nil {
		hits, err := a.retriever.Search(req.ConversationID, req.UserMessage, a.settings.RAGTopK)
		if err == nil {
			if block := rag.FormatContext(hits); block != "" {
				blocks = append(blocks, "RAG context:\n"+block)
			}
		}
	}
	if len(blocks) > 0 {
		return "LLM not configured. Here is relevant context I can find:\n\n" + strings.Join(blocks, "\n\n")
	}
	return "LLM not configured. Add an API key to enable full responses. You can also ingest documents for RAG."
}

// clipText truncates on a word boundary with an ellipsis marker.
func clipText(text string, maxChars int) string {
	clipped := strings.TrimSpace(text)
	if len(clipped) <= maxChars {
		return clipped
	}
	cut := clipped[:maxChars]
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
