package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"valet/internal/agent"
	"valet/internal/config"
	"valet/internal/llm"
	"valet/internal/rag"
	"valet/internal/websearch"
	"valet/pkg/models"
)

type fakeToolStore struct {
	docs     []*models.Document
	images   []*models.Image
	settings map[string]string
	tasks    []*models.ScheduledTask
	nextID   int64
}

func newFakeToolStore() *fakeToolStore {
	return &fakeToolStore{settings: map[string]string{}, nextID: 1}
}

func (s *fakeToolStore) ListDocuments(conversationID int64) ([]*models.Document, error) {
	var out []*models.Document
	for _, d := range s.docs {
		if d.ConversationID == conversationID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeToolStore) AddDocument(conversationID int64, name, path, docType, text string) (int64, error) {
	id := s.nextID
	s.nextID++
	s.docs = append(s.docs, &models.Document{
		ID: id, ConversationID: conversationID,
		Name: name, Path: path, DocType: docType, Text: text,
	})
	return id, nil
}

func (s *fakeToolStore) UpdateDocumentText(id int64, text string) error {
	for _, d := range s.docs {
		if d.ID == id {
			d.Text = text
			return nil
		}
	}
	return fmt.Errorf("document %d not found", id)
}

func (s *fakeToolStore) ListImages(conversationID int64) ([]*models.Image, error) {
	var out []*models.Image
	for _, img := range s.images {
		if img.ConversationID == conversationID {
			out = append(out, img)
		}
	}
	return out, nil
}

func (s *fakeToolStore) AddImage(conversationID int64, name, path, description string, generated bool) (int64, error) {
	id := s.nextID
	s.nextID++
	s.images = append(s.images, &models.Image{
		ID: id, ConversationID: conversationID,
		Name: name, Path: path, Description: description, Generated: generated,
	})
	return id, nil
}

func (s *fakeToolStore) GetSetting(key string) (string, bool) {
	v, ok := s.settings[key]
	return v, ok
}

func (s *fakeToolStore) SetSetting(key, value string) error {
	s.settings[key] = value
	return nil
}

func (s *fakeToolStore) SettingEnabled(key string, fallback bool) bool {
	v, ok := s.settings[key]
	if !ok {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (s *fakeToolStore) AddScheduledTask(t *models.ScheduledTask) (int64, error) {
	id := s.nextID
	s.nextID++
	clone := *t
	clone.ID = id
	s.tasks = append(s.tasks, &clone)
	return id, nil
}

func (s *fakeToolStore) ListScheduledTasks(conversationID int64) ([]*models.ScheduledTask, error) {
	var out []*models.ScheduledTask
	for _, task := range s.tasks {
		if task.ConversationID == conversationID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *fakeToolStore) SetScheduledTaskEnabled(id int64, enabled bool) error {
	for _, task := range s.tasks {
		if task.ID == id {
			task.Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("task %d not found", id)
}

func (s *fakeToolStore) DeleteScheduledTask(id int64) error {
	for i, task := range s.tasks {
		if task.ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("task %d not found", id)
}

type fakeToolLLM struct {
	available bool
	imageB64  string
	imageErr  error
}

func (f *fakeToolLLM) Available() bool { return f.available }

func (f *fakeToolLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	return &llm.ChatResult{Content: "described"}, nil
}

func (f *fakeToolLLM) GenerateImage(ctx context.Context, model, prompt, size string) (string, error) {
	return f.imageB64, f.imageErr
}

type fakeSearcher struct {
	results []websearch.Result
	news    []websearch.Result
	err     error
}

func (f *fakeSearcher) Available() bool { return true }

func (f *fakeSearcher) Search(ctx context.Context, query string, count int) ([]websearch.Result, error) {
	return f.results, f.err
}

func (f *fakeSearcher) SearchNews(ctx context.Context, query string, count int) ([]websearch.Result, error) {
	return f.news, f.err
}

type fakeFetcher struct {
	text string
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL, selector string) (string, error) {
	return f.text, f.err
}

type fakeToolRetriever struct {
	hits        []rag.Hit
	invalidated int
}

func (f *fakeToolRetriever) Search(conversationID int64, query string, topK int) ([]rag.Hit, error) {
	return f.hits, nil
}

func (f *fakeToolRetriever) Invalidate(conversationID int64) { f.invalidated++ }

type fakeReloader struct {
	reloads int
}

func (f *fakeReloader) Reload() error {
	f.reloads++
	return nil
}

func testDeps(t *testing.T) (Deps, *fakeToolStore) {
	t.Helper()
	store := newFakeToolStore()
	settings := &config.Settings{
		DataDir:       t.TempDir(),
		ProjectRoot:   t.TempDir(),
		Timezone:      "UTC",
		RAGTopK:       4,
		VisionEnabled: true,
		ImageModel:    "img-model",
		VisionModel:   "vision-model",
	}
	return Deps{
		Store:     store,
		LLM:       &fakeToolLLM{available: true},
		Web:       &fakeSearcher{},
		Fetcher:   &fakeFetcher{},
		Retriever: &fakeToolRetriever{},
		Scheduler: &fakeReloader{},
		Settings:  settings,
	}, store
}

func registryNames(t *testing.T, reg *agent.Registry) []string {
	t.Helper()
	return reg.Names()
}

func hasName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func runTool(t *testing.T, spec agent.ToolSpec, args map[string]any) string {
	t.Helper()
	out, err := spec.Handler(context.Background(), args)
	if err != nil {
		t.Fatalf("%s handler: %v", spec.Name, err)
	}
	return out
}

func TestBuildCoreSet(t *testing.T) {
	deps, _ := testDeps(t)
	reg, err := deps.Build(1, false, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	names := registryNames(t, reg)
	for _, want := range []string{
		"list_documents", "list_images", "memory_append",
		"email_draft", "calendar_event",
		"task_schedule", "task_list", "task_delete", "task_enable",
		"file_create", "project_list_files", "project_read_file",
		"project_search", "project_replace",
		"image_generate", "plot_generate", "stock_history", "image_describe",
	} {
		if !hasName(names, want) {
			t.Fatalf("core registry missing %s (have %v)", want, names)
		}
	}
	for _, absent := range []string{"rag_search", "rag_rebuild", "web_search", "news_search", "web_fetch"} {
		if hasName(names, absent) {
			t.Fatalf("registry should not include %s without its capability flag", absent)
		}
	}
}

func TestBuildCapabilityFlags(t *testing.T) {
	deps, _ := testDeps(t)
	reg, err := deps.Build(1, true, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	names := registryNames(t, reg)
	for _, want := range []string{"rag_search", "rag_rebuild", "web_search", "news_search", "web_fetch"} {
		if !hasName(names, want) {
			t.Fatalf("registry missing %s with capability flags on", want)
		}
	}
}

func TestBuildSettingToggles(t *testing.T) {
	deps, store := testDeps(t)
	store.settings["tools_mail_enabled"] = "false"
	store.settings["tools_calendar_enabled"] = "false"
	store.settings["tools_code_enabled"] = "false"
	store.settings["tools_web_enabled"] = "false"

	reg, err := deps.Build(1, false, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	names := registryNames(t, reg)
	for _, absent := range []string{
		"email_draft", "calendar_event",
		"file_create", "project_list_files", "project_read_file",
		"project_search", "project_replace",
		"web_search", "news_search", "web_fetch",
	} {
		if hasName(names, absent) {
			t.Fatalf("registry should not include %s when its toggle is off", absent)
		}
	}
	if !hasName(names, "task_schedule") {
		t.Fatal("task tools should survive the mail/calendar/code toggles")
	}
}

func TestBuildVisionToggle(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Settings.VisionEnabled = false
	reg, err := deps.Build(1, false, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if hasName(registryNames(t, reg), "image_describe") {
		t.Fatal("image_describe should be gated behind VisionEnabled")
	}
}

func TestListDocumentsTool(t *testing.T) {
	deps, store := testDeps(t)
	spec := deps.listDocumentsTool(1)

	if out := runTool(t, spec, nil); out != "No documents ingested." {
		t.Fatalf("empty list = %q", out)
	}

	store.AddDocument(1, "notes.md", "/tmp/notes.md", "md", "hello")
	store.AddDocument(2, "other.txt", "/tmp/other.txt", "txt", "nope")
	out := runTool(t, spec, nil)
	if out != "Documents:\n- notes.md (md)" {
		t.Fatalf("list = %q", out)
	}
}

func TestMemoryAppendAccretes(t *testing.T) {
	deps, store := testDeps(t)
	spec := deps.memoryAppendTool()

	if out := runTool(t, spec, map[string]any{"text": "prefers metric units"}); out != "Global memory updated." {
		t.Fatalf("append = %q", out)
	}
	runTool(t, spec, map[string]any{"text": "- works in Lyon"})

	got, _ := store.GetSetting("global_memory")
	want := "- prefers metric units\n- works in Lyon"
	if got != want {
		t.Fatalf("global_memory = %q, want %q", got, want)
	}
}

func TestRagSearchTool(t *testing.T) {
	deps, _ := testDeps(t)
	retriever := &fakeToolRetriever{hits: []rag.Hit{
		{Chunk: rag.Chunk{DocumentName: "report.pdf", Text: "Q3 revenue grew."}, Score: 0.9},
	}}
	deps.Retriever = retriever

	out := runTool(t, deps.ragSearchTool(1), map[string]any{"query": "revenue"})
	if !strings.Contains(out, "[report.pdf]") || !strings.Contains(out, "Q3 revenue grew.") {
		t.Fatalf("rag_search = %q", out)
	}

	retriever.hits = nil
	out = runTool(t, deps.ragSearchTool(1), map[string]any{"query": "revenue"})
	if out != "No relevant documents found." {
		t.Fatalf("rag_search with no hits = %q", out)
	}
}

func TestRagRebuildTool(t *testing.T) {
	deps, _ := testDeps(t)
	retriever := &fakeToolRetriever{}
	deps.Retriever = retriever

	if out := runTool(t, deps.ragRebuildTool(1), nil); out != "Document index rebuilt." {
		t.Fatalf("rag_rebuild = %q", out)
	}
	if retriever.invalidated != 1 {
		t.Fatalf("invalidated = %d, want 1", retriever.invalidated)
	}
}
