package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"valet/internal/config"
	"valet/internal/llm"
	"valet/internal/websearch"
	"valet/pkg/models"
)

type fakeStore struct {
	tasks    []*models.ScheduledTask
	statuses map[int64]string
	runs     map[int64]string
	messages []string
}

func newFakeStore(tasks ...*models.ScheduledTask) *fakeStore {
	return &fakeStore{
		tasks:    tasks,
		statuses: map[int64]string{},
		runs:     map[int64]string{},
	}
}

func (s *fakeStore) ListScheduledTasks(conversationID int64) ([]*models.ScheduledTask, error) {
	return s.tasks, nil
}

func (s *fakeStore) SetScheduledTaskStatus(id int64, status string) error {
	s.statuses[id] = status
	return nil
}

func (s *fakeStore) RecordScheduledTaskRun(id int64, status string) error {
	s.runs[id] = status
	return nil
}

func (s *fakeStore) ActiveBranch(conversationID int64) (int64, error) { return 1, nil }

func (s *fakeStore) AddMessage(conversationID int64, role models.Role, content string, branchID int64) (int64, error) {
	if role != models.RoleAssistant {
		return 0, fmt.Errorf("unexpected role %q", role)
	}
	s.messages = append(s.messages, content)
	return int64(len(s.messages)), nil
}

type fakeSearch struct {
	available bool
	results   []websearch.Result
	err       error
}

func (f *fakeSearch) Available() bool { return f.available }

func (f *fakeSearch) Search(ctx context.Context, query string, count int) ([]websearch.Result, error) {
	return f.results, f.err
}

type fakeLLM struct {
	available bool
	reply     string
}

func (f *fakeLLM) Available() bool { return f.available }

func (f *fakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	return &llm.ChatResult{Content: f.reply}, nil
}

func testScheduler(store *fakeStore, search Searcher, model LLM) *Scheduler {
	settings := &config.Settings{Timezone: "UTC", TextModel: "m"}
	return New(store, search, model, settings, slog.New(slog.DiscardHandler))
}

func TestReloadRegistersEnabledTasks(t *testing.T) {
	store := newFakeStore(
		&models.ScheduledTask{ID: 1, Cron: "0 8 * * *", Timezone: "UTC", TaskType: models.TaskReminder, Enabled: true},
		&models.ScheduledTask{ID: 2, Cron: "0 9 * * *", TaskType: models.TaskReminder, Enabled: false},
		&models.ScheduledTask{ID: 3, Cron: "not a cron", TaskType: models.TaskReminder, Enabled: true},
	)
	s := testScheduler(store, &fakeSearch{}, &fakeLLM{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if got := store.statuses[1]; got != "Scheduled (UTC)" {
		t.Fatalf("task 1 status = %q", got)
	}
	if _, touched := store.statuses[2]; touched {
		t.Fatal("disabled task should not be registered")
	}
	if got := store.statuses[3]; !strings.HasPrefix(got, "Cron error: ") {
		t.Fatalf("task 3 status = %q", got)
	}
}

func TestCronSpecTimezones(t *testing.T) {
	cases := []struct {
		taskTZ, appTZ string
		wantTZ        string
	}{
		{"Europe/Paris", "UTC", "Europe/Paris"},
		{"", "America/New_York", "America/New_York"},
		{"", "", "UTC"},
		{"Not/A_Zone", "UTC", "UTC"},
	}
	for _, tc := range cases {
		task := &models.ScheduledTask{Cron: "0 8 * * *", Timezone: tc.taskTZ}
		spec, tz := cronSpec(task, tc.appTZ)
		if tz != tc.wantTZ {
			t.Fatalf("cronSpec tz = %q, want %q", tz, tc.wantTZ)
		}
		if spec != "CRON_TZ="+tc.wantTZ+" 0 8 * * *" {
			t.Fatalf("spec = %q", spec)
		}
	}
}

func TestRunReminderPostsMessage(t *testing.T) {
	task := &models.ScheduledTask{
		ID: 7, ConversationID: 3, Name: "Timesheet", TaskType: models.TaskReminder,
		Cron: "0 17 * * 5", Enabled: true,
		Payload: `{"message":"submit your timesheet"}`,
	}
	store := newFakeStore(task)
	s := testScheduler(store, &fakeSearch{}, &fakeLLM{})

	s.runTask(7)

	if store.runs[7] != "ok" {
		t.Fatalf("run status = %q", store.runs[7])
	}
	if len(store.messages) != 1 || store.messages[0] != "Scheduled reminder: submit your timesheet" {
		t.Fatalf("messages = %v", store.messages)
	}
}

func TestRunTaskSkipsDisabled(t *testing.T) {
	task := &models.ScheduledTask{ID: 5, TaskType: models.TaskReminder, Enabled: false}
	store := newFakeStore(task)
	s := testScheduler(store, &fakeSearch{}, &fakeLLM{})

	s.runTask(5)
	if len(store.runs) != 0 || len(store.messages) != 0 {
		t.Fatal("disabled task should not run")
	}
}

func TestRunWebDigestWithSummary(t *testing.T) {
	task := &models.ScheduledTask{
		ID: 4, ConversationID: 2, Name: "Morning digest", TaskType: models.TaskWebDigest,
		Cron: "0 8 * * *", Enabled: true,
		Payload: `{"query":"go releases","limit":2}`,
	}
	store := newFakeStore(task)
	search := &fakeSearch{available: true, results: []websearch.Result{
		{Title: "Go 1.23", URL: "https://go.dev/blog/go1.23", Snippet: "Released."},
	}}
	s := testScheduler(store, search, &fakeLLM{available: true, reply: "- Go 1.23 is out"})

	s.runTask(4)

	if store.runs[4] != "ok" {
		t.Fatalf("run status = %q", store.runs[4])
	}
	if len(store.messages) != 1 {
		t.Fatalf("messages = %v", store.messages)
	}
	msg := store.messages[0]
	for _, want := range []string{
		"Scheduled task result: Morning digest",
		"- Go 1.23 is out",
		"Sources:\n- [Go 1.23](https://go.dev/blog/go1.23): Released.",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestRunWebDigestWithoutLLM(t *testing.T) {
	falseFlag := `{"query":"events","use_llm":false}`
	task := &models.ScheduledTask{
		ID: 6, ConversationID: 2, Name: "Events", TaskType: models.TaskWebDigest,
		Cron: "0 8 * * *", Enabled: true, Payload: falseFlag,
	}
	store := newFakeStore(task)
	search := &fakeSearch{available: true, results: []websearch.Result{
		{Title: "Fair", URL: "https://example.com/fair"},
	}}
	s := testScheduler(store, search, &fakeLLM{available: true, reply: "should not appear"})

	s.runTask(6)

	if len(store.messages) != 1 {
		t.Fatalf("messages = %v", store.messages)
	}
	if strings.Contains(store.messages[0], "should not appear") {
		t.Fatal("use_llm=false digest must skip the summary")
	}
	if !strings.Contains(store.messages[0], "Sources:\n- [Fair](https://example.com/fair)") {
		t.Fatalf("message = %q", store.messages[0])
	}
}

func TestRunWebDigestSearchUnavailable(t *testing.T) {
	task := &models.ScheduledTask{
		ID: 8, ConversationID: 2, TaskType: models.TaskWebDigest,
		Cron: "0 8 * * *", Enabled: true,
	}
	store := newFakeStore(task)
	s := testScheduler(store, &fakeSearch{available: false}, &fakeLLM{})

	s.runTask(8)
	if store.runs[8] != "Web search is not configured." {
		t.Fatalf("run status = %q", store.runs[8])
	}
	if len(store.messages) != 0 {
		t.Fatal("no message should be posted when search is unavailable")
	}
}
