// Package scheduler runs cron-triggered conversation tasks: web digests
// and reminders. Results land in the owning conversation as assistant
// messages.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	openai "github.com/sashabaranov/go-openai"

	"valet/internal/config"
	"valet/internal/llm"
	"valet/internal/websearch"
	"valet/pkg/models"
)

// cronParser accepts the standard 5-field form plus @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	ListScheduledTasks(conversationID int64) ([]*models.ScheduledTask, error)
	SetScheduledTaskStatus(id int64, status string) error
	RecordScheduledTaskRun(id int64, status string) error
	ActiveBranch(conversationID int64) (int64, error)
	AddMessage(conversationID int64, role models.Role, content string, branchID int64) (int64, error)
}

// LLM produces the optional digest summary.
type LLM interface {
	Available() bool
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error)
}

// Searcher issues the digest web queries.
type Searcher interface {
	Available() bool
	Search(ctx context.Context, query string, count int) ([]websearch.Result, error)
}

// Scheduler owns one cron runner. Reload rebuilds the job set from the
// store, so task create/delete/toggle takes effect immediately.
type Scheduler struct {
	store    Store
	search   Searcher
	llm      LLM
	settings *config.Settings
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func New(store Store, search Searcher, model LLM, settings *config.Settings, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		search:   search,
		llm:      model,
		settings: settings,
		logger:   logger,
	}
}

// Start registers all enabled tasks and begins running them.
func (s *Scheduler) Start() error {
	return s.Reload()
}

// Stop halts the runner and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	runner := s.cron
	s.cron = nil
	s.mu.Unlock()
	if runner != nil {
		<-runner.Stop().Done()
	}
}

// Reload replaces the active job set with the enabled tasks currently in
// the store. Tasks with unparseable cron expressions are skipped and get
// their failure recorded in the task status.
func (s *Scheduler) Reload() error {
	tasks, err := s.store.ListScheduledTasks(0)
	if err != nil {
		return fmt.Errorf("scheduler: list tasks: %w", err)
	}

	runner := cron.New(cron.WithParser(cronParser))
	registered := 0
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		taskID := task.ID
		spec, tzName := cronSpec(task, s.settings.Timezone)
		if _, err := runner.AddFunc(spec, func() { s.runTask(taskID) }); err != nil {
			s.logger.Warn("task registration failed", "task", taskID, "cron", task.Cron, "error", err)
			if serr := s.store.SetScheduledTaskStatus(taskID, "Cron error: "+err.Error()); serr != nil {
				s.logger.Warn("task status update failed", "task", taskID, "error", serr)
			}
			continue
		}
		if err := s.store.SetScheduledTaskStatus(taskID, fmt.Sprintf("Scheduled (%s)", tzName)); err != nil {
			s.logger.Warn("task status update failed", "task", taskID, "error", err)
		}
		registered++
	}

	s.mu.Lock()
	old := s.cron
	s.cron = runner
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	runner.Start()

	s.logger.Info("scheduler reloaded", "tasks", registered)
	return nil
}

// cronSpec prefixes the expression with the task's timezone so the cron
// runner evaluates it in local task time. Unknown zones fall back to the
// application timezone, then UTC.
func cronSpec(task *models.ScheduledTask, appTZ string) (spec, tzName string) {
	tzName = strings.TrimSpace(task.Timezone)
	if tzName == "" {
		tzName = appTZ
	}
	if tzName == "" {
		tzName = "UTC"
	}
	if _, err := time.LoadLocation(tzName); err != nil {
		tzName = "UTC"
	}
	return "CRON_TZ=" + tzName + " " + strings.TrimSpace(task.Cron), tzName
}

func (s *Scheduler) runTask(taskID int64) {
	task, err := s.findTask(taskID)
	if err != nil {
		s.logger.Warn("task lookup failed", "task", taskID, "error", err)
		return
	}
	if task == nil || !task.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var status string
	switch task.TaskType {
	case models.TaskWebDigest:
		status = s.runWebDigest(ctx, task)
	case models.TaskReminder:
		status = s.runReminder(task)
	default:
		status = "Unknown task type: " + task.TaskType
	}
	if err := s.store.RecordScheduledTaskRun(task.ID, status); err != nil {
		s.logger.Warn("task run record failed", "task", task.ID, "error", err)
	}
}

func (s *Scheduler) findTask(taskID int64) (*models.ScheduledTask, error) {
	tasks, err := s.store.ListScheduledTasks(0)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.ID == taskID {
			return task, nil
		}
	}
	return nil, nil
}

type digestPayload struct {
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
	UseLLM *bool  `json:"use_llm"`
}

func (s *Scheduler) runWebDigest(ctx context.Context, task *models.ScheduledTask) string {
	var payload digestPayload
	if task.Payload != "" {
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			s.logger.Warn("digest payload unreadable", "task", task.ID, "error", err)
		}
	}
	query := strings.TrimSpace(payload.Query)
	if query == "" {
		query = task.Name
	}
	if query == "" {
		query = "News"
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = 5
	}

	if s.search == nil || !s.search.Available() {
		return "Web search is not configured."
	}
	results, err := s.search.Search(ctx, query, limit)
	if err != nil {
		return "Task error: " + err.Error()
	}
	sources := websearch.SummarizeResults(results)
	if sources == "" {
		sources = "No results."
	}

	summary := s.summarizeDigest(ctx, sources, payload)

	title := task.Name
	if title == "" {
		title = "Scheduled task"
	}
	content := "Scheduled task result: " + title + "\n\n"
	if summary != "" {
		content += summary + "\n\n"
	}
	content += sources

	if err := s.postMessage(task.ConversationID, content); err != nil {
		return "Task error: " + err.Error()
	}
	return "ok"
}

// summarizeDigest asks the text model for a short factual recap of the
// sources. Disabled by payload flag or when the model is unavailable.
func (s *Scheduler) summarizeDigest(ctx context.Context, sources string, payload digestPayload) string {
	if payload.UseLLM != nil && !*payload.UseLLM {
		return ""
	}
	if s.llm == nil || !s.llm.Available() {
		return ""
	}
	prompt := "Summarize the key points in 3-5 short bullets. Stay factual and keep the source links at the end.\n\n" + sources
	res, err := s.llm.Chat(ctx, llm.ChatRequest{
		Model: s.settings.TextModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You summarize news."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		s.logger.Warn("digest summary failed", "error", err)
		return ""
	}
	return strings.TrimSpace(res.Content)
}

func (s *Scheduler) runReminder(task *models.ScheduledTask) string {
	var payload struct {
		Message string `json:"message"`
	}
	if task.Payload != "" {
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			s.logger.Warn("reminder payload unreadable", "task", task.ID, "error", err)
		}
	}
	message := strings.TrimSpace(payload.Message)
	if message == "" {
		message = task.Name
	}
	if message == "" {
		message = "Reminder"
	}
	if err := s.postMessage(task.ConversationID, "Scheduled reminder: "+message); err != nil {
		return "Task error: " + err.Error()
	}
	return "ok"
}

func (s *Scheduler) postMessage(conversationID int64, content string) error {
	branchID, err := s.store.ActiveBranch(conversationID)
	if err != nil {
		return err
	}
	_, err = s.store.AddMessage(conversationID, models.RoleAssistant, content, branchID)
	return err
}
