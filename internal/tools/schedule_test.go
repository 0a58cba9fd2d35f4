package tools

import (
	"encoding/json"
	"strings"
	"testing"

	"valet/pkg/models"
)

func TestScheduleWebDigest(t *testing.T) {
	deps, store := testDeps(t)
	reloader := &fakeReloader{}
	deps.Scheduler = reloader

	out := runTool(t, deps.taskScheduleTool(1), map[string]any{
		"cron":  "0 8 * * *",
		"query": "go releases",
		"limit": float64(3),
	})
	if !strings.HasPrefix(out, "Task scheduled (id ") ||
		!strings.Contains(out, "Digest: go releases") ||
		!strings.Contains(out, "cron `0 8 * * *`") ||
		!strings.Contains(out, "tz `UTC`") {
		t.Fatalf("schedule = %q", out)
	}
	if reloader.reloads != 1 {
		t.Fatalf("reloads = %d, want 1", reloader.reloads)
	}

	tasks, _ := store.ListScheduledTasks(1)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.TaskType != models.TaskWebDigest || !task.Enabled {
		t.Fatalf("task = %+v", task)
	}
	var payload struct {
		Query  string `json:"query"`
		Limit  int    `json:"limit"`
		UseLLM bool   `json:"use_llm"`
	}
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Query != "go releases" || payload.Limit != 3 || !payload.UseLLM {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestScheduleReminder(t *testing.T) {
	deps, store := testDeps(t)
	out := runTool(t, deps.taskScheduleTool(1), map[string]any{
		"cron":      "30 17 * * 5",
		"task_type": "reminder",
		"message":   "submit timesheet",
	})
	if !strings.Contains(out, "Reminder: submit timesheet") {
		t.Fatalf("schedule = %q", out)
	}

	tasks, _ := store.ListScheduledTasks(1)
	if tasks[0].TaskType != models.TaskReminder {
		t.Fatalf("task type = %q", tasks[0].TaskType)
	}
	if !strings.Contains(tasks[0].Payload, `"message":"submit timesheet"`) {
		t.Fatalf("payload = %q", tasks[0].Payload)
	}
}

func TestScheduleValidation(t *testing.T) {
	deps, _ := testDeps(t)
	spec := deps.taskScheduleTool(1)

	if out := runTool(t, spec, map[string]any{}); out != "Provide a cron schedule (min hour day month dow)." {
		t.Fatalf("missing cron = %q", out)
	}
	if out := runTool(t, spec, map[string]any{"cron": "* * * * *", "task_type": "backup"}); out != "Unsupported task type." {
		t.Fatalf("bad type = %q", out)
	}
	if out := runTool(t, spec, map[string]any{"cron": "* * * * *"}); out != "Provide a query for the web digest." {
		t.Fatalf("missing query = %q", out)
	}
}

func TestTaskListFormatting(t *testing.T) {
	deps, store := testDeps(t)
	spec := deps.taskListTool(1)

	if out := runTool(t, spec, nil); out != "No scheduled tasks." {
		t.Fatalf("empty = %q", out)
	}

	store.AddScheduledTask(&models.ScheduledTask{
		ConversationID: 1, Name: "Morning digest", TaskType: models.TaskWebDigest,
		Cron: "0 8 * * *", Timezone: "UTC", Enabled: false, LastStatus: "ok",
	})
	out := runTool(t, spec, nil)
	if !strings.Contains(out, "Morning digest") ||
		!strings.Contains(out, "disabled") ||
		!strings.Contains(out, "last_run -") ||
		!strings.Contains(out, "| ok") {
		t.Fatalf("list = %q", out)
	}
}

func TestTaskDeleteScopedToConversation(t *testing.T) {
	deps, store := testDeps(t)
	otherID, _ := store.AddScheduledTask(&models.ScheduledTask{
		ConversationID: 2, Name: "foreign", TaskType: models.TaskReminder,
		Cron: "* * * * *", Timezone: "UTC", Enabled: true,
	})

	out := runTool(t, deps.taskDeleteTool(1), map[string]any{"task_id": float64(otherID)})
	if out != "Task not found." {
		t.Fatalf("cross-conversation delete = %q", out)
	}
	if tasks, _ := store.ListScheduledTasks(2); len(tasks) != 1 {
		t.Fatal("foreign task should survive")
	}

	ownID, _ := store.AddScheduledTask(&models.ScheduledTask{
		ConversationID: 1, Name: "mine", TaskType: models.TaskReminder,
		Cron: "* * * * *", Timezone: "UTC", Enabled: true,
	})
	out = runTool(t, deps.taskDeleteTool(1), map[string]any{"task_id": float64(ownID)})
	if !strings.HasSuffix(out, "deleted.") {
		t.Fatalf("delete = %q", out)
	}
	if tasks, _ := store.ListScheduledTasks(1); len(tasks) != 0 {
		t.Fatal("own task should be gone")
	}
}

func TestTaskEnableToggle(t *testing.T) {
	deps, store := testDeps(t)
	id, _ := store.AddScheduledTask(&models.ScheduledTask{
		ConversationID: 1, Name: "digest", TaskType: models.TaskWebDigest,
		Cron: "0 8 * * *", Timezone: "UTC", Enabled: true,
	})

	out := runTool(t, deps.taskEnableTool(1), map[string]any{"task_id": float64(id), "enabled": false})
	if !strings.HasSuffix(out, "disabled.") {
		t.Fatalf("disable = %q", out)
	}
	tasks, _ := store.ListScheduledTasks(1)
	if tasks[0].Enabled {
		t.Fatal("task should be disabled")
	}

	if out := runTool(t, deps.taskEnableTool(1), map[string]any{"task_id": float64(id)}); out != "Provide enabled=true or false." {
		t.Fatalf("missing enabled = %q", out)
	}
}
