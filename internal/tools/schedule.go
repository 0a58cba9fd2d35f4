package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"valet/internal/agent"
	"valet/pkg/models"
)

func (d Deps) taskScheduleTool(conversationID int64) agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "task_schedule",
		Description: "Schedule a recurring task (cron) for reminders or web digests.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":      map[string]any{"type": "string"},
				"task_type": map[string]any{"type": "string", "enum": []string{models.TaskWebDigest, models.TaskReminder}},
				"cron": map[string]any{
					"type":        "string",
					"description": "Cron expression: min hour day month dow",
				},
				"timezone": map[string]any{"type": "string"},
				"query":    map[string]any{"type": "string"},
				"message":  map[string]any{"type": "string"},
				"limit":    map[string]any{"type": "integer"},
				"use_llm":  map[string]any{"type": "boolean"},
				"enabled":  map[string]any{"type": "boolean"},
			},
			"required": []string{"cron"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return d.scheduleTask(conversationID, args)
		},
	}
}

func (d Deps) scheduleTask(conversationID int64, args map[string]any) (string, error) {
	cron := strings.TrimSpace(stringArg(args, "cron"))
	if cron == "" {
		return "Provide a cron schedule (min hour day month dow).", nil
	}
	name := strings.TrimSpace(stringArg(args, "name"))
	taskType := strings.TrimSpace(stringArg(args, "task_type"))
	if taskType == "" {
		taskType = models.TaskWebDigest
	}
	if taskType != models.TaskWebDigest && taskType != models.TaskReminder {
		return "Unsupported task type.", nil
	}
	timezone := strings.TrimSpace(stringArg(args, "timezone"))
	if timezone == "" {
		timezone = d.Settings.Timezone
	}

	var payload map[string]any
	switch taskType {
	case models.TaskWebDigest:
		query := strings.TrimSpace(stringArg(args, "query"))
		if query == "" && name == "" {
			return "Provide a query for the web digest.", nil
		}
		if name == "" {
			name = "Digest: " + query
		}
		if query == "" {
			query = name
		}
		limit := 5
		if v, ok := intArg(args, "limit"); ok && v > 0 {
			limit = v
		}
		payload = map[string]any{
			"query":   query,
			"limit":   limit,
			"use_llm": boolArg(args, "use_llm", true),
		}
	case models.TaskReminder:
		message := strings.TrimSpace(stringArg(args, "message"))
		if message == "" {
			message = strings.TrimSpace(stringArg(args, "query"))
		}
		if message == "" {
			message = name
		}
		if message == "" {
			return "Provide a reminder message.", nil
		}
		if name == "" {
			name = "Reminder: " + message
		}
		payload = map[string]any{"message": message}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	enabled := boolArg(args, "enabled", true)
	id, err := d.Store.AddScheduledTask(&models.ScheduledTask{
		ConversationID: conversationID,
		Name:           name,
		TaskType:       taskType,
		Cron:           cron,
		Timezone:       timezone,
		Payload:        string(raw),
		Enabled:        enabled,
	})
	if err != nil {
		return "", err
	}
	d.reloadScheduler()
	return fmt.Sprintf("Task scheduled (id %d): %s | cron `%s` | tz `%s`", id, name, cron, timezone), nil
}

func (d Deps) taskListTool(conversationID int64) agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "task_list",
		Description: "List scheduled tasks for this conversation.",
		Parameters:  emptyObjectSchema(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			tasks, err := d.Store.ListScheduledTasks(conversationID)
			if err != nil {
				return "", err
			}
			if len(tasks) == 0 {
				return "No scheduled tasks.", nil
			}
			var b strings.Builder
			b.WriteString("Scheduled tasks:")
			for _, task := range tasks {
				state := "enabled"
				if !task.Enabled {
					state = "disabled"
				}
				lastRun, lastStatus := "-", "-"
				if task.LastRunAt != nil {
					lastRun = task.LastRunAt.Format("2006-01-02 15:04")
				}
				if task.LastStatus != "" {
					lastStatus = task.LastStatus
				}
				fmt.Fprintf(&b, "\n- %d: %s | %s | cron `%s` | tz `%s` | %s | last_run %s | %s",
					task.ID, task.Name, task.TaskType, task.Cron, task.Timezone, state, lastRun, lastStatus)
			}
			return b.String(), nil
		},
	}
}

func (d Deps) taskDeleteTool(conversationID int64) agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "task_delete",
		Description: "Delete a scheduled task by id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{"type": "integer"},
			},
			"required": []string{"task_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, ok := intArg(args, "task_id")
			if !ok {
				return "Provide a valid task_id.", nil
			}
			task, found, err := d.findTask(conversationID, int64(id))
			if err != nil {
				return "", err
			}
			if !found {
				return "Task not found.", nil
			}
			if err := d.Store.DeleteScheduledTask(task.ID); err != nil {
				return "", err
			}
			d.reloadScheduler()
			return fmt.Sprintf("Task %d deleted.", task.ID), nil
		},
	}
}

func (d Deps) taskEnableTool(conversationID int64) agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "task_enable",
		Description: "Enable or disable a scheduled task.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{"type": "integer"},
				"enabled": map[string]any{"type": "boolean"},
			},
			"required": []string{"task_id", "enabled"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, ok := intArg(args, "task_id")
			if !ok {
				return "Provide a valid task_id.", nil
			}
			enabled, isBool := args["enabled"].(bool)
			if !isBool {
				return "Provide enabled=true or false.", nil
			}
			task, found, err := d.findTask(conversationID, int64(id))
			if err != nil {
				return "", err
			}
			if !found {
				return "Task not found.", nil
			}
			if err := d.Store.SetScheduledTaskEnabled(task.ID, enabled); err != nil {
				return "", err
			}
			d.reloadScheduler()
			state := "enabled"
			if !enabled {
				state = "disabled"
			}
			return fmt.Sprintf("Task %d %s.", task.ID, state), nil
		},
	}
}

// findTask scopes task lookups to the owning conversation so a model
// cannot touch another conversation's schedules.
func (d Deps) findTask(conversationID, taskID int64) (*models.ScheduledTask, bool, error) {
	tasks, err := d.Store.ListScheduledTasks(conversationID)
	if err != nil {
		return nil, false, err
	}
	for _, task := range tasks {
		if task.ID == taskID {
			return task, true, nil
		}
	}
	return nil, false, nil
}

func (d Deps) reloadScheduler() {
	if d.Scheduler == nil {
		return
	}
	if err := d.Scheduler.Reload(); err != nil {
		d.logger().Warn("scheduler reload failed", "error", err)
	}
}
