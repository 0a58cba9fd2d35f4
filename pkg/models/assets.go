package models

import "time"

// Document is an ingested file whose extracted text feeds retrieval and
// @mention context blocks.
type Document struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	DocType        string    `json:"doc_type"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// Image is a stored picture with an optional model-generated description
// that the context builder surfaces to the assistant.
type Image struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	Description    string    `json:"description"`
	Generated      bool      `json:"generated"`
	CreatedAt      time.Time `json:"created_at"`
}

// Scheduled task types.
const (
	TaskWebDigest = "web_digest"
	TaskReminder  = "reminder"
)

// ScheduledTask is a cron-triggered action that posts its output into a
// conversation as an assistant message.
type ScheduledTask struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Name           string    `json:"name"`
	TaskType       string    `json:"task_type"`
	Cron           string    `json:"cron"`
	Timezone       string    `json:"timezone"`
	Payload        string    `json:"payload"`
	Enabled        bool      `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastStatus     string    `json:"last_status"`
	CreatedAt      time.Time `json:"created_at"`
}
