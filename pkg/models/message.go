package models

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation's append-only log.
//
// Messages are owned by the store: callers append and read, they never
// rewrite history. The single exception is streaming content accretion,
// where the in-flight assistant message grows append-only until the turn
// completes.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	BranchID       int64     `json:"branch_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`

	// EditOf points at the message this one replaces on an alternate
	// branch. Nil for ordinary messages.
	EditOf *int64 `json:"edit_of,omitempty"`
}

// Conversation groups messages under a title. ActiveBranchID selects which
// branch new turns append to.
type Conversation struct {
	ID             int64     `json:"id"`
	Title          string    `json:"title"`
	AutoTitle      bool      `json:"auto_title"`
	ActiveBranchID int64     `json:"active_branch_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Branch is an alternate continuation of a conversation, created by the
// edit/regenerate flow from a pivot message.
type Branch struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	ParentBranchID *int64    `json:"parent_branch_id,omitempty"`
	PivotMessageID *int64    `json:"pivot_message_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
