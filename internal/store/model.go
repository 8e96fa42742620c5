package store

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Kind classifies a message's payload.
type Kind string

const (
	KindText       Kind = "text"
	KindToolResult Kind = "tool_result"
	KindScreenshot Kind = "screenshot"
	KindError      Kind = "error"
)

// Session is a persistent conversation with a status and ordered history.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Summary is the listing view of a session, without its messages.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one persisted turn in a session's history. Messages are
// immutable once written; their id order is the canonical conversation order.
type Message struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       Role      `json:"role"`
	Kind       Kind      `json:"kind"`
	Content    string    `json:"content"`
	ToolName   *string   `json:"tool_name,omitempty"`
	Screenshot *string   `json:"screenshot,omitempty"`
	Error      *string   `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// MessageFields carries the writable fields of a new message. The store
// assigns id and timestamp.
type MessageFields struct {
	Role       Role
	Kind       Kind
	Content    string
	ToolName   *string
	Screenshot *string
	Error      *string
}
