package model

import "time"

// Role identifies the speaker of a conversation event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ValidRoles are the allowed event roles.
var ValidRoles = map[Role]bool{
	RoleUser:      true,
	RoleAssistant: true,
	RoleSystem:    true,
}

// ConversationEvent is one append-only exchange in a session. Content is nil
// once the event has been redacted by deletion.
type ConversationEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   *string   `json:"content"`
	Redacted  bool      `json:"redacted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Text returns the event content or "" when redacted.
func (e *ConversationEvent) Text() string {
	if e.Content == nil {
		return ""
	}
	return *e.Content
}

// SessionSummary compacts older events of a session. A newer summary
// supersedes the previous one.
type SessionSummary struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Content      string    `json:"content"`
	FromSeq      int       `json:"from_seq"`
	ToSeq        int       `json:"to_seq"`
	Version      int       `json:"version"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditRecord is emitted for every store write. It never carries memory content.
type AuditRecord struct {
	ID        string    `json:"id"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
