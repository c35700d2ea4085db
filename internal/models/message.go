package models

import "time"

// Conversation represents a container for one message thread. It provides basic identification and
// labeling capabilities for organizing chat histories, and carries its messages when loaded in full
// from the store.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`

	// BackendID is this conversation's identity in the backend's namespace. It is empty until
	// the first successful turn, whose terminal frame carries the id the backend assigned.
	BackendID string `json:"backend_id,omitempty"`

	// Messages is only populated when the conversation is fetched in full; listings leave it nil.
	Messages []Message `json:"messages,omitempty"`
}

// Message represents an individual communication entry within a conversation. The message log is
// append-only and its order is semantic: messages render in the order they were appended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// SuggestedValues holds quick-reply values the assistant offered alongside this message.
	SuggestedValues []string `json:"suggested_values,omitempty"`
	// SuggestedActions holds actions the assistant offered alongside this message.
	SuggestedActions []SuggestedAction `json:"suggested_actions,omitempty"`
	// Payload holds the structured block extracted from the assistant text, if any.
	Payload *Payload `json:"payload,omitempty"`
}

// SuggestedAction is an action the assistant proposes the user execute, carrying an identifier
// the backend understands plus free-form data for it.
type SuggestedAction struct {
	ID    string         `json:"id"`
	Label string         `json:"label"`
	Data  map[string]any `json:"data,omitempty"`
}

// Turn is one user-initiated exchange. It is immutable once sent.
type Turn struct {
	Content     string          `json:"content"`
	Interaction InteractionType `json:"interaction,omitempty"`

	// ActionID and ActionData would be filled if Interaction is InteractionActionExecuted.
	ActionID   string         `json:"action_id,omitempty"`
	ActionData map[string]any `json:"action_data,omitempty"`
}

// Role represents the role of a message participant.
type Role string

// InteractionType tags how the user produced a turn.
type InteractionType string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"

	// InteractionTextInput marks a turn typed by the user.
	InteractionTextInput InteractionType = "text_input"
	// InteractionValueSelected marks a turn produced by picking a suggested value.
	InteractionValueSelected InteractionType = "value_selected"
	// InteractionActionExecuted marks a turn produced by executing a suggested action.
	InteractionActionExecuted InteractionType = "action_executed"
)
