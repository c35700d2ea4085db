package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oselabs/agentdesk/internal/models"
	"github.com/oselabs/agentdesk/internal/session"
)

// sessionUpdate is the JSON body of a per-conversation SSE update.
type sessionUpdate struct {
	ConversationID string `json:"conversation_id"`
	State          string `json:"state"`
	StatusText     string `json:"status_text,omitempty"`
	StreamingText  string `json:"streaming_text,omitempty"`
	Error          string `json:"error,omitempty"`

	// Message is present once the turn finished, rendered to HTML for display.
	Message *messageView `json:"message,omitempty"`
}

type messageView struct {
	ID               string                   `json:"id"`
	Role             string                   `json:"role"`
	HTML             string                   `json:"html"`
	SuggestedValues  []string                 `json:"suggested_values,omitempty"`
	SuggestedActions []models.SuggestedAction `json:"suggested_actions,omitempty"`
	Payload          *models.Payload          `json:"payload,omitempty"`
}

// HandleChats processes chat turns through HTTP POST requests, managing both new conversation
// creation and turn handling. It accepts the user input through form data, sends the turn
// through the conversation's session, and streams live updates to the UI through server-sent
// events on the conversation's topic.
//
// The handler expects a "message" form field and an optional "conversation_id" field, plus
// optional "interaction", "action_id" and "action_data" fields for non-typed turns. If no
// conversation_id is provided, it creates a new conversation record first.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	conversationID := r.FormValue("conversation_id")
	if conversationID == "" {
		conv, err := m.store.CreateConversation(r.Context())
		if err != nil {
			m.logger.Error("Failed to create conversation", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		conversationID = conv.ID
		m.publish(conversationsSSEType, conversationsSSETopic, conv)
	}

	turn := models.Turn{
		Content:     msg,
		Interaction: models.InteractionType(r.FormValue("interaction")),
		ActionID:    r.FormValue("action_id"),
	}
	if turn.Interaction == "" {
		turn.Interaction = models.InteractionTextInput
	}
	if data := r.FormValue("action_data"); data != "" {
		if err := json.Unmarshal([]byte(data), &turn.ActionData); err != nil {
			m.logger.Error("Invalid action data", slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Invalid action data", http.StatusBadRequest)
			return
		}
	}

	sess := m.sessionFor(r.Context(), conversationID)

	// The user message is persisted up front so it survives a failed turn.
	um := models.Message{
		Role:      models.RoleUser,
		Content:   turn.Content,
		Timestamp: time.Now(),
	}
	if _, err := m.store.AppendMessage(r.Context(), conversationID, um); err != nil {
		m.logger.Error("Failed to persist user message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	go m.runTurn(conversationID, sess, turn)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"conversation_id": conversationID}); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}

// runTurn drives one turn to completion and persists its outcome. Live updates reach the UI
// through the session's update callback; this function only handles the terminal bookkeeping.
func (m *Main) runTurn(conversationID string, sess *session.Session, turn models.Turn) {
	before := len(sess.Messages())

	if err := sess.SendTurn(context.Background(), turn); err != nil {
		if errors.Is(err, session.ErrTurnInFlight) {
			m.logger.Warn("Rejected turn while another is in flight",
				slog.String("conversationID", conversationID))
			return
		}
		m.logger.Error("Failed to send turn", slog.String(errLoggerKey, err.Error()))
		return
	}

	// Persist whatever the turn appended beyond the optimistic user message, which the
	// handler already stored: the final assistant message or the synthetic failure notice.
	messages := sess.Messages()
	for _, am := range messages[min(before+1, len(messages)):] {
		if _, err := m.store.AppendMessage(context.Background(), conversationID, am); err != nil {
			m.logger.Error("Failed to persist assistant message",
				slog.String(errLoggerKey, err.Error()))
		}
	}

	// The first successful turn yields the backend's conversation identity; record it so a
	// rehydrated session keeps addressing the same backend conversation.
	if backendID := sess.ConversationID(); backendID != "" {
		if err := m.store.UpdateBackendID(context.Background(), conversationID, backendID); err != nil {
			m.logger.Error("Failed to persist backend conversation id",
				slog.String(errLoggerKey, err.Error()))
		}
	}

	if len(messages) > 0 {
		m.maybeSetTitle(conversationID, messages[0].Content)
	}
}

// maybeSetTitle derives a conversation title from its first message. The backend owns good
// titles; this is the fallback so listings never show empty rows.
func (m *Main) maybeSetTitle(conversationID, firstMessage string) {
	title := strings.TrimSpace(firstMessage)
	if len(title) > 80 {
		title = title[:80]
	}
	if title == "" {
		return
	}
	if err := m.store.UpdateTitle(context.Background(), conversationID, title); err != nil {
		m.logger.Error("Failed to update conversation title", slog.String(errLoggerKey, err.Error()))
	}
}

// publishSession pushes the session's current state to the conversation's SSE topic.
func (m *Main) publishSession(conversationID string, sess *session.Session) {
	buf := sess.StreamingBuffer()
	update := sessionUpdate{
		ConversationID: conversationID,
		State:          string(sess.State()),
		StatusText:     buf.StatusText,
		StreamingText:  buf.CollectedTokens,
	}
	if err := sess.Err(); err != nil {
		update.Error = err.Error()
	}

	if update.State == string(session.StateIdle) {
		if messages := sess.Messages(); len(messages) > 0 {
			last := messages[len(messages)-1]
			if last.Role == models.RoleAssistant {
				update.Message = &messageView{
					ID:               last.ID,
					Role:             string(last.Role),
					HTML:             m.renderMarkdown(last.Content),
					SuggestedValues:  last.SuggestedValues,
					SuggestedActions: last.SuggestedActions,
					Payload:          last.Payload,
				}
			}
		}
	}

	m.publish(messagesSSEType, conversationTopic(conversationID), update)
}

// HandleCancel stops the in-flight turn of a conversation. Cancelling an idle conversation is a
// no-op, mirroring the session contract.
func (m *Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conversationID := r.FormValue("conversation_id")
	if conversationID == "" {
		http.Error(w, "Conversation id is required", http.StatusBadRequest)
		return
	}

	m.sessionFor(r.Context(), conversationID).Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// HandleConversations serves the conversation listing, fetching and deletion endpoints backed
// by the store.
func (m *Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if id := r.URL.Query().Get("id"); id != "" {
			conv, err := m.store.Conversation(r.Context(), id)
			if err != nil {
				m.logger.Error("Failed to get conversation", slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, conv, m.logger)
			return
		}

		limit := 0
		if l := r.URL.Query().Get("limit"); l != "" {
			parsed, err := strconv.Atoi(l)
			if err != nil {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			limit = parsed
		}
		conversations, err := m.store.Conversations(r.Context(), limit)
		if err != nil {
			m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, conversations, m.logger)

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Conversation id is required", http.StatusBadRequest)
			return
		}
		if err := m.store.DeleteConversation(r.Context(), id); err != nil {
			m.logger.Error("Failed to delete conversation", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, data any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}
