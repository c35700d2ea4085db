package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oselabs/agentdesk/internal/models"
	"github.com/oselabs/agentdesk/internal/payload"
	"github.com/oselabs/agentdesk/internal/session"
	"github.com/oselabs/agentdesk/internal/stream"
	"github.com/oselabs/agentdesk/internal/workflow"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

// Backend is the agent backend client used for chat turns, workflow execution and per-row
// completions.
type Backend interface {
	TurnFrames(ctx context.Context, req stream.TurnRequest) iter.Seq2[stream.Frame, error]
	StartEvents(ctx context.Context, req stream.StartWorkflowRequest) iter.Seq2[models.WorkflowEvent, error]
	ResumeEvents(ctx context.Context, req stream.ResumeWorkflowRequest) iter.Seq2[models.WorkflowEvent, error]
	Complete(ctx context.Context, prompt string) (string, error)
}

// Store defines the interface for conversation persistence. It provides the four core
// operations of the conversation store plus the write operations the delivery layer performs
// while streaming.
type Store interface {
	Conversations(ctx context.Context, limit int) ([]models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	CreateConversation(ctx context.Context) (models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, conversationID string, message models.Message) (string, error)
	UpdateTitle(ctx context.Context, id, title string) error
	UpdateBackendID(ctx context.Context, id, backendID string) error
}

// Main handles the core functionality of the application, managing server-sent events and the
// interactions between sessions, the workflow overlay, the compute runner and the store.
type Main struct {
	sseSrv *sse.Server

	backend   Backend
	store     Store
	extractor *payload.Extractor
	markdown  goldmark.Markdown

	computeBatchSize int

	mu       sync.Mutex
	sessions map[string]*session.Session
	overlay  *workflow.Overlay

	logger *slog.Logger
}

const errLoggerKey = "err"

// SSE event types for real-time updates.
var (
	conversationsSSEType = sse.Type("conversations")
	messagesSSEType      = sse.Type("messages")
	workflowSSEType      = sse.Type("workflow")
)

const (
	conversationsSSETopic = "conversations"
	workflowSSETopic      = "workflow"
)

// NewMain creates a new Main instance wired to the given backend and store. The SSE server is
// configured to serve default topics to every client plus a per-conversation topic when the
// client asks for one.
func NewMain(backend Backend, store Store, computeBatchSize int, logger *slog.Logger) *Main {
	m := &Main{
		backend:          backend,
		store:            store,
		extractor:        payload.NewExtractor(logger),
		markdown:         goldmark.New(),
		computeBatchSize: computeBatchSize,
		sessions:         make(map[string]*session.Session),
		logger:           logger.With(slog.String("module", "handlers")),
	}
	m.overlay = workflow.New(backend, logger)
	m.overlay.OnUpdate(m.publishWorkflow)

	m.sseSrv = &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			topics := []string{sse.DefaultTopic, conversationsSSETopic, workflowSSETopic}

			// We create a conversation-specific topic if the client requests updates for
			// a particular conversation.
			conversationID := s.Req.URL.Query().Get("conversation_id")
			if conversationID != "" {
				topics = append(topics, conversationTopic(conversationID))
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      topics,
			}, true
		},
	}

	return m
}

func conversationTopic(conversationID string) string {
	return fmt.Sprintf("conversation-%s", conversationID)
}

// sessionFor returns the session bound to the given conversation, creating it on first use. A
// fresh session is rehydrated from the store so its message log and backend conversation
// identity survive process restarts and session eviction.
func (m *Main) sessionFor(ctx context.Context, conversationID string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[conversationID]; ok {
		return sess
	}

	sess := session.New(m.backend, m.store, m.extractor, m.logger)
	if err := sess.LoadConversation(ctx, conversationID); err != nil {
		m.logger.Warn("Starting session without persisted history",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
	sess.OnUpdate(func() { m.publishSession(conversationID, sess) })
	m.sessions[conversationID] = sess
	return sess
}

// renderMarkdown converts assistant markdown to HTML for the UI push. On render failure the raw
// text is returned so the client always gets something to display.
func (m *Main) renderMarkdown(content string) string {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(content), &buf); err != nil {
		m.logger.Error("Failed to render markdown", slog.String(errLoggerKey, err.Error()))
		return content
	}
	return buf.String()
}

func (m *Main) publish(typ sse.EventType, topic string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		m.logger.Error("Failed to marshal SSE data", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: typ}
	msg.AppendData(string(jsonData))
	if err := m.sseSrv.Publish(&msg, topic); err != nil {
		m.logger.Error("Failed to publish SSE message",
			slog.String("topic", topic),
			slog.String(errLoggerKey, err.Error()))
	}
}

// HandleSSE serves the event stream subscription endpoint.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all connected
// clients and waits up to 5 seconds for connections to terminate.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// We create a close event that complies with SSE spec requiring data.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway.
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
