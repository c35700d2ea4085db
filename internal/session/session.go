// Package session owns the message timeline and streaming state for one conversation at a time.
// All mutation happens in reaction to discrete events: a user action or the arrival of a decoded
// frame. The session never talks to the persistence layer for writes; the backend persists
// messages while streaming and the session only reconciles on load.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oselabs/agentdesk/internal/models"
	"github.com/oselabs/agentdesk/internal/payload"
	"github.com/oselabs/agentdesk/internal/stream"
)

// ErrTurnInFlight is returned by SendTurn when a turn is already being sent. Callers must
// Cancel() the in-flight turn explicitly before sending another one; the session never cancels
// implicitly.
var ErrTurnInFlight = errors.New("a turn is already in flight")

// State represents the sending state of the session.
type State string

const (
	// StateIdle means no turn is in flight.
	StateIdle State = "idle"
	// StateSending means a turn has been sent and its stream is being consumed.
	StateSending State = "sending"
)

// failureNotice is the synthetic assistant message appended when a turn fails. Partial assistant
// content is never committed to the log.
const failureNotice = "Something went wrong while generating a response. Please try again."

// statusCompletedPrefix marks statuses that report a finished step. Once tokens are streaming,
// such a status must not be cleared by a later non-completion status update.
const statusCompletedPrefix = "Completed"

// Streamer sends one turn to the backend and yields the decoded frames of its response stream.
type Streamer interface {
	TurnFrames(ctx context.Context, req stream.TurnRequest) iter.Seq2[stream.Frame, error]
}

// Store is the conversation persistence collaborator. The session reads through it for
// reconciliation on load; it never writes messages.
type Store interface {
	Conversations(ctx context.Context, limit int) ([]models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	CreateConversation(ctx context.Context) (models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

// Buffer is the transient accumulator for the turn in flight. It exists only while a turn is
// sending and is cleared on the terminal frame, on error and on cancellation. It is not part of
// the persisted message log.
type Buffer struct {
	StatusText      string
	CollectedTokens string
}

// Session is the state machine for one conversation's live exchange. A session applies frames
// strictly in arrival order; observable state is guarded by a mutex so the UI can read snapshots
// while the consuming goroutine mutates.
type Session struct {
	streamer Streamer
	store    Store
	extract  *payload.Extractor

	mu             sync.Mutex
	state          State
	conversationID string
	messages       []models.Message
	buffer         Buffer
	err            error

	// generation increments on every SendTurn and Cancel so frames from a dead stream are
	// never applied to the state of a later turn.
	generation uint64
	cancel     context.CancelFunc

	onUpdate func()

	logger *slog.Logger
}

// OnUpdate registers a callback invoked after every applied frame and on turn completion or
// failure. The callback runs outside the session lock, so it may read session snapshots freely.
func (s *Session) OnUpdate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// New creates an idle session bound to the given backend streamer and conversation store.
func New(streamer Streamer, store Store, extractor *payload.Extractor, logger *slog.Logger) *Session {
	return &Session{
		streamer: streamer,
		store:    store,
		extract:  extractor,
		state:    StateIdle,
		logger:   logger.With(slog.String("module", "session")),
	}
}

// SendTurn sends one turn and consumes its response stream until a terminal frame arrives. The
// user message is appended optimistically before any network I/O, and it stays in the log no
// matter how the turn ends. SendTurn blocks until the turn finishes, so callers typically run it
// in a goroutine; it returns ErrTurnInFlight if the session is already sending.
func (s *Session) SendTurn(ctx context.Context, turn models.Turn) error {
	s.mu.Lock()
	if s.state == StateSending {
		s.mu.Unlock()
		return ErrTurnInFlight
	}

	s.state = StateSending
	s.buffer = Buffer{}
	s.err = nil
	s.generation++
	gen := s.generation

	s.messages = append(s.messages, models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   turn.Content,
		Timestamp: time.Now(),
	})

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	conversationID := s.conversationID
	s.mu.Unlock()

	defer cancel()

	req := stream.TurnRequest{ConversationID: conversationID, Turn: turn}
	for f, err := range s.streamer.TurnFrames(ctx, req) {
		if err != nil {
			s.fail(gen, err)
			return nil
		}
		if done := s.apply(gen, f); done {
			return nil
		}
	}

	// The iterator ended without a terminal frame, which only happens when the turn was
	// canceled; a surviving stream always ends with payload or error.
	return nil
}

// apply folds one frame into the session state. It reports whether the frame was terminal.
func (s *Session) apply(gen uint64, f stream.Frame) bool {
	s.mu.Lock()

	if gen != s.generation {
		s.mu.Unlock()
		return true
	}

	done := false
	switch f.Type {
	case stream.FrameStatus:
		if s.keepsCompletedStatus(f.Text) {
			s.logger.Debug("Keeping completed status", slog.String("dropped", f.Text))
		} else {
			s.buffer.StatusText = f.Text
		}

	case stream.FrameToken:
		s.buffer.CollectedTokens += f.Text

	case stream.FramePayload:
		s.finalize(f.Message)
		done = true

	case stream.FrameError:
		s.failLocked(fmt.Errorf("backend error: %s", f.Text))
		done = true
	}

	cb := s.onUpdate
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
	return done
}

// keepsCompletedStatus reports whether the current status must survive an incoming update: once
// any token has been seen for this turn, a completion-labelled status is only replaced by
// another completion-labelled status.
func (s *Session) keepsCompletedStatus(incoming string) bool {
	return s.buffer.CollectedTokens != "" &&
		strings.HasPrefix(s.buffer.StatusText, statusCompletedPrefix) &&
		!strings.HasPrefix(incoming, statusCompletedPrefix)
}

// finalize applies the terminal payload frame: build the assistant message, run the payload
// extractor once on its content, append, clear the buffer and return to idle.
func (s *Session) finalize(final *stream.FinalMessage) {
	if final == nil {
		final = &stream.FinalMessage{}
	}

	content, p := s.extract.Extract(final.Content)

	s.messages = append(s.messages, models.Message{
		ID:               uuid.New().String(),
		Role:             models.RoleAssistant,
		Content:          content,
		Timestamp:        time.Now(),
		SuggestedValues:  final.SuggestedValues,
		SuggestedActions: final.SuggestedActions,
		Payload:          p,
	})

	if s.conversationID == "" && final.ConversationID != "" {
		s.conversationID = final.ConversationID
	}

	s.buffer = Buffer{}
	s.state = StateIdle
}

func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.failLocked(err)
	cb := s.onUpdate
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (s *Session) failLocked(err error) {
	s.logger.Error("Turn failed", slog.String("err", err.Error()))

	s.err = err
	s.messages = append(s.messages, models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Content:   failureNotice,
		Timestamp: time.Now(),
	})
	s.buffer = Buffer{}
	s.state = StateIdle
}

// Cancel stops the turn in flight: no further frames are applied, the streaming buffer is
// discarded and no message is appended. Cancel never fails; calling it while idle is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSending {
		return
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.generation++
	s.buffer = Buffer{}
	s.state = StateIdle
}

// LoadConversation replaces the in-memory state with the persisted record of the given
// conversation: its message log and the backend conversation identity recorded on it. A record
// without a backend id leaves the session unbound, so the next turn adopts whatever id the
// backend assigns. It is rejected while a turn is in flight.
func (s *Session) LoadConversation(ctx context.Context, id string) error {
	conv, err := s.store.Conversation(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateSending {
		return ErrTurnInFlight
	}

	s.conversationID = conv.BackendID
	s.messages = append([]models.Message(nil), conv.Messages...)
	s.buffer = Buffer{}
	s.err = nil
	return nil
}

// State returns the current sending state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the backend conversation identity this session is bound to, or an
// empty string before the first successful turn.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Messages returns a copy of the message log.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// StreamingBuffer returns the live status text and collected tokens of the turn in flight.
func (s *Session) StreamingBuffer() Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// Err returns the error of the last failed turn, or nil. It is cleared when a new turn starts.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
