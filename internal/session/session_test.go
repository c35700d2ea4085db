package session_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"testing"
	"time"

	"github.com/oselabs/agentdesk/internal/models"
	"github.com/oselabs/agentdesk/internal/payload"
	"github.com/oselabs/agentdesk/internal/session"
	"github.com/oselabs/agentdesk/internal/stream"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockStreamer struct {
	frames []stream.Frame
	err    error

	// block, when set, makes the stream hang after the scripted frames until the context is
	// canceled. Used to test cancellation and double-send rejection.
	block bool

	gotReq stream.TurnRequest
}

func (m *mockStreamer) TurnFrames(ctx context.Context, req stream.TurnRequest) iter.Seq2[stream.Frame, error] {
	m.gotReq = req
	return func(yield func(stream.Frame, error) bool) {
		if m.err != nil {
			yield(stream.Frame{}, m.err)
			return
		}
		for _, f := range m.frames {
			if !yield(f, nil) {
				return
			}
		}
		if m.block {
			<-ctx.Done()
		}
	}
}

type mockStore struct {
	conversations map[string]models.Conversation
}

func (m *mockStore) Conversations(_ context.Context, _ int) ([]models.Conversation, error) {
	var out []models.Conversation
	for _, c := range m.conversations {
		out = append(out, c)
	}
	return out, nil
}

func (m *mockStore) Conversation(_ context.Context, id string) (models.Conversation, error) {
	c, ok := m.conversations[id]
	if !ok {
		return models.Conversation{}, errors.New("not found")
	}
	return c, nil
}

func (m *mockStore) CreateConversation(context.Context) (models.Conversation, error) {
	return models.Conversation{ID: "new"}, nil
}

func (m *mockStore) DeleteConversation(_ context.Context, id string) error {
	delete(m.conversations, id)
	return nil
}

func newSession(streamer session.Streamer, store session.Store) *session.Session {
	return session.New(streamer, store, payload.NewExtractor(testLogger), testLogger)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSendTurnHappyPath(t *testing.T) {
	streamer := &mockStreamer{frames: []stream.Frame{
		{Type: stream.FrameStatus, Text: "Thinking..."},
		{Type: stream.FrameToken, Text: "Hel"},
		{Type: stream.FrameToken, Text: "lo"},
		{Type: stream.FramePayload, Message: &stream.FinalMessage{
			ConversationID: "conv-1",
			Content:        "Hello",
		}},
	}}
	s := newSession(streamer, &mockStore{})

	if err := s.SendTurn(context.Background(), models.Turn{Content: "hi"}); err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}

	messages := s.Messages()
	if len(messages) != 2 {
		t.Fatalf("message log has %d entries, want 2", len(messages))
	}
	if messages[0].Role != models.RoleUser || messages[0].Content != "hi" {
		t.Errorf("first message = %+v, want user/hi", messages[0])
	}
	if messages[1].Role != models.RoleAssistant || messages[1].Content != "Hello" {
		t.Errorf("second message = %+v, want assistant/Hello", messages[1])
	}

	if buf := s.StreamingBuffer(); buf != (session.Buffer{}) {
		t.Errorf("streaming buffer = %+v, want empty", buf)
	}
	if s.State() != session.StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
	if s.ConversationID() != "conv-1" {
		t.Errorf("conversation id = %q, want adopted conv-1", s.ConversationID())
	}
}

func TestSendTurnExtractsPayload(t *testing.T) {
	content := "Done.\n\n```payload\n" +
		`{"type":"draft","title":"Doc","content":"Body."}` +
		"\n```"
	streamer := &mockStreamer{frames: []stream.Frame{
		{Type: stream.FramePayload, Message: &stream.FinalMessage{Content: content}},
	}}
	s := newSession(streamer, &mockStore{})

	if err := s.SendTurn(context.Background(), models.Turn{Content: "write a doc"}); err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}

	messages := s.Messages()
	last := messages[len(messages)-1]
	if last.Payload == nil || last.Payload.Type != models.PayloadDraft {
		t.Fatalf("assistant payload = %+v, want extracted draft", last.Payload)
	}
	if last.Content != "Done." {
		t.Errorf("assistant content = %q, want block removed", last.Content)
	}
}

func TestCompletedStatusSurvivesTokens(t *testing.T) {
	streamer := &mockStreamer{frames: []stream.Frame{
		{Type: stream.FrameStatus, Text: "Completed: search"},
		{Type: stream.FrameToken, Text: "Here"},
		{Type: stream.FrameStatus, Text: ""},
		{Type: stream.FrameToken, Text: " we go"},
	}, block: true}
	s := newSession(streamer, &mockStore{})

	go func() { _ = s.SendTurn(context.Background(), models.Turn{Content: "q"}) }()

	waitFor(t, func() bool { return s.StreamingBuffer().CollectedTokens == "Here we go" })

	if got := s.StreamingBuffer().StatusText; got != "Completed: search" {
		t.Errorf("status text = %q, want retained completed status", got)
	}

	s.Cancel()
}

func TestStatusReplacedBeforeTokens(t *testing.T) {
	streamer := &mockStreamer{frames: []stream.Frame{
		{Type: stream.FrameStatus, Text: "Completed: search"},
		{Type: stream.FrameStatus, Text: "Reading files..."},
	}, block: true}
	s := newSession(streamer, &mockStore{})

	go func() { _ = s.SendTurn(context.Background(), models.Turn{Content: "q"}) }()

	waitFor(t, func() bool { return s.StreamingBuffer().StatusText == "Reading files..." })

	s.Cancel()
}

func TestSendTurnBackendError(t *testing.T) {
	streamer := &mockStreamer{frames: []stream.Frame{
		{Type: stream.FrameToken, Text: "partial"},
		{Type: stream.FrameError, Text: "model overloaded"},
	}}
	s := newSession(streamer, &mockStore{})

	if err := s.SendTurn(context.Background(), models.Turn{Content: "hi"}); err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}

	messages := s.Messages()
	if len(messages) != 2 {
		t.Fatalf("message log has %d entries, want user + failure notice", len(messages))
	}
	if messages[1].Role != models.RoleAssistant {
		t.Errorf("failure notice role = %v, want assistant", messages[1].Role)
	}
	// Partial assistant content must never be committed to the log.
	if messages[1].Content == "partial" {
		t.Error("partial streamed content was committed to the log")
	}

	if s.Err() == nil {
		t.Error("Err() = nil, want backend error recorded")
	}
	if s.State() != session.StateIdle {
		t.Errorf("state = %v, want idle so the user can retry", s.State())
	}
	if buf := s.StreamingBuffer(); buf != (session.Buffer{}) {
		t.Errorf("streaming buffer = %+v, want cleared", buf)
	}
}

func TestSendTurnTransportError(t *testing.T) {
	streamer := &mockStreamer{err: errors.New("connection refused")}
	s := newSession(streamer, &mockStore{})

	if err := s.SendTurn(context.Background(), models.Turn{Content: "hi"}); err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}

	if s.Err() == nil {
		t.Error("Err() = nil, want transport error recorded")
	}
	if len(s.Messages()) != 2 {
		t.Errorf("message log has %d entries, want user + failure notice", len(s.Messages()))
	}
}

func TestSendTurnRejectedWhileSending(t *testing.T) {
	streamer := &mockStreamer{block: true}
	s := newSession(streamer, &mockStore{})

	go func() { _ = s.SendTurn(context.Background(), models.Turn{Content: "first"}) }()
	waitFor(t, func() bool { return s.State() == session.StateSending })

	if err := s.SendTurn(context.Background(), models.Turn{Content: "second"}); !errors.Is(err, session.ErrTurnInFlight) {
		t.Errorf("SendTurn() error = %v, want ErrTurnInFlight", err)
	}

	if len(s.Messages()) != 1 {
		t.Errorf("message log has %d entries, want only the first user message", len(s.Messages()))
	}

	s.Cancel()
}

func TestCancelMidStream(t *testing.T) {
	streamer := &mockStreamer{frames: []stream.Frame{
		{Type: stream.FrameStatus, Text: "Thinking..."},
		{Type: stream.FrameToken, Text: "Hel"},
	}, block: true}
	s := newSession(streamer, &mockStore{})

	done := make(chan struct{})
	go func() {
		_ = s.SendTurn(context.Background(), models.Turn{Content: "hi"})
		close(done)
	}()

	waitFor(t, func() bool { return s.StreamingBuffer().CollectedTokens == "Hel" })

	s.Cancel()
	<-done

	messages := s.Messages()
	if len(messages) != 1 || messages[0].Role != models.RoleUser {
		t.Fatalf("message log = %+v, want only the optimistic user message", messages)
	}
	if buf := s.StreamingBuffer(); buf != (session.Buffer{}) {
		t.Errorf("streaming buffer = %+v, want discarded", buf)
	}
	if s.State() != session.StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

func TestCancelWhileIdle(t *testing.T) {
	s := newSession(&mockStreamer{}, &mockStore{})
	// Must not panic or change state.
	s.Cancel()
	if s.State() != session.StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

func TestLoadConversation(t *testing.T) {
	store := &mockStore{conversations: map[string]models.Conversation{
		"c1": {ID: "c1", BackendID: "b-1", Messages: []models.Message{
			{Role: models.RoleUser, Content: "old question"},
			{Role: models.RoleAssistant, Content: "old answer"},
		}},
	}}
	s := newSession(&mockStreamer{}, store)

	if err := s.LoadConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadConversation() error = %v", err)
	}

	if s.ConversationID() != "b-1" {
		t.Errorf("conversation id = %q, want backend id b-1", s.ConversationID())
	}
	if len(s.Messages()) != 2 {
		t.Errorf("message log has %d entries, want 2 reconciled", len(s.Messages()))
	}
}

func TestSendTurnCarriesBackendID(t *testing.T) {
	streamer := &mockStreamer{frames: []stream.Frame{
		{Type: stream.FramePayload, Message: &stream.FinalMessage{Content: "ok"}},
	}}
	store := &mockStore{conversations: map[string]models.Conversation{
		"c1": {ID: "c1", BackendID: "b-1"},
	}}
	s := newSession(streamer, store)

	if err := s.LoadConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadConversation() error = %v", err)
	}
	if err := s.SendTurn(context.Background(), models.Turn{Content: "hi"}); err != nil {
		t.Fatalf("SendTurn() error = %v", err)
	}

	if streamer.gotReq.ConversationID != "b-1" {
		t.Errorf("request conversation id = %q, want the backend id b-1", streamer.gotReq.ConversationID)
	}
}

func TestLoadConversationWithoutBackendID(t *testing.T) {
	store := &mockStore{conversations: map[string]models.Conversation{
		"c1": {ID: "c1"},
	}}
	s := newSession(&mockStreamer{}, store)

	if err := s.LoadConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("LoadConversation() error = %v", err)
	}

	// An unbound session lets the next terminal frame assign the backend identity.
	if s.ConversationID() != "" {
		t.Errorf("conversation id = %q, want empty until the backend assigns one", s.ConversationID())
	}
}
