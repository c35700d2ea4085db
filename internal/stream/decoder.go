package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/oselabs/agentdesk/internal/models"
	"github.com/tmaxmax/go-sse"
)

// FrameType represents the kind of a decoded chat stream frame.
type FrameType string

const (
	// FrameStatus carries progress text describing what the backend is doing.
	FrameStatus FrameType = "status"
	// FrameToken carries an incremental chunk of assistant text.
	FrameToken FrameType = "token"
	// FramePayload is the terminal frame carrying the finalized assistant message.
	FramePayload FrameType = "payload"
	// FrameError is the terminal frame carrying a backend failure message.
	FrameError FrameType = "error"
)

// Terminal reports whether a frame of this type ends the turn.
func (t FrameType) Terminal() bool {
	return t == FramePayload || t == FrameError
}

// Frame is one decoded unit of the chat turn stream.
type Frame struct {
	Type FrameType `json:"type"`

	// Text would be filled if Type is FrameStatus, FrameToken or FrameError.
	Text string `json:"text,omitempty"`

	// Message would be filled if Type is FramePayload.
	Message *FinalMessage `json:"message,omitempty"`
}

// FinalMessage is the finalized assistant message carried by the terminal payload frame. Its
// content is raw: the payload extractor has not run on it yet.
type FinalMessage struct {
	// ConversationID identifies the persisted conversation this turn belongs to. The backend
	// creates the conversation on the first turn, so a session without an ID adopts this one.
	ConversationID string `json:"conversation_id,omitempty"`

	Content          string                   `json:"content"`
	SuggestedValues  []string                 `json:"suggested_values,omitempty"`
	SuggestedActions []models.SuggestedAction `json:"suggested_actions,omitempty"`
}

// Decode turns a raw event stream into a lazy sequence of decoded values. The wire format is
// data-only server-sent events: each event is a "data: " line carrying one JSON object, and
// events are separated by a blank line per SSE framing, so consecutive data lines without one
// would coalesce into a single event. sse.Read owns the buffering of partial lines across chunk
// boundaries. Events whose data is not valid JSON are dropped with a diagnostic and decoding
// continues with the next event. A transport read error terminates the sequence with a wrapped
// error.
func Decode[T any](body io.Reader, logger *slog.Logger) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		for ev, err := range sse.Read(body, nil) {
			if err != nil {
				yield(zero, fmt.Errorf("error reading stream: %w", err))
				return
			}

			var v T
			if err := json.Unmarshal([]byte(ev.Data), &v); err != nil {
				logger.Warn("Dropping malformed event",
					slog.String("data", ev.Data),
					slog.String("err", err.Error()))
				continue
			}

			if !yield(v, nil) {
				return
			}
		}
	}
}

// Frames decodes a chat turn stream into an ordered, finite sequence of frames. Frames with an
// unknown type are dropped with a diagnostic. The sequence ends after the first terminal frame;
// if the transport closes before one arrives, a synthetic error frame is yielded so consumers
// always observe a terminal frame.
func Frames(body io.Reader, logger *slog.Logger) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for f, err := range Decode[Frame](body, logger) {
			if err != nil {
				yield(Frame{}, err)
				return
			}

			switch f.Type {
			case FrameStatus, FrameToken, FramePayload, FrameError:
			default:
				logger.Warn("Dropping frame with unknown type", slog.String("type", string(f.Type)))
				continue
			}

			if !yield(f, nil) {
				return
			}
			if f.Type.Terminal() {
				return
			}
		}

		yield(Frame{Type: FrameError, Text: "stream ended unexpectedly"}, nil)
	}
}
