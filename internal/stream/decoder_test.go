package stream_test

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/oselabs/agentdesk/internal/stream"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// chunkReader yields the input in fixed pieces so frames get split across read boundaries.
type chunkReader struct {
	chunks []string
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func collectFrames(t *testing.T, r io.Reader) []stream.Frame {
	t.Helper()

	var frames []stream.Frame
	for f, err := range stream.Frames(r, testLogger) {
		if err != nil {
			t.Fatalf("Frames() error = %v", err)
		}
		frames = append(frames, f)
	}
	return frames
}

const validStream = "data: {\"type\":\"status\",\"text\":\"Thinking...\"}\n\n" +
	"data: {\"type\":\"token\",\"text\":\"Hel\"}\n\n" +
	"data: {\"type\":\"token\",\"text\":\"lo\"}\n\n" +
	"data: {\"type\":\"payload\",\"message\":{\"content\":\"Hello\"}}\n\n"

func TestFrames(t *testing.T) {
	frames := collectFrames(t, strings.NewReader(validStream))

	want := []struct {
		typ  stream.FrameType
		text string
	}{
		{stream.FrameStatus, "Thinking..."},
		{stream.FrameToken, "Hel"},
		{stream.FrameToken, "lo"},
		{stream.FramePayload, ""},
	}

	if len(frames) != len(want) {
		t.Fatalf("Frames() yielded %d frames, want %d", len(frames), len(want))
	}
	for i, w := range want {
		if frames[i].Type != w.typ {
			t.Errorf("frame %d type = %v, want %v", i, frames[i].Type, w.typ)
		}
		if frames[i].Text != w.text {
			t.Errorf("frame %d text = %q, want %q", i, frames[i].Text, w.text)
		}
	}

	if frames[3].Message == nil || frames[3].Message.Content != "Hello" {
		t.Errorf("payload frame message = %+v, want content %q", frames[3].Message, "Hello")
	}
}

func TestFramesChunkSplitInvariance(t *testing.T) {
	want := collectFrames(t, strings.NewReader(validStream))

	// Every possible split point must yield the identical ordered frame list.
	for i := 1; i < len(validStream); i++ {
		r := &chunkReader{chunks: []string{validStream[:i], validStream[i:]}}
		got := collectFrames(t, r)

		if len(got) != len(want) {
			t.Fatalf("split at %d: got %d frames, want %d", i, len(got), len(want))
		}
		for j := range want {
			if got[j] != want[j] && (got[j].Type != want[j].Type || got[j].Text != want[j].Text) {
				t.Errorf("split at %d: frame %d = %+v, want %+v", i, j, got[j], want[j])
			}
		}
	}
}

func TestFramesByteByByte(t *testing.T) {
	var chunks []string
	for i := range validStream {
		chunks = append(chunks, validStream[i:i+1])
	}

	got := collectFrames(t, &chunkReader{chunks: chunks})
	if len(got) != 4 {
		t.Fatalf("byte-by-byte delivery yielded %d frames, want 4", len(got))
	}
}

func TestFramesSkipsMalformed(t *testing.T) {
	input := "data: {\"type\":\"token\",\"text\":\"a\"}\n\n" +
		"data: {not json at all\n\n" +
		"data: {\"type\":\"token\",\"text\":\"b\"}\n\n" +
		"data: {\"type\":\"payload\",\"message\":{\"content\":\"ab\"}}\n\n"

	frames := collectFrames(t, strings.NewReader(input))
	if len(frames) != 3 {
		t.Fatalf("Frames() yielded %d frames, want 3 (malformed line dropped)", len(frames))
	}
	if frames[0].Text != "a" || frames[1].Text != "b" {
		t.Errorf("token texts = %q, %q, want a, b", frames[0].Text, frames[1].Text)
	}
}

func TestFramesSkipsUnknownType(t *testing.T) {
	input := "data: {\"type\":\"heartbeat\"}\n\n" +
		"data: {\"type\":\"payload\",\"message\":{\"content\":\"done\"}}\n\n"

	frames := collectFrames(t, strings.NewReader(input))
	if len(frames) != 1 {
		t.Fatalf("Frames() yielded %d frames, want 1", len(frames))
	}
	if frames[0].Type != stream.FramePayload {
		t.Errorf("frame type = %v, want payload", frames[0].Type)
	}
}

func TestFramesStopsAfterTerminal(t *testing.T) {
	input := "data: {\"type\":\"payload\",\"message\":{\"content\":\"done\"}}\n\n" +
		"data: {\"type\":\"token\",\"text\":\"late\"}\n\n"

	frames := collectFrames(t, strings.NewReader(input))
	if len(frames) != 1 {
		t.Fatalf("Frames() yielded %d frames after terminal, want 1", len(frames))
	}
}

func TestFramesImplicitErrorOnEarlyClosure(t *testing.T) {
	input := "data: {\"type\":\"token\",\"text\":\"Hel\"}\n\n"

	frames := collectFrames(t, strings.NewReader(input))
	if len(frames) != 2 {
		t.Fatalf("Frames() yielded %d frames, want 2", len(frames))
	}

	last := frames[len(frames)-1]
	if last.Type != stream.FrameError {
		t.Fatalf("last frame type = %v, want error", last.Type)
	}
	if last.Text != "stream ended unexpectedly" {
		t.Errorf("last frame text = %q, want %q", last.Text, "stream ended unexpectedly")
	}
}

func TestFramesErrorFrameIsTerminal(t *testing.T) {
	input := "data: {\"type\":\"error\",\"text\":\"boom\"}\n\n"

	frames := collectFrames(t, strings.NewReader(input))
	if len(frames) != 1 {
		t.Fatalf("Frames() yielded %d frames, want 1", len(frames))
	}
	if frames[0].Type != stream.FrameError || frames[0].Text != "boom" {
		t.Errorf("frame = %+v, want error/boom", frames[0])
	}
}
