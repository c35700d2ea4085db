package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/oselabs/agentdesk/internal/models"
)

// Client talks to the agent backend's streaming endpoints. Every streaming endpoint shares the
// same line-delimited event convention, so one client serves chat turns, workflow execution and
// per-row completions alike.
type Client struct {
	baseURL string
	apiKey  string

	client *http.Client

	logger *slog.Logger
}

// TurnRequest is the body of a chat turn request.
type TurnRequest struct {
	ConversationID string      `json:"conversation_id,omitempty"`
	Turn           models.Turn `json:"turn"`
}

// StartWorkflowRequest starts a workflow instance from a template id or an inline graph. The
// instance id is assigned by the caller and carried on the start request so later resume
// requests correlate to the same server-side execution.
type StartWorkflowRequest struct {
	InstanceID string                `json:"instance_id"`
	TemplateID string                `json:"template_id,omitempty"`
	Graph      *models.WorkflowGraph `json:"graph,omitempty"`
	Input      map[string]any        `json:"input,omitempty"`
}

// ResumeWorkflowRequest resolves a checkpoint of a paused instance.
type ResumeWorkflowRequest struct {
	InstanceID string          `json:"instance_id"`
	Action     string          `json:"action"`
	Payload    *models.Payload `json:"payload,omitempty"`
}

type completeRequest struct {
	Prompt string `json:"prompt"`
}

type completeResponse struct {
	Text string `json:"text"`
}

// NewClient creates a new backend client for the given base URL. The API key may be empty when
// the backend does not require authentication.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "stream")),
	}
}

// TurnFrames sends a turn to the backend and returns an iterator over the decoded frames of the
// response stream. The context can be used to cancel the ongoing turn; cancellation ends the
// sequence without yielding an error.
func (c *Client) TurnFrames(ctx context.Context, req TurnRequest) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		body, err := c.stream(ctx, "/v1/chat/stream", req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(Frame{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer body.Close()

		for f, err := range Frames(body, c.logger) {
			if !yield(f, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// StartEvents starts a workflow instance and returns an iterator over its event stream.
func (c *Client) StartEvents(ctx context.Context, req StartWorkflowRequest) iter.Seq2[models.WorkflowEvent, error] {
	return c.workflowEvents(ctx, "/v1/workflows/stream", req)
}

// ResumeEvents resumes a paused workflow instance and returns an iterator over the event stream
// of the continued execution.
func (c *Client) ResumeEvents(ctx context.Context, req ResumeWorkflowRequest) iter.Seq2[models.WorkflowEvent, error] {
	return c.workflowEvents(ctx, "/v1/workflows/resume", req)
}

func (c *Client) workflowEvents(ctx context.Context, path string, req any) iter.Seq2[models.WorkflowEvent, error] {
	return func(yield func(models.WorkflowEvent, error) bool) {
		body, err := c.stream(ctx, path, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.WorkflowEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer body.Close()

		for ev, err := range Decode[models.WorkflowEvent](body, c.logger) {
			if !yield(ev, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Complete runs a single non-streaming completion and returns the raw response text. It is used
// for per-row column computations where the whole answer is wanted at once.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.post(ctx, "/v1/complete", completeRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res completeResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	return res.Text, nil
}

func (c *Client) stream(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	c.logger.Debug("Request body", slog.String("path", path), slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
