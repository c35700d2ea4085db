package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/oselabs/agentdesk/internal/models"
	"github.com/oselabs/agentdesk/internal/workflow"
)

type startWorkflowBody struct {
	TemplateID string                `json:"template_id,omitempty"`
	Graph      *models.WorkflowGraph `json:"graph,omitempty"`
	Input      map[string]any        `json:"input,omitempty"`
}

type resumeWorkflowBody struct {
	Action  string          `json:"action"`
	Payload *models.Payload `json:"payload,omitempty"`
}

// HandleWorkflows manages the single open workflow instance: POST starts one (discarding any
// prior instance), GET returns its snapshot and DELETE closes it. Event-by-event updates reach
// the UI over the workflow SSE topic.
func (m *Main) HandleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body startWorkflowBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if body.TemplateID == "" && body.Graph == nil {
			http.Error(w, "Template id or graph is required", http.StatusBadRequest)
			return
		}

		ref := workflow.Ref{TemplateID: body.TemplateID, Graph: body.Graph}
		go func() {
			if err := m.overlay.Start(context.Background(), ref, body.Input); err != nil {
				m.logger.Error("Workflow start failed", slog.String(errLoggerKey, err.Error()))
			}
		}()

		w.WriteHeader(http.StatusAccepted)

	case http.MethodGet:
		instance := m.overlay.Instance()
		if instance == nil {
			http.Error(w, "No workflow instance is open", http.StatusNotFound)
			return
		}
		writeJSON(w, instance, m.logger)

	case http.MethodDelete:
		m.overlay.Close()
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleWorkflowResume resolves the checkpoint the open instance is paused at. Accept and
// request_changes consume the continued event stream in the background; reject settles
// immediately.
func (m *Main) HandleWorkflowResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body resumeWorkflowBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	action := workflow.ResumeAction(body.Action)
	switch action {
	case workflow.ActionAccept, workflow.ActionReject, workflow.ActionRequestChanges:
	default:
		http.Error(w, "Unknown resume action", http.StatusBadRequest)
		return
	}

	if action == workflow.ActionReject {
		if err := m.overlay.Resume(r.Context(), action, nil); err != nil {
			m.workflowResumeError(w, err)
			return
		}
		m.publishWorkflow()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// The instance leaves paused synchronously; the continued event stream is consumed in
	// the background so the request returns immediately.
	go func() {
		if err := m.overlay.Resume(context.Background(), action, body.Payload); err != nil {
			if errors.Is(err, workflow.ErrNotPaused) || errors.Is(err, workflow.ErrNoInstance) {
				m.logger.Warn("Resume rejected", slog.String(errLoggerKey, err.Error()))
				return
			}
			m.logger.Error("Workflow resume failed", slog.String(errLoggerKey, err.Error()))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (m *Main) workflowResumeError(w http.ResponseWriter, err error) {
	if errors.Is(err, workflow.ErrNotPaused) || errors.Is(err, workflow.ErrNoInstance) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	m.logger.Error("Workflow resume failed", slog.String(errLoggerKey, err.Error()))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// publishWorkflow pushes the current instance snapshot to the workflow SSE topic.
func (m *Main) publishWorkflow() {
	instance := m.overlay.Instance()
	if instance == nil {
		return
	}
	m.publish(workflowSSEType, workflowSSETopic, instance)
}
