package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/oselabs/agentdesk/internal/compute"
	"github.com/oselabs/agentdesk/internal/models"
)

type computeColumnBody struct {
	Rows       []map[string]any  `json:"rows"`
	Prompt     string            `json:"prompt"`
	ColumnKey  string            `json:"column_key"`
	ColumnType models.ColumnType `json:"column_type"`
}

// HandleComputeColumn serves the table compute endpoint: it accepts the rows and prompt of a
// computed column and streams the job's events back using the same line-delimited convention
// the application consumes elsewhere. Client disconnection stops the job; in-flight backend
// calls are abandoned.
func (m *Main) HandleComputeColumn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body computeColumnBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.ColumnKey == "" {
		http.Error(w, "Column key is required", http.StatusBadRequest)
		return
	}
	// A JSON null element decodes to a nil map the runner cannot write results into.
	for i, row := range body.Rows {
		if row == nil {
			http.Error(w, fmt.Sprintf("Row %d is not an object", i), http.StatusBadRequest)
			return
		}
	}
	switch body.ColumnType {
	case models.ColumnText, models.ColumnNumber, models.ColumnBoolean:
	default:
		http.Error(w, "Unknown column type", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	runner := compute.NewRunner(m.backend, m.computeBatchSize, m.logger)

	// A dropped client must not keep burning backend calls.
	go func() {
		<-r.Context().Done()
		runner.Stop()
	}()

	for ev, err := range runner.Run(r.Context(), body.Rows, body.Prompt, body.ColumnKey, body.ColumnType) {
		if err != nil {
			m.logger.Error("Compute job failed", slog.String(errLoggerKey, err.Error()))
			m.writeComputeEvent(w, compute.ColumnEvent{Type: compute.EventError, Error: err.Error()})
			flusher.Flush()
			return
		}
		m.writeComputeEvent(w, ev)
		flusher.Flush()
	}
}

func (m *Main) writeComputeEvent(w http.ResponseWriter, ev compute.ColumnEvent) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("Failed to marshal compute event", slog.String(errLoggerKey, err.Error()))
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
}
