// Package compute fills a spreadsheet column with per-row results from the backend. Rows are
// processed in fixed-size batches issued concurrently; results arrive in whatever order the
// backend answers and are applied by row index, never by arrival sequence.
package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/oselabs/agentdesk/internal/models"
)

// Column event types, shared with the line-delimited stream served to the UI.
const (
	// EventRowResult carries the parsed value for one row.
	EventRowResult = "row_result"
	// EventProgress reports how many rows have completed so far.
	EventProgress = "progress"
	// EventComplete marks the whole job as done; it is emitted exactly once.
	EventComplete = "complete"
	// EventError marks the job as failed.
	EventError = "error"
)

// ColumnEvent is one unit of a compute job's event stream. RowIndex, Completed and Total stay on
// the wire even when zero: index 0 is a valid row and an empty job completes at 0 of 0.
type ColumnEvent struct {
	Type string `json:"type"`

	// RowIndex and Value would be filled if Type is EventRowResult.
	RowIndex int `json:"row_index"`
	Value    any `json:"value,omitempty"`

	// Completed and Total would be filled if Type is EventProgress or EventComplete.
	Completed int `json:"completed"`
	Total     int `json:"total"`

	// Error would be filled if Type is EventError.
	Error string `json:"error,omitempty"`
}

// Completer runs one non-streaming completion for a single row's prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// DefaultBatchSize bounds how many rows' backend calls are in flight at once.
const DefaultBatchSize = 5

// Runner executes one compute job. Concurrency exists only while awaiting backend results:
// observable mutation of the rows and counters happens on the single goroutine driving Run, so
// out-of-order arrival never races row application.
type Runner struct {
	backend   Completer
	batchSize int

	mu        sync.Mutex
	stopped   bool
	completed int
	total     int
	status    []models.RowStatus

	logger *slog.Logger
}

// NewRunner creates a runner for one job. A batchSize of zero or less falls back to
// DefaultBatchSize.
func NewRunner(backend Completer, batchSize int, logger *slog.Logger) *Runner {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Runner{
		backend:   backend,
		batchSize: batchSize,
		logger:    logger.With(slog.String("module", "compute")),
	}
}

// Run computes one value per row and yields the job's event stream. Batches are sequential;
// rows within a batch run concurrently and their results are applied to rows[i][columnKey] by
// index as they arrive. A progress event follows every row result, and complete fires exactly
// once when every row is done. Per-row backend failures yield a null value for that row rather
// than failing the job.
func (r *Runner) Run(
	ctx context.Context,
	rows []map[string]any,
	promptTemplate string,
	columnKey string,
	columnType models.ColumnType,
) iter.Seq2[ColumnEvent, error] {
	return func(yield func(ColumnEvent, error) bool) {
		total := len(rows)

		r.mu.Lock()
		r.total = total
		r.status = make([]models.RowStatus, total)
		for i := range r.status {
			r.status[i] = models.RowPending
		}
		r.mu.Unlock()

		type rowResult struct {
			idx  int
			text string
			err  error
		}

		for start := 0; start < total; start += r.batchSize {
			end := min(start+r.batchSize, total)

			// Buffered so abandoned workers never block after a stop.
			results := make(chan rowResult, end-start)
			for i := start; i < end; i++ {
				go func(i int) {
					text, err := r.backend.Complete(ctx, buildPrompt(promptTemplate, rows[i]))
					results <- rowResult{idx: i, text: text, err: err}
				}(i)
			}

			for range end - start {
				res := <-results

				r.mu.Lock()
				if r.stopped {
					r.mu.Unlock()
					return
				}

				var value any
				if res.err != nil {
					r.logger.Warn("Row computation failed",
						slog.Int("row", res.idx),
						slog.String("err", res.err.Error()))
				} else {
					value = ParseValue(columnType, res.text)
				}

				rows[res.idx][columnKey] = value
				r.status[res.idx] = models.RowDone
				r.completed++
				completed := r.completed
				r.mu.Unlock()

				if !yield(ColumnEvent{Type: EventRowResult, RowIndex: res.idx, Value: value}, nil) {
					return
				}
				if !yield(ColumnEvent{Type: EventProgress, Completed: completed, Total: total}, nil) {
					return
				}
			}
		}

		r.mu.Lock()
		stopped := r.stopped
		completed := r.completed
		r.mu.Unlock()
		if stopped {
			return
		}

		yield(ColumnEvent{Type: EventComplete, Completed: completed, Total: total}, nil)
	}
}

// Stop prevents any further row results from being applied or emitted. In-flight backend calls
// are abandoned, not canceled; stopping an already finished job is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

// Progress returns how many rows have completed out of the total.
func (r *Runner) Progress() (completed, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed, r.total
}

// RowStatuses returns a copy of the per-row completion statuses.
func (r *Runner) RowStatuses() []models.RowStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.RowStatus(nil), r.status...)
}

var numberRe = regexp.MustCompile(`[-+]?[0-9]+(?:\.[0-9]+)?`)

// ParseValue applies the column type's parsing policy to one raw backend answer.
func ParseValue(t models.ColumnType, raw string) any {
	switch t {
	case models.ColumnBoolean:
		s := strings.ToLower(strings.TrimSpace(raw))
		fields := strings.Fields(s)
		if len(fields) == 0 {
			return false
		}
		tok := strings.TrimRight(fields[0], ".,!:;")
		return tok == "yes" || tok == "true" || tok == "1"

	case models.ColumnNumber:
		m := numberRe.FindString(raw)
		if m == "" {
			return nil
		}
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return nil
		}
		return f

	default:
		return strings.TrimSpace(raw)
	}
}

// buildPrompt substitutes {{key}} placeholders from the row and appends the whole row as JSON
// context so the backend sees fields the template didn't reference.
func buildPrompt(tmpl string, row map[string]any) string {
	prompt := tmpl
	for k, v := range row {
		prompt = strings.ReplaceAll(prompt, "{{"+k+"}}", fmt.Sprint(v))
	}

	if rowJSON, err := json.Marshal(row); err == nil {
		prompt += "\n\nRow data:\n" + string(rowJSON)
	}
	return prompt
}
