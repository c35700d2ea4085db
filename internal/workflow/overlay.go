// Package workflow tracks a single externally-executed, checkpointed workflow instance. The
// overlay is loosely coupled to the chat timeline: it is driven by the same streaming event
// convention but owns its own state machine, and the engine keeps executing server-side whether
// or not the overlay is subscribed.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oselabs/agentdesk/internal/models"
	"github.com/oselabs/agentdesk/internal/stream"
)

// ResumeAction is the user's resolution of a checkpoint.
type ResumeAction string

const (
	// ActionAccept resumes execution, optionally carrying an edited payload forward as the
	// checkpoint node's effective output.
	ActionAccept ResumeAction = "accept"
	// ActionReject terminates the instance as failed.
	ActionReject ResumeAction = "reject"
	// ActionRequestChanges resumes execution but routes the edited payload back in as input
	// to be re-processed, looping rather than advancing.
	ActionRequestChanges ResumeAction = "request_changes"
)

// rejectedReason is recorded on the instance when the user rejects a checkpoint.
const rejectedReason = "user rejected"

// ErrNotPaused is returned by Resume when the instance is not paused at a checkpoint.
var ErrNotPaused = errors.New("workflow is not paused at a checkpoint")

// ErrNoInstance is returned when an operation needs an open instance and there is none.
var ErrNoInstance = errors.New("no workflow instance is open")

// Engine starts and resumes workflow executions, yielding events over the shared streaming
// convention.
type Engine interface {
	StartEvents(ctx context.Context, req stream.StartWorkflowRequest) iter.Seq2[models.WorkflowEvent, error]
	ResumeEvents(ctx context.Context, req stream.ResumeWorkflowRequest) iter.Seq2[models.WorkflowEvent, error]
}

// Ref identifies what to start: a registered template or an inline graph.
type Ref struct {
	TemplateID string
	Graph      *models.WorkflowGraph
}

// Overlay manages one workflow instance's lifecycle. Events are applied to the instance and its
// append-only event log strictly in arrival order; the log is the canonical audit trail.
type Overlay struct {
	engine Engine

	mu       sync.Mutex
	instance *models.WorkflowInstance
	// generation guards against events from a closed subscription mutating a later instance.
	generation uint64
	cancel     context.CancelFunc

	onUpdate func()

	logger *slog.Logger
}

// OnUpdate registers a callback invoked after every applied event. The callback runs outside
// the overlay lock, so it may read instance snapshots freely.
func (o *Overlay) OnUpdate(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onUpdate = fn
}

// New creates an overlay bound to the given engine.
func New(engine Engine, logger *slog.Logger) *Overlay {
	return &Overlay{
		engine: engine,
		logger: logger.With(slog.String("module", "workflow")),
	}
}

// Start launches a workflow from a template id or inline graph and consumes its event stream
// until it pauses, terminates or the subscription is closed. Starting while an instance is open
// discards the prior instance. Start blocks while events flow, so callers typically run it in a
// goroutine.
func (o *Overlay) Start(ctx context.Context, ref Ref, input map[string]any) error {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.generation++
	gen := o.generation

	o.instance = &models.WorkflowInstance{
		ID:     uuid.New().String(),
		Status: models.WorkflowStarting,
		Nodes:  make(map[string]models.NodeState),
	}
	instanceID := o.instance.ID

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	defer cancel()

	// The engine learns the instance id here; Resume correlates through the same id.
	req := stream.StartWorkflowRequest{
		InstanceID: instanceID,
		TemplateID: ref.TemplateID,
		Graph:      ref.Graph,
		Input:      input,
	}
	return o.consume(gen, o.engine.StartEvents(ctx, req))
}

// Resume resolves the checkpoint the instance is paused at. Accept and request_changes hand the
// edited payload back to the engine and consume the continued event stream; reject terminates
// the instance locally and notifies the engine without waiting for further events.
func (o *Overlay) Resume(ctx context.Context, action ResumeAction, edited *models.Payload) error {
	o.mu.Lock()
	if o.instance == nil {
		o.mu.Unlock()
		return ErrNoInstance
	}
	if o.instance.Status != models.WorkflowPaused {
		o.mu.Unlock()
		return ErrNotPaused
	}

	gen := o.generation
	instanceID := o.instance.ID

	if action == ActionReject {
		o.instance.Status = models.WorkflowFailed
		o.instance.FailureReason = rejectedReason
		o.instance.Checkpoint = nil
		o.mu.Unlock()

		// Best-effort notification; the local state is already settled.
		for _, err := range o.engine.ResumeEvents(ctx, stream.ResumeWorkflowRequest{
			InstanceID: instanceID,
			Action:     string(action),
		}) {
			if err != nil {
				o.logger.Warn("Failed to notify engine of rejection", slog.String("err", err.Error()))
			}
			break
		}
		return nil
	}

	o.instance.Status = models.WorkflowRunning
	o.instance.Checkpoint = nil

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	defer cancel()

	req := stream.ResumeWorkflowRequest{
		InstanceID: instanceID,
		Action:     string(action),
		Payload:    edited,
	}
	return o.consume(gen, o.engine.ResumeEvents(ctx, req))
}

func (o *Overlay) consume(gen uint64, events iter.Seq2[models.WorkflowEvent, error]) error {
	for ev, err := range events {
		if err != nil {
			o.failSubscription(gen, err)
			return fmt.Errorf("workflow event stream failed: %w", err)
		}
		if done := o.apply(gen, ev); done {
			return nil
		}
	}
	return nil
}

// apply folds one engine event into the instance. It reports whether the subscription should
// stop consuming (pause or terminal state).
func (o *Overlay) apply(gen uint64, ev models.WorkflowEvent) bool {
	o.mu.Lock()

	if gen != o.generation || o.instance == nil {
		o.mu.Unlock()
		return true
	}

	done := o.applyLocked(ev)
	cb := o.onUpdate
	o.mu.Unlock()

	if cb != nil {
		cb()
	}
	return done
}

func (o *Overlay) applyLocked(ev models.WorkflowEvent) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	// The event log is append-only and never reordered.
	o.instance.Events = append(o.instance.Events, ev)

	switch ev.Type {
	case models.WorkflowEventNodeStarted:
		if o.instance.Status == models.WorkflowStarting {
			o.instance.Status = models.WorkflowRunning
		}
		// Single active frontier: a node entering execution supersedes any node still
		// marked executing.
		for id, st := range o.instance.Nodes {
			if st.Status == models.NodeExecuting {
				st.Status = models.NodeCompleted
				st.UpdatedAt = ev.Timestamp
				o.instance.Nodes[id] = st
			}
		}
		o.instance.Nodes[ev.NodeID] = models.NodeState{Status: models.NodeExecuting, UpdatedAt: ev.Timestamp}
		o.instance.CurrentNodeID = ev.NodeID
		return false

	case models.WorkflowEventNodeCompleted:
		o.instance.Nodes[ev.NodeID] = models.NodeState{
			Status:    models.NodeCompleted,
			Output:    ev.Payload,
			UpdatedAt: ev.Timestamp,
		}
		return false

	case models.WorkflowEventCheckpoint:
		// A graph whose first node is a checkpoint pauses straight from starting, without
		// ever entering running.
		o.instance.Status = models.WorkflowPaused
		o.instance.Nodes[ev.NodeID] = models.NodeState{Status: models.NodeAwaiting, UpdatedAt: ev.Timestamp}
		o.instance.CurrentNodeID = ev.NodeID
		o.instance.Checkpoint = ev.Payload
		return true

	case models.WorkflowEventCompleted:
		o.instance.Status = models.WorkflowCompleted
		return true

	case models.WorkflowEventFailed:
		o.instance.Status = models.WorkflowFailed
		o.instance.FailureReason = ev.Error
		return true

	default:
		o.logger.Warn("Ignoring workflow event with unknown type", slog.String("type", ev.Type))
		return false
	}
}

func (o *Overlay) failSubscription(gen uint64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if gen != o.generation || o.instance == nil {
		return
	}

	o.logger.Error("Workflow subscription failed", slog.String("err", err.Error()))
	o.instance.Status = models.WorkflowFailed
	o.instance.FailureReason = err.Error()
}

// Close discards the instance regardless of state and cancels the event subscription. It never
// signals reject or cancel to the engine; server-side execution may continue.
func (o *Overlay) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.generation++
	o.instance = nil
}

// Instance returns a snapshot of the open instance, or nil when none is open.
func (o *Overlay) Instance() *models.WorkflowInstance {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.instance == nil {
		return nil
	}

	snap := *o.instance
	snap.Nodes = make(map[string]models.NodeState, len(o.instance.Nodes))
	for id, st := range o.instance.Nodes {
		snap.Nodes[id] = st
	}
	snap.Events = append([]models.WorkflowEvent(nil), o.instance.Events...)
	return &snap
}
