package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	// WorkflowStarting means the start request was issued but no event has arrived yet.
	WorkflowStarting WorkflowStatus = "starting"
	// WorkflowRunning means the engine is executing nodes.
	WorkflowRunning WorkflowStatus = "running"
	// WorkflowPaused means execution halted at a checkpoint node pending user resolution.
	WorkflowPaused WorkflowStatus = "paused_at_checkpoint"
	// WorkflowCompleted means the instance finished successfully.
	WorkflowCompleted WorkflowStatus = "completed"
	// WorkflowFailed means the instance terminated with an error or was rejected by the user.
	WorkflowFailed WorkflowStatus = "failed"
)

// NodeKind distinguishes nodes that execute automatically from nodes that halt for review.
type NodeKind string

const (
	// NodeExecute is a node the engine runs without user involvement.
	NodeExecute NodeKind = "execute"
	// NodeCheckpoint is a node that halts automatic execution pending explicit user resolution.
	NodeCheckpoint NodeKind = "checkpoint"
)

// NodeStatus represents the execution sub-status of a single node.
type NodeStatus string

const (
	// NodePending means the node has not started yet.
	NodePending NodeStatus = "pending"
	// NodeExecuting means the node is the current active frontier.
	NodeExecuting NodeStatus = "executing"
	// NodeAwaiting means the node is a checkpoint waiting for user resolution.
	NodeAwaiting NodeStatus = "awaiting"
	// NodeCompleted means the node finished.
	NodeCompleted NodeStatus = "completed"
	// NodeFailed means the node errored.
	NodeFailed NodeStatus = "failed"
)

// WorkflowGraph is an inline workflow definition submitted at start time, as an alternative to a
// template identifier.
type WorkflowGraph struct {
	Name  string         `json:"name"`
	Nodes []WorkflowNode `json:"nodes"`
}

// WorkflowNode is one node of an inline graph.
type WorkflowNode struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Kind   NodeKind       `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// NodeState is the tracked state of one node within a running instance.
type NodeState struct {
	Status    NodeStatus `json:"status"`
	Output    *Payload   `json:"output,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// WorkflowEvent is one decoded unit of the workflow engine's event stream. Events are applied to
// the instance in arrival order and recorded in its append-only event log.
type WorkflowEvent struct {
	Type      string    `json:"type"`
	NodeID    string    `json:"node_id,omitempty"`
	NodeName  string    `json:"node_name,omitempty"`
	Payload   *Payload  `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Workflow event types emitted by the engine.
const (
	// WorkflowEventNodeStarted marks an execute node entering execution.
	WorkflowEventNodeStarted = "node_started"
	// WorkflowEventNodeCompleted marks a node finishing, optionally carrying its output payload.
	WorkflowEventNodeCompleted = "node_completed"
	// WorkflowEventCheckpoint marks execution halting at a checkpoint node, carrying the
	// payload (plan or wip) the user must resolve.
	WorkflowEventCheckpoint = "checkpoint"
	// WorkflowEventCompleted marks the whole instance finishing.
	WorkflowEventCompleted = "workflow_completed"
	// WorkflowEventFailed marks the whole instance failing.
	WorkflowEventFailed = "workflow_failed"
)

// WorkflowInstance is the tracked state of one externally-executed workflow. It is mutated only
// through the workflow overlay and discarded when closed.
type WorkflowInstance struct {
	ID            string               `json:"id"`
	Status        WorkflowStatus       `json:"status"`
	CurrentNodeID string               `json:"current_node_id,omitempty"`
	Nodes         map[string]NodeState `json:"nodes"`
	Events        []WorkflowEvent      `json:"events"`

	// Checkpoint would be filled while Status is WorkflowPaused.
	Checkpoint *Payload `json:"checkpoint,omitempty"`
	// FailureReason would be filled if Status is WorkflowFailed.
	FailureReason string `json:"failure_reason,omitempty"`
}
