package entity

import "time"

// EventType enumerates everything the orchestrator can emit on a
// turn's output channel. It supersedes the narrower AgentEventType
// (text_delta/tool_call/tool_result/thinking/step_done/done/error)
// with the full taxonomy the turn state machine drives through.
type EventType string

// Distinct names from the legacy AgentEventType constants in
// agent_event.go are required here: both sets live in package entity,
// and three concepts (thinking, text delta, error) exist in both
// taxonomies under names that would otherwise collide.
const (
	EventTurnStarted       EventType = "turn_started"
	EventThinkingStarted   EventType = "thinking"
	EventOutputDelta       EventType = "text_delta"
	EventReasoningDelta    EventType = "reasoning_delta"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallPending   EventType = "tool_call_pending"
	EventToolCallApproved  EventType = "tool_call_approved"
	EventToolCallRejected  EventType = "tool_call_rejected"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventTurnCompleted     EventType = "turn_completed"
	EventTurnAborted       EventType = "turn_aborted"
	EventContextCompacted  EventType = "context_compacted"
	EventLoopDetected      EventType = "loop_detected"
	EventFailed            EventType = "error"
	EventUndoStarted       EventType = "undo_started"
	EventUndoCompleted     EventType = "undo_completed"
	EventShutdownComplete  EventType = "shutdown_complete"
)

// Event is a single protocol event on the orchestrator's output
// channel. SubmissionID echoes the id of the Submission that triggered
// it, letting a caller correlate a stream of events back to the
// request it answers; it is empty for events not tied to a specific
// submission (e.g. a background LoopDetected).
type Event struct {
	Type         EventType              `json:"type"`
	SubmissionID string                 `json:"submission_id,omitempty"`
	TurnID       string                 `json:"turn_id,omitempty"`
	Content      string                 `json:"content,omitempty"`
	ToolCallID   string                 `json:"tool_call_id,omitempty"`
	ToolName     string                 `json:"tool_name,omitempty"`
	Arguments    string                 `json:"arguments,omitempty"`
	Risk         string                 `json:"risk,omitempty"`
	Result       *ToolResult            `json:"result,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	TokenUsage   *TokenUsage            `json:"token_usage,omitempty"`
	Removed      int                    `json:"removed,omitempty"`
	Saved        int                    `json:"saved,omitempty"`
	LoopTool     string                 `json:"loop_tool,omitempty"`
	LoopCount    int                    `json:"loop_count,omitempty"`
	Recoverable  bool                   `json:"recoverable,omitempty"`
	Success      bool                   `json:"success,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// NewEvent stamps Timestamp and returns the event.
func NewEvent(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now()}
}
