package corerun

import "encoding/json"

// StreamEventType discriminates a chunk emitted onto a run's stream, per
// spec §6's run-stream record schema.
type StreamEventType string

const (
	EventContent        StreamEventType = "content"
	EventTool           StreamEventType = "tool"
	EventStatus         StreamEventType = "status"
	EventError          StreamEventType = "error"
	EventLLMResponseEnd StreamEventType = "llm_response_end"
)

// RunStatusValue is the value carried by a StreamEvent of type "status".
type RunStatusValue string

const (
	StatusStopped RunStatusValue = "stopped"
	StatusError   RunStatusValue = "error"
)

// StreamEvent is one record appended to a run's stream
// (agent_run:{id}:stream), consumed by SSE subscribers. Producers in this
// package emit unsequenced chunks: none of them sets Sequence, so it is
// omitted from the encoded record.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	Content      json.RawMessage `json:"content,omitempty"`
	Sequence     int64           `json:"sequence,omitempty"`
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	FinishReason FinishReason    `json:"finish_reason,omitempty"`
	Status       RunStatusValue  `json:"status,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// ControlSignal is an out-of-band value written to a run's control key
// (agent_run:{id}:control).
type ControlSignal string

// StreamComplete is the control-key value telling subscribers that the
// run's stream will receive no further records, so they can stop polling
// past the last id. This package defines the value; none of its components
// writes it.
const StreamComplete ControlSignal = "STREAM_COMPLETE"

// textEvent builds a content chunk carrying plain text.
func textEvent(text string) StreamEvent {
	b, _ := json.Marshal(text)
	return StreamEvent{Type: EventContent, Content: b}
}

// statusEvent builds a terminal status chunk.
func statusEvent(status RunStatusValue, reason FinishReason, message string) StreamEvent {
	return StreamEvent{Type: EventStatus, Status: status, FinishReason: reason, Message: message}
}

// errorEvent builds an error chunk.
func errorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message}
}
