package corerun

import "encoding/json"

// --- Domain types (relational store records), per spec §3 ---

// RunStatus is the lifecycle state of a Run. Once terminal, status is
// monotone: a run never transitions out of completed, failed, or stopped.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether s is one of the monotone terminal states.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunStopped:
		return true
	default:
		return false
	}
}

// Run is a single user-initiated agent execution, possibly spanning many LLM
// turns via auto-continue. Owner is the worker identity holding the lease,
// or "" when unowned. At most one worker holds a non-empty Owner at any
// time; that mutual exclusion is enforced by LeaseManager, not this struct.
type Run struct {
	ID                string    `json:"id"`
	AccountID         string    `json:"account_id"`
	ThreadID          string    `json:"thread_id"`
	Owner             string    `json:"owner,omitempty"`
	Status            RunStatus `json:"status"`
	StartTime         int64     `json:"start_time"`
	HeartbeatTime     int64     `json:"heartbeat_time"`
	TerminationReason string    `json:"termination_reason,omitempty"`
}

// Project groups threads under an account; a Resource (sandbox) is bound
// 1:1 to a (Project, Account) pair, per §4.9.
type Project struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

// Thread is an ordered sequence of Messages belonging to a Project. Messages
// within a thread carry stable sequence numbers and are immutable once
// inserted, except for the metadata-only updates a MessageUpdate carries
// (the Omitted flag, stripped ToolCalls).
type Thread struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	// CacheHash identifies the prompt-cache block layout last computed for
	// this thread (§4.8); consumers recompute layout when it's empty,
	// differs from the current layout, or CacheRebuild is set, and reuse the
	// same cut points otherwise.
	CacheHash    string `json:"cache_hash,omitempty"`
	CacheRebuild bool   `json:"cache_rebuild"`
}

// MessageType discriminates the Message.Content shape.
type MessageType string

const (
	MessageUser           MessageType = "user"
	MessageAssistant      MessageType = "assistant"
	MessageTool           MessageType = "tool"
	MessageStatus         MessageType = "status"
	MessageLLMResponseEnd MessageType = "llm_response_end"
	MessageImageContext   MessageType = "image_context"
	MessageThreadSummary  MessageType = "thread_summary"
)

// Message is a single entry in a Thread's history. Content is a structured
// document whose shape depends on Type (object, array, or string), stored
// as raw JSON so the relational store need not understand every shape.
//
// Every MessageTool message carries ToolCallID and LinkedMessageID
// referring to a MessageAssistant message in the same thread, and every
// tool_call announced inside an assistant message must be answered, in
// order, by a matching tool message later in the thread — violations are
// repaired per §4.5.8.
type Message struct {
	ID               string          `json:"id"`
	ThreadID         string          `json:"thread_id"`
	Sequence         int64           `json:"sequence"`
	Type             MessageType     `json:"type"`
	Content          json.RawMessage `json:"content"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	LinkedMessageID  string          `json:"linked_message_id,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
	Omitted          bool            `json:"omitted"`
	CreatedAt        int64           `json:"created_at"`
}

// PendingWrite is a not-yet-persisted artifact produced by the orchestrator.
// Lifecycle: created -> appended to the owning run's WriteBuffer queue ->
// flushed -> acknowledged -> removed. Acknowledged only after its database
// effect is observed (read-after-write check, or a successful transaction).
type PendingWrite struct {
	Kind      PendingWriteKind `json:"kind"`
	RunID     string           `json:"run_id"`
	Message   *Message         `json:"message,omitempty"`
	Deduction *CreditDeduction `json:"deduction,omitempty"`
	Update    *MessageUpdate   `json:"update,omitempty"`
	CreatedAt int64            `json:"created_at"`
}

// PendingWriteKind tags what a PendingWrite carries.
type PendingWriteKind string

const (
	WriteMessage       PendingWriteKind = "message"
	WriteCreditDeduct  PendingWriteKind = "credit_deduction"
	WriteMessageUpdate PendingWriteKind = "message_update"
)

// CreditDeduction is a persisted debit against an account's credit balance.
type CreditDeduction struct {
	AccountID     string  `json:"account_id"`
	RunID         string  `json:"run_id"`
	Amount        float64 `json:"amount"`
	ReservationID string  `json:"reservation_id"`
}

// MessageUpdate is a metadata-only mutation to an already-persisted message
// (the only kind of post-insert mutation a Message allows): flipping the
// Omitted flag during tool-pair repair, or stripping ToolCalls from an
// assistant message whose call went unanswered.
type MessageUpdate struct {
	MessageID      string `json:"message_id"`
	Omitted        *bool  `json:"omitted,omitempty"`
	StripToolCalls bool   `json:"strip_tool_calls,omitempty"`
}

// Reservation is a credit hold: (account, run, amount, created_at, ttl).
// Held only in writer.go's in-process hold table; no KV record of it is
// written, so other processes cannot see it. Commit converts it into a persisted CreditDeduction;
// rollback deletes the hold.
type Reservation struct {
	ID        string  `json:"id"`
	AccountID string  `json:"account_id"`
	RunID     string  `json:"run_id"`
	Amount    float64 `json:"amount"`
	CreatedAt int64   `json:"created_at"`
	TTLSecs   int64   `json:"ttl_secs"`
}

// DLQEntry is a write that failed to persist after retries. Retryable and
// bounded in retention.
type DLQEntry struct {
	EntryID      string           `json:"entry_id"`
	RunID        string           `json:"run_id"`
	WriteType    PendingWriteKind `json:"write_type"`
	Payload      json.RawMessage  `json:"payload"`
	Error        string           `json:"error"`
	AttemptCount int              `json:"attempt_count"`
	CreatedAt    int64            `json:"created_at"`
	FailedAt     int64            `json:"failed_at"`
}

// ResourceStatus is the lifecycle state of a compute sandbox.
type ResourceStatus string

const (
	ResourcePooled  ResourceStatus = "pooled"
	ResourceActive  ResourceStatus = "active"
	ResourceStopped ResourceStatus = "stopped"
	ResourceDeleted ResourceStatus = "deleted"
)

// Resource is a compute sandbox (container). A resource in ResourceActive
// has exactly one owning project, expressed here by a nonempty
// OwnedBy/ProjectID pair populated only once Status == ResourceActive.
type Resource struct {
	ID         string         `json:"id"`
	Status     ResourceStatus `json:"status"`
	OwnedBy    string         `json:"owned_by,omitempty"` // account_id
	ProjectID  string         `json:"project_id,omitempty"`
	ContainerID string        `json:"container_id,omitempty"`
	PreviewURL string         `json:"preview_url,omitempty"`
	Token      string         `json:"token,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	LastUsedAt int64          `json:"last_used_at"`
}
