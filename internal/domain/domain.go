package domain

import (
	"encoding/json"
	"time"
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusFailed     = "failed"
	StatusRejected   = "rejected"
)

// Actor types.
const (
	ActorHuman  = "human"
	ActorAgent  = "agent"
	ActorSystem = "system"
)

// Actor identifies who performed a mutation. It is carried as metadata on
// tasks, messages and events, never stored as its own entity.
type Actor struct {
	Type string `json:"type" enum:"human,agent,system"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Task struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Type            string          `json:"type,omitempty"`
	Channel         string          `json:"channel,omitempty"`
	Priority        int             `json:"priority"`
	Status          string          `json:"status" enum:"pending,in_progress,completed,cancelled,failed,rejected"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Outputs         json.RawMessage `json:"outputs,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	ReopenReason    string          `json:"reopen_reason,omitempty"`
	ClaimedBy       *Actor          `json:"claimed_by,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
	Version         int64           `json:"version"`
}

// Terminal reports whether status has no outgoing edge except reopen.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// ContentTypeText is the default message content type.
const ContentTypeText = "text"

// Message is one entry on a task's append-only thread. Seq is assigned at
// append time and is strictly increasing per task with no gaps.
type Message struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Seq         int64  `json:"seq"`
	Author      Actor  `json:"author"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Event kinds published on the watch stream.
const (
	EventTaskCreated      = "task.created"
	EventTaskClaimed      = "task.claimed"
	EventTaskUpdated      = "task.updated"
	EventTaskCompleted    = "task.completed"
	EventTaskCancelled    = "task.cancelled"
	EventTaskFailed       = "task.failed"
	EventTaskRejected     = "task.rejected"
	EventTaskReopened     = "task.reopened"
	EventTaskMessage      = "task.message"
	EventTaskLeaseExpired = "task.lease_expired"
)

// Event is an immutable fact describing one committed state change or message
// append. Events exist only in flight: a watcher that was not connected at
// publication time never sees the event.
type Event struct {
	Kind     string   `json:"kind"`
	TaskID   string   `json:"task_id"`
	Channel  string   `json:"channel,omitempty"`
	TaskType string   `json:"task_type,omitempty"`
	Actor    Actor    `json:"actor"`
	TS       string   `json:"ts" format:"date-time"`
	Task     *Task    `json:"task,omitempty"`
	Message  *Message `json:"message,omitempty"`
}
