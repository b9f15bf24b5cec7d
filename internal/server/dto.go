package server

import (
	"encoding/json"
	"time"

	"handoff/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID          *string         `json:"id,omitempty"`
	Title       string          `json:"title"`
	Description *string         `json:"description,omitempty"`
	Type        *string         `json:"type,omitempty"`
	Channel     *string         `json:"channel,omitempty"`
	Priority    *int            `json:"priority,omitempty" minimum:"1" maximum:"10"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty" minimum:"1" maximum:"10"`
}

type ClaimTaskRequest struct {
	LeaseMS int64 `json:"lease_ms,omitempty" minimum:"0"`
}

type AddMessageRequest struct {
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty" enum:"text,json"`
}

// Response payloads

type TaskResponse struct {
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
	ClaimedBy       *domain.Actor   `json:"claimed_by,omitempty"`
	LeaseExpiresAt  *string         `json:"lease_expires_at,omitempty" format:"date-time"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
	Version         int64           `json:"version"`
}

type MessageResponse struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	Seq         int64        `json:"seq"`
	Author      domain.Actor `json:"author"`
	Content     string       `json:"content"`
	ContentType string       `json:"content_type"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Type:            t.Type,
		Channel:         t.Channel,
		Priority:        t.Priority,
		Status:          t.Status,
		Payload:         t.Payload,
		Outputs:         t.Outputs,
		FailureReason:   t.FailureReason,
		RejectionReason: t.RejectionReason,
		ReopenReason:    t.ReopenReason,
		ClaimedBy:       t.ClaimedBy,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		Version:         t.Version,
	}
	if t.LeaseExpiresAt != nil {
		s := t.LeaseExpiresAt.UTC().Format(time.RFC3339)
		resp.LeaseExpiresAt = &s
	}
	return resp
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		TaskID:      m.TaskID,
		Seq:         m.Seq,
		Author:      m.Author,
		Content:     m.Content,
		ContentType: m.ContentType,
		CreatedAt:   m.CreatedAt,
	}
}

func mapMessages(items []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}
