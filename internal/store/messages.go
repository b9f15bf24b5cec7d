package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"handoff/internal/domain"
)

// AppendMessage adds a message to the task's log, assigning the next
// sequence number inside the insert transaction so the per-task log is
// gapless even under concurrent writers.
func (s Store) AppendMessage(ctx context.Context, taskID string, m domain.Message) (domain.Message, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, taskID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, ErrNotFound
		}
		return domain.Message{}, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE task_id=?`, taskID).Scan(&m.Seq); err != nil {
		return domain.Message{}, err
	}
	m.TaskID = taskID
	m.CreatedAt = s.now().UTC().Format(time.RFC3339)
	if m.ContentType == "" {
		m.ContentType = domain.ContentTypeText
	}
	author, err := marshalActor(&m.Author)
	if err != nil {
		return domain.Message{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO messages(id,task_id,seq,author_json,content,content_type,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.TaskID, m.Seq, author, m.Content, m.ContentType, m.CreatedAt)
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// ListMessages returns the task's message log in sequence order.
func (s Store) ListMessages(ctx context.Context, taskID string) ([]domain.Message, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id,task_id,seq,author_json,content,content_type,created_at FROM messages WHERE task_id=? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var author string
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Seq, &author, &m.Content, &m.ContentType, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalActor(author, &m.Author); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
