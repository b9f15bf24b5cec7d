package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"handoff/internal/domain"
)

// Store owns all durable task and message records. Every task mutation goes
// through CompareAndSwap; there is no blind read-then-write path.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

const taskColumns = `id,title,description,type,channel,priority,status,payload_json,outputs_json,failure_reason,rejection_reason,reopen_reason,claimed_by_json,lease_expires_ms,created_at,updated_at,version`

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Insert persists a new task. The store assigns timestamps and version 0.
func (s Store) Insert(ctx context.Context, t domain.Task) (domain.Task, error) {
	now := s.now().UTC()
	t.CreatedAt = now.Format(time.RFC3339)
	t.UpdatedAt = t.CreatedAt
	t.Version = 0
	claimed, err := marshalActor(t.ClaimedBy)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.Type, t.Channel, t.Priority, t.Status,
		nullableRaw(t.Payload), nullableRaw(t.Outputs),
		nullable(t.FailureReason), nullable(t.RejectionReason), nullable(t.ReopenReason),
		claimed, leaseMillis(t.LeaseExpiresAt), t.CreatedAt, t.UpdatedAt, t.Version)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// Get returns the task with the given id, or ErrNotFound.
func (s Store) Get(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// Filter narrows List results. A zero field matches everything; by default
// only non-terminal tasks are returned unless All is set or Status names a
// specific status.
type Filter struct {
	Status  string
	Channel string
	Type    string
	Limit   int
	All     bool
}

// List returns tasks matching f, ordered by created_at ascending.
func (s Store) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	var clauses []string
	var args []any
	switch {
	case f.Status != "":
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	case !f.All:
		clauses = append(clauses, "status IN (?,?)")
		args = append(args, domain.StatusPending, domain.StatusInProgress)
	}
	if f.Channel != "" {
		clauses = append(clauses, "channel=?")
		args = append(args, f.Channel)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CompareAndSwap atomically applies mutate to the task with the given id.
// It fails with ErrVersionConflict if the stored version no longer matches
// expectedVersion, and passes any mutate error through unchanged. On success
// the version is incremented and updated_at refreshed.
func (s Store) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate func(*domain.Task) error) (domain.Task, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return domain.Task{}, err
	}
	if t.Version != expectedVersion {
		return domain.Task{}, ErrVersionConflict
	}
	if err := mutate(&t); err != nil {
		return domain.Task{}, err
	}
	t.Version = expectedVersion + 1
	t.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	claimed, err := marshalActor(t.ClaimedBy)
	if err != nil {
		return domain.Task{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, type=?, channel=?, priority=?, status=?, payload_json=?, outputs_json=?, failure_reason=?, rejection_reason=?, reopen_reason=?, claimed_by_json=?, lease_expires_ms=?, updated_at=?, version=? WHERE id=? AND version=?`,
		t.Title, nullable(t.Description), t.Type, t.Channel, t.Priority, t.Status,
		nullableRaw(t.Payload), nullableRaw(t.Outputs),
		nullable(t.FailureReason), nullable(t.RejectionReason), nullable(t.ReopenReason),
		claimed, leaseMillis(t.LeaseExpiresAt), t.UpdatedAt, t.Version,
		t.ID, expectedVersion)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Task{}, ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// Delete hard-removes a task and its messages. The version guard keeps the
// removal atomic against concurrent transitions.
func (s Store) Delete(ctx context.Context, id string, expectedVersion int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=? AND version=?`, id, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrVersionConflict
}

// ExpiredLeases returns in_progress tasks whose lease passed before now.
// The sweep reads the live lease field here each cycle instead of caching
// expiries, so re-claims are tracked for free.
func (s Store) ExpiredLeases(ctx context.Context, now time.Time) ([]domain.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? AND lease_expires_ms IS NOT NULL AND lease_expires_ms<=?`,
		domain.StatusInProgress, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// Ping reports whether the durable store is reachable.
func (s Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var description, payload, outputs, failure, rejection, reopen, claimed sql.NullString
	var leaseMS sql.NullInt64
	err := row.Scan(&t.ID, &t.Title, &description, &t.Type, &t.Channel, &t.Priority, &t.Status,
		&payload, &outputs, &failure, &rejection, &reopen, &claimed, &leaseMS,
		&t.CreatedAt, &t.UpdatedAt, &t.Version)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	if outputs.Valid {
		t.Outputs = json.RawMessage(outputs.String)
	}
	if failure.Valid {
		t.FailureReason = failure.String
	}
	if rejection.Valid {
		t.RejectionReason = rejection.String
	}
	if reopen.Valid {
		t.ReopenReason = reopen.String
	}
	if claimed.Valid {
		var a domain.Actor
		if err := json.Unmarshal([]byte(claimed.String), &a); err != nil {
			return t, fmt.Errorf("claimed_by: %w", err)
		}
		t.ClaimedBy = &a
	}
	if leaseMS.Valid {
		exp := time.UnixMilli(leaseMS.Int64).UTC()
		t.LeaseExpiresAt = &exp
	}
	return t, nil
}

func marshalActor(a *domain.Actor) (any, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal actor: %w", err)
	}
	return string(b), nil
}

func unmarshalActor(data string, a *domain.Actor) error {
	if err := json.Unmarshal([]byte(data), a); err != nil {
		return fmt.Errorf("unmarshal actor: %w", err)
	}
	return nil
}

func leaseMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
