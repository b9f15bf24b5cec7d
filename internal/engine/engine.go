package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"encoding/json"

	"github.com/google/uuid"

	"handoff/internal/bus"
	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/state"
	"handoff/internal/store"
)

// LatestVersion tells a mutating call to operate on whatever version is
// current, retrying internally on optimistic-lock conflicts.
const LatestVersion int64 = -1

const casRetries = 3

// ErrConflictRetriesExhausted is returned when a LatestVersion mutation kept
// losing the optimistic-lock race.
var ErrConflictRetriesExhausted = errors.New("conflicting writes, retries exhausted")

// ValidationError marks rejected input as opposed to infrastructure failure.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Engine is the single mutation path for tasks. Every write goes through the
// store's compare-and-swap, and every committed change is published on the
// bus after the transaction lands.
type Engine struct {
	DB     *sql.DB
	Store  store.Store
	Bus    *bus.Bus
	Config *config.Config
	Now    func() time.Time

	// pubMu is held across each commit-and-publish pair so the bus sees
	// events in commit order.
	pubMu *sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Store:  store.Store{DB: db},
		Bus:    bus.New(),
		Config: cfg,
		Now:    time.Now,
		pubMu:  &sync.Mutex{},
	}
}

// lockPublish acquires the publish-order lock. The returned func releases it.
func (e Engine) lockPublish() func() {
	if e.pubMu == nil {
		return func() {}
	}
	e.pubMu.Lock()
	return e.pubMu.Unlock
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	Title       string
	Description string
	Type        string
	Channel     string
	Priority    *int
	Payload     json.RawMessage
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions, actor domain.Actor) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, validationErrorf("title is required")
	}
	if len(opts.Payload) > 0 && !json.Valid(opts.Payload) {
		return domain.Task{}, validationErrorf("payload must be valid JSON")
	}
	priority := 5
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	if priority < 1 || priority > 10 {
		return domain.Task{}, validationErrorf("priority must be between 1 and 10")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := domain.Task{
		ID:          id,
		Title:       opts.Title,
		Description: opts.Description,
		Type:        opts.Type,
		Channel:     opts.Channel,
		Priority:    priority,
		Status:      domain.StatusPending,
		Payload:     opts.Payload,
	}
	unlock := e.lockPublish()
	defer unlock()
	t, err := e.Store.Insert(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	e.publish(domain.EventTaskCreated, t, actor, nil)
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Store.Get(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f store.Filter) ([]domain.Task, error) {
	return e.Store.List(ctx, f)
}

// applyTransition runs one lifecycle transition through the store CAS. With
// LatestVersion it re-reads and retries on conflict; with a pinned version a
// single conflict is final.
func (e Engine) applyTransition(ctx context.Context, id string, version int64, tr state.Transition) (domain.Task, error) {
	attempts := 1
	if version == LatestVersion {
		attempts = casRetries
	}
	now := e.now()
	var lastErr error
	for i := 0; i < attempts; i++ {
		expected := version
		if expected == LatestVersion {
			cur, err := e.Store.Get(ctx, id)
			if err != nil {
				return domain.Task{}, err
			}
			expected = cur.Version
		}
		unlock := e.lockPublish()
		t, err := e.Store.CompareAndSwap(ctx, id, expected, func(t *domain.Task) error {
			return state.Apply(t, tr, now)
		})
		if errors.Is(err, store.ErrVersionConflict) && version == LatestVersion {
			unlock()
			lastErr = err
			continue
		}
		if err != nil {
			unlock()
			return domain.Task{}, err
		}
		if kind := state.EventKind(tr.Event); kind != "" {
			e.publish(kind, t, tr.Actor, nil)
		}
		unlock()
		return t, nil
	}
	return domain.Task{}, fmt.Errorf("%w: %v", ErrConflictRetriesExhausted, lastErr)
}

// TaskUpdateOptions carry the mutable descriptive fields. Nil means leave
// unchanged.
type TaskUpdateOptions struct {
	Title       *string
	Description *string
	Priority    *int
}

func (e Engine) UpdateTask(ctx context.Context, id string, version int64, opts TaskUpdateOptions, actor domain.Actor) (domain.Task, error) {
	if opts.Title != nil && *opts.Title == "" {
		return domain.Task{}, validationErrorf("title cannot be empty")
	}
	if opts.Priority != nil && (*opts.Priority < 1 || *opts.Priority > 10) {
		return domain.Task{}, validationErrorf("priority must be between 1 and 10")
	}
	return e.applyTransition(ctx, id, version, state.Transition{
		Event:       state.EventUpdate,
		Actor:       actor,
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
	})
}

// ClaimTask moves a pending task to in_progress under a lease held by actor.
// A zero lease falls back to the configured default.
func (e Engine) ClaimTask(ctx context.Context, id string, version int64, actor domain.Actor, lease time.Duration) (domain.Task, error) {
	if lease < 0 {
		return domain.Task{}, validationErrorf("lease must not be negative")
	}
	if lease == 0 {
		lease = e.defaultLease()
	}
	return e.applyTransition(ctx, id, version, state.Transition{
		Event: state.EventClaim,
		Actor: actor,
		Lease: lease,
	})
}

func (e Engine) CompleteTask(ctx context.Context, id string, version int64, actor domain.Actor, outputs json.RawMessage) (domain.Task, error) {
	if len(outputs) > 0 && !json.Valid(outputs) {
		return domain.Task{}, validationErrorf("outputs must be valid JSON")
	}
	return e.applyTransition(ctx, id, version, state.Transition{
		Event:   state.EventComplete,
		Actor:   actor,
		Outputs: outputs,
	})
}

func (e Engine) CancelTask(ctx context.Context, id string, version int64, actor domain.Actor, reason string) (domain.Task, error) {
	return e.applyTransition(ctx, id, version, state.Transition{
		Event:  state.EventCancel,
		Actor:  actor,
		Reason: reason,
	})
}

func (e Engine) FailTask(ctx context.Context, id string, version int64, actor domain.Actor, reason string) (domain.Task, error) {
	if reason == "" {
		return domain.Task{}, validationErrorf("failure reason is required")
	}
	return e.applyTransition(ctx, id, version, state.Transition{
		Event:  state.EventFail,
		Actor:  actor,
		Reason: reason,
	})
}

func (e Engine) RejectTask(ctx context.Context, id string, version int64, actor domain.Actor, reason string) (domain.Task, error) {
	if reason == "" {
		return domain.Task{}, validationErrorf("rejection reason is required")
	}
	return e.applyTransition(ctx, id, version, state.Transition{
		Event:  state.EventReject,
		Actor:  actor,
		Reason: reason,
	})
}

// ReopenTask returns a terminal task to pending. Prior outputs and reasons
// are kept on the record as history.
func (e Engine) ReopenTask(ctx context.Context, id string, version int64, actor domain.Actor, reason string) (domain.Task, error) {
	return e.applyTransition(ctx, id, version, state.Transition{
		Event:  state.EventReopen,
		Actor:  actor,
		Reason: reason,
	})
}

// DeleteTask removes a non-terminal task and its messages. No event is
// published; watchers learn nothing about deleted tasks.
func (e Engine) DeleteTask(ctx context.Context, id string, version int64, actor domain.Actor) error {
	t, err := e.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if domain.Terminal(t.Status) {
		return state.InvalidTransitionError{From: t.Status, Event: state.EventDelete}
	}
	expected := version
	if expected == LatestVersion {
		expected = t.Version
	}
	return e.Store.Delete(ctx, id, expected)
}

// ExpireLease runs the lease-expiry transition as the system actor. A
// version conflict means a live claimant got there first; callers treat that
// as success.
func (e Engine) ExpireLease(ctx context.Context, id string) error {
	_, err := e.applyTransition(ctx, id, LatestVersion, state.Transition{
		Event: state.EventLeaseExpired,
		Actor: domain.Actor{Type: domain.ActorSystem, ID: "sweeper"},
	})
	if errors.Is(err, ErrConflictRetriesExhausted) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	var invalid state.InvalidTransitionError
	if errors.As(err, &invalid) {
		return nil
	}
	return err
}

func (e Engine) ExpiredLeases(ctx context.Context, now time.Time) ([]domain.Task, error) {
	return e.Store.ExpiredLeases(ctx, now)
}

// AddMessage appends to the task's log and publishes a task.message event.
func (e Engine) AddMessage(ctx context.Context, taskID string, author domain.Actor, content, contentType string) (domain.Message, error) {
	if content == "" {
		return domain.Message{}, validationErrorf("content is required")
	}
	m := domain.Message{
		ID:          uuid.New().String(),
		Author:      author,
		Content:     content,
		ContentType: contentType,
	}
	unlock := e.lockPublish()
	defer unlock()
	m, err := e.Store.AppendMessage(ctx, taskID, m)
	if err != nil {
		return domain.Message{}, err
	}
	t, err := e.Store.Get(ctx, taskID)
	if err != nil {
		return domain.Message{}, err
	}
	e.publish(domain.EventTaskMessage, t, author, &m)
	return m, nil
}

func (e Engine) ListMessages(ctx context.Context, taskID string) ([]domain.Message, error) {
	return e.Store.ListMessages(ctx, taskID)
}

// Watch subscribes to the live event stream. The second return value cancels
// the subscription and closes the channel.
func (e Engine) Watch(f bus.Filter, bufSize int) (<-chan domain.Event, func()) {
	if bufSize <= 0 && e.Config != nil {
		bufSize = e.Config.Watch.Buffer
	}
	return e.Bus.Subscribe(f, bufSize)
}

// Health reports whether the durable store is reachable.
func (e Engine) Health(ctx context.Context) error {
	return e.Store.Ping(ctx)
}

// Close shuts down the event bus, disconnecting all watchers.
func (e Engine) Close() {
	if e.Bus != nil {
		e.Bus.Close()
	}
}

func (e Engine) defaultLease() time.Duration {
	if e.Config != nil {
		if d := e.Config.DefaultLease(); d > 0 {
			return d
		}
	}
	return state.DefaultLease
}

// publish emits an event for a committed change. Events only exist in
// flight; there is no journal and no replay.
func (e Engine) publish(kind string, t domain.Task, actor domain.Actor, m *domain.Message) {
	if e.Bus == nil {
		return
	}
	snapshot := t
	e.Bus.Publish(domain.Event{
		Kind:     kind,
		TaskID:   t.ID,
		Channel:  t.Channel,
		TaskType: t.Type,
		Actor:    actor,
		TS:       e.now().UTC().Format(time.RFC3339),
		Task:     &snapshot,
		Message:  m,
	})
}
