package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"handoff/internal/bus"
	"handoff/internal/config"
	"handoff/internal/db"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/migrate"
	"handoff/internal/state"
	"handoff/internal/store"
)

var (
	human = domain.Actor{Type: domain.ActorHuman, ID: "alice"}
	agent = domain.Actor{Type: domain.ActorAgent, ID: "worker-1"}
)

func testEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	clock := func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	e.Now = clock
	e.Store.Now = clock
	t.Cleanup(e.Close)
	return e
}

func createTask(t *testing.T, e engine.Engine, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.Title == "" {
		opts.Title = "a task"
	}
	task, err := e.CreateTask(context.Background(), opts, human)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	e := testEngine(t)
	task := createTask(t, e, engine.TaskCreateOptions{Title: "review PR", Channel: "backend"})
	if task.ID == "" {
		t.Fatal("no id assigned")
	}
	if task.Status != domain.StatusPending || task.Priority != 5 || task.Version != 0 {
		t.Fatalf("task %+v", task)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	var vErr engine.ValidationError

	_, err := e.CreateTask(ctx, engine.TaskCreateOptions{}, human)
	if !errors.As(err, &vErr) {
		t.Fatalf("missing title: %v", err)
	}
	pri := 12
	_, err = e.CreateTask(ctx, engine.TaskCreateOptions{Title: "x", Priority: &pri}, human)
	if !errors.As(err, &vErr) {
		t.Fatalf("bad priority: %v", err)
	}
	_, err = e.CreateTask(ctx, engine.TaskCreateOptions{Title: "x", Payload: json.RawMessage(`{broken`)}, human)
	if !errors.As(err, &vErr) {
		t.Fatalf("bad payload: %v", err)
	}
}

func TestClaimCompleteFlow(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "deploy"})

	claimed, err := e.ClaimTask(ctx, task.ID, task.Version, agent, 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.StatusInProgress || claimed.Version != 1 {
		t.Fatalf("claimed %+v", claimed)
	}
	if claimed.ClaimedBy == nil || claimed.ClaimedBy.ID != agent.ID {
		t.Fatalf("claimed_by %+v", claimed.ClaimedBy)
	}
	want := time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)
	if claimed.LeaseExpiresAt == nil || !claimed.LeaseExpiresAt.Equal(want) {
		t.Fatalf("lease %v", claimed.LeaseExpiresAt)
	}

	done, err := e.CompleteTask(ctx, task.ID, claimed.Version, agent, json.RawMessage(`{"url":"https://example.com"}`))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StatusCompleted || done.ClaimedBy != nil || done.LeaseExpiresAt != nil {
		t.Fatalf("done %+v", done)
	}
	if string(done.Outputs) != `{"url":"https://example.com"}` {
		t.Fatalf("outputs %s", done.Outputs)
	}
}

func TestSecondClaimLoses(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})

	if _, err := e.ClaimTask(ctx, task.ID, task.Version, agent, 0); err != nil {
		t.Fatal(err)
	}
	_, err := e.ClaimTask(ctx, task.ID, engine.LatestVersion, domain.Actor{Type: "agent", ID: "worker-2"}, 0)
	if !errors.Is(err, state.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})

	const workers = 8
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		actor := domain.Actor{Type: domain.ActorAgent, ID: fmt.Sprintf("worker-%d", i)}
		go func() {
			_, err := e.ClaimTask(ctx, task.ID, engine.LatestVersion, actor, 0)
			results <- err
		}()
	}
	var wins, losses int
	for i := 0; i < workers; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, state.ErrAlreadyClaimed) || errors.Is(err, store.ErrVersionConflict) ||
			errors.Is(err, engine.ErrConflictRetriesExhausted):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != workers-1 {
		t.Fatalf("wins=%d losses=%d", wins, losses)
	}

	got, err := e.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status %s", got.Status)
	}
}

func TestPinnedVersionConflict(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})

	// both claimants read version 0; the second submission is stale
	if _, err := e.ClaimTask(ctx, task.ID, 0, agent, 0); err != nil {
		t.Fatal(err)
	}
	_, err := e.ClaimTask(ctx, task.ID, 0, domain.Actor{Type: "agent", ID: "worker-2"}, 0)
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestUpdateKeepsStatus(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "old"})
	if _, err := e.ClaimTask(ctx, task.ID, engine.LatestVersion, agent, 0); err != nil {
		t.Fatal(err)
	}

	title := "new"
	pri := 1
	got, err := e.UpdateTask(ctx, task.ID, engine.LatestVersion, engine.TaskUpdateOptions{Title: &title, Priority: &pri}, human)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Title != "new" || got.Priority != 1 {
		t.Fatalf("got %+v", got)
	}
	if got.Status != domain.StatusInProgress || got.ClaimedBy == nil {
		t.Fatalf("update touched lifecycle: %+v", got)
	}
}

func TestFailRequiresReason(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})
	if _, err := e.ClaimTask(ctx, task.ID, engine.LatestVersion, agent, 0); err != nil {
		t.Fatal(err)
	}

	var vErr engine.ValidationError
	if _, err := e.FailTask(ctx, task.ID, engine.LatestVersion, agent, ""); !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, err := e.FailTask(ctx, task.ID, engine.LatestVersion, agent, "build broke")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed || got.FailureReason != "build broke" {
		t.Fatalf("got %+v", got)
	}
}

func TestRejectThenReopen(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})

	rejected, err := e.RejectTask(ctx, task.ID, engine.LatestVersion, human, "duplicate")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.StatusRejected {
		t.Fatalf("got %+v", rejected)
	}

	reopened, err := e.ReopenTask(ctx, task.ID, engine.LatestVersion, human, "not a duplicate after all")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != domain.StatusPending {
		t.Fatalf("got %+v", reopened)
	}
	if reopened.RejectionReason != "duplicate" {
		t.Fatalf("rejection history lost: %+v", reopened)
	}
}

func TestCompleteFromPendingInvalid(t *testing.T) {
	e := testEngine(t)
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})

	_, err := e.CompleteTask(context.Background(), task.ID, engine.LatestVersion, agent, nil)
	var invalid state.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != domain.StatusPending || invalid.Event != state.EventComplete {
		t.Fatalf("got %+v", invalid)
	}
}

func TestDeleteTask(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})

	if err := e.DeleteTask(ctx, task.ID, engine.LatestVersion, human); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.GetTask(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTerminalTaskInvalid(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})
	if _, err := e.RejectTask(ctx, task.ID, engine.LatestVersion, human, "no"); err != nil {
		t.Fatal(err)
	}

	err := e.DeleteTask(ctx, task.ID, engine.LatestVersion, human)
	var invalid state.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestExpireLease(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})
	if _, err := e.ClaimTask(ctx, task.ID, engine.LatestVersion, agent, time.Second); err != nil {
		t.Fatal(err)
	}

	events, cancel := e.Watch(bus.Filter{Kinds: []string{domain.EventTaskLeaseExpired}}, 0)
	defer cancel()

	if err := e.ExpireLease(ctx, task.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got, err := e.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending || got.ClaimedBy != nil {
		t.Fatalf("got %+v", got)
	}

	select {
	case ev := <-events:
		if ev.Kind != domain.EventTaskLeaseExpired || ev.Actor.Type != domain.ActorSystem {
			t.Fatalf("event %+v", ev)
		}
	default:
		t.Fatal("no lease_expired event published")
	}

	// expiring a task no longer in progress is quietly a no-op
	if err := e.ExpireLease(ctx, task.ID); err != nil {
		t.Fatalf("repeat expire: %v", err)
	}
	if err := e.ExpireLease(ctx, "gone"); err != nil {
		t.Fatalf("expire missing: %v", err)
	}
}

func TestExpiredLeasesFindsLapsed(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})
	if _, err := e.ClaimTask(ctx, task.ID, engine.LatestVersion, agent, time.Second); err != nil {
		t.Fatal(err)
	}

	lapsed, err := e.ExpiredLeases(ctx, time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(lapsed) != 1 || lapsed[0].ID != task.ID {
		t.Fatalf("got %+v", lapsed)
	}

	none, err := e.ExpiredLeases(ctx, time.Date(2024, 1, 1, 12, 0, 0, 500000000, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("got %+v", none)
	}
}

func TestWatchReceivesFilteredEvents(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	events, cancel := e.Watch(bus.Filter{Channel: "backend"}, 0)
	defer cancel()

	backend := createTask(t, e, engine.TaskCreateOptions{Title: "a", Channel: "backend"})
	createTask(t, e, engine.TaskCreateOptions{Title: "b", Channel: "frontend"})
	if _, err := e.ClaimTask(ctx, backend.ID, engine.LatestVersion, agent, 0); err != nil {
		t.Fatal(err)
	}

	var got []domain.Event
drain:
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
		default:
			break drain
		}
	}
	if len(got) != 2 {
		t.Fatalf("got %d events", len(got))
	}
	if got[0].Kind != domain.EventTaskCreated || got[0].TaskID != backend.ID {
		t.Fatalf("first event %+v", got[0])
	}
	if got[1].Kind != domain.EventTaskClaimed || got[1].Task == nil || got[1].Task.Status != domain.StatusInProgress {
		t.Fatalf("second event %+v", got[1])
	}
}

func TestAddMessagePublishesEvent(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})

	events, cancel := e.Watch(bus.Filter{Kinds: []string{domain.EventTaskMessage}}, 0)
	defer cancel()

	m, err := e.AddMessage(ctx, task.ID, human, "ship it", "")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if m.Seq != 1 || m.ContentType != domain.ContentTypeText {
		t.Fatalf("message %+v", m)
	}

	select {
	case ev := <-events:
		if ev.Message == nil || ev.Message.Content != "ship it" || ev.TaskID != task.ID {
			t.Fatalf("event %+v", ev)
		}
	default:
		t.Fatal("no message event published")
	}

	msgs, err := e.ListMessages(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
}

func TestClaimRejectsNegativeLease(t *testing.T) {
	e := testEngine(t)
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})

	var vErr engine.ValidationError
	_, err := e.ClaimTask(context.Background(), task.ID, engine.LatestVersion, agent, -time.Second)
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMessageEventsArriveInCommitOrder(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})

	const total = 20
	events, cancel := e.Watch(bus.Filter{Kinds: []string{domain.EventTaskMessage}}, total*2)
	defer cancel()

	errs := make(chan error, total)
	for i := 0; i < total; i++ {
		go func(i int) {
			_, err := e.AddMessage(ctx, task.ID, human, fmt.Sprintf("note %d", i), "")
			errs <- err
		}(i)
	}
	for i := 0; i < total; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("add message: %v", err)
		}
	}

	// every watcher sees the per-task message stream in seq order
	var last int64
	for i := 0; i < total; i++ {
		select {
		case ev := <-events:
			if ev.Message == nil {
				t.Fatalf("event %+v has no message", ev)
			}
			if ev.Message.Seq <= last {
				t.Fatalf("seq %d arrived after %d", ev.Message.Seq, last)
			}
			last = ev.Message.Seq
		default:
			t.Fatalf("only %d of %d events delivered", i, total)
		}
	}
}

func TestAddMessageValidation(t *testing.T) {
	e := testEngine(t)
	task := createTask(t, e, engine.TaskCreateOptions{Title: "x"})

	var vErr engine.ValidationError
	if _, err := e.AddMessage(context.Background(), task.ID, human, "", ""); !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := e.AddMessage(context.Background(), "gone", human, "hi", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	e := testEngine(t)
	if err := e.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}
