package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/strategy"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// fakeClock — управляемое время для тестов.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.TaskEvent
}

func (p *recordingPublisher) PublishTaskEvent(_ context.Context, ev domain.TaskEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func newTestService(t *testing.T) (*Service, *fakeClock, *recordingPublisher) {
	t.Helper()
	clock := newFakeClock()
	pub := &recordingPublisher{}
	svc := NewService(Config{
		Store:     repo.NewMemoryTaskRepo(),
		Publisher: pub,
		Metrics:   telemetry.NewMetrics(nil),
		Retry: RetryPolicy{
			Backoff:      BackoffFixed,
			InitialDelay: time.Second,
		},
		Clock: clock.Now,
	})
	return svc, clock, pub
}

func mustEnqueue(t *testing.T, svc *Service, req domain.EnqueueRequest) *domain.Task {
	t.Helper()
	task, _, err := svc.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func TestService_IdempotentEnqueue(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()
	req := domain.EnqueueRequest{Type: "email.send", Payload: map[string]any{"to": "a@b"}, IdempotencyKey: "welcome-1"}

	first, created, err := svc.Enqueue(ctx, req)
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	second, created, err := svc.Enqueue(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second enqueue must report created=false")
	}
	if second.ID != first.ID {
		t.Errorf("expected same id %s, got %s", first.ID, second.ID)
	}
	if got := len(pub.types()); got != 1 {
		t.Errorf("expected a single enqueued event, got %d", got)
	}
}

func TestService_EnqueueDefaults(t *testing.T) {
	svc, clock, _ := newTestService(t)
	task := mustEnqueue(t, svc, domain.EnqueueRequest{Type: "report"})

	if task.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("expected default max_attempts %d, got %d", DefaultMaxAttempts, task.MaxAttempts)
	}
	if !task.RunAfter.Equal(clock.Now()) {
		t.Errorf("run_after must default to now")
	}

	if _, _, err := svc.Enqueue(context.Background(), domain.EnqueueRequest{}); !errors.Is(err, domain.ErrInvalidTask) {
		t.Errorf("expected ErrInvalidTask for empty type, got %v", err)
	}
}

func TestService_ClaimEmptyIsNotError(t *testing.T) {
	svc, _, _ := newTestService(t)

	task, err := svc.Claim(context.Background(), ClaimRequest{WorkerID: "w1"})
	if err != nil {
		t.Fatalf("empty claim must not fail: %v", err)
	}
	if task != nil {
		t.Errorf("expected no task, got %s", task.ID)
	}

	if _, err := svc.Claim(context.Background(), ClaimRequest{}); !errors.Is(err, ErrWorkerIDRequired) {
		t.Errorf("expected ErrWorkerIDRequired, got %v", err)
	}
}

func TestService_AtMostOneClaimant(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	const tasks = 10
	for i := range tasks {
		mustEnqueue(t, svc, domain.EnqueueRequest{Type: "job", Payload: map[string]any{"i": i}})
	}

	const workers = 64
	var mu sync.Mutex
	owners := make(map[uuid.UUID][]string)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			id := fmt.Sprintf("w%d", w)
			task, err := svc.Claim(ctx, ClaimRequest{WorkerID: id})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if task == nil {
				return
			}
			mu.Lock()
			owners[task.ID] = append(owners[task.ID], id)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	if len(owners) != tasks {
		t.Errorf("expected all %d tasks claimed, got %d", tasks, len(owners))
	}
	for id, ws := range owners {
		if len(ws) != 1 {
			t.Errorf("task %s claimed by %v", id, ws)
		}
	}
}

func TestService_LeaseExpiryReclaim(t *testing.T) {
	svc, clock, pub := newTestService(t)
	ctx := context.Background()
	task := mustEnqueue(t, svc, domain.EnqueueRequest{Type: "slow"})

	claimed, err := svc.Claim(ctx, ClaimRequest{WorkerID: "w1", LeaseDuration: time.Second})
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}

	// Lease ещё действует
	clock.Advance(500 * time.Millisecond)
	if n, _ := svc.Reclaim(ctx); n != 0 {
		t.Fatalf("expected no reclaim before expiry, got %d", n)
	}
	if again, _ := svc.Claim(ctx, ClaimRequest{WorkerID: "w2"}); again != nil {
		t.Fatal("leased task must not be claimable")
	}

	clock.Advance(time.Second)
	n, err := svc.Reclaim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}

	again, err := svc.Claim(ctx, ClaimRequest{WorkerID: "w2"})
	if err != nil || again == nil {
		t.Fatalf("expected task to be claimable again: %v", err)
	}
	if again.ID != task.ID || again.Attempts != 2 || again.LockedBy != "w2" {
		t.Errorf("unexpected reclaimed claim: id=%s attempts=%d locked_by=%s", again.ID, again.Attempts, again.LockedBy)
	}

	// Старый держатель больше не может отчитаться
	if _, err := svc.Complete(ctx, task.ID, "w1", nil); !errors.Is(err, domain.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner for stale worker, got %v", err)
	}

	found := false
	for _, et := range pub.types() {
		if et == domain.EventTaskReclaimed {
			found = true
		}
	}
	if !found {
		t.Error("expected task.reclaimed event")
	}
}

func TestService_RetryExhaustion(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	task := mustEnqueue(t, svc, domain.EnqueueRequest{Type: "flaky", MaxAttempts: 3})

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := svc.Claim(ctx, ClaimRequest{WorkerID: "w1"})
		if err != nil || claimed == nil {
			t.Fatalf("attempt %d: claim failed: task=%v err=%v", attempt, claimed, err)
		}
		if claimed.Attempts != attempt {
			t.Errorf("attempt %d: attempts=%d", attempt, claimed.Attempts)
		}

		failed, err := svc.Fail(ctx, task.ID, "w1", "boom")
		if err != nil {
			t.Fatal(err)
		}
		if attempt < 3 {
			if failed.Status != domain.TaskStatusQueued {
				t.Errorf("attempt %d: expected QUEUED, got %s", attempt, failed.Status)
			}
			if !failed.RunAfter.Equal(clock.Now().Add(time.Second)) {
				t.Errorf("attempt %d: expected backoff of 1s, run_after=%v", attempt, failed.RunAfter)
			}
			// Во время backoff task невидим
			if c, _ := svc.Claim(ctx, ClaimRequest{WorkerID: "w1"}); c != nil {
				t.Fatalf("attempt %d: task claimable during backoff", attempt)
			}
		}
		clock.Advance(2 * time.Second)
	}

	final, err := svc.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.TaskStatusFailed || final.Attempts != 3 {
		t.Errorf("expected FAILED with 3 attempts, got %s/%d", final.Status, final.Attempts)
	}
	if final.ErrorMessage == "" {
		t.Error("failed task must carry error message")
	}
	if c, _ := svc.Claim(ctx, ClaimRequest{WorkerID: "w1"}); c != nil {
		t.Error("4th claim must be impossible")
	}
}

func TestService_OrderingLaws(t *testing.T) {
	tests := []struct {
		name     string
		strategy strategy.Strategy
		// priorities в порядке enqueue
		priorities []int
		// ожидаемый порядок claim (индексы enqueue)
		want []int
	}{
		{"fifo", strategy.FIFO(), []int{5, 1, 3}, []int{0, 1, 2}},
		{"lifo", strategy.LIFO(), []int{5, 1, 3}, []int{2, 1, 0}},
		{"priority", strategy.Priority(), []int{5, 1, 3, 1}, []int{1, 3, 2, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, clock, _ := newTestService(t)
			ctx := context.Background()

			ids := make([]uuid.UUID, len(tt.priorities))
			for i, p := range tt.priorities {
				task := mustEnqueue(t, svc, domain.EnqueueRequest{
					Type:     "job",
					Priority: p,
					Payload:  map[string]any{"i": i},
				})
				ids[i] = task.ID
				clock.Advance(time.Millisecond)
			}

			for step, idx := range tt.want {
				got, err := svc.Claim(ctx, ClaimRequest{WorkerID: "w1", Strategy: tt.strategy})
				if err != nil || got == nil {
					t.Fatalf("step %d: claim: %v", step, err)
				}
				if got.ID != ids[idx] {
					t.Errorf("step %d: expected task #%d, got priority=%d", step, idx, got.Priority)
				}
			}
		})
	}
}

func TestService_ProgressAuthorization(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	task := mustEnqueue(t, svc, domain.EnqueueRequest{Type: "resize_image"})
	if _, err := svc.Claim(ctx, ClaimRequest{WorkerID: "w1"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		worker  string
		percent int
		wantErr error
	}{
		{"owner", "w1", 40, nil},
		{"other worker", "w2", 90, domain.ErrNotOwner},
		{"out of range", "w1", 101, domain.ErrOutOfRange},
		{"negative", "w1", -1, domain.ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateProgress(ctx, task.ID, tt.worker, tt.percent, "")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	got, _ := svc.GetTask(ctx, task.ID)
	if got.Progress != 40 {
		t.Errorf("rejected updates must leave progress unchanged, got %d", got.Progress)
	}
}

func TestService_TerminalReports(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	task := mustEnqueue(t, svc, domain.EnqueueRequest{Type: "once"})
	if _, err := svc.Claim(ctx, ClaimRequest{WorkerID: "w1"}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Complete(ctx, task.ID, "w1", map[string]any{"ok": true}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, task.ID, "w1", nil); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal, got %v", err)
	}
	if _, err := svc.Fail(ctx, task.ID, "w1", "late"); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal, got %v", err)
	}
	if _, err := svc.Complete(ctx, uuid.New(), "w1", nil); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_FailPermanentlyAndRequeue(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	task := mustEnqueue(t, svc, domain.EnqueueRequest{Type: "unknown.type"})
	if _, err := svc.Claim(ctx, ClaimRequest{WorkerID: "w1"}); err != nil {
		t.Fatal(err)
	}

	failed, err := svc.FailPermanently(ctx, task.ID, "w1", "no handler")
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != domain.TaskStatusFailed || failed.Attempts != 1 {
		t.Errorf("expected immediate FAILED with 1 attempt, got %s/%d", failed.Status, failed.Attempts)
	}

	requeued, err := svc.Requeue(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if requeued.Status != domain.TaskStatusQueued || requeued.Attempts != 0 {
		t.Errorf("expected QUEUED with 0 attempts, got %s/%d", requeued.Status, requeued.Attempts)
	}
	if _, err := svc.Requeue(ctx, task.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for queued task, got %v", err)
	}
}

// Сценарий: W1 берёт task, сообщает прогресс и падает; после истечения
// lease W2 забирает task и завершает его.
func TestService_ResizeImageScenario(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	task, created, err := svc.Enqueue(ctx, domain.EnqueueRequest{Type: "resize_image", Priority: 5})
	if err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}

	w1, err := svc.Claim(ctx, ClaimRequest{WorkerID: "W1", Strategy: strategy.Priority(), LeaseDuration: 10 * time.Second})
	if err != nil || w1 == nil {
		t.Fatalf("W1 claim: %v", err)
	}
	if w1.ID != task.ID || w1.Attempts != 1 {
		t.Fatalf("W1 got %s attempts=%d", w1.ID, w1.Attempts)
	}
	if _, err := svc.UpdateProgress(ctx, task.ID, "W1", 50, "half way"); err != nil {
		t.Fatalf("progress: %v", err)
	}

	// W1 падает. Lease истекает.
	clock.Advance(11 * time.Second)
	if n, err := svc.Reclaim(ctx); err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	back, _ := svc.GetTask(ctx, task.ID)
	if back.Status != domain.TaskStatusQueued || back.LockedBy != "" {
		t.Fatalf("expected queued after reclaim, got %s locked_by=%q", back.Status, back.LockedBy)
	}

	w2, err := svc.Claim(ctx, ClaimRequest{WorkerID: "W2", Strategy: strategy.Priority()})
	if err != nil || w2 == nil {
		t.Fatalf("W2 claim: %v", err)
	}
	if w2.Attempts != 2 {
		t.Errorf("expected attempts=2, got %d", w2.Attempts)
	}
	done, err := svc.Complete(ctx, task.ID, "W2", map[string]any{"width": 640})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.TaskStatusCompleted || done.FinishedAt == nil || done.LockedBy != "" {
		t.Errorf("unexpected final state: %+v", done)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Counts[domain.TaskStatusCompleted] != 1 || stats.CompletedLastMinute != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestService_ExtendLease(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	task := mustEnqueue(t, svc, domain.EnqueueRequest{Type: "long"})
	if _, err := svc.Claim(ctx, ClaimRequest{WorkerID: "w1", LeaseDuration: 2 * time.Second}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Second)
	if _, err := svc.ExtendLease(ctx, task.ID, "w1", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	clock.Advance(3 * time.Second)
	if n, _ := svc.Reclaim(ctx); n != 0 {
		t.Errorf("extended lease must not be reclaimed, got %d", n)
	}
	if _, err := svc.ExtendLease(ctx, task.ID, "w2", time.Second); !errors.Is(err, domain.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestService_ListTasks(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	for i := range 3 {
		mustEnqueue(t, svc, domain.EnqueueRequest{Type: "a", Payload: map[string]any{"i": i}})
		clock.Advance(time.Millisecond)
	}
	mustEnqueue(t, svc, domain.EnqueueRequest{Type: "b"})

	got, err := svc.ListTasks(ctx, domain.TaskFilter{Type: "a", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	for _, task := range got {
		if task.Type != "a" {
			t.Errorf("type filter ignored: %s", task.Type)
		}
	}
}
