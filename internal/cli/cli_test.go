package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
)

type testEnv struct {
	svc    *queue.Service
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestEnv() *testEnv {
	return &testEnv{
		svc: queue.NewService(queue.Config{
			Store:         repo.NewMemoryTaskRepo(),
			Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
			SlowThreshold: -1,
		}),
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
}

// run выполняет команду и возвращает ошибку RunE.
func (e *testEnv) run(jsonMode bool, args ...string) error {
	e.stdout.Reset()
	e.stderr.Reset()

	serviceFn := func(context.Context) (Service, error) { return e.svc, nil }
	outputFn := func() *Output { return NewOutputTo(jsonMode, e.stdout, e.stderr) }

	root := &cobra.Command{Use: "conveyor", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(
		NewEnqueueCmd(serviceFn, outputFn),
		NewTaskCmd(serviceFn, outputFn),
		NewStatsCmd(serviceFn, outputFn),
		NewReclaimCmd(serviceFn, outputFn),
	)
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.ExecuteContext(context.Background())
}

func TestEnqueueCmd(t *testing.T) {
	env := newTestEnv()

	err := env.run(true, "enqueue", "img.resize",
		"--payload", `{"w": 100}`,
		"--priority", "3",
		"--capability", "gpu=true",
		"--idempotency-key", "k1",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(env.stderr.String(), "Task enqueued") {
		t.Errorf("unexpected message %q", env.stderr.String())
	}

	var task domain.Task
	if err := json.Unmarshal(env.stdout.Bytes(), &task); err != nil {
		t.Fatalf("stdout must be JSON: %v", err)
	}
	if task.Type != "img.resize" || task.Priority != 3 || task.Capabilities["gpu"] != "true" {
		t.Errorf("unexpected task %+v", task)
	}

	// Повтор с тем же ключом не создаёт новый task.
	if err := env.run(false, "enqueue", "img.resize", "--idempotency-key", "k1"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(env.stderr.String(), "already exists") {
		t.Errorf("expected duplicate message, got %q", env.stderr.String())
	}
}

func TestEnqueueCmd_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"payload not an object", []string{"enqueue", "x", "--payload", "[1,2]"}},
		{"bad capability", []string{"enqueue", "x", "--capability", "gpu"}},
		{"bad run-at", []string{"enqueue", "x", "--run-at", "tomorrow"}},
		{"run-at with delay", []string{"enqueue", "x", "--run-at", "2030-01-01T00:00:00Z", "--delay", "1m"}},
		{"missing type", []string{"enqueue"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := newTestEnv().run(false, tt.args...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestTaskListAndShow(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	a, _, _ := env.svc.Enqueue(ctx, domain.EnqueueRequest{Type: "a", Payload: map[string]any{"n": 1}})
	env.svc.Enqueue(ctx, domain.EnqueueRequest{Type: "b", Payload: map[string]any{"n": 2}})

	if err := env.run(false, "task", "list", "--type", "a"); err != nil {
		t.Fatal(err)
	}
	out := env.stdout.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "ID") || !strings.HasPrefix(lines[2], a.ID.String()) {
		t.Errorf("unexpected list output:\n%s", out)
	}

	if err := env.run(false, "task", "list", "--status", "bogus"); err == nil {
		t.Error("expected error for unknown status")
	}

	if err := env.run(false, "task", "show", a.ID.String()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(env.stdout.String(), "QUEUED") {
		t.Errorf("unexpected show output:\n%s", env.stdout.String())
	}

	if err := env.run(false, "task", "show", "not-a-uuid"); err == nil {
		t.Error("expected error for invalid id")
	}
}

func TestTaskShow_NotFound(t *testing.T) {
	err := newTestEnv().run(false, "task", "show", "0190b6b4-7c2e-7000-8000-000000000000")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskRequeueCmd(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	task, _, _ := env.svc.Enqueue(ctx, domain.EnqueueRequest{Type: "a", MaxAttempts: 1})

	// QUEUED task нельзя requeue.
	if err := env.run(false, "task", "requeue", task.ID.String()); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	claimed, err := env.svc.Claim(ctx, queue.ClaimRequest{WorkerID: "w1"})
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if _, err := env.svc.Fail(ctx, claimed.ID, "w1", "boom"); err != nil {
		t.Fatal(err)
	}

	if err := env.run(false, "task", "requeue", task.ID.String()); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	got, _ := env.svc.GetTask(ctx, task.ID)
	if got.Status != domain.TaskStatusQueued || got.Attempts != 0 {
		t.Errorf("status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestStatsCmd(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.svc.Enqueue(ctx, domain.EnqueueRequest{Type: "a"})
	env.svc.Enqueue(ctx, domain.EnqueueRequest{Type: "b"})

	if err := env.run(true, "stats"); err != nil {
		t.Fatal(err)
	}
	var stats domain.Stats
	if err := json.Unmarshal(env.stdout.Bytes(), &stats); err != nil {
		t.Fatalf("stdout must be JSON: %v", err)
	}
	if stats.Counts[domain.TaskStatusQueued] != 2 {
		t.Errorf("unexpected counts %v", stats.Counts)
	}
}

func TestReclaimCmd(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.svc.Enqueue(ctx, domain.EnqueueRequest{Type: "a"})
	if _, err := env.svc.Claim(ctx, queue.ClaimRequest{WorkerID: "w1", LeaseDuration: time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := env.run(false, "reclaim"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(env.stderr.String(), "Reclaimed 1 tasks") {
		t.Errorf("unexpected message %q", env.stderr.String())
	}
}

func TestOutputTable(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutputTo(false, &buf, io.Discard)
	if err := out.Table([]string{"A", "LONG"}, [][]string{{"1", "2"}}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "-") {
		t.Errorf("unexpected table:\n%s", buf.String())
	}
}

func TestPrintEvent(t *testing.T) {
	event := domain.TaskEvent{
		Type:     domain.EventTaskFailed,
		TaskID:   uuid.MustParse("0190b6b4-7c2e-7000-8000-000000000001"),
		TaskType: "img.resize",
		Attempts: 3,
		Error:    "boom",
		At:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	var buf bytes.Buffer
	if err := printEvent(NewOutputTo(false, &buf, io.Discard), event); err != nil {
		t.Fatal(err)
	}
	line := buf.String()
	for _, want := range []string{"2026-01-02T03:04:05Z", "img.resize", "attempts=3", "boom", event.TaskID.String()} {
		if !strings.Contains(line, want) {
			t.Errorf("missing %q in %q", want, line)
		}
	}

	buf.Reset()
	if err := printEvent(NewOutputTo(true, &buf, io.Discard), event); err != nil {
		t.Fatal(err)
	}
	var decoded domain.TaskEvent
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || decoded.TaskID != event.TaskID {
		t.Errorf("json output = %q, err = %v", buf.String(), err)
	}
}
