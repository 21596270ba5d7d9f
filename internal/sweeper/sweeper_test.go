package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

type fakeQueue struct {
	reclaimed int
	calls     int
	err       error
}

func (q *fakeQueue) Reclaim(context.Context) (int, error) {
	q.calls++
	return q.reclaimed, q.err
}

func (q *fakeQueue) Stats(context.Context) (*domain.Stats, error) {
	return &domain.Stats{Counts: map[domain.TaskStatus]int{}}, nil
}

type fakeLeader struct {
	ok       bool
	released bool
}

func (l *fakeLeader) TryAcquire(context.Context) (bool, error) { return l.ok, nil }
func (l *fakeLeader) Release(context.Context) error            { l.released = true; return nil }

func TestSweeper_TickReclaims(t *testing.T) {
	q := &fakeQueue{reclaimed: 3}
	s := New(Config{Queue: q})

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 reclaimed, got %d", n)
	}
}

func TestSweeper_NonLeaderSkips(t *testing.T) {
	q := &fakeQueue{reclaimed: 3}
	s := New(Config{Queue: q, Leader: &fakeLeader{ok: false}})

	n, err := s.Tick(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected skip, got n=%d err=%v", n, err)
	}
	if q.calls != 0 {
		t.Error("non-leader must not reclaim")
	}
	if s.IsLeader() {
		t.Error("expected IsLeader=false")
	}
}

func TestSweeper_TickError(t *testing.T) {
	boom := errors.New("db down")
	s := New(Config{Queue: &fakeQueue{err: boom}})
	if _, err := s.Tick(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected reclaim error, got %v", err)
	}
}

func TestSweeper_RunReleasesLeadership(t *testing.T) {
	q := &fakeQueue{}
	leader := &fakeLeader{ok: true}
	schedule, err := ParseSchedule("10ms")
	if err != nil {
		t.Fatal(err)
	}
	s := New(Config{Queue: q, Leader: leader, Schedule: schedule})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if !leader.released {
		t.Error("expected leader lock to be released on stop")
	}
}

func TestParseSchedule(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		expr    string
		want    time.Time
		wantErr bool
	}{
		{"15s", from.Add(15 * time.Second), false},
		{"@every 1m", from.Add(time.Minute), false},
		{"*/5 * * * *", from.Add(5 * time.Minute), false},
		{"*/30 * * * * *", from.Add(30 * time.Second), false},
		{"0 */2 * * * *", from.Add(2 * time.Minute), false},
		{"* * * * * * *", time.Time{}, true},
		{"", time.Time{}, true},
		{"-5s", time.Time{}, true},
		{"not a schedule", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			schedule, err := ParseSchedule(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.expr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := schedule.Next(from); !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", from, got, tt.want)
			}
		})
	}
}
