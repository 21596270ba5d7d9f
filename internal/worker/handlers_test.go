package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

func noProgress(context.Context, int, string) error { return nil }

// --- HTTPHandler Tests ---

func TestHTTPHandler_GET_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.Header.Get("X-Conveyor-Task-Id") == "" {
			t.Error("expected task id header")
		}
		w.Header().Set("X-Custom", "test-value")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	}))
	defer server.Close()

	task := &domain.Task{
		ID:      uuid.New(),
		Payload: map[string]any{"url": server.URL},
	}

	result, err := (&HTTPHandler{}).Handle(context.Background(), task, noProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["status_code"] != http.StatusOK {
		t.Errorf("expected status 200, got %v", result["status_code"])
	}
	headers, ok := result["headers"].(map[string]string)
	if !ok || headers["X-Custom"] != "test-value" {
		t.Errorf("expected X-Custom header, got %v", result["headers"])
	}
	body, ok := result["body"].(map[string]any)
	if !ok || body["result"] != "ok" {
		t.Errorf("expected parsed JSON body, got %v", result["body"])
	}
}

func TestHTTPHandler_POST_WithBody(t *testing.T) {
	var receivedBody map[string]any
	var receivedContentType, receivedAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedContentType = r.Header.Get("Content-Type")
		receivedAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	task := &domain.Task{
		ID: uuid.New(),
		Payload: map[string]any{
			"method":  "POST",
			"url":     server.URL,
			"body":    map[string]any{"name": "test"},
			"headers": map[string]any{"Authorization": "Bearer token123"},
		},
	}

	result, err := (&HTTPHandler{}).Handle(context.Background(), task, noProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receivedBody["name"] != "test" {
		t.Errorf("server should receive body, got %v", receivedBody)
	}
	if receivedContentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", receivedContentType)
	}
	if receivedAuth != "Bearer token123" {
		t.Errorf("expected Authorization header, got %q", receivedAuth)
	}
	if result["status_code"] != http.StatusCreated {
		t.Errorf("expected status 201, got %v", result["status_code"])
	}
}

func TestHTTPHandler_ErrorStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"server error retries", http.StatusInternalServerError, false},
		{"rate limited retries", http.StatusTooManyRequests, false},
		{"not found is permanent", http.StatusNotFound, true},
		{"bad request is permanent", http.StatusBadRequest, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error": "nope"}`))
			}))
			defer server.Close()

			task := &domain.Task{ID: uuid.New(), Payload: map[string]any{"url": server.URL}}
			_, err := (&HTTPHandler{}).Handle(context.Background(), task, noProgress)
			if !errors.Is(err, ErrHTTPRequest) {
				t.Fatalf("expected ErrHTTPRequest, got %v", err)
			}
			if got := errors.Is(err, ErrPermanent); got != tt.permanent {
				t.Errorf("permanent = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestHTTPHandler_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	task := &domain.Task{
		ID: uuid.New(),
		Payload: map[string]any{
			"url":         server.URL,
			"timeout_sec": 0.1, // 100ms — сервер не успеет ответить
		},
	}

	_, err := (&HTTPHandler{}).Handle(context.Background(), task, noProgress)
	if err == nil {
		t.Fatal("expected error for timeout")
	}
	if errors.Is(err, ErrPermanent) {
		t.Error("timeout must be retriable")
	}
}

func TestHTTPHandler_MissingURL(t *testing.T) {
	task := &domain.Task{ID: uuid.New(), Payload: map[string]any{"method": "GET"}}

	_, err := (&HTTPHandler{}).Handle(context.Background(), task, noProgress)
	if !errors.Is(err, ErrPermanent) {
		t.Errorf("missing url must be a permanent error, got %v", err)
	}
}

// --- DelayHandler Tests ---

func TestDelayHandler_ReportsProgress(t *testing.T) {
	var mu sync.Mutex
	var reported []int
	progress := func(_ context.Context, percent int, _ string) error {
		mu.Lock()
		reported = append(reported, percent)
		mu.Unlock()
		return nil
	}

	task := &domain.Task{ID: uuid.New(), Payload: map[string]any{"duration_sec": 0.04}}
	result, err := (&DelayHandler{}).Handle(context.Background(), task, progress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["delayed_sec"] != 0.04 {
		t.Errorf("expected delayed_sec=0.04, got %v", result["delayed_sec"])
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{25, 50, 75}
	if len(reported) != len(want) {
		t.Fatalf("expected progress %v, got %v", want, reported)
	}
	for i := range want {
		if reported[i] != want[i] {
			t.Errorf("progress[%d] = %d, want %d", i, reported[i], want[i])
		}
	}
}

func TestDelayHandler_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := &domain.Task{ID: uuid.New(), Payload: map[string]any{"duration_sec": float64(10)}}
	_, err := (&DelayHandler{}).Handle(ctx, task, noProgress)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestEcho(t *testing.T) {
	task := &domain.Task{Payload: map[string]any{"a": 1}}
	result, err := Echo(context.Background(), task, noProgress)
	if err != nil {
		t.Fatal(err)
	}
	if result["a"] != 1 {
		t.Errorf("expected payload echoed, got %v", result)
	}
	result["b"] = 2
	if _, ok := task.Payload["b"]; ok {
		t.Error("echo result must not alias payload")
	}
}
