package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ограничения на поля task.
const (
	MaxTypeLength           = 255
	MaxIdempotencyKeyLength = 255
)

// EnqueueRequest — параметры постановки task в очередь.
type EnqueueRequest struct {
	Type         string            `json:"type"`
	Payload      map[string]any    `json:"payload,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty"`

	// MaxAttempts — 0 означает значение по умолчанию из конфигурации.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// RunAfter — nil означает "сразу".
	RunAfter *time.Time `json:"run_after,omitempty"`

	// IdempotencyKey — если пустой, дедупликация идёт по DedupeKey
	// (только среди активных tasks).
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// NewTask валидирует запрос и создаёт task в статусе QUEUED.
func NewTask(req EnqueueRequest, now time.Time, defaultMaxAttempts int) (*Task, error) {
	taskType := strings.TrimSpace(req.Type)
	if taskType == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidTask)
	}
	if len(taskType) > MaxTypeLength {
		return nil, fmt.Errorf("%w: type longer than %d", ErrInvalidTask, MaxTypeLength)
	}
	if len(req.IdempotencyKey) > MaxIdempotencyKeyLength {
		return nil, fmt.Errorf("%w: idempotency_key longer than %d", ErrInvalidTask, MaxIdempotencyKeyLength)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts < 0 {
		return nil, fmt.Errorf("%w: max_attempts must be positive", ErrInvalidTask)
	}
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	// Payload должен сериализоваться в любом случае: он хранится как JSON
	dedupeKey, err := DedupeKey(taskType, req.Payload)
	if err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		dedupeKey = ""
	}

	runAfter := now
	if req.RunAfter != nil && !req.RunAfter.IsZero() {
		runAfter = *req.RunAfter
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	caps := req.Capabilities
	if caps == nil {
		caps = map[string]string{}
	}

	return &Task{
		ID:             id,
		Type:           taskType,
		Status:         TaskStatusQueued,
		Priority:       req.Priority,
		Payload:        payload,
		Capabilities:   caps,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		DedupeKey:      dedupeKey,
		CreatedAt:      now,
		RunAfter:       runAfter,
		UpdatedAt:      now,
	}, nil
}

// DedupeKey вычисляет ключ дедупликации: sha256 от type и канонического JSON payload.
//
// encoding/json сортирует ключи map, поэтому логически одинаковые payload
// дают одинаковый ключ независимо от порядка полей.
func DedupeKey(taskType string, payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: payload is not serializable: %v", ErrInvalidTask, err)
	}

	h := sha256.New()
	h.Write([]byte(taskType))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
