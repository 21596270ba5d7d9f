package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 1 << 20
)

// HTTPHandler — handler для task типа "http".
//
// Payload:
//   - method (string): HTTP-метод. Default: GET
//   - url (string): URL для запроса (обязательно)
//   - headers (map[string]any): HTTP-заголовки
//   - body (any): тело запроса (сериализуется в JSON)
//   - timeout_sec (number): таймаут запроса в секундах. Default: 30
//
// Result:
//   - status_code (int): HTTP-код ответа
//   - headers (map[string]string): заголовки ответа
//   - body (any): тело ответа (JSON или строка)
//
// 5xx, 408 и 429 — retriable ошибки, остальные 4xx — терминальные.
type HTTPHandler struct {
	// Client — nil означает http.Client без общего таймаута
	// (таймаут задаётся через timeout_sec).
	Client *http.Client
}

// Handle выполняет HTTP-запрос.
func (h *HTTPHandler) Handle(ctx context.Context, task *domain.Task, _ ProgressReporter) (map[string]any, error) {
	method := getString(task.Payload, "method", http.MethodGet)
	url := getString(task.Payload, "url", "")
	if url == "" {
		return nil, Permanent(fmt.Errorf("%w: url is required", ErrHTTPRequest))
	}

	ctx, cancel := context.WithTimeout(ctx, getDuration(task.Payload, "timeout_sec", defaultHTTPTimeout))
	defer cancel()

	var bodyReader io.Reader
	if body, ok := task.Payload["body"]; ok && body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, Permanent(fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err))
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, Permanent(fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err))
	}
	setHeaders(req, task.Payload)
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	// Повтор того же task может использовать ключ для дедупликации на стороне получателя
	req.Header.Set("X-Conveyor-Task-Id", task.ID.String())

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("%w: HTTP %d: %s", ErrHTTPRequest, resp.StatusCode, truncate(string(respBody), 200))
		if !retriableStatus(resp.StatusCode) {
			return nil, Permanent(err)
		}
		return nil, err
	}
	return buildResult(resp, respBody), nil
}

func retriableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// buildResult формирует result из HTTP-ответа.
func buildResult(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// Пробуем JSON, иначе строка
	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
}

// getString извлекает строку из map с default значением.
func getString(m map[string]any, key, defaultVal string) string {
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}

// getDuration извлекает длительность в секундах из payload.
func getDuration(payload map[string]any, key string, defaultVal time.Duration) time.Duration {
	switch v := payload[key].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case json.Number:
		if f, err := v.Float64(); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultVal
}

// setHeaders устанавливает заголовки из payload.
func setHeaders(req *http.Request, payload map[string]any) {
	switch h := payload["headers"].(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
