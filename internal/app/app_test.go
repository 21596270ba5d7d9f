package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Conveyor/internal/telemetry"
)

func TestOpsHandler_Healthz(t *testing.T) {
	tests := []struct {
		name   string
		ready  func() bool
		status int
	}{
		{"no readiness check", nil, http.StatusOK},
		{"ready", func() bool { return true }, http.StatusOK},
		{"not ready", func() bool { return false }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := OpsHandler(prometheus.NewRegistry(), tt.ready)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestOpsHandler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	m.Enqueued("email.send", true)

	rec := httptest.NewRecorder()
	OpsHandler(reg, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "conveyor_tasks_enqueued_total") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}
