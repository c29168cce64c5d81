package handler

import (
	"context"
	"net/http"
	"time"
)

// ReadinessChecker: зависимость, без которой сервис не готов принимать запросы.
type ReadinessChecker interface {
	CheckReady(ctx context.Context) (status string, message string)
}

// HealthHandler реализует /health/live и /health/ready.
type HealthHandler struct {
	checks map[string]ReadinessChecker
}

func NewHealthHandler(checks map[string]ReadinessChecker) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// HealthLive отвечает 200, пока процесс жив. Зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "libhub",
	})
}

// HealthReady проверяет зависимости и отвечает 503, если хоть одна недоступна.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	overall := "ok"
	httpStatus := http.StatusOK

	checks := make(map[string]any, len(h.checks))
	for name, c := range h.checks {
		status, message := c.CheckReady(r.Context())
		checks[name] = map[string]string{"status": status, "message": message}
		if status != "ok" {
			overall = "fail"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "libhub",
		"checks":    checks,
	})
}
