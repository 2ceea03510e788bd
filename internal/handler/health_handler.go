package handler

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	service string
	checks  map[string]HealthCheck
	timeout time.Duration
}

func NewHealthHandler(service string, checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{service: service, checks: checks, timeout: 3 * time.Second}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.service})
}

// Dependencies runs every probe concurrently and answers 503 if any fails.
func (h *HealthHandler) Dependencies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(names))
		healthy = true
		g       errgroup.Group
	)
	for _, name := range names {
		name := name
		check := h.checks[name]
		g.Go(func() error {
			status := "healthy"
			if err := check(ctx); err != nil {
				status = "unhealthy: " + err.Error()
			}
			mu.Lock()
			results[name] = status
			if status != "healthy" {
				healthy = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	code, status := http.StatusOK, "healthy"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"service":      h.service,
		"dependencies": results,
	})
}
