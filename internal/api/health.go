package api

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck probes one optional dependency. A failing Critical check
// makes the service unhealthy; any other failure only degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Backend       string            `json:"backend"`
	Listening     bool              `json:"listening"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	pipeline  Controller
	checks    []HealthCheck
	version   string
	startTime time.Time
}

func NewHealthHandler(pipeline Controller, checks []HealthCheck, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		pipeline:  pipeline,
		checks:    checks,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks)+1)
	status := "healthy"
	httpStatus := http.StatusOK

	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			checks[c.Name] = "error"
			if c.Critical {
				status = "unhealthy"
				httpStatus = http.StatusServiceUnavailable
			} else if status == "healthy" {
				status = "degraded"
			}
			continue
		}
		checks[c.Name] = "ok"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.pipeline != nil {
		st := h.pipeline.Status()
		resp.Backend = st.Backend
		resp.Listening = st.Listening
		if st.Backend == "" {
			checks["transcriber"] = "loading"
		} else {
			checks["transcriber"] = st.Backend
		}
	}

	WriteJSON(w, httpStatus, resp)
}
