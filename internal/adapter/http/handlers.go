package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/ikanisa/lawai-sub007/internal/service"
)

const checkTimeout = 2 * time.Second

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Handlers holds the services behind the HTTP endpoints.
type Handlers struct {
	Orchestration *service.OrchestrationService
	Checks        map[string]Check
	Version       string
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Health is the liveness probe. It never touches a dependency.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: h.Version})
}

// Ready runs every dependency check and answers 503 when one fails.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := readyResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := h.Checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

// QueueStats returns job counts per worker kind and status for an org.
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Orchestration.QueueStats(r.Context(), urlParam(r, "org"))
	if err != nil {
		writeDomainError(w, r, err, "org not found")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type openSessionRequest struct {
	Objective string `json:"objective"`
}

// OpenSession starts a session for an org.
func (h *Handlers) OpenSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[openSessionRequest](w, r)
	if !ok || !requireField(w, req.Objective, "objective") {
		return
	}
	sess, err := h.Orchestration.OpenSession(r.Context(), urlParam(r, "org"), req.Objective)
	if err != nil {
		writeDomainError(w, r, err, "org not found")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// CloseSession closes a session.
func (h *Handlers) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestration.CloseSession(r.Context(), urlParam(r, "org"), urlParam(r, "id")); err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	Objective string         `json:"objective"`
	Context   map[string]any `json:"context,omitempty"`
}

type submitResponse struct {
	Plan     any `json:"plan"`
	Commands any `json:"commands"`
}

// Submit plans an objective in a session and queues the accepted plan.
func (h *Handlers) Submit(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[submitRequest](w, r)
	if !ok || !requireField(w, req.Objective, "objective") {
		return
	}
	p, recs, err := h.Orchestration.Submit(r.Context(), urlParam(r, "org"), urlParam(r, "id"), req.Objective, req.Context)
	if err != nil {
		writeDomainError(w, r, err, "session not found")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Plan: p, Commands: recs})
}

// ResumeCommand requeues a command a human has cleared.
func (h *Handlers) ResumeCommand(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Orchestration.ResumeCommand(r.Context(), urlParam(r, "org"), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "command not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
