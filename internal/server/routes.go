package server

import (
	"context"
	"net/http"
)

// NewHandler creates the full HTTP handler with routes and middleware.
// baseCtx parents work that outlives a request, such as the live detection
// loops.
func NewHandler(baseCtx context.Context, deps Deps) http.Handler {
	return newMux(baseCtx, deps)
}

func newMux(baseCtx context.Context, deps Deps) http.Handler {
	h := &handler{
		baseCtx: baseCtx,
		deps:    deps,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("GET /api/v1/jobs", h.listJobs)
	mux.HandleFunc("POST /api/v1/jobs", h.createJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.getJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/logs", h.jobLogs)
	mux.HandleFunc("POST /api/v1/jobs/{id}/start", h.startJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/pause", h.pauseJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", h.cancelJob)

	mux.HandleFunc("GET /api/v1/queue/stats", h.queueStats)

	mux.HandleFunc("GET /api/v1/spike/status", h.spikeStatus)
	mux.HandleFunc("POST /api/v1/spike/start", h.spikeStart)
	mux.HandleFunc("POST /api/v1/spike/stop", h.spikeStop)

	mux.HandleFunc("GET /ws/events", h.events)

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
