package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ahmethakanbesel/barwatch/internal/apperror"
	"github.com/ahmethakanbesel/barwatch/internal/batch"
	"github.com/ahmethakanbesel/barwatch/internal/candle"
	"github.com/ahmethakanbesel/barwatch/internal/job"
	"github.com/ahmethakanbesel/barwatch/internal/notify"
	"github.com/ahmethakanbesel/barwatch/internal/queue"
	"github.com/ahmethakanbesel/barwatch/internal/scheduler"
	"github.com/ahmethakanbesel/barwatch/internal/spike"
)

const maxBodyBytes = 1 << 20

// Deps are the components the HTTP surface drives. Spike and Hub are nil
// when live detection or notifications are disabled.
type Deps struct {
	Batch     *batch.Processor
	Scheduler *scheduler.Scheduler
	Queue     *queue.Queue
	Spike     *spike.Processor
	Hub       *notify.Hub
	Health    func(ctx context.Context) error

	SpikeInstruments []string
	SpikeTimeframes  []candle.Timeframe
}

type handler struct {
	baseCtx context.Context
	deps    Deps
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		if err := h.deps.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := h.deps.Batch.ListJobs(r.Context(), job.Status(q.Get("status")), limit)
	if err != nil {
		writeErr(w, err)
		return
	}

	if q.Get("format") == "csv" {
		writeJobsCSV(w, jobs)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req job.CreateJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	j, err := h.deps.Batch.CreateBatchJob(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.deps.Batch.GetJobStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) jobLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	logs, err := h.deps.Batch.JobLogs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// startJob launches the job in the background. Without an explicit resume
// parameter a resumable job continues from its checkpoint.
func (h *handler) startJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := h.deps.Batch.GetJobStatus(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}

	switch j.Status {
	case job.StatusRunning, job.StatusCompleted, job.StatusCancelled:
		writeError(w, http.StatusConflict, fmt.Sprintf("job cannot be started in status %s", j.Status))
		return
	}

	resume := j.IsResumable()
	if v := r.URL.Query().Get("resume"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid resume flag")
			return
		}
		resume = b
	}

	if err := h.deps.Scheduler.Launch(r.Context(), id, resume); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "resume": resume})
}

func (h *handler) pauseJob(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, "paused", h.deps.Batch.PauseJob)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, "cancelled", h.deps.Batch.CancelJob)
}

func (h *handler) changeStatus(w http.ResponseWriter, r *http.Request, verb string,
	fn func(ctx context.Context, id string) (bool, error)) {
	id := r.PathValue("id")
	ok, err := fn(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		j, err := h.deps.Batch.GetJobStatus(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeError(w, http.StatusConflict, fmt.Sprintf("job cannot be %s in status %s", verb, j.Status))
		return
	}

	j, err := h.deps.Batch.GetJobStatus(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) queueStats(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "parallel processing is disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Queue.Stats())
}

func (h *handler) spikeStatus(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Spike == nil {
		writeError(w, http.StatusServiceUnavailable, "spike detection is disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Spike.Status())
}

type spikeStartRequest struct {
	Instruments []string           `json:"instruments"`
	Timeframes  []candle.Timeframe `json:"timeframes"`
}

func (h *handler) spikeStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.Spike == nil {
		writeError(w, http.StatusServiceUnavailable, "spike detection is disabled")
		return
	}

	var req spikeStartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	if len(req.Instruments) == 0 {
		req.Instruments = h.deps.SpikeInstruments
	}
	if len(req.Timeframes) == 0 {
		req.Timeframes = h.deps.SpikeTimeframes
	}
	for i, inst := range req.Instruments {
		req.Instruments[i] = strings.ToUpper(strings.TrimSpace(inst))
	}

	// The loops outlive the request.
	err := h.deps.Spike.Start(h.baseCtx, req.Instruments, req.Timeframes)
	switch {
	case errors.Is(err, spike.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeErr(w, apperror.Wrap(apperror.BadRequest, err.Error(), err))
		return
	}
	writeJSON(w, http.StatusAccepted, h.deps.Spike.Status())
}

func (h *handler) spikeStop(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Spike == nil {
		writeError(w, http.StatusServiceUnavailable, "spike detection is disabled")
		return
	}
	if err := h.deps.Spike.Stop(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Spike.Status())
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	if h.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "real-time notifications are disabled")
		return
	}
	h.deps.Hub.ServeHTTP(w, r)
}
