package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ahmethakanbesel/barwatch/internal/apperror"
	"github.com/ahmethakanbesel/barwatch/internal/job"
)

type APIResponse[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func writeJSON[T any](w http.ResponseWriter, status int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[T]{
		Message: "ok",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[string]{
		Message: message,
		Data:    "",
	})
}

// writeErr maps domain errors to their status and hides anything else
// behind a 500.
func writeErr(w http.ResponseWriter, err error) {
	if ae, ok := apperror.As(err); ok {
		writeError(w, ae.HTTPStatus(), ae.Message())
		return
	}
	slog.Error("server: unhandled error", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJobsCSV(w http.ResponseWriter, jobs []job.Job) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=jobs.csv")
	w.WriteHeader(http.StatusOK)

	_, _ = fmt.Fprintln(w, "ID,Type,Status,Priority,Instruments,Timeframes,StartDate,EndDate,Progress,Processed,Failed,EventsDetected,EventsStored,CreatedAt")
	for _, j := range jobs {
		tfs := make([]string, len(j.Timeframes))
		for i, tf := range j.Timeframes {
			tfs[i] = string(tf)
		}
		_, _ = fmt.Fprintf(w, "%s,%s,%s,%d,%s,%s,%s,%s,%.2f,%d,%d,%d,%d,%s\n", //nolint:gosec // CSV output from internal domain types, not user input
			j.ID,
			j.Type,
			j.Status,
			j.Priority,
			strings.Join(j.Instruments, ";"),
			strings.Join(tfs, ";"),
			j.StartDate.Format(time.RFC3339),
			j.EndDate.Format(time.RFC3339),
			j.ProgressPercentage,
			j.ProcessedItems,
			j.FailedItems,
			j.EventsDetected,
			j.EventsStored,
			j.CreatedAt.Format(time.RFC3339),
		)
	}
}
