package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradecore/internal/worker"
)

// WorkerControl is the part of the worker the operator drives.
type WorkerControl interface {
	Start()
	Stop()
	Reload()
	State() worker.State
}

// WorkerHandler serves the start, stop and reload commands.
type WorkerHandler struct {
	worker WorkerControl
	logger *slog.Logger
}

func NewWorkerHandler(w WorkerControl, logger *slog.Logger) *WorkerHandler {
	return &WorkerHandler{worker: w, logger: logger}
}

// Start resumes a stopped or halted worker.
// POST /api/worker/start
func (h *WorkerHandler) Start(w http.ResponseWriter, r *http.Request) {
	if h.worker.State() == worker.StateRunning {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already running"})
		return
	}
	h.worker.Start()
	h.logger.InfoContext(r.Context(), "handler: worker start requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting trader"})
}

// Stop pauses the worker after the pass in flight.
// POST /api/worker/stop
func (h *WorkerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if h.worker.State() == worker.StateStopped {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already stopped"})
		return
	}
	h.worker.Stop()
	h.logger.InfoContext(r.Context(), "handler: worker stop requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping trader"})
}

// Reload drops cached venue data before the next pass.
// POST /api/worker/reload
func (h *WorkerHandler) Reload(w http.ResponseWriter, r *http.Request) {
	h.worker.Reload()
	h.logger.InfoContext(r.Context(), "handler: worker reload requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reloading config"})
}
