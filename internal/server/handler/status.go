package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// StatusInfo is the static part of the status response.
type StatusInfo struct {
	Mode          string `json:"mode"`
	Exchange      string `json:"exchange"`
	Strategy      string `json:"strategy"`
	StakeCurrency string `json:"stake_currency"`
	StakeAmount   string `json:"stake_amount"`
	MaxOpenTrades int    `json:"max_open_trades"`
	DryRun        bool   `json:"dry_run"`
}

// PassInfo reports when the engine last completed a pass.
type PassInfo interface {
	LastPass() time.Time
}

// StatusHandler serves the worker state with the open positions count.
type StatusHandler struct {
	info      StatusInfo
	worker    WorkerControl
	engine    PassInfo
	positions domain.PositionStore
	started   time.Time
	logger    *slog.Logger
}

func NewStatusHandler(info StatusInfo, w WorkerControl, engine PassInfo, positions domain.PositionStore, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{info: info, worker: w, engine: engine, positions: positions, started: time.Now(), logger: logger}
}

type statusResponse struct {
	StatusInfo
	State         string     `json:"state"`
	OpenPositions int        `json:"open_positions"`
	OpenStake     float64    `json:"open_stake"`
	LastPass      *time.Time `json:"last_pass,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds"`
}

// GetStatus GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	open, err := h.positions.ListOpen(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: status list open", slog.Any("error", err))
		writeError(w, errorStatus(err), "failed to read positions")
		return
	}
	resp := statusResponse{
		StatusInfo:    h.info,
		State:         h.worker.State().String(),
		OpenPositions: len(open),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	for _, p := range open {
		resp.OpenStake += p.StakeAmount
	}
	if last := h.engine.LastPass(); !last.IsZero() {
		t := last.UTC()
		resp.LastPass = &t
	}
	writeJSON(w, http.StatusOK, resp)
}
