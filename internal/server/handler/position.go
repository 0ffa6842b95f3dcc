package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// ForceExiter sells one open position at the current bid.
type ForceExiter interface {
	ForceExit(ctx context.Context, id int64) (domain.Position, error)
}

// PositionHandler lists positions and forces exits.
type PositionHandler struct {
	positions domain.PositionStore
	history   domain.PositionHistory
	exiter    ForceExiter
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. history may be nil, in
// which case closed positions cannot be listed.
func NewPositionHandler(positions domain.PositionStore, history domain.PositionHistory, exiter ForceExiter, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, history: history, exiter: exiter, logger: logger}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns open positions, or closed ones newest first with
// ?status=closed&limit=&offset=.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var (
		positions []domain.Position
		err       error
	)
	switch r.URL.Query().Get("status") {
	case "", "open":
		positions, err = h.positions.ListOpen(r.Context())
	case "closed":
		if h.history == nil {
			writeError(w, http.StatusNotImplemented, "position history is not available")
			return
		}
		positions, err = h.history.ListClosed(r.Context(), parseListOpts(r))
	default:
		writeError(w, http.StatusBadRequest, "status must be open or closed")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed", slog.Any("error", err))
		writeError(w, errorStatus(err), "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// ForceSell exits one position immediately.
// POST /api/positions/{id}/forcesell
func (h *PositionHandler) ForceSell(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	pos, err := h.exiter.ForceExit(r.Context(), id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: forcesell failed", slog.Int64("position_id", id), slog.Any("error", err))
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
