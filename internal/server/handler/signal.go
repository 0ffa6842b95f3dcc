package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// SignalSetter takes signals from the operator instead of a feed.
type SignalSetter interface {
	Set(sig domain.Signal)
}

type SignalHandler struct {
	setter SignalSetter
	logger *slog.Logger
}

func NewSignalHandler(setter SignalSetter, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{setter: setter, logger: logger}
}

// SetSignal replaces the buy/sell signal of one pair. The next pass acts on
// it.
// POST /api/signals
func (h *SignalHandler) SetSignal(w http.ResponseWriter, r *http.Request) {
	var sig domain.Signal
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signal body")
		return
	}
	if _, _, ok := domain.SplitPair(sig.Pair); !ok {
		writeError(w, http.StatusBadRequest, "pair must look like BASE/QUOTE")
		return
	}
	h.setter.Set(sig)
	h.logger.InfoContext(r.Context(), "handler: signal set",
		slog.String("pair", sig.Pair), slog.Bool("buy", sig.Buy), slog.Bool("sell", sig.Sell))
	writeJSON(w, http.StatusOK, sig)
}
