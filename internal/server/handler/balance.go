package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// BalanceSource serves the cached wallet.
type BalanceSource interface {
	Balances() []domain.Balance
	UpdatedAt() time.Time
}

type BalanceHandler struct {
	wallet BalanceSource
}

func NewBalanceHandler(wallet BalanceSource) *BalanceHandler {
	return &BalanceHandler{wallet: wallet}
}

// ListBalances GET /api/balances
func (h *BalanceHandler) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances := h.wallet.Balances()
	if balances == nil {
		balances = []domain.Balance{}
	}
	resp := map[string]any{"balances": balances}
	if at := h.wallet.UpdatedAt(); !at.IsZero() {
		resp["updated_at"] = at.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}
