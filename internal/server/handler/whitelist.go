package handler

import "net/http"

// WhitelistSource reports the pairs of the last pass.
type WhitelistSource interface {
	ActiveWhitelist() []string
}

type WhitelistHandler struct {
	source WhitelistSource
	method string
}

func NewWhitelistHandler(source WhitelistSource, method string) *WhitelistHandler {
	return &WhitelistHandler{source: source, method: method}
}

// GetWhitelist GET /api/whitelist
func (h *WhitelistHandler) GetWhitelist(w http.ResponseWriter, r *http.Request) {
	pairs := h.source.ActiveWhitelist()
	if pairs == nil {
		pairs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"method":    h.method,
		"length":    len(pairs),
		"whitelist": pairs,
	})
}
