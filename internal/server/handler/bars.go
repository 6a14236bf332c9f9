package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// BarSource exposes retained bars per symbol.
type BarSource interface {
	Bars(symbol string) ([]domain.Bar, bool)
	Symbols() []string
	Period() time.Duration
}

// BarsHandler serves recent bars.
type BarsHandler struct {
	source BarSource
}

// NewBarsHandler creates a BarsHandler.
func NewBarsHandler(source BarSource) *BarsHandler {
	return &BarsHandler{source: source}
}

// GetBars returns up to limit most recent bars of symbol.
// GET /api/bars?symbol=BTCUSDT&limit=100
func (h *BarsHandler) GetBars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	if symbol == "" {
		if syms := h.source.Symbols(); len(syms) == 1 {
			symbol = syms[0]
		}
	}
	bars, ok := h.source.Bars(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "symbol not tracked")
		return
	}
	if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(bars) {
		bars = bars[len(bars)-limit:]
	}
	if bars == nil {
		bars = []domain.Bar{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"period": h.source.Period().String(),
		"bars":   bars,
	})
}
