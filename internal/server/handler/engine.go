package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/engine"
)

// Engine is the view of a position engine the API needs.
type Engine interface {
	Strategy() string
	Symbol() string
	LastPrice() float64
	CurrentPosition() (domain.PositionView, bool)
	CurrentResult() domain.ResultView
	HistoryResult() (domain.AggregateResult, bool)
	History(ctx context.Context, page int) (engine.HistoryPage, error)
	OpenPosition(ctx context.Context, price float64, side domain.Side, at time.Time) error
	ClosePosition(ctx context.Context, price float64, opts engine.CloseOptions) error
}

// PriceSource is a shared last-price cache.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// EngineHandler serves position, result and history views and accepts
// manual open/close requests. Requests pick an engine with ?strategy=; it
// may be omitted when only one engine runs.
type EngineHandler struct {
	engines map[string]Engine
	prices  PriceSource
	logger  *slog.Logger
}

// NewEngineHandler creates an EngineHandler over engines.
func NewEngineHandler(engines []Engine, logger *slog.Logger) *EngineHandler {
	m := make(map[string]Engine, len(engines))
	for _, e := range engines {
		m[e.Strategy()] = e
	}
	return &EngineHandler{engines: m, logger: logger}
}

// WithPrices sets the cache consulted for orders without a price when the
// engine has not seen a trade since it started.
func (h *EngineHandler) WithPrices(p PriceSource) *EngineHandler {
	h.prices = p
	return h
}

func (h *EngineHandler) pick(w http.ResponseWriter, name string) (Engine, bool) {
	if name == "" && len(h.engines) == 1 {
		for _, e := range h.engines {
			return e, true
		}
	}
	e, ok := h.engines[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown strategy %q", name))
	}
	return e, ok
}

// ListStrategies returns the running strategies.
// GET /api/strategies
func (h *EngineHandler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	type item struct {
		Strategy  string               `json:"strategy"`
		Symbol    string               `json:"symbol"`
		LastPrice float64              `json:"lastPrice"`
		State     domain.PositionState `json:"state"`
	}
	out := make([]item, 0, len(h.engines))
	for _, e := range h.engines {
		it := item{Strategy: e.Strategy(), Symbol: e.Symbol(), LastPrice: e.LastPrice(), State: domain.StateIdle}
		if v, ok := e.CurrentPosition(); ok {
			it.State = v.State
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	writeJSON(w, http.StatusOK, out)
}

// GetPosition returns the open position with unrealized PnL, or null.
// GET /api/position
func (h *EngineHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	e, ok := h.pick(w, r.URL.Query().Get("strategy"))
	if !ok {
		return
	}
	v, open := e.CurrentPosition()
	if !open {
		writeJSON(w, http.StatusOK, map[string]any{"position": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"position": v})
}

// GetResult returns the running aggregate and, once restored, the historical one.
// GET /api/result
func (h *EngineHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	e, ok := h.pick(w, r.URL.Query().Get("strategy"))
	if !ok {
		return
	}
	resp := map[string]any{"current": e.CurrentResult()}
	if hist, ok := e.HistoryResult(); ok {
		resp["history"] = hist
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHistory returns one page of closed positions, newest page first.
// GET /api/history?page=N
func (h *EngineHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	e, ok := h.pick(w, r.URL.Query().Get("strategy"))
	if !ok {
		return
	}
	page, err := e.History(r.Context(), queryInt(r, "page", 0))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if page.Records == nil {
		page.Records = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, page)
}

type openRequest struct {
	Strategy string  `json:"strategy"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
}

// OpenPosition opens at the given price or, when omitted, the last price.
// POST /api/positions/open
func (h *EngineHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, ok := h.pick(w, req.Strategy)
	if !ok {
		return
	}
	side := domain.Side(strings.ToUpper(req.Side))
	if !side.Valid() {
		writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
		return
	}
	price, ok := h.price(w, r, e, req.Price)
	if !ok {
		return
	}
	if err := e.OpenPosition(r.Context(), price, side, time.Time{}); err != nil {
		h.fail(w, r, "open", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "submitted", "price": price, "side": side})
}

type closeRequest struct {
	Strategy string  `json:"strategy"`
	Price    float64 `json:"price"`
	Reopen   bool    `json:"reopen"`
	Market   bool    `json:"market"`
}

// ClosePosition closes the open position.
// POST /api/positions/close
func (h *EngineHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, ok := h.pick(w, req.Strategy)
	if !ok {
		return
	}
	price, ok := h.price(w, r, e, req.Price)
	if !ok {
		return
	}
	opts := engine.CloseOptions{Reopen: req.Reopen, ForceMarket: req.Market}
	if err := e.ClosePosition(r.Context(), price, opts); err != nil {
		h.fail(w, r, "close", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "submitted", "price": price})
}

func (h *EngineHandler) price(w http.ResponseWriter, r *http.Request, e Engine, requested float64) (float64, bool) {
	if requested > 0 {
		return requested, true
	}
	if last := e.LastPrice(); last > 0 {
		return last, true
	}
	if h.prices != nil {
		cached, _, err := h.prices.GetPrice(r.Context(), e.Symbol())
		if err == nil && cached > 0 {
			return cached, true
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			h.logger.WarnContext(r.Context(), "handler: cached price lookup failed",
				slog.String("symbol", e.Symbol()), slog.String("error", err.Error()))
		}
	}
	writeError(w, http.StatusBadRequest, "price required: no trade seen yet")
	return 0, false
}

func (h *EngineHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
	}
	writeError(w, status, err.Error())
}
