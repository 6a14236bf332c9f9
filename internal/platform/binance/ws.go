package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	// DefaultStreamURL is the USDⓈ-M futures market stream root.
	DefaultStreamURL = "wss://fstream.binance.com/ws"

	wsWriteWait = 10 * time.Second

	// wsReadWait bounds the silence between frames; the venue pings every
	// few minutes and trades usually arrive far more often.
	wsReadWait = 10 * time.Minute

	wsReconnectDelay    = 2 * time.Second
	wsMaxReconnectDelay = 60 * time.Second
)

// TradeHandler is called for every aggregated trade received.
type TradeHandler func(domain.Tick)

// WSClient streams aggregated trades for a set of symbols.
type WSClient struct {
	wsURL  string
	logger *slog.Logger
	conn   *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Tracked streams for reconnection.
	streams []string
	cmdID   int64

	tradeHandlers []TradeHandler
	handlerMu     sync.RWMutex

	done chan struct{}
}

// NewWSClient creates a market stream client. wsURL is the raw stream
// root, e.g. DefaultStreamURL.
func NewWSClient(wsURL string, logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:  wsURL,
		logger: logger.With(slog.String("component", "binance_ws")),
		done:   make(chan struct{}),
	}
}

// Connect dials the stream endpoint and restores tracked subscriptions.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("binance/ws: client is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("binance/ws: connect: %w: %w", domain.ErrWSDisconnect, err)
	}
	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(wsReadWait))
	w.conn.SetPingHandler(func(appData string) error {
		w.conn.SetReadDeadline(time.Now().Add(wsReadWait))
		return w.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})

	go w.readLoop(conn)

	if len(w.streams) > 0 {
		if err := w.sendCommand("SUBSCRIBE", w.streams); err != nil {
			return fmt.Errorf("binance/ws: restore subscriptions: %w", err)
		}
	}
	w.logger.Info("binance/ws: connected", slog.Int("streams", len(w.streams)))
	return nil
}

// SubscribeTrades subscribes to the aggregated trade stream of each symbol.
func (w *WSClient) SubscribeTrades(symbols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("binance/ws: not connected")
	}

	var fresh []string
	existing := make(map[string]struct{}, len(w.streams))
	for _, s := range w.streams {
		existing[s] = struct{}{}
	}
	for _, sym := range symbols {
		s := tradeStream(sym)
		if _, ok := existing[s]; !ok {
			fresh = append(fresh, s)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := w.sendCommand("SUBSCRIBE", fresh); err != nil {
		return fmt.Errorf("binance/ws: subscribe: %w", err)
	}
	w.streams = append(w.streams, fresh...)
	return nil
}

// OnTrade registers a handler called for every trade.
func (w *WSClient) OnTrade(handler TradeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.tradeHandlers = append(w.tradeHandlers, handler)
}

// Close shuts down the connection and stops reconnecting.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait),
		)
		return w.conn.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func tradeStream(symbol string) string {
	return strings.ToLower(symbol) + "@aggTrade"
}

// sendCommand writes a stream command. Caller must hold w.mu.
func (w *WSClient) sendCommand(method string, streams []string) error {
	w.cmdID++
	data, err := json.Marshal(wsCommand{Method: method, Params: streams, ID: w.cmdID})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", strings.ToLower(method), err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches frames from conn until it fails, then reconnects.
func (w *WSClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Warn("binance/ws: read failed, reconnecting", slog.String("error", err.Error()))
			w.reconnect()
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadWait))
		w.handleMessage(message)
	}
}

// handleMessage parses a raw frame and routes trade events. Frames from the
// combined endpoint are unwrapped first; command acks are ignored.
func (w *WSClient) handleMessage(raw []byte) {
	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Stream != "" {
		raw = env.Data
	}

	var ev aggTradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.EventType != "aggTrade" {
		return
	}
	tick := ev.toTick()

	w.handlerMu.RLock()
	handlers := w.tradeHandlers
	w.handlerMu.RUnlock()

	for _, h := range handlers {
		h(tick)
	}
}

// reconnect re-establishes the connection with exponential backoff.
func (w *WSClient) reconnect() {
	delay := wsReconnectDelay

	for {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		w.logger.Warn("binance/ws: reconnect failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)

		delay *= 2
		if delay > wsMaxReconnectDelay {
			delay = wsMaxReconnectDelay
		}
	}
}
