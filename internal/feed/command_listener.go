package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/engine"
)

// CommandChannel is the bus channel operators publish commands on.
const CommandChannel = "perpbot:commands"

const commandDedupTTL = 5 * time.Minute

// Command asks one engine to open or close. A zero price means the engine's
// last observed price. Commands carrying an ID are applied at most once.
type Command struct {
	ID       string  `json:"id,omitempty"`
	Strategy string  `json:"strategy"`
	Action   string  `json:"action"` // open|close
	Side     string  `json:"side,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Reopen   bool    `json:"reopen,omitempty"`
	Market   bool    `json:"market,omitempty"`
}

// Trader is the part of an engine commands act on.
type Trader interface {
	Strategy() string
	LastPrice() float64
	OpenPosition(ctx context.Context, price float64, side domain.Side, at time.Time) error
	ClosePosition(ctx context.Context, price float64, opts engine.CloseOptions) error
}

// CommandListener applies commands received on the signal bus.
type CommandListener struct {
	bus     domain.SignalBus
	channel string
	traders map[string]Trader
	seen    *dedup
	logger  *slog.Logger
}

// NewCommandListener routes commands to traders by strategy name.
func NewCommandListener(bus domain.SignalBus, traders []Trader, logger *slog.Logger) *CommandListener {
	m := make(map[string]Trader, len(traders))
	for _, t := range traders {
		m[t.Strategy()] = t
	}
	return &CommandListener{
		bus:     bus,
		channel: CommandChannel,
		traders: m,
		seen:    newDedup(commandDedupTTL),
		logger:  logger.With(slog.String("component", "command_listener")),
	}
}

// Run subscribes and applies commands until ctx is done.
func (l *CommandListener) Run(ctx context.Context) error {
	ch, err := l.bus.Subscribe(ctx, l.channel)
	if err != nil {
		return fmt.Errorf("command_listener: %w", err)
	}
	l.logger.Info("command_listener: started", slog.String("channel", l.channel))
	defer l.logger.Info("command_listener: stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := l.handle(ctx, data); err != nil {
				l.logger.Warn("command_listener: command failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (l *CommandListener) handle(ctx context.Context, data []byte) error {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if cmd.ID != "" && l.seen.seenBefore(cmd.ID) {
		l.logger.Debug("command_listener: duplicate command dropped", slog.String("id", cmd.ID))
		return nil
	}
	t, err := l.trader(cmd.Strategy)
	if err != nil {
		return err
	}
	price := cmd.Price
	if price <= 0 {
		price = t.LastPrice()
	}
	if price <= 0 {
		return fmt.Errorf("%s %s: no price yet", cmd.Action, t.Strategy())
	}

	l.logger.Info("command_listener: applying",
		slog.String("strategy", t.Strategy()),
		slog.String("action", cmd.Action),
		slog.Float64("price", price),
	)
	switch strings.ToLower(cmd.Action) {
	case "open":
		side := domain.Side(strings.ToUpper(cmd.Side))
		return t.OpenPosition(ctx, price, side, time.Time{})
	case "close":
		return t.ClosePosition(ctx, price, engine.CloseOptions{Reopen: cmd.Reopen, ForceMarket: cmd.Market})
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

// trader resolves name; an empty name is accepted when exactly one trader
// is registered.
func (l *CommandListener) trader(name string) (Trader, error) {
	if name == "" && len(l.traders) == 1 {
		for _, t := range l.traders {
			return t, nil
		}
	}
	t, ok := l.traders[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w", name, domain.ErrNotFound)
	}
	return t, nil
}
