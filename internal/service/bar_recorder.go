package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const defaultBarFlush = 60

// BarRecorder buffers completed bars and writes them in batches to the bar
// sink and the archive. Either destination may be nil.
type BarRecorder struct {
	sink     domain.BarSink
	archiver domain.Archiver
	period   time.Duration
	batch    int
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string][]domain.Bar
}

// NewBarRecorder flushes a symbol once batch bars are buffered, and every
// interval regardless.
func NewBarRecorder(sink domain.BarSink, archiver domain.Archiver, period time.Duration, batch int, interval time.Duration, logger *slog.Logger) *BarRecorder {
	if batch <= 0 {
		batch = defaultBarFlush
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &BarRecorder{
		sink:     sink,
		archiver: archiver,
		period:   period,
		batch:    batch,
		interval: interval,
		logger:   logger.With(slog.String("component", "bar_recorder")),
		pending:  make(map[string][]domain.Bar),
	}
}

// Record buffers bar and flushes its symbol when the batch is full.
func (r *BarRecorder) Record(ctx context.Context, symbol string, bar domain.Bar) {
	r.mu.Lock()
	r.pending[symbol] = append(r.pending[symbol], bar)
	full := len(r.pending[symbol]) >= r.batch
	var bars []domain.Bar
	if full {
		bars = r.pending[symbol]
		delete(r.pending, symbol)
	}
	r.mu.Unlock()

	if full {
		r.write(ctx, symbol, bars)
	}
}

// Run flushes on the interval until ctx is done, then flushes once more.
func (r *BarRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Flush(ctx)
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			r.Flush(fctx)
			cancel()
			return nil
		}
	}
}

// Flush writes every buffered bar.
func (r *BarRecorder) Flush(ctx context.Context) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string][]domain.Bar)
	r.mu.Unlock()

	for symbol, bars := range pending {
		r.write(ctx, symbol, bars)
	}
}

func (r *BarRecorder) write(ctx context.Context, symbol string, bars []domain.Bar) {
	if len(bars) == 0 {
		return
	}
	if r.sink != nil {
		if err := r.sink.InsertBars(ctx, symbol, r.period, bars); err != nil {
			r.logger.Warn("bar_recorder: insert bars failed",
				slog.String("symbol", symbol),
				slog.Int("bars", len(bars)),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.archiver != nil {
		if _, err := r.archiver.ArchiveBars(ctx, symbol, bars); err != nil {
			r.logger.Warn("bar_recorder: archive bars failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	r.logger.Debug("bar_recorder: flushed", slog.String("symbol", symbol), slog.Int("bars", len(bars)))
}
