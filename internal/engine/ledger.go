package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	historyPageSize = 5
	ledgerLockKey   = "perpbot:ledger"
	ledgerLockTTL   = 10 * time.Second
	ledgerLockWait  = 50 * time.Millisecond
	ledgerLockTries = 40
)

var errPersist = errors.New("persist position")

// HistoryPage is one page of closed positions, oldest first within the page.
// Page 0 holds the most recent records.
type HistoryPage struct {
	Records []domain.Position `json:"data"`
	Page    int               `json:"page"`
	Newer   bool              `json:"hasNewer"`
	Older   bool              `json:"hasOlder"`
	Length  int               `json:"length"`
}

// markDirty queues the current record for the next ledger write. Caller
// holds e.mu.
func (e *Engine) markDirty() {
	if e.cfg.Backtest || e.ledger == nil || e.pos == nil {
		return
	}
	snap := *e.pos
	for i := range e.dirty {
		if e.dirty[i].ID == snap.ID {
			e.dirty[i] = snap
			return
		}
	}
	e.dirty = append(e.dirty, snap)
}

// persist writes queued records into the ledger, merging with records of
// other strategies that share it. Records that fail to write stay queued.
func (e *Engine) persist(ctx context.Context) error {
	if e.cfg.Backtest || e.ledger == nil {
		return nil
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	recs := e.dirty
	e.dirty = nil
	e.mu.Unlock()
	if len(recs) == 0 {
		return nil
	}

	if err := e.writeRecords(ctx, recs); err != nil {
		e.mu.Lock()
		e.requeue(recs)
		e.mu.Unlock()
		return fmt.Errorf("engine: %w: %w", errPersist, err)
	}
	return nil
}

// requeue puts back records not superseded by newer snapshots. Caller holds e.mu.
func (e *Engine) requeue(recs []domain.Position) {
	for _, r := range recs {
		found := false
		for _, d := range e.dirty {
			if d.ID == r.ID {
				found = true
				break
			}
		}
		if !found {
			e.dirty = append(e.dirty, r)
		}
	}
}

func (e *Engine) writeRecords(ctx context.Context, recs []domain.Position) error {
	if e.locks != nil {
		unlock, err := e.acquireLedgerLock(ctx)
		if err != nil {
			return err
		}
		defer unlock()
	}

	stored, err := e.ledger.Read(ctx)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	for _, r := range recs {
		r.HumanTime = e.times.Format(r.Time)
		r.HumanCloseTime = ""
		if r.CloseTime != nil {
			r.HumanCloseTime = e.times.Format(*r.CloseTime)
		}
		stored = mergeRecord(stored, r)
	}
	if err := e.ledger.Write(ctx, stored); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

func (e *Engine) acquireLedgerLock(ctx context.Context) (func(), error) {
	for i := 1; ; i++ {
		unlock, err := e.locks.Acquire(ctx, ledgerLockKey, ledgerLockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || i >= ledgerLockTries {
			return nil, fmt.Errorf("acquire ledger lock: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ledgerLockWait):
		}
	}
}

// mergeRecord replaces the stored record with the same strategy and id, or
// appends rec after the strategy's existing records. Records of other
// strategies keep their order ahead of this strategy's.
func mergeRecord(stored []domain.Position, rec domain.Position) []domain.Position {
	others := make([]domain.Position, 0, len(stored)+1)
	var own []domain.Position
	for _, r := range stored {
		if r.Strategy == rec.Strategy {
			own = append(own, r)
		} else {
			others = append(others, r)
		}
	}
	replaced := false
	for i := range own {
		if own[i].ID == rec.ID {
			own[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		own = append(own, rec)
	}
	return append(others, own...)
}

func (e *Engine) ownRecords(ctx context.Context) ([]domain.Position, error) {
	stored, err := e.ledger.Read(ctx)
	if err != nil {
		return nil, err
	}
	var own []domain.Position
	for _, r := range stored {
		if r.Strategy == e.cfg.Strategy {
			own = append(own, r)
		}
	}
	return own, nil
}

// Restore loads stored records of this strategy. The newest record is adopted
// as the current position when it is open and not closed, and the historical
// result is computed from all of them.
func (e *Engine) Restore(ctx context.Context) error {
	if e.cfg.Backtest || e.ledger == nil {
		return nil
	}
	own, err := e.ownRecords(ctx)
	if err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(own) == 0 {
		return nil
	}
	hist := summarize(own)
	e.history = &hist

	latest := own[0]
	for _, r := range own[1:] {
		if r.Time.After(latest.Time) {
			latest = r
		}
	}
	if !latest.Open || latest.Closed() || e.state.Active() {
		return nil
	}
	p := latest
	e.pos = &p
	e.state = domain.StateOpen
	e.result.Opened++
	e.openFee, e.closeFee = defaultFee, defaultFee
	if p.OpenFee > 0 {
		e.openFee = p.OpenFee
	}
	e.logger.Info("engine: restored open position",
		slog.String("id", p.ID),
		slog.String("side", string(p.Side)),
		slog.Float64("price", p.Price),
		slog.Float64("amount", p.Amount),
	)
	return nil
}

// History returns one page of closed positions of this strategy.
func (e *Engine) History(ctx context.Context, page int) (HistoryPage, error) {
	if page < 0 {
		page = 0
	}
	out := HistoryPage{Page: page}
	if e.ledger == nil {
		return out, nil
	}
	closed, err := e.closedRecords(ctx)
	if err != nil {
		return out, fmt.Errorf("engine: history: %w", err)
	}
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].Time.After(closed[j].Time) })

	out.Length = len(closed)
	off := page * historyPageSize
	if off < len(closed) {
		end := min(off+historyPageSize, len(closed))
		out.Records = make([]domain.Position, 0, end-off)
		for i := end - 1; i >= off; i-- {
			out.Records = append(out.Records, closed[i])
		}
	}
	out.Newer = page > 0 && off-historyPageSize < len(closed)
	out.Older = off+historyPageSize < len(closed)
	return out, nil
}

// HistoryLength returns the number of closed positions of this strategy.
func (e *Engine) HistoryLength(ctx context.Context) (int, error) {
	if e.ledger == nil {
		return 0, nil
	}
	closed, err := e.closedRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: history length: %w", err)
	}
	return len(closed), nil
}

func (e *Engine) closedRecords(ctx context.Context) ([]domain.Position, error) {
	own, err := e.ownRecords(ctx)
	if err != nil {
		return nil, err
	}
	closed := own[:0]
	for _, r := range own {
		if r.Closed() {
			closed = append(closed, r)
		}
	}
	return closed, nil
}
