package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/notify"
)

var discard = slog.New(slog.DiscardHandler)

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
	fail      bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *fakeBus) Publish(_ context.Context, ch string, p []byte) error {
	if b.fail {
		return errors.New("bus down")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[ch] = append(b.published[ch], p)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *fakeBus) StreamAppend(_ context.Context, s string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[s] = append(b.streamed[s], p)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeAudit struct {
	events     []string
	strategies []string
	details    []map[string]any
}

func (a *fakeAudit) Log(_ context.Context, e domain.AuditEntry) error {
	a.events = append(a.events, e.Event)
	a.strategies = append(a.strategies, e.Strategy)
	a.details = append(a.details, e.Detail)
	return nil
}

func (a *fakeAudit) List(context.Context, string, int) ([]domain.AuditEntry, error) { return nil, nil }

type fakeArchiver struct {
	positions []domain.Position
	bars      map[string]int
}

func (a *fakeArchiver) ArchivePosition(_ context.Context, p domain.Position) error {
	a.positions = append(a.positions, p)
	return nil
}

func (a *fakeArchiver) ArchiveBars(_ context.Context, symbol string, bars []domain.Bar) (int, error) {
	if a.bars == nil {
		a.bars = map[string]int{}
	}
	a.bars[symbol] += len(bars)
	return len(bars), nil
}

type fakeSender struct{ msgs []string }

func (s *fakeSender) Send(_ context.Context, title, msg string) error {
	s.msgs = append(s.msgs, title+": "+msg)
	return nil
}
func (s *fakeSender) Name() string { return "fake" }

func TestReporterFansOutClose(t *testing.T) {
	bus := newFakeBus()
	audit := &fakeAudit{}
	arch := &fakeArchiver{}
	sender := &fakeSender{}
	r := NewReporter("trend_btc", ReporterDeps{
		Notifier: notify.NewNotifier([]notify.Sender{sender}, []string{notify.EventClosed}, discard),
		Bus:      bus,
		Audit:    audit,
		Archiver: arch,
		Metrics:  metrics.New(),
	}, discard)

	exit := 110.0
	closeAt := time.Unix(1_700_000_000, 0)
	cb := r.Callbacks()
	cb.OnOpen(domain.Position{ID: "trend-1", Symbol: "BTCUSDT", Side: domain.SideBuy, Price: 100, Amount: 1})
	cb.OnClose(domain.Position{ID: "trend-1", Symbol: "BTCUSDT", Side: domain.SideBuy, Price: 100, Amount: 1,
		ClosePrice: &exit, CloseTime: &closeAt}, 9.96)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if len(bus.published[PositionsChannel]) != 2 || len(bus.streamed[PositionsStream]) != 2 {
		t.Errorf("bus = %d published, %d streamed", len(bus.published[PositionsChannel]), len(bus.streamed[PositionsStream]))
	}
	if !strings.Contains(string(bus.published[PositionsChannel][1]), `"event":"position_closed"`) {
		t.Errorf("close payload = %s", bus.published[PositionsChannel][1])
	}
	if len(audit.events) != 2 || audit.events[1] != notify.EventClosed || audit.details[1]["net"] != 9.96 {
		t.Errorf("audit = %v %v", audit.events, audit.details)
	}
	if len(audit.strategies) != 2 || audit.strategies[0] != "trend_btc" {
		t.Errorf("audit strategies = %v", audit.strategies)
	}
	if len(arch.positions) != 1 || arch.positions[0].ID != "trend-1" {
		t.Errorf("archived = %+v", arch.positions)
	}
	if len(sender.msgs) != 1 || !strings.Contains(sender.msgs[0], "net 9.96") {
		t.Errorf("notifications = %v", sender.msgs)
	}
}

func TestReporterSurvivesSinkFailures(t *testing.T) {
	bus := newFakeBus()
	bus.fail = true
	r := NewReporter("s", ReporterDeps{Bus: bus}, discard)
	r.Callbacks().OnError(errors.New("exchange down"))
	r.handle(context.Background(), <-r.queue)
	if len(bus.streamed[PositionsStream]) != 1 {
		t.Error("stream append skipped after publish failure")
	}
}

type fakeSink struct {
	calls int
	bars  int
}

func (s *fakeSink) InsertBars(_ context.Context, _ string, period time.Duration, bars []domain.Bar) error {
	s.calls++
	s.bars += len(bars)
	return nil
}

func TestBarRecorderBatches(t *testing.T) {
	sink := &fakeSink{}
	arch := &fakeArchiver{}
	r := NewBarRecorder(sink, arch, time.Minute, 3, time.Hour, discard)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		r.Record(ctx, "BTCUSDT", domain.Bar{Close: float64(i)})
	}
	r.Record(ctx, "ETHUSDT", domain.Bar{Close: 1})
	if sink.calls != 1 || sink.bars != 3 {
		t.Fatalf("after batch: calls=%d bars=%d", sink.calls, sink.bars)
	}

	r.Flush(ctx)
	if sink.calls != 3 || sink.bars != 5 {
		t.Errorf("after flush: calls=%d bars=%d", sink.calls, sink.bars)
	}
	if arch.bars["BTCUSDT"] != 4 || arch.bars["ETHUSDT"] != 1 {
		t.Errorf("archived = %v", arch.bars)
	}
	r.Flush(ctx)
	if sink.calls != 3 {
		t.Error("empty flush wrote")
	}
}
