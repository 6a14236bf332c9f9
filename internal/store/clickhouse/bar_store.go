// Package clickhouse stores completed bars in a ReplacingMergeTree table so
// re-sent buckets collapse onto one row.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Config holds connection parameters.
type Config struct {
	Addr     string
	Database string
	Table    string
	User     string
	Password string
}

// BarStore implements domain.BarSink.
type BarStore struct {
	conn  driver.Conn
	db    string
	table string
	now   func() time.Time
}

// New opens a connection, pings it and makes sure the bars table exists.
func New(ctx context.Context, cfg Config) (*BarStore, error) {
	if cfg.Database == "" {
		cfg.Database = "perpbot"
	}
	if cfg.Table == "" {
		cfg.Table = "bars"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{hostOf(cfg.Addr)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(60),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	s := &BarStore{conn: conn, db: cfg.Database, table: cfg.Table, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// hostOf strips a clickhouse:// or tcp:// scheme and any path.
func hostOf(addr string) string {
	host := addr
	for _, p := range []string{"clickhouse://", "tcp://"} {
		host = strings.TrimPrefix(host, p)
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	return host
}

func (s *BarStore) ensureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.db)); err != nil {
		return fmt.Errorf("clickhouse: create database: %w", err)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			symbol      String,
			period_ms   UInt64,
			end_time_ms UInt64,
			open        Float64,
			high        Float64,
			low         Float64,
			close       Float64,
			volume      Float64,
			trades      UInt64,
			up          Bool,
			ingested_at DateTime64(3),
			version     UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		ORDER BY (symbol, period_ms, end_time_ms)`, s.db, s.table)
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("clickhouse: create table: %w", err)
	}
	return nil
}

// InsertBars appends bars in one batch. An empty slice is a no-op.
func (s *BarStore) InsertBars(ctx context.Context, symbol string, period time.Duration, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s.%s SETTINGS insert_deduplicate=1", s.db, s.table))
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}

	now := s.now().UTC()
	ver := uint64(now.UnixNano())
	for _, b := range bars {
		if err := batch.Append(
			symbol,
			uint64(period.Milliseconds()),
			uint64(b.End.UnixMilli()),
			b.Open, b.High, b.Low, b.Close,
			b.Volume,
			uint64(b.Trades),
			b.Up,
			now,
			ver,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("clickhouse: batch append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: batch send: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *BarStore) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close releases the connection.
func (s *BarStore) Close() error {
	return s.conn.Close()
}
