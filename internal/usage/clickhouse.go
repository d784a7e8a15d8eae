package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const connectTimeout = 5 * time.Second

// requestsDDL creates the analytics table on first connect. MergeTree
// ordered by time keeps inserts append-only and time-range scans cheap;
// rows age out after 90 days.
const requestsDDL = `
CREATE TABLE IF NOT EXISTS %s (
	created_at        DateTime64(3, 'UTC'),
	request_id        String,
	api_key_id        LowCardinality(String),
	model             LowCardinality(String),
	backend           LowCardinality(String),
	stream            Bool,
	cache_hit         Bool,
	prompt_tokens     UInt32,
	completion_tokens UInt32,
	latency_ms        UInt32,
	status            UInt16
) ENGINE = MergeTree
ORDER BY (created_at, request_id)
TTL toDateTime(created_at) + INTERVAL 90 DAY
`

// NewClickHouseSink connects to ClickHouse over the native protocol,
// creates the database and requests table when missing, and returns a
// batching sink writing to them. url is a native-protocol DSN, e.g.
// clickhouse://default:@localhost:9000.
func NewClickHouseSink(ctx context.Context, url, database string, log *slog.Logger) (*Writer, error) {
	opts, err := clickhouse.ParseDSN(url)
	if err != nil {
		return nil, fmt.Errorf("usage: parse clickhouse url: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("usage: clickhouse connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usage: clickhouse ping: %w", err)
	}

	if database == "" {
		database = "gateway"
	}
	table := database + ".requests"

	if err := conn.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+database); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usage: create database: %w", err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf(requestsDDL, table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("usage: create table: %w", err)
	}

	flush := func(fctx context.Context, batch []Entry) error {
		return insertRows(fctx, conn, table, batch)
	}
	return newWriter(ctx, flush, conn.Close, log)
}

func insertRows(ctx context.Context, conn driver.Conn, table string, batch []Entry) error {
	b, err := conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(
			e.CreatedAt,
			e.RequestID,
			e.APIKeyID,
			e.Model,
			e.Backend,
			e.Stream,
			e.CacheHit,
			e.PromptTokens,
			e.CompletionTokens,
			e.LatencyMs,
			e.Status,
		); err != nil {
			return fmt.Errorf("append: %w", err)
		}
	}
	return b.Send()
}
