package query

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"FlowGuard/internal/config"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Table is the ClickHouse table snapshots are exported to.
const Table = "flow_cache_snapshots"

// CreateTableStatement creates Table if needed.
const CreateTableStatement = `
CREATE TABLE IF NOT EXISTS ` + Table + ` (
    Timestamp DateTime,
    DstIP     String,
    SrcIP     String,
    SrcPort   UInt16,
    DstPort   UInt16,
    Protocol  UInt8,
    FirstSeen DateTime64(3),
    LastSeen  DateTime64(3),
    Injected  Bool,
    Bytes     UInt32,
    Packets   UInt32
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (DstIP, Timestamp);
`

// historyStatement takes the latest counters of every flow seen toward a
// destination and totals them per source host.
const historyStatement = `
SELECT
    SrcIP,
    count() AS flows,
    sum(latest_bytes) AS total_bytes,
    sum(latest_packets) AS total_packets,
    min(first_seen) AS first_at,
    max(last_seen) AS last_at
FROM (
    SELECT
        SrcIP,
        argMax(Bytes, Timestamp) AS latest_bytes,
        argMax(Packets, Timestamp) AS latest_packets,
        min(FirstSeen) AS first_seen,
        max(LastSeen) AS last_seen
    FROM ` + Table + `
    WHERE DstIP = ? AND Timestamp >= ?
    GROUP BY SrcIP, SrcPort, DstPort, Protocol
)
GROUP BY SrcIP
ORDER BY total_bytes DESC
`

// SourceHistory totals what one source sent toward a destination across
// exported snapshots.
type SourceHistory struct {
	SrcIP     string    `json:"src_ip"`
	Flows     uint64    `json:"flows"`
	Bytes     uint64    `json:"bytes"`
	Packets   uint64    `json:"packets"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Querier defines the interface for querying exported flow history.
type Querier interface {
	DestinationHistory(ctx context.Context, dst netip.Addr, since time.Time) ([]SourceHistory, error)
	Close() error
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

// Connect opens and pings a ClickHouse connection.
func Connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return conn, nil
}

// DestinationHistory returns per-source totals for dst since the given time.
func (q *clickhouseQuerier) DestinationHistory(ctx context.Context, dst netip.Addr, since time.Time) ([]SourceHistory, error) {
	rows, err := q.conn.Query(ctx, historyStatement, dst.Unmap().String(), since)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []SourceHistory
	for rows.Next() {
		var h SourceHistory
		if err := rows.Scan(&h.SrcIP, &h.Flows, &h.Bytes, &h.Packets, &h.FirstSeen, &h.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan history result: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (q *clickhouseQuerier) Close() error {
	return q.conn.Close()
}
