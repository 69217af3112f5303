package snapshot

import (
	"context"
	"fmt"
	"time"

	"FlowGuard/internal/config"
	"FlowGuard/internal/factory"
	"FlowGuard/internal/model"
	"FlowGuard/internal/query"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	log "github.com/sirupsen/logrus"
)

func init() {
	factory.RegisterWriter("clickhouse", func(def config.WriterDef, interval time.Duration) (model.Writer, error) {
		return NewClickHouseWriter(def.ClickHouse, interval)
	})
}

// ClickHouseWriter implements the model.Writer interface for ClickHouse.
type ClickHouseWriter struct {
	conn     driver.Conn
	interval time.Duration
}

// NewClickHouseWriter creates a new ClickHouse writer.
func NewClickHouseWriter(cfg config.ClickHouseConfig, interval time.Duration) (*ClickHouseWriter, error) {
	conn, err := query.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), query.CreateTableStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Println("Successfully connected to ClickHouse and ensured table exists.")

	return &ClickHouseWriter{conn: conn, interval: interval}, nil
}

func (w *ClickHouseWriter) Name() string { return "clickhouse" }

// GetInterval returns the configured snapshot interval for this writer.
func (w *ClickHouseWriter) GetInterval() time.Duration {
	return w.interval
}

// Write inserts every flow of snapshot as one batch.
func (w *ClickHouseWriter) Write(snapshot model.Snapshot, timestamp string) error {
	if len(snapshot.Flows) == 0 {
		return nil // Nothing to write
	}

	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO "+query.Table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	snapshotTime, err := time.ParseInLocation(TimestampLayout, timestamp, time.Local)
	if err != nil {
		snapshotTime = snapshot.TakenAt
	}

	for _, flow := range snapshot.Flows {
		err = batch.Append(
			snapshotTime,
			flow.DstIP.String(),
			flow.SrcIP.String(),
			flow.SrcPort,
			flow.DstPort,
			flow.Protocol,
			flow.FirstSeen,
			flow.LastSeen,
			flow.Injected,
			flow.Bytes,
			flow.Packets,
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append flow to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	log.Printf("Wrote %d flows to ClickHouse.", len(snapshot.Flows))
	return nil
}

func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
