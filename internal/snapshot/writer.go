package snapshot

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"FlowGuard/internal/config"
	"FlowGuard/internal/factory"
	"FlowGuard/internal/model"
)

// TimestampLayout names snapshot directories and ClickHouse batches.
const TimestampLayout = "2006-01-02_15-04-05"

func init() {
	factory.RegisterWriter("gob", func(def config.WriterDef, interval time.Duration) (model.Writer, error) {
		if def.Gob.RootPath == "" {
			return nil, fmt.Errorf("gob writer needs a root_path")
		}
		return NewGobWriter(def.Gob.RootPath, interval), nil
	})
}

// SummaryData holds the metadata for a snapshot.
type SummaryData struct {
	TotalFlows   int    `json:"total_flows"`
	TotalBytes   uint64 `json:"total_bytes"`
	TotalPackets uint64 `json:"total_packets"`
	Destinations int    `json:"destinations"`
	Timestamp    string `json:"timestamp"`
}

// GobWriter handles writing flow cache snapshots to disk in gob format.
type GobWriter struct {
	rootPath string
	interval time.Duration
}

// NewGobWriter creates a new writer storing snapshots under rootPath.
func NewGobWriter(rootPath string, interval time.Duration) *GobWriter {
	return &GobWriter{rootPath: rootPath, interval: interval}
}

func (w *GobWriter) Name() string { return "gob" }

// GetInterval returns the configured snapshot interval for this writer.
func (w *GobWriter) GetInterval() time.Duration {
	return w.interval
}

func (w *GobWriter) Close() error { return nil }

// Write stores the flows of snapshot in <root>/<timestamp>/flows.dat together
// with a summary.json. An empty snapshot writes nothing.
func (w *GobWriter) Write(snapshot model.Snapshot, timestamp string) error {
	if len(snapshot.Flows) == 0 {
		return nil
	}

	// 1. Create timestamped directory
	snapshotDir := filepath.Join(w.rootPath, timestamp)
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	// 2. Write the flows
	filePath := filepath.Join(snapshotDir, "flows.dat")
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", filePath, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(snapshot.Flows); err != nil {
		return fmt.Errorf("failed to encode flows to gob for file '%s': %w", filePath, err)
	}

	// 3. Write the summary
	summary := Summarize(snapshot)
	summaryFilePath := filepath.Join(snapshotDir, "summary.json")
	summaryFile, err := os.Create(summaryFilePath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()

	jsonEncoder := json.NewEncoder(summaryFile)
	jsonEncoder.SetIndent("", "  ")
	if err := jsonEncoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}

// Summarize totals a snapshot.
func Summarize(snapshot model.Snapshot) SummaryData {
	dsts := make(map[[16]byte]struct{})
	s := SummaryData{
		TotalFlows: len(snapshot.Flows),
		Timestamp:  snapshot.TakenAt.UTC().Format(time.RFC3339),
	}
	for _, f := range snapshot.Flows {
		s.TotalBytes += uint64(f.Bytes)
		s.TotalPackets += uint64(f.Packets)
		dsts[f.DstIP.As16()] = struct{}{}
	}
	s.Destinations = len(dsts)
	return s
}

// ReadFlows decodes a flows.dat file.
func ReadFlows(path string) ([]model.FlowView, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var flows []model.FlowView
	if err := gob.NewDecoder(file).Decode(&flows); err != nil {
		return nil, fmt.Errorf("failed to decode gob file '%s': %w", path, err)
	}
	return flows, nil
}
