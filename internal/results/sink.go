package results

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink consumes finished experiments.
type Sink interface {
	Write(ctx context.Context, exp *ExperimentData) error
	Close() error
}

// MemorySink keeps every experiment in memory, for tests and summaries.
type MemorySink struct {
	mu          sync.Mutex
	experiments []*ExperimentData
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Write(_ context.Context, exp *ExperimentData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.experiments = append(m.experiments, exp)
	return nil
}

func (m *MemorySink) Close() error {
	return nil
}

// Experiments returns what has been written so far.
func (m *MemorySink) Experiments() []*ExperimentData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ExperimentData(nil), m.experiments...)
}

// JSONWriter writes each experiment to
// <dir>/exp_<timestamp>_<topology>_<n>nodes_<run>/experiment_data.json,
// where <run> is the leading part of the run id.
type JSONWriter struct {
	Dir string
	now func() time.Time
}

func NewJSONWriter(dir string) *JSONWriter {
	return &JSONWriter{Dir: dir, now: time.Now}
}

// Write refuses to replace an existing experiment_data.json.
func (w *JSONWriter) Write(_ context.Context, exp *ExperimentData) error {
	outDir := filepath.Join(w.Dir, fmt.Sprintf("exp_%s_%s_%dnodes_%s",
		w.now().Format("20060102_150405"), exp.TopologyType, exp.NodeCount, shortRunID(exp.RunID)))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create results dir %s: %w", outDir, err)
	}

	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal experiment %s: %w", exp.RunID, err)
	}
	path := filepath.Join(outDir, "experiment_data.json")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (w *JSONWriter) Close() error {
	return nil
}
