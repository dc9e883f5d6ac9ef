package report

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

type record struct {
	Type    string   `json:"type"`
	Tick    *Tick    `json:"tick,omitempty"`
	Summary *Summary `json:"summary,omitempty"`
}

// Writer appends ticks and summaries as JSON lines and keeps the most recent
// summary in a separate file.
type Writer struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	last   *SummaryStore
	logger *slog.Logger
}

// Open appends to path, or writes to stdout when path is "-". An empty
// summaryPath disables the last-run file.
func Open(path, summaryPath string, logger *slog.Logger) (*Writer, error) {
	var out io.Writer
	var closer io.Closer
	if path == "-" {
		out = os.Stdout
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		out, closer = f, f
	}
	w := NewWriter(out, logger)
	w.closer = closer
	if summaryPath != "" {
		w.last = NewSummaryStore(summaryPath)
	}
	return w, nil
}

func NewWriter(out io.Writer, logger *slog.Logger) *Writer {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc, logger: logger}
}

func (w *Writer) WriteTick(t Tick) error {
	return w.encode(record{Type: "tick", Tick: &t})
}

func (w *Writer) WriteSummary(s Summary) error {
	if err := w.encode(record{Type: "summary", Summary: &s}); err != nil {
		return err
	}
	if w.last != nil {
		if err := w.last.Save(s); err != nil {
			return fmt.Errorf("save last run: %w", err)
		}
	}
	return nil
}

func (w *Writer) encode(r record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(r); err != nil {
		w.logger.Error("report encode failed", "type", r.Type, "error", err)
		return err
	}
	return nil
}

func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}
