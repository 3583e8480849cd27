package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"graspcell.ai/internal/sim/cell"
	"graspcell.ai/internal/sim/ledger"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files
// <baseDir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst. Each Write is flushed.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	clock   func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		clock:   time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.clock().UTC().Format("2006-01-02-15")
	if hour != w.curHour || w.w == nil {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// TickLogger writes one JSONL entry per cell tick. It implements
// cell.TickSink; write errors are counted, never returned to the tick.
type TickLogger struct {
	w      *JSONLZstdWriter
	mu     sync.Mutex
	failed int
	last   error
}

func NewTickLogger(runDir string) *TickLogger {
	return &TickLogger{w: NewJSONLZstdWriter(filepath.Join(runDir, "ticks"), "ticks")}
}

func (l *TickLogger) OnTick(s cell.Summary) {
	if err := l.w.Write(s); err != nil {
		l.mu.Lock()
		l.failed++
		l.last = err
		l.mu.Unlock()
	}
}

// Err reports how many writes failed and the last error.
func (l *TickLogger) Err() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed, l.last
}

func (l *TickLogger) Close() error { return l.w.Close() }

// OutcomeEntry is one judged grasp in the outcome log.
type OutcomeEntry struct {
	RunID string `json:"run_id"`
	Tick  uint64 `json:"tick"`
	ledger.Outcome
}

// OutcomeLogger keeps only the ticks that judged a grasp.
type OutcomeLogger struct{ w *JSONLZstdWriter }

func NewOutcomeLogger(runDir string) *OutcomeLogger {
	return &OutcomeLogger{w: NewJSONLZstdWriter(filepath.Join(runDir, "outcomes"), "outcomes")}
}

func (l *OutcomeLogger) OnTick(s cell.Summary) {
	for _, o := range s.Outcomes {
		_ = l.w.Write(OutcomeEntry{RunID: s.RunID, Tick: s.Tick, Outcome: o})
	}
}

func (l *OutcomeLogger) Close() error { return l.w.Close() }
