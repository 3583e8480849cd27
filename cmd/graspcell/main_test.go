package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"

	persistlog "graspcell.ai/internal/persistence/log"
	"graspcell.ai/internal/persistence/results"
	"graspcell.ai/internal/persistence/snapshot"
	"graspcell.ai/internal/sim/cell"
	"graspcell.ai/internal/sim/grasp"
	"graspcell.ai/internal/sim/kinematic"
	"graspcell.ai/internal/sim/ledger"
	"graspcell.ai/internal/sim/task"
	"graspcell.ai/internal/sim/tuning"
)

func TestWriteMetrics_PrometheusText(t *testing.T) {
	var buf bytes.Buffer
	writeMetrics(&buf, cell.Status{
		RunID:  "r1",
		Tick:   42,
		States: map[string]int{"START": 3, "LIFT": 1},
		Totals: []ledger.Totals{{Attempts: 2, Successes: 1, Reward: 1}},
	})
	out := buf.String()
	for _, want := range []string{
		`graspcell_tick{run="r1"} 42`,
		`graspcell_worlds{state="LIFT"} 1`,
		`graspcell_worlds{state="START"} 3`,
		`graspcell_grasp_attempts_total{env="0"} 2`,
		`graspcell_grasp_successes_total{env="0"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, `state="LIFT"`) > strings.Index(out, `state="START"`) {
		t.Fatalf("states must be sorted")
	}
}

type failingStore struct {
	err   error
	calls int
}

func (f *failingStore) Append([]ledger.Row) error {
	f.calls++
	return f.err
}

func TestExportStores_MirrorFailureDoesNotFailExport(t *testing.T) {
	boom := errors.New("boom")
	path := filepath.Join(t.TempDir(), "r.csv")
	mirror := &failingStore{err: boom}
	s := &exportStores{primary: results.NewCSV(path), mirrors: []ledger.Store{mirror}, logger: log.New(io.Discard, "", 0)}

	if err := s.Append([]ledger.Row{{World: 0, Reward: 1}}); err != nil {
		t.Fatalf("mirror errors must not fail the export: %v", err)
	}
	if mirror.calls != 1 {
		t.Fatalf("mirror calls: %d", mirror.calls)
	}

	primary := &failingStore{err: boom}
	s = &exportStores{primary: primary, mirrors: []ledger.Store{mirror}}
	if err := s.Append([]ledger.Row{{World: 0}}); !errors.Is(err, boom) {
		t.Fatalf("expected primary error, got %v", err)
	}
	if mirror.calls != 1 {
		t.Fatalf("mirrors must not see rows the primary rejected")
	}
}

func TestInspect_TickLogAndResults(t *testing.T) {
	dir := t.TempDir()
	tl := persistlog.NewTickLogger(dir)
	tl.OnTick(cell.Summary{RunID: "r1", Tick: 1, Transitions: []task.Transition{{World: 0, From: task.Init, To: task.InitEnv}}})
	tl.OnTick(cell.Summary{RunID: "r1", Tick: 2, Outcomes: []ledger.Outcome{{World: 0, Success: true}}, Skipped: []int{1}})
	if err := tl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "ticks", "*.jsonl.zst"))
	if len(files) != 1 {
		t.Fatalf("tick files: %v", files)
	}

	var buf bytes.Buffer
	if err := inspect(&buf, files[0], false); err != nil {
		t.Fatalf("inspect ticks: %v", err)
	}
	for _, want := range []string{"run:         r1", "ticks:       2 (1..2)", "transitions: 1", "grasps:      1/1"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("missing %q in:\n%s", want, buf.String())
		}
	}

	csvPath := filepath.Join(dir, "results.csv")
	if err := results.NewCSV(csvPath).Append([]ledger.Row{{World: 1, Reward: 1}, {World: 1, Step: 1}}); err != nil {
		t.Fatalf("csv: %v", err)
	}
	buf.Reset()
	if err := inspect(&buf, csvPath, false); err != nil {
		t.Fatalf("inspect csv: %v", err)
	}
	if !strings.Contains(buf.String(), "env 1: 1/2") {
		t.Fatalf("csv summary:\n%s", buf.String())
	}

	if err := inspect(io.Discard, filepath.Join(dir, "x.txt"), false); err == nil {
		t.Fatalf("expected error for unknown file type")
	}
}

func TestInspect_RecordOmitsDepthByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), snapshot.Name(2, 0, 1))
	rec := snapshot.Record{
		Header: snapshot.Header{RunID: "r1", World: 2, Step: 1},
		DepthW: 2, DepthH: 1, Depth: []float32{0.5, 0.75},
	}
	if err := snapshot.Write(path, rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	var buf bytes.Buffer
	if err := inspect(&buf, path, false); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if strings.Contains(buf.String(), `"depth":`) || !strings.Contains(buf.String(), `"world": 2`) {
		t.Fatalf("record output:\n%s", buf.String())
	}
	buf.Reset()
	if err := inspect(&buf, path, true); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(buf.String(), `"depth":`) {
		t.Fatalf("depth requested but missing:\n%s", buf.String())
	}
}

func TestLoop_StopsAtTickBudget(t *testing.T) {
	tune := tuning.Defaults()
	tune.Worlds.Count = 2
	engine, err := kinematic.New(tune, kinematic.DefaultConfig(tune))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	c, err := cell.New(tune, cell.Options{
		Engine:     engine,
		Controller: kinematic.Controller{},
		Library:    grasp.NewDirLibrary("../../configs/grasps"),
		Sensors:    snapshot.Dir{Path: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("cell: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	if err := loop(context.Background(), c, 120, logger); err != nil {
		t.Fatalf("loop: %v", err)
	}
	if got := c.Ticks(); got != 120 {
		t.Fatalf("ticks: got %d want 120", got)
	}
}
