package indexdb

import (
	"context"
	"path/filepath"
	"testing"

	"graspcell.ai/internal/persistence/snapshot"
	"graspcell.ai/internal/sim/cell"
	"graspcell.ai/internal/sim/ledger"
	"graspcell.ai/internal/sim/task"
	"graspcell.ai/internal/sim/tuning"
)

type memSensors struct{ n int }

func (m *memSensors) WriteRecord(rec snapshot.Record) (string, error) {
	m.n++
	return filepath.Join("records", snapshot.Name(rec.Header.World, rec.Header.Episode, rec.Header.Step)), nil
}

func TestSQLiteIndex_IndexesRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenSQLite(path, "run-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.RecordRun(tuning.Defaults()); err != nil {
		t.Fatalf("record run: %v", err)
	}

	idx.OnTick(cell.Summary{RunID: "run-1", Tick: 7, Transitions: []task.Transition{
		{World: 0, From: task.Start, To: task.ChooseObject},
		{World: 2, From: task.Init, To: task.InitEnv},
	}})
	// Ticks without transitions are not indexed.
	idx.OnTick(cell.Summary{RunID: "run-1", Tick: 8})

	sink := &memSensors{}
	wrapped := idx.Sensors(sink)
	if _, err := wrapped.WriteRecord(snapshot.Record{Header: snapshot.Header{RunID: "run-1", World: 0, Tick: 7}}); err != nil {
		t.Fatalf("write record: %v", err)
	}
	if sink.n != 1 {
		t.Fatalf("wrapped sink not called")
	}

	rows := []ledger.Row{
		{World: 1, Episode: 0, Step: 3, Success: false, Reward: 0},
		{World: 0, Episode: 0, Step: 1, Success: true, Reward: 1},
	}
	if err := idx.Append(rows); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Re-exporting the same key replaces instead of duplicating.
	if err := idx.Append(rows[:1]); err != nil {
		t.Fatalf("append again: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err = OpenSQLite(path, "run-2")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()

	got, err := idx.Outcomes(ctx, "run-1")
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(got) != 2 || got[0].World != 0 || !got[0].Success || got[1].World != 1 || got[1].Success {
		t.Fatalf("unexpected outcomes: %+v", got)
	}
	for table, want := range map[string]int{"transitions": 2, "sensor_records": 1, "outcomes": 2} {
		n, err := idx.Count(ctx, table, "run-1")
		if err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != want {
			t.Fatalf("%s: got %d want %d", table, n, want)
		}
	}
	if n, _ := idx.Count(ctx, "transitions", "run-2"); n != 0 {
		t.Fatalf("run-2 should be empty, got %d", n)
	}
	if _, err := idx.Count(ctx, "runs; DROP TABLE runs", "run-1"); err == nil {
		t.Fatalf("expected unknown table error")
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick}

	s.OnTick(cell.Summary{Tick: 2, Transitions: []task.Transition{{World: 0, From: task.Start, To: task.ChooseObject}}})
	s.RecordSensor("/tmp/x.snap.zst", snapshot.Header{})

	st := s.Stats()
	if st.DropTickTotal != 1 || st.DropSensorTotal != 1 {
		t.Fatalf("drops: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_AppendAfterClose(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"), "run")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := idx.Append([]ledger.Row{{World: 0}}); err == nil {
		t.Fatalf("expected error after close")
	}
	// Best-effort writes are ignored once closed.
	idx.OnTick(cell.Summary{Transitions: []task.Transition{{}}})
}
