package cell_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"graspcell.ai/internal/persistence/snapshot"
	"graspcell.ai/internal/sim/cell"
	"graspcell.ai/internal/sim/frame"
	"graspcell.ai/internal/sim/grasp"
	"graspcell.ai/internal/sim/kinematic"
	"graspcell.ai/internal/sim/ledger"
	"graspcell.ai/internal/sim/task"
	"graspcell.ai/internal/sim/tuning"
)

type tickLog struct {
	mu  sync.Mutex
	all []cell.Summary
}

func (l *tickLog) OnTick(s cell.Summary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, s)
}

func (l *tickLog) transitions(world int) []task.Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []task.Transition
	for _, s := range l.all {
		for _, tr := range s.Transitions {
			if tr.World == world {
				out = append(out, tr)
			}
		}
	}
	return out
}

type memStore struct{ rows []ledger.Row }

func (m *memStore) Append(rows []ledger.Row) error {
	m.rows = append(m.rows, rows...)
	return nil
}

type harness struct {
	cell    *cell.Cell
	engine  *kinematic.Engine
	ticks   *tickLog
	records string
	results *memStore
}

func newHarness(t *testing.T, worlds int) *harness {
	t.Helper()
	tune := tuning.Defaults()
	tune.Worlds.Count = worlds
	tune.Objects = []string{"cracker_box"}
	tune.Export.EveryTicks = 0

	eng, err := kinematic.New(tune, kinematic.DefaultConfig(tune))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	h := &harness{engine: eng, ticks: &tickLog{}, records: t.TempDir(), results: &memStore{}}
	h.cell, err = cell.New(tune, cell.Options{
		Engine:     eng,
		Controller: kinematic.Controller{},
		Library:    grasp.NewDirLibrary("../../../configs/grasps"),
		Sensors:    snapshot.Dir{Path: h.records},
		Results:    h.results,
		Sinks:      []cell.TickSink{h.ticks},
	})
	if err != nil {
		t.Fatalf("cell: %v", err)
	}
	return h
}

// untilOutcome ticks until world w is judged and returns the outcome.
func (h *harness) untilOutcome(t *testing.T, w, budget int) ledger.Outcome {
	t.Helper()
	for k := 0; k < budget; k++ {
		s, err := h.cell.Tick(context.Background())
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
		for _, o := range s.Outcomes {
			if o.World == w {
				return o
			}
		}
	}
	t.Fatalf("world %d not judged within %d ticks (state %s)", w, budget, h.cell.Machine.World(w).State)
	return ledger.Outcome{}
}

func TestEndToEnd_PickAndLiftCreditsOnce(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	ids, err := h.cell.StepWithin(ctx, 500)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(ids) != 1 || ids[0] != 0 {
		t.Fatalf("expected world 0 at a decision point, got %v", ids)
	}
	w := h.cell.Machine.World(0)
	if w.ChosenObject != 0 || !w.HasGrasp {
		t.Fatalf("no committed grasp: %+v", w)
	}

	files, _ := filepath.Glob(filepath.Join(h.records, "env_0_epi_0_step_*_data"+snapshot.Ext))
	if len(files) != 1 {
		t.Fatalf("expected one sensor record, got %v", files)
	}
	rec, err := snapshot.Read(files[0])
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if len(rec.Objects) != 1 || rec.Objects[0].Class != "cracker_box" {
		t.Fatalf("record objects: %+v", rec.Objects)
	}
	if x := rec.Objects[0].Pose[0]; x < 40 || x > 70 {
		t.Fatalf("object position should be in centimetres, x=%v", x)
	}

	out := h.untilOutcome(t, 0, 400)
	if !out.Success {
		t.Fatalf("expected a successful grasp: %+v", out)
	}

	want := []task.Transition{
		{World: 0, From: task.Start, To: task.ChooseObject},
		{World: 0, From: task.ChooseObject, To: task.Approach},
		{World: 0, From: task.Approach, To: task.Grasp},
		{World: 0, From: task.Grasp, To: task.Lift},
		{World: 0, From: task.Lift, To: task.Init},
	}
	got := h.ticks.transitions(0)
	if len(got) != len(want) {
		t.Fatalf("transitions: got %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d: got %+v want %+v", i, got[i], want[i])
		}
	}

	w = h.cell.Machine.World(0)
	if w.ChosenObject != -1 || w.HasGrasp || !w.Cleared {
		t.Fatalf("chosen object not cleared: %+v", w)
	}
	if h.engine.Holding(0) != -1 {
		t.Fatalf("gripper still holds the object")
	}
	if p := h.engine.ObjectPose(0, 0).Pos; math.Abs(p.Y-(-1)) > 1e-9 {
		t.Fatalf("object not moved to the drop pose: %+v", p)
	}

	// Back through INIT and INIT_ENV; the episode rolls over exactly once.
	if err := h.cell.Run(ctx, 10); err != nil {
		t.Fatalf("run: %v", err)
	}
	w = h.cell.Machine.World(0)
	if w.State != task.Start || w.Episode != 1 || w.Cleared {
		t.Fatalf("expected episode 1 in START, got %+v", w)
	}
	if tot := h.cell.Ledger.Totals()[0]; tot.Successes != 1 || tot.Attempts != 1 || tot.Reward != 1 {
		t.Fatalf("expected exactly one credit, got %+v", tot)
	}

	if n := h.cell.ExportResults(); n != 1 || len(h.results.rows) != 1 || !h.results.rows[0].Success {
		t.Fatalf("export: n=%d rows=%+v", n, h.results.rows)
	}
	if n := h.cell.ExportResults(); n != 0 {
		t.Fatalf("second export wrote %d rows", n)
	}
}

func TestResetIsolation_WorldThreeOfEight(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()

	// Park every object except world 3's out of reach so only world 3 works.
	for w := 0; w < 8; w++ {
		if w == 3 {
			continue
		}
		if err := h.engine.Relocate(ctx, w, 0, h.cell.Resets.DropPose(w).WXYZ()); err != nil {
			t.Fatalf("relocate: %v", err)
		}
	}

	ids, err := h.cell.StepWithin(ctx, 500)
	if err != nil || len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("expected only world 3 to choose, got %v %v", ids, err)
	}
	parked := make([]frame.Pose, 8)
	for w := range parked {
		parked[w] = h.engine.ObjectPose(w, 0)
	}

	if out := h.untilOutcome(t, 3, 400); !out.Success {
		t.Fatalf("world 3 failed: %+v", out)
	}
	if err := h.cell.Run(ctx, 10); err != nil {
		t.Fatalf("run: %v", err)
	}
	if w := h.cell.Machine.World(3); w.State != task.Start || w.Episode != 1 {
		t.Fatalf("world 3 should be back in START for episode 1: %+v", w)
	}

	ticks := float64(h.cell.Ticks())
	dt := tuning.Defaults().Timing.DT()
	for w := 0; w < 8; w++ {
		if w == 3 {
			continue
		}
		world := h.cell.Machine.World(w)
		if world.State != task.Start || world.Episode != 0 {
			t.Fatalf("world %d disturbed: %s episode %d", w, world.State, world.Episode)
		}
		if math.Abs(world.WaitTime-ticks*dt) > 1e-6 {
			t.Fatalf("world %d timer was reset or paused: wait=%v ticks=%v", w, world.WaitTime, ticks)
		}
		if frame.Distance(h.engine.ObjectPose(w, 0), parked[w]) > 1e-9 {
			t.Fatalf("world %d scene was re-randomised", w)
		}
		if len(h.ticks.transitions(w)) != 0 {
			t.Fatalf("world %d moved: %+v", w, h.ticks.transitions(w))
		}
	}
}

func TestSensorUnavailable_SkipsOnlyThatWorld(t *testing.T) {
	h := newHarness(t, 2)
	h.engine.DropChannel(1, cell.ChannelEE, 3)
	h.engine.DropChannel(0, cell.ChannelDepth, 3)
	for k := 0; k < 5; k++ {
		s, err := h.cell.Tick(context.Background())
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
		if skipped := len(s.Skipped) == 1 && s.Skipped[0] == 1; skipped != (k < 3) {
			t.Fatalf("tick %d: skipped=%v", k, s.Skipped)
		}
	}
	dt := tuning.Defaults().Timing.DT()
	w0, w1 := h.cell.Machine.World(0), h.cell.Machine.World(1)
	if math.Abs(w0.WaitTime-5*dt) > 1e-9 || math.Abs(w1.WaitTime-2*dt) > 1e-9 {
		t.Fatalf("timers: w0=%v w1=%v", w0.WaitTime, w1.WaitTime)
	}
	if w0.Step != 5 || w1.Step != 2 {
		t.Fatalf("steps: w0=%d w1=%d", w0.Step, w1.Step)
	}
}

func TestStep_AbortsOnCanceledContext(t *testing.T) {
	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.cell.Step(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStepWithin_ReportsEachVisitOnce(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	ids, err := h.cell.StepWithin(ctx, 500)
	if err != nil || len(ids) != 1 {
		t.Fatalf("first decision point: %v %v", ids, err)
	}
	// Still inside CHOOSE_OBJECT's hold time; the visit was already reported.
	ids, err = h.cell.StepWithin(ctx, 3)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if s := h.cell.Machine.World(0).State; s != task.ChooseObject {
		t.Fatalf("setup: expected CHOOSE_OBJECT, got %s", s)
	}
	if ids != nil {
		t.Fatalf("world re-reported while still in CHOOSE_OBJECT: %v", ids)
	}
	files, _ := filepath.Glob(filepath.Join(h.records, "*"+snapshot.Ext))
	if len(files) != 1 {
		t.Fatalf("expected a single sensor record, got %v", files)
	}
}

func TestStepWithin_BudgetExhausted(t *testing.T) {
	h := newHarness(t, 1)
	ids, err := h.cell.StepWithin(context.Background(), 5)
	if err != nil || ids != nil {
		t.Fatalf("expected no decision within 5 ticks, got %v %v", ids, err)
	}
	if h.cell.Ticks() != 5 {
		t.Fatalf("ticks: %d", h.cell.Ticks())
	}
}

func TestStatus_CountsStates(t *testing.T) {
	h := newHarness(t, 3)
	st := h.cell.Status()
	if st.States["START"] != 3 || st.States["LIFT"] != 0 || st.RunID == "" {
		t.Fatalf("status: %+v", st)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := cell.New(tuning.Defaults(), cell.Options{}); err == nil {
		t.Fatalf("expected error")
	}
}
