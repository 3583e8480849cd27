package reset

import (
	"context"
	"errors"
	"slices"
	"testing"

	"graspcell.ai/internal/sim/frame"
	"graspcell.ai/internal/sim/grasp"
	"graspcell.ai/internal/sim/readiness"
	"graspcell.ai/internal/sim/task"
	"graspcell.ai/internal/sim/tuning"
)

type fakeEngine struct {
	bad       int
	robots    []int
	scenes    []int
	relocated map[[2]int][7]float64
}

func (f *fakeEngine) fail(ids []int) error {
	if slices.Contains(ids, f.bad) {
		return errors.New("engine rejected reset")
	}
	return nil
}

func (f *fakeEngine) ResetRobot(_ context.Context, ids []int) error {
	if err := f.fail(ids); err != nil {
		return err
	}
	f.robots = append(f.robots, ids...)
	return nil
}

func (f *fakeEngine) Randomize(_ context.Context, ids []int) error {
	if err := f.fail(ids); err != nil {
		return err
	}
	f.scenes = append(f.scenes, ids...)
	return nil
}

func (f *fakeEngine) Relocate(_ context.Context, w, slot int, pose [7]float64) error {
	if f.relocated == nil {
		f.relocated = map[[2]int][7]float64{}
	}
	f.relocated[[2]int{w, slot}] = pose
	return nil
}

type fakeController struct{ reset []int }

func (f *fakeController) Reset(ids []int) error {
	f.reset = append(f.reset, ids...)
	return nil
}

// liftThenConclude drives the given worlds of m through the task cycle and
// forces them back to INIT. Every other world stays in START.
func liftThenConclude(t *testing.T, m *task.Machine, ids ...int) {
	t.Helper()
	m.Choose = func(context.Context, *task.World, task.Input) (grasp.Selection, error) {
		return grasp.Selection{Slot: 0}, nil
	}
	inputs := make([]task.Input, m.Len())
	for _, id := range ids {
		inputs[id].Readiness = readiness.Result{Ready: true, Reachable: true, StableAll: true}
	}
	for k := 0; k < 120; k++ {
		if _, err := m.Step(context.Background(), inputs, 0.02); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	for _, id := range ids {
		if _, ok := m.Conclude(id); !ok {
			t.Fatalf("world %d not in LIFT: %s", id, m.World(id).State)
		}
	}
}

func newMachine(n int) (*task.Machine, tuning.Tuning) {
	tune := tuning.Defaults()
	tune.Worlds.Count = n
	bases := make([]frame.Pose, n)
	for i := range bases {
		bases[i] = frame.Identity()
	}
	return task.NewMachine(bases, 1, tune), tune
}

func TestReset_OnlyTouchesRequestedWorlds(t *testing.T) {
	m, tune := newMachine(8)
	liftThenConclude(t, m, 3)
	eng, ctrl := &fakeEngine{bad: -1}, &fakeController{}
	c := New(eng, ctrl, m, tune, nil)

	if err := c.Reset(context.Background(), m.InState(task.Init), nil); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !slices.Equal(eng.robots, []int{3}) || !slices.Equal(ctrl.reset, []int{3}) {
		t.Fatalf("expected only world 3 reset, engine=%v controller=%v", eng.robots, ctrl.reset)
	}
	w := m.World(3)
	if !w.RobotReset || w.HasGrasp || w.ChosenObject != -1 {
		t.Fatalf("world 3 not reset: %+v", w)
	}
	for i := 0; i < 8; i++ {
		if i != 3 && m.World(i).State != task.Start {
			t.Fatalf("world %d disturbed: %s", i, m.World(i).State)
		}
	}

	// A second call in the same visit is a no-op.
	if err := c.Reset(context.Background(), []int{3}, nil); err != nil || len(eng.robots) != 1 {
		t.Fatalf("reset issued twice: %v %v", eng.robots, err)
	}
}

func TestReset_FailureIsConfinedAndRetried(t *testing.T) {
	m, tune := newMachine(4)
	liftThenConclude(t, m, 1, 2)
	eng := &fakeEngine{bad: 2}
	c := New(eng, &fakeController{}, m, tune, nil)

	err := c.Reset(context.Background(), []int{1, 2}, nil)
	var we *WorldError
	if !errors.As(err, &we) || we.World != 2 {
		t.Fatalf("expected WorldError for world 2, got %v", err)
	}
	if !m.World(1).RobotReset || m.World(2).RobotReset {
		t.Fatalf("flags: w1=%v w2=%v", m.World(1).RobotReset, m.World(2).RobotReset)
	}

	eng.bad = -1
	if err := c.Reset(context.Background(), []int{1, 2}, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !slices.Equal(eng.robots, []int{1, 2}) {
		t.Fatalf("retry should only reset world 2 again: %v", eng.robots)
	}
}

func TestReset_RandomizesInitEnvWorlds(t *testing.T) {
	m, tune := newMachine(2)
	liftThenConclude(t, m, 0)
	eng := &fakeEngine{bad: -1}
	c := New(eng, &fakeController{}, m, tune, nil)
	if err := c.Reset(context.Background(), []int{0}, nil); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := m.Step(context.Background(), make([]task.Input, 2), 0.02); err != nil {
		t.Fatalf("step: %v", err)
	}
	if s := m.World(0).State; s != task.InitEnv {
		t.Fatalf("expected INIT_ENV, got %s", s)
	}
	if err := c.Reset(context.Background(), nil, m.InState(task.InitEnv)); err != nil {
		t.Fatalf("randomize: %v", err)
	}
	if !slices.Equal(eng.scenes, []int{0}) || !m.World(0).EnvReset {
		t.Fatalf("scene not randomised: %v", eng.scenes)
	}
}

func TestRelocate_UsesWorldDropPose(t *testing.T) {
	m, tune := newMachine(4)
	eng := &fakeEngine{bad: -1}
	c := New(eng, nil, m, tune, nil)
	if err := c.Relocate(context.Background(), 2, 1); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	got := eng.relocated[[2]int{2, 1}]
	o, d := tune.Worlds.Origin(2), tune.Rewards.DropPos
	if got[0] != o[0]+d[0] || got[1] != o[1]+d[1] || got[2] != o[2]+d[2] || got[3] != 1 {
		t.Fatalf("drop pose: %v", got)
	}
}
