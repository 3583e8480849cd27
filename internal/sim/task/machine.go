// Package task holds the per-world pick-and-place state machine. One Step
// advances every world by one control period.
package task

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"graspcell.ai/internal/sim/batch"
	"graspcell.ai/internal/sim/frame"
	"graspcell.ai/internal/sim/grasp"
	"graspcell.ai/internal/sim/readiness"
	"graspcell.ai/internal/sim/tuning"
)

// World is the mutable task state of one environment.
type World struct {
	ID   int
	Base frame.Pose

	State    State
	WaitTime float64
	Episode  int
	Step     int

	// ChosenObject is the committed object slot, or -1.
	ChosenObject int
	Committed    grasp.Selection
	HasGrasp     bool

	Desired frame.Pose
	Gripper Gripper
	// Hold is the end-effector pose kept while paused or choosing.
	Hold frame.Pose
	// EE is the last sensed end-effector pose.
	EE frame.Pose

	// Cooldowns holds, per object slot, the seconds left before the slot may
	// be chosen again after a failed selection.
	Cooldowns []float64
	// Cleared marks a success awaiting the episode rollover.
	Cleared bool

	RobotReset bool
	EnvReset   bool
}

// Cooling reports whether slot is still cooling down.
func (w *World) Cooling(slot int) bool {
	return slot >= 0 && slot < len(w.Cooldowns) && w.Cooldowns[slot] > 0
}

func (w World) clone() World {
	w.Cooldowns = append([]float64(nil), w.Cooldowns...)
	return w
}

// Input is what the machine sees of one world on a tick.
type Input struct {
	// Skip holds the world unchanged (sensing failed).
	Skip      bool
	Readiness readiness.Result
	EE        frame.Pose
}

// ChooseFunc runs grasp selection for a world entering CHOOSE_OBJECT. It
// receives a read-only view of the world. On failure it still reports the
// attempted slot (or -1) in the returned selection so the slot can cool down.
type ChooseFunc func(ctx context.Context, w *World, in Input) (grasp.Selection, error)

type Machine struct {
	Phases   tuning.Phases
	Cooldown float64
	Pool     batch.Pool
	Choose   ChooseFunc
	Logger   *log.Logger

	mu     sync.RWMutex
	worlds []World
}

// NewMachine creates one world per base pose, all in START with no object
// chosen.
func NewMachine(bases []frame.Pose, slots int, tune tuning.Tuning) *Machine {
	m := &Machine{
		Phases:   tune.Phases,
		Cooldown: tune.Grasp.NoCandidateCooldown,
		Pool:     batch.Pool{Workers: tune.Workers},
		Logger:   log.New(io.Discard, "", 0),
		worlds:   make([]World, len(bases)),
	}
	for i, b := range bases {
		m.worlds[i] = World{
			ID:           i,
			Base:         b,
			State:        Start,
			ChosenObject: -1,
			Gripper:      GripperOpen,
			Cooldowns:    make([]float64, slots),
		}
	}
	return m
}

func (m *Machine) Len() int { return len(m.worlds) }

// World returns a copy of world i.
func (m *Machine) World(i int) World {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.worlds[i].clone()
}

// Worlds returns a copy of every world.
func (m *Machine) Worlds() []World {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]World, len(m.worlds))
	for i := range m.worlds {
		out[i] = m.worlds[i].clone()
	}
	return out
}

// InState lists the worlds currently in s, in index order.
func (m *Machine) InState(s State) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int
	for i := range m.worlds {
		if m.worlds[i].State == s {
			ids = append(ids, i)
		}
	}
	return ids
}

// Step advances every world by dt seconds and returns the transitions taken,
// ordered by world. Worlds are stepped on copies and committed together, so
// an error leaves every world as it was.
func (m *Machine) Step(ctx context.Context, inputs []Input, dt float64) ([]Transition, error) {
	if len(inputs) != len(m.worlds) {
		return nil, errors.New("task: input count does not match world count")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]World, len(m.worlds))
	taken := make([]Transition, len(m.worlds))
	moved := make([]bool, len(m.worlds))
	err := m.Pool.ForEach(ctx, len(m.worlds), func(ctx context.Context, i int) error {
		next[i] = m.worlds[i].clone()
		if inputs[i].Skip {
			return nil
		}
		from := next[i].State
		if m.stepWorld(ctx, &next[i], inputs[i], dt) {
			taken[i] = Transition{World: i, From: from, To: next[i].State}
			moved[i] = true
		}
		return nil
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	copy(m.worlds, next)

	var out []Transition
	for i, ok := range moved {
		if ok {
			out = append(out, taken[i])
		}
	}
	return out, nil
}

func (m *Machine) stepWorld(ctx context.Context, w *World, in Input, dt float64) bool {
	w.EE = in.EE
	if w.Hold.IsZero() {
		w.Hold = in.EE
	}
	w.WaitTime += dt
	for s := range w.Cooldowns {
		if w.Cooldowns[s] > 0 {
			w.Cooldowns[s] -= dt
			if w.Cooldowns[s] < 0 {
				w.Cooldowns[s] = 0
			}
		}
	}

	m.emit(w)

	to, ok := m.exit(ctx, w, in)
	if !ok {
		return false
	}
	return m.enter(w, to)
}

func (m *Machine) emit(w *World) {
	p := m.Phases
	switch w.State {
	case Approach:
		w.Desired, w.Gripper = w.Committed.PreGrasp, GripperOpen
	case Grasp:
		w.Desired, w.Gripper = w.Committed.Grasp, GripperClosed
	case Lift:
		w.Desired, w.Gripper = frame.Offset(w.Committed.Grasp, 0, 0, p.LiftHeight), GripperClosed
	default:
		w.Desired, w.Gripper = w.Hold, GripperOpen
	}
}

func (m *Machine) exit(ctx context.Context, w *World, in Input) (State, bool) {
	p := m.Phases
	switch w.State {
	case Init:
		return InitEnv, w.RobotReset
	case InitEnv:
		return Start, w.EnvReset
	case Start:
		if !in.Readiness.Ready {
			return Start, false
		}
		return ChooseObject, m.choose(ctx, w, in)
	case ChooseObject:
		return Approach, w.WaitTime >= p.ChooseTime
	case Approach:
		if w.WaitTime >= p.ApproachTimeout {
			return Grasp, true
		}
		reached := frame.Distance(w.EE, w.Committed.PreGrasp) <= p.ReachTolerance
		return Grasp, reached && w.WaitTime >= p.ApproachTime
	case Grasp:
		return Lift, w.WaitTime >= p.GraspTime
	}
	return w.State, false
}

// choose runs the CHOOSE_OBJECT on-enter hook. A failure keeps the world in
// START with its timer restarted.
func (m *Machine) choose(ctx context.Context, w *World, in Input) bool {
	if m.Choose == nil {
		w.WaitTime = 0
		return false
	}
	sel, err := m.Choose(ctx, w, in)
	if err != nil {
		if sel.Slot >= 0 && sel.Slot < len(w.Cooldowns) {
			w.Cooldowns[sel.Slot] = m.Cooldown
		}
		w.WaitTime = 0
		m.Logger.Printf("env %d: grasp selection failed: %v", w.ID, err)
		return false
	}
	w.Committed, w.HasGrasp = sel, true
	w.ChosenObject = sel.Slot
	return true
}

func (m *Machine) enter(w *World, to State) bool {
	if !CanTransition(w.State, to) {
		m.Logger.Printf("env %d: illegal transition %s -> %s rejected", w.ID, w.State, to)
		return false
	}
	w.State = to
	w.WaitTime = 0
	switch to {
	case Init:
		w.RobotReset = false
	case InitEnv:
		w.EnvReset = false
	}
	if to.Paused() || to == ChooseObject {
		w.Hold = w.EE
	}
	return true
}

func (m *Machine) with(i int, fn func(w *World)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.worlds[i])
}

// Conclude forces world i back to INIT after its outcome was recorded. It
// reports the transition, or false when the world was not in LIFT.
func (m *Machine) Conclude(i int) (Transition, bool) {
	var tr Transition
	var ok bool
	m.with(i, func(w *World) {
		from := w.State
		if ok = m.enter(w, Init); ok {
			tr = Transition{World: i, From: from, To: Init}
		}
	})
	return tr, ok
}

func (m *Machine) SetCounters(i, episode, step int) {
	m.with(i, func(w *World) { w.Episode, w.Step = episode, step })
}

// ClearGrasp drops the committed grasp and chosen object of world i.
func (m *Machine) ClearGrasp(i int) {
	m.with(i, func(w *World) {
		w.ChosenObject = -1
		w.Committed, w.HasGrasp = grasp.Selection{}, false
	})
}

func (m *Machine) SetCleared(i int, cleared bool) {
	m.with(i, func(w *World) { w.Cleared = cleared })
}

// MarkRobotReset records that the robot reset for world i's current INIT
// visit was issued.
func (m *Machine) MarkRobotReset(i int) {
	m.with(i, func(w *World) { w.RobotReset = true })
}

func (m *Machine) MarkEnvReset(i int) {
	m.with(i, func(w *World) { w.EnvReset = true })
}
