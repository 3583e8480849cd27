// Package cell runs the batched pick-and-place loop: one Tick senses every
// world, steps the task machine, drives the controller and the engine,
// credits outcomes and issues resets, in that fixed order.
package cell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"graspcell.ai/internal/sim/batch"
	"graspcell.ai/internal/sim/frame"
	"graspcell.ai/internal/sim/grasp"
	"graspcell.ai/internal/sim/ledger"
	"graspcell.ai/internal/sim/readiness"
	"graspcell.ai/internal/sim/reset"
	"graspcell.ai/internal/sim/task"
	"graspcell.ai/internal/sim/tuning"
)

type Options struct {
	Engine     Engine
	Controller Controller
	Library    grasp.Loader
	Logger     *log.Logger

	// Optional sinks.
	Sensors SensorSink
	Results ledger.Store
	Sinks   []TickSink
}

type Cell struct {
	RunID string

	Engine     Engine
	Controller Controller
	Library    grasp.Loader
	Machine    *task.Machine
	Ledger     *ledger.Ledger
	Resets     *reset.Coordinator

	Sensors SensorSink
	Results ledger.Store
	Sinks   []TickSink

	tune    tuning.Tuning
	limits  readiness.Limits
	pool    batch.Pool
	classes []string
	bases   []frame.Pose
	logger  *log.Logger

	tick  atomic.Uint64
	views []view
	last  []Action
}

// view is one world's sensing in canonical form, robot base frame.
type view struct {
	ok      bool
	base    frame.Pose
	ee      frame.Pose
	joints  []float64
	objects []frame.Pose
	speeds  []float64
	raw     Sensed
}

func New(tune tuning.Tuning, opts Options) (*Cell, error) {
	if opts.Engine == nil || opts.Controller == nil || opts.Library == nil {
		return nil, errors.New("cell: engine, controller and library are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	n := tune.Worlds.Count
	bases := make([]frame.Pose, n)
	robot := tune.Worlds.Robot
	for i := range bases {
		o := tune.Worlds.Origin(i)
		bases[i] = frame.Pose{
			Pos: r3.Vec{X: o[0] + robot.BasePos[0], Y: o[1] + robot.BasePos[1], Z: o[2] + robot.BasePos[2]},
			Rot: frame.Normalize(quat.Number{Real: robot.BaseQuat[0], Imag: robot.BaseQuat[1], Jmag: robot.BaseQuat[2], Kmag: robot.BaseQuat[3]}),
		}
	}

	m := task.NewMachine(bases, len(tune.Objects), tune)
	m.Logger = logger
	resets := reset.New(opts.Engine, opts.Controller, m, tune, logger)

	c := &Cell{
		RunID:      uuid.NewString(),
		Engine:     opts.Engine,
		Controller: opts.Controller,
		Library:    opts.Library,
		Machine:    m,
		Ledger:     ledger.New(m, tune, resets, logger),
		Resets:     resets,
		Sensors:    opts.Sensors,
		Results:    opts.Results,
		Sinks:      opts.Sinks,
		tune:       tune,
		limits:     readiness.LimitsFrom(tune.Workspace),
		pool:       batch.Pool{Workers: tune.Workers},
		classes:    append([]string(nil), tune.Objects...),
		bases:      bases,
		logger:     logger,
		views:      make([]view, n),
		last:       make([]Action, n),
	}
	m.Choose = c.choose
	return c, nil
}

// Ticks is the number of completed ticks.
func (c *Cell) Ticks() uint64 { return c.tick.Load() }

// Tick runs one control period for every world.
func (c *Cell) Tick(ctx context.Context) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	n := c.Machine.Len()
	dt := c.tune.Timing.DT()

	// 1. Sense.
	raw, err := c.Engine.Sense(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("sense: %w", err)
	}
	if len(raw) != n {
		return Summary{}, fmt.Errorf("sense: got %d worlds, want %d", len(raw), n)
	}
	skipped := make([]bool, n)
	faults := make([]error, n)
	if err := c.pool.ForEach(ctx, n, func(_ context.Context, i int) error {
		v, err := c.perceive(i, raw[i])
		if err != nil {
			skipped[i], faults[i] = true, err
			c.views[i].ok = false
			return nil
		}
		c.views[i] = v
		return nil
	}); err != nil {
		return Summary{}, err
	}
	for _, err := range faults {
		if err != nil {
			c.logger.Printf("tick %d: %v", c.tick.Load(), err)
		}
	}

	// 2. Readiness.
	before := c.Machine.Worlds()
	rin := make([]readiness.Input, n)
	for i := range rin {
		rin[i] = readiness.Input{Skip: skipped[i], WaitTime: before[i].WaitTime}
		if !skipped[i] {
			rin[i].Objects = c.views[i].readinessObjects()
		}
	}
	ready, err := readiness.ClassifyBatch(ctx, c.pool, rin, c.limits)
	if err != nil {
		return Summary{}, err
	}

	// 3. State machine, with grasp selection on entering CHOOSE_OBJECT.
	tin := make([]task.Input, n)
	for i := range tin {
		tin[i] = task.Input{Skip: skipped[i], Readiness: ready[i], EE: c.views[i].ee}
	}
	transitions, err := c.Machine.Step(ctx, tin, dt)
	if err != nil {
		return Summary{}, err
	}

	// 4. Controller.
	actions, err := c.control(ctx, skipped)
	if err != nil {
		return Summary{}, err
	}

	// 5. Engine.
	if err := c.Engine.Apply(ctx, actions); err != nil {
		return Summary{}, fmt.Errorf("apply: %w", err)
	}
	if err := c.Engine.Step(ctx); err != nil {
		return Summary{}, fmt.Errorf("engine step: %w", err)
	}

	// 6. Outcomes and counters. Heights come from this tick's phase 1
	// sensing, so the judgement lags the engine step by one tick.
	heights := make([][]float64, n)
	for i := range heights {
		if skipped[i] {
			continue
		}
		heights[i] = make([]float64, len(c.views[i].objects))
		for k, p := range c.views[i].objects {
			heights[i][k] = p.Pos.Z
		}
	}
	outcomes := c.Ledger.Evaluate(ctx, heights)
	c.Ledger.Advance(transitions, skipped)

	// 7. Resets. Failures are logged by the coordinator and retried next tick.
	_ = c.Resets.Reset(ctx, c.Machine.InState(task.Init), c.Machine.InState(task.InitEnv))

	tick := c.tick.Add(1)
	for _, o := range outcomes {
		if o.Transition.From == task.Lift && o.Transition.To == task.Init {
			transitions = append(transitions, o.Transition)
		}
	}
	s := c.summarize(tick, float64(tick)*dt, transitions, outcomes, skipped)
	for _, sink := range c.Sinks {
		sink.OnTick(s)
	}
	if every := c.tune.Export.EveryTicks; every > 0 && tick%uint64(every) == 0 {
		c.ExportResults()
	}
	return s, nil
}

func (c *Cell) perceive(i int, s Sensed) (view, error) {
	for _, ch := range requiredChannels {
		if slices.Contains(s.Missing, ch) {
			return view{}, &SensorUnavailableError{World: i, Channel: ch}
		}
	}
	base := c.bases[i]
	if s.Base != ([7]float64{}) {
		base = frame.FromWXYZ(s.Base)
	}
	v := view{
		ok:      true,
		base:    base,
		ee:      frame.Subtract(base, frame.FromWXYZ(s.EE)),
		joints:  s.Joints,
		objects: make([]frame.Pose, len(s.Objects)),
		speeds:  make([]float64, len(s.Objects)),
		raw:     s,
	}
	for k, o := range s.Objects {
		v.objects[k] = frame.Subtract(base, frame.FromWXYZ(o.Pose))
		var sum float64
		for j := 0; j < 3; j++ {
			sum += math.Abs(o.LinVel[j]) + math.Abs(o.AngVel[j])
		}
		v.speeds[k] = sum / 6
	}
	return v, nil
}

func (v view) readinessObjects() []readiness.Object {
	out := make([]readiness.Object, len(v.objects))
	for k, p := range v.objects {
		out[k] = readiness.Object{Pos: p.Pos, Speed: v.speeds[k]}
	}
	return out
}

// control computes joint targets for every sensed world. Paused worlds get a
// zero relative command; skipped worlds repeat their previous action.
func (c *Cell) control(ctx context.Context, skipped []bool) ([]Action, error) {
	worlds := c.Machine.Worlds()
	var inputs []ControlInput
	for i, w := range worlds {
		if skipped[i] {
			continue
		}
		inputs = append(inputs, ControlInput{World: i, Desired: w.Desired.XYZW(), Joints: c.views[i].joints})
	}
	targets, err := c.Controller.Compute(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	if len(targets) != len(inputs) {
		return nil, fmt.Errorf("controller: got %d targets for %d worlds", len(targets), len(inputs))
	}

	home := c.tune.Worlds.Robot.InitJoints
	actions := make([]Action, len(worlds))
	for i := range actions {
		if c.last[i].Command == nil {
			c.last[i] = Action{World: i, Command: append(make([]float64, len(home)), float64(task.GripperOpen))}
		}
		actions[i] = c.last[i]
	}
	for k, in := range inputs {
		w := worlds[in.World]
		cmd := make([]float64, len(home)+1)
		if !w.State.Paused() {
			for j := range home {
				if j < len(targets[k]) {
					cmd[j] = targets[k][j] - home[j]
				}
			}
		}
		cmd[len(home)] = float64(w.Gripper)
		actions[in.World] = Action{World: in.World, Command: cmd}
	}
	copy(c.last, actions)
	return actions, nil
}

// Run ticks a fixed number of times.
func (c *Cell) Run(ctx context.Context, ticks int) error {
	for k := 0; k < ticks; k++ {
		if _, err := c.Tick(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Step ticks until at least one world enters CHOOSE_OBJECT, writes a sensor
// record for each of them and returns their indices. A world is reported
// once per visit, on the tick it enters.
func (c *Cell) Step(ctx context.Context) ([]int, error) {
	return c.StepWithin(ctx, 0)
}

// StepWithin is Step bounded to maxTicks ticks; zero means unbounded. It
// returns nil ids when the budget runs out first.
func (c *Cell) StepWithin(ctx context.Context, maxTicks int) ([]int, error) {
	for k := 0; maxTicks <= 0 || k < maxTicks; k++ {
		s, err := c.Tick(ctx)
		if err != nil {
			return nil, err
		}
		var ids []int
		for _, tr := range s.Transitions {
			if tr.To == task.ChooseObject {
				ids = append(ids, tr.World)
			}
		}
		if len(ids) > 0 {
			c.record(ids)
			return ids, nil
		}
	}
	return nil, nil
}

// ExportResults appends new outcomes to the result store. Failures are
// logged and the rows are retried on the next call.
func (c *Cell) ExportResults() int {
	if c.Results == nil {
		return 0
	}
	n, err := c.Ledger.Export(c.Results)
	if err != nil {
		c.logger.Printf("export results: %v", err)
		return 0
	}
	if n > 0 {
		c.logger.Printf("exported %d result rows", n)
	}
	return n
}
