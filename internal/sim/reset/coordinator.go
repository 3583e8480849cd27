// Package reset issues robot and scene resets for worlds re-entering the
// task cycle, without pausing the rest of the batch.
package reset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"gonum.org/v1/gonum/spatial/r3"

	"graspcell.ai/internal/sim/frame"
	"graspcell.ai/internal/sim/task"
	"graspcell.ai/internal/sim/tuning"
)

// Engine is the subset of the simulation engine the coordinator drives.
type Engine interface {
	ResetRobot(ctx context.Context, ids []int) error
	Randomize(ctx context.Context, ids []int) error
	// Relocate teleports an object; pose is in the engine layout
	// (x, y, z, qw, qx, qy, qz) and the global frame.
	Relocate(ctx context.Context, world, slot int, pose [7]float64) error
}

type Controller interface {
	Reset(ids []int) error
}

// WorldError is a reset failure confined to one world.
type WorldError struct {
	World int
	Op    string
	Err   error
}

func (e *WorldError) Error() string {
	return fmt.Sprintf("env %d: %s: %v", e.World, e.Op, e.Err)
}

func (e *WorldError) Unwrap() error { return e.Err }

type Coordinator struct {
	Engine     Engine
	Controller Controller
	Machine    *task.Machine
	Logger     *log.Logger

	worlds tuning.Worlds
	drop   r3.Vec
}

func New(engine Engine, ctrl Controller, m *task.Machine, tune tuning.Tuning, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	d := tune.Rewards.DropPos
	return &Coordinator{
		Engine:     engine,
		Controller: ctrl,
		Machine:    m,
		Logger:     logger,
		worlds:     tune.Worlds,
		drop:       r3.Vec{X: d[0], Y: d[1], Z: d[2]},
	}
}

// DropPose is where a successfully lifted object of world w is parked, in
// the global frame.
func (c *Coordinator) DropPose(w int) frame.Pose {
	o := c.worlds.Origin(w)
	return frame.Pose{
		Pos: r3.Add(r3.Vec{X: o[0], Y: o[1], Z: o[2]}, c.drop),
		Rot: frame.Identity().Rot,
	}
}

// Reset resets the robots of initIDs and re-randomises the scenes of
// initEnvIDs. Worlds whose reset for the current visit was already issued
// are skipped. A failing world keeps its flag unset so the reset is retried
// on the next tick; the returned error joins one *WorldError per failure.
func (c *Coordinator) Reset(ctx context.Context, initIDs, initEnvIDs []int) error {
	var errs []error

	robots := c.pending(initIDs, func(w task.World) bool { return w.State == task.Init && !w.RobotReset })
	for _, id := range c.isolate(ctx, robots, "reset robot", &errs, c.resetRobots) {
		c.Machine.ClearGrasp(id)
		c.Machine.MarkRobotReset(id)
	}

	scenes := c.pending(initEnvIDs, func(w task.World) bool { return w.State == task.InitEnv && !w.EnvReset })
	for _, id := range c.isolate(ctx, scenes, "randomize", &errs, c.Engine.Randomize) {
		c.Machine.MarkEnvReset(id)
	}

	for _, err := range errs {
		c.Logger.Printf("reset: %v", err)
	}
	return errors.Join(errs...)
}

func (c *Coordinator) pending(ids []int, keep func(task.World) bool) []int {
	var out []int
	for _, id := range ids {
		if id < 0 || id >= c.Machine.Len() {
			continue
		}
		if keep(c.Machine.World(id)) {
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) resetRobots(ctx context.Context, ids []int) error {
	if err := c.Engine.ResetRobot(ctx, ids); err != nil {
		return err
	}
	if c.Controller == nil {
		return nil
	}
	return c.Controller.Reset(ids)
}

// isolate runs op over ids as one batch. When the batch fails it retries
// world by world so one faulty world does not hold back the others. It
// returns the ids that succeeded.
func (c *Coordinator) isolate(ctx context.Context, ids []int, name string, errs *[]error, op func(context.Context, []int) error) []int {
	if len(ids) == 0 {
		return nil
	}
	if err := op(ctx, ids); err == nil {
		return ids
	}
	var ok []int
	for _, id := range ids {
		if err := op(ctx, []int{id}); err != nil {
			*errs = append(*errs, &WorldError{World: id, Op: name, Err: err})
			continue
		}
		ok = append(ok, id)
	}
	return ok
}

// Relocate parks the object in slot of world w at its drop pose.
func (c *Coordinator) Relocate(ctx context.Context, w, slot int) error {
	if err := c.Engine.Relocate(ctx, w, slot, c.DropPose(w).WXYZ()); err != nil {
		return &WorldError{World: w, Op: "relocate", Err: err}
	}
	return nil
}
