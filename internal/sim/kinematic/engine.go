// Package kinematic is a lightweight stand-in for the physics engine and the
// joint controller: a six-axis gantry arm per world and point objects that
// fall onto the table. It is enough to run every phase of a cell tick.
package kinematic

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"graspcell.ai/internal/sim/batch"
	"graspcell.ai/internal/sim/cell"
	"graspcell.ai/internal/sim/frame"
	"graspcell.ai/internal/sim/tuning"
)

const Joints = 6

type Config struct {
	PhysicsDT  float64
	Decimation int

	// LinearSpeed and AngularSpeed cap joint motion, in m/s and rad/s.
	LinearSpeed  float64
	AngularSpeed float64
	// GrabRadius is how close the closed gripper must be to an object.
	GrabRadius float64
	Gravity    float64
	// Friction scales the velocity an object keeps per substep on the table.
	Friction float64

	DepthW, DepthH int
	CameraHeight   float64
}

func DefaultConfig(tune tuning.Tuning) Config {
	return Config{
		PhysicsDT:    tune.Timing.PhysicsDT,
		Decimation:   tune.Timing.Decimation,
		LinearSpeed:  0.5,
		AngularSpeed: 4.0,
		GrabRadius:   0.05,
		Gravity:      9.81,
		Friction:     0.5,
		DepthW:       8,
		DepthH:       8,
		CameraHeight: 1.0,
	}
}

type object struct {
	pose   frame.Pose
	vel    r3.Vec
	angVel r3.Vec
}

type world struct {
	base    frame.Pose
	joints  [Joints]float64
	target  [Joints]float64
	gripper float64
	holding int
	grip    frame.Pose // held object in the end-effector frame
	objects []object
	rng     *rand.Rand
	missing map[string]int
}

// Engine implements cell.Engine.
type Engine struct {
	cfg   Config
	tune  tuning.Tuning
	home  [Joints]float64
	slots int
	pool  batch.Pool

	mu     sync.Mutex
	worlds []*world
}

func New(tune tuning.Tuning, cfg Config) (*Engine, error) {
	robot := tune.Worlds.Robot
	if len(robot.InitJoints) != Joints {
		return nil, fmt.Errorf("kinematic: gantry needs %d initial joints, got %d", Joints, len(robot.InitJoints))
	}
	e := &Engine{
		cfg:    cfg,
		tune:   tune,
		slots:  len(tune.Objects),
		pool:   batch.Pool{Workers: tune.Workers},
		worlds: make([]*world, tune.Worlds.Count),
	}
	copy(e.home[:], robot.InitJoints)
	for i := range e.worlds {
		o := tune.Worlds.Origin(i)
		w := &world{
			base: frame.Pose{
				Pos: r3.Vec{X: o[0] + robot.BasePos[0], Y: o[1] + robot.BasePos[1], Z: o[2] + robot.BasePos[2]},
				Rot: frame.Normalize(quat.Number{Real: robot.BaseQuat[0], Imag: robot.BaseQuat[1], Jmag: robot.BaseQuat[2], Kmag: robot.BaseQuat[3]}),
			},
			objects: make([]object, e.slots),
			rng:     rand.New(rand.NewSource(tune.Worlds.Seed + int64(i))),
			missing: map[string]int{},
		}
		e.resetRobot(w)
		e.randomize(w)
		e.worlds[i] = w
	}
	return e, nil
}

func (e *Engine) world(i int) (*world, error) {
	if i < 0 || i >= len(e.worlds) {
		return nil, fmt.Errorf("kinematic: world %d out of range", i)
	}
	return e.worlds[i], nil
}

// DropChannel makes channel unavailable for world i for the next ticks
// Sense calls.
func (e *Engine) DropChannel(i int, channel string, ticks int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, err := e.world(i); err == nil {
		w.missing[channel] = ticks
	}
}

// ObjectPose returns the global pose of an object.
func (e *Engine) ObjectPose(i, slot int) frame.Pose {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.worlds[i].objects[slot].pose
}

// Holding returns the slot held by world i's gripper, or -1.
func (e *Engine) Holding(i int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.worlds[i].holding
}

func rpy(roll, pitch, yaw float64) quat.Number {
	qx := quat.Number{Real: math.Cos(roll / 2), Imag: math.Sin(roll / 2)}
	qy := quat.Number{Real: math.Cos(pitch / 2), Jmag: math.Sin(pitch / 2)}
	qz := quat.Number{Real: math.Cos(yaw / 2), Kmag: math.Sin(yaw / 2)}
	return frame.Normalize(quat.Mul(qz, quat.Mul(qy, qx)))
}

// forward is the end-effector pose in the robot base frame.
func forward(j [Joints]float64) frame.Pose {
	return frame.Pose{Pos: r3.Vec{X: j[0], Y: j[1], Z: j[2]}, Rot: rpy(j[3], j[4], j[5])}
}

func (w *world) ee() frame.Pose {
	return frame.Combine(w.base, forward(w.joints))
}

func (e *Engine) Sense(_ context.Context) ([]cell.Sensed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]cell.Sensed, len(e.worlds))
	for i, w := range e.worlds {
		s := cell.Sensed{
			World:   i,
			Base:    w.base.WXYZ(),
			EE:      w.ee().WXYZ(),
			Joints:  append([]float64(nil), w.joints[:]...),
			Objects: make([]cell.ObjectState, len(w.objects)),
		}
		for k, o := range w.objects {
			s.Objects[k] = cell.ObjectState{
				Pose:   o.pose.WXYZ(),
				LinVel: [3]float64{o.vel.X, o.vel.Y, o.vel.Z},
				AngVel: [3]float64{o.angVel.X, o.angVel.Y, o.angVel.Z},
			}
		}
		s.DepthW, s.DepthH = e.cfg.DepthW, e.cfg.DepthH
		s.Depth = e.depth(w)
		for ch, n := range w.missing {
			if n <= 0 {
				delete(w.missing, ch)
				continue
			}
			s.Missing = append(s.Missing, ch)
			w.missing[ch] = n - 1
		}
		out[i] = s
	}
	return out, nil
}

// depth renders a top-down heightmap of the bin: camera distance to the
// highest object within each cell.
func (e *Engine) depth(w *world) []float32 {
	cw, ch := e.cfg.DepthW, e.cfg.DepthH
	if cw <= 0 || ch <= 0 {
		return nil
	}
	bin := e.tune.Worlds.Bin
	img := make([]float32, cw*ch)
	for i := range img {
		img[i] = float32(e.cfg.CameraHeight)
	}
	sx := 2 * bin.HalfExtent[0] / float64(cw)
	sy := 2 * bin.HalfExtent[1] / float64(ch)
	for _, o := range w.objects {
		p := frame.Subtract(w.base, o.pose).Pos
		cx := int(math.Floor((p.X - (bin.Center[0] - bin.HalfExtent[0])) / sx))
		cy := int(math.Floor((p.Y - (bin.Center[1] - bin.HalfExtent[1])) / sy))
		if sx <= 0 || sy <= 0 || cx < 0 || cy < 0 || cx >= cw || cy >= ch {
			continue
		}
		d := float32(e.cfg.CameraHeight - p.Z)
		if d < img[cy*cw+cx] {
			img[cy*cw+cx] = d
		}
	}
	return img
}

// Apply sets joint targets to home + the relative command and latches the
// gripper command.
func (e *Engine) Apply(_ context.Context, actions []cell.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range actions {
		w, err := e.world(a.World)
		if err != nil {
			return err
		}
		if len(a.Command) != Joints+1 {
			return fmt.Errorf("kinematic: world %d: command has %d values, want %d", a.World, len(a.Command), Joints+1)
		}
		for j := 0; j < Joints; j++ {
			w.target[j] = e.home[j] + a.Command[j]
		}
		w.gripper = a.Command[Joints]
	}
	return nil
}

// Step advances every world by one control period.
func (e *Engine) Step(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.ForEach(ctx, len(e.worlds), func(_ context.Context, i int) error {
		for k := 0; k < e.cfg.Decimation; k++ {
			e.substep(e.worlds[i], e.cfg.PhysicsDT)
		}
		return nil
	})
}

func (e *Engine) substep(w *world, dt float64) {
	settled := true
	for j := 0; j < Joints; j++ {
		limit := e.cfg.LinearSpeed * dt
		if j >= 3 {
			limit = e.cfg.AngularSpeed * dt
		}
		d := w.target[j] - w.joints[j]
		if math.Abs(d) > limit {
			d = math.Copysign(limit, d)
		}
		w.joints[j] += d
		if math.Abs(w.target[j]-w.joints[j]) > 1e-9 {
			settled = false
		}
	}
	ee := w.ee()

	closed := w.gripper < 0
	switch {
	case !closed && w.holding >= 0:
		w.objects[w.holding].vel = r3.Vec{}
		w.holding = -1
	case closed && w.holding < 0 && settled:
		if k := e.nearest(w, ee.Pos); k >= 0 {
			w.holding = k
			w.grip = frame.Subtract(ee, w.objects[k].pose)
		}
	}

	for k := range w.objects {
		o := &w.objects[k]
		if k == w.holding {
			next := frame.Combine(ee, w.grip)
			o.vel = r3.Scale(1/dt, r3.Sub(next.Pos, o.pose.Pos))
			o.pose = next
			continue
		}
		e.fall(w, o, dt)
	}
}

func (e *Engine) nearest(w *world, p r3.Vec) int {
	best, bestD := -1, e.cfg.GrabRadius
	for k, o := range w.objects {
		if d := r3.Norm(r3.Sub(o.pose.Pos, p)); d <= bestD {
			best, bestD = k, d
		}
	}
	return best
}

// fall integrates gravity down to the table plane, z = 0 in the base frame.
func (e *Engine) fall(w *world, o *object, dt float64) {
	local := frame.Subtract(w.base, o.pose)
	v := frame.Rotate(quat.Conj(w.base.Rot), o.vel)
	if local.Pos.Z > 0 || v.Z > 0 {
		v.Z -= e.cfg.Gravity * dt
		local.Pos = r3.Add(local.Pos, r3.Scale(dt, v))
	}
	if local.Pos.Z <= 0 {
		local.Pos.Z = 0
		v = r3.Scale(e.cfg.Friction, r3.Vec{X: v.X, Y: v.Y})
		if r3.Norm(v) < 1e-4 {
			v = r3.Vec{}
		}
	}
	o.angVel = r3.Scale(e.cfg.Friction, o.angVel)
	if r3.Norm(o.angVel) < 1e-4 {
		o.angVel = r3.Vec{}
	}
	o.pose = frame.Combine(w.base, local)
	o.vel = frame.Rotate(w.base.Rot, v)
}

func (e *Engine) resetRobot(w *world) {
	w.joints, w.target = e.home, e.home
	w.gripper = 1
	if w.holding >= 0 && w.holding < len(w.objects) {
		w.objects[w.holding].vel = r3.Vec{}
	}
	w.holding = -1
}

// randomize drops every object from the configured height at a random
// position over the bin with a random yaw.
func (e *Engine) randomize(w *world) {
	bin := e.tune.Worlds.Bin
	w.holding = -1
	for k := range w.objects {
		x := bin.Center[0] + (2*w.rng.Float64()-1)*bin.HalfExtent[0]
		y := bin.Center[1] + (2*w.rng.Float64()-1)*bin.HalfExtent[1]
		yaw := (2*w.rng.Float64() - 1) * math.Pi
		local := frame.Pose{
			Pos: r3.Vec{X: x, Y: y, Z: bin.Center[2] + bin.DropHeight},
			Rot: rpy(0, 0, yaw),
		}
		w.objects[k] = object{pose: frame.Combine(w.base, local)}
	}
}

func (e *Engine) ResetRobot(_ context.Context, ids []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		w, err := e.world(id)
		if err != nil {
			return err
		}
		e.resetRobot(w)
	}
	return nil
}

func (e *Engine) Randomize(_ context.Context, ids []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		w, err := e.world(id)
		if err != nil {
			return err
		}
		e.randomize(w)
	}
	return nil
}

// Relocate teleports an object to a global pose given in the engine layout,
// releasing it if held.
func (e *Engine) Relocate(_ context.Context, i, slot int, pose [7]float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, err := e.world(i)
	if err != nil {
		return err
	}
	if slot < 0 || slot >= len(w.objects) {
		return fmt.Errorf("kinematic: world %d has no object slot %d", i, slot)
	}
	if w.holding == slot {
		w.holding = -1
	}
	w.objects[slot] = object{pose: frame.FromWXYZ(pose)}
	return nil
}
