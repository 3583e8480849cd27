// Package readiness decides, per world, whether the objects on the table can
// be grasped and whether the scene has settled long enough to start.
package readiness

import (
	"context"

	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/spatial/r3"

	"graspcell.ai/internal/sim/batch"
	"graspcell.ai/internal/sim/tuning"
)

// Object is the sensed state of one tracked object, positioned in the robot
// base frame.
type Object struct {
	Pos r3.Vec
	// Speed is the mean absolute velocity over the linear and angular
	// components.
	Speed float64
}

// Limits bound the workspace the arm can reach. X and Y are open intervals.
type Limits struct {
	X, Y           r1.Interval
	HeightLimit    float64
	LowerTolerance float64
	VelocityLimit  float64
	SettleTime     float64
}

func LimitsFrom(ws tuning.Workspace) Limits {
	return Limits{
		X:              r1.Interval{Min: ws.X[0], Max: ws.X[1]},
		Y:              r1.Interval{Min: ws.Y[0], Max: ws.Y[1]},
		HeightLimit:    ws.HeightLimit,
		LowerTolerance: ws.LowerTolerance,
		VelocityLimit:  ws.VelocityLimit,
		SettleTime:     ws.SettleTime,
	}
}

type ObjectReadiness struct {
	Reachable bool
	Stable    bool
}

// Result is the readiness of one world.
type Result struct {
	Objects   []ObjectReadiness
	Reachable bool // at least one object reachable
	StableAll bool // every object stable
	Ready     bool
}

// Graspable reports whether object i is both reachable and stable.
func (r Result) Graspable(i int) bool {
	if i < 0 || i >= len(r.Objects) {
		return false
	}
	o := r.Objects[i]
	return o.Reachable && o.Stable
}

func within(iv r1.Interval, v float64) bool {
	return v > iv.Min && v < iv.Max
}

// Reachable reports whether pos lies inside the workspace.
func (l Limits) Reachable(pos r3.Vec) bool {
	return pos.Z < l.HeightLimit &&
		pos.Z > -l.LowerTolerance &&
		within(l.X, pos.X) &&
		within(l.Y, pos.Y)
}

// Classify is pure: it only reads its inputs. An unreachable object counts
// as stable, so an object rolling off the table never blocks a world.
func Classify(objects []Object, waitTime float64, l Limits) Result {
	res := Result{
		Objects:   make([]ObjectReadiness, len(objects)),
		StableAll: true,
	}
	for i, o := range objects {
		reach := l.Reachable(o.Pos)
		stable := o.Speed < l.VelocityLimit || !reach
		res.Objects[i] = ObjectReadiness{Reachable: reach, Stable: stable}
		res.Reachable = res.Reachable || reach
		res.StableAll = res.StableAll && stable
	}
	res.Ready = res.StableAll && res.Reachable && waitTime > l.SettleTime
	return res
}

// Input is one world's classification input.
type Input struct {
	Objects  []Object
	WaitTime float64
	// Skip leaves the world's result zero (sensing failed this tick).
	Skip bool
}

// ClassifyBatch classifies every world in parallel.
func ClassifyBatch(ctx context.Context, pool batch.Pool, inputs []Input, l Limits) ([]Result, error) {
	out := make([]Result, len(inputs))
	err := pool.ForEach(ctx, len(inputs), func(_ context.Context, i int) error {
		if inputs[i].Skip {
			return nil
		}
		out[i] = Classify(inputs[i].Objects, inputs[i].WaitTime, l)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
