package kinematic

import (
	"context"
	"math"

	"gonum.org/v1/gonum/num/quat"

	"graspcell.ai/internal/sim/cell"
	"graspcell.ai/internal/sim/frame"
)

// Controller is the gantry's inverse kinematics: the joints are the pose
// itself, so the Jacobian is the identity. It implements cell.Controller.
type Controller struct{}

func (Controller) Compute(_ context.Context, inputs []cell.ControlInput) ([][]float64, error) {
	out := make([][]float64, len(inputs))
	for i, in := range inputs {
		out[i] = Inverse(frame.FromXYZW(in.Desired), in.Joints)
	}
	return out, nil
}

func (Controller) Reset([]int) error { return nil }

// Inverse returns the joint vector placing the end effector at p (robot base
// frame). Angles are unwrapped to lie closest to current.
func Inverse(p frame.Pose, current []float64) []float64 {
	roll, pitch, yaw := toRPY(p.Rot)
	j := []float64{p.Pos.X, p.Pos.Y, p.Pos.Z, roll, pitch, yaw}
	for k := 3; k < Joints && k < len(current); k++ {
		j[k] = current[k] + wrap(j[k]-current[k])
	}
	return j
}

func toRPY(q quat.Number) (roll, pitch, yaw float64) {
	q = frame.Normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	roll = math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	sp := 2 * (w*y - z*x)
	if sp > 1 {
		sp = 1
	} else if sp < -1 {
		sp = -1
	}
	pitch = math.Asin(sp)
	yaw = math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	return roll, pitch, yaw
}

// wrap maps a to (-pi, pi].
func wrap(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
