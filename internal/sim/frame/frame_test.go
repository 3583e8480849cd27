package frame

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const eps = 1e-9

func yaw(rad float64) quat.Number {
	return quat.Number{Real: math.Cos(rad / 2), Kmag: math.Sin(rad / 2)}
}

func near(a, b r3.Vec) bool {
	return r3.Norm(r3.Sub(a, b)) < 1e-9
}

func TestRotate_QuarterTurnAboutZ(t *testing.T) {
	got := Rotate(yaw(math.Pi/2), r3.Vec{X: 1})
	if !near(got, r3.Vec{Y: 1}) {
		t.Fatalf("rotate x by +90deg yaw: got %+v want (0,1,0)", got)
	}
}

func TestCombine_RotatesBeforeTranslating(t *testing.T) {
	parent := Pose{Pos: r3.Vec{X: 1, Y: 2, Z: 3}, Rot: yaw(math.Pi / 2)}
	child := At(0.5, 0, 0)

	got := Combine(parent, child)
	want := r3.Vec{X: 1, Y: 2.5, Z: 3}
	if !near(got.Pos, want) {
		t.Fatalf("combine pos: got %+v want %+v", got.Pos, want)
	}
	// A plain add would have produced (1.5, 2, 3).
	if near(got.Pos, r3.Add(parent.Pos, child.Pos)) {
		t.Fatalf("combine must not be a plain translation add")
	}
	if Angle(got, parent) > eps {
		t.Fatalf("identity child must keep parent orientation")
	}
}

func TestSubtract_InvertsCombine(t *testing.T) {
	parent := Pose{Pos: r3.Vec{X: -0.3, Y: 0.2, Z: 0.9}, Rot: Normalize(quat.Number{Real: 0.9, Imag: 0.1, Jmag: -0.3, Kmag: 0.2})}
	child := Pose{Pos: r3.Vec{X: 0.1, Y: -0.4, Z: 0.05}, Rot: yaw(0.7)}

	world := Combine(parent, child)
	back := Subtract(parent, world)
	if !near(back.Pos, child.Pos) {
		t.Fatalf("subtract pos: got %+v want %+v", back.Pos, child.Pos)
	}
	if Angle(back, child) > 1e-7 {
		t.Fatalf("subtract rot: angle %v", Angle(back, child))
	}
}

func TestInverse_ComposesToIdentity(t *testing.T) {
	p := Pose{Pos: r3.Vec{X: 1, Y: -1, Z: 2}, Rot: yaw(1.1)}
	id := Combine(p, Inverse(p))
	if !near(id.Pos, r3.Vec{}) || Angle(id, Identity()) > 1e-7 {
		t.Fatalf("p * p^-1 not identity: %+v", id)
	}
}

func TestFromAxes_AlignsApproachAndBaseline(t *testing.T) {
	approach := r3.Vec{Z: -1}
	baseline := r3.Vec{X: 1, Z: 0.2} // not orthogonal on purpose
	q := FromAxes(approach, baseline)

	if got := Rotate(q, r3.Vec{Z: 1}); !near(got, r3.Vec{Z: -1}) {
		t.Fatalf("local z should map to approach: got %+v", got)
	}
	if got := Rotate(q, r3.Vec{X: 1}); !near(got, r3.Vec{X: 1}) {
		t.Fatalf("local x should map to orthogonalised baseline: got %+v", got)
	}
}

func TestFromAxes_ParallelBaselineStillUnit(t *testing.T) {
	q := FromAxes(r3.Vec{Y: 2}, r3.Vec{Y: 1})
	if math.Abs(quat.Abs(q)-1) > eps {
		t.Fatalf("expected unit quaternion, got |q|=%v", quat.Abs(q))
	}
	if got := Rotate(q, r3.Vec{Z: 1}); !near(got, r3.Vec{Y: 1}) {
		t.Fatalf("local z should map to approach: got %+v", got)
	}
}

func TestConventions_RoundTripAtBoundaries(t *testing.T) {
	p := Pose{Pos: r3.Vec{X: 0.1, Y: 0.2, Z: 0.3}, Rot: yaw(0.4)}

	w := p.WXYZ()
	if w[3] != p.Rot.Real || w[6] != p.Rot.Kmag {
		t.Fatalf("engine layout must lead with qw: %v", w)
	}
	x := p.XYZW()
	if x[6] != p.Rot.Real || x[5] != p.Rot.Kmag {
		t.Fatalf("controller layout must end with qw: %v", x)
	}
	for name, back := range map[string]Pose{"engine": FromWXYZ(w), "controller": FromXYZW(x)} {
		if !near(back.Pos, p.Pos) || Angle(back, p) > 1e-7 {
			t.Fatalf("%s round trip mismatch: %+v", name, back)
		}
	}
}

func TestNormalize_ZeroBecomesIdentity(t *testing.T) {
	if got := Normalize(quat.Number{}); got != (quat.Number{Real: 1}) {
		t.Fatalf("got %+v", got)
	}
}
