package grasp

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"graspcell.ai/internal/sim/frame"
)

func near(a, b r3.Vec) bool { return r3.Norm(r3.Sub(a, b)) < 1e-9 }

func down(score float64) Candidate {
	return Candidate{
		Contact:    r3.Vec{X: -0.03, Z: 0.02},
		Baseline:   r3.Vec{X: 1},
		Approach:   r3.Vec{Z: -1},
		Separation: 0.06,
		Score:      score,
	}
}

func TestSelect_StrictMaximumWins(t *testing.T) {
	cands := []Candidate{down(0.2), down(0.9), down(0.5)}
	sel, err := Select("box", frame.Identity(), cands, 0.1)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Index != 1 || sel.Score != 0.9 {
		t.Fatalf("expected index 1 score 0.9, got %d %v", sel.Index, sel.Score)
	}
	for i, c := range cands {
		if c.Score > sel.Score {
			t.Fatalf("candidate %d beats the selection", i)
		}
	}
}

func TestSelect_TiesKeepFirstAndIsDeterministic(t *testing.T) {
	cands := []Candidate{down(0.3), down(0.8), down(0.8)}
	first, err := Select("box", frame.At(0.5, 0, 0), cands, 0.1)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, _ := Select("box", frame.At(0.5, 0, 0), cands, 0.1)
		if again != first {
			t.Fatalf("selection changed between calls: %+v vs %+v", again, first)
		}
	}
	if first.Index != 1 {
		t.Fatalf("tie must keep the first seen, got %d", first.Index)
	}
}

func TestSelect_EmptyIsNoCandidates(t *testing.T) {
	_, err := Select("ghost", frame.Identity(), nil, 0.1)
	var nc *NoCandidatesError
	if !errors.As(err, &nc) || nc.Object != "ghost" {
		t.Fatalf("expected NoCandidatesError, got %v", err)
	}
}

func TestSelect_ComposesWithObjectPose(t *testing.T) {
	yaw := quat.Number{Real: math.Cos(math.Pi / 4), Kmag: math.Sin(math.Pi / 4)}
	obj := frame.Pose{Pos: r3.Vec{X: 0.5, Y: 0.1, Z: 0}, Rot: yaw}
	c := Candidate{
		Contact:    r3.Vec{X: 0.1},
		Baseline:   r3.Vec{Y: 1},
		Approach:   r3.Vec{Z: -1},
		Separation: 0.04,
		Score:      1,
	}
	sel, err := Select("box", obj, []Candidate{c}, 0.1)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// mid = (0.1, 0.02, 0) locally; yaw 90deg maps it to (-0.02, 0.1, 0).
	if want := (r3.Vec{X: 0.48, Y: 0.2}); !near(sel.Grasp.Pos, want) {
		t.Fatalf("grasp pos: got %+v want %+v", sel.Grasp.Pos, want)
	}
	// Pre-grasp backs off against the approach, i.e. straight up.
	if want := (r3.Vec{X: 0.48, Y: 0.2, Z: 0.1}); !near(sel.PreGrasp.Pos, want) {
		t.Fatalf("pre-grasp pos: got %+v want %+v", sel.PreGrasp.Pos, want)
	}
	if got := frame.Rotate(sel.Grasp.Rot, r3.Vec{Z: 1}); !near(got, r3.Vec{Z: -1}) {
		t.Fatalf("gripper z must follow approach, got %+v", got)
	}
	if got := frame.Rotate(sel.Grasp.Rot, r3.Vec{X: 1}); !near(got, r3.Vec{X: -1}) {
		t.Fatalf("gripper x must follow the rotated baseline, got %+v", got)
	}
}
