// Package grasp picks the best grasp for an object from its precomputed
// candidate set and expresses it in the robot base frame.
package grasp

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"graspcell.ai/internal/sim/frame"
)

// Candidate is one precomputed two-finger grasp in the object mesh frame.
// Scores are only comparable within one object's set.
type Candidate struct {
	Contact    r3.Vec
	Baseline   r3.Vec
	Approach   r3.Vec
	Separation float64
	Score      float64
}

// Local returns the grasp and pre-grasp poses in the object frame. The grasp
// sits midway between the two finger contacts and the pre-grasp backs off
// along the approach axis by standoff.
func (c Candidate) Local(standoff float64) (grasp, pre frame.Pose) {
	pt2 := r3.Add(c.Contact, r3.Scale(c.Separation, c.Baseline))
	mid := r3.Scale(0.5, r3.Add(c.Contact, pt2))
	rot := frame.FromAxes(c.Approach, c.Baseline)

	approach := c.Approach
	if r3.Norm(approach) > 0 {
		approach = r3.Unit(approach)
	}
	grasp = frame.Pose{Pos: mid, Rot: rot}
	pre = frame.Pose{Pos: r3.Sub(mid, r3.Scale(standoff, approach)), Rot: rot}
	return grasp, pre
}

// Selection is the committed grasp for one world.
type Selection struct {
	Object   string
	Slot     int
	Index    int
	Score    float64
	Grasp    frame.Pose
	PreGrasp frame.Pose
}

type NoCandidatesError struct {
	Object string
}

func (e *NoCandidatesError) Error() string {
	return fmt.Sprintf("no grasp candidates for %q", e.Object)
}

// Select returns the highest scoring candidate composed with objectPose.
// Ties keep the first candidate seen.
func Select(objectID string, objectPose frame.Pose, candidates []Candidate, standoff float64) (Selection, error) {
	if len(candidates) == 0 {
		return Selection{}, &NoCandidatesError{Object: objectID}
	}
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Score > candidates[best].Score {
			best = i
		}
	}
	g, pre := candidates[best].Local(standoff)
	return Selection{
		Object:   objectID,
		Slot:     -1,
		Index:    best,
		Score:    candidates[best].Score,
		Grasp:    frame.Combine(objectPose, g),
		PreGrasp: frame.Combine(objectPose, pre),
	}, nil
}
