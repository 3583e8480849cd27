package cell

import (
	"context"
	"errors"

	"graspcell.ai/internal/sim/grasp"
	"graspcell.ai/internal/sim/task"
)

var errNothingGraspable = errors.New("no graspable object on the table")

// pickObject returns the highest graspable slot that is not cooling down.
// Ties go to the lowest slot; -1 when none qualifies.
func (c *Cell) pickObject(w *task.World, in task.Input) int {
	v := c.views[w.ID]
	best := -1
	for k, p := range v.objects {
		if !in.Readiness.Graspable(k) || w.Cooling(k) {
			continue
		}
		if best < 0 || p.Pos.Z > v.objects[best].Pos.Z {
			best = k
		}
	}
	return best
}

func (c *Cell) class(slot int) string {
	if slot >= 0 && slot < len(c.classes) {
		return c.classes[slot]
	}
	return ""
}

// choose is the CHOOSE_OBJECT on-enter hook. It runs inside the machine's
// parallel step and only reads this tick's sensing for world w.
func (c *Cell) choose(_ context.Context, w *task.World, in task.Input) (grasp.Selection, error) {
	slot := c.pickObject(w, in)
	if slot < 0 {
		return grasp.Selection{Slot: -1}, errNothingGraspable
	}
	class := c.class(slot)
	cands, err := c.Library.Load(class)
	if err != nil {
		return grasp.Selection{Slot: slot}, err
	}
	sel, err := grasp.Select(class, c.views[w.ID].objects[slot], cands, c.tune.Phases.Standoff)
	sel.Slot = slot
	return sel, err
}
