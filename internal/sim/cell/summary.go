package cell

import (
	"graspcell.ai/internal/sim/ledger"
	"graspcell.ai/internal/sim/task"
)

type WorldView struct {
	World   int        `json:"world"`
	State   task.State `json:"state"`
	Wait    float64    `json:"wait"`
	Episode int        `json:"episode"`
	Step    int        `json:"step"`
	Chosen  int        `json:"chosen"`
	Gripper float64    `json:"gripper"`
}

// Summary is what sinks see of a tick.
type Summary struct {
	RunID       string            `json:"run_id"`
	Tick        uint64            `json:"tick"`
	SimTime     float64           `json:"sim_time"`
	Transitions []task.Transition `json:"transitions,omitempty"`
	Outcomes    []ledger.Outcome  `json:"outcomes,omitempty"`
	Skipped     []int             `json:"skipped,omitempty"`
	Worlds      []WorldView       `json:"worlds"`
}

func (c *Cell) summarize(tick uint64, simTime float64, tr []task.Transition, outcomes []ledger.Outcome, skipped []bool) Summary {
	s := Summary{
		RunID:       c.RunID,
		Tick:        tick,
		SimTime:     simTime,
		Transitions: tr,
		Outcomes:    outcomes,
	}
	for i, skip := range skipped {
		if skip {
			s.Skipped = append(s.Skipped, i)
		}
	}
	for _, w := range c.Machine.Worlds() {
		s.Worlds = append(s.Worlds, WorldView{
			World:   w.ID,
			State:   w.State,
			Wait:    w.WaitTime,
			Episode: w.Episode,
			Step:    w.Step,
			Chosen:  w.ChosenObject,
			Gripper: float64(w.Gripper),
		})
	}
	return s
}

// Status is a point-in-time view for health and metrics endpoints.
type Status struct {
	RunID  string          `json:"run_id"`
	Tick   uint64          `json:"tick"`
	States map[string]int  `json:"states"`
	Totals []ledger.Totals `json:"totals"`
}

func (c *Cell) Status() Status {
	st := Status{
		RunID:  c.RunID,
		Tick:   c.tick.Load(),
		States: map[string]int{},
		Totals: c.Ledger.Totals(),
	}
	for _, s := range task.States {
		st.States[s.String()] = 0
	}
	for _, w := range c.Machine.Worlds() {
		st.States[w.State.String()]++
	}
	return st
}
