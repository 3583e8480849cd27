// Package ledger keeps per-world episode and step counters, credits grasp
// outcomes and exports them as flat rows.
package ledger

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"

	"graspcell.ai/internal/sim/task"
	"graspcell.ai/internal/sim/tuning"
)

// Row is one exported outcome.
type Row struct {
	World   int
	Episode int
	Step    int
	Success bool
	Reward  float64
}

// Store appends exported rows to durable storage.
type Store interface {
	Append(rows []Row) error
}

// Relocator parks a successfully lifted object away from the table.
type Relocator interface {
	Relocate(ctx context.Context, world, slot int) error
}

type entry struct {
	reward   float64
	success  bool
	exported bool
}

// Outcome is the judgement of one world leaving LIFT.
type Outcome struct {
	World      int             `json:"world"`
	Episode    int             `json:"episode"`
	Step       int             `json:"step"`
	Success    bool            `json:"success"`
	Transition task.Transition `json:"transition"`
}

type Totals struct {
	Attempts  int     `json:"attempts"`
	Successes int     `json:"successes"`
	Reward    float64 `json:"reward"`
}

type Ledger struct {
	UnitReward    float64
	SuccessHeight float64
	LiftTime      float64
	Relocator     Relocator
	Logger        *log.Logger

	m *task.Machine

	mu sync.Mutex
	// episodes[w][e] maps step to entry.
	episodes [][]map[int]*entry
}

func New(m *task.Machine, tune tuning.Tuning, relocator Relocator, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Ledger{
		UnitReward:    tune.Rewards.UnitReward,
		SuccessHeight: tune.Phases.SuccessHeight,
		LiftTime:      tune.Phases.LiftTime,
		Relocator:     relocator,
		Logger:        logger,
		m:             m,
		episodes:      make([][]map[int]*entry, m.Len()),
	}
}

func (l *Ledger) cell(w, episode, step int) *entry {
	for len(l.episodes[w]) <= episode {
		l.episodes[w] = append(l.episodes[w], map[int]*entry{})
	}
	e, ok := l.episodes[w][episode][step]
	if !ok {
		e = &entry{}
		l.episodes[w][episode][step] = e
	}
	return e
}

func (l *Ledger) episodeReward(w, episode int) float64 {
	var sum float64
	for _, e := range l.episodes[w][episode] {
		sum += e.reward
	}
	return sum
}

// RecordOutcome credits or records a failure for world w at its current
// episode and step, then forces the world back to INIT. A success also parks
// the chosen object and marks the world cleared so the next INIT_ENV→START
// rolls the episode over. Relocation errors are logged, not returned: the
// credit stands.
func (l *Ledger) RecordOutcome(ctx context.Context, w int, success bool) Outcome {
	world := l.m.World(w)
	out := Outcome{World: w, Episode: world.Episode, Step: world.Step, Success: success}

	l.mu.Lock()
	e := l.cell(w, world.Episode, world.Step)
	if success {
		e.reward += l.UnitReward
		e.success = true
		e.exported = false
		l.Logger.Printf("env %d succeeded in episode %d step %d, current reward %g",
			w, world.Episode, world.Step, l.episodeReward(w, world.Episode))
	}
	l.mu.Unlock()

	if success {
		if l.Relocator != nil && world.ChosenObject >= 0 {
			if err := l.Relocator.Relocate(ctx, w, world.ChosenObject); err != nil {
				l.Logger.Printf("env %d: %v", w, err)
			}
		}
		l.m.ClearGrasp(w)
		l.m.SetCleared(w, true)
	}
	if tr, ok := l.m.Conclude(w); ok {
		out.Transition = tr
	}
	return out
}

// Evaluate judges every world that has been lifting for at least LiftTime.
// heights[w][slot] is the object height above the robot base; a nil row
// skips the world for this tick.
func (l *Ledger) Evaluate(ctx context.Context, heights [][]float64) []Outcome {
	var out []Outcome
	for _, w := range l.m.InState(task.Lift) {
		if w >= len(heights) || heights[w] == nil {
			continue
		}
		world := l.m.World(w)
		if world.WaitTime < l.LiftTime {
			continue
		}
		slot := world.ChosenObject
		success := slot >= 0 && slot < len(heights[w]) && heights[w][slot] > l.SuccessHeight
		out = append(out, l.RecordOutcome(ctx, w, success))
	}
	return out
}

// Advance updates the counters after a tick. transitions are the machine
// transitions of the tick; skipped[w] excludes a world whose sensing failed.
func (l *Ledger) Advance(transitions []task.Transition, skipped []bool) {
	rolled := make(map[int]bool)
	for _, tr := range transitions {
		if tr.From == task.InitEnv && tr.To == task.Start {
			rolled[tr.World] = true
		}
	}
	for w, world := range l.m.Worlds() {
		if w < len(skipped) && skipped[w] {
			continue
		}
		switch {
		case rolled[w] && world.Cleared:
			l.m.SetCounters(w, world.Episode+1, 0)
			l.m.SetCleared(w, false)
		case world.State != task.Init && world.State != task.InitEnv:
			l.m.SetCounters(w, world.Episode, world.Step+1)
		}
	}
}

// Export appends every entry not yet exported to store, ordered by world,
// episode and step. Entries are marked exported only once the store accepts
// them. It returns the number of rows written.
func (l *Ledger) Export(store Store) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var rows []Row
	var pending []*entry
	for w, eps := range l.episodes {
		for ep, steps := range eps {
			for step, e := range steps {
				if e.exported {
					continue
				}
				rows = append(rows, Row{World: w, Episode: ep, Step: step, Success: e.success, Reward: e.reward})
				pending = append(pending, e)
			}
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.World != b.World {
			return a.World < b.World
		}
		if a.Episode != b.Episode {
			return a.Episode < b.Episode
		}
		return a.Step < b.Step
	})
	if err := store.Append(rows); err != nil {
		return 0, err
	}
	for _, e := range pending {
		e.exported = true
	}
	return len(rows), nil
}

// Totals summarises attempts and successes per world.
func (l *Ledger) Totals() []Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Totals, len(l.episodes))
	for w, eps := range l.episodes {
		for _, steps := range eps {
			for _, e := range steps {
				out[w].Attempts++
				out[w].Reward += e.reward
				if e.success {
					out[w].Successes++
				}
			}
		}
	}
	return out
}
