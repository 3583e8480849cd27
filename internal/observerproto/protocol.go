package observerproto

import (
	"graspcell.ai/internal/sim/cell"
	"graspcell.ai/internal/sim/ledger"
	"graspcell.ai/internal/sim/task"
)

// Version is the observer feed protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to change the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Worlds restricts the feed to these world ids. Empty means all.
	Worlds []int `json:"worlds,omitempty"`
	// Every sends one tick in Every. Ticks with transitions or outcomes for
	// a watched world are always sent.
	Every int `json:"every,omitempty"`
}

// HTTP response for GET /v1/observe/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string          `json:"protocol_version"`
	RunID           string          `json:"run_id"`
	Tick            uint64          `json:"tick"`
	Worlds          int             `json:"worlds"`
	States          map[string]int  `json:"states"`
	Totals          []ledger.Totals `json:"totals"`
}

// Server -> Client.
type TickMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	RunID           string  `json:"run_id"`
	Tick            uint64  `json:"tick"`
	SimTime         float64 `json:"sim_time"`

	Worlds      []cell.WorldView  `json:"worlds"`
	Transitions []task.Transition `json:"transitions,omitempty"`
	Outcomes    []ledger.Outcome  `json:"outcomes,omitempty"`
	Skipped     []int             `json:"skipped,omitempty"`
}

// Filter keeps the parts of s that concern the watched worlds. A nil or empty
// set watches everything.
func Filter(s cell.Summary, watch map[int]bool) TickMsg {
	msg := TickMsg{
		Type:            "TICK",
		ProtocolVersion: Version,
		RunID:           s.RunID,
		Tick:            s.Tick,
		SimTime:         s.SimTime,
	}
	keep := func(w int) bool { return len(watch) == 0 || watch[w] }
	for _, w := range s.Worlds {
		if keep(w.World) {
			msg.Worlds = append(msg.Worlds, w)
		}
	}
	for _, t := range s.Transitions {
		if keep(t.World) {
			msg.Transitions = append(msg.Transitions, t)
		}
	}
	for _, o := range s.Outcomes {
		if keep(o.World) {
			msg.Outcomes = append(msg.Outcomes, o)
		}
	}
	for _, w := range s.Skipped {
		if keep(w) {
			msg.Skipped = append(msg.Skipped, w)
		}
	}
	return msg
}

// Eventful reports whether the message carries a transition or outcome.
func (m TickMsg) Eventful() bool {
	return len(m.Transitions) > 0 || len(m.Outcomes) > 0
}
