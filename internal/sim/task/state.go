package task

import "fmt"

// State is a world's task phase.
type State uint8

const (
	Init State = iota
	InitEnv
	Start
	ChooseObject
	Approach
	Grasp
	Lift
)

var stateNames = [...]string{
	Init:         "INIT",
	InitEnv:      "INIT_ENV",
	Start:        "START",
	ChooseObject: "CHOOSE_OBJECT",
	Approach:     "APPROACH",
	Grasp:        "GRASP",
	Lift:         "LIFT",
}

// States lists every state in declaration order.
var States = []State{Init, InitEnv, Start, ChooseObject, Approach, Grasp, Lift}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Paused states hold the arm still: the controller's relative joint output
// is zeroed while a world is in one of them.
func (s State) Paused() bool {
	return s == Init || s == InitEnv || s == Start
}

// next is the only legal successor of each state.
var next = map[State]State{
	Init:         InitEnv,
	InitEnv:      Start,
	Start:        ChooseObject,
	ChooseObject: Approach,
	Approach:     Grasp,
	Grasp:        Lift,
	Lift:         Init,
}

// CanTransition reports whether from→to is an edge of the task graph.
func CanTransition(from, to State) bool {
	n, ok := next[from]
	return ok && n == to
}

// Gripper is the gripper command appended to the controller output.
type Gripper float64

const (
	GripperOpen   Gripper = 1
	GripperClosed Gripper = -1
)

// Transition is one edge taken by one world during a tick.
type Transition struct {
	World int   `json:"world"`
	From  State `json:"from"`
	To    State `json:"to"`
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("task: unknown state %q", b)
}
