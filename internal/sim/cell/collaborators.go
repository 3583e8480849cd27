package cell

import (
	"context"
	"fmt"

	"graspcell.ai/internal/persistence/snapshot"
	"graspcell.ai/internal/sim/reset"
)

// Sensor channels. The first three are required every tick.
const (
	ChannelObjects = "objects"
	ChannelEE      = "ee"
	ChannelJoints  = "joints"
	ChannelDepth   = "depth"
)

var requiredChannels = []string{ChannelObjects, ChannelEE, ChannelJoints}

// ObjectState is one object as the engine reports it. Pose is global, in the
// engine layout (x, y, z, qw, qx, qy, qz).
type ObjectState struct {
	Pose   [7]float64
	LinVel [3]float64
	AngVel [3]float64
}

// Sensed is one world's sensor readout for a tick. Poses are global, in the
// engine layout.
type Sensed struct {
	World   int
	Base    [7]float64
	EE      [7]float64
	Joints  []float64
	Objects []ObjectState

	DepthW, DepthH int
	Depth          []float32

	// Missing names the channels that could not be read this tick.
	Missing []string
}

// Action is one world's command: relative joint targets followed by the
// gripper command.
type Action struct {
	World   int
	Command []float64
}

// Engine is the physics and rendering collaborator.
type Engine interface {
	Sense(ctx context.Context) ([]Sensed, error)
	Apply(ctx context.Context, actions []Action) error
	Step(ctx context.Context) error
	reset.Engine
}

// ControlInput asks the controller for joint targets reaching Desired. The
// pose is in the robot base frame, controller layout (x, y, z, qx, qy, qz, qw).
type ControlInput struct {
	World   int
	Desired [7]float64
	Joints  []float64
}

// Controller is the inverse kinematics collaborator. Compute returns one
// absolute joint target vector per input, in input order.
type Controller interface {
	Compute(ctx context.Context, inputs []ControlInput) ([][]float64, error)
	Reset(ids []int) error
}

// SensorSink persists the sensor record taken at a decision point and
// returns where it went.
type SensorSink interface {
	WriteRecord(rec snapshot.Record) (string, error)
}

// TickSink receives a summary after every tick. Implementations must not
// block the tick.
type TickSink interface {
	OnTick(s Summary)
}

// SensorUnavailableError means a required channel could not be read for a
// world this tick. The world is held and retried on the next tick.
type SensorUnavailableError struct {
	World   int
	Channel string
}

func (e *SensorUnavailableError) Error() string {
	return fmt.Sprintf("env %d: sensor channel %q unavailable", e.World, e.Channel)
}
