package tuning

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Tuning struct {
	Worlds    Worlds    `yaml:"worlds"`
	Timing    Timing    `yaml:"timing"`
	Workspace Workspace `yaml:"workspace"`
	Phases    Phases    `yaml:"phases"`
	Grasp     Grasp     `yaml:"grasp"`
	Rewards   Rewards   `yaml:"rewards"`
	Export    Export    `yaml:"export"`

	// Objects lists the object class placed in each slot of every world.
	Objects []string `yaml:"objects"`

	Workers int `yaml:"workers" env:"GRASPCELL_WORKERS"`
}

type Worlds struct {
	Count   int       `yaml:"count" env:"GRASPCELL_WORLDS"`
	Seed    int64     `yaml:"seed" env:"GRASPCELL_SEED"`
	Spacing float64   `yaml:"spacing"`
	Robot   RobotSpec `yaml:"robot"`
	Bin     BinSpec   `yaml:"bin"`
}

// Origin is world i's scene origin. Worlds are laid out on a square grid,
// row-major, Spacing metres apart and centred on the global origin.
func (w Worlds) Origin(i int) [3]float64 {
	if w.Count <= 0 {
		return [3]float64{}
	}
	cols := int(math.Ceil(math.Sqrt(float64(w.Count))))
	rows := (w.Count + cols - 1) / cols
	r, c := i/cols, i%cols
	return [3]float64{
		(float64(r) - float64(rows-1)/2) * w.Spacing,
		(float64(c) - float64(cols-1)/2) * w.Spacing,
		0,
	}
}

type RobotSpec struct {
	BasePos  [3]float64 `yaml:"base_pos"`
	BaseQuat [4]float64 `yaml:"base_quat_wxyz"`
	// InitJoints is the joint configuration robots reset to.
	InitJoints []float64 `yaml:"init_joints"`
}

// BinSpec is the region objects are dropped into on environment reset,
// in the robot base frame.
type BinSpec struct {
	Center     [3]float64 `yaml:"center"`
	HalfExtent [2]float64 `yaml:"half_extent"`
	DropHeight float64    `yaml:"drop_height"`
}

type Timing struct {
	PhysicsDT  float64 `yaml:"physics_dt"`
	Decimation int     `yaml:"decimation"`
}

// DT is the control period in seconds.
func (t Timing) DT() float64 {
	return t.PhysicsDT * float64(t.Decimation)
}

type Workspace struct {
	X              [2]float64 `yaml:"x"`
	Y              [2]float64 `yaml:"y"`
	HeightLimit    float64    `yaml:"height_limit"`
	LowerTolerance float64    `yaml:"lower_tolerance"`
	VelocityLimit  float64    `yaml:"velocity_limit" env:"GRASPCELL_VELOCITY_LIMIT"`
	SettleTime     float64    `yaml:"settle_time" env:"GRASPCELL_SETTLE_TIME"`
}

// Phases holds the state machine sub-phase thresholds, in seconds and metres.
type Phases struct {
	ChooseTime      float64 `yaml:"choose_time"`
	ApproachTime    float64 `yaml:"approach_time"`
	ApproachTimeout float64 `yaml:"approach_timeout"`
	ReachTolerance  float64 `yaml:"reach_tolerance"`
	GraspTime       float64 `yaml:"grasp_time"`
	LiftTime        float64 `yaml:"lift_time"`
	Standoff        float64 `yaml:"standoff"`
	LiftHeight      float64 `yaml:"lift_height"`
	SuccessHeight   float64 `yaml:"success_height"`
}

type Grasp struct {
	LibraryDir          string  `yaml:"library_dir" env:"GRASPCELL_GRASP_LIBRARY"`
	NoCandidateCooldown float64 `yaml:"no_candidate_cooldown"`
}

type Rewards struct {
	UnitReward float64    `yaml:"unit_reward"`
	DropPos    [3]float64 `yaml:"drop_pos"`
}

type Export struct {
	ResultsPath string `yaml:"results_path" env:"GRASPCELL_RESULTS"`
	EveryTicks  int    `yaml:"every_ticks" env:"GRASPCELL_EXPORT_EVERY_TICKS"`
}

// ConfigurationError reports a missing or invalid parameter. It is fatal at
// startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func Defaults() Tuning {
	return Tuning{
		Worlds: Worlds{
			Count:   4,
			Seed:    1337,
			Spacing: 2.5,
			Robot: RobotSpec{
				BasePos:    [3]float64{0, 0, 0},
				BaseQuat:   [4]float64{1, 0, 0, 0},
				InitJoints: []float64{0.4, 0, 0.45, math.Pi, 0, 0},
			},
			Bin: BinSpec{
				Center:     [3]float64{0.55, 0, 0},
				HalfExtent: [2]float64{0.12, 0.12},
				DropHeight: 0.25,
			},
		},
		Timing: Timing{PhysicsDT: 0.01, Decimation: 2},
		Workspace: Workspace{
			X:              [2]float64{0.3, 0.8},
			Y:              [2]float64{-0.3, 0.3},
			HeightLimit:    0.3,
			LowerTolerance: 0.05,
			VelocityLimit:  0.02,
			SettleTime:     1.0,
		},
		Phases: Phases{
			ChooseTime:      0.1,
			ApproachTime:    1.0,
			ApproachTimeout: 2.5,
			ReachTolerance:  0.01,
			GraspTime:       0.6,
			LiftTime:        1.0,
			Standoff:        0.1,
			LiftHeight:      0.2,
			SuccessHeight:   0.1,
		},
		Grasp: Grasp{
			LibraryDir:          "configs/grasps",
			NoCandidateCooldown: 5.0,
		},
		Rewards: Rewards{
			UnitReward: 1,
			DropPos:    [3]float64{0, -1.0, 0.05},
		},
		Export: Export{
			ResultsPath: "results.csv",
			EveryTicks:  500,
		},
		Objects: []string{"cracker_box", "mustard_bottle", "sugar_box"},
	}
}

// Load reads a YAML tuning file over the defaults, applies GRASPCELL_*
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return t, err
		}
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("cell.yaml: %w", err)
		}
	}
	if err := env.Parse(&t); err != nil {
		return t, fmt.Errorf("parse env: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	check := func(ok bool, field, format string, args ...any) {
		if !ok {
			errs = append(errs, invalid(field, format, args...))
		}
	}

	check(t.Worlds.Count > 0, "worlds.count", "must be > 0, got %d", t.Worlds.Count)
	check(t.Worlds.Spacing >= 0, "worlds.spacing", "must be >= 0")
	check(len(t.Worlds.Robot.InitJoints) > 0, "worlds.robot.init_joints", "must not be empty")
	q := t.Worlds.Robot.BaseQuat
	check(q[0] != 0 || q[1] != 0 || q[2] != 0 || q[3] != 0, "worlds.robot.base_quat_wxyz", "must be non-zero")
	check(t.Worlds.Bin.HalfExtent[0] >= 0 && t.Worlds.Bin.HalfExtent[1] >= 0, "worlds.bin.half_extent", "must be >= 0")

	check(t.Timing.PhysicsDT > 0, "timing.physics_dt", "must be > 0")
	check(t.Timing.Decimation > 0, "timing.decimation", "must be > 0")

	ws := t.Workspace
	check(ws.X[0] < ws.X[1], "workspace.x", "min %.3f must be < max %.3f", ws.X[0], ws.X[1])
	check(ws.Y[0] < ws.Y[1], "workspace.y", "min %.3f must be < max %.3f", ws.Y[0], ws.Y[1])
	check(ws.HeightLimit > -ws.LowerTolerance, "workspace.height_limit", "must exceed -lower_tolerance")
	check(ws.LowerTolerance >= 0, "workspace.lower_tolerance", "must be >= 0")
	check(ws.VelocityLimit > 0, "workspace.velocity_limit", "must be > 0")
	check(ws.SettleTime >= 0, "workspace.settle_time", "must be >= 0")

	p := t.Phases
	check(p.ChooseTime >= 0, "phases.choose_time", "must be >= 0")
	check(p.ApproachTime >= 0, "phases.approach_time", "must be >= 0")
	check(p.ApproachTimeout >= p.ApproachTime, "phases.approach_timeout", "must be >= approach_time")
	check(p.ReachTolerance > 0, "phases.reach_tolerance", "must be > 0")
	check(p.GraspTime >= 0, "phases.grasp_time", "must be >= 0")
	check(p.LiftTime >= 0, "phases.lift_time", "must be >= 0")
	check(p.Standoff >= 0, "phases.standoff", "must be >= 0")
	check(p.LiftHeight > 0, "phases.lift_height", "must be > 0")

	check(strings.TrimSpace(t.Grasp.LibraryDir) != "", "grasp.library_dir", "must not be empty")
	check(t.Grasp.NoCandidateCooldown >= 0, "grasp.no_candidate_cooldown", "must be >= 0")
	check(t.Rewards.UnitReward > 0, "rewards.unit_reward", "must be > 0")
	check(t.Export.EveryTicks >= 0, "export.every_ticks", "must be >= 0")

	check(len(t.Objects) > 0, "objects", "must list at least one object class")
	for i, o := range t.Objects {
		check(strings.TrimSpace(o) != "", fmt.Sprintf("objects[%d]", i), "empty class id")
	}
	check(t.Workers >= 0, "workers", "must be >= 0")

	return errors.Join(errs...)
}
