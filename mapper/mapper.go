// Package mapper turns operator input into bounded, ramped wheel commands.
package mapper

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/wheelctl/m25/drive"
)

// Config tunes the mapping. Caps are percentages of full wheel speed and RampRate is in
// percentage points per second.
type Config struct {
	Deadzone      float64 `json:"deadzone"`
	CurveExponent float64 `json:"curve_exponent"`
	SlowCap       int     `json:"slow_cap"`
	NormalCap     int     `json:"normal_cap"`
	FastCap       int     `json:"fast_cap"`
	RampRate      float64 `json:"ramp_rate"`
	HillHold      bool    `json:"hill_hold"`
	Cruise        bool    `json:"cruise"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Deadzone:      0.1,
		CurveExponent: 2.0,
		SlowCap:       30,
		NormalCap:     60,
		FastCap:       100,
		RampRate:      50,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	fail := func(field string, err error) error {
		return drive.NewConfigurationError(field, goutils.NewConfigValidationError(path, err))
	}
	if cfg.Deadzone < 0 || cfg.Deadzone >= 1 {
		return fail("deadzone", errors.Errorf("must be in [0, 1), got %v", cfg.Deadzone))
	}
	if cfg.CurveExponent <= 0 || math.IsNaN(cfg.CurveExponent) || math.IsInf(cfg.CurveExponent, 0) {
		return fail("curve_exponent", errors.Errorf("must be a positive number, got %v", cfg.CurveExponent))
	}
	for _, c := range []struct {
		name string
		val  int
	}{{"slow_cap", cfg.SlowCap}, {"normal_cap", cfg.NormalCap}, {"fast_cap", cfg.FastCap}} {
		if c.val < 0 || c.val > 100 {
			return fail(c.name, errors.Errorf("must be in [0, 100], got %d", c.val))
		}
	}
	if cfg.SlowCap > cfg.NormalCap || cfg.NormalCap > cfg.FastCap {
		return fail("normal_cap", errors.New("caps must not decrease from slow to fast"))
	}
	if cfg.RampRate <= 0 || math.IsNaN(cfg.RampRate) {
		return fail("ramp_rate", errors.Errorf("must be positive, got %v", cfg.RampRate))
	}
	return nil
}

// Cap returns the speed cap for mode.
func (cfg *Config) Cap(mode drive.Mode) int {
	switch mode {
	case drive.ModeSlow:
		return cfg.SlowCap
	case drive.ModeNormal:
		return cfg.NormalCap
	case drive.ModeFast:
		return cfg.FastCap
	case drive.ModeStop:
		return 0
	default:
		return 0
	}
}

// Mapper holds a validated Config and the sub-unit ramp progress of each wheel. It is safe for
// concurrent use.
type Mapper struct {
	cfg Config

	mu          sync.Mutex
	left, right rampState
}

// New validates cfg once. Map never fails afterwards.
func New(cfg Config) (*Mapper, error) {
	if err := cfg.Validate("mapper"); err != nil {
		return nil, err
	}
	return &Mapper{cfg: cfg}, nil
}

// Config returns the validated configuration.
func (m *Mapper) Config() Config {
	return m.cfg
}

// Flags returns the drive-mode bits every frame carries.
func (m *Mapper) Flags() drive.Flags {
	flags := drive.FlagRemote
	if m.cfg.HillHold {
		flags |= drive.FlagHillHold
	}
	if m.cfg.Cruise {
		flags |= drive.FlagCruise
	}
	return flags
}

// Map computes the frame for state given the previous output and the elapsed time dt in
// seconds. A wheel never moves more than RampRate*dt per call; when that is below one unit the
// fraction is carried until a whole unit has accrued.
func (m *Mapper) Map(state drive.ControlState, prev drive.CommandFrame, dt float64) drive.CommandFrame {
	flags := m.Flags()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !state.Deadman {
		m.left, m.right = rampState{}, rampState{}
		return drive.StopFrame(flags)
	}

	vx := shape(state.Vx, m.cfg.Deadzone, m.cfg.CurveExponent)
	vy := shape(state.Vy, m.cfg.Deadzone, m.cfg.CurveExponent)

	limit := m.cfg.Cap(state.Mode)
	flimit := float64(limit)
	leftTarget := clamp(clamp(vy+vx, -1, 1)*100, -flimit, flimit)
	rightTarget := clamp(clamp(vy-vx, -1, 1)*100, -flimit, flimit)

	step := m.cfg.RampRate * dt
	if step < 0 || math.IsNaN(step) {
		step = 0
	}
	// No wheel ever needs to move further than full reverse to full forward.
	step = math.Min(step, 200)

	frame := drive.CommandFrame{
		LeftSpeed:  clampInt(m.left.advance(prev.LeftSpeed, int(math.Round(leftTarget)), step), -limit, limit),
		RightSpeed: clampInt(m.right.advance(prev.RightSpeed, int(math.Round(rightTarget)), step), -limit, limit),
		Flags:      flags,
	}
	frame.IsStop = frame.LeftSpeed == 0 && frame.RightSpeed == 0 && state.Mode == drive.ModeStop
	return frame
}

// rampState is the fractional ramp progress of one wheel toward its current direction.
type rampState struct {
	carry float64
	dir   int
}

// advance moves prev toward target by whole units only. Rates of one unit per call or more are
// truncated; slower rates accumulate in carry.
func (r *rampState) advance(prev, target int, step float64) int {
	delta := target - prev
	if delta == 0 {
		*r = rampState{}
		return prev
	}
	dir := 1
	if delta < 0 {
		dir, delta = -1, -delta
	}
	if dir != r.dir {
		*r = rampState{dir: dir}
	}

	var move int
	if step >= 1 {
		move = int(step)
		r.carry = 0
	} else {
		r.carry += step
		move = int(r.carry)
		r.carry -= float64(move)
	}
	if move >= delta {
		move = delta
		r.carry = 0
	}
	return prev + dir*move
}

// shape applies the deadzone and the response curve to one axis.
func shape(value, deadzone, exponent float64) float64 {
	value = clamp(value, -1, 1)
	if math.IsNaN(value) || math.Abs(value) < deadzone {
		return 0
	}
	return math.Copysign(math.Pow(math.Abs(value), exponent), value)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
