// Package drive defines the values exchanged between operator input, the mapper, the wheel
// links and the supervisor.
package drive

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Mode selects the speed cap applied to operator input.
type Mode int

// Drive modes, slowest first.
const (
	ModeStop Mode = iota
	ModeSlow
	ModeNormal
	ModeFast
)

func (m Mode) String() string {
	switch m {
	case ModeStop:
		return "STOP"
	case ModeSlow:
		return "SLOW"
	case ModeNormal:
		return "NORMAL"
	case ModeFast:
		return "FAST"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeFromString parses a mode name case-insensitively.
func ModeFromString(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STOP":
		return ModeStop, nil
	case "SLOW":
		return ModeSlow, nil
	case "NORMAL", "":
		return ModeNormal, nil
	case "FAST":
		return ModeFast, nil
	}
	return ModeStop, errors.Errorf("unknown drive mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ModeFromString(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ControlState is one operator sample. Vx is the lateral axis and Vy the forward axis, both
// normalized to [-1, 1].
type ControlState struct {
	Vx      float64 `json:"vx"`
	Vy      float64 `json:"vy"`
	Deadman bool    `json:"deadman"`
	Mode    Mode    `json:"mode"`
}

// Flags is the wheel drive-mode bit set.
type Flags uint8

// Drive-mode bits as understood by the wheel.
const (
	FlagHillHold Flags = 1 << 0
	FlagCruise   Flags = 1 << 1
	FlagRemote   Flags = 1 << 2
)

// FlagsNormal is the drive mode restored when remote control ends.
const FlagsNormal Flags = 0

// Has reports whether every bit of other is set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

func (f Flags) String() string {
	var names []string
	if f.Has(FlagHillHold) {
		names = append(names, "hill-hold")
	}
	if f.Has(FlagCruise) {
		names = append(names, "cruise")
	}
	if f.Has(FlagRemote) {
		names = append(names, "remote")
	}
	if len(names) == 0 {
		return "normal"
	}
	return strings.Join(names, "|")
}

// CommandFrame is the command for both wheels produced by one tick. Speeds are percentages of
// the wheel's maximum in [-100, 100].
type CommandFrame struct {
	LeftSpeed  int
	RightSpeed int
	Flags      Flags
	IsStop     bool
}

// StopFrame returns a zero-speed frame carrying the given flags.
func StopFrame(flags Flags) CommandFrame {
	return CommandFrame{Flags: flags, IsStop: true}
}

func (f CommandFrame) String() string {
	if f.IsStop {
		return fmt.Sprintf("stop[%s]", f.Flags)
	}
	return fmt.Sprintf("L%+d R%+d [%s]", f.LeftSpeed, f.RightSpeed, f.Flags)
}

// VehicleState is a snapshot of one wheel's telemetry. A new snapshot replaces the previous one
// entirely.
type VehicleState struct {
	// SOC is the battery state of charge in percent.
	SOC int
	// Voltage is zero when the wheel does not report it.
	Voltage float64
	// Speed in km/h.
	Speed       float64
	AssistLevel int
	DriveMode   Flags
	ErrorBits   uint8
	PushRim     int
	PushCounter int
	// Distance is the odometer in meters.
	Distance  float64
	UpdatedAt time.Time
}

// HasError reports whether the wheel signals an error.
func (s VehicleState) HasError() bool {
	return s.ErrorBits != 0
}
