// Package wheel drives one wheel over a transport: it seals commands into frames, performs the
// remote mode handshake and turns status telegrams into vehicle state.
package wheel

import (
	"context"
	"time"

	"github.com/wheelctl/m25/drive"
)

// StateHandler receives pushed status. err is set when a pushed frame could not be decoded.
type StateHandler func(state drive.VehicleState, err error)

// Wheel is the per-wheel contract the supervisor drives.
type Wheel interface {
	Name() string
	// Connect opens the link to address and switches the wheel into remote mode.
	Connect(ctx context.Context, address string, key []byte) error
	// SendCommand writes this wheel's share of frame.
	SendCommand(ctx context.Context, frame drive.CommandFrame) error
	// SetAssistLevel writes the wheel's assist level. Reported state carries the new level once
	// the wheel acknowledged it.
	SetAssistLevel(ctx context.Context, level int) error
	// PollState requests status and waits up to timeout. ok is false when nothing arrived.
	PollState(ctx context.Context, timeout time.Duration) (state drive.VehicleState, ok bool, err error)
	// SubscribeState registers handler for pushed status. Poll only links return an error.
	SubscribeState(handler StateHandler) error
	// Notifies reports whether the wheel pushes status on its own.
	Notifies() bool
	// Disconnected is closed when the link goes down.
	Disconnected() <-chan struct{}
	// Disconnect stops the wheel, leaves remote mode and closes the link.
	Disconnect(ctx context.Context) error
}

// Side is the wheel's mounting side.
type Side int

// Sides.
const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}
