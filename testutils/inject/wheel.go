// Package inject provides wheels whose behavior is set per test through function fields.
package inject

import (
	"context"
	"sync"
	"time"

	"github.com/wheelctl/m25/drive"
	"github.com/wheelctl/m25/wheel"
)

// Wheel is an injectable wheel. Methods without a func fall back to the embedded Wheel, or
// succeed without doing anything when there is none.
type Wheel struct {
	wheel.Wheel
	WheelName          string
	ConnectFunc        func(ctx context.Context, address string, key []byte) error
	SendCommandFunc    func(ctx context.Context, frame drive.CommandFrame) error
	SetAssistLevelFunc func(ctx context.Context, level int) error
	PollStateFunc      func(ctx context.Context, timeout time.Duration) (drive.VehicleState, bool, error)
	SubscribeStateFunc func(handler wheel.StateHandler) error
	NotifiesFunc       func() bool
	DisconnectedFunc   func() <-chan struct{}
	DisconnectFunc     func(ctx context.Context) error

	once sync.Once
	down chan struct{}
}

func (w *Wheel) Name() string {
	if w.WheelName != "" {
		return w.WheelName
	}
	if w.Wheel == nil {
		return "inject"
	}
	return w.Wheel.Name()
}

func (w *Wheel) Connect(ctx context.Context, address string, key []byte) error {
	if w.ConnectFunc == nil {
		if w.Wheel == nil {
			return nil
		}
		return w.Wheel.Connect(ctx, address, key)
	}
	return w.ConnectFunc(ctx, address, key)
}

func (w *Wheel) SendCommand(ctx context.Context, frame drive.CommandFrame) error {
	if w.SendCommandFunc == nil {
		if w.Wheel == nil {
			return nil
		}
		return w.Wheel.SendCommand(ctx, frame)
	}
	return w.SendCommandFunc(ctx, frame)
}

func (w *Wheel) SetAssistLevel(ctx context.Context, level int) error {
	if w.SetAssistLevelFunc == nil {
		if w.Wheel == nil {
			return nil
		}
		return w.Wheel.SetAssistLevel(ctx, level)
	}
	return w.SetAssistLevelFunc(ctx, level)
}

func (w *Wheel) PollState(ctx context.Context, timeout time.Duration) (drive.VehicleState, bool, error) {
	if w.PollStateFunc == nil {
		if w.Wheel == nil {
			return drive.VehicleState{}, true, nil
		}
		return w.Wheel.PollState(ctx, timeout)
	}
	return w.PollStateFunc(ctx, timeout)
}

func (w *Wheel) SubscribeState(handler wheel.StateHandler) error {
	if w.SubscribeStateFunc == nil {
		if w.Wheel == nil {
			return nil
		}
		return w.Wheel.SubscribeState(handler)
	}
	return w.SubscribeStateFunc(handler)
}

func (w *Wheel) Notifies() bool {
	if w.NotifiesFunc == nil {
		if w.Wheel == nil {
			return false
		}
		return w.Wheel.Notifies()
	}
	return w.NotifiesFunc()
}

// Disconnected returns a channel that never closes unless DisconnectedFunc or the embedded
// Wheel say otherwise.
func (w *Wheel) Disconnected() <-chan struct{} {
	if w.DisconnectedFunc == nil {
		if w.Wheel == nil {
			w.once.Do(func() { w.down = make(chan struct{}) })
			return w.down
		}
		return w.Wheel.Disconnected()
	}
	return w.DisconnectedFunc()
}

func (w *Wheel) Disconnect(ctx context.Context) error {
	if w.DisconnectFunc == nil {
		if w.Wheel == nil {
			return nil
		}
		return w.Wheel.Disconnect(ctx)
	}
	return w.DisconnectFunc(ctx)
}
