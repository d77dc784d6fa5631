package sim

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/telegram"
	"github.com/wheelctl/m25/transport"
	"github.com/wheelctl/m25/wire"
)

// Name is the registered backend name.
const Name = "sim"

// WheelConfig describes one simulated wheel.
type WheelConfig struct {
	Address string `json:"address"`
	Key     string `json:"key"`
	Side    string `json:"side,omitempty"`
}

// Config is the attribute set of the sim backend.
type Config struct {
	Wheels []WheelConfig `json:"wheels"`
	// Notify makes the wheels push a status report after every write.
	Notify bool `json:"notify,omitempty"`
	// FailConnects makes the first N connect attempts fail.
	FailConnects int `json:"fail_connects,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if len(cfg.Wheels) == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "wheels")
	}
	for i, w := range cfg.Wheels {
		if w.Address == "" {
			return goutils.NewConfigValidationFieldRequiredError(path, "wheels.address")
		}
		key, err := hex.DecodeString(w.Key)
		if err != nil || len(key) != wire.KeySize {
			return goutils.NewConfigValidationError(path, errors.Errorf("wheels[%d].key must be %d hex encoded bytes", i, wire.KeySize))
		}
	}
	if cfg.FailConnects < 0 {
		return goutils.NewConfigValidationError(path, errors.New("fail_connects must not be negative"))
	}
	return nil
}

func init() {
	transport.Register(Name, func(conf *Config, logger logging.Logger) (transport.Transport, error) {
		wheels := make([]*Wheel, 0, len(conf.Wheels))
		for _, wc := range conf.Wheels {
			key, err := hex.DecodeString(wc.Key)
			if err != nil {
				return nil, errors.Wrapf(err, "wheel %q key", wc.Address)
			}
			id := byte(telegram.DeviceWheelLeft)
			if wc.Side == "right" {
				id = telegram.DeviceWheelRight
			}
			w, err := NewWheel(wc.Address, key, id, logger.Sublogger("wheel"))
			if err != nil {
				return nil, err
			}
			wheels = append(wheels, w)
		}
		mode := transport.ModePoll
		if conf.Notify {
			mode = transport.ModeNotify
		}
		t := NewTransport(mode, logger, wheels...)
		t.FailConnects(conf.FailConnects)
		return t, nil
	})
}

// Transport is an in-memory link to simulated wheels. Frames are stuffed and reassembled exactly
// as they would be over the air.
type Transport struct {
	mode   transport.Mode
	logger logging.Logger
	wheels map[string]*Wheel
	queue  *transport.FrameQueue
	down   *transport.Signal

	mu           sync.Mutex
	connected    *Wheel
	inbound      wire.Deframer
	failConnects int
	connects     int
}

// NewTransport returns a transport that can reach wheels by their addresses.
func NewTransport(mode transport.Mode, logger logging.Logger, wheels ...*Wheel) *Transport {
	t := &Transport{
		mode:   mode,
		logger: logger,
		wheels: make(map[string]*Wheel, len(wheels)),
		queue:  transport.NewFrameQueue(transport.DefaultQueueCapacity, nil),
		down:   transport.NewSignal(),
	}
	for _, w := range wheels {
		t.wheels[w.Address()] = w
	}
	return t
}

// FailConnects makes the next n connect attempts fail.
func (t *Transport) FailConnects(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failConnects = n
}

// Connects counts connect attempts.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if err := ctx.Err(); err != nil {
		return transport.ConnectError(ctx, "connect", err)
	}
	if t.failConnects > 0 {
		t.failConnects--
		return transport.NewError("connect", transport.ConnectFailure, errors.Errorf("simulated failure reaching %q", address))
	}
	w, ok := t.wheels[address]
	if !ok {
		return transport.NewError("connect", transport.DiscoveryFailure, errors.Errorf("no simulated wheel at %q", address))
	}
	t.connected = w
	t.inbound.Reset()
	t.queue.Reset()
	t.down.Arm()
	t.logger.Debugw("simulated link up", "address", address, "mode", t.mode.String())
	return nil
}

// Send implements transport.Transport. The wheel answers before Send returns.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	w := t.connected
	var frames [][]byte
	if w != nil {
		frames = t.inbound.Write(wire.Stuff(frame))
	}
	t.mu.Unlock()

	if w == nil {
		return transport.NewError("send", transport.NotConnected, nil)
	}
	if err := ctx.Err(); err != nil {
		return transport.NewError("send", transport.WriteFailure, err)
	}

	for _, in := range frames {
		responses, err := w.Handle(in)
		if err != nil {
			t.logger.Debugw("simulated wheel dropped frame", "error", err)
			continue
		}
		if t.mode == transport.ModeNotify {
			if status, err := w.StatusFrame(); err == nil {
				responses = append(responses, status)
			}
		}
		for _, resp := range responses {
			t.queue.Feed(wire.Stuff(resp))
		}
	}
	return nil
}

// Push delivers an unsolicited status report from the connected wheel.
func (t *Transport) Push() error {
	t.mu.Lock()
	w := t.connected
	t.mu.Unlock()
	if w == nil {
		return transport.NewError("push", transport.NotConnected, nil)
	}
	status, err := w.StatusFrame()
	if err != nil {
		return err
	}
	t.queue.Feed(wire.Stuff(status))
	return nil
}

// Receive implements transport.Transport.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if t.down.Fired() {
		return nil, transport.NewError("receive", transport.NotConnected, nil)
	}
	return t.queue.Receive(ctx, timeout)
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(handler transport.FrameHandler) error {
	if t.mode != transport.ModeNotify {
		return transport.ErrNotifyUnsupported
	}
	t.queue.SetHandler(handler)
	return nil
}

// Kill drops the link as if the wheel went out of range.
func (t *Transport) Kill() {
	t.mu.Lock()
	t.connected = nil
	t.mu.Unlock()
	t.down.Fire()
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = nil
	t.mu.Unlock()
	t.queue.Reset()
	t.down.Fire()
	return nil
}

// Disconnected implements transport.Transport.
func (t *Transport) Disconnected() <-chan struct{} {
	return t.down.Done()
}

// Mode implements transport.Transport.
func (t *Transport) Mode() transport.Mode {
	return t.mode
}
