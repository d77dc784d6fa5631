// Package ble implements the wireless transports: "ble" receives status through notifications
// and "ble-poll" reads the status characteristic on demand.
package ble

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/transport"
	"github.com/wheelctl/m25/utils"
	"github.com/wheelctl/m25/wire"
)

// Registered backend names.
const (
	NotifyName = "ble"
	PollName   = "ble-poll"
)

const (
	// DefaultMTU is the payload a single write carries without a negotiated MTU.
	DefaultMTU          = 20
	defaultPollInterval = 20 * time.Millisecond
)

// Config is the attribute set of both wireless backends.
type Config struct {
	// MTU bounds the bytes per characteristic write.
	MTU int `json:"mtu,omitempty"`
	// PollInterval spaces status reads in poll mode.
	PollInterval time.Duration `json:"poll_interval,omitempty"`
	// WriteWithResponse forces acknowledged writes even when the command characteristic
	// accepts unacknowledged ones.
	WriteWithResponse bool `json:"write_with_response,omitempty"`
	// Clock times receive deadlines and status reads. Nil means the wall clock.
	Clock clock.Clock `json:"-"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.MTU < 0 {
		return goutils.NewConfigValidationError(path, errors.New("mtu must not be negative"))
	}
	if cfg.PollInterval < 0 {
		return goutils.NewConfigValidationError(path, errors.New("poll_interval must not be negative"))
	}
	return nil
}

func init() {
	transport.Register(NotifyName, func(conf *Config, logger logging.Logger) (transport.Transport, error) {
		return NewTransport(*conf, transport.ModeNotify, DialGATT, logger), nil
	})
	transport.Register(PollName, func(conf *Config, logger logging.Logger) (transport.Transport, error) {
		return NewTransport(*conf, transport.ModePoll, DialGATT, logger), nil
	})
}

// Transport is a transport.Transport over a GATT connection.
type Transport struct {
	cfg    Config
	mode   transport.Mode
	dial   Dialer
	logger logging.Logger
	queue  *transport.FrameQueue
	down   *transport.Signal

	mu         sync.Mutex
	peripheral Peripheral
	command    Characteristic
	status     Characteristic
	workers    utils.StoppableWorkers
}

// NewTransport returns an unconnected wireless transport that reaches peripherals through dial.
func NewTransport(cfg Config, mode transport.Mode, dial Dialer, logger logging.Logger) *Transport {
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Transport{
		cfg:    cfg,
		mode:   mode,
		dial:   dial,
		logger: logger,
		queue:  transport.NewFrameQueue(transport.DefaultQueueCapacity, cfg.Clock),
		down:   transport.NewSignal(),
	}
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, address string) error {
	if err := t.Disconnect(ctx); err != nil {
		t.logger.Debugw("closing previous connection", "error", err)
	}

	p, err := t.dial(ctx, address)
	if err != nil {
		return transport.ConnectError(ctx, "dial "+address, err)
	}
	command, status, err := t.discover(ctx, p)
	if err != nil {
		if closeErr := p.Close(); closeErr != nil {
			t.logger.Debugw("closing after failed discovery", "error", closeErr)
		}
		return transport.NewError("discover "+address, transport.DiscoveryFailure, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue.Reset()
	t.down.Arm()
	t.peripheral, t.command, t.status = p, command, status
	t.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-p.Disconnected():
			if t.down.Fire() {
				t.logger.Warnw("peripheral dropped the connection", "address", address)
			}
		}
	})
	t.logger.Debugw("connected", "address", address, "command", command.UUID, "status", status.UUID, "mode", t.mode.String())
	return nil
}

func (t *Transport) discover(ctx context.Context, p Peripheral) (Characteristic, Characteristic, error) {
	chars, err := p.Characteristics(ctx)
	if err != nil {
		return Characteristic{}, Characteristic{}, err
	}
	command, status, err := channels(chars, t.mode == transport.ModeNotify)
	if err != nil {
		return Characteristic{}, Characteristic{}, err
	}
	// A poll link whose status channel cannot be read still works through notifications
	// queued for Receive.
	if status.Notify && (t.mode == transport.ModeNotify || !status.Read) {
		if err := p.Subscribe(status.UUID, t.queue.Feed); err != nil {
			return Characteristic{}, Characteristic{}, errors.Wrap(err, "enabling notifications")
		}
	}
	return command, status, nil
}

func (t *Transport) current() (Peripheral, Characteristic, Characteristic) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peripheral, t.command, t.status
}

// Send implements transport.Transport. The stuffed frame is split into MTU sized writes.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	p, command, _ := t.current()
	if p == nil || t.down.Fired() {
		return transport.NewError("send", transport.NotConnected, nil)
	}
	withResponse := t.cfg.WriteWithResponse || !command.WriteNoResponse
	data := wire.Stuff(frame)
	for len(data) > 0 {
		n := min(len(data), t.cfg.MTU)
		if err := p.Write(ctx, command.UUID, data[:n], withResponse); err != nil {
			return transport.NewError("send", transport.WriteFailure, err)
		}
		data = data[n:]
	}
	return nil
}

// Receive implements transport.Transport. In poll mode it reads the status characteristic until
// a whole frame arrived or timeout passed.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	p, _, status := t.current()
	if p == nil || t.down.Fired() {
		return nil, transport.NewError("receive", transport.NotConnected, nil)
	}
	if t.mode == transport.ModeNotify || !status.Read {
		return t.queue.Receive(ctx, timeout)
	}

	deadline := t.cfg.Clock.Now().Add(timeout)
	for {
		if frame, err := t.queue.Receive(ctx, 0); err == nil {
			return frame, nil
		}
		data, err := p.Read(ctx, status.UUID)
		if err != nil {
			return nil, transport.NewError("receive", transport.ReadFailure, err)
		}
		if len(data) > 0 {
			t.queue.Feed(data)
			if frame, err := t.queue.Receive(ctx, 0); err == nil {
				return frame, nil
			}
		}
		if !t.cfg.Clock.Now().Before(deadline) {
			return nil, transport.ErrReceiveTimeout
		}
		if err := t.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// wait sleeps one poll interval on the transport's clock.
func (t *Transport) wait(ctx context.Context) error {
	timer := t.cfg.Clock.Timer(t.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(handler transport.FrameHandler) error {
	if t.mode != transport.ModeNotify {
		return transport.ErrNotifyUnsupported
	}
	t.queue.SetHandler(handler)
	return nil
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	p, workers := t.peripheral, t.workers
	t.peripheral, t.workers = nil, nil
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	t.down.Fire()
	err := p.Close()
	workers.Stop()
	return err
}

// Disconnected implements transport.Transport.
func (t *Transport) Disconnected() <-chan struct{} {
	return t.down.Done()
}

// Mode implements transport.Transport.
func (t *Transport) Mode() transport.Mode {
	return t.mode
}
