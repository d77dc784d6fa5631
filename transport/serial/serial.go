// Package serial implements a transport over a serial port, for wheels reached through a UART
// bridge. Frames travel stuffed on the byte stream.
package serial

import (
	"context"
	"io"
	"sync"
	"time"

	goserial "github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/transport"
	"github.com/wheelctl/m25/utils"
	"github.com/wheelctl/m25/wire"
)

// Name is the registered backend name.
const Name = "serial"

const defaultBaudRate = 115200

// Open opens a port; tests replace it.
var Open = func(options goserial.OpenOptions) (io.ReadWriteCloser, error) {
	return goserial.Open(options)
}

// Config is the attribute set of the serial backend.
type Config struct {
	BaudRate    int  `json:"baud_rate,omitempty"`
	FlowControl bool `json:"flow_control,omitempty"`
	Notify      bool `json:"notify,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.BaudRate < 0 {
		return goutils.NewConfigValidationError(path, errors.New("baud_rate must not be negative"))
	}
	return nil
}

func init() {
	transport.Register(Name, func(conf *Config, logger logging.Logger) (transport.Transport, error) {
		return NewTransport(*conf, logger), nil
	})
}

// Transport is a transport.Transport over a serial port. The address passed to Connect is the
// device path.
type Transport struct {
	cfg    Config
	logger logging.Logger
	queue  *transport.FrameQueue
	down   *transport.Signal

	mu      sync.Mutex
	port    io.ReadWriteCloser
	workers utils.StoppableWorkers
}

// NewTransport returns an unconnected serial transport.
func NewTransport(cfg Config, logger logging.Logger) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	return &Transport{
		cfg:    cfg,
		logger: logger,
		queue:  transport.NewFrameQueue(transport.DefaultQueueCapacity, nil),
		down:   transport.NewSignal(),
	}
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context, address string) error {
	if err := t.Disconnect(ctx); err != nil {
		t.logger.Debugw("closing previous port", "error", err)
	}
	if err := ctx.Err(); err != nil {
		return transport.ConnectError(ctx, "open "+address, err)
	}

	port, err := Open(goserial.OpenOptions{
		PortName:          address,
		BaudRate:          uint(t.cfg.BaudRate),
		DataBits:          8,
		StopBits:          1,
		MinimumReadSize:   1,
		RTSCTSFlowControl: t.cfg.FlowControl,
	})
	if err != nil {
		return transport.NewError("open "+address, transport.ConnectFailure, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue.Reset()
	t.down.Arm()
	t.port = port
	t.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		t.readLoop(ctx, port)
	})
	t.logger.Debugw("port open", "path", address, "baud", t.cfg.BaudRate)
	return nil
}

func (t *Transport) readLoop(ctx context.Context, port io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			t.queue.Feed(buf[:n])
		}
		if err != nil {
			if ctx.Err() == nil && t.down.Fire() {
				t.logger.Warnw("serial port lost", "error", err)
			}
			return
		}
	}
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil || t.down.Fired() {
		return transport.NewError("send", transport.NotConnected, nil)
	}
	if err := ctx.Err(); err != nil {
		return transport.NewError("send", transport.WriteFailure, err)
	}
	if _, err := port.Write(wire.Stuff(frame)); err != nil {
		return transport.NewError("send", transport.WriteFailure, err)
	}
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
	if !t.cfg.Notify {
		return transport.ErrNotifyUnsupported
	}
	t.queue.SetHandler(handler)
	return nil
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	port, workers := t.port, t.workers
	t.port, t.workers = nil, nil
	t.mu.Unlock()
	if port == nil {
		return nil
	}
	t.down.Fire()
	err := port.Close()
	workers.Stop()
	return err
}

// Disconnected implements transport.Transport.
func (t *Transport) Disconnected() <-chan struct{} {
	return t.down.Done()
}

// Mode implements transport.Transport.
func (t *Transport) Mode() transport.Mode {
	if t.cfg.Notify {
		return transport.ModeNotify
	}
	return transport.ModePoll
}
