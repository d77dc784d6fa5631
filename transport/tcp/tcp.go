// Package tcp implements a transport over a TCP stream, used to reach simulated wheels and
// serial-to-network bridges.
package tcp

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/transport"
	"github.com/wheelctl/m25/utils"
	"github.com/wheelctl/m25/wire"
)

// Name is the registered backend name.
const Name = "tcp"

const defaultWriteTimeout = time.Second

// Config is the attribute set of the tcp backend.
type Config struct {
	// Notify pushes inbound frames to subscribers instead of waiting for Receive.
	Notify       bool          `json:"notify,omitempty"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.WriteTimeout < 0 {
		return goutils.NewConfigValidationError(path, errors.New("write_timeout must not be negative"))
	}
	return nil
}

func init() {
	transport.Register(Name, func(conf *Config, logger logging.Logger) (transport.Transport, error) {
		return NewTransport(*conf, logger), nil
	})
}

// Transport is a transport.Transport over TCP. The address passed to Connect is host:port.
type Transport struct {
	cfg    Config
	logger logging.Logger
	queue  *transport.FrameQueue
	down   *transport.Signal

	mu      sync.Mutex
	conn    net.Conn
	workers utils.StoppableWorkers
}

// NewTransport returns an unconnected tcp transport.
func NewTransport(cfg Config, logger logging.Logger) *Transport {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
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
		t.logger.Debugw("closing previous connection", "error", err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return transport.ConnectError(ctx, "dial "+address, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue.Reset()
	t.down.Arm()
	t.conn = conn
	t.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		t.readLoop(ctx, conn)
	})
	t.logger.Debugw("connected", "address", address)
	return nil
}

func (t *Transport) readLoop(ctx context.Context, conn net.Conn) {
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			t.queue.Feed(buf[:n])
		}
		if err != nil {
			if ctx.Err() == nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					t.logger.Warnw("connection lost", "error", err)
				}
				t.down.Fire()
			}
			return
		}
	}
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || t.down.Fired() {
		return transport.NewError("send", transport.NotConnected, nil)
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return transport.NewError("send", transport.WriteFailure, err)
	}
	if _, err := conn.Write(wire.Stuff(frame)); err != nil {
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
	conn, workers := t.conn, t.workers
	t.conn, t.workers = nil, nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	t.down.Fire()
	err := conn.Close()
	workers.Stop()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
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
