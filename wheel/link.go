package wheel

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/wheelctl/m25/drive"
	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/telegram"
	"github.com/wheelctl/m25/transport"
	"github.com/wheelctl/m25/wire"
)

// DefaultResponseTimeout bounds the wait for an acknowledgement.
const DefaultResponseTimeout = 200 * time.Millisecond

// ErrNoResponse is returned when a wheel did not answer a request in time.
var ErrNoResponse = errors.New("wheel did not respond")

// Options tune a Link.
type Options struct {
	// Invert flips the side's default speed sign. The left wheel is mirrored, so by default its
	// speed is negated.
	Invert          bool
	Codec           wire.Codec
	ResponseTimeout time.Duration
	// Clock times response deadlines. Nil means the wall clock.
	Clock clock.Clock
}

// Status holds the values a wheel reports through individual reads.
type Status struct {
	SOC         int
	AssistLevel int
	DriveMode   drive.Flags
	// MotorSpeed is signed, in the same units as the remote speed.
	MotorSpeed int16
}

// Link implements Wheel on top of a byte level transport.
type Link struct {
	side      Side
	opts      Options
	transport transport.Transport
	builder   *telegram.Builder
	logger    logging.Logger

	// exchangeMu allows a single request in flight.
	exchangeMu sync.Mutex
	responses  chan reply

	mu          sync.Mutex
	key         []byte
	connected   bool
	flags       drive.Flags
	assistLevel int
	pending     *telegram.Telegram
	handler     StateHandler
}

var _ Wheel = (*Link)(nil)

// NewLink returns a Link for the wheel on side reached through t.
func NewLink(side Side, t transport.Transport, opts Options, logger logging.Logger) *Link {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	dest := byte(telegram.DeviceWheelLeft)
	if side == Right {
		dest = telegram.DeviceWheelRight
	}
	return &Link{
		side:      side,
		opts:      opts,
		transport: t,
		builder:   telegram.NewBuilder(dest),
		logger:    logger,
		responses: make(chan reply, 4),
	}
}

// Name implements Wheel.
func (l *Link) Name() string {
	return l.side.String()
}

// Notifies implements Wheel.
func (l *Link) Notifies() bool {
	return l.transport.Mode() == transport.ModeNotify
}

// Disconnected implements Wheel.
func (l *Link) Disconnected() <-chan struct{} {
	return l.transport.Disconnected()
}

// Connect implements Wheel.
func (l *Link) Connect(ctx context.Context, address string, key []byte) error {
	if address == "" {
		return drive.NewConfigurationError(l.Name()+".address", errors.New("required"))
	}
	if len(key) != wire.KeySize {
		return drive.NewConfigurationError(l.Name()+".key",
			errors.Errorf("must be %d bytes, got %d", wire.KeySize, len(key)))
	}

	l.mu.Lock()
	l.key = append([]byte(nil), key...)
	l.connected = false
	l.flags = drive.FlagsNormal
	l.assistLevel = 0
	l.mu.Unlock()

	if err := l.transport.Connect(ctx, address); err != nil {
		return err
	}
	if l.Notifies() {
		if err := l.transport.Subscribe(l.onFrame); err != nil {
			return multierr.Combine(err, l.transport.Disconnect(ctx))
		}
	}

	if err := l.handshake(ctx); err != nil {
		return multierr.Combine(errors.Wrapf(err, "%s wheel handshake", l.Name()), l.transport.Disconnect(ctx))
	}
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	l.logger.Infow("wheel connected", "wheel", l.Name(), "address", address, "mode", l.transport.Mode().String())
	return nil
}

func (l *Link) handshake(ctx context.Context) error {
	if _, err := l.exchange(ctx, l.builder.WriteSystemMode(telegram.SystemModeConnect), l.opts.ResponseTimeout); err != nil {
		return errors.Wrap(err, "entering connect mode")
	}
	if _, err := l.exchange(ctx, l.builder.WriteDriveMode(drive.FlagRemote), l.opts.ResponseTimeout); err != nil {
		return errors.Wrap(err, "entering remote mode")
	}
	l.mu.Lock()
	l.flags = drive.FlagRemote
	l.mu.Unlock()

	var nack *telegram.NackError
	if _, err := l.readAssistLevel(ctx); errors.As(err, &nack) {
		l.logger.Warnw("wheel does not report its assist level", "wheel", l.Name(), "error", err)
	} else if err != nil {
		return err
	}
	return nil
}

// speedFor returns this wheel's signed speed for frame.
func (l *Link) speedFor(frame drive.CommandFrame) int16 {
	speed := frame.RightSpeed
	negate := false
	if l.side == Left {
		speed = frame.LeftSpeed
		negate = true
	}
	if l.opts.Invert {
		negate = !negate
	}
	if negate {
		speed = -speed
	}
	return int16(speed)
}

// SendCommand implements Wheel. The drive mode is rewritten only when the frame's flags differ
// from what the wheel was last told.
func (l *Link) SendCommand(ctx context.Context, frame drive.CommandFrame) error {
	l.mu.Lock()
	flags := l.flags
	l.mu.Unlock()

	if frame.Flags != flags {
		if _, err := l.exchange(ctx, l.builder.WriteDriveMode(frame.Flags), l.opts.ResponseTimeout); err != nil {
			return errors.Wrap(err, "writing drive mode")
		}
		l.mu.Lock()
		l.flags = frame.Flags
		l.mu.Unlock()
	}
	_, err := l.exchange(ctx, l.builder.WriteRemoteSpeed(l.speedFor(frame)), l.opts.ResponseTimeout)
	return errors.Wrap(err, "writing speed")
}

// SetAssistLevel implements Wheel.
func (l *Link) SetAssistLevel(ctx context.Context, level int) error {
	req, err := l.builder.WriteAssistLevel(level)
	if err != nil {
		return err
	}
	if _, err := l.exchange(ctx, req, l.opts.ResponseTimeout); err != nil {
		return errors.Wrap(err, "writing assist level")
	}
	l.mu.Lock()
	l.assistLevel = level
	l.mu.Unlock()
	return nil
}

func (l *Link) readAssistLevel(ctx context.Context) (int, error) {
	var level int
	err := l.read(ctx, l.builder.ReadAssistLevel(), "assist level", func(t telegram.Telegram) (err error) {
		level, err = telegram.ParseAssistLevel(t)
		return err
	})
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	l.assistLevel = level
	l.mu.Unlock()
	return level, nil
}

// read exchanges req and hands the status reply to parse.
func (l *Link) read(ctx context.Context, req telegram.Telegram, what string, parse func(telegram.Telegram) error) error {
	resp, err := l.exchange(ctx, req, l.opts.ResponseTimeout)
	if err != nil {
		return errors.Wrapf(err, "reading %s", what)
	}
	return errors.Wrapf(parse(resp), "parsing %s", what)
}

// ReadStatus reads the battery charge, assist level, drive mode and motor speed one request at
// a time.
func (l *Link) ReadStatus(ctx context.Context) (Status, error) {
	var st Status
	err := l.read(ctx, l.builder.ReadSOC(), "soc", func(t telegram.Telegram) (err error) {
		st.SOC, err = telegram.ParseSOC(t)
		return err
	})
	if err != nil {
		return Status{}, err
	}
	if st.AssistLevel, err = l.readAssistLevel(ctx); err != nil {
		return Status{}, err
	}
	err = l.read(ctx, l.builder.ReadDriveMode(), "drive mode", func(t telegram.Telegram) (err error) {
		st.DriveMode, err = telegram.ParseDriveMode(t)
		return err
	})
	if err != nil {
		return Status{}, err
	}
	err = l.read(ctx, l.builder.ReadCurrentSpeed(), "current speed", func(t telegram.Telegram) (err error) {
		st.MotorSpeed, err = telegram.ParseCurrentSpeed(t)
		return err
	})
	if err != nil {
		return Status{}, err
	}
	return st, nil
}

// PollState implements Wheel.
func (l *Link) PollState(ctx context.Context, timeout time.Duration) (drive.VehicleState, bool, error) {
	resp, err := l.exchange(ctx, l.builder.ReadCruiseValues(), timeout)
	if err != nil {
		if errors.Is(err, ErrNoResponse) {
			return drive.VehicleState{}, false, nil
		}
		return drive.VehicleState{}, false, err
	}
	state, err := l.vehicleState(resp)
	if err != nil {
		return drive.VehicleState{}, false, err
	}
	return state, true, nil
}

func (l *Link) vehicleState(t telegram.Telegram) (drive.VehicleState, error) {
	cv, err := telegram.ParseCruiseValues(t.Payload)
	if err != nil {
		return drive.VehicleState{}, err
	}
	l.mu.Lock()
	assist := l.assistLevel
	l.mu.Unlock()
	return cv.VehicleState(assist), nil
}

// SubscribeState implements Wheel.
func (l *Link) SubscribeState(handler StateHandler) error {
	if !l.Notifies() {
		return transport.ErrNotifyUnsupported
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
	return nil
}

// Disconnect implements Wheel. A live link is stopped and returned to normal mode first.
func (l *Link) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	connected := l.connected
	remote := l.flags.Has(drive.FlagRemote)
	l.connected = false
	l.handler = nil
	l.mu.Unlock()

	var err error
	select {
	case <-l.transport.Disconnected():
		connected = false
	default:
	}
	if connected && remote {
		if _, sendErr := l.exchange(ctx, l.builder.WriteRemoteSpeed(0), l.opts.ResponseTimeout); sendErr != nil {
			err = multierr.Append(err, errors.Wrap(sendErr, "stopping"))
		}
	}
	if connected {
		if _, sendErr := l.exchange(ctx, l.builder.WriteDriveMode(drive.FlagsNormal), l.opts.ResponseTimeout); sendErr != nil {
			err = multierr.Append(err, errors.Wrap(sendErr, "leaving remote mode"))
		}
	}
	return multierr.Combine(err, l.transport.Disconnect(ctx))
}

// answers reports whether resp is the wheel's reply to req. Status replies use the parameter
// after the read request's.
func answers(req, resp telegram.Telegram) bool {
	if resp.ID != req.ID || resp.Dest != req.Source {
		return false
	}
	if resp.IsAck() || resp.IsNack() {
		return resp.Service == req.Service
	}
	return resp.Service == req.Service && resp.Param == req.Param+1
}

// exchange sends req and waits for its answer. A negative acknowledgement is returned as a
// *telegram.NackError.
func (l *Link) exchange(ctx context.Context, req telegram.Telegram, timeout time.Duration) (telegram.Telegram, error) {
	l.exchangeMu.Lock()
	defer l.exchangeMu.Unlock()

	l.mu.Lock()
	key := l.key
	l.pending = &req
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.pending = nil
		l.mu.Unlock()
	}()

	frame, err := l.opts.Codec.Encode(req.Bytes(), key)
	if err != nil {
		return telegram.Telegram{}, err
	}
	for drained := false; !drained; {
		select {
		case <-l.responses:
		default:
			drained = true
		}
	}
	if err := l.transport.Send(ctx, frame); err != nil {
		return telegram.Telegram{}, err
	}

	resp, err := l.await(ctx, req, timeout)
	if err != nil {
		return telegram.Telegram{}, err
	}
	if resp.IsNack() {
		return resp, &telegram.NackError{Code: resp.Param, Request: req}
	}
	return resp, nil
}

func (l *Link) await(ctx context.Context, req telegram.Telegram, timeout time.Duration) (telegram.Telegram, error) {
	deadline := l.opts.Clock.Now().Add(timeout)
	if l.Notifies() {
		timer := l.opts.Clock.Timer(timeout)
		defer timer.Stop()
		select {
		case r := <-l.responses:
			return r.telegram, r.err
		case <-timer.C:
			return telegram.Telegram{}, ErrNoResponse
		case <-l.transport.Disconnected():
			return telegram.Telegram{}, transport.NewError("await", transport.UnexpectedDisconnect, nil)
		case <-ctx.Done():
			return telegram.Telegram{}, ctx.Err()
		}
	}

	for {
		frame, err := l.transport.Receive(ctx, deadline.Sub(l.opts.Clock.Now()))
		if err != nil {
			if errors.Is(err, transport.ErrReceiveTimeout) {
				return telegram.Telegram{}, ErrNoResponse
			}
			return telegram.Telegram{}, err
		}
		resp, err := l.decode(frame)
		if err != nil {
			return telegram.Telegram{}, err
		}
		if answers(req, resp) {
			return resp, nil
		}
		l.logger.Debugw("ignoring unrelated telegram", "wheel", l.Name(), "telegram", resp.String())
	}
}

func (l *Link) decode(frame []byte) (telegram.Telegram, error) {
	l.mu.Lock()
	key := l.key
	l.mu.Unlock()
	payload, err := l.opts.Codec.Decode(frame, key)
	if err != nil {
		return telegram.Telegram{}, err
	}
	return telegram.Parse(payload)
}

type reply struct {
	telegram telegram.Telegram
	err      error
}

func (l *Link) deliver(r reply) {
	select {
	case l.responses <- r:
	default:
	}
}

// onFrame receives every frame of a notify link.
func (l *Link) onFrame(frame []byte) {
	resp, err := l.decode(frame)

	l.mu.Lock()
	pending := l.pending
	handler := l.handler
	l.mu.Unlock()

	if err != nil {
		l.logger.Debugw("dropping undecodable frame", "wheel", l.Name(), "error", err)
		switch {
		case pending != nil:
			l.deliver(reply{err: err})
		case handler != nil:
			handler(drive.VehicleState{}, err)
		}
		return
	}
	if pending != nil && answers(*pending, resp) {
		l.deliver(reply{telegram: resp})
		return
	}
	if !resp.Is(telegram.ServiceAppMgmt, telegram.ParamCruiseValues) {
		l.logger.Debugw("ignoring unrelated telegram", "wheel", l.Name(), "telegram", resp.String())
		return
	}
	state, err := l.vehicleState(resp)
	if handler != nil {
		handler(state, err)
	}
}
