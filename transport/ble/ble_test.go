package ble

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/telegram"
	"github.com/wheelctl/m25/transport"
	"github.com/wheelctl/m25/transport/sim"
	"github.com/wheelctl/m25/wire"
)

var testKey = []byte("0123456789ABCDEF")

// fakePeripheral is a GATT server in front of a simulated wheel.
type fakePeripheral struct {
	wheel *sim.Wheel
	chars []Characteristic

	mu       sync.Mutex
	inbound  wire.Deframer
	writes   [][]byte
	pending  []byte
	notify   func([]byte)
	down     chan struct{}
	closed   bool
	withResp []bool
}

func newFakePeripheral(t *testing.T, chars []Characteristic) *fakePeripheral {
	t.Helper()
	w, err := sim.NewWheel("AA:BB", testKey, telegram.DeviceWheelLeft, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return &fakePeripheral{wheel: w, chars: chars, down: make(chan struct{})}
}

func (p *fakePeripheral) Characteristics(ctx context.Context) ([]Characteristic, error) {
	return p.chars, nil
}

func (p *fakePeripheral) Write(ctx context.Context, char string, data []byte, withResponse bool) error {
	p.mu.Lock()
	p.writes = append(p.writes, append([]byte(nil), data...))
	p.withResp = append(p.withResp, withResponse)
	frames := p.inbound.Write(data)
	p.mu.Unlock()

	for _, frame := range frames {
		responses, err := p.wheel.Handle(frame)
		if err != nil {
			continue
		}
		for _, resp := range responses {
			stuffed := wire.Stuff(resp)
			p.mu.Lock()
			notify := p.notify
			if notify == nil {
				p.pending = append(p.pending, stuffed...)
			}
			p.mu.Unlock()
			for notify != nil && len(stuffed) > 0 {
				n := min(len(stuffed), DefaultMTU)
				notify(stuffed[:n])
				stuffed = stuffed[n:]
			}
		}
	}
	return nil
}

func (p *fakePeripheral) Read(ctx context.Context, char string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(len(p.pending), DefaultMTU)
	out := p.pending[:n]
	p.pending = p.pending[n:]
	return out, nil
}

func (p *fakePeripheral) Subscribe(char string, handler func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notify = handler
	return nil
}

func (p *fakePeripheral) Disconnected() <-chan struct{} {
	return p.down
}

func (p *fakePeripheral) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.down)
	}
}

func (p *fakePeripheral) Close() error {
	p.drop()
	return nil
}

func dialer(p *fakePeripheral) Dialer {
	return func(ctx context.Context, address string) (Peripheral, error) {
		if address != "AA:BB" {
			return nil, errors.New("device not found")
		}
		return p, nil
	}
}

var uartChars = []Characteristic{
	{Service: "00001800-0000-1000-8000-00805F9B34FB", UUID: "00002A00-0000-1000-8000-00805F9B34FB", Read: true, Write: true},
	{Service: UARTServiceUUID, UUID: UARTRxCharUUID, Notify: true, Read: true},
	{Service: UARTServiceUUID, UUID: UARTTxCharUUID, WriteNoResponse: true},
}

func TestChannels(t *testing.T) {
	command, status, err := channels(uartChars, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, command.UUID, test.ShouldEqual, UARTTxCharUUID)
	test.That(t, status.UUID, test.ShouldEqual, UARTRxCharUUID)

	generic := []Characteristic{
		{UUID: "A", Read: true},
		{UUID: "B", Write: true},
		{UUID: "C", Notify: true},
		{UUID: "D", WriteNoResponse: true},
	}
	command, status, err = channels(generic, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, command.UUID, test.ShouldEqual, "B")
	test.That(t, status.UUID, test.ShouldEqual, "C")

	_, status, err = channels(generic, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status.UUID, test.ShouldEqual, "A")

	_, _, err = channels([]Characteristic{{UUID: "A", Read: true}}, false)
	test.That(t, err, test.ShouldBeError, errors.New("no writable characteristic"))
	_, _, err = channels([]Characteristic{{UUID: "A", Read: true, Write: true}}, true)
	test.That(t, err, test.ShouldBeError, errors.New("no notifying characteristic"))
}

func exchange(t *testing.T, tr *Transport, req telegram.Telegram) telegram.Telegram {
	t.Helper()
	ctx := context.Background()
	frame, err := wire.Codec{}.Encode(req.Bytes(), testKey)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.Send(ctx, frame), test.ShouldBeNil)
	got, err := tr.Receive(ctx, 5*time.Second)
	test.That(t, err, test.ShouldBeNil)
	payload, err := wire.Codec{}.Decode(got, testKey)
	test.That(t, err, test.ShouldBeNil)
	resp, err := telegram.Parse(payload)
	test.That(t, err, test.ShouldBeNil)
	return resp
}

func TestNotifyTransport(t *testing.T) {
	ctx := context.Background()
	p := newFakePeripheral(t, uartChars)
	tr := NewTransport(Config{}, transport.ModeNotify, dialer(p), logging.NewTestLogger(t))

	err := tr.Connect(ctx, "CC:DD")
	test.That(t, transport.IsKind(err, transport.ConnectFailure), test.ShouldBeTrue)

	test.That(t, tr.Connect(ctx, "AA:BB"), test.ShouldBeNil)
	b := telegram.NewBuilder(telegram.DeviceWheelLeft)
	req := b.WriteSystemMode(telegram.SystemModeConnect)
	resp := exchange(t, tr, req)
	test.That(t, resp.ID, test.ShouldEqual, req.ID)
	test.That(t, resp.IsAck(), test.ShouldBeTrue)

	p.mu.Lock()
	for _, w := range p.writes {
		test.That(t, len(w), test.ShouldBeLessThanOrEqualTo, DefaultMTU)
	}
	test.That(t, len(p.writes), test.ShouldBeGreaterThan, 1)
	test.That(t, p.withResp[0], test.ShouldBeFalse)
	p.mu.Unlock()

	frames := make(chan []byte, 1)
	test.That(t, tr.Subscribe(func(frame []byte) { frames <- frame }), test.ShouldBeNil)
	frame, err := wire.Codec{}.Encode(b.ReadSOC().Bytes(), testKey)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.Send(ctx, frame), test.ShouldBeNil)
	_, err = wire.Codec{}.Decode(<-frames, testKey)
	test.That(t, err, test.ShouldBeNil)

	p.drop()
	select {
	case <-tr.Disconnected():
	case <-time.After(5 * time.Second):
		t.Fatal("expected the link to go down")
	}
	test.That(t, transport.IsKind(tr.Send(ctx, frame), transport.NotConnected), test.ShouldBeTrue)
	test.That(t, tr.Disconnect(ctx), test.ShouldBeNil)
}

func TestPollTransport(t *testing.T) {
	ctx := context.Background()
	chars := []Characteristic{
		{UUID: "CMD", Write: true},
		{UUID: "STATUS", Read: true},
	}
	p := newFakePeripheral(t, chars)
	tr := NewTransport(Config{PollInterval: time.Millisecond}, transport.ModePoll, dialer(p), logging.NewTestLogger(t))
	test.That(t, tr.Connect(ctx, "AA:BB"), test.ShouldBeNil)
	defer func() {
		test.That(t, tr.Disconnect(ctx), test.ShouldBeNil)
	}()
	test.That(t, tr.Subscribe(func([]byte) {}), test.ShouldEqual, transport.ErrNotifyUnsupported)

	req := telegram.NewBuilder(telegram.DeviceWheelLeft).ReadCruiseValues()
	resp := exchange(t, tr, req)
	test.That(t, resp.ID, test.ShouldEqual, req.ID)
	test.That(t, resp.Is(telegram.ServiceAppMgmt, telegram.ParamCruiseValues), test.ShouldBeTrue)

	p.mu.Lock()
	test.That(t, p.withResp[0], test.ShouldBeTrue)
	p.mu.Unlock()

	_, err := tr.Receive(ctx, 5*time.Millisecond)
	test.That(t, err, test.ShouldEqual, transport.ErrReceiveTimeout)
}

func TestPollReceiveDeadline(t *testing.T) {
	ctx := context.Background()
	p := newFakePeripheral(t, []Characteristic{{UUID: "CMD", Write: true}, {UUID: "STATUS", Read: true}})
	clk := clock.NewMock()
	tr := NewTransport(Config{PollInterval: time.Second, Clock: clk}, transport.ModePoll, dialer(p), logging.NewTestLogger(t))
	test.That(t, tr.Connect(ctx, "AA:BB"), test.ShouldBeNil)
	defer func() {
		test.That(t, tr.Disconnect(ctx), test.ShouldBeNil)
	}()

	done := make(chan error, 1)
	go func() {
		_, err := tr.Receive(ctx, 10*time.Second)
		done <- err
	}()
	var (
		err      error
		returned bool
		advanced time.Duration
	)
	for !returned {
		select {
		case err = <-done:
			returned = true
		case <-time.After(5 * time.Millisecond):
			clk.Add(time.Second)
			advanced += time.Second
		}
	}
	test.That(t, err, test.ShouldEqual, transport.ErrReceiveTimeout)
	test.That(t, advanced, test.ShouldBeGreaterThanOrEqualTo, 10*time.Second)
}

func TestDiscoveryFailure(t *testing.T) {
	p := newFakePeripheral(t, []Characteristic{{UUID: "ONLY", Read: true}})
	tr := NewTransport(Config{}, transport.ModeNotify, dialer(p), logging.NewTestLogger(t))
	err := tr.Connect(context.Background(), "AA:BB")
	test.That(t, transport.IsKind(err, transport.DiscoveryFailure), test.ShouldBeTrue)
	test.That(t, p.closed, test.ShouldBeTrue)
}
