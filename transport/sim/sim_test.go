package sim

import (
	"context"
	"net"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/wheelctl/m25/drive"
	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/telegram"
	"github.com/wheelctl/m25/transport"
	"github.com/wheelctl/m25/wire"
)

var testKey = []byte{
	0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
	0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
}

func seal(t *testing.T, tg telegram.Telegram) []byte {
	t.Helper()
	frame, err := wire.Codec{}.Encode(tg.Bytes(), testKey)
	test.That(t, err, test.ShouldBeNil)
	return frame
}

func open(t *testing.T, frame []byte) telegram.Telegram {
	t.Helper()
	payload, err := wire.Codec{}.Decode(frame, testKey)
	test.That(t, err, test.ShouldBeNil)
	tg, err := telegram.Parse(payload)
	test.That(t, err, test.ShouldBeNil)
	return tg
}

func newTestWheel(t *testing.T) *Wheel {
	t.Helper()
	w, err := NewWheel("sim-left", testKey, telegram.DeviceWheelLeft, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return w
}

func TestWheelHandshake(t *testing.T) {
	w := newTestWheel(t)
	b := telegram.NewBuilder(telegram.DeviceWheelLeft)

	// Speed is refused until the wheel is in remote mode.
	req := b.WriteRemoteSpeed(50)
	out, err := w.Handle(seal(t, req))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldHaveLength, 1)
	resp := open(t, out[0])
	test.That(t, resp.IsNack(), test.ShouldBeTrue)
	test.That(t, resp.Param, test.ShouldEqual, telegram.NackCondition)
	test.That(t, resp.ID, test.ShouldEqual, req.ID)

	for _, req := range []telegram.Telegram{
		b.WriteSystemMode(telegram.SystemModeConnect),
		b.WriteDriveMode(drive.FlagRemote),
		b.WriteRemoteSpeed(50),
	} {
		out, err := w.Handle(seal(t, req))
		test.That(t, err, test.ShouldBeNil)
		resp := open(t, out[0])
		test.That(t, resp.IsAck(), test.ShouldBeTrue)
		test.That(t, resp.ID, test.ShouldEqual, req.ID)
		test.That(t, resp.Source, test.ShouldEqual, telegram.DeviceWheelLeft)
		test.That(t, resp.Dest, test.ShouldEqual, telegram.DeviceSmartphone)
	}
	state := w.State()
	test.That(t, state.TargetSpeed, test.ShouldEqual, 50)
	test.That(t, state.MotorSpeed, test.ShouldEqual, 40)

	out, err = w.Handle(seal(t, b.WriteRemoteSpeed(-5)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, open(t, out[0]).IsAck(), test.ShouldBeTrue)
	test.That(t, w.State().MotorSpeed, test.ShouldEqual, 0)

	// Leaving remote mode stops the motor.
	_, err = w.Handle(seal(t, b.WriteRemoteSpeed(100)))
	test.That(t, err, test.ShouldBeNil)
	_, err = w.Handle(seal(t, b.WriteDriveMode(drive.FlagsNormal)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.State().MotorSpeed, test.ShouldEqual, 0)
}

func TestWheelStatus(t *testing.T) {
	w := newTestWheel(t)
	w.SetSOC(42)
	w.SetError(3)
	b := telegram.NewBuilder(telegram.DeviceWheelLeft)

	out, err := w.Handle(seal(t, b.ReadSOC()))
	test.That(t, err, test.ShouldBeNil)
	soc, err := telegram.ParseSOC(open(t, out[0]))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, soc, test.ShouldEqual, 42)

	status, err := w.StatusFrame()
	test.That(t, err, test.ShouldBeNil)
	tg := open(t, status)
	test.That(t, tg.Is(telegram.ServiceAppMgmt, telegram.ParamCruiseValues), test.ShouldBeTrue)
	cv, err := telegram.ParseCruiseValues(tg.Payload)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cv.SOC, test.ShouldEqual, 42)
	test.That(t, cv.ErrorCode, test.ShouldEqual, 3)

	out, err = w.Handle(seal(t, b.Build(0x42, 0x01)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, open(t, out[0]).Param, test.ShouldEqual, telegram.NackService)

	out, err = w.Handle(seal(t, b.Build(telegram.ServiceAppMgmt, 0x77)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, open(t, out[0]).Param, test.ShouldEqual, telegram.NackParameter)
}

func TestWheelRejects(t *testing.T) {
	w := newTestWheel(t)
	b := telegram.NewBuilder(telegram.DeviceWheelRight)

	out, err := w.Handle(seal(t, b.ReadSOC()))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldBeEmpty)

	frame := seal(t, b.ReadSOC())
	frame[len(frame)-1] ^= 0xff
	_, err = w.Handle(frame)
	test.That(t, wire.IsFrameIntegrityError(err), test.ShouldBeTrue)
	test.That(t, w.Rejected(), test.ShouldEqual, 1)
	test.That(t, w.Handled(), test.ShouldEqual, 1)

	w.CorruptNextResponse()
	out, err = w.Handle(seal(t, telegram.NewBuilder(telegram.DeviceWheelLeft).ReadSOC()))
	test.That(t, err, test.ShouldBeNil)
	_, err = wire.Codec{}.Decode(out[0], testKey)
	test.That(t, wire.IsFrameIntegrityError(err), test.ShouldBeTrue)
}

func TestTransport(t *testing.T) {
	ctx := context.Background()
	w := newTestWheel(t)
	tr := NewTransport(transport.ModePoll, logging.NewTestLogger(t), w)
	b := telegram.NewBuilder(telegram.DeviceWheelLeft)

	test.That(t, transport.IsKind(tr.Send(ctx, seal(t, b.ReadSOC())), transport.NotConnected), test.ShouldBeTrue)

	err := tr.Connect(ctx, "nowhere")
	test.That(t, transport.IsKind(err, transport.DiscoveryFailure), test.ShouldBeTrue)

	test.That(t, tr.Connect(ctx, "sim-left"), test.ShouldBeNil)
	select {
	case <-tr.Disconnected():
		t.Fatal("link should be up")
	default:
	}
	test.That(t, tr.Subscribe(func([]byte) {}), test.ShouldEqual, transport.ErrNotifyUnsupported)

	req := b.WriteSystemMode(telegram.SystemModeConnect)
	test.That(t, tr.Send(ctx, seal(t, req)), test.ShouldBeNil)
	frame, err := tr.Receive(ctx, time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, open(t, frame).ID, test.ShouldEqual, req.ID)

	_, err = tr.Receive(ctx, 0)
	test.That(t, err, test.ShouldEqual, transport.ErrReceiveTimeout)

	tr.Kill()
	<-tr.Disconnected()
	_, err = tr.Receive(ctx, time.Second)
	test.That(t, transport.IsKind(err, transport.NotConnected), test.ShouldBeTrue)

	tr.FailConnects(1)
	err = tr.Connect(ctx, "sim-left")
	test.That(t, transport.IsKind(err, transport.ConnectFailure), test.ShouldBeTrue)
	test.That(t, tr.Connect(ctx, "sim-left"), test.ShouldBeNil)
	test.That(t, tr.Connects(), test.ShouldEqual, 4)
	test.That(t, tr.Disconnect(ctx), test.ShouldBeNil)
	test.That(t, tr.Disconnect(ctx), test.ShouldBeNil)
}

func TestTransportNotify(t *testing.T) {
	ctx := context.Background()
	w := newTestWheel(t)
	tr := NewTransport(transport.ModeNotify, logging.NewTestLogger(t), w)
	test.That(t, tr.Connect(ctx, "sim-left"), test.ShouldBeNil)

	frames := make(chan []byte, 4)
	test.That(t, tr.Subscribe(func(frame []byte) { frames <- frame }), test.ShouldBeNil)

	b := telegram.NewBuilder(telegram.DeviceWheelLeft)
	test.That(t, tr.Send(ctx, seal(t, b.ReadSOC())), test.ShouldBeNil)
	test.That(t, open(t, <-frames).Is(telegram.ServiceBattMgmt, telegram.ParamStatusSOC), test.ShouldBeTrue)
	test.That(t, open(t, <-frames).Is(telegram.ServiceAppMgmt, telegram.ParamCruiseValues), test.ShouldBeTrue)

	test.That(t, tr.Push(), test.ShouldBeNil)
	test.That(t, open(t, <-frames).Is(telegram.ServiceAppMgmt, telegram.ParamCruiseValues), test.ShouldBeTrue)
	test.That(t, tr.Disconnect(ctx), test.ShouldBeNil)
}

func TestRegistered(t *testing.T) {
	attrs := map[string]interface{}{
		"wheels": []interface{}{
			map[string]interface{}{"address": "a", "key": "00112233445566778899aabbccddeeff"},
			map[string]interface{}{"address": "b", "key": "00112233445566778899aabbccddeeff", "side": "right"},
		},
		"notify": true,
	}
	tr, err := transport.New(Name, attrs, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.Mode(), test.ShouldEqual, transport.ModeNotify)
	test.That(t, tr.Connect(context.Background(), "b"), test.ShouldBeNil)
	test.That(t, tr.Disconnect(context.Background()), test.ShouldBeNil)

	err = transport.ValidateAttributes(Name, map[string]interface{}{
		"wheels": []interface{}{map[string]interface{}{"address": "a", "key": "0011"}},
	})
	test.That(t, drive.IsConfigurationError(err), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "key")

	err = transport.ValidateAttributes(Name, map[string]interface{}{})
	test.That(t, drive.IsConfigurationError(err), test.ShouldBeTrue)
}

func TestServer(t *testing.T) {
	w := newTestWheel(t)
	srv, err := NewServer("127.0.0.1:0", w, 0, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, srv.Close(), test.ShouldBeNil)
	}()

	conn, err := net.Dial("tcp", srv.Addr().String())
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()

	req := telegram.NewBuilder(telegram.DeviceWheelLeft).ReadSOC()
	_, err = conn.Write(wire.Stuff(seal(t, req)))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	var deframer wire.Deframer
	buf := make([]byte, 512)
	var frames [][]byte
	for len(frames) == 0 {
		n, err := conn.Read(buf)
		test.That(t, err, test.ShouldBeNil)
		frames = deframer.Write(buf[:n])
	}
	resp := open(t, frames[0])
	test.That(t, resp.ID, test.ShouldEqual, req.ID)
	test.That(t, resp.Is(telegram.ServiceBattMgmt, telegram.ParamStatusSOC), test.ShouldBeTrue)
}
