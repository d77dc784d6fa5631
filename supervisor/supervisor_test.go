package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"

	"github.com/wheelctl/m25/drive"
	"github.com/wheelctl/m25/input"
	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/mapper"
	"github.com/wheelctl/m25/telegram"
	"github.com/wheelctl/m25/testutils"
	"github.com/wheelctl/m25/testutils/inject"
	"github.com/wheelctl/m25/wheel"
	"github.com/wheelctl/m25/wire"
)

func TestMain(m *testing.M) {
	testutils.VerifyTestMain(m)
}

var testKey = []byte("0123456789abcdef")

type fakeWheel struct {
	*inject.Wheel

	mu          sync.Mutex
	frames      []drive.CommandFrame
	connects    int
	disconnects int
	sendErr     error
	connectErr  error
}

func newFakeWheel(name string) *fakeWheel {
	fw := &fakeWheel{}
	fw.Wheel = &inject.Wheel{
		WheelName: name,
		ConnectFunc: func(ctx context.Context, address string, key []byte) error {
			fw.mu.Lock()
			defer fw.mu.Unlock()
			fw.connects++
			return fw.connectErr
		},
		SendCommandFunc: func(ctx context.Context, frame drive.CommandFrame) error {
			fw.mu.Lock()
			defer fw.mu.Unlock()
			if fw.sendErr != nil {
				return fw.sendErr
			}
			fw.frames = append(fw.frames, frame)
			return nil
		},
		DisconnectFunc: func(ctx context.Context) error {
			fw.mu.Lock()
			defer fw.mu.Unlock()
			fw.disconnects++
			return nil
		},
	}
	return fw
}

func (fw *fakeWheel) sent() []drive.CommandFrame {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return append([]drive.CommandFrame(nil), fw.frames...)
}

func (fw *fakeWheel) counts() (int, int) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.connects, fw.disconnects
}

func (fw *fakeWheel) setSendErr(err error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.sendErr = err
}

type harness struct {
	t     *testing.T
	s     *Supervisor
	clk   *clock.Mock
	box   *input.Mailbox
	left  *fakeWheel
	right *fakeWheel
	logs  *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clk:   clock.NewMock(),
		box:   input.NewMailbox(),
		left:  newFakeWheel("left"),
		right: newFakeWheel("right"),
	}
	logger, logs := logging.NewObservedTestLogger(t)
	h.logs = logs
	m, err := mapper.New(mapper.DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	h.s, err = New(
		DefaultConfig(),
		Binding{Wheel: h.left, Address: "AA:BB:CC:DD:EE:01", Key: testKey},
		Binding{Wheel: h.right, Address: "AA:BB:CC:DD:EE:02", Key: testKey},
		m,
		h.box,
		logger,
		WithClock(h.clk),
	)
	test.That(t, err, test.ShouldBeNil)
	return h
}

// step advances the clock by one tick and runs it.
func (h *harness) step() {
	h.clk.Add(h.s.cfg.TickInterval)
	h.s.tick(context.Background())
}

func (h *harness) connect() {
	test.That(h.t, h.s.Connect(), test.ShouldBeNil)
	h.step()
	test.That(h.t, h.s.State(), test.ShouldEqual, StatePaired)
}

func (h *harness) drive() {
	h.connect()
	h.box.Post(drive.ControlState{Mode: drive.ModeNormal})
	h.step()
	test.That(h.t, h.s.Arm(), test.ShouldBeNil)
	h.step()
	test.That(h.t, h.s.State(), test.ShouldEqual, StateArmed)
	h.box.Post(drive.ControlState{Vy: 1, Deadman: true, Mode: drive.ModeNormal})
	h.step()
	test.That(h.t, h.s.State(), test.ShouldEqual, StateDriving)
}

func TestNewValidation(t *testing.T) {
	m, err := mapper.New(mapper.DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	logger := logging.NewTestLogger(t)
	good := Binding{Wheel: newFakeWheel("left"), Address: "a", Key: testKey}

	_, err = New(DefaultConfig(), good, Binding{Wheel: newFakeWheel("right"), Key: testKey}, m, input.NewMailbox(), logger)
	test.That(t, drive.IsConfigurationError(err), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "right.address")

	_, err = New(DefaultConfig(), good, Binding{Wheel: newFakeWheel("right"), Address: "b", Key: []byte{1}}, m, input.NewMailbox(), logger)
	test.That(t, err.Error(), test.ShouldContainSubstring, "right.key")

	cfg := DefaultConfig()
	cfg.TickInterval = 0
	_, err = New(cfg, good, good, m, input.NewMailbox(), logger)
	test.That(t, drive.IsConfigurationError(err), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "tick_interval")

	_, err = New(DefaultConfig(), good, good, m, nil, logger)
	test.That(t, err.Error(), test.ShouldContainSubstring, "input")
}

func TestInputWatchdog(t *testing.T) {
	h := newHarness(t)
	h.drive()

	sent := len(h.left.sent())
	for i := 1; i <= 10; i++ {
		h.step()
		test.That(t, h.s.State(), test.ShouldEqual, StateDriving)
	}
	driving := h.left.sent()[sent:]
	test.That(t, driving, test.ShouldHaveLength, 10)
	for _, frame := range driving {
		test.That(t, frame.IsStop, test.ShouldBeFalse)
	}

	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateFailsafe)

	sent = len(h.left.sent())
	for i := 0; i < 5; i++ {
		h.step()
	}
	after := h.left.sent()[sent-1:]
	test.That(t, len(after), test.ShouldBeGreaterThan, 1)
	for _, frame := range after {
		test.That(t, frame.LeftSpeed, test.ShouldEqual, 0)
		test.That(t, frame.RightSpeed, test.ShouldEqual, 0)
		test.That(t, frame.IsStop, test.ShouldBeTrue)
	}
	test.That(t, h.s.State(), test.ShouldEqual, StateFailsafe)
}

func TestReconnectBound(t *testing.T) {
	h := newHarness(t)
	h.left.connectErr = errors.New("no such device")

	test.That(t, h.s.Connect(), test.ShouldBeNil)
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateConnecting)
	for i := 0; i < 200 && h.s.State() == StateConnecting; i++ {
		h.step()
	}
	test.That(t, h.s.State(), test.ShouldEqual, StateDisconnected)
	test.That(t, h.s.Terminal(), test.ShouldBeTrue)
	connects, _ := h.left.counts()
	test.That(t, connects, test.ShouldEqual, 3)

	for i := 0; i < 100; i++ {
		h.step()
	}
	connects, _ = h.left.counts()
	test.That(t, connects, test.ShouldEqual, 3)
	test.That(t, h.s.State(), test.ShouldEqual, StateDisconnected)

	h.left.mu.Lock()
	h.left.connectErr = nil
	h.left.mu.Unlock()
	test.That(t, h.s.Connect(), test.ShouldBeNil)
	h.step()
	test.That(t, h.s.Terminal(), test.ShouldBeFalse)
	test.That(t, h.s.State(), test.ShouldEqual, StatePaired)
	test.That(t, h.s.Session(), test.ShouldNotEqual, "")
}

func TestArmRequiresRelease(t *testing.T) {
	h := newHarness(t)
	h.connect()

	test.That(t, h.s.Arm(), test.ShouldBeNil)
	h.box.Post(drive.ControlState{Mode: drive.ModeNormal})
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StatePaired)

	var refused bool
	for _, d := range h.s.Diagnostics() {
		if d.Kind == DiagnosticRefused {
			refused = true
		}
	}
	test.That(t, refused, test.ShouldBeTrue)

	test.That(t, h.s.Arm(), test.ShouldBeNil)
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateArmed)
}

func TestDeadmanRelease(t *testing.T) {
	h := newHarness(t)
	transitions, unsubscribe := h.s.SubscribeTransitions()
	defer unsubscribe()
	h.drive()

	h.box.Post(drive.ControlState{Vy: 1, Mode: drive.ModeNormal})
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateFailsafe)

	sent := h.left.sent()
	test.That(t, sent[len(sent)-1].IsStop, test.ShouldBeTrue)

	var last Transition
	for len(transitions) > 0 {
		last = <-transitions
	}
	test.That(t, last.To, test.ShouldEqual, StateFailsafe)
	test.That(t, last.Event, test.ShouldEqual, EventSafetyViolation)
	test.That(t, last.Reason, test.ShouldContainSubstring, string(drive.ViolationDeadmanReleased))

	// Re-arming needs a release sample seen after the violation.
	test.That(t, h.s.Arm(), test.ShouldBeNil)
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateFailsafe)
	h.box.Post(drive.ControlState{Mode: drive.ModeNormal})
	h.step()
	test.That(t, h.s.Arm(), test.ShouldBeNil)
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateArmed)
}

func TestLinkFaultReconnects(t *testing.T) {
	h := newHarness(t)
	h.drive()
	firstSession := h.s.Session()

	h.right.setSendErr(errors.New("write failed"))
	h.box.Post(drive.ControlState{Vy: 1, Deadman: true, Mode: drive.ModeNormal})
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateFailsafe)
	_, disconnects := h.right.counts()
	test.That(t, disconnects, test.ShouldEqual, 1)

	h.right.setSendErr(nil)
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateConnecting)

	for i := 0; i < 100 && h.s.State() == StateConnecting; i++ {
		h.step()
	}
	test.That(t, h.s.State(), test.ShouldEqual, StatePaired)
	connects, _ := h.right.counts()
	test.That(t, connects, test.ShouldEqual, 2)
	test.That(t, h.s.Session(), test.ShouldNotEqual, firstSession)
}

func TestLinkTimeout(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.left.setSendErr(wheel.ErrNoResponse)
	h.left.PollStateFunc = func(ctx context.Context, timeout time.Duration) (drive.VehicleState, bool, error) {
		return drive.VehicleState{}, false, nil
	}
	for i := 0; i < 20; i++ {
		h.step()
		test.That(t, h.s.State(), test.ShouldEqual, StatePaired)
	}
	for i := 0; i < 5 && h.s.State() == StatePaired; i++ {
		h.step()
	}
	test.That(t, h.s.State(), test.ShouldEqual, StateFailsafe)
	_, disconnects := h.left.counts()
	test.That(t, disconnects, test.ShouldEqual, 1)

	var timedOut bool
	for _, d := range h.s.Diagnostics() {
		if d.Kind == DiagnosticFault && strings.Contains(d.Message, string(drive.ViolationLinkTimeout)) {
			timedOut = true
		}
	}
	test.That(t, timedOut, test.ShouldBeTrue)
}

func TestFrameErrorKeepsLink(t *testing.T) {
	h := newHarness(t)
	var once sync.Once
	h.left.PollStateFunc = func(ctx context.Context, timeout time.Duration) (drive.VehicleState, bool, error) {
		var err error
		once.Do(func() {
			err = &wire.FrameIntegrityError{Reason: wire.ChecksumMismatch}
		})
		return drive.VehicleState{SOC: 80}, err == nil, err
	}

	test.That(t, h.s.Connect(), test.ShouldBeNil)
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateFailsafe)
	_, disconnects := h.left.counts()
	test.That(t, disconnects, test.ShouldEqual, 0)

	var discarded bool
	for _, d := range h.s.Diagnostics() {
		if d.Kind == DiagnosticDiscarded {
			discarded = true
			test.That(t, d.Message, test.ShouldContainSubstring, "checksum mismatch")
		}
	}
	test.That(t, discarded, test.ShouldBeTrue)

	h.box.Post(drive.ControlState{Mode: drive.ModeNormal})
	h.step()
	test.That(t, h.s.Arm(), test.ShouldBeNil)
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateArmed)
}

func TestWheelErrorBits(t *testing.T) {
	h := newHarness(t)
	states, unsubscribe := h.s.SubscribeVehicleState()
	defer unsubscribe()
	h.drive()

	h.left.PollStateFunc = func(ctx context.Context, timeout time.Duration) (drive.VehicleState, bool, error) {
		return drive.VehicleState{SOC: 50, ErrorBits: 0x04}, true, nil
	}
	for i := 0; i < 20 && h.s.State() == StateDriving; i++ {
		h.box.Post(drive.ControlState{Vy: 1, Deadman: true, Mode: drive.ModeNormal})
		h.step()
	}
	test.That(t, h.s.State(), test.ShouldEqual, StateFailsafe)

	var sawError bool
	for len(states) > 0 {
		u := <-states
		if u.Wheel == "left" && u.State.HasError() {
			sawError = true
			test.That(t, u.State.UpdatedAt.IsZero(), test.ShouldBeFalse)
		}
	}
	test.That(t, sawError, test.ShouldBeTrue)
}

func countDiagnostics(s *Supervisor, kind DiagnosticKind, substr string) int {
	n := 0
	for _, d := range s.Diagnostics() {
		if d.Kind == kind && strings.Contains(d.Message, substr) {
			n++
		}
	}
	return n
}

func TestAssistLevel(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	levels := map[string][]int{}
	var rightErr error
	for _, fw := range []*fakeWheel{h.left, h.right} {
		name := fw.WheelName
		fw.SetAssistLevelFunc = func(ctx context.Context, level int) error {
			mu.Lock()
			defer mu.Unlock()
			if name == "right" && rightErr != nil {
				return rightErr
			}
			levels[name] = append(levels[name], level)
			return nil
		}
	}

	test.That(t, h.s.SetAssistLevel(1), test.ShouldBeNil)
	h.step()
	test.That(t, countDiagnostics(h.s, DiagnosticRefused, "assist level refused in DISCONNECTED"), test.ShouldEqual, 1)

	h.connect()
	test.That(t, h.s.SetAssistLevel(1), test.ShouldBeNil)
	h.step()
	test.That(t, levels["left"], test.ShouldResemble, []int{1})
	test.That(t, levels["right"], test.ShouldResemble, []int{1})
	set := h.logs.FilterMessage("assist level set")
	test.That(t, set.Len(), test.ShouldEqual, 1)
	test.That(t, set.All()[0].ContextMap()["level"], test.ShouldEqual, int64(1))

	test.That(t, h.s.SetAssistLevel(telegram.MaxAssistLevel+1), test.ShouldBeNil)
	h.step()
	test.That(t, countDiagnostics(h.s, DiagnosticRefused, "out of range"), test.ShouldEqual, 1)
	test.That(t, levels["left"], test.ShouldHaveLength, 1)

	mu.Lock()
	rightErr = &telegram.NackError{Code: telegram.NackCondition}
	mu.Unlock()
	test.That(t, h.s.SetAssistLevel(2), test.ShouldBeNil)
	h.step()
	test.That(t, countDiagnostics(h.s, DiagnosticRefused, "right wheel refused assist level 2"), test.ShouldEqual, 1)
	test.That(t, levels["left"], test.ShouldResemble, []int{1, 2})
	test.That(t, h.s.State(), test.ShouldEqual, StatePaired)
	test.That(t, h.logs.FilterMessage("assist level set").Len(), test.ShouldEqual, 1)

	mu.Lock()
	rightErr = errors.New("write failed")
	mu.Unlock()
	test.That(t, h.s.SetAssistLevel(0), test.ShouldBeNil)
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateFailsafe)
}

func TestResetAndDisconnect(t *testing.T) {
	h := newHarness(t)
	h.drive()

	test.That(t, h.s.Reset(), test.ShouldBeNil)
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateDriving)

	test.That(t, h.s.Disconnect(), test.ShouldBeNil)
	h.step()
	test.That(t, h.s.State(), test.ShouldEqual, StateDisconnected)
	sent := h.left.sent()
	test.That(t, sent[len(sent)-1].IsStop, test.ShouldBeTrue)
	_, disconnects := h.left.counts()
	test.That(t, disconnects, test.ShouldEqual, 1)

	for i := 0; i < 50; i++ {
		h.step()
	}
	test.That(t, h.s.State(), test.ShouldEqual, StateDisconnected)
}

func TestRunShutdown(t *testing.T) {
	h := newHarness(t)
	transitions, _ := h.s.SubscribeTransitions()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.s.Run(ctx)
	}()
	cancel()
	test.That(t, <-done, test.ShouldBeNil)

	_, leftDisconnects := h.left.counts()
	_, rightDisconnects := h.right.counts()
	test.That(t, leftDisconnects, test.ShouldEqual, 1)
	test.That(t, rightDisconnects, test.ShouldEqual, 1)

	for range transitions {
	}
	test.That(t, h.s.Run(context.Background()), test.ShouldBeError, errors.New("supervisor already started"))
}

func TestRequestQueueFull(t *testing.T) {
	h := newHarness(t)
	var err error
	for i := 0; i <= requestQueueSize && err == nil; i++ {
		err = h.s.Arm()
	}
	test.That(t, err, test.ShouldBeError, ErrRequestQueueFull)
}
