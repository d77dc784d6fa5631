// Package supervisor runs the control loop: it owns both wheel links, moves through the
// connection lifecycle, turns operator input into wheel commands and fails safe on every
// watchdog trip or link error.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/wheelctl/m25/drive"
	"github.com/wheelctl/m25/input"
	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/mapper"
	"github.com/wheelctl/m25/telegram"
	"github.com/wheelctl/m25/wheel"
	"github.com/wheelctl/m25/wire"
)

const (
	requestQueueSize = 16
	pushQueueSize    = 32
	subscriberBuffer = 16
)

// ErrRequestQueueFull is returned when operator requests arrive faster than the loop drains them.
var ErrRequestQueueFull = errors.New("supervisor request queue is full")

// Binding ties a wheel to its address and key.
type Binding struct {
	Wheel   wheel.Wheel
	Address string
	Key     []byte
}

// Transition is published for every state change.
type Transition struct {
	From   State
	To     State
	Event  Event
	Reason string
	At     time.Time
}

// StateUpdate is published for every merged status snapshot.
type StateUpdate struct {
	Wheel string
	State drive.VehicleState
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Supervisor) {
		s.clock = clk
	}
}

type pushedState struct {
	wheel int
	state drive.VehicleState
	err   error
}

// Supervisor is the single control loop for a pair of wheels.
type Supervisor struct {
	cfg    Config
	wheels [2]Binding
	mapper *mapper.Mapper
	input  input.Provider
	clock  clock.Clock
	logger logging.Logger
	diag   *Ring

	requests chan input.Request
	pushes   chan pushedState

	state         atomic.Int32
	terminal      atomic.Bool
	running       atomic.Bool
	session       atomic.String
	droppedPushes atomic.Int64

	subsMu         sync.Mutex
	subsClosed     bool
	transitionSubs map[chan Transition]struct{}
	stateSubs      map[chan StateUpdate]struct{}

	// Everything below is owned by the loop.
	now           time.Time
	tickNum       uint64
	lastInput     drive.ControlState
	freshInput    bool
	lastInputAt   time.Time
	lastLinkAt    time.Time
	sawRelease    bool
	prev          drive.CommandFrame
	linkUp        bool
	attempts      int
	nextAttemptAt time.Time
	frameErrors   int
	lastHeartbeat time.Time
	lastPoll      time.Time
	restoreAfter  uint64
	restoring     bool
	sentThisTick  bool
	vehicle       [2]drive.VehicleState
}

// New validates everything the loop needs. Only configuration errors are returned; nothing is
// connected until a connect request is processed.
func New(
	cfg Config,
	left, right Binding,
	m *mapper.Mapper,
	provider input.Provider,
	logger logging.Logger,
	opts ...Option,
) (*Supervisor, error) {
	if err := cfg.Validate("supervisor"); err != nil {
		return nil, err
	}
	for _, b := range []struct {
		side    string
		binding Binding
	}{{"left", left}, {"right", right}} {
		if b.binding.Wheel == nil {
			return nil, drive.NewConfigurationError(b.side, errors.New("wheel is required"))
		}
		if b.binding.Address == "" {
			return nil, drive.NewConfigurationError(b.side+".address", errors.New("required"))
		}
		if len(b.binding.Key) != wire.KeySize {
			return nil, drive.NewConfigurationError(b.side+".key",
				errors.Errorf("must be %d bytes, got %d", wire.KeySize, len(b.binding.Key)))
		}
	}
	if m == nil {
		return nil, drive.NewConfigurationError("mapper", errors.New("required"))
	}
	if provider == nil {
		return nil, drive.NewConfigurationError("input", errors.New("required"))
	}

	s := &Supervisor{
		cfg:            cfg,
		wheels:         [2]Binding{left, right},
		mapper:         m,
		input:          provider,
		clock:          clock.New(),
		logger:         logger,
		diag:           NewRing(cfg.DiagnosticsSize),
		requests:       make(chan input.Request, requestQueueSize),
		pushes:         make(chan pushedState, pushQueueSize),
		transitionSubs: map[chan Transition]struct{}{},
		stateSubs:      map[chan StateUpdate]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.prev = drive.StopFrame(m.Flags())
	return s, nil
}

// State returns the current state. It is safe to call from any goroutine.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Terminal reports whether reconnecting gave up. Only a connect request clears it.
func (s *Supervisor) Terminal() bool {
	return s.terminal.Load()
}

// Session returns the id of the current or last connection, empty before the first one.
func (s *Supervisor) Session() string {
	return s.session.Load()
}

// Diagnostics returns the recorded diagnostics, oldest first.
func (s *Supervisor) Diagnostics() []Diagnostic {
	return s.diag.Snapshot()
}

// DiagnosticsSince returns diagnostics recorded after the one with id lastID.
func (s *Supervisor) DiagnosticsSince(lastID int64) []Diagnostic {
	return s.diag.Since(lastID)
}

// Submit queues an operator request for the next tick.
func (s *Supervisor) Submit(req input.Request) error {
	select {
	case s.requests <- req:
		return nil
	default:
		return ErrRequestQueueFull
	}
}

// Connect asks the loop to connect both wheels.
func (s *Supervisor) Connect() error {
	return s.Submit(input.Request{Command: input.CommandConnect})
}

// Arm asks the loop to accept drive input.
func (s *Supervisor) Arm() error {
	return s.Submit(input.Request{Command: input.CommandArm})
}

// Reset asks the loop to leave FAILSAFE or clear a terminal condition.
func (s *Supervisor) Reset() error {
	return s.Submit(input.Request{Command: input.CommandReset})
}

// Disconnect asks the loop to stop the wheels and disconnect.
func (s *Supervisor) Disconnect() error {
	return s.Submit(input.Request{Command: input.CommandDisconnect})
}

// SetAssistLevel asks the loop to change the assist level of both wheels.
func (s *Supervisor) SetAssistLevel(level int) error {
	return s.Submit(input.Request{Command: input.CommandAssist, Level: level})
}

// SubscribeTransitions returns a channel of state changes and a function that cancels the
// subscription. Transitions are dropped for subscribers that fall behind.
func (s *Supervisor) SubscribeTransitions() (<-chan Transition, func()) {
	ch := make(chan Transition, subscriberBuffer)
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subsClosed {
		close(ch)
		return ch, func() {}
	}
	s.transitionSubs[ch] = struct{}{}
	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if _, ok := s.transitionSubs[ch]; ok {
			delete(s.transitionSubs, ch)
			close(ch)
		}
	}
}

// SubscribeVehicleState returns a channel of status snapshots and a function that cancels the
// subscription. Snapshots are dropped for subscribers that fall behind.
func (s *Supervisor) SubscribeVehicleState() (<-chan StateUpdate, func()) {
	ch := make(chan StateUpdate, subscriberBuffer)
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subsClosed {
		close(ch)
		return ch, func() {}
	}
	s.stateSubs[ch] = struct{}{}
	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if _, ok := s.stateSubs[ch]; ok {
			delete(s.stateSubs, ch)
			close(ch)
		}
	}
}

func (s *Supervisor) publishTransition(t Transition) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.transitionSubs {
		select {
		case ch <- t:
		default:
		}
	}
}

func (s *Supervisor) publishState(u StateUpdate) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.stateSubs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (s *Supervisor) closeSubscriptions() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subsClosed = true
	for ch := range s.transitionSubs {
		close(ch)
	}
	for ch := range s.stateSubs {
		close(ch)
	}
	s.transitionSubs = map[chan Transition]struct{}{}
	s.stateSubs = map[chan StateUpdate]struct{}{}
}

func (s *Supervisor) record(kind DiagnosticKind, format string, args ...interface{}) {
	s.diag.Add(Diagnostic{
		At:      s.clock.Now(),
		Kind:    kind,
		Session: s.session.Load(),
		Message: fmt.Sprintf(format, args...),
	})
}

// Run drives the loop until ctx is done. Whatever the exit path, the wheels are sent a stop
// and disconnected before Run returns. A Supervisor runs once.
func (s *Supervisor) Run(ctx context.Context) (err error) {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("supervisor already started")
	}
	ticker := s.clock.Ticker(s.cfg.TickInterval)
	defer ticker.Stop()
	defer func() {
		err = multierr.Combine(err, s.shutdown())
	}()

	s.logger.Infow("control loop started", "tick", s.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()
	s.now = s.clock.Now()

	var err error
	if s.linkUp {
		for _, sendErr := range s.sendRaw(ctx, drive.StopFrame(s.mapper.Flags())) {
			err = multierr.Append(err, sendErr)
		}
	}
	err = multierr.Combine(err, s.disconnectAll(ctx))
	s.fire(EventShutdown, "control loop stopped")
	s.closeSubscriptions()
	if err != nil {
		s.logger.Warnw("shutdown incomplete", "error", err)
	} else {
		s.logger.Info("control loop stopped")
	}
	return err
}

// tick is one loop iteration.
func (s *Supervisor) tick(ctx context.Context) {
	s.now = s.clock.Now()
	s.tickNum++
	s.sentThisTick = false
	defer func() {
		if r := recover(); r != nil {
			s.internalFault(ctx, fmt.Sprintf("panic in control loop: %v", r))
		}
	}()

	s.drainRequests(ctx)
	s.checkDisconnected(ctx)
	s.fetchInput()
	s.checkWatchdogs(ctx)
	s.runState(ctx)
	s.mergeVehicleState(ctx)
}

// fire applies event and reports whether the state changed.
func (s *Supervisor) fire(event Event, reason string) bool {
	from := s.State()
	to := Next(from, event)
	if to == from {
		return false
	}
	s.state.Store(int32(to))

	switch to {
	case StateConnecting:
		s.sawRelease = false
	case StateArmed:
		s.lastInputAt = s.now
		s.prev = drive.StopFrame(s.mapper.Flags())
	case StateFailsafe, StateDisconnected:
		s.sawRelease = false
		s.prev = drive.StopFrame(s.mapper.Flags())
	}

	s.record(DiagnosticTransition, "%s -> %s on %s: %s", from, to, event, reason)
	s.logger.Infow("state changed", "from", from.String(), "to", to.String(), "event", event.String(), "reason", reason)
	s.publishTransition(Transition{From: from, To: to, Event: event, Reason: reason, At: s.now})
	return true
}

func (s *Supervisor) drainRequests(ctx context.Context) {
	for {
		select {
		case req := <-s.requests:
			s.handleRequest(ctx, req)
		default:
			return
		}
	}
}

func (s *Supervisor) handleRequest(ctx context.Context, req input.Request) {
	state := s.State()
	switch req.Command {
	case input.CommandConnect:
		if state != StateDisconnected {
			s.record(DiagnosticRefused, "connect refused in %s", state)
			return
		}
		s.terminal.Store(false)
		s.restoring = false
		s.attempts = 0
		s.nextAttemptAt = s.now
		s.fire(EventConnectRequested, "operator request")
	case input.CommandArm:
		switch {
		case !s.linkUp:
			s.record(DiagnosticRefused, "arm refused in %s: wheels not connected", state)
		case !s.sawRelease:
			s.record(DiagnosticRefused, "arm refused: deadman must be released first")
		case !s.fire(EventArmRequested, "operator request"):
			s.record(DiagnosticRefused, "arm refused in %s", state)
		}
	case input.CommandReset:
		s.restoring = false
		if state == StateDisconnected {
			if s.terminal.Swap(false) {
				s.record(DiagnosticReconnect, "terminal condition cleared")
			}
			return
		}
		if state != StateFailsafe {
			s.record(DiagnosticRefused, "reset refused in %s", state)
			return
		}
		if s.linkUp {
			s.stopAndDisconnect(ctx)
		}
		s.fire(EventResetRequested, "operator request")
	case input.CommandDisconnect:
		s.restoring = false
		if s.linkUp {
			s.stopAndDisconnect(ctx)
		} else if err := s.disconnectAll(ctx); err != nil {
			s.record(DiagnosticFault, "disconnect: %v", err)
		}
		s.fire(EventDisconnectRequested, "operator request")
	case input.CommandAssist:
		switch {
		case req.Level < 0 || req.Level > telegram.MaxAssistLevel:
			s.record(DiagnosticRefused, "assist level %d out of range [0, %d]", req.Level, telegram.MaxAssistLevel)
		case !s.linkUp || state == StateFailsafe:
			s.record(DiagnosticRefused, "assist level refused in %s", state)
		default:
			s.setAssistLevel(ctx, req.Level)
		}
	default:
		s.record(DiagnosticRefused, "unknown command %q", req.Command)
	}
}

// setAssistLevel writes level to both wheels. A wheel that refuses keeps its level and is not
// treated as a link fault.
func (s *Supervisor) setAssistLevel(ctx context.Context, level int) {
	errs := s.eachWheel(ctx, func(ctx context.Context, w wheel.Wheel) error {
		return w.SetAssistLevel(ctx, level)
	})
	refused := false
	for i, err := range errs {
		var nack *telegram.NackError
		if errors.As(err, &nack) {
			s.record(DiagnosticRefused, "%s wheel refused assist level %d: %v", s.wheels[i].Wheel.Name(), level, err)
			errs[i] = nil
			refused = true
		}
	}
	if s.handleIO(ctx, "assist", errs) && !refused {
		s.logger.Infow("assist level set", "level", level)
	}
}

func (s *Supervisor) checkDisconnected(ctx context.Context) {
	if !s.linkUp {
		return
	}
	for _, b := range s.wheels {
		select {
		case <-b.Wheel.Disconnected():
			s.linkFault(ctx, fmt.Sprintf("%s wheel disconnected unexpectedly", b.Wheel.Name()))
			return
		default:
		}
	}
}

func (s *Supervisor) fetchInput() {
	state, ok := s.input.LatestControlState()
	s.freshInput = ok
	if !ok {
		return
	}
	s.lastInput = state
	s.lastInputAt = s.now
	if !state.Deadman {
		s.sawRelease = true
	}
}

func (s *Supervisor) checkWatchdogs(ctx context.Context) {
	state := s.State()
	if state == StateArmed || state == StateDriving {
		if elapsed := s.now.Sub(s.lastInputAt); elapsed > s.cfg.InputTimeout {
			s.safetyViolation(ctx, drive.ViolationInputTimeout, fmt.Sprintf("no input for %v", elapsed))
			return
		}
	}
	if s.linkUp {
		if elapsed := s.now.Sub(s.lastLinkAt); elapsed > s.cfg.LinkTimeout {
			v := &drive.SafetyViolation{Reason: drive.ViolationLinkTimeout, Detail: fmt.Sprintf("no response for %v", elapsed)}
			s.linkFault(ctx, v.Error())
		}
	}
}

func (s *Supervisor) runState(ctx context.Context) {
	switch s.State() {
	case StateConnecting:
		s.connecting(ctx)
	case StatePaired:
		s.heartbeat(ctx)
	case StateArmed:
		if s.freshInput && s.lastInput.Deadman {
			if s.fire(EventDeadmanEngaged, "deadman engaged") {
				s.driving(ctx)
			}
			return
		}
		s.heartbeat(ctx)
	case StateDriving:
		s.driving(ctx)
	case StateFailsafe:
		s.failsafe(ctx)
	case StateDisconnected:
	}
}

func (s *Supervisor) connecting(ctx context.Context) {
	if s.now.Before(s.nextAttemptAt) {
		return
	}
	s.attempts++
	s.record(DiagnosticReconnect, "connect attempt %d of %d", s.attempts, s.cfg.MaxReconnectAttempts)

	if err := s.connectAll(ctx); err != nil {
		s.record(DiagnosticFault, "connect attempt %d failed: %v", s.attempts, err)
		s.logger.Warnw("connect attempt failed", "attempt", s.attempts, "error", err)
		s.fire(EventConnectFailed, err.Error())
		if s.attempts >= s.cfg.MaxReconnectAttempts {
			s.terminal.Store(true)
			s.fire(EventAttemptsExhausted, fmt.Sprintf("%d connect attempts failed", s.attempts))
			return
		}
		s.nextAttemptAt = s.now.Add(s.cfg.ReconnectDelay)
		return
	}

	for drained := false; !drained; {
		select {
		case <-s.pushes:
		default:
			drained = true
		}
	}
	s.linkUp = true
	s.lastLinkAt = s.clock.Now()
	s.frameErrors = 0
	s.lastHeartbeat = time.Time{}
	s.lastPoll = time.Time{}
	s.vehicle = [2]drive.VehicleState{}
	s.session.Store(uuid.NewString())
	for i, b := range s.wheels {
		if !b.Wheel.Notifies() {
			continue
		}
		idx := i
		if err := b.Wheel.SubscribeState(func(state drive.VehicleState, err error) {
			s.push(idx, state, err)
		}); err != nil {
			s.record(DiagnosticFault, "%s wheel status subscription: %v", b.Wheel.Name(), err)
		}
	}
	s.fire(EventConnected, fmt.Sprintf("session %s", s.Session()))
}

func (s *Supervisor) connectAll(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(cctx)
	for _, b := range s.wheels {
		g.Go(func() error {
			return errors.Wrapf(b.Wheel.Connect(gctx, b.Address, b.Key), "%s wheel", b.Wheel.Name())
		})
	}
	err := g.Wait()
	if err != nil {
		if dErr := s.disconnectAll(ctx); dErr != nil {
			s.logger.Debugw("cleanup after failed connect", "error", dErr)
		}
	}
	return err
}

func (s *Supervisor) disconnectAll(ctx context.Context) error {
	if ctx.Err() != nil {
		var cancel func()
		ctx, cancel = context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		defer cancel()
	}
	s.linkUp = false
	errs := make([]error, len(s.wheels))
	var g errgroup.Group
	for i, b := range s.wheels {
		g.Go(func() error {
			errs[i] = errors.Wrapf(b.Wheel.Disconnect(ctx), "%s wheel", b.Wheel.Name())
			return nil
		})
	}
	//nolint:errcheck
	g.Wait()
	return multierr.Combine(errs...)
}

// stopAndDisconnect sends a best effort stop and drops the link.
func (s *Supervisor) stopAndDisconnect(ctx context.Context) {
	for _, err := range s.sendRaw(ctx, drive.StopFrame(s.mapper.Flags())) {
		if err != nil {
			s.record(DiagnosticFault, "final stop not delivered: %v", err)
		}
	}
	s.prev = drive.StopFrame(s.mapper.Flags())
	if err := s.disconnectAll(ctx); err != nil {
		s.record(DiagnosticFault, "disconnect: %v", err)
		s.logger.Warnw("disconnect failed", "error", err)
	}
}

func (s *Supervisor) heartbeat(ctx context.Context) {
	if !s.lastHeartbeat.IsZero() && s.now.Sub(s.lastHeartbeat) < s.cfg.HeartbeatInterval {
		return
	}
	s.lastHeartbeat = s.now
	s.sendFrame(ctx, drive.StopFrame(s.mapper.Flags()))
}

func (s *Supervisor) driving(ctx context.Context) {
	if s.freshInput && !s.lastInput.Deadman {
		s.safetyViolation(ctx, drive.ViolationDeadmanReleased, "")
		return
	}
	for i, v := range s.vehicle {
		if v.HasError() {
			s.safetyViolation(ctx, drive.ViolationWheelError,
				fmt.Sprintf("%s wheel error bits 0x%02x", s.wheels[i].Wheel.Name(), v.ErrorBits))
			return
		}
	}
	frame := s.mapper.Map(s.lastInput, s.prev, s.cfg.TickInterval.Seconds())
	if s.sendFrame(ctx, frame) {
		s.prev = frame
	}
}

func (s *Supervisor) failsafe(ctx context.Context) {
	if s.linkUp {
		if !s.sentThisTick {
			s.sendFrame(ctx, drive.StopFrame(s.mapper.Flags()))
		}
		return
	}
	if s.restoring && s.tickNum > s.restoreAfter && !s.terminal.Load() {
		s.restoring = false
		s.attempts = 0
		s.nextAttemptAt = s.now.Add(s.cfg.ReconnectDelay)
		s.fire(EventLinkRestoring, "reconnecting after link fault")
	}
}

func (s *Supervisor) safetyViolation(ctx context.Context, reason drive.ViolationReason, detail string) {
	v := &drive.SafetyViolation{Reason: reason, Detail: detail}
	s.logger.Warnw("safety violation", "reason", string(reason), "detail", detail)
	if s.fire(EventSafetyViolation, v.Error()) {
		s.sendFrame(ctx, drive.StopFrame(s.mapper.Flags()))
	}
}

func (s *Supervisor) linkFault(ctx context.Context, reason string) {
	s.record(DiagnosticFault, "%s", reason)
	s.logger.Warnw("link fault", "reason", reason)
	wasUp := s.linkUp
	s.fire(EventLinkFault, reason)
	if wasUp {
		s.stopAndDisconnect(ctx)
		s.restoring = true
		s.restoreAfter = s.tickNum
	}
}

func (s *Supervisor) internalFault(ctx context.Context, reason string) {
	s.record(DiagnosticFault, "%s", reason)
	s.logger.Errorw("internal fault", "reason", reason)
	v := &drive.SafetyViolation{Reason: drive.ViolationInternalFault, Detail: reason}
	if s.fire(EventInternalFault, v.Error()) && s.linkUp {
		s.sendRaw(ctx, drive.StopFrame(s.mapper.Flags()))
		s.sentThisTick = true
	}
}

func (s *Supervisor) frameError(ctx context.Context, err error) {
	s.frameErrors++
	s.record(DiagnosticDiscarded, "%v", err)
	if s.frameErrors >= s.cfg.MaxFrameErrors {
		s.frameErrors = 0
		s.safetyViolation(ctx, drive.ViolationFrameErrors, err.Error())
	}
}

// eachWheel runs fn on both wheels at once under the I/O timeout and returns each wheel's error,
// or nil when both succeeded.
func (s *Supervisor) eachWheel(ctx context.Context, fn func(context.Context, wheel.Wheel) error) []error {
	ioCtx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()
	errs := make([]error, len(s.wheels))
	var g errgroup.Group
	for i, b := range s.wheels {
		g.Go(func() error {
			errs[i] = fn(ioCtx, b.Wheel)
			return errs[i]
		})
	}
	if g.Wait() == nil {
		return nil
	}
	return errs
}

// sendRaw sends frame to both wheels at once and returns each wheel's error.
func (s *Supervisor) sendRaw(ctx context.Context, frame drive.CommandFrame) []error {
	return s.eachWheel(ctx, func(ctx context.Context, w wheel.Wheel) error {
		return w.SendCommand(ctx, frame)
	})
}

func (s *Supervisor) sendFrame(ctx context.Context, frame drive.CommandFrame) bool {
	s.sentThisTick = true
	return s.handleIO(ctx, "send", s.sendRaw(ctx, frame))
}

func isCodecError(err error) bool {
	var cryptoErr *wire.CryptoError
	return wire.IsFrameIntegrityError(err) || errors.As(err, &cryptoErr)
}

// handleIO classifies per wheel results and reports whether every wheel succeeded.
func (s *Supervisor) handleIO(ctx context.Context, op string, errs []error) bool {
	var linkErr, codecErr, silentErr error
	for i, err := range errs {
		if err == nil {
			continue
		}
		err = errors.Wrapf(err, "%s wheel %s", s.wheels[i].Wheel.Name(), op)
		switch {
		case isCodecError(err):
			codecErr = multierr.Append(codecErr, err)
		case errors.Is(err, wheel.ErrNoResponse):
			silentErr = multierr.Append(silentErr, err)
		default:
			linkErr = multierr.Append(linkErr, err)
		}
	}
	switch {
	case linkErr != nil:
		s.linkFault(ctx, linkErr.Error())
	case codecErr != nil:
		s.frameError(ctx, codecErr)
	case silentErr != nil:
		s.record(DiagnosticDiscarded, "%v", silentErr)
	default:
		s.lastLinkAt = s.clock.Now()
		s.frameErrors = 0
		return true
	}
	return false
}

func (s *Supervisor) push(idx int, state drive.VehicleState, err error) {
	select {
	case s.pushes <- pushedState{wheel: idx, state: state, err: err}:
	default:
		s.droppedPushes.Inc()
	}
}

func (s *Supervisor) mergeVehicleState(ctx context.Context) {
	for drained := false; !drained; {
		select {
		case p := <-s.pushes:
			if !s.linkUp {
				continue
			}
			if p.err != nil {
				err := errors.Wrapf(p.err, "%s wheel status", s.wheels[p.wheel].Wheel.Name())
				if isCodecError(p.err) {
					s.frameError(ctx, err)
				} else {
					s.record(DiagnosticDiscarded, "%v", err)
				}
				continue
			}
			s.lastLinkAt = s.now
			s.updateVehicle(p.wheel, p.state)
		default:
			drained = true
		}
	}
	if dropped := s.droppedPushes.Swap(0); dropped > 0 {
		s.record(DiagnosticDiscarded, "%d status updates dropped", dropped)
	}
	s.pollStates(ctx)
}

func (s *Supervisor) pollStates(ctx context.Context) {
	if !s.linkUp {
		return
	}
	if !s.lastPoll.IsZero() && s.now.Sub(s.lastPoll) < s.cfg.StatePollInterval {
		return
	}
	var polled []int
	for i, b := range s.wheels {
		if !b.Wheel.Notifies() {
			polled = append(polled, i)
		}
	}
	if len(polled) == 0 {
		return
	}
	s.lastPoll = s.now

	ioCtx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()
	errs := make([]error, len(s.wheels))
	states := make([]drive.VehicleState, len(s.wheels))
	var g errgroup.Group
	for _, i := range polled {
		g.Go(func() error {
			state, ok, err := s.wheels[i].Wheel.PollState(ioCtx, s.cfg.IOTimeout)
			switch {
			case err != nil:
				errs[i] = err
			case !ok:
				errs[i] = wheel.ErrNoResponse
			default:
				states[i] = state
			}
			return nil
		})
	}
	//nolint:errcheck
	g.Wait()

	for _, i := range polled {
		if errs[i] == nil {
			s.updateVehicle(i, states[i])
		}
	}
	s.handleIO(ctx, "poll", errs)
}

func (s *Supervisor) updateVehicle(idx int, state drive.VehicleState) {
	state.UpdatedAt = s.now
	s.vehicle[idx] = state
	s.publishState(StateUpdate{Wheel: s.wheels[idx].Wheel.Name(), State: state})
}
