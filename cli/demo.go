package cli

import (
	"context"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/wheelctl/m25/input"
	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/mapper"
	"github.com/wheelctl/m25/supervisor"
	"github.com/wheelctl/m25/telegram"
	"github.com/wheelctl/m25/transport"
	"github.com/wheelctl/m25/transport/sim"
	"github.com/wheelctl/m25/utils"
	"github.com/wheelctl/m25/wheel"
)

const demoAssistLevel = 1

var demoKey = []byte{
	0x4d, 0x32, 0x35, 0x2d, 0x64, 0x65, 0x6d, 0x6f,
	0x2d, 0x6b, 0x65, 0x79, 0x2d, 0x30, 0x30, 0x31,
}

// DemoAction connects to two simulated wheels, raises the assist level and arms once paired,
// then replays a short forward drive. It returns when the script ends in FAILSAFE or the duration runs out.
func DemoAction(c *cli.Context) error {
	logger, closeLogs := newLogger(c, "demo", logging.INFO, logging.FileConfig{})
	//nolint:errcheck
	defer closeLogs()

	mode := transport.ModePoll
	if c.Bool(flagNotify) {
		mode = transport.ModeNotify
	}
	return runDemo(c.Context, c.App.Writer, mode, c.Duration(flagDuration), logger)
}

func runDemo(ctx context.Context, out io.Writer, mode transport.Mode, timeout time.Duration, logger logging.Logger) error {
	wheels := make([]*sim.Wheel, 2)
	bindings := make([]supervisor.Binding, 2)
	for i, side := range []wheel.Side{wheel.Left, wheel.Right} {
		id := byte(telegram.DeviceWheelLeft)
		if side == wheel.Right {
			id = telegram.DeviceWheelRight
		}
		address := "SIM:" + side.String()
		w, err := sim.NewWheel(address, demoKey, id, logger.Sublogger("sim"))
		if err != nil {
			return err
		}
		wheels[i] = w
		sideLogger := logger.Sublogger(side.String())
		bindings[i] = supervisor.Binding{
			Wheel:   wheel.NewLink(side, sim.NewTransport(mode, sideLogger, w), wheel.Options{}, sideLogger),
			Address: address,
			Key:     demoKey,
		}
	}

	m, err := mapper.New(mapper.DefaultConfig())
	if err != nil {
		return err
	}
	script := input.NewScript(input.ForwardDrive()...)
	sup, err := supervisor.New(supervisor.DefaultConfig(), bindings[0], bindings[1], m, script,
		logger.Sublogger("supervisor"))
	if err != nil {
		return err
	}

	if err := sup.Connect(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	workers := utils.NewStoppableWorkersWithContext(ctx, report(sup, out, logger, func(t supervisor.Transition) {
		switch t.To {
		case supervisor.StatePaired:
			if err := sup.SetAssistLevel(demoAssistLevel); err != nil {
				logger.Warnw("assist level request", "error", err)
			}
			if err := sup.Arm(); err != nil {
				logger.Warnw("arm request", "error", err)
			}
		case supervisor.StateFailsafe, supervisor.StateDisconnected:
			cancel()
		}
	}))
	err = sup.Run(ctx)
	workers.Stop()
	if err != nil {
		return err
	}

	for i, w := range wheels {
		state := w.State()
		printf(out, "%s wheel: handled %d frames, drive mode %s, speed %d, soc %d%%, assist level %d",
			bindings[i].Wheel.Name(), w.Handled(), state.DriveMode, state.MotorSpeed, state.SOC, state.AssistLevel)
	}
	printf(out, "final state %s, %d diagnostics recorded", sup.State(), len(sup.Diagnostics()))
	return nil
}
