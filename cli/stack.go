package cli

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/wheelctl/m25/config"
	"github.com/wheelctl/m25/input"
	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/mapper"
	"github.com/wheelctl/m25/supervisor"
	"github.com/wheelctl/m25/transport"
	"github.com/wheelctl/m25/wheel"
	"github.com/wheelctl/m25/wire"
)

// newLogger returns the process logger and a function flushing and closing its outputs. The
// --debug flag overrides level.
func newLogger(c *cli.Context, name string, level logging.Level, file logging.FileConfig) (logging.Logger, func() error) {
	var logger logging.Logger
	if c.Bool(flagDebug) || level == logging.DEBUG {
		logger = logging.NewDebugLogger(name)
	} else {
		logger = logging.NewLogger(name)
		logger.SetLevel(level)
	}
	if file.Filename == "" {
		return logger, logger.Sync
	}
	appender, closer := logging.NewFileAppender(file)
	logger.AddAppender(appender)
	return logger, func() error {
		return multierr.Combine(logger.Sync(), closer.Close())
	}
}

// newLink builds the link for one configured wheel and decodes its key.
func newLink(
	cfg *config.Config,
	codec wire.Codec,
	side wheel.Side,
	wc config.WheelConfig,
	logger logging.Logger,
) (*wheel.Link, []byte, error) {
	sideLogger := logger.Sublogger(side.String())
	t, err := transport.New(cfg.Transport.Type, cfg.Transport.Attributes, sideLogger)
	if err != nil {
		return nil, nil, err
	}
	opts, err := wc.LinkOptions(codec)
	if err != nil {
		return nil, nil, err
	}
	key, err := wc.KeyBytes()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s wheel", side)
	}
	return wheel.NewLink(side, t, opts, sideLogger), key, nil
}

// newSupervisor builds both wheel links and the supervisor from a validated config.
func newSupervisor(cfg *config.Config, provider input.Provider, logger logging.Logger) (*supervisor.Supervisor, error) {
	codec, err := cfg.Codec.Codec()
	if err != nil {
		return nil, err
	}

	bind := func(side wheel.Side, wc config.WheelConfig) (supervisor.Binding, error) {
		link, key, err := newLink(cfg, codec, side, wc, logger)
		if err != nil {
			return supervisor.Binding{}, err
		}
		return supervisor.Binding{Wheel: link, Address: wc.Address, Key: key}, nil
	}
	left, err := bind(wheel.Left, cfg.Left)
	if err != nil {
		return nil, err
	}
	right, err := bind(wheel.Right, cfg.Right)
	if err != nil {
		return nil, err
	}

	mapperCfg, err := cfg.MapperConfig()
	if err != nil {
		return nil, err
	}
	m, err := mapper.New(mapperCfg)
	if err != nil {
		return nil, err
	}
	supervisorCfg, err := cfg.SupervisorConfig()
	if err != nil {
		return nil, err
	}
	return supervisor.New(supervisorCfg, left, right, m, provider, logger.Sublogger("supervisor"))
}

// report prints transitions to out and logs vehicle state until ctx is done or the supervisor
// closes its subscriptions. onTransition, if set, is called for every transition.
func report(
	sup *supervisor.Supervisor,
	out io.Writer,
	logger logging.Logger,
	onTransition func(supervisor.Transition),
) func(context.Context) {
	transitions, _ := sup.SubscribeTransitions()
	states, _ := sup.SubscribeVehicleState()
	return func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-transitions:
				if !ok {
					return
				}
				printf(out, "%s %s -> %s (%s)", t.At.Format("15:04:05.000"), t.From, t.To, t.Reason)
				if onTransition != nil {
					onTransition(t)
				}
			case u, ok := <-states:
				if !ok {
					return
				}
				logger.Debugw("vehicle state",
					"wheel", u.Wheel,
					"soc", u.State.SOC,
					"speed", u.State.Speed,
					"drive_mode", u.State.DriveMode.String(),
					"error_bits", u.State.ErrorBits,
				)
			}
		}
	}
}
