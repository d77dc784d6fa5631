package cli

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/wheelctl/m25/config"
	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/wheel"
)

// StatusAction connects to each configured wheel in turn, prints what it reports and
// disconnects again. The control loop is not started.
func StatusAction(c *cli.Context) (err error) {
	cfg, err := config.Read(c.String(flagConfig))
	if err != nil {
		return err
	}
	level, err := cfg.Log.LoggerLevel()
	if err != nil {
		return err
	}
	logger, closeLogs := newLogger(c, "status", level, cfg.Log.FileConfig)
	defer func() {
		if closeErr := closeLogs(); closeErr != nil && err == nil {
			warningf(c.App.ErrWriter, "closing logs: %v", closeErr)
		}
	}()
	return readStatus(c.Context, c.App.Writer, cfg, logger)
}

func readStatus(ctx context.Context, out io.Writer, cfg *config.Config, logger logging.Logger) error {
	codec, err := cfg.Codec.Codec()
	if err != nil {
		return err
	}
	for _, w := range []struct {
		side wheel.Side
		cfg  config.WheelConfig
	}{{wheel.Left, cfg.Left}, {wheel.Right, cfg.Right}} {
		link, key, err := newLink(cfg, codec, w.side, w.cfg, logger)
		if err != nil {
			return err
		}
		if err := link.Connect(ctx, w.cfg.Address, key); err != nil {
			return errors.Wrapf(err, "%s wheel", w.side)
		}
		st, err := link.ReadStatus(ctx)
		if err := multierr.Combine(err, link.Disconnect(ctx)); err != nil {
			return errors.Wrapf(err, "%s wheel", w.side)
		}
		printf(out, "%s wheel %s: soc %d%%, assist level %d, drive mode %s, motor speed %d",
			w.side, w.cfg.Address, st.SOC, st.AssistLevel, st.DriveMode, st.MotorSpeed)
	}
	return nil
}
