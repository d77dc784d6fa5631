package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"github.com/wheelctl/m25/config"
	"github.com/wheelctl/m25/input"
	"github.com/wheelctl/m25/utils"
)

// DriveAction runs the control loop against the configured wheels. Operator input and commands
// are read from stdin as JSON lines until the process is interrupted.
func DriveAction(c *cli.Context) (err error) {
	cfg, err := config.Read(c.String(flagConfig))
	if err != nil {
		return err
	}
	level, err := cfg.Log.LoggerLevel()
	if err != nil {
		return err
	}
	logger, closeLogs := newLogger(c, "m25ctl", level, cfg.Log.FileConfig)
	defer func() {
		if closeErr := closeLogs(); closeErr != nil && err == nil {
			warningf(c.App.ErrWriter, "closing logs: %v", closeErr)
		}
	}()

	mailbox := input.NewMailbox()
	sup, err := newSupervisor(cfg, mailbox, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	workers := utils.NewStoppableWorkersWithContext(ctx, report(sup, c.App.Writer, logger, nil))
	defer workers.Stop()

	// Not a tracked worker: a read on stdin blocks until input arrives.
	goutils.PanicCapturingGo(func() {
		if err := input.ReadJSONLines(ctx, c.App.Reader, mailbox, sup.Submit); err != nil && ctx.Err() == nil {
			logger.Warnw("operator input stopped", "error", err)
			return
		}
		logger.Info("operator input closed")
	})

	if c.Bool(flagConnect) {
		if err := sup.Connect(); err != nil {
			return err
		}
	}
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
