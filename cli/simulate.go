package cli

import (
	"encoding/hex"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/telegram"
	"github.com/wheelctl/m25/transport/sim"
	"github.com/wheelctl/m25/wire"
)

// SimulateAction serves one simulated wheel over TCP until interrupted. Point a "tcp" transport
// at the printed address to drive it.
func SimulateAction(c *cli.Context) error {
	key, err := parseKey(c.String(flagKey))
	if err != nil {
		return err
	}
	var id byte
	switch strings.ToLower(c.String(flagSide)) {
	case "left":
		id = telegram.DeviceWheelLeft
	case "right":
		id = telegram.DeviceWheelRight
	default:
		return errors.Errorf("side must be left or right, got %q", c.String(flagSide))
	}

	logger, closeLogs := newLogger(c, "simulate", logging.INFO, logging.FileConfig{})
	//nolint:errcheck
	defer closeLogs()

	listen := c.String(flagListen)
	w, err := sim.NewWheel(listen, key, id, logger.Sublogger("wheel"))
	if err != nil {
		return err
	}
	w.SetAssistLevel(c.Int(flagAssistLevel))
	server, err := sim.NewServer(listen, w, c.Duration(flagStatusInterval), logger)
	if err != nil {
		return err
	}
	printf(c.App.Writer, "simulated %s wheel listening on %s", c.String(flagSide), server.Addr())

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	state := w.State()
	printf(c.App.Writer, "handled %d frames, rejected %d, final drive mode %s, speed %d",
		w.Handled(), w.Rejected(), state.DriveMode, state.MotorSpeed)
	return server.Close()
}

func parseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.Wrap(err, "key must be hex")
	}
	if len(key) != wire.KeySize {
		return nil, errors.Errorf("key must be %d bytes, got %d", wire.KeySize, len(key))
	}
	return key, nil
}
