// Package cli contains the m25ctl command line.
package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"
)

const (
	flagConfig         = "config"
	flagDebug          = "debug"
	flagConnect        = "connect"
	flagListen         = "listen"
	flagKey            = "key"
	flagSide           = "side"
	flagStatusInterval = "status-interval"
	flagPacket         = "packet"
	flagNotify         = "notify"
	flagDuration       = "duration"
	flagAssistLevel    = "assist-level"
)

var app = &cli.App{
	Name:            "m25ctl",
	Usage:           "drive a pair of m25 wheels remotely",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "drive",
			Usage:     "connect to both wheels and drive from JSON lines on stdin",
			UsageText: `each stdin line is {"vx":0,"vy":0.5,"deadman":true,"mode":"slow"}, {"command":"arm"} or {"command":"assist","level":1}`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     flagConfig,
					Aliases:  []string{"c"},
					Usage:    "load configuration from `FILE`",
					Required: true,
				},
				&cli.BoolFlag{
					Name:  flagConnect,
					Usage: "connect immediately instead of waiting for a connect command",
				},
			},
			Action: DriveAction,
		},
		{
			Name:  "status",
			Usage: "connect to each wheel in turn and print what it reports",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     flagConfig,
					Aliases:  []string{"c"},
					Usage:    "load configuration from `FILE`",
					Required: true,
				},
			},
			Action: StatusAction,
		},
		{
			Name:  "simulate",
			Usage: "serve a simulated wheel over TCP",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  flagListen,
					Value: "127.0.0.1:7025",
					Usage: "listen on `ADDRESS`",
				},
				&cli.StringFlag{
					Name:     flagKey,
					Usage:    "wheel key as 32 hex characters",
					Required: true,
				},
				&cli.StringFlag{
					Name:  flagSide,
					Value: "left",
					Usage: "wheel side, left or right",
				},
				&cli.DurationFlag{
					Name:  flagStatusInterval,
					Usage: "push a status report at this interval, 0 to only answer requests",
				},
				&cli.IntFlag{
					Name:  flagAssistLevel,
					Usage: "assist level the wheel starts at",
				},
			},
			Action: SimulateAction,
		},
		{
			Name:      "decode",
			Usage:     "decode captured frames into telegrams",
			ArgsUsage: "[hex...]",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     flagKey,
					Usage:    "wheel key as 32 hex characters",
					Required: true,
				},
				&cli.StringSliceFlag{
					Name:  flagPacket,
					Usage: "captured stream bytes as hex, may be repeated",
				},
			},
			Action: DecodeAction,
		},
		{
			Name:  "demo",
			Usage: "drive two simulated wheels through a scripted run",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  flagNotify,
					Usage: "simulated wheels push status instead of being polled",
				},
				&cli.DurationFlag{
					Name:  flagDuration,
					Value: 10 * time.Second,
					Usage: "give up after this long",
				},
			},
			Action: DemoAction,
		},
	},
}

// NewApp returns the CLI writing to the given streams.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}

func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

func warningf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, "Warning: "+format+"\n", a...)
}
