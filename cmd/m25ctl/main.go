// Package main is the m25ctl command itself.
package main

import (
	"fmt"
	"os"

	"github.com/wheelctl/m25/cli"
	// registers all transports.
	_ "github.com/wheelctl/m25/transport/register"
)

func main() {
	if err := cli.NewApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
