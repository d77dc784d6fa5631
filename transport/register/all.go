// Package register registers all transport backends.
package register

import (
	// register backends.
	_ "github.com/wheelctl/m25/transport/ble"
	_ "github.com/wheelctl/m25/transport/serial"
	_ "github.com/wheelctl/m25/transport/sim"
	_ "github.com/wheelctl/m25/transport/tcp"
)
