package ble

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Nordic UART service identifiers, used by the wheels when present.
const (
	UARTServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	UARTTxCharUUID  = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	UARTRxCharUUID  = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

// Characteristic describes one GATT characteristic found during discovery.
type Characteristic struct {
	Service         string
	UUID            string
	Read            bool
	Write           bool
	WriteNoResponse bool
	Notify          bool
}

func (c Characteristic) writable() bool {
	return c.Write || c.WriteNoResponse
}

// Peripheral is a connected GATT server. It hides the radio stack so the transport logic can be
// exercised without hardware.
type Peripheral interface {
	Characteristics(ctx context.Context) ([]Characteristic, error)
	Write(ctx context.Context, char string, data []byte, withResponse bool) error
	Read(ctx context.Context, char string) ([]byte, error)
	Subscribe(char string, handler func(data []byte)) error
	// Disconnected is closed when the peripheral drops the connection.
	Disconnected() <-chan struct{}
	Close() error
}

// Dialer connects to the peripheral at address.
type Dialer func(ctx context.Context, address string) (Peripheral, error)

// channels picks the command and status characteristics. The Nordic UART pair wins when the
// service is present; otherwise the first writable characteristic carries commands and the
// first characteristic that can deliver status in the wanted way carries status.
func channels(chars []Characteristic, wantNotify bool) (command, status Characteristic, err error) {
	var foundCommand, foundStatus bool
	for _, c := range chars {
		if !strings.EqualFold(c.Service, UARTServiceUUID) {
			continue
		}
		switch {
		case strings.EqualFold(c.UUID, UARTTxCharUUID) && c.writable():
			command, foundCommand = c, true
		case strings.EqualFold(c.UUID, UARTRxCharUUID) && (c.Notify || c.Read):
			status, foundStatus = c, true
		}
	}
	if foundCommand && foundStatus && (!wantNotify || status.Notify) {
		return command, status, nil
	}

	foundCommand, foundStatus = false, false
	for _, c := range chars {
		if !foundCommand && c.writable() {
			command, foundCommand = c, true
		}
		if !foundStatus && (c.Notify || (!wantNotify && c.Read)) {
			status, foundStatus = c, true
		}
	}
	switch {
	case !foundCommand:
		return Characteristic{}, Characteristic{}, errors.New("no writable characteristic")
	case !foundStatus && wantNotify:
		return Characteristic{}, Characteristic{}, errors.New("no notifying characteristic")
	case !foundStatus:
		return Characteristic{}, Characteristic{}, errors.New("no readable or notifying characteristic")
	}
	return command, status, nil
}
