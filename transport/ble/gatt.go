package ble

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"

	goble "github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	deviceOnce sync.Once
	deviceErr  error
)

// DialGATT connects to address with the host's default radio.
func DialGATT(ctx context.Context, address string) (Peripheral, error) {
	deviceOnce.Do(func() {
		var dev goble.Device
		dev, deviceErr = newDevice()
		if deviceErr == nil {
			goble.SetDefaultDevice(dev)
		}
	})
	if deviceErr != nil {
		return nil, errors.Wrap(deviceErr, "opening radio")
	}
	client, err := goble.Dial(ctx, goble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return &gattPeripheral{client: client, chars: map[string]*goble.Characteristic{}}, nil
}

type gattPeripheral struct {
	client goble.Client

	mu    sync.Mutex
	chars map[string]*goble.Characteristic
}

// uuidString renders a little endian GATT UUID in the canonical upper case form.
func uuidString(u goble.UUID) string {
	be := goble.Reverse(u)
	if len(be) == 16 {
		if id, err := uuid.FromBytes(be); err == nil {
			return strings.ToUpper(id.String())
		}
	}
	return strings.ToUpper(hex.EncodeToString(be))
}

func (p *gattPeripheral) Characteristics(ctx context.Context) ([]Characteristic, error) {
	profile, err := p.client.DiscoverProfile(true)
	if err != nil {
		return nil, errors.Wrap(err, "discovering profile")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Characteristic
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			id := uuidString(c.UUID)
			p.chars[id] = c
			out = append(out, Characteristic{
				Service:         uuidString(svc.UUID),
				UUID:            id,
				Read:            c.Property&goble.CharRead != 0,
				Write:           c.Property&goble.CharWrite != 0,
				WriteNoResponse: c.Property&goble.CharWriteNR != 0,
				Notify:          c.Property&goble.CharNotify != 0,
			})
		}
	}
	return out, nil
}

func (p *gattPeripheral) lookup(char string) (*goble.Characteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chars[strings.ToUpper(char)]
	if !ok {
		return nil, errors.Errorf("characteristic %s not discovered", char)
	}
	return c, nil
}

func (p *gattPeripheral) Write(ctx context.Context, char string, data []byte, withResponse bool) error {
	c, err := p.lookup(char)
	if err != nil {
		return err
	}
	return p.client.WriteCharacteristic(c, data, !withResponse)
}

func (p *gattPeripheral) Read(ctx context.Context, char string) ([]byte, error) {
	c, err := p.lookup(char)
	if err != nil {
		return nil, err
	}
	return p.client.ReadCharacteristic(c)
}

func (p *gattPeripheral) Subscribe(char string, handler func(data []byte)) error {
	c, err := p.lookup(char)
	if err != nil {
		return err
	}
	return p.client.Subscribe(c, false, func(data []byte) {
		handler(append([]byte(nil), data...))
	})
}

func (p *gattPeripheral) Disconnected() <-chan struct{} {
	return p.client.Disconnected()
}

func (p *gattPeripheral) Close() error {
	return p.client.CancelConnection()
}
