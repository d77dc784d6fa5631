// Package telegram builds and parses the plaintext messages carried inside wire frames.
//
// A telegram is `protocol | telegramID | source | destination | service | parameter | payload`.
// Only the identifiers needed for remote driving and status are defined here.
package telegram

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/wheelctl/m25/drive"
)

// HeaderSize is the number of fixed bytes before the payload.
const HeaderSize = 6

// ProtocolStandard is the only protocol id in use.
const ProtocolStandard = 0x01

// Device ids used as source and destination.
const (
	DeviceWheelCommon = 1
	DeviceWheelLeft   = 2
	DeviceWheelRight  = 3
	DeviceSmartphone  = 5
	DeviceBroadcast   = 15
)

// Services.
const (
	ServiceAppMgmt  = 1
	ServiceBattMgmt = 8
)

// Application management parameters.
const (
	ParamWriteSystemMode    = 0x10
	ParamReadSystemMode     = 0x11
	ParamStatusSystemMode   = 0x12
	ParamWriteDriveMode     = 0x20
	ParamReadDriveMode      = 0x21
	ParamStatusDriveMode    = 0x22
	ParamWriteRemoteSpeed   = 0x30
	ParamWriteAssistLevel   = 0x40
	ParamReadAssistLevel    = 0x41
	ParamStatusAssistLevel  = 0x42
	ParamReadCurrentSpeed   = 0x91
	ParamStatusCurrentSpeed = 0x92
	ParamReadCruiseValues   = 0xD1
	ParamCruiseValues       = 0xD2
	ParamAck                = 0xFF
)

// Battery management parameters.
const (
	ParamReadSOC   = 0x11
	ParamStatusSOC = 0x12
)

// Negative acknowledgement codes, sent in place of the parameter id.
const (
	NackGeneral       = 0x80
	NackService       = 0x81
	NackParameter     = 0x82
	NackLength        = 0x83
	NackChecksum      = 0x84
	NackCondition     = 0x85
	NackSecurity      = 0x86
	NackNotExecuted   = 0x87
	NackInternalError = 0x88
)

// SystemMode values for WriteSystemMode.
type SystemMode byte

// System modes.
const (
	SystemModeConnect SystemMode = 0x01
	SystemModeStandby SystemMode = 0x02
)

// MaxAssistLevel is the highest assist level a wheel accepts.
const MaxAssistLevel = 2

// InitialTelegramID is the first id a Builder hands out.
const InitialTelegramID = 0x80

// ErrShortTelegram is returned for payloads too small to hold a header.
var ErrShortTelegram = errors.New("telegram shorter than its header")

// Telegram is one decoded message.
type Telegram struct {
	Protocol byte
	ID       byte
	Source   byte
	Dest     byte
	Service  byte
	Param    byte
	Payload  []byte
}

// Bytes serializes the telegram.
func (t Telegram) Bytes() []byte {
	out := make([]byte, 0, HeaderSize+len(t.Payload))
	out = append(out, t.Protocol, t.ID, t.Source, t.Dest, t.Service, t.Param)
	return append(out, t.Payload...)
}

// Parse decodes a plaintext payload.
func Parse(data []byte) (Telegram, error) {
	if len(data) < HeaderSize {
		return Telegram{}, errors.Wrapf(ErrShortTelegram, "%d bytes", len(data))
	}
	t := Telegram{
		Protocol: data[0],
		ID:       data[1],
		Source:   data[2],
		Dest:     data[3],
		Service:  data[4],
		Param:    data[5],
	}
	if len(data) > HeaderSize {
		t.Payload = append([]byte(nil), data[HeaderSize:]...)
	}
	return t, nil
}

// IsAck reports a positive acknowledgement.
func (t Telegram) IsAck() bool {
	return t.Param == ParamAck
}

// IsNack reports a negative acknowledgement.
func (t Telegram) IsNack() bool {
	return t.Param >= NackGeneral && t.Param <= NackInternalError
}

// Is reports whether the telegram carries service/param.
func (t Telegram) Is(service, param byte) bool {
	return t.Service == service && t.Param == param
}

func (t Telegram) String() string {
	return fmt.Sprintf("telegram{id=0x%02x src=%d dst=%d svc=%d param=0x%02x len=%d}",
		t.ID, t.Source, t.Dest, t.Service, t.Param, len(t.Payload))
}

// NackError is returned when a wheel rejects a request.
type NackError struct {
	Code    byte
	Request Telegram
}

func (e *NackError) Error() string {
	return fmt.Sprintf("wheel rejected service %d param 0x%02x with 0x%02x (%s)",
		e.Request.Service, e.Request.Param, e.Code, nackName(e.Code))
}

func nackName(code byte) string {
	switch code {
	case NackGeneral:
		return "general"
	case NackService:
		return "unknown service"
	case NackParameter:
		return "unknown parameter"
	case NackLength:
		return "bad length"
	case NackChecksum:
		return "bad checksum"
	case NackCondition:
		return "conditions not met"
	case NackSecurity:
		return "security access denied"
	case NackNotExecuted:
		return "not executed"
	case NackInternalError:
		return "internal error"
	default:
		return "unknown"
	}
}

// Builder creates request telegrams with a rolling telegram id. It is safe for concurrent use.
type Builder struct {
	mu     sync.Mutex
	nextID byte
	source byte
	dest   byte
}

// NewBuilder returns a Builder addressing dest from the smartphone id.
func NewBuilder(dest byte) *Builder {
	return &Builder{nextID: InitialTelegramID, source: DeviceSmartphone, dest: dest}
}

// Build returns the next telegram for service/param.
func (b *Builder) Build(service, param byte, payload ...byte) Telegram {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.mu.Unlock()

	return Telegram{
		Protocol: ProtocolStandard,
		ID:       id,
		Source:   b.source,
		Dest:     b.dest,
		Service:  service,
		Param:    param,
		Payload:  payload,
	}
}

// WriteSystemMode requests a system mode change.
func (b *Builder) WriteSystemMode(mode SystemMode) Telegram {
	return b.Build(ServiceAppMgmt, ParamWriteSystemMode, byte(mode))
}

// WriteDriveMode sets the drive-mode bits.
func (b *Builder) WriteDriveMode(flags drive.Flags) Telegram {
	return b.Build(ServiceAppMgmt, ParamWriteDriveMode, byte(flags))
}

// WriteRemoteSpeed sets the remote target speed, positive forward.
func (b *Builder) WriteRemoteSpeed(speed int16) Telegram {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(speed))
	return b.Build(ServiceAppMgmt, ParamWriteRemoteSpeed, payload...)
}

// WriteAssistLevel sets the assist level.
func (b *Builder) WriteAssistLevel(level int) (Telegram, error) {
	if level < 0 || level > MaxAssistLevel {
		return Telegram{}, errors.Errorf("assist level %d out of range [0, %d]", level, MaxAssistLevel)
	}
	return b.Build(ServiceAppMgmt, ParamWriteAssistLevel, byte(level)), nil
}

// ReadCruiseValues requests the combined status telegram.
func (b *Builder) ReadCruiseValues() Telegram {
	return b.Build(ServiceAppMgmt, ParamReadCruiseValues)
}

// ReadSOC requests the battery state of charge.
func (b *Builder) ReadSOC() Telegram {
	return b.Build(ServiceBattMgmt, ParamReadSOC)
}

// ReadAssistLevel requests the active assist level.
func (b *Builder) ReadAssistLevel() Telegram {
	return b.Build(ServiceAppMgmt, ParamReadAssistLevel)
}

// ReadDriveMode requests the drive-mode bits.
func (b *Builder) ReadDriveMode() Telegram {
	return b.Build(ServiceAppMgmt, ParamReadDriveMode)
}

// ReadCurrentSpeed requests the current wheel speed.
func (b *Builder) ReadCurrentSpeed() Telegram {
	return b.Build(ServiceAppMgmt, ParamReadCurrentSpeed)
}
