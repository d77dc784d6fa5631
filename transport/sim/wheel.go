// Package sim implements a simulated wheel and an in-memory transport to it, so the full stack
// can run without radios.
package sim

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/wheelctl/m25/drive"
	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/telegram"
	"github.com/wheelctl/m25/wire"
)

// maxSpeedRaw is full speed in 0.001 km/h.
const maxSpeedRaw = 6000

// WheelState is what the simulated wheel currently believes.
type WheelState struct {
	SystemMode  telegram.SystemMode
	DriveMode   drive.Flags
	AssistLevel int
	TargetSpeed int16
	MotorSpeed  int16
	SOC         uint8
	ErrorCode   uint8
}

// Wheel answers requests the way a real wheel does: it acknowledges writes, reports status on
// reads and rejects what it does not understand. It is safe for concurrent use.
type Wheel struct {
	address string
	key     []byte
	id      byte
	codec   wire.Codec
	logger  logging.Logger

	mu          sync.Mutex
	state       WheelState
	distance    uint32
	pushCounter uint16
	statusID    byte
	corruptNext bool

	handled  atomic.Int64
	rejected atomic.Int64
}

// NewWheel creates a wheel reachable at address that only accepts frames sealed with key.
func NewWheel(address string, key []byte, id byte, logger logging.Logger) (*Wheel, error) {
	if len(key) != wire.KeySize {
		return nil, drive.NewConfigurationError("key", errors.Errorf("must be %d bytes, got %d", wire.KeySize, len(key)))
	}
	return &Wheel{
		address: address,
		key:     append([]byte(nil), key...),
		id:      id,
		logger:  logger,
		state: WheelState{
			SystemMode: telegram.SystemModeStandby,
			SOC:        85,
		},
		distance: 1234500,
	}, nil
}

// Address returns the address the wheel answers on.
func (w *Wheel) Address() string {
	return w.address
}

// State returns a copy of the wheel's state.
func (w *Wheel) State() WheelState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Handled counts frames that decoded successfully.
func (w *Wheel) Handled() int64 {
	return w.handled.Load()
}

// Rejected counts frames that failed to decode.
func (w *Wheel) Rejected() int64 {
	return w.rejected.Load()
}

// SetError makes later status reports carry code.
func (w *Wheel) SetError(code uint8) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.ErrorCode = code
}

// SetSOC sets the reported state of charge.
func (w *Wheel) SetSOC(soc uint8) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.SOC = soc
}

// SetAssistLevel sets the assist level the wheel starts from. Levels above the wheel's
// maximum are clamped.
func (w *Wheel) SetAssistLevel(level int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.AssistLevel = max(0, min(level, telegram.MaxAssistLevel))
}

// CorruptNextResponse flips a checksum bit in the next frame the wheel sends.
func (w *Wheel) CorruptNextResponse() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.corruptNext = true
}

// Handle processes one frame and returns the frames sent back. Frames for other devices
// produce no answer; frames that fail to decode are counted and dropped, just as a wheel would.
func (w *Wheel) Handle(frame []byte) ([][]byte, error) {
	payload, err := w.codec.Decode(frame, w.key)
	if err != nil {
		w.rejected.Inc()
		return nil, err
	}
	request, err := telegram.Parse(payload)
	if err != nil {
		w.rejected.Inc()
		return nil, err
	}
	w.handled.Inc()

	if request.Dest != w.id && request.Dest != telegram.DeviceWheelCommon && request.Dest != telegram.DeviceBroadcast {
		return nil, nil
	}

	response := w.dispatch(request)
	out, err := w.encode(response)
	if err != nil {
		return nil, err
	}
	return [][]byte{out}, nil
}

// StatusFrame returns an unsolicited cruise values report.
func (w *Wheel) StatusFrame() ([]byte, error) {
	w.mu.Lock()
	id := w.statusID
	w.statusID++
	w.mu.Unlock()
	return w.encode(w.reply(telegram.Telegram{ID: id, Source: telegram.DeviceSmartphone},
		telegram.ServiceAppMgmt, telegram.ParamCruiseValues, w.cruiseValues().Bytes()...))
}

func (w *Wheel) encode(t telegram.Telegram) ([]byte, error) {
	frame, err := w.codec.Encode(t.Bytes(), w.key)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	corrupt := w.corruptNext
	w.corruptNext = false
	w.mu.Unlock()
	if corrupt {
		frame[len(frame)-1] ^= 0x01
	}
	return frame, nil
}

func (w *Wheel) reply(request telegram.Telegram, service, param byte, payload ...byte) telegram.Telegram {
	return telegram.Telegram{
		Protocol: telegram.ProtocolStandard,
		ID:       request.ID,
		Source:   w.id,
		Dest:     request.Source,
		Service:  service,
		Param:    param,
		Payload:  payload,
	}
}

func (w *Wheel) ack(request telegram.Telegram) telegram.Telegram {
	return w.reply(request, request.Service, telegram.ParamAck)
}

func (w *Wheel) nack(request telegram.Telegram, code byte) telegram.Telegram {
	w.logger.Debugw("rejecting request", "wheel", w.address, "telegram", request.String(), "code", code)
	return w.reply(request, request.Service, code)
}

func (w *Wheel) dispatch(request telegram.Telegram) telegram.Telegram {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch request.Service {
	case telegram.ServiceAppMgmt:
		switch request.Param {
		case telegram.ParamWriteSystemMode:
			if len(request.Payload) < 1 {
				return w.nack(request, telegram.NackLength)
			}
			w.state.SystemMode = telegram.SystemMode(request.Payload[0])
			return w.ack(request)
		case telegram.ParamReadSystemMode:
			return w.reply(request, telegram.ServiceAppMgmt, telegram.ParamStatusSystemMode, byte(w.state.SystemMode))
		case telegram.ParamWriteDriveMode:
			if len(request.Payload) < 1 {
				return w.nack(request, telegram.NackLength)
			}
			w.state.DriveMode = drive.Flags(request.Payload[0])
			if !w.state.DriveMode.Has(drive.FlagRemote) {
				w.state.TargetSpeed = 0
				w.state.MotorSpeed = 0
			}
			return w.ack(request)
		case telegram.ParamReadDriveMode:
			return w.reply(request, telegram.ServiceAppMgmt, telegram.ParamStatusDriveMode, byte(w.state.DriveMode))
		case telegram.ParamWriteRemoteSpeed:
			if len(request.Payload) < 2 {
				return w.nack(request, telegram.NackLength)
			}
			if w.state.SystemMode != telegram.SystemModeConnect || !w.state.DriveMode.Has(drive.FlagRemote) {
				return w.nack(request, telegram.NackCondition)
			}
			w.setSpeedLocked(int16(binary.BigEndian.Uint16(request.Payload)))
			return w.ack(request)
		case telegram.ParamWriteAssistLevel:
			if len(request.Payload) < 1 || int(request.Payload[0]) > telegram.MaxAssistLevel {
				return w.nack(request, telegram.NackCondition)
			}
			w.state.AssistLevel = int(request.Payload[0])
			return w.ack(request)
		case telegram.ParamReadAssistLevel:
			return w.reply(request, telegram.ServiceAppMgmt, telegram.ParamStatusAssistLevel, byte(w.state.AssistLevel))
		case telegram.ParamReadCurrentSpeed:
			speed := make([]byte, 2)
			binary.BigEndian.PutUint16(speed, uint16(w.state.MotorSpeed))
			return w.reply(request, telegram.ServiceAppMgmt, telegram.ParamStatusCurrentSpeed, speed...)
		case telegram.ParamReadCruiseValues:
			return w.reply(request, telegram.ServiceAppMgmt, telegram.ParamCruiseValues, w.cruiseValuesLocked().Bytes()...)
		}
	case telegram.ServiceBattMgmt:
		if request.Param == telegram.ParamReadSOC {
			return w.reply(request, telegram.ServiceBattMgmt, telegram.ParamStatusSOC, w.state.SOC)
		}
	default:
		return w.nack(request, telegram.NackService)
	}
	return w.nack(request, telegram.NackParameter)
}

func (w *Wheel) setSpeedLocked(target int16) {
	w.state.TargetSpeed = target
	if target > -10 && target < 10 {
		w.state.MotorSpeed = 0
	} else {
		w.state.MotorSpeed = target * 8 / 10
	}
	if w.state.MotorSpeed != 0 {
		w.pushCounter++
		w.distance += uint32(abs16(w.state.MotorSpeed))
	}
}

func (w *Wheel) cruiseValues() telegram.CruiseValues {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cruiseValuesLocked()
}

func (w *Wheel) cruiseValuesLocked() telegram.CruiseValues {
	return telegram.CruiseValues{
		DriveMode:   w.state.DriveMode,
		SpeedRaw:    uint16(int(abs16(w.state.MotorSpeed)) * maxSpeedRaw / 100),
		SOC:         w.state.SOC,
		DistanceRaw: w.distance,
		PushCounter: w.pushCounter,
		ErrorCode:   w.state.ErrorCode,
	}
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}
