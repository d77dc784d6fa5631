package telegram

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/wheelctl/m25/drive"
)

// CruiseValuesSize is the minimum payload of a cruise values telegram.
const CruiseValuesSize = 12

// CruiseValues is the wheel's combined status report.
type CruiseValues struct {
	DriveMode drive.Flags
	PushRim   int8
	// SpeedRaw is in units of 0.001 km/h.
	SpeedRaw uint16
	SOC      uint8
	// DistanceRaw is in units of 0.01 m.
	DistanceRaw uint32
	PushCounter uint16
	ErrorCode   uint8
}

// ParseCruiseValues decodes a cruise values payload.
func ParseCruiseValues(payload []byte) (CruiseValues, error) {
	if len(payload) < CruiseValuesSize {
		return CruiseValues{}, errors.Errorf("cruise values need %d bytes, got %d", CruiseValuesSize, len(payload))
	}
	return CruiseValues{
		DriveMode:   drive.Flags(payload[0]),
		PushRim:     int8(payload[1]),
		SpeedRaw:    binary.BigEndian.Uint16(payload[2:4]),
		SOC:         payload[4],
		DistanceRaw: binary.BigEndian.Uint32(payload[5:9]),
		PushCounter: binary.BigEndian.Uint16(payload[9:11]),
		ErrorCode:   payload[11],
	}, nil
}

// Bytes serializes the values in wire order.
func (cv CruiseValues) Bytes() []byte {
	out := make([]byte, CruiseValuesSize)
	out[0] = byte(cv.DriveMode)
	out[1] = byte(cv.PushRim)
	binary.BigEndian.PutUint16(out[2:4], cv.SpeedRaw)
	out[4] = cv.SOC
	binary.BigEndian.PutUint32(out[5:9], cv.DistanceRaw)
	binary.BigEndian.PutUint16(out[9:11], cv.PushCounter)
	out[11] = cv.ErrorCode
	return out
}

// SpeedKMH converts the raw speed.
func (cv CruiseValues) SpeedKMH() float64 {
	return float64(cv.SpeedRaw) * 0.001
}

// DistanceMeters converts the raw odometer.
func (cv CruiseValues) DistanceMeters() float64 {
	return float64(cv.DistanceRaw) * 0.01
}

// VehicleState converts the report into a complete snapshot. The assist level is not part of
// the report and is supplied by the caller.
func (cv CruiseValues) VehicleState(assistLevel int) drive.VehicleState {
	return drive.VehicleState{
		SOC:         int(cv.SOC),
		Speed:       cv.SpeedKMH(),
		AssistLevel: assistLevel,
		DriveMode:   cv.DriveMode,
		ErrorBits:   cv.ErrorCode,
		PushRim:     int(cv.PushRim),
		PushCounter: int(cv.PushCounter),
		Distance:    cv.DistanceMeters(),
	}
}

func firstByte(t Telegram, service, param byte) (byte, error) {
	if !t.Is(service, param) {
		return 0, errors.Errorf("expected service %d param 0x%02x, got %s", service, param, t)
	}
	if len(t.Payload) < 1 {
		return 0, errors.Errorf("empty payload in %s", t)
	}
	return t.Payload[0], nil
}

// ParseSOC decodes a state of charge status.
func ParseSOC(t Telegram) (int, error) {
	soc, err := firstByte(t, ServiceBattMgmt, ParamStatusSOC)
	return int(soc), err
}

// ParseAssistLevel decodes an assist level status.
func ParseAssistLevel(t Telegram) (int, error) {
	level, err := firstByte(t, ServiceAppMgmt, ParamStatusAssistLevel)
	return int(level), err
}

// ParseDriveMode decodes a drive mode status.
func ParseDriveMode(t Telegram) (drive.Flags, error) {
	mode, err := firstByte(t, ServiceAppMgmt, ParamStatusDriveMode)
	return drive.Flags(mode), err
}

// ParseCurrentSpeed decodes a current speed status as a signed value.
func ParseCurrentSpeed(t Telegram) (int16, error) {
	if !t.Is(ServiceAppMgmt, ParamStatusCurrentSpeed) || len(t.Payload) < 2 {
		return 0, errors.Errorf("not a current speed status: %s", t)
	}
	return int16(binary.BigEndian.Uint16(t.Payload)), nil
}
