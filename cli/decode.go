package cli

import (
	"encoding/hex"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/wheelctl/m25/telegram"
	"github.com/wheelctl/m25/wire"
)

// DecodeAction splits captured stream bytes into frames, opens each with the key and prints the
// telegram inside. Frames that fail to open are reported and skipped.
func DecodeAction(c *cli.Context) error {
	key, err := parseKey(c.String(flagKey))
	if err != nil {
		return err
	}
	packets := append(c.StringSlice(flagPacket), c.Args().Slice()...)
	if len(packets) == 0 {
		return errors.New("no packets given")
	}
	var stream []byte
	for _, p := range packets {
		raw, err := hex.DecodeString(strings.Join(strings.Fields(p), ""))
		if err != nil {
			return errors.Wrapf(err, "packet %q is not hex", p)
		}
		stream = append(stream, raw...)
	}
	decoded := decodeStream(c.App.Writer, stream, key, wire.Codec{})
	if decoded == 0 {
		return errors.New("no frame could be decoded")
	}
	return nil
}

// decodeStream prints every frame in stream and returns how many decoded.
func decodeStream(out io.Writer, stream, key []byte, codec wire.Codec) int {
	var deframer wire.Deframer
	frames := deframer.Write(stream)
	if dropped := deframer.Dropped(); dropped > 0 {
		warningf(out, "dropped %d malformed frames", dropped)
	}
	decoded := 0
	for i, frame := range frames {
		payload, err := codec.Decode(frame, key)
		if err != nil {
			warningf(out, "frame %d: %v", i, err)
			continue
		}
		t, err := telegram.Parse(payload)
		if err != nil {
			warningf(out, "frame %d: %v", i, err)
			continue
		}
		decoded++
		printf(out, "frame %d: %s payload=%x", i, t, t.Payload)
		if t.Is(telegram.ServiceAppMgmt, telegram.ParamCruiseValues) {
			if cv, err := telegram.ParseCruiseValues(t.Payload); err == nil {
				state := cv.VehicleState(0)
				printf(out, "  soc=%d%% speed=%.3fkm/h mode=%s error=0x%02x distance=%.2fm",
					state.SOC, state.Speed, state.DriveMode, state.ErrorBits, state.Distance)
			}
		}
	}
	return decoded
}
