package drive

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestModeText(t *testing.T) {
	var cs ControlState
	err := json.Unmarshal([]byte(`{"vx":0.5,"vy":-1,"deadman":true,"mode":"slow"}`), &cs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cs, test.ShouldResemble, ControlState{Vx: 0.5, Vy: -1, Deadman: true, Mode: ModeSlow})

	err = json.Unmarshal([]byte(`{"mode":"ludicrous"}`), &cs)
	test.That(t, err, test.ShouldNotBeNil)

	out, err := json.Marshal(ControlState{Mode: ModeFast})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldContainSubstring, `"mode":"FAST"`)
}

func TestFlags(t *testing.T) {
	flags := FlagRemote | FlagHillHold
	test.That(t, flags.Has(FlagRemote), test.ShouldBeTrue)
	test.That(t, flags.Has(FlagCruise), test.ShouldBeFalse)
	test.That(t, uint8(flags), test.ShouldEqual, 0x05)
	test.That(t, flags.String(), test.ShouldEqual, "hill-hold|remote")
	test.That(t, FlagsNormal.String(), test.ShouldEqual, "normal")

	stop := StopFrame(FlagRemote)
	test.That(t, stop.IsStop, test.ShouldBeTrue)
	test.That(t, stop.LeftSpeed, test.ShouldEqual, 0)
	test.That(t, stop.RightSpeed, test.ShouldEqual, 0)
}

func TestConfigurationError(t *testing.T) {
	err := errors.Wrap(NewConfigurationError("left.key", errors.New("must be 16 bytes")), "building link")
	test.That(t, IsConfigurationError(err), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, `"left.key"`)
	test.That(t, IsConfigurationError(errors.New("other")), test.ShouldBeFalse)
}
