package input

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/wheelctl/m25/drive"
)

func TestMailbox(t *testing.T) {
	m := NewMailbox()
	_, ok := m.LatestControlState()
	test.That(t, ok, test.ShouldBeFalse)

	m.Post(drive.ControlState{Vy: 0.2})
	m.Post(drive.ControlState{Vy: 0.4, Deadman: true})
	state, ok := m.LatestControlState()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, state, test.ShouldResemble, drive.ControlState{Vy: 0.4, Deadman: true})

	_, ok = m.LatestControlState()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestScript(t *testing.T) {
	s := NewScript(drive.ControlState{Vx: 1}, drive.ControlState{Vx: -1})
	test.That(t, s.Remaining(), test.ShouldEqual, 2)
	first, ok := s.LatestControlState()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, first.Vx, test.ShouldEqual, 1.0)
	second, _ := s.LatestControlState()
	test.That(t, second.Vx, test.ShouldEqual, -1.0)
	_, ok = s.LatestControlState()
	test.That(t, ok, test.ShouldBeFalse)

	s.Rewind()
	test.That(t, s.Remaining(), test.ShouldEqual, 2)

	demo := ForwardDrive()
	test.That(t, demo[0].Deadman, test.ShouldBeFalse)
	test.That(t, demo[len(demo)-1].Deadman, test.ShouldBeFalse)
	stop := EmergencyStop()
	test.That(t, stop[len(stop)-1].Deadman, test.ShouldBeFalse)
	test.That(t, stop[len(stop)-2].Deadman, test.ShouldBeTrue)
}

func TestReadJSONLines(t *testing.T) {
	in := strings.Join([]string{
		`{"command": "connect"}`,
		``,
		`{"vx": 0.1, "vy": 0.5, "deadman": true, "mode": "slow"}`,
		`{"command": "ARM"}`,
		`{"command": "assist", "level": 2}`,
		`{"vy": -0.5, "deadman": true}`,
	}, "\n")

	m := NewMailbox()
	var requests []Request
	err := ReadJSONLines(context.Background(), strings.NewReader(in), m, func(r Request) error {
		requests = append(requests, r)
		return nil
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, requests, test.ShouldResemble, []Request{
		{Command: CommandConnect},
		{Command: CommandArm},
		{Command: CommandAssist, Level: 2},
	})
	state, ok := m.LatestControlState()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, state, test.ShouldResemble, drive.ControlState{Vy: -0.5, Deadman: true, Mode: drive.ModeNormal})
}

func TestReadJSONLinesErrors(t *testing.T) {
	noop := func(Request) error { return nil }
	for _, tc := range []struct {
		in  string
		err string
	}{
		{`{"vy": 2}`, "line 1: axes must be within"},
		{"{}\n{\"command\": \"jump\"}", `line 2: unknown command "jump"`},
		{`{"mode": "warp"}`, `unknown drive mode "warp"`},
		{`not json`, "line 1"},
		{`{"command": "assist"}`, "line 1: assist needs a level"},
	} {
		err := ReadJSONLines(context.Background(), strings.NewReader(tc.in), NewMailbox(), noop)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, tc.err)
	}

	err := ReadJSONLines(context.Background(), strings.NewReader(`{"command": "reset"}`), NewMailbox(),
		func(Request) error { return errors.New("not now") })
	test.That(t, err, test.ShouldBeError, errors.New("line 1: not now"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ReadJSONLines(ctx, strings.NewReader(`{}`), NewMailbox(), noop)
	test.That(t, err, test.ShouldEqual, context.Canceled)
}
