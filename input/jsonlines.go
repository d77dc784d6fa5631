package input

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/wheelctl/m25/drive"
)

// Command is an operator request to the supervisor.
type Command string

// Commands accepted on the input stream.
const (
	CommandConnect    Command = "connect"
	CommandArm        Command = "arm"
	CommandReset      Command = "reset"
	CommandDisconnect Command = "disconnect"
	CommandAssist     Command = "assist"
)

// Request is a command with its argument. Level is only meaningful for CommandAssist.
type Request struct {
	Command Command
	Level   int
}

// CommandFunc handles a request read from the stream.
type CommandFunc func(Request) error

type line struct {
	Command *Command `json:"command,omitempty"`
	Level   *int     `json:"level,omitempty"`
	drive.ControlState
}

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToLower(strings.TrimSpace(s))); c {
	case CommandConnect, CommandArm, CommandReset, CommandDisconnect, CommandAssist:
		return c, nil
	default:
		return "", errors.Errorf("unknown command %q", s)
	}
}

// ReadJSONLines reads one JSON object per line from r. Objects with a "command" field go to
// onCommand; an assist command also needs a "level". All others are control states posted to
// mailbox, with a missing mode read as NORMAL. Blank lines are skipped. It returns nil at end of
// input.
func ReadJSONLines(ctx context.Context, r io.Reader, mailbox *Mailbox, onCommand CommandFunc) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if err := ctx.Err(); err != nil {
			return err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		l := line{ControlState: drive.ControlState{Mode: drive.ModeNormal}}
		if err := json.Unmarshal([]byte(text), &l); err != nil {
			return errors.Wrapf(err, "line %d", lineNum)
		}
		if l.Command != nil {
			cmd, err := ParseCommand(string(*l.Command))
			if err != nil {
				return errors.Wrapf(err, "line %d", lineNum)
			}
			req := Request{Command: cmd}
			if cmd == CommandAssist {
				if l.Level == nil {
					return errors.Errorf("line %d: assist needs a level", lineNum)
				}
				req.Level = *l.Level
			}
			if err := onCommand(req); err != nil {
				return errors.Wrapf(err, "line %d", lineNum)
			}
			continue
		}
		if err := validate(l.ControlState); err != nil {
			return errors.Wrapf(err, "line %d", lineNum)
		}
		mailbox.Post(l.ControlState)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "reading input")
	}
	return nil
}

func validate(state drive.ControlState) error {
	if state.Vx < -1 || state.Vx > 1 || state.Vy < -1 || state.Vy > 1 {
		return errors.Errorf("axes must be within [-1, 1], got vx=%v vy=%v", state.Vx, state.Vy)
	}
	return nil
}
