package supervisor

import (
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/wheelctl/m25/drive"
)

// Config holds the loop timing and the failure policy.
type Config struct {
	// TickInterval is the control loop period.
	TickInterval time.Duration `json:"tick_interval"`
	// InputTimeout trips when no operator input arrives while armed or driving.
	InputTimeout time.Duration `json:"input_timeout"`
	// LinkTimeout trips when no wheel exchange succeeds while connected.
	LinkTimeout time.Duration `json:"link_timeout"`
	// ConnectTimeout bounds connecting both wheels.
	ConnectTimeout time.Duration `json:"connect_timeout"`
	// IOTimeout bounds a single command or status exchange.
	IOTimeout            time.Duration `json:"io_timeout"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `json:"reconnect_delay"`
	// HeartbeatInterval spaces stop frames while paired or armed.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// StatePollInterval spaces status reads for wheels that do not push.
	StatePollInterval time.Duration `json:"state_poll_interval"`
	// MaxFrameErrors is how many consecutive undecodable frames are tolerated.
	MaxFrameErrors  int `json:"max_frame_errors"`
	DiagnosticsSize int `json:"diagnostics_size"`
}

// DefaultConfig returns a 20 Hz loop with conservative timeouts.
func DefaultConfig() Config {
	return Config{
		TickInterval:         50 * time.Millisecond,
		InputTimeout:         500 * time.Millisecond,
		LinkTimeout:          time.Second,
		ConnectTimeout:       10 * time.Second,
		IOTimeout:            200 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       2 * time.Second,
		HeartbeatInterval:    250 * time.Millisecond,
		StatePollInterval:    500 * time.Millisecond,
		MaxFrameErrors:       1,
		DiagnosticsSize:      64,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	fail := func(field string, err error) error {
		return drive.NewConfigurationError(field, goutils.NewConfigValidationError(path, err))
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"tick_interval", cfg.TickInterval},
		{"input_timeout", cfg.InputTimeout},
		{"link_timeout", cfg.LinkTimeout},
		{"connect_timeout", cfg.ConnectTimeout},
		{"io_timeout", cfg.IOTimeout},
		{"heartbeat_interval", cfg.HeartbeatInterval},
		{"state_poll_interval", cfg.StatePollInterval},
	} {
		if d.val <= 0 {
			return fail(d.name, errors.Errorf("must be positive, got %v", d.val))
		}
	}
	if cfg.ReconnectDelay < 0 {
		return fail("reconnect_delay", errors.New("must not be negative"))
	}
	if cfg.InputTimeout < cfg.TickInterval {
		return fail("input_timeout", errors.Errorf("must be at least one tick (%v)", cfg.TickInterval))
	}
	if cfg.MaxReconnectAttempts < 1 {
		return fail("max_reconnect_attempts", errors.New("must be at least 1"))
	}
	if cfg.MaxFrameErrors < 1 {
		return fail("max_frame_errors", errors.New("must be at least 1"))
	}
	if cfg.DiagnosticsSize < 1 {
		return fail("diagnostics_size", errors.New("must be at least 1"))
	}
	return nil
}
