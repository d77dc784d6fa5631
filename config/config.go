// Package config defines the file that describes a wheel pair, its transport and the control
// loop tuning.
package config

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/wheelctl/m25/drive"
	"github.com/wheelctl/m25/logging"
	"github.com/wheelctl/m25/mapper"
	"github.com/wheelctl/m25/supervisor"
	"github.com/wheelctl/m25/transport"
	"github.com/wheelctl/m25/wheel"
	"github.com/wheelctl/m25/wire"
)

// A Config describes the full setup of a wheel pair.
type Config struct {
	ConfigFilePath string `json:"-"`

	Transport TransportConfig `json:"transport"`
	Left      WheelConfig     `json:"left"`
	Right     WheelConfig     `json:"right"`
	Codec     CodecConfig     `json:"codec"`
	Log       LogConfig       `json:"log"`

	// Mapper and Supervisor are decoded over the package defaults, so any subset of keys may be
	// given. Durations are strings such as "50ms".
	Mapper     map[string]interface{} `json:"mapper,omitempty"`
	Supervisor map[string]interface{} `json:"supervisor,omitempty"`
}

// TransportConfig selects a registered transport backend.
type TransportConfig struct {
	Type       string                 `json:"type"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// WheelConfig addresses one wheel.
type WheelConfig struct {
	Address string `json:"address"`
	// Key is the wheel's 16 byte AES key as 32 hex characters.
	Key    string `json:"key"`
	Invert bool   `json:"invert,omitempty"`
	// ResponseTimeout bounds the wait for each acknowledgement, for example "200ms".
	ResponseTimeout string `json:"response_timeout,omitempty"`
}

// CodecConfig selects the frame padding.
type CodecConfig struct {
	// Padding is "pkcs7" (the default) or "none".
	Padding string `json:"padding,omitempty"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Debug bool `json:"debug,omitempty"`
	// Level is "debug", "info", "warn" or "error". Debug overrides it.
	Level string `json:"level,omitempty"`
	logging.FileConfig
}

// LoggerLevel returns the level the process logger should run at.
func (config *LogConfig) LoggerLevel() (logging.Level, error) {
	if config.Debug {
		return logging.DEBUG, nil
	}
	if config.Level == "" {
		return logging.INFO, nil
	}
	level, err := logging.LevelFromString(config.Level)
	if err != nil {
		return logging.INFO, drive.NewConfigurationError("log.level", err)
	}
	return level, nil
}

// Validate ensures all parts of the config are valid.
func (config *TransportConfig) Validate(path string) error {
	if config.Type == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "type")
	}
	return transport.ValidateAttributes(config.Type, config.Attributes)
}

// Validate ensures all parts of the config are valid.
func (config *WheelConfig) Validate(path string) error {
	if config.Address == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "address")
	}
	if config.Key == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "key")
	}
	if _, err := config.KeyBytes(); err != nil {
		return drive.NewConfigurationError(path+".key", err)
	}
	if config.ResponseTimeout != "" {
		if _, err := time.ParseDuration(config.ResponseTimeout); err != nil {
			return drive.NewConfigurationError(path+".response_timeout", err)
		}
	}
	return nil
}

// KeyBytes decodes the hex key.
func (config *WheelConfig) KeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(config.Key))
	if err != nil {
		return nil, errors.Wrap(err, "key must be hex")
	}
	if len(key) != wire.KeySize {
		return nil, errors.Errorf("key must be %d bytes, got %d", wire.KeySize, len(key))
	}
	return key, nil
}

// LinkOptions returns the wheel link options for this wheel.
func (config *WheelConfig) LinkOptions(codec wire.Codec) (wheel.Options, error) {
	opts := wheel.Options{Invert: config.Invert, Codec: codec}
	if config.ResponseTimeout != "" {
		d, err := time.ParseDuration(config.ResponseTimeout)
		if err != nil {
			return wheel.Options{}, errors.Wrap(err, "response_timeout")
		}
		opts.ResponseTimeout = d
	}
	return opts, nil
}

// Validate ensures all parts of the config are valid.
func (config *CodecConfig) Validate(path string) error {
	if _, err := config.Codec(); err != nil {
		return drive.NewConfigurationError(path+".padding", err)
	}
	return nil
}

// Codec returns the configured codec.
func (config *CodecConfig) Codec() (wire.Codec, error) {
	switch strings.ToLower(config.Padding) {
	case "", "pkcs7":
		return wire.Codec{Padding: wire.PKCS7}, nil
	case "none":
		return wire.Codec{Padding: wire.NoPadding}, nil
	default:
		return wire.Codec{}, errors.Errorf("unknown padding %q", config.Padding)
	}
}

// MapperConfig returns the mapper tuning with file overrides applied.
func (c *Config) MapperConfig() (mapper.Config, error) {
	cfg := mapper.DefaultConfig()
	if err := transport.DecodeAttributes(c.Mapper, &cfg); err != nil {
		return mapper.Config{}, drive.NewConfigurationError("mapper", err)
	}
	return cfg, nil
}

// SupervisorConfig returns the control loop tuning with file overrides applied.
func (c *Config) SupervisorConfig() (supervisor.Config, error) {
	cfg := supervisor.DefaultConfig()
	if err := transport.DecodeAttributes(c.Supervisor, &cfg); err != nil {
		return supervisor.Config{}, drive.NewConfigurationError("supervisor", err)
	}
	return cfg, nil
}

// Ensure validates the whole config before anything is constructed from it.
func (c *Config) Ensure() error {
	if err := c.Transport.Validate("transport"); err != nil {
		return err
	}
	if err := c.Left.Validate("left"); err != nil {
		return err
	}
	if err := c.Right.Validate("right"); err != nil {
		return err
	}
	if c.Left.Address == c.Right.Address {
		return drive.NewConfigurationError("right.address", errors.New("must differ from left.address"))
	}
	if err := c.Codec.Validate("codec"); err != nil {
		return err
	}
	if _, err := c.Log.LoggerLevel(); err != nil {
		return err
	}
	mapperCfg, err := c.MapperConfig()
	if err != nil {
		return err
	}
	if err := mapperCfg.Validate("mapper"); err != nil {
		return err
	}
	supervisorCfg, err := c.SupervisorConfig()
	if err != nil {
		return err
	}
	return supervisorCfg.Validate("supervisor")
}
