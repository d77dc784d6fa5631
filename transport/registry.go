package transport

import (
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"github.com/wheelctl/m25/drive"
	"github.com/wheelctl/m25/logging"
)

// ConfigValidator is implemented by backend configs that can check themselves.
type ConfigValidator interface {
	Validate(path string) error
}

type registration struct {
	build    func(attrs map[string]interface{}, logger logging.Logger) (Transport, error)
	validate func(attrs map[string]interface{}) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]registration{}
)

// Register makes a backend available under name. C is the backend's attribute struct, decoded
// from the configuration's attribute map by its `json` tags. Register panics on duplicates.
func Register[C any](name string, constructor func(conf *C, logger logging.Logger) (Transport, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(errors.Errorf("transport %q already registered", name))
	}
	registry[name] = registration{
		build: func(attrs map[string]interface{}, logger logging.Logger) (Transport, error) {
			conf, err := decodeConfig[C](name, attrs)
			if err != nil {
				return nil, err
			}
			return constructor(conf, logger)
		},
		validate: func(attrs map[string]interface{}) error {
			_, err := decodeConfig[C](name, attrs)
			return err
		},
	}
}

func decodeConfig[C any](name string, attrs map[string]interface{}) (*C, error) {
	conf := new(C)
	if err := DecodeAttributes(attrs, conf); err != nil {
		return nil, drive.NewConfigurationError("transport.attributes", err)
	}
	if v, ok := any(conf).(ConfigValidator); ok {
		if err := v.Validate("transport." + name); err != nil {
			return nil, drive.NewConfigurationError("transport.attributes", err)
		}
	}
	return conf, nil
}

func lookup(name string) (registration, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[name]
	if !ok {
		return registration{}, drive.NewConfigurationError("transport.type",
			errors.Errorf("unknown transport %q, registered: %v", name, registeredLocked()))
	}
	return reg, nil
}

// New constructs the backend registered under name.
func New(name string, attrs map[string]interface{}, logger logging.Logger) (Transport, error) {
	reg, err := lookup(name)
	if err != nil {
		return nil, err
	}
	return reg.build(attrs, logger)
}

// ValidateAttributes checks attrs against the backend registered under name without building it.
func ValidateAttributes(name string, attrs map[string]interface{}) error {
	reg, err := lookup(name)
	if err != nil {
		return err
	}
	return reg.validate(attrs)
}

// Registered lists backend names in order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registeredLocked()
}

func registeredLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeAttributes decodes a loosely typed attribute map into out, a pointer to a struct with
// `json` tags. Durations may be given as strings such as "250ms". Unknown keys are rejected.
func DecodeAttributes(attrs map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return errors.Wrap(err, "building attribute decoder")
	}
	return errors.Wrap(decoder.Decode(attrs), "decoding attributes")
}
