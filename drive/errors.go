package drive

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError is returned when a component is constructed with invalid settings. It is
// only ever produced at construction time.
type ConfigurationError struct {
	Field string
	Err   error
}

// NewConfigurationError wraps err as a configuration problem with field.
func NewConfigurationError(field string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Err: err}
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration of %q: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// ViolationReason names the safety rule that was broken.
type ViolationReason string

// Safety rules enforced by the supervisor.
const (
	ViolationDeadmanReleased ViolationReason = "deadman released while driving"
	ViolationInputTimeout    ViolationReason = "input timeout"
	ViolationLinkTimeout     ViolationReason = "link timeout"
	ViolationWheelError      ViolationReason = "wheel reported an error"
	ViolationFrameErrors     ViolationReason = "too many undecodable frames"
	ViolationInternalFault   ViolationReason = "internal fault"
)

// SafetyViolation always forces the wheels to stop.
type SafetyViolation struct {
	Reason ViolationReason
	Detail string
}

func (v *SafetyViolation) Error() string {
	if v.Detail == "" {
		return "safety violation: " + string(v.Reason)
	}
	return fmt.Sprintf("safety violation: %s (%s)", v.Reason, v.Detail)
}
