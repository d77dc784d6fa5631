package wire

import (
	"fmt"

	"github.com/pkg/errors"
)

// CryptoReason classifies a CryptoError.
type CryptoReason int

// Reasons a crypto operation can fail.
const (
	BadKeyLength CryptoReason = iota
	Misaligned
	Inconsistent
)

func (r CryptoReason) String() string {
	switch r {
	case BadKeyLength:
		return "bad key length"
	case Misaligned:
		return "misaligned ciphertext"
	case Inconsistent:
		return "inconsistent plaintext"
	default:
		return fmt.Sprintf("CryptoReason(%d)", int(r))
	}
}

// CryptoError is the single error kind of the crypto layer.
type CryptoError struct {
	Reason CryptoReason
	Detail string
}

func (e *CryptoError) Error() string {
	if e.Detail == "" {
		return "crypto: " + e.Reason.String()
	}
	return fmt.Sprintf("crypto: %s: %s", e.Reason, e.Detail)
}

func newCryptoError(reason CryptoReason, format string, args ...interface{}) *CryptoError {
	return &CryptoError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IntegrityReason classifies a FrameIntegrityError.
type IntegrityReason int

// Reasons a received frame is rejected.
const (
	BadMarker IntegrityReason = iota
	LengthMismatch
	ChecksumMismatch
	DecryptFailure
)

func (r IntegrityReason) String() string {
	switch r {
	case BadMarker:
		return "bad marker"
	case LengthMismatch:
		return "length mismatch"
	case ChecksumMismatch:
		return "checksum mismatch"
	case DecryptFailure:
		return "decrypt failure"
	default:
		return fmt.Sprintf("IntegrityReason(%d)", int(r))
	}
}

// FrameIntegrityError reports a dropped frame. It is always local and recoverable.
type FrameIntegrityError struct {
	Reason IntegrityReason
	Detail string
	Err    error
}

func (e *FrameIntegrityError) Error() string {
	msg := "frame rejected: " + e.Reason.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FrameIntegrityError) Unwrap() error {
	return e.Err
}

func newIntegrityError(reason IntegrityReason, format string, args ...interface{}) *FrameIntegrityError {
	return &FrameIntegrityError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsFrameIntegrityError reports whether err is, or wraps, a FrameIntegrityError.
func IsFrameIntegrityError(err error) bool {
	var target *FrameIntegrityError
	return errors.As(err, &target)
}

// ErrFrameTooLarge is returned by Encode when the payload does not fit in one frame.
var ErrFrameTooLarge = errors.New("payload too large for one frame")
