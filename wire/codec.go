// Package wire builds and parses the encrypted frames exchanged with a wheel. It knows nothing
// about what the payload means.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// Marker starts every frame.
	Marker = 0xEF
	// HeaderSize covers the marker and the length field.
	HeaderSize = 3
	// ChecksumSize is the size of the trailing checksum.
	ChecksumSize = 2
	// MaxFrameLength is the largest value the length field may carry.
	MaxFrameLength = 293
	// MinFrameSize is the smallest well formed frame: header, IV and checksum plus one
	// cipher block.
	MinFrameSize = HeaderSize + BlockSize + BlockSize + ChecksumSize
	// MaxPayloadSize is the largest block aligned ciphertext that fits in a frame.
	MaxPayloadSize = (MaxFrameLength + 1 - HeaderSize - BlockSize - ChecksumSize) / BlockSize * BlockSize
)

// Codec turns payloads into frames and back. The zero value uses PKCS7 padding. A Codec has no
// mutable state and is safe for concurrent use.
type Codec struct {
	Padding Padding
}

func (c Codec) padding() Padding {
	if c.Padding == nil {
		return PKCS7
	}
	return c.Padding
}

// Encode seals payload under key and returns the frame
// `marker | length | ivField | cipherField | checksum`. The length field holds the frame size
// minus one, big endian, and the checksum covers every byte before it.
func (c Codec) Encode(payload, key []byte) ([]byte, error) {
	ivField, cipherField, err := c.seal(payload, key, nil)
	if err != nil {
		return nil, err
	}
	return assemble(ivField, cipherField)
}

// EncodeWithIV is Encode with a fixed working IV. It exists for reproducible captures.
func (c Codec) EncodeWithIV(payload, iv, key []byte) ([]byte, error) {
	ivField, cipherField, err := c.seal(payload, key, iv)
	if err != nil {
		return nil, err
	}
	return assemble(ivField, cipherField)
}

func (c Codec) seal(payload, key, iv []byte) ([]byte, []byte, error) {
	plaintext, err := c.padding().Pad(payload)
	if err != nil {
		return nil, nil, err
	}
	if len(plaintext) > MaxPayloadSize {
		return nil, nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes after padding, max %d", len(plaintext), MaxPayloadSize)
	}
	if iv == nil {
		return Seal(plaintext, key)
	}
	return SealWithIV(plaintext, iv, key)
}

func assemble(ivField, cipherField []byte) ([]byte, error) {
	total := HeaderSize + len(ivField) + len(cipherField) + ChecksumSize
	frameLength := total - 1
	if frameLength > MaxFrameLength {
		return nil, errors.Wrapf(ErrFrameTooLarge, "frame length %d", frameLength)
	}

	frame := make([]byte, 0, total)
	frame = append(frame, Marker)
	frame = binary.BigEndian.AppendUint16(frame, uint16(frameLength))
	frame = append(frame, ivField...)
	frame = append(frame, cipherField...)
	frame = binary.BigEndian.AppendUint16(frame, Checksum(frame))
	return frame, nil
}

// Decode validates frame and returns its plaintext payload. Cheap structural checks and the
// checksum are verified before any decryption. Every failure is a *FrameIntegrityError.
func (c Codec) Decode(frame, key []byte) ([]byte, error) {
	if len(frame) < MinFrameSize {
		return nil, newIntegrityError(LengthMismatch, "%d bytes is shorter than a frame", len(frame))
	}
	if frame[0] != Marker {
		return nil, newIntegrityError(BadMarker, "got 0x%02x", frame[0])
	}
	declared := int(binary.BigEndian.Uint16(frame[1:HeaderSize]))
	if declared > MaxFrameLength {
		return nil, newIntegrityError(LengthMismatch, "declared length %d exceeds %d", declared, MaxFrameLength)
	}
	if len(frame) != declared+1 {
		return nil, newIntegrityError(LengthMismatch, "declared length %d, got %d bytes", declared, len(frame))
	}

	body := frame[:len(frame)-ChecksumSize]
	want := binary.BigEndian.Uint16(frame[len(frame)-ChecksumSize:])
	if got := Checksum(body); got != want {
		return nil, newIntegrityError(ChecksumMismatch, "computed 0x%04x, frame carries 0x%04x", got, want)
	}

	ivField := body[HeaderSize : HeaderSize+BlockSize]
	cipherField := body[HeaderSize+BlockSize:]
	plaintext, err := Open(ivField, cipherField, key)
	if err != nil {
		return nil, &FrameIntegrityError{Reason: DecryptFailure, Err: err}
	}
	payload, err := c.padding().Unpad(plaintext)
	if err != nil {
		return nil, &FrameIntegrityError{Reason: DecryptFailure, Err: err}
	}
	return payload, nil
}
