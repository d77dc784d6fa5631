package wire

import "bytes"

// Padding makes payloads block aligned before sealing and strips the fill after opening.
type Padding interface {
	Pad(payload []byte) ([]byte, error)
	Unpad(plaintext []byte) ([]byte, error)
}

var (
	// PKCS7 always appends between 1 and 16 bytes, each holding the fill length.
	PKCS7 Padding = pkcs7{}
	// NoPadding requires block aligned payloads and leaves them untouched.
	NoPadding Padding = noPadding{}
)

type pkcs7 struct{}

func (pkcs7) Pad(payload []byte) ([]byte, error) {
	fill := BlockSize - len(payload)%BlockSize
	out := make([]byte, len(payload), len(payload)+fill)
	copy(out, payload)
	return append(out, bytes.Repeat([]byte{byte(fill)}, fill)...), nil
}

func (pkcs7) Unpad(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 || len(plaintext)%BlockSize != 0 {
		return nil, newCryptoError(Misaligned, "plaintext is %d bytes", len(plaintext))
	}
	fill := int(plaintext[len(plaintext)-1])
	if fill == 0 || fill > BlockSize {
		return nil, newCryptoError(Inconsistent, "padding byte %d", fill)
	}
	for _, b := range plaintext[len(plaintext)-fill:] {
		if int(b) != fill {
			return nil, newCryptoError(Inconsistent, "malformed padding")
		}
	}
	return plaintext[:len(plaintext)-fill], nil
}

type noPadding struct{}

func (noPadding) Pad(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload)%BlockSize != 0 {
		return nil, newCryptoError(Misaligned, "payload is %d bytes", len(payload))
	}
	return payload, nil
}

func (noPadding) Unpad(plaintext []byte) ([]byte, error) {
	return plaintext, nil
}
