package wire

import (
	"bytes"
	"encoding/hex"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	test.That(t, err, test.ShouldBeNil)
	return b
}

func TestChecksum(t *testing.T) {
	test.That(t, crcTable[1], test.ShouldEqual, uint16(0xC0C1))
	test.That(t, crcTable[255], test.ShouldEqual, uint16(0x4040))
	test.That(t, Checksum([]byte("123456789")), test.ShouldEqual, uint16(0x4B37))
	test.That(t, Checksum(nil), test.ShouldEqual, uint16(0xFFFF))
}

func TestTwoStageCrypto(t *testing.T) {
	key := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	iv := mustHex(t, "00112233445566778899aabbccddeeff")

	t.Run("iv is wrapped as a single block", func(t *testing.T) {
		ivField, err := WrapIV(iv, key)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, hex.EncodeToString(ivField), test.ShouldEqual, "69c4e0d86a7b0430d8cdb78070b4c55a")

		unwrapped, err := UnwrapIV(ivField, key)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, unwrapped, test.ShouldResemble, iv)
	})

	t.Run("payload chains from the plaintext iv", func(t *testing.T) {
		plaintext := bytes.Repeat([]byte{0x42}, 32)
		ivField, cipherField, err := SealWithIV(plaintext, iv, key)
		test.That(t, err, test.ShouldBeNil)

		chained, err := ChainEncryptPayload(plaintext, iv, key)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cipherField, test.ShouldResemble, chained)
		test.That(t, ivField, test.ShouldNotResemble, iv)

		// Chaining from the wrapped field instead of the working IV garbles the first block only.
		wrong, err := ChainDecryptPayload(cipherField, ivField, key)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, wrong[:16], test.ShouldNotResemble, plaintext[:16])
		test.That(t, wrong[16:], test.ShouldResemble, plaintext[16:])

		opened, err := Open(ivField, cipherField, key)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, opened, test.ShouldResemble, plaintext)
	})

	t.Run("errors", func(t *testing.T) {
		var cryptoErr *CryptoError

		_, _, err := Seal(make([]byte, 16), make([]byte, 15))
		test.That(t, errors.As(err, &cryptoErr), test.ShouldBeTrue)
		test.That(t, cryptoErr.Reason, test.ShouldEqual, BadKeyLength)

		_, err = ChainEncryptPayload(make([]byte, 17), iv, key)
		test.That(t, errors.As(err, &cryptoErr), test.ShouldBeTrue)
		test.That(t, cryptoErr.Reason, test.ShouldEqual, Misaligned)

		_, err = Open(iv, make([]byte, 20), key)
		test.That(t, errors.As(err, &cryptoErr), test.ShouldBeTrue)
		test.That(t, cryptoErr.Reason, test.ShouldEqual, Misaligned)
	})
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(25))
	for _, padding := range []Padding{PKCS7, NoPadding} {
		codec := Codec{Padding: padding}
		maxBlocks := MaxPayloadSize / BlockSize
		if padding == PKCS7 {
			maxBlocks--
		}
		for blocks := 1; blocks <= maxBlocks; blocks++ {
			key := make([]byte, KeySize)
			rng.Read(key)
			payload := make([]byte, blocks*BlockSize)
			rng.Read(payload)

			frame, err := codec.Encode(payload, key)
			test.That(t, err, test.ShouldBeNil)
			decoded, err := codec.Decode(frame, key)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, decoded, test.ShouldResemble, payload)
		}
	}

	// PKCS7 also carries payloads that are not block aligned.
	key := bytes.Repeat([]byte{7}, KeySize)
	for _, size := range []int{1, 6, 15, 17, 200} {
		payload := bytes.Repeat([]byte{0xEF}, size)
		frame, err := Codec{}.Encode(payload, key)
		test.That(t, err, test.ShouldBeNil)
		decoded, err := Codec{}.Decode(frame, key)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, decoded, test.ShouldResemble, payload)
	}
}

func TestFrameLayout(t *testing.T) {
	key := bytes.Repeat([]byte{1}, KeySize)
	iv := bytes.Repeat([]byte{2}, BlockSize)
	payload := []byte{0x01, 0x80, 0x05, 0x01, 0x01, 0x10, 0x01}

	frame, err := Codec{}.EncodeWithIV(payload, iv, key)
	test.That(t, err, test.ShouldBeNil)

	// 7 bytes pad to one block: 3 + 16 + 16 + 2.
	test.That(t, len(frame), test.ShouldEqual, 37)
	test.That(t, frame[0], test.ShouldEqual, byte(Marker))
	test.That(t, frame[1:3], test.ShouldResemble, []byte{0x00, 0x24})

	ivField, err := WrapIV(iv, key)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame[3:19], test.ShouldResemble, ivField)

	crc := Checksum(frame[:35])
	test.That(t, frame[35:], test.ShouldResemble, []byte{byte(crc >> 8), byte(crc)})

	_, err = Codec{}.Encode(make([]byte, MaxPayloadSize), key)
	test.That(t, errors.Is(err, ErrFrameTooLarge), test.ShouldBeTrue)
}

func reasonOf(t *testing.T, err error) IntegrityReason {
	t.Helper()
	var integrityErr *FrameIntegrityError
	test.That(t, errors.As(err, &integrityErr), test.ShouldBeTrue)
	return integrityErr.Reason
}

func TestTamperDetection(t *testing.T) {
	key := bytes.Repeat([]byte{9}, KeySize)
	payload := bytes.Repeat([]byte{0x33}, 32)
	frame, err := Codec{Padding: NoPadding}.Encode(payload, key)
	test.That(t, err, test.ShouldBeNil)

	t.Run("any checksum bit", func(t *testing.T) {
		for bit := 0; bit < 16; bit++ {
			tampered := append([]byte(nil), frame...)
			tampered[len(tampered)-2+bit/8] ^= 1 << (bit % 8)
			decoded, err := Codec{Padding: NoPadding}.Decode(tampered, key)
			test.That(t, decoded, test.ShouldBeNil)
			test.That(t, IsFrameIntegrityError(err), test.ShouldBeTrue)
			test.That(t, reasonOf(t, err), test.ShouldEqual, ChecksumMismatch)
		}
	})

	t.Run("ciphertext bit", func(t *testing.T) {
		tampered := append([]byte(nil), frame...)
		tampered[30] ^= 0x80
		_, err := Codec{Padding: NoPadding}.Decode(tampered, key)
		test.That(t, reasonOf(t, err), test.ShouldEqual, ChecksumMismatch)
	})

	t.Run("bad marker", func(t *testing.T) {
		tampered := append([]byte(nil), frame...)
		tampered[0] = 0xEE
		_, err := Codec{}.Decode(tampered, key)
		test.That(t, reasonOf(t, err), test.ShouldEqual, BadMarker)
	})

	t.Run("length", func(t *testing.T) {
		_, err := Codec{}.Decode(frame[:len(frame)-1], key)
		test.That(t, reasonOf(t, err), test.ShouldEqual, LengthMismatch)

		_, err = Codec{}.Decode(frame[:20], key)
		test.That(t, reasonOf(t, err), test.ShouldEqual, LengthMismatch)

		tampered := append([]byte(nil), frame...)
		tampered[1] = 0x02
		_, err = Codec{}.Decode(tampered, key)
		test.That(t, reasonOf(t, err), test.ShouldEqual, LengthMismatch)
	})

	t.Run("padding inconsistent with checksum valid frame", func(t *testing.T) {
		// A zero block is not valid PKCS7, so opening succeeds but unpadding must not.
		raw, err := Codec{Padding: NoPadding}.Encode(make([]byte, 16), key)
		test.That(t, err, test.ShouldBeNil)
		decoded, err := Codec{}.Decode(raw, key)
		test.That(t, decoded, test.ShouldBeNil)
		test.That(t, reasonOf(t, err), test.ShouldEqual, DecryptFailure)
		var cryptoErr *CryptoError
		test.That(t, errors.As(err, &cryptoErr), test.ShouldBeTrue)
		test.That(t, cryptoErr.Reason, test.ShouldEqual, Inconsistent)
	})

	t.Run("bad key", func(t *testing.T) {
		_, err := Codec{}.Decode(frame, []byte("short"))
		test.That(t, reasonOf(t, err), test.ShouldEqual, DecryptFailure)
	})
}
