package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
)

const (
	// KeySize is the length of a wheel key.
	KeySize = 16
	// BlockSize is the AES block size, which is also the IV size.
	BlockSize = aes.BlockSize
)

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, newCryptoError(BadKeyLength, "got %d bytes, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Reason: BadKeyLength, Detail: err.Error()}
	}
	return block, nil
}

// WrapIV encrypts a working IV as one standalone block. The result is what travels in the
// frame's IV field.
func WrapIV(iv, key []byte) ([]byte, error) {
	if len(iv) != BlockSize {
		return nil, newCryptoError(Misaligned, "iv is %d bytes", len(iv))
	}
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	block.Encrypt(out, iv)
	return out, nil
}

// UnwrapIV recovers the working IV from a received IV field.
func UnwrapIV(ivField, key []byte) ([]byte, error) {
	if len(ivField) != BlockSize {
		return nil, newCryptoError(Misaligned, "iv field is %d bytes", len(ivField))
	}
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	block.Decrypt(out, ivField)
	return out, nil
}

// ChainEncryptPayload CBC-encrypts a block aligned plaintext with the plaintext working IV.
func ChainEncryptPayload(plaintext, iv, key []byte) ([]byte, error) {
	if len(plaintext) == 0 || len(plaintext)%BlockSize != 0 {
		return nil, newCryptoError(Misaligned, "plaintext is %d bytes", len(plaintext))
	}
	if len(iv) != BlockSize {
		return nil, newCryptoError(Misaligned, "iv is %d bytes", len(iv))
	}
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

// ChainDecryptPayload reverses ChainEncryptPayload.
func ChainDecryptPayload(cipherField, iv, key []byte) ([]byte, error) {
	if len(cipherField) == 0 || len(cipherField)%BlockSize != 0 {
		return nil, newCryptoError(Misaligned, "ciphertext is %d bytes", len(cipherField))
	}
	if len(iv) != BlockSize {
		return nil, newCryptoError(Misaligned, "iv is %d bytes", len(iv))
	}
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(cipherField))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, cipherField)
	return out, nil
}

// Seal encrypts plaintext under a freshly generated working IV.
func Seal(plaintext, key []byte) (ivField, cipherField []byte, err error) {
	iv := make([]byte, BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, errors.Wrap(err, "generating iv")
	}
	return SealWithIV(plaintext, iv, key)
}

// SealWithIV is Seal with a caller supplied working IV.
func SealWithIV(plaintext, iv, key []byte) (ivField, cipherField []byte, err error) {
	ivField, err = WrapIV(iv, key)
	if err != nil {
		return nil, nil, err
	}
	cipherField, err = ChainEncryptPayload(plaintext, iv, key)
	if err != nil {
		return nil, nil, err
	}
	return ivField, cipherField, nil
}

// Open recovers the plaintext of a sealed payload. It never returns partial plaintext.
func Open(ivField, cipherField, key []byte) ([]byte, error) {
	iv, err := UnwrapIV(ivField, key)
	if err != nil {
		return nil, err
	}
	return ChainDecryptPayload(cipherField, iv, key)
}
