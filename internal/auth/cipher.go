package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	"github.com/textric/textric-server/internal/apperrors"
	"github.com/textric/textric-server/internal/protocol"
)

// IVLen is the AES block size; every envelope carries a fresh IV of
// this length.
const IVLen = aes.BlockSize

// extractKey decodes a fingerprint and enforces the key length.
func extractKey(fingerprint string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(fingerprint)
	if err != nil {
		return nil, fmt.Errorf("decode fingerprint: %w", apperrors.ErrKeyLength)
	}
	if len(key) != KeyLen {
		return nil, fmt.Errorf("fingerprint decodes to %d bytes: %w", len(key), apperrors.ErrKeyLength)
	}
	return key, nil
}

// Encrypt encrypts plaintext under the fingerprint-derived key with a
// fresh random IV, using AES-256 in CTR mode. The returned payload is
// self-contained; no cipher state survives the call.
func Encrypt(fingerprint string, plaintext []byte) (protocol.EncryptedPayload, error) {
	key, err := extractKey(fingerprint)
	if err != nil {
		return protocol.EncryptedPayload{}, err
	}
	iv, err := GenerateNonce(IVLen)
	if err != nil {
		return protocol.EncryptedPayload{}, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return protocol.EncryptedPayload{}, fmt.Errorf("new cipher: %w", err)
	}
	out := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(out, plaintext)
	return protocol.EncryptedPayload{
		IV:      base64.StdEncoding.EncodeToString(iv),
		Payload: base64.StdEncoding.EncodeToString(out),
	}, nil
}

// Decrypt is the inverse of Encrypt. It fails with ErrDecryption when
// the envelope cannot be decoded and with ErrKeyLength when the
// fingerprint decodes to the wrong length.
func Decrypt(fingerprint string, enc protocol.EncryptedPayload) ([]byte, error) {
	key, err := extractKey(fingerprint)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil || len(iv) != IVLen {
		return nil, fmt.Errorf("bad iv: %w", apperrors.ErrDecryption)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Payload)
	if err != nil {
		return nil, fmt.Errorf("bad ciphertext: %w", apperrors.ErrDecryption)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(out, ciphertext)
	return out, nil
}
