// Package auth implements the relay's secret derivation and session
// cipher: the scrypt password hash, the fingerprint digest that doubles
// as device identity and session key, and the AES-CTR envelope cipher
// used on the socket.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	// KeyLen is the scrypt output length and the AES key length in
	// bytes. Every fingerprint decodes to exactly this many bytes.
	KeyLen = 32
	// SaltLen is the password salt length in bytes.
	SaltLen = 32
	// NonceLen is the enrollment nonce length in bytes.
	NonceLen = 16

	// scrypt cost parameters.
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// PasswordHash is the result of hashing a password: the base64 hash
// and the base64 salt that produced it.
type PasswordHash struct {
	Hash string
	Salt string
}

// HashPassword hashes pass with a freshly generated random salt.
func HashPassword(pass string) (PasswordHash, error) {
	salt, err := GenerateNonce(SaltLen)
	if err != nil {
		return PasswordHash{}, fmt.Errorf("generate salt: %w", err)
	}
	return HashPasswordWith(pass, base64.StdEncoding.EncodeToString(salt))
}

// HashPasswordWith hashes pass with the given salt. Deterministic for
// a fixed (pass, salt) pair.
func HashPasswordWith(pass, salt string) (PasswordHash, error) {
	key, err := scrypt.Key([]byte(pass), []byte(salt), scryptN, scryptR, scryptP, KeyLen)
	if err != nil {
		return PasswordHash{}, fmt.Errorf("scrypt: %w", err)
	}
	return PasswordHash{
		Hash: base64.StdEncoding.EncodeToString(key),
		Salt: salt,
	}, nil
}

// Fingerprint derives the per-device symmetric key from the account's
// password hash, the device ID and a nonce. The result is base64 and
// decodes to exactly KeyLen bytes; it serves both as the enrollment
// fingerprint and as the session cipher key.
func Fingerprint(deviceID, nonce, passHash string) string {
	h := sha256.New()
	h.Write([]byte(passHash))
	h.Write([]byte(deviceID))
	h.Write([]byte(nonce))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// FakeSalt derives a deterministic salt from a handle. It is returned
// in place of a real salt when an account lookup fails, so enrollment
// responses for nonexistent accounts are indistinguishable from real
// ones.
func FakeSalt(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return base64.StdEncoding.EncodeToString(sum[:SaltLen])
}

// GenerateNonce returns n cryptographically random bytes.
func GenerateNonce(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return buf, nil
}

// WSNonce returns a fresh random handshake nonce. Nonce arithmetic
// during the handshake wraps around at 64 bits; the space is never
// exhausted within one connection's lifetime.
func WSNonce() (uint64, error) {
	buf, err := GenerateNonce(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf), nil
}
