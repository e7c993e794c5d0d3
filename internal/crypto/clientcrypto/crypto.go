// Package clientcrypto seals local key material at rest under a passphrase-derived KEK.
package clientcrypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeyLen is the size of every KEK and sealed secret key produced here.
const KeyLen = 32

// KDFParams tunes Argon2id. Zero fields fall back to DefaultKDF.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDF is used for device keystores.
var DefaultKDF = KDFParams{Time: 3, Memory: 64 * 1024, Threads: 1}

var errSealedTooShort = errors.New("sealed value too short")

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives a KEK from the keystore passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte, p KDFParams) []byte {
	if p.Time == 0 {
		p.Time = DefaultKDF.Time
	}
	if p.Memory == 0 {
		p.Memory = DefaultKDF.Memory
	}
	if p.Threads == 0 {
		p.Threads = DefaultKDF.Threads
	}
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, KeyLen)
}

// Seal encrypts secret with XChaCha20-Poly1305 bound to aad (the storage key).
// Output is nonce || ciphertext.
func Seal(kek, secret, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(secret)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, secret, aad)...)
	return out, nil
}

// Open reverses Seal; it fails on a wrong KEK or a value moved to another key.
func Open(kek, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errSealedTooShort
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ct := sealed[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}
