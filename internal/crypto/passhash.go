// Package crypto implements the keystore passphrase verifier.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the verifier hash; independent from the KEK derivation.
const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 16 * 1024
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
	saltLen             = 16
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Verifier lets a keystore reject a wrong passphrase before any key is unsealed.
type Verifier struct {
	Salt    []byte `json:"salt"`    // verifier salt
	KEKSalt []byte `json:"kekSalt"` // salt for the KEK derivation
	Hash    []byte `json:"hash"`
}

// NewVerifier creates a verifier with fresh salts for passphrase.
func NewVerifier(passphrase []byte) (Verifier, error) {
	salt, err := RandBytes(saltLen)
	if err != nil {
		return Verifier{}, err
	}
	kekSalt, err := RandBytes(saltLen)
	if err != nil {
		return Verifier{}, err
	}
	return Verifier{Salt: salt, KEKSalt: kekSalt, Hash: hashPassphrase(passphrase, salt)}, nil
}

// Check reports whether passphrase matches the verifier.
func (v Verifier) Check(passphrase []byte) bool {
	if len(v.Hash) == 0 {
		return false
	}
	got := hashPassphrase(passphrase, v.Salt)
	return subtle.ConstantTimeCompare(got, v.Hash) == 1
}

func hashPassphrase(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
