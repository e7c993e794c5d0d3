package kms

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Envelope types.
const (
	Type0 byte = 0 // sym key known to both sides
	Type1 byte = 1 // carries the sender public key for first contact
)

const pubLen = 32

var errEnvelopeShort = errors.New("envelope too short")

// TopicFromKey returns the topic addressed by a symmetric key.
func TopicFromKey(key []byte) string {
	h := sha256.Sum256(key)
	return hex.EncodeToString(h[:])
}

// SubscribeTopic returns the topic a publisher listens on for first-contact requests.
func SubscribeTopic(pubHex string) (string, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != pubLen {
		return "", fmt.Errorf("bad public key %q", pubHex)
	}
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:]), nil
}

// agree runs X25519 and stretches the output with HKDF-SHA256.
func agree(priv, peerPub []byte) ([]byte, error) {
	secret, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, err
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, nil), key); err != nil {
		return nil, err
	}
	return key, nil
}

// seal builds type || [senderPub] || nonce || ciphertext.
func seal(typ byte, key, senderPub, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(senderPub)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, typ)
	if typ == Type1 {
		out = append(out, senderPub...)
	}
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

type parsed struct {
	typ       byte
	senderPub []byte
	body      []byte // nonce || ciphertext
}

func parse(env []byte) (parsed, error) {
	if len(env) < 1 {
		return parsed{}, errEnvelopeShort
	}
	switch env[0] {
	case Type0:
		return parsed{typ: Type0, body: env[1:]}, nil
	case Type1:
		if len(env) < 1+pubLen {
			return parsed{}, errEnvelopeShort
		}
		return parsed{typ: Type1, senderPub: env[1 : 1+pubLen], body: env[1+pubLen:]}, nil
	default:
		return parsed{}, fmt.Errorf("unknown envelope type %d", env[0])
	}
}

func open(key, body []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(body) < ns+aead.Overhead() {
		return nil, errEnvelopeShort
	}
	return aead.Open(nil, body[:ns], body[ns:], nil)
}
