// Package identity resolves and verifies the identities taking part in the notify protocol:
// subscriber identity keys registered on the keyserver, publisher did:web documents and the
// EdDSA JWTs both sides sign their requests and responses with.
package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	didKeyPrefix = "did:key:z"
	didPKHPrefix = "did:pkh:"
	didWebPrefix = "did:web:"
)

// ed25519-pub multicodec varint.
var ed25519Multicodec = []byte{0xed, 0x01}

var errBadDIDKey = errors.New("malformed did:key")

// EncodeDIDKey renders an Ed25519 public key as did:key.
func EncodeDIDKey(pub ed25519.PublicKey) string {
	raw := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	raw = append(raw, ed25519Multicodec...)
	raw = append(raw, pub...)
	return didKeyPrefix + base58.Encode(raw)
}

// DecodeDIDKey parses a did:key holding an Ed25519 public key.
func DecodeDIDKey(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, errBadDIDKey
	}
	raw, err := base58.Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadDIDKey, err)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize ||
		raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, errBadDIDKey
	}
	return ed25519.PublicKey(raw[len(ed25519Multicodec):]), nil
}

// DIDPKH wraps a CAIP-10 account.
func DIDPKH(account string) string { return didPKHPrefix + account }

// AccountFromDIDPKH strips the did:pkh prefix.
func AccountFromDIDPKH(did string) (string, bool) {
	if !strings.HasPrefix(did, didPKHPrefix) {
		return "", false
	}
	return strings.TrimPrefix(did, didPKHPrefix), true
}

// DIDWeb wraps a publisher domain.
func DIDWeb(domain string) string { return didWebPrefix + domain }

// DomainFromDIDWeb strips the did:web prefix.
func DomainFromDIDWeb(did string) (string, bool) {
	if !strings.HasPrefix(did, didWebPrefix) {
		return "", false
	}
	return strings.TrimPrefix(did, didWebPrefix), true
}
