// Package kms is the key management service: it owns every private and symmetric key,
// performs X25519 key agreement and seals/opens relay envelopes. Callers only ever hold
// public keys and topics.
package kms

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"

	pkgcrypto "github.com/and161185/goph-notify/internal/crypto"
	"github.com/and161185/goph-notify/internal/crypto/clientcrypto"
	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/repository"
)

// Storage keys.
const (
	keyVerifier    = "kms/verifier"
	prefixSym      = "kms/sym/"
	prefixPriv     = "kms/priv/"
	prefixTopic    = "kms/topic-priv/"
	prefixIdentity = "kms/identity/"
)

// ErrWrongPassphrase is returned by Open when the keystore passphrase does not match.
var ErrWrongPassphrase = errors.New("kms: wrong keystore passphrase")

// Service is the key management service. Safe for concurrent use.
type Service struct {
	kv  repository.KV
	kek []byte

	mu       sync.RWMutex
	sym      map[string][]byte // topic -> sym key
	priv     map[string][]byte // pub hex -> x25519 private
	identity map[string]ed25519.PrivateKey
}

// Open unlocks (or initializes) the keystore kept in kv.
func Open(ctx context.Context, kv repository.KV, passphrase []byte, params clientcrypto.KDFParams) (*Service, error) {
	var v pkgcrypto.Verifier
	raw, err := kv.Get(ctx, keyVerifier)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		if v, err = pkgcrypto.NewVerifier(passphrase); err != nil {
			return nil, err
		}
		b, _ := json.Marshal(v)
		if err := kv.Set(ctx, keyVerifier, b); err != nil {
			return nil, errs.Storage("set", keyVerifier, err)
		}
	case err != nil:
		return nil, errs.Storage("get", keyVerifier, err)
	default:
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("kms: corrupt verifier: %w", err)
		}
		if !v.Check(passphrase) {
			return nil, ErrWrongPassphrase
		}
	}
	return &Service{
		kv:       kv,
		kek:      clientcrypto.DeriveKEK(passphrase, v.KEKSalt, params),
		sym:      make(map[string][]byte),
		priv:     make(map[string][]byte),
		identity: make(map[string]ed25519.PrivateKey),
	}, nil
}

func (s *Service) put(ctx context.Context, key string, secret []byte) error {
	sealed, err := clientcrypto.Seal(s.kek, secret, []byte(key))
	if err != nil {
		return err
	}
	return errs.Storage("set", key, s.kv.Set(ctx, key, sealed))
}

func (s *Service) load(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, errs.Storage("get", key, err)
	}
	return clientcrypto.Open(s.kek, sealed, []byte(key))
}

// CreateX25519KeyPair generates a key pair and returns the public key handle (hex).
func (s *Service) CreateX25519KeyPair(ctx context.Context) (string, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return "", fmt.Errorf("failed to generate private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	pubHex := hex.EncodeToString(pub)
	if err := s.put(ctx, prefixPriv+pubHex, priv); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.priv[pubHex] = priv
	s.mu.Unlock()
	return pubHex, nil
}

func (s *Service) privateKey(ctx context.Context, pubHex string) ([]byte, error) {
	s.mu.RLock()
	priv, ok := s.priv[pubHex]
	s.mu.RUnlock()
	if ok {
		return priv, nil
	}
	priv, err := s.load(ctx, prefixPriv+pubHex)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.priv[pubHex] = priv
	s.mu.Unlock()
	return priv, nil
}

// DeletePrivateKey forgets an X25519 private key.
func (s *Service) DeletePrivateKey(ctx context.Context, pubHex string) error {
	s.mu.Lock()
	delete(s.priv, pubHex)
	s.mu.Unlock()
	return errs.Storage("remove", prefixPriv+pubHex, s.kv.Remove(ctx, prefixPriv+pubHex))
}

// DeriveSymKey agrees on a key between selfPub's private half and peerPub, persists it
// under its topic before returning, and returns that topic.
func (s *Service) DeriveSymKey(ctx context.Context, selfPub, peerPub string) (string, error) {
	priv, err := s.privateKey(ctx, selfPub)
	if err != nil {
		return "", fmt.Errorf("kms: self key %s: %w", selfPub, err)
	}
	peer, err := hex.DecodeString(peerPub)
	if err != nil || len(peer) != pubLen {
		return "", fmt.Errorf("kms: bad peer key %q", peerPub)
	}
	key, err := agree(priv, peer)
	if err != nil {
		return "", err
	}
	topic := TopicFromKey(key)
	if err := s.setSymKey(ctx, topic, key); err != nil {
		return "", err
	}
	return topic, nil
}

// ImportSymKey stores a hex sym key received from a sibling device and returns its topic.
func (s *Service) ImportSymKey(ctx context.Context, keyHex string) (string, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != clientcrypto.KeyLen {
		return "", fmt.Errorf("kms: bad sym key")
	}
	topic := TopicFromKey(key)
	return topic, s.setSymKey(ctx, topic, key)
}

// ExportSymKey returns the hex sym key of topic for replication to sibling devices.
func (s *Service) ExportSymKey(ctx context.Context, topic string) (string, error) {
	key, err := s.symKey(ctx, topic)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// HasSymKey reports whether a key is known for topic.
func (s *Service) HasSymKey(ctx context.Context, topic string) bool {
	_, err := s.symKey(ctx, topic)
	return err == nil
}

func (s *Service) setSymKey(ctx context.Context, topic string, key []byte) error {
	if err := s.put(ctx, prefixSym+topic, key); err != nil {
		return err
	}
	s.mu.Lock()
	s.sym[topic] = key
	s.mu.Unlock()
	return nil
}

func (s *Service) symKey(ctx context.Context, topic string) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.sym[topic]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}
	key, err := s.load(ctx, prefixSym+topic)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sym[topic] = key
	s.mu.Unlock()
	return key, nil
}

// DeleteSymKey forgets the key of topic; further envelopes on it fail to decrypt.
func (s *Service) DeleteSymKey(ctx context.Context, topic string) error {
	s.mu.Lock()
	delete(s.sym, topic)
	s.mu.Unlock()
	return errs.Storage("remove", prefixSym+topic, s.kv.Remove(ctx, prefixSym+topic))
}

// BindTopicKey makes type 1 envelopes arriving on topic decryptable with pubHex's private key.
func (s *Service) BindTopicKey(ctx context.Context, topic, pubHex string) error {
	return errs.Storage("set", prefixTopic+topic, s.kv.Set(ctx, prefixTopic+topic, []byte(pubHex)))
}

// Encrypt seals a type 0 envelope with the sym key of topic.
func (s *Service) Encrypt(ctx context.Context, topic string, plaintext []byte) ([]byte, error) {
	key, err := s.symKey(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("kms: no key for topic %s: %w", topic, err)
	}
	return seal(Type0, key, nil, plaintext)
}

// EncryptType1 seals with the sym key of topic and embeds selfPub so the receiver can agree on it.
func (s *Service) EncryptType1(ctx context.Context, topic, selfPub string, plaintext []byte) ([]byte, error) {
	key, err := s.symKey(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("kms: no key for topic %s: %w", topic, err)
	}
	pub, err := hex.DecodeString(selfPub)
	if err != nil || len(pub) != pubLen {
		return nil, fmt.Errorf("kms: bad self key %q", selfPub)
	}
	return seal(Type1, key, pub, plaintext)
}

// Decrypted is an opened envelope. PeerTopic and SenderPub are set for type 1 envelopes:
// the topic of the key agreed with the sender, where replies are expected, and the
// sender's hex public key.
type Decrypted struct {
	Plaintext []byte
	PeerTopic string
	SenderPub string
}

// Decrypt opens an envelope received on topic. Any failure is reported as errs.ErrDecryption.
func (s *Service) Decrypt(ctx context.Context, topic string, env []byte) (Decrypted, error) {
	p, err := parse(env)
	if err != nil {
		return Decrypted{}, fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	if p.typ == Type0 {
		key, err := s.symKey(ctx, topic)
		if err != nil {
			return Decrypted{}, fmt.Errorf("%w: no key for topic %s", errs.ErrDecryption, topic)
		}
		pt, err := open(key, p.body)
		if err != nil {
			return Decrypted{}, fmt.Errorf("%w: %v", errs.ErrDecryption, err)
		}
		return Decrypted{Plaintext: pt}, nil
	}

	selfPub, err := s.kv.Get(ctx, prefixTopic+topic)
	if err != nil {
		return Decrypted{}, fmt.Errorf("%w: no receiver key for topic %s", errs.ErrDecryption, topic)
	}
	priv, err := s.privateKey(ctx, string(selfPub))
	if err != nil {
		return Decrypted{}, fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	key, err := agree(priv, p.senderPub)
	if err != nil {
		return Decrypted{}, fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	pt, err := open(key, p.body)
	if err != nil {
		return Decrypted{}, fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	peerTopic := TopicFromKey(key)
	if err := s.setSymKey(ctx, peerTopic, key); err != nil {
		return Decrypted{}, err
	}
	return Decrypted{Plaintext: pt, PeerTopic: peerTopic, SenderPub: hex.EncodeToString(p.senderPub)}, nil
}

// CreateIdentityKey generates and stores the Ed25519 identity key of account.
func (s *Service) CreateIdentityKey(ctx context.Context, account string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := s.put(ctx, prefixIdentity+account, priv.Seed()); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.identity[account] = priv
	s.mu.Unlock()
	return pub, nil
}

func (s *Service) identityKey(ctx context.Context, account string) (ed25519.PrivateKey, error) {
	s.mu.RLock()
	priv, ok := s.identity[account]
	s.mu.RUnlock()
	if ok {
		return priv, nil
	}
	seed, err := s.load(ctx, prefixIdentity+account)
	if err != nil {
		return nil, err
	}
	priv = ed25519.NewKeyFromSeed(seed)
	s.mu.Lock()
	s.identity[account] = priv
	s.mu.Unlock()
	return priv, nil
}

// IdentityPublicKey returns the identity key of account or errs.ErrNotFound.
func (s *Service) IdentityPublicKey(ctx context.Context, account string) (ed25519.PublicKey, error) {
	priv, err := s.identityKey(ctx, account)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// IdentitySigner returns an opaque signer for account's identity key.
func (s *Service) IdentitySigner(ctx context.Context, account string) (crypto.Signer, error) {
	priv, err := s.identityKey(ctx, account)
	if err != nil {
		return nil, err
	}
	return signer{priv: priv}, nil
}

// DeleteIdentityKey forgets account's identity key.
func (s *Service) DeleteIdentityKey(ctx context.Context, account string) error {
	s.mu.Lock()
	delete(s.identity, account)
	s.mu.Unlock()
	return errs.Storage("remove", prefixIdentity+account, s.kv.Remove(ctx, prefixIdentity+account))
}

// signer hides the private key behind crypto.Signer.
type signer struct{ priv ed25519.PrivateKey }

func (s signer) Public() crypto.PublicKey { return s.priv.Public() }

func (s signer) Sign(r io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.priv.Sign(r, digest, opts)
}
