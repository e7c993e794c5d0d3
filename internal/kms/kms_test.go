package kms

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/and161185/goph-notify/internal/crypto/clientcrypto"
	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/repository/memory"
	"github.com/stretchr/testify/require"
)

var testKDF = clientcrypto.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}

func newService(t *testing.T) (*Service, *memory.KV) {
	t.Helper()
	kv := memory.NewKV()
	s, err := Open(context.Background(), kv, []byte("pass"), testKDF)
	require.NoError(t, err)
	return s, kv
}

func TestOpen_RejectsWrongPassphrase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, kv := newService(t)

	_, err := Open(ctx, kv, []byte("nope"), testKDF)
	require.ErrorIs(t, err, ErrWrongPassphrase)

	_, err = Open(ctx, kv, []byte("pass"), testKDF)
	require.NoError(t, err)
}

func TestDeriveSymKey_BothSidesAgreeOnTopic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	wallet, _ := newService(t)
	dapp, _ := newService(t)

	wPub, err := wallet.CreateX25519KeyPair(ctx)
	require.NoError(t, err)
	dPub, err := dapp.CreateX25519KeyPair(ctx)
	require.NoError(t, err)

	t1, err := wallet.DeriveSymKey(ctx, wPub, dPub)
	require.NoError(t, err)
	t2, err := dapp.DeriveSymKey(ctx, dPub, wPub)
	require.NoError(t, err)
	require.Equal(t, t1, t2)
	require.Len(t, t1, 64)

	env, err := wallet.Encrypt(ctx, t1, []byte("hello"))
	require.NoError(t, err)
	out, err := dapp.Decrypt(ctx, t2, env)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), out.Plaintext)
	require.Empty(t, out.PeerTopic)
}

func TestDeriveSymKey_PersistsBeforeReturning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, kv := newService(t)
	peer, _ := newService(t)
	self, _ := s.CreateX25519KeyPair(ctx)
	peerPub, _ := peer.CreateX25519KeyPair(ctx)

	topic, err := s.DeriveSymKey(ctx, self, peerPub)
	require.NoError(t, err)

	// a fresh process over the same storage can still decrypt
	reopened, err := Open(ctx, kv, []byte("pass"), testKDF)
	require.NoError(t, err)
	env, err := s.Encrypt(ctx, topic, []byte("x"))
	require.NoError(t, err)
	out, err := reopened.Decrypt(ctx, topic, env)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), out.Plaintext)
}

func TestDecrypt_Type1_DerivesPeerTopic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	wallet, _ := newService(t)
	dapp, _ := newService(t)

	dPub, _ := dapp.CreateX25519KeyPair(ctx)
	subTopic, err := SubscribeTopic(dPub)
	require.NoError(t, err)
	require.NoError(t, dapp.BindTopicKey(ctx, subTopic, dPub))

	wPub, _ := wallet.CreateX25519KeyPair(ctx)
	respTopic, err := wallet.DeriveSymKey(ctx, wPub, dPub)
	require.NoError(t, err)

	env, err := wallet.EncryptType1(ctx, respTopic, wPub, []byte("subscribe"))
	require.NoError(t, err)
	require.Equal(t, Type1, env[0])

	out, err := dapp.Decrypt(ctx, subTopic, env)
	require.NoError(t, err)
	require.Equal(t, []byte("subscribe"), out.Plaintext)
	require.Equal(t, respTopic, out.PeerTopic)
	require.Equal(t, wPub, out.SenderPub)

	reply, err := dapp.Encrypt(ctx, out.PeerTopic, []byte("ok"))
	require.NoError(t, err)
	got, err := wallet.Decrypt(ctx, respTopic, reply)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), got.Plaintext)
}

func TestDecrypt_FailuresAreDecryptionErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newService(t)
	topic, err := s.ImportSymKey(ctx, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	env, _ := s.Encrypt(ctx, topic, []byte("secret"))

	// unknown topic
	_, err = s.Decrypt(ctx, "unknown", env)
	require.ErrorIs(t, err, errs.ErrDecryption)

	// tampered
	tampered := append([]byte(nil), env...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = s.Decrypt(ctx, topic, tampered)
	require.ErrorIs(t, err, errs.ErrDecryption)

	// garbage
	for _, bad := range [][]byte{nil, {7, 1, 2}, {Type1, 1, 2}, {Type0, 1}} {
		_, err = s.Decrypt(ctx, topic, bad)
		require.ErrorIs(t, err, errs.ErrDecryption)
	}

	// deleted key
	require.NoError(t, s.DeleteSymKey(ctx, topic))
	require.False(t, s.HasSymKey(ctx, topic))
	_, err = s.Decrypt(ctx, topic, env)
	require.ErrorIs(t, err, errs.ErrDecryption)
}

func TestImportExportSymKey_Roundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, _ := newService(t)
	b, _ := newService(t)
	aPub, _ := a.CreateX25519KeyPair(ctx)
	peer, _ := newService(t)
	pPub, _ := peer.CreateX25519KeyPair(ctx)
	topic, _ := a.DeriveSymKey(ctx, aPub, pPub)

	hexKey, err := a.ExportSymKey(ctx, topic)
	require.NoError(t, err)
	got, err := b.ImportSymKey(ctx, hexKey)
	require.NoError(t, err)
	require.Equal(t, topic, got)

	_, err = b.ImportSymKey(ctx, "zz")
	require.Error(t, err)
}

func TestIdentityKey_SignAndVerify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, kv := newService(t)
	const account = "eip155:1:0xabc"

	_, err := s.IdentityPublicKey(ctx, account)
	require.ErrorIs(t, err, errs.ErrNotFound)

	pub, err := s.CreateIdentityKey(ctx, account)
	require.NoError(t, err)

	reopened, err := Open(ctx, kv, []byte("pass"), testKDF)
	require.NoError(t, err)
	signer, err := reopened.IdentitySigner(ctx, account)
	require.NoError(t, err)
	require.Equal(t, pub, signer.Public())

	msg := []byte("claims")
	sig, err := signer.Sign(rand.Reader, msg, crypto.Hash(0))
	require.NoError(t, err)
	require.True(t, ed25519.Verify(pub, msg, sig))

	require.NoError(t, s.DeleteIdentityKey(ctx, account))
	_, err = s.IdentityPublicKey(ctx, account)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSubscribeTopic_RejectsBadKey(t *testing.T) {
	t.Parallel()
	_, err := SubscribeTopic("abcd")
	require.Error(t, err)
}
