package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestSignVerify_OK(t *testing.T) {
	t.Parallel()
	priv := newKey(t)

	tok, err := Sign(priv, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: DIDPKH("eip155:1:0xabc")},
		Act:              ActSubscription,
		Scp:              "alerts news",
	})
	require.NoError(t, err)

	c, err := Verify(tok, priv.Public().(ed25519.PublicKey), ActSubscription)
	require.NoError(t, err)
	require.Equal(t, "alerts news", c.Scp)
	require.Equal(t, EncodeDIDKey(priv.Public().(ed25519.PublicKey)), c.Issuer)
	require.NotNil(t, c.ExpiresAt)
}

func TestVerify_Failures(t *testing.T) {
	t.Parallel()
	priv := newKey(t)
	other := newKey(t)

	good, err := Sign(priv, Claims{Act: ActUpdate})
	require.NoError(t, err)
	expired, err := Sign(priv, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		Act:              ActUpdate,
	})
	require.NoError(t, err)
	forged, err := Sign(other, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: EncodeDIDKey(priv.Public().(ed25519.PublicKey))},
		Act:              ActUpdate,
	})
	require.NoError(t, err)

	cases := []struct {
		name     string
		token    string
		expected ed25519.PublicKey
		act      string
	}{
		{"wrong act", good, nil, ActDelete},
		{"wrong issuer", good, other.Public().(ed25519.PublicKey), ActUpdate},
		{"expired", expired, nil, ActUpdate},
		{"forged signature", forged, nil, ActUpdate},
		{"garbage", "not.a.jwt", nil, ActUpdate},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Verify(tc.token, tc.expected, tc.act)
			require.Error(t, err)
			require.True(t, errors.Is(err, errs.ErrSignatureVerification))
		})
	}
}
