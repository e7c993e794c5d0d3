package identity

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/golang-jwt/jwt/v5"
)

// Acts carried in the "act" claim.
const (
	ActSubscription         = "notify_subscription"
	ActSubscriptionResponse = "notify_subscription_response"
	ActUpdate               = "notify_update"
	ActUpdateResponse       = "notify_update_response"
	ActDelete               = "notify_delete"
	ActDeleteResponse       = "notify_delete_response"
	ActMessage              = "notify_message"
	ActMessageResponse      = "notify_message_response"
)

// DefaultTTL bounds the lifetime of every signed claim set.
const DefaultTTL = 5 * time.Minute

// MessageClaim is the notification carried by a notify_message JWT.
type MessageClaim struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	URL   string `json:"url,omitempty"`
	Type  string `json:"type"`
}

// Claims is the notify protocol claim set.
type Claims struct {
	jwt.RegisteredClaims
	Act string        `json:"act"`
	App string        `json:"app,omitempty"` // did:web of the publisher
	Ksu string        `json:"ksu,omitempty"` // keyserver url
	Scp string        `json:"scp,omitempty"` // space separated scope
	Pub string        `json:"pub,omitempty"` // hex X25519 key of a subscription response
	Msg *MessageClaim `json:"msg,omitempty"`
}

// Sign issues claims signed by signer (an Ed25519 key behind crypto.Signer). Missing
// iss/iat/exp are filled in.
func Sign(signer crypto.Signer, c Claims) (string, error) {
	pub, ok := signer.Public().(ed25519.PublicKey)
	if !ok {
		return "", errors.New("identity: signer is not ed25519")
	}
	now := time.Now()
	if c.Issuer == "" {
		c.Issuer = EncodeDIDKey(pub)
	}
	if c.IssuedAt == nil {
		c.IssuedAt = jwt.NewNumericDate(now)
	}
	if c.ExpiresAt == nil {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(DefaultTTL))
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, c).SignedString(signer)
}

// Verify parses token, checks its EdDSA signature against the key named by iss, that the
// issuer equals expected (when non-nil) and that act matches. Every failure is a
// signature verification error.
func Verify(token string, expected ed25519.PublicKey, act string) (*Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		cl, ok := t.Claims.(*Claims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		pub, err := DecodeDIDKey(cl.Issuer)
		if err != nil {
			return nil, err
		}
		if expected != nil && !bytes.Equal(pub, expected) {
			return nil, fmt.Errorf("issuer %s is not the expected signer", cl.Issuer)
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrSignatureVerification, err)
	}
	if c.Act != act {
		return nil, fmt.Errorf("%w: act %q, want %q", errs.ErrSignatureVerification, c.Act, act)
	}
	return &c, nil
}
