// Package auth verifies the HS256 bearer tokens that guard the daemon's API surfaces and
// carries the authenticated subject in the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const subjectKey ctxKey = "notify.subject"

// WithSubject stores the authenticated subject in ctx.
func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subjectKey, sub)
}

// SubjectFromCtx fetches the authenticated subject.
func SubjectFromCtx(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey).(string)
	return v, ok && v != ""
}

// Bearer extracts the token from an "authorization: Bearer <JWT>" value.
func Bearer(values ...string) (string, error) {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no bearer token", errs.ErrUnauthorized)
}

// Verify checks an HS256 token signed with key and returns its subject.
func Verify(key []byte, token string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", errs.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Issue signs an HS256 token for subject valid for ttl.
func Issue(key []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}).SignedString(key)
}
