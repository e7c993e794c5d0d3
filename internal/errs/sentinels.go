// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/protocol/sync layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrResolution indicates an identity, keyserver or DID lookup failed. Recoverable.
	ErrResolution = errors.New("resolution failed")

	// ErrDecryption indicates an envelope could not be opened (tampered, wrong key or unknown topic).
	ErrDecryption = errors.New("decryption failed")

	// ErrDuplicateRequest indicates a request of the same kind is already in flight for the topic.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrRequestTimeout indicates no correlated response arrived before the deadline.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrSignatureVerification indicates a signed payload does not match the resolved identity.
	ErrSignatureVerification = errors.New("signature verification failed")

	// ErrStorage indicates the underlying persistence failed.
	ErrStorage = errors.New("storage failure")

	// ErrRejected indicates the peer answered a request with an error response.
	ErrRejected = errors.New("request rejected")

	// ErrInvalidScope indicates a requested scope is not offered by the publisher.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrUnauthorized indicates failed API authentication.
	ErrUnauthorized = errors.New("unauthorized")
)
