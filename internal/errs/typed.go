package errs

import (
	"errors"
	"fmt"
	"time"
)

// ResolutionError reports which identifier could not be resolved.
type ResolutionError struct {
	Target string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Target, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

// DuplicateRequestError is returned when a (topic, kind) pair already has a pending request.
type DuplicateRequestError struct {
	Topic string
	Kind  string
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("%s request already pending for topic %s", e.Kind, e.Topic)
}

func (e *DuplicateRequestError) Is(target error) bool { return target == ErrDuplicateRequest }

// RequestTimeoutError is returned when a pending request expires without a valid response.
type RequestTimeoutError struct {
	ID    string
	Topic string
	Kind  string
	After time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s request %s on topic %s timed out after %s", e.Kind, e.ID, e.Topic, e.After)
}

func (e *RequestTimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

// StorageError wraps a persistence failure with the operation and key involved.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Storage wraps err as a StorageError unless it is nil or a plain not-found.
func Storage(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// RejectedError carries the JSON-RPC error returned by the peer.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%d): %s", e.Code, e.Message)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }
