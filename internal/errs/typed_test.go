package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTypedErrors_MatchSentinels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want error
	}{
		{&ResolutionError{Target: "did:web:app.example", Err: errors.New("dial")}, ErrResolution},
		{&DuplicateRequestError{Topic: "t", Kind: "subscribe"}, ErrDuplicateRequest},
		{&RequestTimeoutError{ID: "1", Topic: "t", Kind: "update", After: time.Second}, ErrRequestTimeout},
		{&StorageError{Op: "set", Key: "k", Err: errors.New("disk")}, ErrStorage},
		{&RejectedError{Code: 400, Message: "bad"}, ErrRejected},
	}
	for _, c := range cases {
		wrapped := fmt.Errorf("op: %w", c.err)
		if !errors.Is(wrapped, c.want) {
			t.Fatalf("%T must match %v", c.err, c.want)
		}
	}
}

func TestStorage_PassesThroughNotFound(t *testing.T) {
	t.Parallel()

	if Storage("get", "k", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if err := Storage("get", "k", fmt.Errorf("x: %w", ErrNotFound)); errors.Is(err, ErrStorage) {
		t.Fatalf("not found must not become storage error")
	}
	cause := errors.New("conn reset")
	err := Storage("set", "k", cause)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, cause) {
		t.Fatalf("want storage error wrapping cause, got %v", err)
	}
}
