// Package limiter tracks relay delivery failures per topic and flags topics gone stale.
package limiter

import "context"

// Limiter counts delivery failures on a topic inside a sliding window.
// A topic whose failures reach the threshold is stale until a success resets it.
type Limiter interface {
	// Allow reports whether the topic is still considered deliverable.
	Allow(ctx context.Context, topic string) (bool, error)
	// Success resets counters after valid inbound traffic on the topic.
	Success(ctx context.Context, topic string) error
	// Failure records a failed delivery; reports whether the topic just became stale.
	Failure(ctx context.Context, topic string) (bool, error)
	// Forget drops all state for the topic (subscription removed or recreated).
	Forget(ctx context.Context, topic string) error
}
