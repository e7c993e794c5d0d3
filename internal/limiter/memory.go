package limiter

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	fails     int
	stale     bool
	updatedAt time.Time
}

// Memory is an in-process limiter used with the memory storage driver and in tests.
type Memory struct {
	mu       sync.Mutex
	window   time.Duration
	maxFails int
	now      func() time.Time
	topics   map[string]*counter
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-process limiter.
func NewMemory(window time.Duration, maxFails int) *Memory {
	if maxFails <= 0 {
		maxFails = 3
	}
	return &Memory{window: window, maxFails: maxFails, now: time.Now, topics: make(map[string]*counter)}
}

func (l *Memory) Allow(_ context.Context, topic string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.topics[topic]
	return !ok || !c.stale, nil
}

func (l *Memory) Success(_ context.Context, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.topics, topic)
	return nil
}

func (l *Memory) Failure(_ context.Context, topic string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	c, ok := l.topics[topic]
	if !ok {
		c = &counter{}
		l.topics[topic] = c
	}
	if l.window > 0 && now.Sub(c.updatedAt) > l.window {
		c.fails = 0
	}
	c.fails++
	c.updatedAt = now
	if c.fails >= l.maxFails && !c.stale {
		c.stale = true
		return true, nil
	}
	return false, nil
}

func (l *Memory) Forget(ctx context.Context, topic string) error { return l.Success(ctx, topic) }
