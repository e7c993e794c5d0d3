// Package memory contains an in-process KV used by tests and the memory storage driver.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/repository"
)

// KV is a map guarded by a RWMutex. Values are copied on the way in and out.
type KV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ repository.KV = (*KV)(nil)

// NewKV constructs an empty store.
func NewKV() *KV { return &KV{data: make(map[string][]byte)} }

func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *KV) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *KV) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *KV) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}
