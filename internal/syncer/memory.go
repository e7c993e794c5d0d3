package syncer

import (
	"context"
	"sync"
)

// MemoryStore is an in-process SyncStore shared by the devices of a test or a single
// process deployment.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]map[string]Record
	watchers map[string]map[*watcher]struct{}
}

type watcher struct {
	ch   chan Record
	done <-chan struct{}
}

var _ SyncStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]map[string]Record),
		watchers: make(map[string]map[*watcher]struct{}),
	}
}

func (m *MemoryStore) Put(ctx context.Context, account string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.Data = append([]byte(nil), rec.Data...)
	m.mu.Lock()
	if m.data[account] == nil {
		m.data[account] = make(map[string]Record)
	}
	m.data[account][rec.field()] = rec
	ws := make([]*watcher, 0, len(m.watchers[account]))
	for w := range m.watchers[account] {
		ws = append(ws, w)
	}
	m.mu.Unlock()

	for _, w := range ws {
		select {
		case w.ch <- rec:
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryStore) Snapshot(ctx context.Context, account string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.data[account]))
	for _, r := range m.data[account] {
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryStore) Watch(ctx context.Context, account string) (<-chan Record, error) {
	w := &watcher{ch: make(chan Record, 64), done: ctx.Done()}
	m.mu.Lock()
	if m.watchers[account] == nil {
		m.watchers[account] = make(map[*watcher]struct{})
	}
	m.watchers[account][w] = struct{}{}
	m.mu.Unlock()

	out := make(chan Record)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.watchers[account], w)
			m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case r := <-w.ch:
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
