package store

import (
	"context"
	"sync"

	"github.com/and161185/goph-notify/internal/model"
	"go.uber.org/zap"
)

const feedBuffer = 64

// feed fans change notifications out to every live subscriber. Slow subscribers lose
// changes instead of blocking writers.
type feed struct {
	mu   sync.Mutex
	subs map[chan model.Change]struct{}
	log  *zap.Logger
}

func (f *feed) subscribe(ctx context.Context) <-chan model.Change {
	ch := make(chan model.Change, feedBuffer)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[chan model.Change]struct{})
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

func (f *feed) publish(c model.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- c:
		default:
			f.log.Warn("change dropped for slow subscriber",
				zap.String("topic", c.Subscription.Topic), zap.String("kind", string(c.Kind)))
		}
	}
}
