// Package notify fans change signals out to subscription goroutines for
// backends that have no change feed of their own.
//
// Each watcher owns a one-slot dirty channel. Publish marks every watcher of a
// topic dirty without blocking; the watcher goroutine reloads the full result
// and delivers it. Bursts of writes collapse into a single reload, and the
// consumer only ever sees complete results in the order they were loaded.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Broker struct {
	mu     sync.Mutex
	topics map[string]map[*watcher]struct{}
	log    zerolog.Logger
}

type watcher struct {
	dirty  chan struct{}
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func NewBroker(log zerolog.Logger) *Broker {
	return &Broker{
		topics: make(map[string]map[*watcher]struct{}),
		log:    log,
	}
}

// Publish marks every watcher of topic as dirty.
func (b *Broker) Publish(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for w := range b.topics[topic] {
		select {
		case w.dirty <- struct{}{}:
		default:
		}
	}
}

// Watchers returns the number of live watchers on topic.
func (b *Broker) Watchers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Watch loads once synchronously and delivers the result before returning, then
// reloads and delivers after every Publish on topic until the returned stop
// function is called. An error from the initial load is returned and nothing is
// registered; later load errors are logged and the previous result stands.
func Watch[T any](ctx context.Context, b *Broker, topic string, load func(context.Context) (T, error), deliver func(T)) (func(), error) {
	w := &watcher{
		dirty: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	// Register before the first load so that writes racing it are not lost.
	b.add(topic, w)

	v, err := load(ctx)
	if err != nil {
		b.remove(topic, w)
		return nil, err
	}
	deliver(v)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		for {
			select {
			case <-w.done:
				return
			case <-w.dirty:
				v, err := load(runCtx)
				if err != nil {
					if runCtx.Err() == nil {
						b.log.Warn().Err(err).Str("topic", topic).Msg("reload failed")
					}
					continue
				}
				if w.closed.Load() {
					return
				}
				deliver(v)
			}
		}
	}()

	stop := func() {
		w.once.Do(func() {
			w.closed.Store(true)
			b.remove(topic, w)
			close(w.done)
			cancel()
		})
	}
	return stop, nil
}

func (b *Broker) add(topic string, w *watcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.topics[topic]
	if set == nil {
		set = make(map[*watcher]struct{})
		b.topics[topic] = set
	}
	set[w] = struct{}{}
}

func (b *Broker) remove(topic string, w *watcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.topics[topic]
	if set == nil {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(b.topics, topic)
	}
}
