// Package stripe provides a pool of single-goroutine workers. Every
// subscriber key is pinned to one worker, so the events published for a key
// are handled one at a time and in publication order, while different keys
// may share a worker.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrAlreadySubscribed = errors.New("stripe: key already subscribed")
	ErrStopped           = errors.New("stripe: executor stopped")
)

// Handler processes one event. endOfBatch is true for the last event of
// the handler's key in the batch currently drained by the worker.
type Handler[T any] func(event T, endOfBatch bool)

type envelope[T any] struct {
	key   string
	event T
}

type worker[T any] struct {
	mu       sync.Mutex
	queue    []envelope[T]
	handlers map[string]Handler[T]
	signal   chan struct{}
}

// Executor is a fixed set of stripes.
type Executor[T any] struct {
	stripes []*worker[T]
	logger  *slog.Logger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewExecutor starts n workers.
func NewExecutor[T any](n int, log *slog.Logger) *Executor[T] {
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor[T]{
		stripes: make([]*worker[T], n),
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range e.stripes {
		w := &worker[T]{
			handlers: make(map[string]Handler[T]),
			signal:   make(chan struct{}, 1),
		}
		e.stripes[i] = w
		e.wg.Go(func() { e.run(i, w) })
	}
	return e
}

// Stop terminates the workers. Events still queued are dropped.
func (e *Executor[T]) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Executor[T]) stripeFor(key string) *worker[T] {
	return e.stripes[xxhash.Sum64String(key)%uint64(len(e.stripes))]
}

// Subscribe binds h to key and returns the mailbox publishing to it.
func (e *Executor[T]) Subscribe(key string, h Handler[T]) (*Mailbox[T], error) {
	if e.ctx.Err() != nil {
		return nil, ErrStopped
	}
	w := e.stripeFor(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.handlers[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, key)
	}
	w.handlers[key] = h
	return &Mailbox[T]{key: key, w: w}, nil
}

// Unsubscribe detaches the key's handler. Events published afterwards
// are dropped.
func (e *Executor[T]) Unsubscribe(key string) {
	w := e.stripeFor(key)
	w.mu.Lock()
	delete(w.handlers, key)
	w.mu.Unlock()
}

func (e *Executor[T]) run(idx int, w *worker[T]) {
	log := e.logger.With(slog.Int("stripe", idx))
	log.Debug("stripe worker starting")
	defer log.Debug("stripe worker exiting")

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-w.signal:
		}

		for {
			w.mu.Lock()
			batch := w.queue
			w.queue = nil
			w.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			e.process(log, w, batch)
			if e.ctx.Err() != nil {
				return
			}
		}
	}
}

func (e *Executor[T]) process(log *slog.Logger, w *worker[T], batch []envelope[T]) {
	last := make(map[string]int, 1)
	for i, env := range batch {
		last[env.key] = i
	}

	for i, env := range batch {
		w.mu.Lock()
		h := w.handlers[env.key]
		w.mu.Unlock()

		if h == nil {
			log.Warn("dropping event for unsubscribed key", slog.String("key", env.key))
			continue
		}
		e.call(log, h, env, i == last[env.key])
	}
}

func (e *Executor[T]) call(log *slog.Logger, h Handler[T], env envelope[T], endOfBatch bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", slog.String("key", env.key), slog.Any("panic", r))
		}
	}()
	h(env.event, endOfBatch)
}

// Mailbox publishes events to one subscribed key.
type Mailbox[T any] struct {
	key string
	w   *worker[T]
}

// Publish appends ev to the key's queue. It never blocks on the consumer.
func (m *Mailbox[T]) Publish(ev T) {
	m.w.mu.Lock()
	m.w.queue = append(m.w.queue, envelope[T]{key: m.key, event: ev})
	m.w.mu.Unlock()

	select {
	case m.w.signal <- struct{}{}:
	default:
	}
}

func (m *Mailbox[T]) Key() string {
	return m.key
}
