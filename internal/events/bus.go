package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/log"
	"github.com/reedfamily/cs2instance/internal/metrics"
)

// Handler consumes one event. A returned error is logged and does not affect other handlers.
type Handler func(Event) error

// Bus delivers events synchronously, in registration order, on the publishing goroutine.
// Typed handlers run first, then catch-all handlers.
type Bus struct {
	mu    sync.RWMutex
	typed map[Kind][]*Subscription
	all   []*Subscription

	logger zerolog.Logger
}

// Subscription is returned by Subscribe and friends. Close is idempotent.
type Subscription struct {
	bus      *Bus
	kind     Kind
	catchAll bool
	handler  Handler
	closed   atomic.Bool
	onClose  func()
}

func NewBus() *Bus {
	return &Bus{
		typed:  make(map[Kind][]*Subscription),
		logger: log.WithComponent("events"),
	}
}

// Subscribe registers h for events of one kind.
func (b *Bus) Subscribe(kind Kind, h Handler) *Subscription {
	s := &Subscription{bus: b, kind: kind, handler: h}
	b.mu.Lock()
	b.typed[kind] = append(b.typed[kind], s)
	b.mu.Unlock()
	return s
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) *Subscription {
	s := &Subscription{bus: b, catchAll: true, handler: h}
	b.mu.Lock()
	b.all = append(b.all, s)
	b.mu.Unlock()
	return s
}

// Stream returns a channel receiving every event. Events are dropped when the channel
// is full. The channel is closed when the subscription is closed.
func (b *Bus) Stream(buffer int) (<-chan Event, *Subscription) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	done := false

	s := b.SubscribeAll(func(e Event) error {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return nil
		}
		select {
		case ch <- e:
		default:
			metrics.StreamDropsTotal.Inc()
		}
		return nil
	})
	s.onClose = func() {
		mu.Lock()
		done = true
		close(ch)
		mu.Unlock()
	}
	return ch, s
}

// Publish delivers e to every matching handler before returning.
func (b *Bus) Publish(e Event) {
	metrics.EventsPublishedTotal.WithLabelValues(string(e.Kind)).Inc()

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.typed[e.Kind])+len(b.all))
	subs = append(subs, b.typed[e.Kind]...)
	subs = append(subs, b.all...)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.closed.Load() {
			continue
		}
		b.dispatch(s, e)
	}
}

func (b *Bus) dispatch(s *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerFailuresTotal.WithLabelValues(string(e.Kind), "panic").Inc()
			b.logger.Error().
				Str(log.FieldEvent, string(e.Kind)).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler panicked")
		}
	}()
	if err := s.handler(e); err != nil {
		metrics.HandlerFailuresTotal.WithLabelValues(string(e.Kind), "error").Inc()
		b.logger.Error().
			Err(err).
			Str(log.FieldEvent, string(e.Kind)).
			Msg("event handler failed")
	}
}

// Close removes the subscription. Safe to call from inside a handler.
func (s *Subscription) Close() {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	b := s.bus
	b.mu.Lock()
	if s.catchAll {
		b.all = remove(b.all, s)
	} else {
		b.typed[s.kind] = remove(b.typed[s.kind], s)
		if len(b.typed[s.kind]) == 0 {
			delete(b.typed, s.kind)
		}
	}
	b.mu.Unlock()
	if s.onClose != nil {
		s.onClose()
	}
}

func remove(list []*Subscription, s *Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(list))
	for _, x := range list {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}
