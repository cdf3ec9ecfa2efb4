// Package events fans pipeline progress out to listeners over bounded
// channels. Emit never blocks: a listener whose buffer is full loses the event
// and is evicted, so a stalled dashboard cannot hold up a run.
package events

import (
	"context"
	"log/slog"
	"sync"

	"aegis/internal/domain"
	"aegis/internal/metrics"
)

const DefaultBuffer = 64

type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	buffer  int
	closed  bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Subscription is one listener. C is closed when the listener is evicted,
// unsubscribes, or the bus closes.
type Subscription struct {
	C    <-chan domain.Event
	ch   chan domain.Event
	bus  *Bus
	once sync.Once
}

func NewBus(buffer int, logger *slog.Logger, m *metrics.Metrics) *Bus {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		buffer:  buffer,
		logger:  logger.With("component", "events"),
		metrics: m,
	}
}

func (b *Bus) Subscribe() *Subscription {
	ch := make(chan domain.Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeLocked()
		return s
	}
	b.subs[s] = struct{}{}
	b.logger.Debug("listener subscribed", "listeners", len(b.subs))
	return s
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s)
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}

// Emit delivers ev to every listener without blocking.
func (b *Bus) Emit(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			delete(b.subs, s)
			s.closeLocked()
			b.metrics.EventDropped()
			b.logger.Debug("listener buffer full, evicting", "stage", ev.Stage, "status", ev.Status)
		}
	}
}

// Listeners returns the number of attached listeners.
func (b *Bus) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches every listener. Later Emits are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.closeLocked()
	}
}

// Forward consumes a new subscription on its own goroutine and hands each
// event to fn until ctx ends or the subscription closes. Errors from fn are
// logged and never reach the producer. The returned channel closes when the
// goroutine exits.
func (b *Bus) Forward(ctx context.Context, name string, fn func(context.Context, domain.Event) error) <-chan struct{} {
	sub := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if err := fn(ctx, ev); err != nil {
					b.logger.Warn("listener failed", "listener", name, "stage", ev.Stage, "err", err)
				}
			}
		}
	}()
	return done
}
