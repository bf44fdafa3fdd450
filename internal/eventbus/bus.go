// Package eventbus is a synchronous, in-process named-event bus.
//
// Emit runs every matching handler on the caller's goroutine. Handlers are
// copied under the lock and invoked outside of it, so a handler may itself
// subscribe, unsubscribe or emit. A panicking handler is recovered, counted
// as handler_exceptions_total{event} and does not stop later handlers.
package eventbus

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mia/internal/metrics"
)

// Payload is the event body delivered to handlers. Each handler receives its
// own shallow copy.
type Payload map[string]any

// Handler receives the event name and a copy of its payload.
type Handler func(name string, p Payload)

type subscription struct {
	h Handler
}

// Bus dispatches named events to subscribers.
type Bus struct {
	mu      sync.RWMutex
	byName  map[string][]*subscription
	any     []*subscription
	metrics *metrics.Registry
	now     func() time.Time
}

// New returns a bus that records dispatch metrics into m (may be nil).
func New(m *metrics.Registry) *Bus {
	return &Bus{
		byName:  make(map[string][]*subscription),
		metrics: m,
		now:     time.Now,
	}
}

// Default is the process-wide bus used by cmd/miad.
var Default = New(metrics.Default)

var zlog *zerolog.Logger

// SetLogger installs a structured logger for handler failures.
func SetLogger(l zerolog.Logger) { zlog = &l }

// Subscribe registers h for events named name and returns an unsubscribe func.
func (b *Bus) Subscribe(name string, h Handler) func() {
	s := &subscription{h: h}
	b.mu.Lock()
	b.byName[name] = append(b.byName[name], s)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byName[name] = remove(b.byName[name], s)
	}
}

// SubscribeAny registers h for every event.
func (b *Bus) SubscribeAny(h Handler) func() {
	s := &subscription{h: h}
	b.mu.Lock()
	b.any = append(b.any, s)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.any = remove(b.any, s)
	}
}

func remove(list []*subscription, s *subscription) []*subscription {
	out := list[:0:0]
	for _, x := range list {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

// Emit delivers payload to named subscribers first, then to any-subscribers.
// A "ts" field (unix seconds, float) is added when absent.
func (b *Bus) Emit(name string, payload Payload) {
	start := b.now()
	b.mu.RLock()
	handlers := make([]*subscription, 0, len(b.byName[name])+len(b.any))
	handlers = append(handlers, b.byName[name]...)
	handlers = append(handlers, b.any...)
	b.mu.RUnlock()

	if payload == nil {
		payload = Payload{}
	}
	if _, ok := payload["ts"]; !ok {
		payload["ts"] = float64(start.UnixNano()) / 1e9
	}
	for _, s := range handlers {
		b.dispatch(name, s.h, payload)
	}
	elapsed := float64(b.now().Sub(start).Microseconds()) / 1000.0
	lbl := metrics.Labels{"event": name}
	b.metrics.Inc("events_emitted_total", lbl, 1)
	b.metrics.Inc("dispatch_latency_accum_ms", lbl, elapsed)
	b.metrics.Inc("dispatch_count", lbl, 1)
}

func (b *Bus) dispatch(name string, h Handler, payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.Inc("handler_exceptions_total", metrics.Labels{"event": name}, 1)
			if zlog != nil {
				zlog.Warn().Str("event", name).Str("panic", fmt.Sprint(r)).Msg("event handler failed")
			} else {
				log.Printf("event handler failed event=%s panic=%v", name, r)
			}
		}
	}()
	cp := make(Payload, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	h(name, cp)
}

// Reset drops every subscription. Intended for tests.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.byName = make(map[string][]*subscription)
	b.any = nil
	b.mu.Unlock()
}
