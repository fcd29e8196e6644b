// ABOUTME: In-process typed event bus for data change notifications
// ABOUTME: Synchronous fan-out; a panicking subscriber never takes down the emitter

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a category of data change.
type Kind int

const (
	KindUnknown Kind = iota
	CustomerCreated
	CustomerUpdated
	ProductCreated
	ProductUpdated
	StockMoved
	InvoiceCreated
	LedgerPosted
	DataChanged
)

var kindNames = map[Kind]string{
	KindUnknown:     "unknown",
	CustomerCreated: "customer_created",
	CustomerUpdated: "customer_updated",
	ProductCreated:  "product_created",
	ProductUpdated:  "product_updated",
	StockMoved:      "stock_moved",
	InvoiceCreated:  "invoice_created",
	LedgerPosted:    "ledger_posted",
	DataChanged:     "data_changed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event describes one committed data change.
type Event struct {
	Kind     Kind
	Table    string
	EntityID int64
	At       time.Time
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id      string
	kind    Kind
	all     bool
	handler Handler
}

// Bus is a synchronous publish/subscribe hub. Zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	logger *slog.Logger

	emitted   int64
	delivered int64
	panics    int64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a handler for one event kind and returns an
// opaque handle for Unsubscribe.
func (b *Bus) Subscribe(kind Kind, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.subs[id] = &subscription{id: id, kind: kind, handler: handler}
	return id
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.subs[id] = &subscription{id: id, all: true, handler: handler}
	return id
}

// Unsubscribe removes a handler. Unknown handles are a no-op, so
// double-unsubscribe is safe.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit delivers the event to every matching subscriber, synchronously,
// and returns how many handlers ran. Emit stamps the event time if the
// caller left it zero.
func (b *Bus) Emit(ev Event) int {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.all || sub.kind == ev.Kind {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	b.emitted++
	b.mu.Unlock()

	for _, sub := range matched {
		b.deliver(sub, ev)
	}
	return len(matched)
}

// deliver runs one handler, recovering any panic so one bad subscriber
// cannot break the write path that emitted the event.
func (b *Bus) deliver(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.panics++
			b.mu.Unlock()
			b.logger.Error("subscriber panicked",
				"kind", ev.Kind.String(),
				"subscription", sub.id,
				"panic", r)
		}
	}()

	sub.handler(ev)

	b.mu.Lock()
	b.delivered++
	b.mu.Unlock()
}

// Stats reports bus counters.
type Stats struct {
	Subscribers int
	Emitted     int64
	Delivered   int64
	Panics      int64
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Subscribers: len(b.subs),
		Emitted:     b.emitted,
		Delivered:   b.delivered,
		Panics:      b.panics,
	}
}
