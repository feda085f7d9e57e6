package pubsub

import (
	"sync"

	"go.uber.org/zap"
)

// Event is a cross-instance interaction notification. ID identifies the
// origin instance; Payload carries an application-defined shape, commonly an
// Interaction with the clicked category value.
type Event struct {
	ID      int64 `json:"id"`
	Payload any   `json:"payload"`
}

// Interaction is the usual event payload: the clicked data point's name.
type Interaction struct {
	Name string `json:"name"`
}

// InteractionName extracts the clicked name from an event payload, handling
// both the typed form and a decoded JSON object.
func InteractionName(payload any) (string, bool) {
	switch p := payload.(type) {
	case Interaction:
		return p.Name, true
	case *Interaction:
		return p.Name, true
	case map[string]any:
		name, ok := p["name"].(string)
		return name, ok
	}
	return "", false
}

// Listener receives published events. Implementations are identified by
// interface value, so a pointer receiver subscribes at most once.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface. Two distinct
// ListenerFunc values are distinct listeners even when they wrap the same
// function.
type ListenerFunc struct {
	Fn func(Event)
}

// OnEvent implements Listener.
func (l *ListenerFunc) OnEvent(e Event) { l.Fn(e) }

// Bus is a same-process, same-call fan-out primitive. Delivery is
// synchronous and in subscription order; there is no queueing, no retry and
// no cross-session state. Each listener invocation is isolated so a
// panicking listener cannot abort delivery to listeners registered after it.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *zap.Logger
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a listener and returns its unsubscribe handle.
// Subscribing the same listener identity twice is a no-op that still returns
// a working handle.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.listeners {
		if existing == l {
			return func() { b.unsubscribe(l) }
		}
	}
	b.listeners = append(b.listeners, l)
	return func() { b.unsubscribe(l) }
}

func (b *Bus) unsubscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every currently registered listener, in
// subscription order, before returning.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.deliver(l, e)
	}
}

func (b *Bus) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.Int64("origin_instance", e.ID),
				zap.Any("panic", r))
		}
	}()
	l.OnEvent(e)
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
