package proxy

import (
	"sync"
	"time"

	"github.com/getmockd/mockproxy/pkg/proxyerr"
	"github.com/getmockd/mockproxy/pkg/rule"
)

// EventType identifies an Event.
type EventType string

// Event types.
const (
	// EventRequest is published once a request head has been parsed.
	EventRequest EventType = "request"
	// EventResponse is published after the response has been written.
	EventResponse EventType = "response"
	// EventTunnel is published when a CONNECT tunnel is accepted.
	EventTunnel EventType = "tunnel"
	// EventError is published for every per-request or per-connection failure.
	EventError EventType = "error"
)

// Event describes something the proxy observed.
type Event struct {
	Type EventType
	Time time.Time

	// RequestID is empty for connection-level events.
	RequestID string
	Request   *rule.Request

	// ClientAddr is the client's ip:port.
	ClientAddr string
	// Host is the destination host or CONNECT target.
	Host string

	RuleID   string
	Handler  string
	Status   int
	Duration time.Duration

	// Err is set for EventError; it is always a *proxyerr.Error.
	Err error
}

// Kind returns the error kind of an EventError.
func (e Event) Kind() proxyerr.Kind {
	return proxyerr.KindOf(e.Err)
}

const subscriberBuffer = 256

// eventBus fans events out to subscribers. Slow subscribers lose events
// rather than stall the proxy.
type eventBus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan Event]struct{})}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *eventBus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
