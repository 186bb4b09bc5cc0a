// Package events implements the status-event bus that correlates background
// pipeline work with a waiting client via a lifecycle token.
//
// Pipeline stages emit typed events under the runner's lifecycle token; a
// client subscribing with that token receives buffered events first, then
// live ones, in emit order. Pipeline progress never depends on a live
// subscriber — events emitted before attach are buffered (bounded,
// drop-oldest on overflow).
package events

import (
	"sync"
	"time"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeRequestReceived   Type = "REQUEST_RECEIVED"
	TypeRequestProcessing Type = "REQUEST_PROCESSING"

	TypeResourceDiscovery  Type = "RESOURCE_DISCOVERY"
	TypeResourceAllocation Type = "RESOURCE_ALLOCATION"

	TypeInstanceBooting     Type = "INSTANCE_BOOTING"
	TypeInstanceStarting    Type = "INSTANCE_STARTING"
	TypeInstanceRunning     Type = "INSTANCE_RUNNING"
	TypeInstanceIPAssigning Type = "INSTANCE_IP_ASSIGNING"
	TypeInstanceIPAssigned  Type = "INSTANCE_IP_ASSIGNED"
	TypeInstanceSSHWaiting  Type = "INSTANCE_SSH_WAITING"
	TypeInstanceSSHAvail    Type = "INSTANCE_SSH_AVAILABLE"

	TypeStartupStarted  Type = "INSTANCE_STARTUP_PROCESS_STARTED"
	TypeStartupComplete Type = "INSTANCE_STARTUP_PROCESS_COMPLETE"
	TypeStartupFailed   Type = "INSTANCE_STARTUP_PROCESS_FAILED"

	TypeInstanceScript       Type = "INSTANCE_SCRIPT"
	TypeSessionStatus        Type = "SESSION_STATUS"
	TypeConnectionStatus     Type = "CONNECTION_STATUS"
	TypeRunnerReady          Type = "RUNNER_READY"
	TypeInstanceShuttingDown Type = "INSTANCE_SHUTTING_DOWN"

	TypeError Type = "ERROR"
)

// Event is the payload delivered to subscribers. Timestamp is ISO-8601 UTC.
type Event struct {
	Type      Type           `json:"type"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(t Type, message string, data map[string]any) Event {
	return Event{
		Type:      t,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}

// DefaultBufferSize bounds the per-token backlog held for a subscriber that
// has not attached yet. Overflow discards the oldest event.
const DefaultBufferSize = 64

// subscriberChanSize buffers the live delivery channel so a slow reader does
// not block emitters; overflow falls back to the backlog.
const subscriberChanSize = 16

// stream holds the per-token backlog and the attached subscriber, if any.
type stream struct {
	backlog []Event
	sub     chan Event
	done    chan struct{} // closed when the subscriber detaches
	closed  bool          // terminal: no further events retained
}

// Bus is an in-process event bus keyed by lifecycle token.
// Safe for concurrent use; per-token delivery preserves emit order.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream
	bufSize int
}

// NewBus creates a Bus with the default per-token buffer size.
func NewBus() *Bus {
	return &Bus{streams: make(map[string]*stream), bufSize: DefaultBufferSize}
}

// Emit publishes an event under the given lifecycle token.
// With no subscriber attached, the event is buffered; the buffer is bounded
// and discards the oldest event on overflow. With a subscriber attached,
// delivery is in-order; if the subscriber's channel is full the event joins
// the backlog and is flushed before the next delivered event.
func (b *Bus) Emit(token string, ev Event) {
	if token == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.streams[token]
	if st == nil {
		st = &stream{}
		b.streams[token] = st
	}
	if st.closed {
		return
	}

	if st.sub != nil {
		// Flush any backlog first to preserve emit order.
		for len(st.backlog) > 0 {
			select {
			case st.sub <- st.backlog[0]:
				st.backlog = st.backlog[1:]
			default:
				goto buffer
			}
		}
		select {
		case st.sub <- ev:
			return
		default:
		}
	}

buffer:
	st.backlog = append(st.backlog, ev)
	if len(st.backlog) > b.bufSize {
		st.backlog = st.backlog[len(st.backlog)-b.bufSize:]
	}
}

// Subscribe attaches to the stream for the given token. Buffered events are
// drained to the returned channel before live events. The cancel function
// detaches and closes the channel; it is safe to call more than once.
//
// Callers are expected to have authorized the token against a live runner
// before subscribing — the bus itself accepts any token.
func (b *Bus) Subscribe(token string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.streams[token]
	if st == nil {
		st = &stream{}
		b.streams[token] = st
	}

	// Size the channel to hold the whole backlog so the drain below cannot
	// strand events when no further Emit arrives.
	size := subscriberChanSize
	if len(st.backlog) > size {
		size = len(st.backlog)
	}
	// A later subscriber on the same token displaces the earlier one. Close
	// the displaced channel so its reader observes end-of-stream instead of
	// blocking on a channel nothing delivers to; its cancel stays safe
	// because the channel is no longer the attached one.
	if st.sub != nil {
		close(st.sub)
	}

	ch := make(chan Event, size)
	done := make(chan struct{})
	st.sub = ch
	st.done = done

	for len(st.backlog) > 0 {
		ch <- st.backlog[0]
		st.backlog = st.backlog[1:]
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			close(done)
			// Close may have detached and closed the channel already.
			if st.sub == ch {
				st.sub = nil
				st.done = nil
				close(ch)
			}
			// Terminal stream with no subscriber left: drop it entirely.
			if st.closed {
				delete(b.streams, token)
			}
		})
	}
	return ch, cancel
}

// Close marks the token's stream terminal. An attached subscriber's channel
// is flushed and closed so it observes end-of-stream; nothing new is
// accepted and the stream is dropped once the subscriber disconnects (or
// immediately if none is attached).
func (b *Bus) Close(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.streams[token]
	if st == nil {
		return
	}
	st.closed = true
	if st.sub != nil {
		for len(st.backlog) > 0 {
			select {
			case st.sub <- st.backlog[0]:
				st.backlog = st.backlog[1:]
			default:
				st.backlog = nil
			}
		}
		close(st.sub)
		st.sub = nil
		st.done = nil
		return
	}
	delete(b.streams, token)
}

// Pending returns the number of buffered events for a token. Test helper.
func (b *Bus) Pending(token string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.streams[token]; st != nil {
		return len(st.backlog)
	}
	return 0
}
