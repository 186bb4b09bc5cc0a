package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/burrow-dev/burrow/platform/internal/events"
	"github.com/go-chi/chi/v5"
)

// MountEventRoutes registers the lifecycle event stream endpoint.
func MountEventRoutes(r chi.Router, srv *Server) {
	r.Get("/events/{lifecycleToken}", srv.HandleEventStream)
}

// newSessionStatusEvent builds the event emitted when a runner's state
// changes through an external report.
func newSessionStatusEvent(state string) events.Event {
	return events.NewEvent(events.TypeSessionStatus, "runner state is now "+state, map[string]any{
		"state": state,
	})
}

// HandleEventStream streams a runner's lifecycle events as Server-Sent
// Events. The lifecycle token both selects the stream and authorizes it: it
// must belong to a live runner. Buffered events are delivered first, then
// live ones, in emit order.
func (s *Server) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "lifecycleToken")

	runner, err := s.Runners.GetByLifecycleToken(r.Context(), token)
	if err != nil {
		domainError(w, err)
		return
	}
	if !runner.State.Alive() {
		errorJSON(w, "runner is no longer live", "NOT_FOUND", http.StatusNotFound)
		return
	}

	ip := clientIP(r)
	if s.SSELimiter != nil && !s.SSELimiter.Acquire(ip) {
		errorJSON(w, "too many event stream connections", "RESOURCE_EXHAUSTED", http.StatusTooManyRequests)
		return
	}
	defer func() {
		if s.SSELimiter != nil {
			s.SSELimiter.Release(ip)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The ResponseController follows Unwrap through middleware wrappers, so
	// flushing works even when the request logger has wrapped the writer.
	// Push the headers out right away; the client is waiting on them.
	rc := http.NewResponseController(w)
	w.WriteHeader(http.StatusOK)
	rc.Flush() //nolint:errcheck // recorder writers in tests may not flush

	send := func(ev events.Event) {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		rc.Flush() //nolint:errcheck
	}

	ch, cancel := s.Events.Subscribe(token)
	defer cancel()

	// Bound the connection lifetime; clients reconnect and drain what they
	// missed from the buffer.
	deadline := time.NewTimer(time.Duration(MaxSSEDurationSeconds) * time.Second)
	defer deadline.Stop()

	// Heartbeat keeps intermediaries from closing an idle stream.
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			rc.Flush() //nolint:errcheck
		case ev, open := <-ch:
			if !open {
				return
			}
			send(ev)
		}
	}
}
