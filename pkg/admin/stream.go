package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getmockd/mockproxy/pkg/proxy"
	"github.com/getmockd/mockproxy/pkg/requestlog"
)

var errStreamingUnsupported = errors.New("streaming not supported")

// EventMessage is the JSON form of a proxy.Event on /events.
type EventMessage struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	RequestID  string    `json:"requestId,omitempty"`
	ClientAddr string    `json:"clientAddr,omitempty"`
	Host       string    `json:"host,omitempty"`
	RuleID     string    `json:"ruleId,omitempty"`
	Handler    string    `json:"handler,omitempty"`
	Status     int       `json:"status,omitempty"`
	DurationMs float64   `json:"durationMs,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"errorKind,omitempty"`
}

func eventMessage(ev proxy.Event) EventMessage {
	msg := EventMessage{
		Type:       string(ev.Type),
		Time:       ev.Time,
		RequestID:  ev.RequestID,
		ClientAddr: ev.ClientAddr,
		Host:       ev.Host,
		RuleID:     ev.RuleID,
		Handler:    ev.Handler,
		Status:     ev.Status,
		DurationMs: float64(ev.Duration.Microseconds()) / 1000,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
		msg.ErrorKind = string(ev.Kind())
	}
	return msg
}

// startSSE writes the event-stream headers and the initial connected event.
func startSSE(w http.ResponseWriter, what string) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"message\": \"Connected to %s stream\"}\n\n", what)
	flusher.Flush()
	return flusher, nil
}

func writeSSE(w http.ResponseWriter, f http.Flusher, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	f.Flush()
	return nil
}

func (a *API) handleStreamRequests(w http.ResponseWriter, r *http.Request) {
	store, ok := a.requests.(requestlog.SubscribableStore)
	if !ok {
		writeError(w, http.StatusNotFound, "no_request_log", "Request streaming is unavailable")
		return
	}
	entries, unsubscribe := store.Subscribe()
	defer unsubscribe()

	flusher, err := startSSE(w, "request")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sse_error", "Streaming not supported")
		return
	}
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if err := writeSSE(w, flusher, "request", entry); err != nil {
				return
			}
		}
	}
}

func (a *API) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := a.proxy.Subscribe()
	defer unsubscribe()

	flusher, err := startSSE(w, "event")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sse_error", "Streaming not supported")
		return
	}
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, flusher, string(ev.Type), eventMessage(ev)); err != nil {
				return
			}
		}
	}
}
