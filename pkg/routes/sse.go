package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const sseHeartbeat = 30 * time.Second

// ClientNotifier provides a way to notify SSE subscribers about registry
// changes. It satisfies registry.Notifier.
type ClientNotifier struct {
	subscribers map[chan struct{}]struct{}
	mu          sync.RWMutex
}

// NewClientNotifier creates a new ClientNotifier
func NewClientNotifier() *ClientNotifier {
	return &ClientNotifier{
		subscribers: make(map[chan struct{}]struct{}),
	}
}

// Subscribe adds a new subscriber that will be notified on changes
func (cn *ClientNotifier) Subscribe() chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	ch := make(chan struct{}, 1)
	cn.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber
func (cn *ClientNotifier) Unsubscribe(ch chan struct{}) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	delete(cn.subscribers, ch)
	close(ch)
}

// Notify triggers all subscribers about a change
func (cn *ClientNotifier) Notify() {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	for ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// Channel already has a pending notification, skip
		}
	}
}

// SSE endpoint streaming the live connection count
func (wr *WebRouter) connectionsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	notifyCh := wr.ClientNotifier.Subscribe()
	defer wr.ClientNotifier.Unsubscribe(notifyCh)

	ctx := r.Context()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	sendStatus := func() error {
		data, err := json.Marshal(StatusResponse{Connections: wr.Registry.Size()})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: connections\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendStatus(); err != nil {
		slog.Error("error sending initial SSE data", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-notifyCh:
			if err := sendStatus(); err != nil {
				slog.Error("error sending SSE update", "error", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
