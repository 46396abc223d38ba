package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ankittk/taskcoord/internal/otel"
	"github.com/ankittk/taskcoord/pkg/models"
)

// SSEHub fans committed events out to /stream subscribers. Slow subscribers lose
// events rather than stalling writers; each message carries a sequence id so a
// client can tell it missed some.
type SSEHub struct {
	mu     sync.RWMutex
	subs   map[chan Message]struct{}
	seq    uint64
	closed bool
}

// Message is one published event.
type Message struct {
	ID   uint64
	Data []byte
}

func NewSSEHub() *SSEHub {
	return &SSEHub{subs: make(map[chan Message]struct{})}
}

func (h *SSEHub) Subscribe() chan Message {
	ch := make(chan Message, models.DefaultSSEChannelBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	otel.AddSSEConnection()
	return ch
}

func (h *SSEHub) Unsubscribe(ch chan Message) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
		otel.RemoveSSEConnection()
	}
	h.mu.Unlock()
}

// Subscribers returns the number of connected streams.
func (h *SSEHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// PublishJSON marshals v and delivers it to every subscriber.
func (h *SSEHub) PublishJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	otel.RecordSSEEvent(context.Background())
	h.mu.Lock()
	h.seq++
	msg := Message{ID: h.seq, Data: b}
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	h.mu.Unlock()
}

// Close disconnects every subscriber. Later subscriptions are closed immediately.
func (h *SSEHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
		otel.RemoveSSEConnection()
	}
}

func (h *SSEHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		ch := h.Subscribe()
		defer h.Unsubscribe(ch)

		_, _ = fmt.Fprintf(w, "retry: 2000\ndata: %s\n\n", `{"type":"connected"}`)
		flusher.Flush()

		keepalive := time.NewTicker(30 * time.Second)
		defer keepalive.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case msg, ok := <-ch:
				if !ok {
					return
				}
				_, _ = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", msg.ID, msg.Data)
				flusher.Flush()
			}
		}
	}
}
