package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSSEHub_Subscribe_Publish_Unsubscribe(t *testing.T) {
	hub := NewSSEHub()
	ch := hub.Subscribe()
	if hub.Subscribers() != 1 {
		t.Fatalf("Subscribers: got %d", hub.Subscribers())
	}
	hub.PublishJSON(map[string]string{"type": "test"})
	hub.PublishJSON(map[string]string{"type": "second"})
	first, second := <-ch, <-ch
	if !strings.Contains(string(first.Data), "test") {
		t.Errorf("PublishJSON: got %s", first.Data)
	}
	if second.ID != first.ID+1 {
		t.Errorf("sequence ids: %d then %d", first.ID, second.ID)
	}
	hub.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after Unsubscribe")
	}
	hub.Unsubscribe(ch)
}

func TestSSEHub_Close(t *testing.T) {
	hub := NewSSEHub()
	ch := hub.Subscribe()
	hub.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected subscriber closed by Close")
	}
	late := hub.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("expected subscription after Close to be closed")
	}
	hub.PublishJSON(map[string]string{"type": "ignored"})
}

func TestSSEHub_Handler(t *testing.T) {
	hub := NewSSEHub()
	handler := hub.Handler()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequestWithContext(ctx, http.MethodGet, "/stream", nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		handler(rec, req)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.PublishJSON(map[string]string{"type": "task_created"})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	// Read response body only after handler has finished writing.
	sc := bufio.NewScanner(rec.Body)
	var connected, event bool
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, "connected") {
			connected = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "task_created") {
			event = true
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !connected || !event {
		t.Errorf("stream: connected=%v event=%v", connected, event)
	}
}
