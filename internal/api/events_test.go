package api

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/live-translator/internal/events"
)

// readEvents collects "event:" lines from an SSE body until n are read.
func readEvents(t *testing.T, sc *bufio.Scanner, n int) []string {
	t.Helper()
	done := make(chan []string, 1)
	go func() {
		var got []string
		for len(got) < n && sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "event: ") {
				got = append(got, strings.TrimPrefix(line, "event: "))
			}
		}
		done <- got
	}()
	select {
	case got := <-done:
		return got
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out reading %d events", n)
		return nil
	}
}

func newEventsServer(bus *events.Bus) *httptest.Server {
	r := chi.NewRouter()
	NewEventsHandler(bus).Routes(r)
	return httptest.NewServer(r)
}

func TestStreamEvents(t *testing.T) {
	t.Run("replays_after_last_event_id", func(t *testing.T) {
		bus := events.NewBus(16)
		bus.Publish(events.TypeStatus, map[string]bool{"listening": true})
		bus.Publish(events.TypeTranscript, map[string]string{"text": "hello"})
		bus.Publish(events.TypeTranslation, map[string]string{"translation": "hola"})
		first := bus.ReplaySince("", events.Filter{})[0].ID

		srv := newEventsServer(bus)
		defer srv.Close()

		req, _ := http.NewRequest("GET", srv.URL+"/events/stream", nil)
		req.Header.Set("Last-Event-ID", first)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
			t.Errorf("Content-Type = %q, want text/event-stream", ct)
		}
		sc := bufio.NewScanner(resp.Body)
		got := readEvents(t, sc, 2)
		if got[0] != events.TypeTranscript || got[1] != events.TypeTranslation {
			t.Errorf("replayed = %v, want [transcript translation]", got)
		}

		bus.Publish(events.TypeBackend, map[string]string{"backend": "fallback"})
		if got := readEvents(t, sc, 1); got[0] != events.TypeBackend {
			t.Errorf("live event = %v, want backend", got)
		}
	})

	t.Run("type_filter", func(t *testing.T) {
		bus := events.NewBus(16)
		srv := newEventsServer(bus)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/events/stream?types=translation")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		waitSubscribers(t, bus, 1)
		bus.Publish(events.TypeStatus, map[string]bool{"listening": true})
		bus.Publish(events.TypeTranslation, map[string]string{"translation": "hola"})

		got := readEvents(t, bufio.NewScanner(resp.Body), 1)
		if got[0] != events.TypeTranslation {
			t.Errorf("event = %q, want translation", got[0])
		}
	})

	t.Run("no_bus", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewEventsHandler(nil).StreamEvents(rec, httptest.NewRequest("GET", "/events/stream", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("keepalive", func(t *testing.T) {
		bus := events.NewBus(16)
		h := NewEventsHandler(bus)
		h.keepalive = 20 * time.Millisecond
		r := chi.NewRouter()
		h.Routes(r)
		srv := httptest.NewServer(r)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/events/stream")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		line := make(chan string, 1)
		go func() {
			sc := bufio.NewScanner(resp.Body)
			for sc.Scan() {
				if strings.HasPrefix(sc.Text(), ":") {
					line <- sc.Text()
					return
				}
			}
		}()
		select {
		case got := <-line:
			if got != ": keepalive" {
				t.Errorf("comment = %q, want %q", got, ": keepalive")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no keepalive received")
		}
	})
}

func waitSubscribers(t *testing.T, bus *events.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", bus.SubscriberCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
