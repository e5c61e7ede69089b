package transcribe

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSwitchSelectsLocal(t *testing.T) {
	eng := &fakeEngine{text: "hi"}
	srv := httptest.NewServer(eng.handler())
	defer srv.Close()

	events := make(chan Event, 64)
	local := NewLocalBackend(localOpts(Tier{Name: "gpu", URL: srv.URL}), events)
	fallback := newTestRecognizer("ws://127.0.0.1:1", events)
	s := NewSwitch(local, fallback, events, zerolog.Nop())
	defer s.Close()

	kind, loadErr, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if kind != Local || loadErr != nil {
		t.Errorf("Select = %s, %v, want local, nil", kind, loadErr)
	}
	if !s.Submit(context.Background(), speechSegment(1)) {
		t.Error("Submit to local = false")
	}
}

func TestSwitchFallsBackOnLoadTimeout(t *testing.T) {
	eng := &fakeEngine{delay: time.Second}
	srv := httptest.NewServer(eng.handler())
	defer srv.Close()

	fv := &fakeVosk{}
	wsSrv := httptest.NewServer(fv)
	defer wsSrv.Close()

	events := make(chan Event, 64)
	opts := localOpts(Tier{Name: "gpu", URL: srv.URL})
	opts.LoadTimeout = 50 * time.Millisecond
	local := NewLocalBackend(opts, events)
	fallback := newTestRecognizer(wsURL(wsSrv), events)
	s := NewSwitch(local, fallback, events, zerolog.Nop())
	defer s.Close()

	kind, loadErr, err := s.Select(context.Background())
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if kind != Fallback {
		t.Errorf("Select = %s, want fallback", kind)
	}
	if !errors.Is(loadErr, ErrUnavailable) {
		t.Errorf("loadErr = %v, want ErrUnavailable", loadErr)
	}

	// A second Select does not retry the load.
	if k, _, _ := s.Select(context.Background()); k != Fallback {
		t.Errorf("second Select = %s, want fallback", k)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Submit(context.Background(), chunk()) {
		t.Fatal("Submit to fallback = false")
	}
	final := waitEvent(t, events, EventFinal)
	if final.Backend != Fallback {
		t.Errorf("final from %s, want fallback", final.Backend)
	}
	s.Stop()
}

func TestSwitchDemote(t *testing.T) {
	eng := &fakeEngine{}
	srv := httptest.NewServer(eng.handler())
	defer srv.Close()

	events := make(chan Event, 64)
	local := NewLocalBackend(localOpts(Tier{Name: "gpu", URL: srv.URL}), events)
	fallback := newTestRecognizer("ws://127.0.0.1:1", events)
	s := NewSwitch(local, fallback, events, zerolog.Nop())
	defer s.Close()

	if _, _, err := s.Select(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := s.Current().Kind(); got != Local {
		t.Errorf("Current = %s, want local", got)
	}
	if !s.Demote(ErrUnavailable) {
		t.Fatal("Demote = false, want true")
	}
	if s.Active() != Fallback {
		t.Errorf("Active = %s, want fallback", s.Active())
	}
	if s.Demote(ErrUnavailable) {
		t.Error("second Demote = true, want false")
	}
	if got := s.Current().Kind(); got != Fallback {
		t.Errorf("Current = %s, want fallback", got)
	}
	// The recognizer has no connection yet, so it refuses the segment the
	// local engine would have queued.
	if s.Submit(context.Background(), speechSegment(2)) {
		t.Error("Submit after demotion reached the local engine")
	}
}

func TestSwitchNoBackends(t *testing.T) {
	s := NewSwitch(nil, nil, make(chan Event, 1), zerolog.Nop())
	if _, _, err := s.Select(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Select = %v, want ErrUnavailable", err)
	}
	if s.Current() != nil {
		t.Error("Current != nil with no backends")
	}
	if s.Submit(context.Background(), speechSegment(1)) {
		t.Error("Submit = true with no backends")
	}
}

func TestSwitchLocalDisabled(t *testing.T) {
	fallback := newTestRecognizer("ws://127.0.0.1:1", make(chan Event, 1))
	s := NewSwitch(nil, fallback, make(chan Event, 1), zerolog.Nop())
	defer s.Close()
	kind, loadErr, err := s.Select(context.Background())
	if err != nil || kind != Fallback {
		t.Errorf("Select = %s, %v, want fallback", kind, err)
	}
	if loadErr != nil {
		t.Errorf("loadErr = %v, want nil for a disabled engine", loadErr)
	}
}
