package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/live-translator/internal/audio"
	"github.com/snarg/live-translator/internal/capture"
	"github.com/snarg/live-translator/internal/credentials"
	"github.com/snarg/live-translator/internal/events"
	"github.com/snarg/live-translator/internal/history"
	"github.com/snarg/live-translator/internal/metrics"
	"github.com/snarg/live-translator/internal/session"
	"github.com/snarg/live-translator/internal/speech"
	"github.com/snarg/live-translator/internal/transcribe"
	"github.com/snarg/live-translator/internal/translate"
	"github.com/snarg/live-translator/internal/validate"
)

const rate = 16000

// toneStream yields amplitude-modulated tone, or silence when quiet is set.
type toneStream struct {
	mu     sync.Mutex
	closed bool
	quiet  bool
	phase  float64
	last   time.Time
	done   chan struct{}
	once   sync.Once
}

func (s *toneStream) Drain() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	now := time.Now()
	n := int(now.Sub(s.last).Seconds() * rate)
	s.last = now
	out := make([]float32, n)
	if s.quiet {
		return out
	}
	for i := range out {
		s.phase++
		env := 0.5 + 0.5*math.Sin(2*math.Pi*3*s.phase/rate)
		out[i] = float32(0.3 * env * math.Sin(2*math.Pi*220*s.phase/rate))
	}
	return out
}

func (s *toneStream) Done() <-chan struct{} { return s.done }
func (s *toneStream) Err() error            { return nil }

func (s *toneStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

type toneDevice struct {
	quiet bool
	err   error
	opens atomic.Int32
}

func (d *toneDevice) Open(audio.Constraints) (audio.Stream, error) {
	d.opens.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return &toneStream{quiet: d.quiet, last: time.Now(), done: make(chan struct{})}, nil
}

// hangingEngine never answers, so the local engine cannot load. Blocked
// handlers are released when the test ends.
func hangingEngine(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

// answeringEngine transcribes every request with text.
func answeringEngine(text string, calls *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if r.URL.Path == "/inference" && calls != nil {
			calls.Add(1)
		}
		json.NewEncoder(w).Encode(map[string]any{"text": text, "language": "en"})
	}))
}

// slowEngine answers the warm-up request at once and every later
// transcription after delay. answered receives one value per late request
// once it has been answered or abandoned.
func slowEngine(t *testing.T, text string, delay time.Duration) (srv *httptest.Server, answered <-chan struct{}) {
	t.Helper()
	var calls atomic.Int32
	release := make(chan struct{})
	done := make(chan struct{}, 16)
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if r.URL.Path == "/inference" && calls.Add(1) > 1 {
			defer func() { done <- struct{}{} }()
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			case <-release:
				return
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"text": text, "language": "en"})
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv, done
}

// voskServer answers the first audio frame with one final result.
func voskServer(final string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sent := false
		for {
			mt, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage && !sent {
				sent = true
				conn.WriteMessage(websocket.TextMessage, []byte(`{"partial":"good"}`))
				conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"text":%q}`, final)))
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
}

func (f *fakeSpeaker) Speak(text, tag string) {
	f.mu.Lock()
	f.spoken = append(f.spoken, tag+":"+text)
	f.mu.Unlock()
}

func (f *fakeSpeaker) Stop() {}

func (f *fakeSpeaker) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

type harness struct {
	p       *Pipeline
	sess    *session.Manager
	hist    *history.MemoryStore
	bus     *events.Bus
	speaker *fakeSpeaker
	dev     *toneDevice
}

type harnessOpts struct {
	engineURL   string
	loadTimeout time.Duration
	voskURL     string
	providers   []translate.Provider
	quiet       bool
	source      string
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.source == "" {
		o.source = "en"
	}
	sess, err := session.New(o.source, "es", "en")
	if err != nil {
		t.Fatal(err)
	}
	ch := make(chan transcribe.Event, 64)
	local := transcribe.NewLocalBackend(transcribe.LocalOptions{
		Tiers:                  []transcribe.Tier{{Name: "gpu", URL: o.engineURL}},
		LoadTimeout:            o.loadTimeout,
		RequestTimeout:         2 * time.Second,
		QueueSize:              1,
		MaxConsecutiveFailures: 2,
		Language:               func() string { return sess.Snapshot().SourceLanguage },
		Log:                    zerolog.Nop(),
	}, ch)
	fallback := transcribe.NewRecognizer(transcribe.RecognizerOptions{
		URL:          o.voskURL,
		SampleRate:   rate,
		RestartDelay: 10 * time.Millisecond,
		MaxRestarts:  2,
		Language:     sess.EffectiveSource,
		Log:          zerolog.Nop(),
	}, ch)

	creds, _ := credentials.New("", nil, zerolog.Nop())
	hist := history.NewMemoryStore(10)
	bus := events.NewBus(256)
	spk := &fakeSpeaker{}
	dev := &toneDevice{quiet: o.quiet}

	p := New(Options{
		Session:         sess,
		Device:          dev,
		Constraints:     audio.Constraints{SampleRate: rate, Channels: 1},
		SegmentDuration: 600 * time.Millisecond,
		FallbackChunk:   50 * time.Millisecond,
		Switch:          transcribe.NewSwitch(local, fallback, ch, zerolog.Nop()),
		Validator:       validate.New(validate.DefaultThresholds()),
		Resolver: translate.NewResolver(translate.Options{
			Providers:   o.providers,
			Credentials: creds,
			Timeout:     2 * time.Second,
			Detected:    func() string { return sess.Snapshot().DetectedLanguage },
			Log:         zerolog.Nop(),
		}),
		History:   hist,
		Speaker:   spk,
		Bus:       bus,
		AutoSpeak: true,
		Log:       zerolog.Nop(),
	})
	p.Start()
	t.Cleanup(p.Stop)
	return &harness{p: p, sess: sess, hist: hist, bus: bus, speaker: spk, dev: dev}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func historyLen(h *harness) int {
	entries, _ := h.hist.List(context.Background(), 0)
	return len(entries)
}

// TestEndToEndFallback covers a session whose local engine times out while
// loading: the fallback recognizer hears "good morning", the credentialed
// provider is skipped for lack of a key and the free provider answers.
func TestEndToEndFallback(t *testing.T) {
	engine := hangingEngine(t)
	vosk := voskServer("good morning")
	defer vosk.Close()

	var googleCalls atomic.Int32
	google := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		googleCalls.Add(1)
		w.Write([]byte(`{"data":{"translations":[{"translatedText":"wrong"}]}}`))
	}))
	defer google.Close()
	var gotPair atomic.Value
	mymemory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPair.Store(r.URL.Query().Get("langpair"))
		w.Write([]byte(`{"responseData":{"translatedText":"buenos días"},"responseStatus":200}`))
	}))
	defer mymemory.Close()

	h := newHarness(t, harnessOpts{
		engineURL:   engine.URL,
		loadTimeout: 100 * time.Millisecond,
		voskURL:     wsURL(vosk),
		providers: []translate.Provider{
			translate.NewGoogle(google.URL, nil),
			translate.NewMyMemory(mymemory.URL, nil),
		},
	})
	sub, cancel := h.bus.Subscribe(events.Filter{Types: []string{events.TypeBackend, events.TypeTranslation}})
	defer cancel()

	kind, err := h.p.SelectBackend(context.Background())
	if err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}
	if kind != transcribe.Fallback {
		t.Fatalf("backend = %s, want fallback", kind)
	}
	if err := h.p.StartListening(); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	waitFor(t, "history entry", func() bool { return historyLen(h) == 1 })

	entries, _ := h.hist.List(context.Background(), 0)
	e := entries[0]
	if e.Original != "good morning" {
		t.Errorf("Original = %q, want %q", e.Original, "good morning")
	}
	if e.Translation != "buenos días" {
		t.Errorf("Translation = %q, want %q", e.Translation, "buenos días")
	}
	if e.Provider != "mymemory" {
		t.Errorf("Provider = %q, want mymemory", e.Provider)
	}
	if e.Backend != string(transcribe.Fallback) || e.Source != "en" || e.Target != "es" {
		t.Errorf("entry = %+v", e)
	}
	if googleCalls.Load() != 0 {
		t.Errorf("google called %d times without a credential", googleCalls.Load())
	}
	if got, _ := gotPair.Load().(string); got != "en|es" {
		t.Errorf("langpair = %q, want en|es", got)
	}
	waitFor(t, "speech", func() bool { return len(h.speaker.lines()) == 1 })
	if got := h.speaker.lines()[0]; got != "es:buenos días" {
		t.Errorf("spoken = %q", got)
	}

	var sawBackend, sawTranslation bool
	timeout := time.After(time.Second)
	for !(sawBackend && sawTranslation) {
		select {
		case ev := <-sub:
			switch ev.Type {
			case events.TypeBackend:
				var be BackendEvent
				json.Unmarshal(ev.Data, &be)
				sawBackend = be.Backend == "fallback" && be.Reason != ""
			case events.TypeTranslation:
				var te TranslationEvent
				json.Unmarshal(ev.Data, &te)
				sawTranslation = te.Translation == "buenos días" && !te.Exhausted
			}
		case <-timeout:
			t.Fatalf("events: backend=%v translation=%v", sawBackend, sawTranslation)
		}
	}
}

// TestListeningSurvivesSegmentFailures feeds silence to the local engine:
// every segment is rejected on signal quality, capture keeps scheduling and
// nothing reaches the engine or history.
func TestListeningSurvivesSegmentFailures(t *testing.T) {
	var calls atomic.Int32
	engine := answeringEngine("hello", &calls)
	defer engine.Close()

	h := newHarness(t, harnessOpts{engineURL: engine.URL, voskURL: "ws://127.0.0.1:1", quiet: true})
	sub, cancel := h.bus.Subscribe(events.Filter{Types: []string{events.TypeReject}})
	defer cancel()

	if kind, err := h.p.SelectBackend(context.Background()); err != nil || kind != transcribe.Local {
		t.Fatalf("SelectBackend = %s, %v; want local", kind, err)
	}
	warmups := calls.Load()
	if err := h.p.StartListening(); err != nil {
		t.Fatal(err)
	}

	rejects := 0
	timeout := time.After(5 * time.Second)
	for rejects < 2 {
		select {
		case ev := <-sub:
			var re RejectEvent
			json.Unmarshal(ev.Data, &re)
			if re.Kind != KindSignalQualityReject {
				t.Errorf("reject kind = %q, want %q", re.Kind, KindSignalQualityReject)
			}
			rejects++
			if !h.sess.Listening() {
				t.Fatal("listening cleared by a segment reject")
			}
		case <-timeout:
			t.Fatalf("got %d rejects, want 2", rejects)
		}
	}
	if calls.Load() != warmups {
		t.Errorf("engine called %d times for silent segments", calls.Load()-warmups)
	}
	if historyLen(h) != 0 {
		t.Errorf("history has %d entries, want 0", historyLen(h))
	}
}

func TestLocalEngineTranscribes(t *testing.T) {
	engine := answeringEngine("good morning", nil)
	defer engine.Close()
	mymemory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"responseData":{"translatedText":"buenos días"},"responseStatus":200}`))
	}))
	defer mymemory.Close()

	h := newHarness(t, harnessOpts{
		engineURL: engine.URL,
		voskURL:   "ws://127.0.0.1:1",
		providers: []translate.Provider{translate.NewMyMemory(mymemory.URL, nil)},
		source:    "auto",
	})
	if _, err := h.p.SelectBackend(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.p.StartListening(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "history entry", func() bool { return historyLen(h) >= 1 })

	entries, _ := h.hist.List(context.Background(), 1)
	if entries[0].Backend != "local" || entries[0].Translation != "buenos días" {
		t.Errorf("entry = %+v", entries[0])
	}
	if got := h.sess.Snapshot().DetectedLanguage; got != "en" {
		t.Errorf("DetectedLanguage = %q, want en", got)
	}
}

// TestStopIgnoresLateTranscripts stops listening while the local engine is
// still working on a segment: its transcript never reaches the resolver,
// history or speech.
func TestStopIgnoresLateTranscripts(t *testing.T) {
	engine, answered := slowEngine(t, "good morning", 400*time.Millisecond)
	var translations atomic.Int32
	mymemory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		translations.Add(1)
		w.Write([]byte(`{"responseData":{"translatedText":"buenos días"},"responseStatus":200}`))
	}))
	defer mymemory.Close()

	h := newHarness(t, harnessOpts{
		engineURL: engine.URL,
		voskURL:   "ws://127.0.0.1:1",
		providers: []translate.Provider{translate.NewMyMemory(mymemory.URL, nil)},
	})
	if kind, err := h.p.SelectBackend(context.Background()); err != nil || kind != transcribe.Local {
		t.Fatalf("SelectBackend = %s, %v; want local", kind, err)
	}
	if err := h.p.StartListening(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "segment in flight", func() bool { return h.sess.Snapshot().SegmentInFlight })

	h.p.StopListening()
	if h.sess.Listening() {
		t.Fatal("listening after StopListening")
	}

	select {
	case <-answered:
	case <-time.After(3 * time.Second):
		t.Fatal("engine never finished the in-flight request")
	}
	time.Sleep(100 * time.Millisecond)

	if n := historyLen(h); n != 0 {
		t.Errorf("history has %d entries after stop, want 0", n)
	}
	if n := translations.Load(); n != 0 {
		t.Errorf("provider called %d times after stop, want 0", n)
	}
	if lines := h.speaker.lines(); len(lines) != 0 {
		t.Errorf("spoke %v after stop", lines)
	}
}

// TestFallbackDoesNotInventDetectedLanguage listens on the recognizer with
// an auto source. The recognizer cannot infer a language, so none is
// recorded as detected.
func TestFallbackDoesNotInventDetectedLanguage(t *testing.T) {
	engine := hangingEngine(t)
	vosk := voskServer("good morning")
	defer vosk.Close()
	mymemory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"responseData":{"translatedText":"buenos días"},"responseStatus":200}`))
	}))
	defer mymemory.Close()

	h := newHarness(t, harnessOpts{
		engineURL:   engine.URL,
		loadTimeout: 50 * time.Millisecond,
		voskURL:     wsURL(vosk),
		providers:   []translate.Provider{translate.NewMyMemory(mymemory.URL, nil)},
		source:      "auto",
	})
	if kind, err := h.p.SelectBackend(context.Background()); err != nil || kind != transcribe.Fallback {
		t.Fatalf("SelectBackend = %s, %v; want fallback", kind, err)
	}
	if err := h.p.StartListening(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "history entry", func() bool { return historyLen(h) >= 1 })

	if got := h.sess.Snapshot().DetectedLanguage; got != "" {
		t.Errorf("DetectedLanguage = %q, want empty", got)
	}
}

// Pipeline feeds the metrics collector.
var _ metrics.PipelineStats = (*Pipeline)(nil)

func TestQueuePending(t *testing.T) {
	engine := answeringEngine("hi", nil)
	defer engine.Close()
	h := newHarness(t, harnessOpts{engineURL: engine.URL, voskURL: "ws://127.0.0.1:1"})
	if got := h.p.QueuePending(); got != 0 {
		t.Errorf("QueuePending = %d, want 0", got)
	}
}

func TestCaptureUnavailable(t *testing.T) {
	engine := answeringEngine("hi", nil)
	defer engine.Close()
	h := newHarness(t, harnessOpts{engineURL: engine.URL, voskURL: "ws://127.0.0.1:1"})
	h.dev.err = errors.New("no microphone")
	sub, cancel := h.bus.Subscribe(events.Filter{Types: []string{events.TypeError}})
	defer cancel()

	if _, err := h.p.SelectBackend(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := h.p.StartListening()
	if !errors.Is(err, capture.ErrUnavailable) {
		t.Fatalf("StartListening = %v, want capture.ErrUnavailable", err)
	}
	if h.sess.Listening() {
		t.Error("listening after capture failure")
	}
	select {
	case ev := <-sub:
		var ee ErrorEvent
		json.Unmarshal(ev.Data, &ee)
		if ee.Kind != KindCaptureUnavailable {
			t.Errorf("error kind = %q, want %q", ee.Kind, KindCaptureUnavailable)
		}
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
}

func TestDemoteKeepsListening(t *testing.T) {
	var failing atomic.Bool
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "cuda error", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"text": ""})
	}))
	defer engine.Close()
	vosk := voskServer("good morning")
	defer vosk.Close()
	mymemory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"responseData":{"translatedText":"buenos días"},"responseStatus":200}`))
	}))
	defer mymemory.Close()

	h := newHarness(t, harnessOpts{
		engineURL: engine.URL,
		voskURL:   wsURL(vosk),
		providers: []translate.Provider{translate.NewMyMemory(mymemory.URL, nil)},
	})
	if kind, _ := h.p.SelectBackend(context.Background()); kind != transcribe.Local {
		t.Fatalf("backend = %s, want local", kind)
	}
	failing.Store(true)
	if err := h.p.StartListening(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "demotion", func() bool { return h.p.ActiveBackend() == "fallback" })
	waitFor(t, "fallback translation", func() bool { return historyLen(h) == 1 })
	if !h.sess.Listening() {
		t.Error("listening cleared by demotion")
	}
	entries, _ := h.hist.List(context.Background(), 0)
	if entries[0].Backend != "fallback" {
		t.Errorf("entry backend = %q, want fallback", entries[0].Backend)
	}
}

func TestExhaustedSkipsSpeech(t *testing.T) {
	engine := hangingEngine(t)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer broken.Close()

	h := newHarness(t, harnessOpts{
		engineURL: engine.URL,
		voskURL:   "ws://127.0.0.1:1",
		providers: []translate.Provider{translate.NewMyMemory(broken.URL, nil)},
	})
	h.sess.SetListening(true)
	h.p.processFinal(context.Background(), transcribe.Transcript{Text: "good morning", Backend: transcribe.Fallback})

	entries, _ := h.hist.List(context.Background(), 0)
	if len(entries) != 1 {
		t.Fatalf("history = %d entries, want 1", len(entries))
	}
	if entries[0].Translation != "good morning" || entries[0].Provider != translate.Passthrough {
		t.Errorf("entry = %+v, want passthrough", entries[0])
	}
	if lines := h.speaker.lines(); len(lines) != 0 {
		t.Errorf("spoke %v for an exhausted chain", lines)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"capture", fmt.Errorf("%w: busy", capture.ErrUnavailable), KindCaptureUnavailable},
		{"backend_load", fmt.Errorf("%w: timeout", transcribe.ErrUnavailable), KindBackendLoadFailure},
		{"not_allowed", fmt.Errorf("%w: 403", transcribe.ErrNotAllowed), KindRecognizerNotAllowed},
		{"decode", fmt.Errorf("%w: bad wav", transcribe.ErrDecode), KindSegmentDecodeError},
		{"signal", fmt.Errorf("%w: rms 0", validate.ErrTooQuiet), KindSignalQualityReject},
		{"validation", fmt.Errorf("%w: boilerplate", validate.ErrRejected), KindValidationReject},
		{"provider", &translate.ProviderError{Provider: "google", Status: 429}, KindProviderFailure},
		{"synthesis", fmt.Errorf("%w: no voice", speech.ErrSynthesis), KindSynthesisFailure},
		{"other", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
