package translate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeProvider records calls and returns a canned result.
type fakeProvider struct {
	name    string
	cred    bool
	markers []string
	result  string
	err     error
	panics  bool
	delay   time.Duration

	mu    sync.Mutex
	calls []Request
}

func (f *fakeProvider) Name() string             { return f.name }
func (f *fakeProvider) RequiresCredential() bool { return f.cred }
func (f *fakeProvider) Markers() []string        { return f.markers }

func (f *fakeProvider) Translate(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.panics {
		panic("provider exploded")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.result, f.err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type staticCreds map[string]string

func (s staticCreds) Credential(p string) string { return s[p] }

type memCache struct {
	mu sync.Mutex
	m  map[string]Outcome
}

func (c *memCache) Get(_ context.Context, k string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.m[k]
	return o, ok
}

func (c *memCache) Set(_ context.Context, k string, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[k] = o
}

func newResolver(creds Credentials, providers ...Provider) *Resolver {
	return NewResolver(Options{
		Providers:     providers,
		Credentials:   creds,
		Timeout:       time.Second,
		DefaultSource: "en",
		Log:           zerolog.Nop(),
	})
}

func TestTranslateSameLanguageIsPassthrough(t *testing.T) {
	p := &fakeProvider{name: "primary", result: "x"}
	r := newResolver(nil, p)

	out := r.Translate(context.Background(), "Hello", "en", "en-GB")
	if out.Text != "Hello" || out.Provider != Passthrough {
		t.Errorf("Translate = %+v, want passthrough", out)
	}
	if out.Exhausted {
		t.Error("Exhausted = true for same-language passthrough")
	}
	if p.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", p.callCount())
	}
}

func TestTranslateAutoSource(t *testing.T) {
	p := &fakeProvider{name: "free", result: "Hallo"}

	t.Run("detected_equals_target", func(t *testing.T) {
		r := newResolver(nil, p)
		r.opts.Detected = func() string { return "de" }
		out := r.Translate(context.Background(), "Hallo Welt", "auto", "de")
		if !out.IsPassthrough() || p.callCount() != 0 {
			t.Errorf("Translate = %+v after %d calls, want passthrough with no calls", out, p.callCount())
		}
	})

	t.Run("nothing_detected_uses_default", func(t *testing.T) {
		r := newResolver(nil, p)
		out := r.Translate(context.Background(), "Hello world", "auto", "de")
		if out.Source != "en" {
			t.Errorf("Source = %q, want en", out.Source)
		}
		if out.Provider != "free" {
			t.Errorf("Provider = %q, want free", out.Provider)
		}
	})
}

func TestTranslatePrimaryFailureAdvances(t *testing.T) {
	primary := &fakeProvider{name: "primary", cred: true, err: errors.New("quota exceeded")}
	secondary := &fakeProvider{name: "secondary", result: "Bonjour"}
	r := newResolver(staticCreds{"primary": "k"}, primary, secondary)

	out := r.Translate(context.Background(), "Hello", "en", "fr")
	if out.Text != "Bonjour" || out.Provider != "secondary" {
		t.Errorf("Translate = %+v, want Bonjour from secondary", out)
	}
	if primary.callCount() != 1 || secondary.callCount() != 1 {
		t.Errorf("calls = %d, %d, want 1, 1", primary.callCount(), secondary.callCount())
	}
	if got := primary.calls[0].Credential; got != "k" {
		t.Errorf("Credential = %q, want k", got)
	}
}

func TestTranslateSkipsProviderWithoutCredential(t *testing.T) {
	primary := &fakeProvider{name: "primary", cred: true, result: "nope"}
	secondary := &fakeProvider{name: "secondary", result: "buenos días"}
	r := newResolver(staticCreds{}, primary, secondary)

	out := r.Translate(context.Background(), "good morning", "en", "es")
	if out.Text != "buenos días" || out.Provider != "secondary" {
		t.Errorf("Translate = %+v", out)
	}
	if primary.callCount() != 0 {
		t.Errorf("primary calls = %d, want 0", primary.callCount())
	}
}

func TestTranslateRejectsBadResults(t *testing.T) {
	tests := []struct {
		name  string
		first *fakeProvider
	}{
		{"empty", &fakeProvider{name: "a", result: "   "}},
		{"unchanged_case_insensitive", &fakeProvider{name: "a", result: "HELLO"}},
		{"own_marker", &fakeProvider{name: "a", markers: []string{"MYMEMORY WARNING"}, result: "MYMEMORY WARNING: YOU USED ALL AVAILABLE FREE TRANSLATIONS"}},
		{"global_marker", &fakeProvider{name: "a", result: "[Translation failed]"}},
		{"panic", &fakeProvider{name: "a", panics: true}},
		{"timeout", &fakeProvider{name: "a", delay: 5 * time.Second, result: "Hola"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			second := &fakeProvider{name: "b", result: "Hola"}
			r := newResolver(nil, tt.first, second)
			r.opts.Timeout = 50 * time.Millisecond
			out := r.Translate(context.Background(), "hello", "en", "es")
			if out.Provider != "b" || out.Text != "Hola" {
				t.Errorf("Translate = %+v, want Hola from b", out)
			}
		})
	}
}

func TestTranslateAllFail(t *testing.T) {
	var failures []string
	a := &fakeProvider{name: "a", err: errors.New("down")}
	b := &fakeProvider{name: "b", result: "hello"}
	r := newResolver(nil, a, b)
	r.opts.OnResult = func(p string, err error) {
		if err != nil {
			failures = append(failures, p)
		}
	}

	out := r.Translate(context.Background(), "Hello", "en", "fr")
	if out.Text != "Hello" || !out.IsPassthrough() || !out.Exhausted {
		t.Errorf("Translate = %+v, want exhausted passthrough", out)
	}
	if strings.Join(failures, ",") != "a,b" {
		t.Errorf("failures = %v, want [a b]", failures)
	}
}

func TestTranslateNeverReturnsInputFromProvider(t *testing.T) {
	inputs := []string{"Hello", "hello", " HELLO "}
	for _, in := range inputs {
		p := &fakeProvider{name: "echo", result: strings.ToLower(strings.TrimSpace(in))}
		out := newResolver(nil, p).Translate(context.Background(), in, "en", "de")
		if strings.EqualFold(strings.TrimSpace(out.Text), strings.TrimSpace(in)) && !out.IsPassthrough() {
			t.Errorf("Translate(%q) = %+v, equal to input but not passthrough", in, out)
		}
	}
}

func TestTranslateUsesCache(t *testing.T) {
	p := &fakeProvider{name: "a", result: "Hola"}
	cache := &memCache{m: map[string]Outcome{}}
	r := newResolver(nil, p)
	r.opts.Cache = cache

	first := r.Translate(context.Background(), "hello", "en", "es")
	second := r.Translate(context.Background(), "hello", "en", "es")
	if first.Cached || !second.Cached {
		t.Errorf("Cached = %v, %v, want false, true", first.Cached, second.Cached)
	}
	if second.Text != "Hola" || second.Provider != "a" {
		t.Errorf("cached outcome = %+v", second)
	}
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.callCount())
	}
}

func TestTruncateRunes(t *testing.T) {
	long := strings.Repeat("ñ", 600)
	got := truncateRunes(long, 500)
	if n := len([]rune(got)); n != 500 {
		t.Errorf("rune length = %d, want 500", n)
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncated text should end with ...")
	}
	if truncateRunes("short", 500) != "short" {
		t.Error("short text changed")
	}
}
