// Package translate resolves text into the target language through an
// ordered list of providers, passing the text through unchanged when no
// provider produces a usable result.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/live-translator/internal/chain"
	"github.com/snarg/live-translator/internal/lang"
)

// Passthrough names outcomes that carry the input text unchanged.
const Passthrough = "passthrough"

// Rejected results. A provider returning one of these is treated as failed.
var (
	ErrEmptyResult = errors.New("empty translation")
	ErrUnchanged   = errors.New("translation equals input")
	ErrMarker      = errors.New("translation contains provider marker")
)

// failureMarkers are rejected from every provider.
var failureMarkers = []string{"[Translation failed]"}

// Request is what a provider receives.
type Request struct {
	Text       string
	Source     string // concrete base language, never auto
	Target     string
	Credential string
}

// Provider is one translation service.
type Provider interface {
	Name() string
	RequiresCredential() bool
	// Markers are warning strings this provider embeds in otherwise
	// successful responses.
	Markers() []string
	Translate(ctx context.Context, req Request) (string, error)
}

// Credentials supplies provider credentials by provider name.
type Credentials interface {
	Credential(provider string) string
}

// Cache stores accepted translations.
type Cache interface {
	Get(ctx context.Context, key string) (Outcome, bool)
	Set(ctx context.Context, key string, o Outcome)
}

// Outcome is the terminal result of a translation.
type Outcome struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	Cached   bool   `json:"cached,omitempty"`

	// Exhausted is set on a passthrough produced because every provider
	// failed, as opposed to source and target being the same language.
	Exhausted bool `json:"exhausted,omitempty"`
}

// IsPassthrough reports whether the outcome carries the input unchanged.
func (o Outcome) IsPassthrough() bool { return o.Provider == Passthrough }

// ProviderError is returned for a non-2xx provider response.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.Status, e.Body)
}

// Options configure a Resolver.
type Options struct {
	Providers   []Provider
	Credentials Credentials
	Cache       Cache

	// Timeout bounds each provider call independently.
	Timeout time.Duration

	// Detected returns the last detected source language, used when the
	// source is auto.
	Detected      func() string
	DefaultSource string

	// OnResult is called once per provider attempt; err is nil on success.
	OnResult func(provider string, err error)

	Log zerolog.Logger
}

// Resolver runs the provider chain.
type Resolver struct {
	opts Options
	log  zerolog.Logger
}

// NewResolver creates a Resolver. Providers are tried in the given order.
func NewResolver(opts Options) *Resolver {
	if opts.Detected == nil {
		opts.Detected = func() string { return "" }
	}
	if opts.DefaultSource == "" {
		opts.DefaultSource = "en"
	}
	return &Resolver{
		opts: opts,
		log:  opts.Log.With().Str("component", "translate").Logger(),
	}
}

// Providers returns the provider names in priority order.
func (r *Resolver) Providers() []string {
	names := make([]string, len(r.opts.Providers))
	for i, p := range r.opts.Providers {
		names[i] = p.Name()
	}
	return names
}

// Translate never fails: every provider error is absorbed and the worst case
// is a passthrough outcome.
func (r *Resolver) Translate(ctx context.Context, text, source, target string) Outcome {
	src := lang.Resolve(source, r.opts.Detected(), r.opts.DefaultSource)
	tgt := lang.Normalize(target)
	out := Outcome{Text: text, Provider: Passthrough, Source: src, Target: tgt}

	if strings.TrimSpace(text) == "" || lang.Equal(src, tgt) {
		return out
	}

	key := cacheKey(src, tgt, text)
	if r.opts.Cache != nil {
		if hit, ok := r.opts.Cache.Get(ctx, key); ok {
			hit.Cached = true
			return hit
		}
	}

	byName := make(map[string]Provider, len(r.opts.Providers))
	attempts := make([]chain.Attempt[string], 0, len(r.opts.Providers))
	for _, p := range r.opts.Providers {
		p := p
		byName[p.Name()] = p
		attempts = append(attempts, chain.Attempt[string]{
			Name: p.Name(),
			Run: func(ctx context.Context) (string, error) {
				req := Request{Text: text, Source: src, Target: tgt}
				if p.RequiresCredential() {
					req.Credential = r.credential(p.Name())
					if req.Credential == "" {
						return "", chain.ErrSkip
					}
				}
				return p.Translate(ctx, req)
			},
		})
	}

	result, name, err := chain.First(ctx, attempts, chain.Options[string]{
		Timeout: r.opts.Timeout,
		Accept: func(name string, v string) error {
			return accept(byName[name], text, v)
		},
		OnFailure: func(name string, err error) {
			if errors.Is(err, chain.ErrSkip) {
				r.log.Debug().Str("provider", name).Msg("provider skipped, no credential")
				return
			}
			r.log.Warn().Err(err).Str("provider", name).Msg("translation provider failed")
			if r.opts.OnResult != nil {
				r.opts.OnResult(name, err)
			}
		},
	})
	if err != nil {
		out.Exhausted = true
		return out
	}
	if r.opts.OnResult != nil {
		r.opts.OnResult(name, nil)
	}

	out.Text = strings.TrimSpace(result)
	out.Provider = name
	if r.opts.Cache != nil {
		r.opts.Cache.Set(ctx, key, out)
	}
	return out
}

func (r *Resolver) credential(provider string) string {
	if r.opts.Credentials == nil {
		return ""
	}
	return r.opts.Credentials.Credential(provider)
}

func accept(p Provider, input, output string) error {
	t := strings.TrimSpace(output)
	if t == "" {
		return ErrEmptyResult
	}
	if strings.EqualFold(t, strings.TrimSpace(input)) {
		return ErrUnchanged
	}
	upper := strings.ToUpper(t)
	markers := failureMarkers
	if p != nil {
		markers = append(append([]string(nil), failureMarkers...), p.Markers()...)
	}
	for _, m := range markers {
		if strings.Contains(upper, strings.ToUpper(m)) {
			return fmt.Errorf("%w: %q", ErrMarker, m)
		}
	}
	return nil
}

func cacheKey(src, tgt, text string) string {
	return src + ":" + tgt + ":" + strings.TrimSpace(text)
}

// doJSON sends req and decodes a JSON response into out.
func doJSON(client *http.Client, provider string, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProviderError{Provider: provider, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", provider, err)
	}
	return nil
}
