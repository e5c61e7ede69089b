package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/live-translator/internal/audio"
	"github.com/snarg/live-translator/internal/chain"
)

// Switch holds the session's backend. It starts on Local when the engine
// loads and moves to Fallback at most once.
type Switch struct {
	local    *LocalBackend
	fallback *Recognizer
	events   chan Event
	log      zerolog.Logger

	mu       sync.Mutex
	active   Kind
	selected bool
}

// NewSwitch wires both variants to one event channel. local may be nil when
// the engine is disabled.
func NewSwitch(local *LocalBackend, fallback *Recognizer, events chan Event, log zerolog.Logger) *Switch {
	return &Switch{
		local:    local,
		fallback: fallback,
		events:   events,
		log:      log.With().Str("component", "backend-switch").Logger(),
		active:   Fallback,
	}
}

// Events is the channel both variants publish on.
func (s *Switch) Events() <-chan Event { return s.events }

// Select loads the local engine and falls back to the recognizer when it
// cannot be loaded. It runs once; later calls return the current choice.
// loadErr is the reason the local engine was passed over, if it was.
func (s *Switch) Select(ctx context.Context) (kind Kind, loadErr error, err error) {
	s.mu.Lock()
	if s.selected {
		k := s.active
		s.mu.Unlock()
		return k, nil, nil
	}
	s.mu.Unlock()

	attempts := []chain.Attempt[Kind]{
		{
			Name: string(Local),
			Run: func(ctx context.Context) (Kind, error) {
				if s.local == nil {
					return "", chain.ErrSkip
				}
				if err := s.local.Load(ctx); err != nil {
					return "", err
				}
				return Local, nil
			},
		},
		{
			Name: string(Fallback),
			Run: func(context.Context) (Kind, error) {
				if s.fallback == nil {
					return "", chain.ErrSkip
				}
				return Fallback, nil
			},
		},
	}

	k, _, err := chain.First(ctx, attempts, chain.Options[Kind]{
		OnFailure: func(name string, err error) {
			if name == string(Local) && !errors.Is(err, chain.ErrSkip) {
				loadErr = err
				s.log.Warn().Err(err).Msg("local engine unavailable, using fallback recognizer")
			}
		},
	})
	if err != nil {
		return "", loadErr, fmt.Errorf("%w: no transcriber backend: %v", ErrUnavailable, err)
	}

	s.mu.Lock()
	s.active = k
	s.selected = true
	s.mu.Unlock()

	if k == Fallback && s.local != nil {
		s.local.Close()
	}
	return k, loadErr, nil
}

// Active returns the current variant.
func (s *Switch) Active() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Demote permanently moves to the fallback recognizer. It returns false when
// already on Fallback or when no fallback exists.
func (s *Switch) Demote(reason error) bool {
	s.mu.Lock()
	if s.active == Fallback || s.fallback == nil {
		s.mu.Unlock()
		return false
	}
	s.active = Fallback
	s.mu.Unlock()

	s.log.Warn().Err(reason).Msg("demoting to fallback recognizer")
	if s.local != nil {
		go s.local.Close()
	}
	return true
}

// Start begins a listening run on the active variant. Only the streaming
// recognizer holds a connection between segments.
func (s *Switch) Start(ctx context.Context) error {
	if s.Active() == Fallback && s.fallback != nil {
		return s.fallback.Start(ctx)
	}
	return nil
}

// Stop ends the listening run.
func (s *Switch) Stop() {
	if s.fallback != nil {
		s.fallback.Stop()
	}
}

// Current returns the active variant, or nil when none is configured.
func (s *Switch) Current() Backend {
	if s.Active() == Local && s.local != nil {
		return s.local
	}
	if s.fallback != nil {
		return s.fallback
	}
	return nil
}

// Submit hands a segment to the active variant.
func (s *Switch) Submit(ctx context.Context, seg audio.Segment) bool {
	b := s.Current()
	if b == nil {
		return false
	}
	return b.Submit(ctx, seg)
}

// Stats returns local queue statistics.
func (s *Switch) Stats() QueueStats {
	if s.local == nil {
		return QueueStats{}
	}
	return s.local.Stats()
}

// Close releases both variants.
func (s *Switch) Close() error {
	var errs []error
	for _, b := range s.backends() {
		errs = append(errs, b.Close())
	}
	return errors.Join(errs...)
}

func (s *Switch) backends() []Backend {
	var out []Backend
	if s.local != nil {
		out = append(out, s.local)
	}
	if s.fallback != nil {
		out = append(out, s.fallback)
	}
	return out
}
