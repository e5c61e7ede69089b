// Package speech speaks translated text through a local TTS command.
package speech

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/live-translator/internal/lang"
)

// ErrSynthesis wraps every synthesis failure. Failures are logged only.
var ErrSynthesis = errors.New("speech synthesis failed")

// baseWPM is espeak-ng's default speaking rate.
const baseWPM = 175

// Options configure a CommandSynth.
type Options struct {
	Command string  // espeak-ng compatible binary
	Rate    float64 // 1.0 = normal speed
	Volume  float64 // 0..1
	Log     zerolog.Logger

	// OnError is called for every failed utterance.
	OnError func(err error)
}

// CommandSynth runs one TTS process at a time. A new utterance cancels the
// one in progress.
type CommandSynth struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a CommandSynth.
func New(opts Options) *CommandSynth {
	return &CommandSynth{
		opts: opts,
		log:  opts.Log.With().Str("component", "speech").Logger(),
	}
}

// Available reports whether the TTS command is in PATH.
func (s *CommandSynth) Available() bool {
	_, err := exec.LookPath(s.opts.Command)
	return err == nil
}

// Speak starts speaking text and returns immediately.
func (s *CommandSynth) Speak(text, tag string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.run(ctx, text, tag); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Str("lang", tag).Msg("speech failed")
			if s.opts.OnError != nil {
				s.opts.OnError(err)
			}
		}
	}()
}

// Stop cancels the current utterance.
func (s *CommandSynth) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

// Wait blocks until every started utterance has ended.
func (s *CommandSynth) Wait() { s.wg.Wait() }

func (s *CommandSynth) run(ctx context.Context, text, tag string) error {
	regional := strings.ToLower(lang.Regional(tag))
	err := s.exec(ctx, regional, text)
	if err == nil || ctx.Err() != nil {
		return err
	}
	// espeak-ng has no voice for many regional variants; retry with the
	// base language.
	if base := lang.Normalize(tag); base != "" && base != lang.Auto && base != regional {
		if err2 := s.exec(ctx, base, text); err2 == nil {
			return nil
		}
	}
	return err
}

func (s *CommandSynth) exec(ctx context.Context, voice, text string) error {
	wpm := int(math.Round(baseWPM * s.opts.Rate))
	amp := int(math.Round(100 * s.opts.Volume))
	cmd := exec.CommandContext(ctx, s.opts.Command,
		"-v", voice,
		"-s", strconv.Itoa(wpm),
		"-a", strconv.Itoa(amp),
		"--", text,
	)
	cmd.WaitDelay = time.Second
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s -v %s: %v: %s", ErrSynthesis, s.opts.Command, voice, err, strings.TrimSpace(string(out)))
	}
	return nil
}
