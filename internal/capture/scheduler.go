// Package capture cuts the continuous microphone stream into segments on a
// fixed cadence.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/live-translator/internal/audio"
	"github.com/snarg/live-translator/internal/session"
)

// ErrUnavailable means the capture device could not be opened or stopped
// delivering audio. It is fatal to the session.
var ErrUnavailable = errors.New("capture unavailable")

// Handler receives each closed segment. It runs on the scheduler goroutine
// and must hand the segment off without blocking.
type Handler func(ctx context.Context, seg audio.Segment)

// Scheduler owns the capture device while listening. Segments are cut from
// a continuously filling buffer, so the next segment is already recording
// when the previous one is handed off.
type Scheduler struct {
	dev         audio.Device
	constraints audio.Constraints
	sess        *session.Manager
	handler     Handler
	onFatal     func(error)
	log         zerolog.Logger

	mu       sync.Mutex
	duration time.Duration
	running  bool
	stream   audio.Stream
	cancel   context.CancelFunc
	done     chan struct{}
	retune   chan time.Duration
	seq      uint64
}

// NewScheduler creates a Scheduler. onFatal is called from its own
// goroutine when the device fails mid-session.
func NewScheduler(dev audio.Device, c audio.Constraints, duration time.Duration, sess *session.Manager, handler Handler, onFatal func(error), log zerolog.Logger) *Scheduler {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &Scheduler{
		dev:         dev,
		constraints: c,
		sess:        sess,
		handler:     handler,
		onFatal:     onFatal,
		duration:    duration,
		log:         log.With().Str("component", "capture").Logger(),
	}
}

// Start opens the device and begins scheduling. Calling Start while running
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	stream, err := s.dev.Open(s.constraints)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	genCtx, cancel := context.WithCancel(ctx)
	s.stream = stream
	s.cancel = cancel
	s.done = make(chan struct{})
	s.retune = make(chan time.Duration, 1)
	s.running = true
	s.sess.SetListening(true)

	go s.loop(genCtx, stream, s.duration, s.retune, s.done)

	s.log.Info().
		Dur("segment", s.duration).
		Int("sample_rate", s.constraints.SampleRate).
		Msg("capture started")
	return nil
}

// Stop halts the device and discards the partially recorded segment. When
// Stop returns, the handler will not be called again for this run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	done := s.release()
	s.mu.Unlock()

	<-done
	s.log.Info().Msg("capture stopped")
}

// release tears down the current run. Caller holds s.mu.
func (s *Scheduler) release() chan struct{} {
	s.cancel()
	if err := s.stream.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing capture stream")
	}
	s.running = false
	s.stream = nil
	s.sess.SetListening(false)
	return s.done
}

// Running reports whether the device is open.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SegmentDuration returns the current cadence.
func (s *Scheduler) SegmentDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// SetSegmentDuration changes the cadence. A running loop picks it up at its
// next boundary.
func (s *Scheduler) SetSegmentDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duration = d
	if s.running {
		select {
		case <-s.retune:
		default:
		}
		s.retune <- d
	}
}

func (s *Scheduler) loop(ctx context.Context, stream audio.Stream, d time.Duration, retune <-chan time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d)
	defer ticker.Stop()
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			return

		case nd := <-retune:
			ticker.Reset(nd)

		case <-stream.Done():
			if ctx.Err() != nil {
				return
			}
			s.deviceFailed(stream)
			return

		case now := <-ticker.C:
			samples := stream.Drain()
			if ctx.Err() != nil {
				return
			}
			if len(samples) == 0 {
				started = now
				continue
			}
			s.mu.Lock()
			s.seq++
			seq := s.seq
			s.mu.Unlock()

			s.handler(ctx, audio.Segment{
				Seq:        seq,
				Samples:    samples,
				SampleRate: s.constraints.SampleRate,
				Channels:   s.constraints.Channels,
				StartedAt:  started,
			})
			started = now
		}
	}
}

func (s *Scheduler) deviceFailed(stream audio.Stream) {
	cause := stream.Err()
	if cause == nil {
		cause = audio.ErrDeviceStopped
	}

	s.mu.Lock()
	if !s.running || s.stream != stream {
		s.mu.Unlock()
		return
	}
	s.cancel()
	_ = s.stream.Close()
	s.running = false
	s.stream = nil
	s.sess.SetListening(false)
	s.mu.Unlock()

	err := fmt.Errorf("%w: %v", ErrUnavailable, cause)
	s.log.Error().Err(err).Msg("capture device failed")
	go s.onFatal(err)
}
