package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/live-translator/internal/audio"
	"github.com/snarg/live-translator/internal/chain"
	"github.com/snarg/live-translator/internal/lang"
)

// Tier is one acceleration level of the local engine, tried in order.
type Tier struct {
	Name string
	URL  string
}

// LocalOptions configures the local inference backend.
type LocalOptions struct {
	Tiers                  []Tier
	Model                  string
	ModelURL               string // downloaded into ModelDir before loading, if set
	ModelDir               string
	LoadTimeout            time.Duration
	RequestTimeout         time.Duration
	QueueSize              int
	MaxConsecutiveFailures int

	// Language returns the session source language ("auto" to detect).
	Language func() string

	// Observe, if set, receives the engine time of every answered request.
	Observe func(tier string, elapsed time.Duration)

	Log zerolog.Logger
}

// LocalBackend transcribes whole segments on a local whisper engine.
type LocalBackend struct {
	opts LocalOptions
	out  chan<- Event
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	client   *WhisperClient
	tier     string
	pool     *WorkerPool
	lastPct  int
	failures atomic.Int32
	dead     atomic.Bool
}

// NewLocalBackend creates an unloaded backend publishing to out.
func NewLocalBackend(opts LocalOptions, out chan<- Event) *LocalBackend {
	if opts.MaxConsecutiveFailures < 1 {
		opts.MaxConsecutiveFailures = 1
	}
	if opts.Language == nil {
		opts.Language = func() string { return lang.Auto }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalBackend{
		opts:    opts,
		out:     out,
		log:     opts.Log.With().Str("component", "local-backend").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		lastPct: -1,
	}
}

func (b *LocalBackend) Kind() Kind { return Local }

// Tier returns the name of the acceleration tier that loaded, if any.
func (b *LocalBackend) Tier() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tier
}

// Load prepares the engine once. It publishes progress events and fails
// with ErrUnavailable on timeout or when no tier can serve.
func (b *LocalBackend) Load(ctx context.Context) error {
	if b.opts.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.LoadTimeout)
		defer cancel()
	}

	start := time.Now()
	b.progress(PhaseDownloading, 0)

	var modelPath string
	if b.opts.ModelURL != "" {
		p, err := DownloadModel(ctx, b.opts.ModelURL, b.opts.ModelDir, func(f float64) {
			b.progress(PhaseDownloading, 15+int(f*70))
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		modelPath = p
	}

	b.progress(PhaseLoading, 90)

	attempts := make([]chain.Attempt[*WhisperClient], 0, len(b.opts.Tiers))
	for _, tier := range b.opts.Tiers {
		if tier.URL == "" {
			continue
		}
		url := tier.URL
		attempts = append(attempts, chain.Attempt[*WhisperClient]{
			Name: tier.Name,
			Run: func(ctx context.Context) (*WhisperClient, error) {
				return b.warmUp(ctx, url, modelPath)
			},
		})
	}

	client, tier, err := chain.First(ctx, attempts, chain.Options[*WhisperClient]{
		OnFailure: func(name string, err error) {
			b.log.Warn().Err(err).Str("tier", name).Msg("acceleration tier failed")
		},
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: load timed out after %s", ErrUnavailable, b.opts.LoadTimeout)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	b.progress(PhaseReady, 95)

	pool := NewWorkerPool(WorkerPoolOptions{
		Workers:   1,
		QueueSize: b.opts.QueueSize,
		Process:   b.process,
		Log:       b.log,
	})
	pool.Start()

	b.mu.Lock()
	b.client = client
	b.tier = tier
	b.pool = pool
	b.mu.Unlock()

	b.progress(PhaseDone, 100)
	b.log.Info().
		Str("tier", tier).
		Str("model", b.opts.Model).
		Dur("elapsed", time.Since(start)).
		Msg("local engine ready")
	return nil
}

func (b *LocalBackend) warmUp(ctx context.Context, url, modelPath string) (*WhisperClient, error) {
	c := NewWhisperClient(url, b.opts.Model, b.opts.RequestTimeout)
	if modelPath != "" {
		if err := c.LoadModel(ctx, modelPath); err != nil {
			return nil, err
		}
	}
	silence, err := audio.EncodeWAV(make([]float32, minEngineSamples), EngineSampleRate)
	if err != nil {
		return nil, err
	}
	if _, err := c.Transcribe(ctx, silence, TranscribeOpts{}); err != nil {
		return nil, err
	}
	return c, nil
}

// progress publishes a load progress event. Progress is advisory, so it is
// dropped rather than blocking the load when nobody is listening.
func (b *LocalBackend) progress(phase string, pct int) {
	b.mu.Lock()
	if pct == b.lastPct {
		b.mu.Unlock()
		return
	}
	b.lastPct = pct
	b.mu.Unlock()

	select {
	case b.out <- Event{Type: EventProgress, Backend: Local, Progress: Progress{Phase: phase, Percent: pct}}:
	default:
	}
}

// Submit queues a segment. It returns false before Load succeeds, after the
// backend became unavailable, or after Close.
func (b *LocalBackend) Submit(ctx context.Context, seg audio.Segment) bool {
	if b.dead.Load() {
		return false
	}
	b.mu.Lock()
	pool := b.pool
	b.mu.Unlock()
	if pool == nil {
		return false
	}
	return pool.Enqueue(Job{Ctx: ctx, Segment: seg})
}

// Stats returns the queue statistics, zero before Load.
func (b *LocalBackend) Stats() QueueStats {
	b.mu.Lock()
	pool := b.pool
	b.mu.Unlock()
	if pool == nil {
		return QueueStats{}
	}
	return pool.Stats()
}

// Transcribe runs one segment synchronously.
func (b *LocalBackend) Transcribe(ctx context.Context, seg audio.Segment) (Transcript, error) {
	b.mu.Lock()
	client, tier := b.client, b.tier
	b.mu.Unlock()
	if client == nil || b.dead.Load() {
		return Transcript{}, ErrUnavailable
	}

	wav, err := PreprocessWAV(seg)
	if err != nil {
		return Transcript{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	source := lang.Normalize(b.opts.Language())
	start := time.Now()
	resp, err := client.Transcribe(ctx, wav, TranscribeOpts{Temperature: 0, Language: source})
	if err != nil {
		if ctx.Err() != nil {
			return Transcript{}, ctx.Err()
		}
		if isServerFault(err) {
			n := int(b.failures.Add(1))
			if n >= b.opts.MaxConsecutiveFailures {
				b.dead.Store(true)
				return Transcript{}, fmt.Errorf("%w: %d consecutive engine failures: %v", ErrUnavailable, n, err)
			}
		}
		return Transcript{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b.failures.Store(0)
	if b.opts.Observe != nil {
		b.opts.Observe(tier, time.Since(start))
	}

	tr := Transcript{
		Text:    strings.TrimSpace(resp.Text),
		Backend: Local,
		Seq:     seg.Seq,
		Segment: &seg,
	}
	if source == lang.Auto || source == "" {
		tr.Language = lang.Normalize(resp.Language)
	}
	return tr, nil
}

// process is the worker callback.
func (b *LocalBackend) process(ctx context.Context, seg audio.Segment) error {
	tr, err := b.Transcribe(ctx, seg)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		emit(b.ctx, b.out, Event{Type: EventFailure, Backend: Local, Err: err, Transcript: Transcript{Seq: seg.Seq, Backend: Local}})
		return err
	}
	// Empty finals are published too; the validator drops them.
	emit(b.ctx, b.out, Event{Type: EventFinal, Backend: Local, Transcript: tr})
	return nil
}

// Close stops the worker and cancels in-flight transcription.
func (b *LocalBackend) Close() error {
	b.cancel()
	b.mu.Lock()
	pool := b.pool
	b.pool = nil
	b.mu.Unlock()
	if pool != nil {
		pool.Stop()
	}
	return nil
}
