// Package pipeline wires capture, transcription, validation, translation
// and the output sinks into one running session.
package pipeline

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
	"github.com/snarg/live-translator/internal/capture"
	"github.com/snarg/live-translator/internal/events"
	"github.com/snarg/live-translator/internal/history"
	"github.com/snarg/live-translator/internal/metrics"
	"github.com/snarg/live-translator/internal/session"
	"github.com/snarg/live-translator/internal/storage"
	"github.com/snarg/live-translator/internal/transcribe"
	"github.com/snarg/live-translator/internal/translate"
	"github.com/snarg/live-translator/internal/validate"
)

// Speaker is the optional speech output sink.
type Speaker interface {
	Speak(text, tag string)
	Stop()
}

// Options configure a Pipeline. Speaker and Archiver may be nil.
type Options struct {
	Session     *session.Manager
	Device      audio.Device
	Constraints audio.Constraints

	// SegmentDuration is the window handed to the local engine;
	// FallbackChunk is the streaming chunk size for the recognizer.
	SegmentDuration time.Duration
	FallbackChunk   time.Duration

	Switch    *transcribe.Switch
	Validator *validate.Validator
	Resolver  *translate.Resolver
	History   history.Store
	Speaker   Speaker
	Archiver  *storage.Archiver
	Bus       *events.Bus

	AutoSpeak bool
	Log       zerolog.Logger
}

// Pipeline owns one session's capture loop and the consumers of its
// backend events.
type Pipeline struct {
	opts      Options
	sess      *session.Manager
	scheduler *capture.Scheduler
	sw        *transcribe.Switch
	log       zerolog.Logger

	autoSpeak atomic.Bool
	finals    chan transcribe.Transcript

	listenMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pipeline. Call Start to run its consumers.
func New(opts Options) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		opts:   opts,
		sess:   opts.Session,
		sw:     opts.Switch,
		log:    opts.Log.With().Str("component", "pipeline").Logger(),
		finals: make(chan transcribe.Transcript, 32),
		ctx:    ctx,
		cancel: cancel,
	}
	p.autoSpeak.Store(opts.AutoSpeak)
	p.scheduler = capture.NewScheduler(opts.Device, opts.Constraints, opts.SegmentDuration,
		opts.Session, p.HandleSegment, p.captureFailed, opts.Log)
	return p
}

// Start runs the event and finals consumers. It must be called before
// SelectBackend so that load progress is observed.
func (p *Pipeline) Start() {
	p.wg.Add(2)
	go p.eventLoop()
	go p.finalsLoop()
	p.log.Info().Msg("pipeline started")
}

// Stop halts capture, drains the consumers and releases the backends.
func (p *Pipeline) Stop() {
	p.StopListening()
	p.cancel()
	p.wg.Wait()
	p.sw.Close()
	if p.opts.Speaker != nil {
		p.opts.Speaker.Stop()
	}
	p.log.Info().Msg("pipeline stopped")
}

// SelectBackend loads the local engine or settles on the fallback
// recognizer. It runs once per pipeline.
func (p *Pipeline) SelectBackend(ctx context.Context) (transcribe.Kind, error) {
	kind, loadErr, err := p.sw.Select(ctx)
	if err != nil {
		p.publishError(err)
		return "", err
	}
	if kind == transcribe.Fallback {
		p.scheduler.SetSegmentDuration(p.opts.FallbackChunk)
	}
	p.publish(events.TypeBackend, BackendEvent{Backend: string(kind), Reason: errString(loadErr)})
	p.log.Info().Str("backend", string(kind)).Msg("transcriber backend selected")
	return kind, nil
}

// StartListening starts the active backend and the capture loop.
func (p *Pipeline) StartListening() error {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	if p.scheduler.Running() {
		return nil
	}
	if err := p.sw.Start(p.ctx); err != nil {
		p.publishError(err)
		return err
	}
	if err := p.scheduler.Start(p.ctx); err != nil {
		p.sw.Stop()
		p.publishError(err)
		return err
	}
	p.publishStatus()
	return nil
}

// StopListening halts capture synchronously. Transcripts that arrive
// afterwards are ignored; a translation already under way still completes.
func (p *Pipeline) StopListening() {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	if !p.scheduler.Running() {
		return
	}
	p.scheduler.Stop()
	p.sw.Stop()
	p.publishStatus()
}

// Listening reports whether segments are being scheduled.
func (p *Pipeline) Listening() bool { return p.sess.Listening() }

// ActiveBackend returns the selected backend kind.
func (p *Pipeline) ActiveBackend() string { return string(p.sw.Active()) }

// QueuePending returns how many segments wait for the local engine.
func (p *Pipeline) QueuePending() int64 { return int64(p.sw.Stats().Pending) }

// SSESubscriberCount satisfies metrics.PipelineStats.
func (p *Pipeline) SSESubscriberCount() int { return p.opts.Bus.SubscriberCount() }

// AutoSpeak reports whether translations are spoken.
func (p *Pipeline) AutoSpeak() bool { return p.autoSpeak.Load() }

// SetAutoSpeak toggles speech output.
func (p *Pipeline) SetAutoSpeak(v bool) {
	p.autoSpeak.Store(v)
	if !v && p.opts.Speaker != nil {
		p.opts.Speaker.Stop()
	}
}

// SetSourceLanguage changes the source language. A running fallback
// recognizer reconnects so it listens for the new language.
func (p *Pipeline) SetSourceLanguage(tag string) error {
	if err := p.sess.SetSource(tag); err != nil {
		return err
	}
	p.listenMu.Lock()
	if p.scheduler.Running() && p.sw.Active() == transcribe.Fallback {
		p.sw.Stop()
		if err := p.sw.Start(p.ctx); err != nil {
			p.listenMu.Unlock()
			p.fatal(err)
			return nil
		}
	}
	p.listenMu.Unlock()
	p.publishStatus()
	return nil
}

// SetTargetLanguage changes the target language.
func (p *Pipeline) SetTargetLanguage(tag string) error {
	if err := p.sess.SetTarget(tag); err != nil {
		return err
	}
	p.publishStatus()
	return nil
}

// Status is the externally visible pipeline state.
type Status struct {
	session.Snapshot
	Backend   string                `json:"backend"`
	AutoSpeak bool                  `json:"auto_speak"`
	Queue     transcribe.QueueStats `json:"queue"`
}

func (p *Pipeline) Status() Status {
	return Status{
		Snapshot:  p.sess.Snapshot(),
		Backend:   string(p.sw.Active()),
		AutoSpeak: p.AutoSpeak(),
		Queue:     p.sw.Stats(),
	}
}

// Translate runs text through the resolver with the session languages,
// outside the capture loop.
func (p *Pipeline) Translate(ctx context.Context, text string) translate.Outcome {
	snap := p.sess.Snapshot()
	return p.opts.Resolver.Translate(ctx, text, snap.SourceLanguage, snap.TargetLanguage)
}

// HandleSegment is the capture handler. It never blocks.
func (p *Pipeline) HandleSegment(ctx context.Context, seg audio.Segment) {
	kind := p.sw.Active()
	metrics.SegmentsTotal.WithLabelValues(string(kind)).Inc()

	if kind == transcribe.Local {
		if err := p.opts.Validator.CheckSignal(seg); err != nil {
			p.reject(err, seg.Seq, "")
			return
		}
	}
	if !p.sw.Submit(ctx, seg) {
		p.log.Debug().Uint64("seq", seg.Seq).Str("backend", string(kind)).Msg("segment not accepted by backend")
		return
	}
	if kind == transcribe.Local {
		p.sess.SetSegmentInFlight(true)
	}
}

// captureFailed runs when the device stops on its own. The scheduler has
// already cleared the listening flag.
func (p *Pipeline) captureFailed(err error) {
	p.log.Error().Err(err).Msg("capture device failed, session stopped")
	p.sw.Stop()
	p.publishError(err)
	p.publishStatus()
}

// fatal stops the session after a failure the pipeline cannot recover from.
func (p *Pipeline) fatal(err error) {
	p.log.Error().Err(err).Msg("stopping session")
	p.StopListening()
	p.publishError(err)
}

func (p *Pipeline) eventLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.sw.Events():
			p.handleEvent(ev)
		}
	}
}

func (p *Pipeline) handleEvent(ev transcribe.Event) {
	switch ev.Type {
	case transcribe.EventProgress:
		p.publish(events.TypeLoadProgress, ev.Progress)

	case transcribe.EventInterim:
		if p.sess.Listening() {
			p.publish(events.TypeTranscriptInterim, transcriptEvent(ev.Transcript))
		}

	case transcribe.EventFinal:
		if ev.Backend == transcribe.Local {
			p.sess.SetSegmentInFlight(false)
		}
		if ev.Transcript.Language != "" {
			p.sess.RecordDetected(ev.Transcript.Language)
		}
		metrics.TranscriptsTotal.WithLabelValues(string(ev.Backend)).Inc()
		select {
		case p.finals <- ev.Transcript:
		case <-p.ctx.Done():
		}

	case transcribe.EventFailure:
		if ev.Backend == transcribe.Local {
			p.sess.SetSegmentInFlight(false)
		}
		p.handleFailure(ev)
	}
}

func (p *Pipeline) handleFailure(ev transcribe.Event) {
	switch {
	case ev.Backend == transcribe.Local && errors.Is(ev.Err, transcribe.ErrUnavailable):
		p.demote(ev.Err)
	case errors.Is(ev.Err, transcribe.ErrDecode):
		p.reject(ev.Err, ev.Transcript.Seq, "")
	case ev.Backend == transcribe.Fallback:
		p.fatal(ev.Err)
	default:
		p.log.Warn().Err(ev.Err).Str("backend", string(ev.Backend)).Msg("backend failure")
	}
}

// demote moves the session to the fallback recognizer for good. A session
// that was listening keeps listening on the new backend.
func (p *Pipeline) demote(reason error) {
	if p.sw.Active() == transcribe.Fallback {
		// late failure from the retired engine
		return
	}
	if !p.sw.Demote(reason) {
		p.fatal(reason)
		return
	}
	metrics.BackendSwitchesTotal.Inc()
	p.scheduler.SetSegmentDuration(p.opts.FallbackChunk)
	p.publish(events.TypeBackend, BackendEvent{Backend: string(transcribe.Fallback), Reason: reason.Error()})

	p.listenMu.Lock()
	running := p.scheduler.Running()
	var err error
	if running {
		err = p.sw.Start(p.ctx)
	}
	p.listenMu.Unlock()
	if err != nil {
		p.fatal(err)
	}
}

func (p *Pipeline) finalsLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case tr := <-p.finals:
			p.processFinal(p.ctx, tr)
		}
	}
}

// processFinal validates, translates and records one transcript.
func (p *Pipeline) processFinal(ctx context.Context, tr transcribe.Transcript) {
	if !p.sess.Listening() {
		p.log.Debug().Uint64("seq", tr.Seq).Msg("transcript after stop ignored")
		return
	}
	text := strings.TrimSpace(tr.Text)
	if err := p.opts.Validator.Check(text); err != nil {
		metrics.RejectsTotal.WithLabelValues(Classify(err)).Inc()
		p.log.Debug().Err(err).Uint64("seq", tr.Seq).Msg("transcript rejected")
		return
	}
	p.publish(events.TypeTranscript, transcriptEvent(tr))

	snap := p.sess.Snapshot()
	out := p.opts.Resolver.Translate(ctx, text, snap.SourceLanguage, snap.TargetLanguage)
	if ctx.Err() != nil {
		return
	}
	metrics.TranslationsTotal.WithLabelValues(out.Provider).Inc()

	entry := history.Entry{
		Original:    text,
		Translation: out.Text,
		Provider:    out.Provider,
		Source:      out.Source,
		Target:      out.Target,
		Backend:     string(tr.Backend),
	}
	if p.opts.Archiver != nil && tr.Segment != nil {
		key, err := p.opts.Archiver.Archive(ctx, *tr.Segment)
		if err != nil {
			p.log.Warn().Err(err).Uint64("seq", tr.Seq).Msg("segment archive failed")
		}
		entry.AudioKey = key
	}
	saved, err := p.opts.History.Append(ctx, entry)
	if err != nil {
		p.log.Warn().Err(err).Msg("history append failed")
		saved = entry
	}

	p.publish(events.TypeTranslation, TranslationEvent{Entry: saved, Exhausted: out.Exhausted, Cached: out.Cached})

	if p.AutoSpeak() && p.opts.Speaker != nil && !out.Exhausted {
		p.opts.Speaker.Speak(out.Text, out.Target)
	}

	p.log.Info().
		Uint64("seq", tr.Seq).
		Str("backend", string(tr.Backend)).
		Str("provider", out.Provider).
		Str("source", out.Source).
		Str("target", out.Target).
		Msg("translated")
}

func (p *Pipeline) reject(err error, seq uint64, text string) {
	kind := Classify(err)
	metrics.RejectsTotal.WithLabelValues(kind).Inc()
	p.log.Debug().Err(err).Uint64("seq", seq).Msg("segment rejected")
	p.publish(events.TypeReject, RejectEvent{Kind: kind, Reason: err.Error(), Seq: seq, Text: text})
}

func (p *Pipeline) publishStatus() {
	p.publish(events.TypeStatus, p.Status())
}

func (p *Pipeline) publishError(err error) {
	p.publish(events.TypeError, ErrorEvent{Kind: Classify(err), Message: err.Error()})
}

func (p *Pipeline) publish(typ string, payload any) {
	if p.opts.Bus == nil {
		return
	}
	p.opts.Bus.Publish(typ, payload)
	metrics.SSEEventsPublishedTotal.Inc()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
