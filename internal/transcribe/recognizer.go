package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/live-translator/internal/audio"
	"github.com/snarg/live-translator/internal/lang"
)

// RecognizerOptions configures the streaming fallback recognizer.
type RecognizerOptions struct {
	URL          string
	SampleRate   int
	RestartDelay time.Duration
	MaxRestarts  int // 0 = unlimited

	// Language returns the language the recognizer is asked to hear.
	Language func() string

	Dialer *websocket.Dialer
	Log    zerolog.Logger
}

// voskResult is one message from a Vosk-protocol server.
type voskResult struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
	Error   string `json:"error"`
}

// Recognizer streams audio to a Vosk-protocol websocket server and publishes
// interim and final results. The connection is re-established after a short
// delay whenever it ends while listening.
type Recognizer struct {
	opts   RecognizerOptions
	out    chan<- Event
	log    zerolog.Logger
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	conn     *recognizerConn
	restarts int
}

type recognizerConn struct {
	ws     *websocket.Conn
	frames chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRecognizer creates a stopped recognizer publishing to out.
func NewRecognizer(opts RecognizerOptions, out chan<- Event) *Recognizer {
	if opts.SampleRate <= 0 {
		opts.SampleRate = EngineSampleRate
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recognizer{
		opts:   opts,
		out:    out,
		log:    opts.Log.With().Str("component", "recognizer").Logger(),
		dialer: dialer,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Recognizer) Kind() Kind { return Fallback }

// Start connects and begins streaming. Calling Start while running is a
// no-op.
func (r *Recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	c, err := r.dial(ctx)
	if err != nil {
		return err
	}
	r.running = true
	r.restarts = 0
	r.conn = c
	go r.serve(c)
	r.log.Info().Str("url", r.opts.URL).Msg("recognizer started")
	return nil
}

// Stop disconnects. Results still in flight are discarded.
func (r *Recognizer) Stop() {
	r.mu.Lock()
	r.running = false
	c := r.conn
	r.conn = nil
	r.mu.Unlock()
	if c != nil {
		c.cancel()
	}
}

// Running reports whether the recognizer is streaming.
func (r *Recognizer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Submit streams one chunk of audio. It never blocks; the chunk is dropped
// when the connection is down or backed up.
func (r *Recognizer) Submit(_ context.Context, seg audio.Segment) bool {
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c == nil {
		return false
	}
	frame := audio.PCM16(audio.Resample(seg.Mono(), seg.SampleRate, r.opts.SampleRate))
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

// Close stops the recognizer for good.
func (r *Recognizer) Close() error {
	r.Stop()
	r.cancel()
	return nil
}

func (r *Recognizer) endpoint() string {
	if r.opts.Language == nil {
		return r.opts.URL
	}
	u, err := url.Parse(r.opts.URL)
	if err != nil {
		return r.opts.URL
	}
	q := u.Query()
	q.Set("lang", lang.Regional(r.opts.Language()))
	u.RawQuery = q.Encode()
	return u.String()
}

func (r *Recognizer) dial(ctx context.Context) (*recognizerConn, error) {
	ws, resp, err := r.dialer.DialContext(ctx, r.endpoint(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrNotAllowed, resp.Status)
		}
		return nil, fmt.Errorf("%w: connecting to recognizer: %v", ErrUnavailable, err)
	}

	cfg := map[string]any{"config": map[string]any{"sample_rate": r.opts.SampleRate}}
	if err := ws.WriteJSON(cfg); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: sending recognizer config: %v", ErrUnavailable, err)
	}

	cctx, cancel := context.WithCancel(r.ctx)
	c := &recognizerConn{
		ws:     ws,
		frames: make(chan []byte, 64),
		ctx:    cctx,
		cancel: cancel,
	}
	go r.writeLoop(c)
	return c, nil
}

// writeLoop is the only writer on the connection.
func (r *Recognizer) writeLoop(c *recognizerConn) {
	for {
		select {
		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			c.ws.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`))
			c.ws.Close()
			return
		case f := <-c.frames:
			c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, f); err != nil {
				r.log.Debug().Err(err).Msg("recognizer write failed")
				c.ws.Close()
				return
			}
		}
	}
}

func (r *Recognizer) serve(c *recognizerConn) {
	err := r.readLoop(c)
	c.cancel()

	r.mu.Lock()
	if !r.running || r.conn != c {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.mu.Unlock()

	if errors.Is(err, ErrNotAllowed) {
		r.fail(err)
		return
	}
	r.log.Debug().Err(err).Msg("recognizer ended, restarting")
	r.restart()
}

func (r *Recognizer) readLoop(c *recognizerConn) error {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		var res voskResult
		if err := json.Unmarshal(msg, &res); err != nil {
			r.log.Warn().Err(err).Msg("failed to parse recognizer result")
			continue
		}

		r.mu.Lock()
		r.restarts = 0
		r.mu.Unlock()

		switch res.Error {
		case "":
		case "no-speech", "aborted":
			continue
		case "not-allowed", "service-not-allowed":
			return fmt.Errorf("%w: %s", ErrNotAllowed, res.Error)
		default:
			r.log.Warn().Str("error", res.Error).Msg("recognizer reported error")
			continue
		}

		if p := strings.TrimSpace(res.Partial); p != "" {
			select {
			case r.out <- Event{Type: EventInterim, Backend: Fallback, Transcript: Transcript{Text: p, Backend: Fallback}}:
			default:
			}
		}
		if t := strings.TrimSpace(res.Text); t != "" {
			// The recognizer is told which language to hear and never
			// reports one, so Language stays empty.
			tr := Transcript{Text: t, Backend: Fallback}
			emit(r.ctx, r.out, Event{Type: EventFinal, Backend: Fallback, Transcript: tr})
		}
	}
}

func (r *Recognizer) restart() {
	select {
	case <-time.After(r.opts.RestartDelay):
	case <-r.ctx.Done():
		return
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.restarts++
	n := r.restarts
	r.mu.Unlock()

	if r.opts.MaxRestarts > 0 && n > r.opts.MaxRestarts {
		r.fail(fmt.Errorf("%w: recognizer ended %d times in a row", ErrUnavailable, n))
		return
	}

	c, err := r.dial(r.ctx)
	if err != nil {
		r.fail(err)
		return
	}

	r.mu.Lock()
	if !r.running || r.conn != nil {
		r.mu.Unlock()
		c.cancel()
		return
	}
	r.conn = c
	r.mu.Unlock()
	go r.serve(c)
}

// fail stops the recognizer and publishes the reason.
func (r *Recognizer) fail(err error) {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.Error().Err(err).Msg("recognizer stopped")
	emit(r.ctx, r.out, Event{Type: EventFailure, Backend: Fallback, Err: err})
}
