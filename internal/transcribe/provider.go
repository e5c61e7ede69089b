package transcribe

import (
	"context"
	"errors"

	"github.com/snarg/live-translator/internal/audio"
)

var (
	// ErrUnavailable means the backend cannot serve this session. The
	// pipeline reacts by permanently switching to the fallback backend.
	ErrUnavailable = errors.New("transcriber unavailable")

	// ErrDecode means one segment could not be transcribed. The segment is
	// skipped and listening continues.
	ErrDecode = errors.New("segment decode error")

	// ErrNotAllowed means the recognizer was refused access to audio or the
	// service. It is fatal to the session.
	ErrNotAllowed = errors.New("recognizer not allowed")
)

// Kind tags which backend variant produced a result.
type Kind string

const (
	Local    Kind = "local"
	Fallback Kind = "fallback"
)

// Backend is the capability shared by both variants. Submit hands over one
// segment without blocking; results arrive as Events on the channel the
// backend was built with.
type Backend interface {
	Kind() Kind
	Submit(ctx context.Context, seg audio.Segment) bool
	Close() error
}

var (
	_ Backend = (*LocalBackend)(nil)
	_ Backend = (*Recognizer)(nil)
)

// Transcript is one recognized utterance.
type Transcript struct {
	Text     string
	Language string // detected language, empty when unknown
	Backend  Kind
	Seq      uint64

	// Segment is the audio the transcript was produced from. Only set by
	// the local backend.
	Segment *audio.Segment
}

// EventType discriminates Event.
type EventType string

const (
	EventInterim  EventType = "interim"
	EventFinal    EventType = "final"
	EventFailure  EventType = "failure"
	EventProgress EventType = "progress"
)

// Event is the single message type published by backends.
type Event struct {
	Type       EventType
	Transcript Transcript
	Err        error
	Progress   Progress
	Backend    Kind
}

// Progress reports model loading.
type Progress struct {
	Phase   string `json:"phase"`
	Percent int    `json:"percent"`
}

// Load phases.
const (
	PhaseDownloading = "downloading"
	PhaseLoading     = "loading"
	PhaseReady       = "ready"
	PhaseDone        = "done"
)

// emit delivers ev unless ctx ends first. Finals must not be dropped, so
// this blocks rather than discarding when the consumer is slow.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
