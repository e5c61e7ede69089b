package pipeline

import (
	"errors"

	"github.com/snarg/live-translator/internal/capture"
	"github.com/snarg/live-translator/internal/history"
	"github.com/snarg/live-translator/internal/speech"
	"github.com/snarg/live-translator/internal/transcribe"
	"github.com/snarg/live-translator/internal/translate"
	"github.com/snarg/live-translator/internal/validate"
)

// Error kinds reported on reject and error events.
const (
	KindCaptureUnavailable   = "capture_unavailable"
	KindBackendLoadFailure   = "backend_load_failure"
	KindRecognizerNotAllowed = "recognizer_not_allowed"
	KindSegmentDecodeError   = "segment_decode_error"
	KindSignalQualityReject  = "signal_quality_reject"
	KindValidationReject     = "validation_reject"
	KindProviderFailure      = "provider_failure"
	KindSynthesisFailure     = "synthesis_failure"
	KindUnknown              = "unknown"
)

// Classify maps an error onto the pipeline's failure taxonomy.
func Classify(err error) string {
	var pe *translate.ProviderError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, capture.ErrUnavailable):
		return KindCaptureUnavailable
	case errors.Is(err, transcribe.ErrNotAllowed):
		return KindRecognizerNotAllowed
	case errors.Is(err, transcribe.ErrUnavailable):
		return KindBackendLoadFailure
	case errors.Is(err, transcribe.ErrDecode):
		return KindSegmentDecodeError
	case validate.IsSignalReject(err):
		return KindSignalQualityReject
	case errors.Is(err, validate.ErrRejected):
		return KindValidationReject
	case errors.As(err, &pe), errors.Is(err, translate.ErrEmptyResult),
		errors.Is(err, translate.ErrUnchanged), errors.Is(err, translate.ErrMarker):
		return KindProviderFailure
	case errors.Is(err, speech.ErrSynthesis):
		return KindSynthesisFailure
	default:
		return KindUnknown
	}
}

// TranscriptEvent is the payload of transcript and transcript_interim events.
type TranscriptEvent struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Backend  string `json:"backend"`
	Seq      uint64 `json:"seq"`
}

func transcriptEvent(tr transcribe.Transcript) TranscriptEvent {
	return TranscriptEvent{Text: tr.Text, Language: tr.Language, Backend: string(tr.Backend), Seq: tr.Seq}
}

// TranslationEvent is the payload of translation events.
type TranslationEvent struct {
	history.Entry
	Exhausted bool `json:"exhausted"`
	Cached    bool `json:"cached"`
}

// BackendEvent announces the active backend.
type BackendEvent struct {
	Backend string `json:"backend"`
	Reason  string `json:"reason,omitempty"`
}

// RejectEvent reports a skipped segment.
type RejectEvent struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	Seq    uint64 `json:"seq"`
	Text   string `json:"text,omitempty"`
}

// ErrorEvent reports a failure the user should see.
type ErrorEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
