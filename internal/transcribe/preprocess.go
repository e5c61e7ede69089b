package transcribe

import (
	"github.com/snarg/live-translator/internal/audio"
)

// EngineSampleRate is the rate the local engine expects.
const EngineSampleRate = 16000

const (
	minEngineSamples = EngineSampleRate      // 1s
	maxEngineSamples = EngineSampleRate * 30 // 30s
)

// Preprocess prepares a segment for the local engine: mono, resampled to
// 16 kHz, zero-padded to at least one second and truncated to 30 seconds.
func Preprocess(seg audio.Segment) []float32 {
	mono := audio.Resample(seg.Mono(), seg.SampleRate, EngineSampleRate)
	if len(mono) > maxEngineSamples {
		mono = mono[:maxEngineSamples]
	}
	if len(mono) < minEngineSamples {
		padded := make([]float32, minEngineSamples)
		copy(padded, mono)
		mono = padded
	}
	return mono
}

// PreprocessWAV runs Preprocess and encodes the result as WAV.
func PreprocessWAV(seg audio.Segment) ([]byte, error) {
	return audio.EncodeWAV(Preprocess(seg), EngineSampleRate)
}
