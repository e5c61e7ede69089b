package audio

import (
	"math"
	"time"
)

// Segment is one bounded window of captured audio. It is owned by the
// capture scheduler until handed to a backend and must not be mutated after.
type Segment struct {
	Seq        uint64
	Samples    []float32 // normalized to [-1, 1], interleaved when Channels > 1
	SampleRate int
	Channels   int
	StartedAt  time.Time
}

// Frames returns the number of sample frames (samples per channel).
func (s Segment) Frames() int {
	ch := s.Channels
	if ch < 1 {
		ch = 1
	}
	return len(s.Samples) / ch
}

// DurationSeconds returns the segment length in seconds.
func (s Segment) DurationSeconds() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(s.Frames()) / float64(s.SampleRate)
}

// Duration returns the segment length.
func (s Segment) Duration() time.Duration {
	return time.Duration(s.DurationSeconds() * float64(time.Second))
}

// Mono returns the segment downmixed to a single channel.
func (s Segment) Mono() []float32 {
	return Downmix(s.Samples, s.Channels)
}

// Downmix averages interleaved channels into one.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Energy summarizes the loudness profile of a block of mono samples.
type Energy struct {
	RMS  float64
	Peak float64

	// Windows holds the RMS of consecutive sub-windows.
	Windows []float64

	// Variation is the coefficient of variation (stddev / mean) of Windows.
	// Speech swings widely between syllables and pauses; a stuck input or a
	// steady digital hiss stays nearly flat.
	Variation float64
}

// Measure computes Energy over samples using sub-windows of the given length.
func Measure(samples []float32, sampleRate int, window time.Duration) Energy {
	var e Energy
	if len(samples) == 0 {
		return e
	}

	var sumSq float64
	for _, v := range samples {
		f := float64(v)
		sumSq += f * f
		if a := math.Abs(f); a > e.Peak {
			e.Peak = a
		}
	}
	e.RMS = math.Sqrt(sumSq / float64(len(samples)))

	size := int(float64(sampleRate) * window.Seconds())
	if size <= 0 || size > len(samples) {
		size = len(samples)
	}
	for start := 0; start+size <= len(samples); start += size {
		var sq float64
		for _, v := range samples[start : start+size] {
			sq += float64(v) * float64(v)
		}
		e.Windows = append(e.Windows, math.Sqrt(sq/float64(size)))
	}

	var mean float64
	for _, w := range e.Windows {
		mean += w
	}
	mean /= float64(len(e.Windows))
	if mean > 0 {
		var variance float64
		for _, w := range e.Windows {
			d := w - mean
			variance += d * d
		}
		variance /= float64(len(e.Windows))
		e.Variation = math.Sqrt(variance) / mean
	}
	return e
}

// Resample converts mono samples between rates by linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}
