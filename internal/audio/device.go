package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// ErrDeviceStopped is reported by a Stream whose device stopped delivering
// audio without being closed.
var ErrDeviceStopped = errors.New("capture device stopped")

// Constraints describe the capture format requested from a device.
type Constraints struct {
	SampleRate       int
	Channels         int
	NoiseSuppression bool
}

// Device opens capture streams on a microphone-like input.
type Device interface {
	Open(c Constraints) (Stream, error)
}

// Stream is an open capture. Audio accumulates continuously between Drain
// calls, so the caller never has to pause the device to cut a segment.
type Stream interface {
	// Drain returns the samples captured since the previous Drain.
	Drain() []float32
	// Done is closed when the device stops on its own.
	Done() <-chan struct{}
	// Err explains why Done was closed.
	Err() error
	Close() error
}

// MalgoDevice captures from the system default input through miniaudio.
type MalgoDevice struct{}

// NewMalgoDevice returns a Device backed by the default capture input.
func NewMalgoDevice() *MalgoDevice { return &MalgoDevice{} }

// Open initializes a miniaudio context and starts an F32 capture device.
func (MalgoDevice) Open(c Constraints) (Stream, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	s := &malgoStream{
		ctx:      ctx,
		channels: uint32(c.Channels),
		done:     make(chan struct{}),
	}
	if c.NoiseSuppression {
		s.filter = newDCBlocker(c.Channels)
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = uint32(c.Channels)
	deviceCfg.SampleRate = uint32(c.SampleRate)

	device, err := malgo.InitDevice(ctx.Context, deviceCfg, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		s.freeContext()
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		s.freeContext()
		return nil, fmt.Errorf("starting capture device: %w", err)
	}
	s.device = device
	return s, nil
}

type malgoStream struct {
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	channels uint32
	filter   *dcBlocker

	mu     sync.Mutex
	buf    []float32
	closed bool
	err    error
	done   chan struct{}
	once   sync.Once
}

func (s *malgoStream) Drain() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float32, len(s.buf))
	copy(out, s.buf)
	s.buf = s.buf[:0]
	return out
}

func (s *malgoStream) Done() <-chan struct{} { return s.done }

func (s *malgoStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *malgoStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf = nil
	device := s.device
	s.device = nil
	s.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	s.once.Do(func() { close(s.done) })
	return s.freeContext()
}

func (s *malgoStream) freeContext() error {
	if s.ctx == nil {
		return nil
	}
	err := s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
	if err != nil {
		return fmt.Errorf("uninitializing audio context: %w", err)
	}
	return nil
}

// onData is the malgo callback invoked when audio data is available.
func (s *malgoStream) onData(_, pSample []byte, frameCount uint32) {
	samples := bytesToFloat32(pSample, frameCount*s.channels)
	if s.filter != nil {
		s.filter.apply(samples)
	}
	s.mu.Lock()
	if !s.closed {
		s.buf = append(s.buf, samples...)
	}
	s.mu.Unlock()
}

// onStop fires when miniaudio stops the device, including unplug.
func (s *malgoStream) onStop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.err = ErrDeviceStopped
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// bytesToFloat32 converts raw bytes (little-endian float32) to a float32 slice.
func bytesToFloat32(data []byte, sampleCount uint32) []float32 {
	samples := make([]float32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(data)) {
			break
		}
		bits := binary.LittleEndian.Uint32(data[offset : offset+4])
		samples = append(samples, math.Float32frombits(bits))
	}
	return samples
}

// dcBlocker is a one-pole high-pass that strips DC offset and sub-audible
// rumble per channel.
type dcBlocker struct {
	prevIn  []float32
	prevOut []float32
}

const dcPole = 0.995

func newDCBlocker(channels int) *dcBlocker {
	if channels < 1 {
		channels = 1
	}
	return &dcBlocker{prevIn: make([]float32, channels), prevOut: make([]float32, channels)}
}

func (f *dcBlocker) apply(samples []float32) {
	ch := len(f.prevIn)
	for i, x := range samples {
		c := i % ch
		y := x - f.prevIn[c] + dcPole*f.prevOut[c]
		f.prevIn[c] = x
		f.prevOut[c] = y
		samples[i] = y
	}
}
