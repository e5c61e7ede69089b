// Package session owns the single mutable Session record shared by the
// pipeline stages.
package session

import (
	"fmt"
	"sync"

	"github.com/snarg/live-translator/internal/lang"
)

// Snapshot is a point-in-time copy of the session.
type Snapshot struct {
	SourceLanguage   string `json:"source_language"`
	TargetLanguage   string `json:"target_language"`
	DetectedLanguage string `json:"detected_language,omitempty"`
	Listening        bool   `json:"listening"`
	SegmentInFlight  bool   `json:"segment_in_flight"`
}

// Manager guards the session record. Language fields are written through
// SetSource/SetTarget; the capture side writes the flags.
type Manager struct {
	mu sync.RWMutex
	s  Snapshot

	// fallback is used when source is auto and nothing was detected yet.
	fallback string
}

// New creates a Manager. source may be "auto"; target may not.
func New(source, target, fallback string) (*Manager, error) {
	m := &Manager{fallback: lang.Normalize(fallback)}
	if m.fallback == "" || m.fallback == lang.Auto {
		m.fallback = "en"
	}
	if err := m.SetSource(source); err != nil {
		return nil, err
	}
	if err := m.SetTarget(target); err != nil {
		return nil, err
	}
	return m, nil
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s
}

// SetSource changes the source language and always clears the detected
// language, even when the new value equals the old one.
func (m *Manager) SetSource(tag string) error {
	norm := lang.Normalize(tag)
	if norm == "" {
		return fmt.Errorf("unknown source language %q", tag)
	}
	m.mu.Lock()
	m.s.SourceLanguage = norm
	m.s.DetectedLanguage = ""
	m.mu.Unlock()
	return nil
}

// SetTarget changes the target language.
func (m *Manager) SetTarget(tag string) error {
	norm := lang.Normalize(tag)
	if norm == "" || norm == lang.Auto {
		return fmt.Errorf("invalid target language %q", tag)
	}
	m.mu.Lock()
	m.s.TargetLanguage = norm
	m.mu.Unlock()
	return nil
}

// RecordDetected stores a language inferred by a backend. It is ignored
// unless the source is auto.
func (m *Manager) RecordDetected(tag string) {
	norm := lang.Normalize(tag)
	if norm == "" || norm == lang.Auto {
		return
	}
	m.mu.Lock()
	if m.s.SourceLanguage == lang.Auto {
		m.s.DetectedLanguage = norm
	}
	m.mu.Unlock()
}

// EffectiveSource resolves auto to the detected language, then to the
// configured default.
func (m *Manager) EffectiveSource() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lang.Resolve(m.s.SourceLanguage, m.s.DetectedLanguage, m.fallback)
}

// Fallback returns the language assumed when auto has nothing detected.
func (m *Manager) Fallback() string { return m.fallback }

// SetListening is called by the capture scheduler only.
func (m *Manager) SetListening(v bool) {
	m.mu.Lock()
	m.s.Listening = v
	if !v {
		m.s.SegmentInFlight = false
	}
	m.mu.Unlock()
}

// Listening reports whether capture is running.
func (m *Manager) Listening() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.Listening
}

// SetSegmentInFlight marks whether a segment is being transcribed.
func (m *Manager) SetSegmentInFlight(v bool) {
	m.mu.Lock()
	m.s.SegmentInFlight = v
	m.mu.Unlock()
}
