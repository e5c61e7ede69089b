// Package history persists completed translations and user settings.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLimit is how many entries are kept when no limit is configured.
const DefaultLimit = 50

// Entry is one completed pipeline cycle.
type Entry struct {
	ID          uuid.UUID `json:"id"`
	Original    string    `json:"original"`
	Translation string    `json:"translation"`
	Provider    string    `json:"provider"`
	Source      string    `json:"source"`
	Target      string    `json:"target"`
	Backend     string    `json:"backend"`
	AudioKey    string    `json:"audio_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Settings are the user choices restored at startup.
type Settings struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	AutoSpeak bool   `json:"auto_speak"`
}

// Store is the settings/history store. List returns newest first.
type Store interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	List(ctx context.Context, limit int) ([]Entry, error)
	Clear(ctx context.Context) error
	LoadSettings(ctx context.Context) (Settings, bool, error)
	SaveSettings(ctx context.Context, s Settings) error
	Close()
}

// prepare fills the generated fields of a new entry.
func prepare(e Entry) Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}

// MemoryStore keeps history in process. Used when no database is configured.
type MemoryStore struct {
	limit int

	mu       sync.Mutex
	entries  []Entry // newest first
	settings *Settings
}

// NewMemoryStore creates a MemoryStore holding at most limit entries.
func NewMemoryStore(limit int) *MemoryStore {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &MemoryStore{limit: limit}
}

func (m *MemoryStore) Append(_ context.Context, e Entry) (Entry, error) {
	e = prepare(e)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]Entry{e}, m.entries...)
	if len(m.entries) > m.limit {
		m.entries = m.entries[:m.limit]
	}
	return e, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]Entry, limit)
	copy(out, m.entries)
	return out, nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadSettings(context.Context) (Settings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return Settings{}, false, nil
	}
	return *m.settings, true, nil
}

func (m *MemoryStore) SaveSettings(_ context.Context, s Settings) error {
	m.mu.Lock()
	m.settings = &s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() {}
