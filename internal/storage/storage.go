// Package storage archives captured audio segments so history entries can
// link back to what was heard.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/live-translator/internal/audio"
	"github.com/snarg/live-translator/internal/config"
)

// ErrNotFound is returned by Open for a key that was never archived or has
// been pruned.
var ErrNotFound = errors.New("segment not archived")

// ErrInvalidKey is returned for keys that would resolve outside the archive.
var ErrInvalidKey = errors.New("invalid segment key")

// SegmentMeta describes an archived segment.
type SegmentMeta struct {
	Seq        uint64
	SampleRate int
	Duration   time.Duration
	StartedAt  time.Time
}

// SegmentStore is where archived segments live.
type SegmentStore interface {
	// Put stores one WAV-encoded segment under key.
	Put(ctx context.Context, key string, wav []byte, meta SegmentMeta) error

	// Link returns a time-limited download URL, or "" when the segment must
	// be streamed through Open.
	Link(ctx context.Context, key string) (string, error)

	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Kind returns "local" or "s3".
	Kind() string
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// New picks the archive backend from config. It returns a nil store when
// archiving is disabled and an error when S3 is configured but unreachable.
func New(cfg config.S3Config, log zerolog.Logger) (SegmentStore, []BackgroundService, error) {
	if !cfg.Archive {
		return nil, nil, nil
	}
	if !cfg.Enabled() {
		var services []BackgroundService
		if cfg.Retention > 0 {
			services = append(services, NewPruner(cfg.AudioDir, cfg.Retention, log))
		}
		log.Info().Str("dir", cfg.AudioDir).Dur("retention", cfg.Retention).Msg("archiving segments locally")
		return NewLocalStore(cfg.AudioDir), services, nil
	}

	store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("prefix", cfg.Prefix).Msg("archiving segments to S3")
	return store, nil, nil
}

// Archiver encodes segments as WAV and saves them to a store.
type Archiver struct {
	store SegmentStore
	log   zerolog.Logger
}

func NewArchiver(store SegmentStore, log zerolog.Logger) *Archiver {
	return &Archiver{store: store, log: log.With().Str("component", "archiver").Logger()}
}

// Archive saves seg and returns its key.
func (a *Archiver) Archive(ctx context.Context, seg audio.Segment) (string, error) {
	data, err := audio.EncodeWAV(seg.Mono(), seg.SampleRate)
	if err != nil {
		return "", fmt.Errorf("encode segment %d: %w", seg.Seq, err)
	}
	key := SegmentKey(seg)
	meta := SegmentMeta{
		Seq:        seg.Seq,
		SampleRate: seg.SampleRate,
		Duration:   seg.Duration(),
		StartedAt:  seg.StartedAt,
	}
	if err := a.store.Put(ctx, key, data, meta); err != nil {
		return "", fmt.Errorf("save segment %d: %w", seg.Seq, err)
	}
	a.log.Debug().Str("key", key).Str("size", humanizeBytes(int64(len(data)))).Msg("segment archived")
	return key, nil
}

// SegmentKey returns segments/{YYYY-MM-DD}/{HHMMSS}-{seq}.wav using the
// segment start time in UTC.
func SegmentKey(seg audio.Segment) string {
	t := seg.StartedAt
	if t.IsZero() {
		t = time.Now()
	}
	t = t.UTC()
	return fmt.Sprintf("segments/%s/%s-%06d.wav", t.Format("2006-01-02"), t.Format("150405"), seg.Seq)
}
