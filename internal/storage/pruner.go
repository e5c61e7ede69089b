package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pruner deletes archived segments older than the retention window from
// the local archive.
type Pruner struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewPruner creates a pruner that runs hourly.
func NewPruner(dir string, retention time.Duration, log zerolog.Logger) *Pruner {
	return &Pruner{
		dir:       dir,
		retention: retention,
		interval:  time.Hour,
		log:       log.With().Str("component", "archive-pruner").Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (p *Pruner) Start() {
	go p.loop()
}

func (p *Pruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Pruner) loop() {
	defer close(p.done)
	p.prune(time.Now())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.prune(time.Now())
		case <-p.stop:
			return
		}
	}
}

// prune removes segments modified before now-retention, then any date
// directory left empty, and returns how many segments were removed.
func (p *Pruner) prune(now time.Time) int {
	if p.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-p.retention)
	root := filepath.Join(p.dir, "segments")
	days, err := os.ReadDir(root)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.log.Warn().Err(err).Str("dir", root).Msg("archive not readable")
		}
		return 0
	}

	var removed int
	var freed int64
	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		dayDir := filepath.Join(root, day.Name())
		files, _ := os.ReadDir(dayDir)
		kept := len(files)
		for _, f := range files {
			info, err := f.Info()
			if err != nil || f.IsDir() || !info.ModTime().Before(cutoff) {
				continue
			}
			if os.Remove(filepath.Join(dayDir, f.Name())) == nil {
				removed++
				kept--
				freed += info.Size()
			}
		}
		if kept == 0 {
			os.Remove(dayDir)
		}
	}

	if removed > 0 {
		p.log.Info().Int("segments", removed).Str("freed", humanizeBytes(freed)).Msg("pruned archived segments")
	}
	return removed
}

func humanizeBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%d B", b)
	}
	v := float64(b) / 1024
	for _, unit := range []string{"KB", "MB", "GB"} {
		if v < 1024 || unit == "GB" {
			return fmt.Sprintf("%.1f %s", v, unit)
		}
		v /= 1024
	}
	return ""
}
