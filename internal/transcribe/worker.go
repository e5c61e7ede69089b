package transcribe

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snarg/live-translator/internal/audio"
)

// Job is one segment waiting for transcription. Ctx belongs to the capture
// run that produced the segment; stopping capture cancels it.
type Job struct {
	Ctx     context.Context
	Segment audio.Segment
}

// QueueStats reports the current state of the transcription queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// WorkerPoolOptions configures the transcription worker pool.
type WorkerPoolOptions struct {
	Workers   int
	QueueSize int
	Process   func(ctx context.Context, seg audio.Segment) error
	Log       zerolog.Logger
}

// WorkerPool runs transcription jobs. When the queue is full the oldest
// pending job is dropped so the freshest audio is always next.
type WorkerPool struct {
	jobs   chan Job
	opts   WorkerPoolOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewWorkerPool creates a new transcription worker pool.
func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobs:   make(chan Job, opts.QueueSize),
		opts:   opts,
		log:    opts.Log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Info().Int("workers", wp.opts.Workers).Int("queue_size", wp.opts.QueueSize).Msg("transcription worker pool started")
}

// Stop cancels in-flight work, discards pending jobs and waits for the
// workers to exit.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.cancel()
	wp.wg.Wait()
	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Int64("dropped", wp.dropped.Load()).
		Msg("transcription worker pool stopped")
}

// Enqueue adds a job, evicting the oldest pending job if the queue is full.
// It never blocks. Returns false only after Stop.
func (wp *WorkerPool) Enqueue(j Job) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.closed {
		return false
	}
	for {
		select {
		case wp.jobs <- j:
			return true
		default:
		}
		select {
		case old := <-wp.jobs:
			wp.dropped.Add(1)
			wp.log.Debug().Uint64("seq", old.Segment.Seq).Msg("dropping stale segment")
		default:
		}
	}
}

// Stats returns current queue statistics.
func (wp *WorkerPool) Stats() QueueStats {
	return QueueStats{
		Pending:   len(wp.jobs),
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
		Dropped:   wp.dropped.Load(),
	}
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int { return wp.opts.Workers }

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for job := range wp.jobs {
		if wp.ctx.Err() != nil || job.Ctx.Err() != nil {
			wp.dropped.Add(1)
			continue
		}
		ctx, cancel := context.WithCancel(job.Ctx)
		stop := context.AfterFunc(wp.ctx, cancel)
		err := wp.opts.Process(ctx, job.Segment)
		stop()
		cancel()

		if err != nil {
			wp.failed.Add(1)
			log.Debug().Err(err).Uint64("seq", job.Segment.Seq).Msg("transcription failed")
		} else {
			wp.completed.Add(1)
		}
	}
}
