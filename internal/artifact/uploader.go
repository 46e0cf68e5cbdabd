// Package artifact uploads monitoring artifacts (recordings, screenshots) in
// the background. Uploads never block an exam and their failures are only
// logged.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-proctor/internal/backend"
)

// Kind selects the upload endpoint.
type Kind string

const (
	KindProctoringRecording Kind = "proctoring_recording"
	KindInterviewRecording  Kind = "interview_recording"
	KindScreenshot          Kind = "screenshot"
)

// ErrQueueFull is returned by Enqueue when the job was dropped.
var ErrQueueFull = errors.New("artifact queue full")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("artifact uploader closed")

// Job is one pending upload. Data is owned by the uploader once enqueued.
type Job struct {
	Kind      Kind
	SessionID string
	Filename  string
	Data      []byte
	// Token authenticates the upload as the student.
	Token string
}

// Sink performs the upload calls.
type Sink interface {
	UploadRecording(ctx context.Context, kind backend.RecordingKind, up backend.Upload) error
	UploadScreenshot(ctx context.Context, up backend.Upload) error
}

// SinkFunc resolves a per-token sink, e.g. backend.Client.WithToken.
type SinkFunc func(token string) Sink

// Options configures an Uploader.
type Options struct {
	Sink      SinkFunc
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Log       zerolog.Logger
}

// Uploader drains a bounded in-memory queue with a fixed worker pool.
type Uploader struct {
	sink    SinkFunc
	workers int
	timeout time.Duration
	log     zerolog.Logger
	queue   chan Job

	mu     sync.RWMutex
	closed bool

	uploaded atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

// Stats are cumulative counters.
type Stats struct {
	Uploaded int64 `json:"uploaded"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
	Pending  int   `json:"pending"`
}

// New creates an Uploader. Call Run to start the workers.
func New(opts Options) *Uploader {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &Uploader{
		sink:    opts.Sink,
		workers: opts.Workers,
		timeout: opts.Timeout,
		log:     opts.Log.With().Str("component", "artifact_uploader").Logger(),
		queue:   make(chan Job, opts.QueueSize),
	}
}

// Enqueue schedules job without blocking. A full queue drops the job.
func (u *Uploader) Enqueue(job Job) error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return ErrClosed
	}
	select {
	case u.queue <- job:
		return nil
	default:
		u.dropped.Add(1)
		u.log.Warn().Str("kind", string(job.Kind)).Str("session_id", job.SessionID).Msg("Upload queue full, dropping artifact")
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until Close has been called and the
// queue is drained, or ctx is cancelled.
func (u *Uploader) Run(ctx context.Context) error {
	u.log.Info().Int("workers", u.workers).Msg("Uploader started")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < u.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job, ok := <-u.queue:
					if !ok {
						return nil
					}
					u.process(ctx, job)
				}
			}
		})
	}
	err := g.Wait()
	u.log.Info().Msg("Uploader stopped")
	return err
}

// Close stops accepting jobs. Queued jobs are still uploaded by Run.
func (u *Uploader) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.closed = true
	close(u.queue)
}

// Stats returns the counters.
func (u *Uploader) Stats() Stats {
	return Stats{
		Uploaded: u.uploaded.Load(),
		Failed:   u.failed.Load(),
		Dropped:  u.dropped.Load(),
		Pending:  len(u.queue),
	}
}

func (u *Uploader) process(ctx context.Context, job Job) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	sink := u.sink(job.Token)
	up := backend.Upload{SessionID: job.SessionID, Filename: job.Filename, Body: bytes.NewReader(job.Data)}

	var err error
	switch job.Kind {
	case KindProctoringRecording:
		err = sink.UploadRecording(ctx, backend.RecordingProctoring, up)
	case KindInterviewRecording:
		err = sink.UploadRecording(ctx, backend.RecordingInterview, up)
	case KindScreenshot:
		err = sink.UploadScreenshot(ctx, up)
	default:
		u.log.Error().Str("kind", string(job.Kind)).Msg("Discarding artifact of unknown kind")
		u.failed.Add(1)
		return
	}

	if err != nil {
		u.failed.Add(1)
		u.log.Error().Err(err).Str("kind", string(job.Kind)).Str("session_id", job.SessionID).Int("bytes", len(job.Data)).Msg("Artifact upload failed")
		return
	}
	u.uploaded.Add(1)
	u.log.Debug().Str("kind", string(job.Kind)).Str("session_id", job.SessionID).Msg("Artifact uploaded")
}
