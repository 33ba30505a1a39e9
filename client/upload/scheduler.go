// Package upload drains the queue of missing items with a strict bound on concurrent uploads.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pixiserve/pixisync/client/backend"
	"github.com/pixiserve/pixisync/client/data"
	"github.com/pixiserve/pixisync/shared"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 3

type Ingester interface {
	Ingest(ctx context.Context, req backend.IngestRequest) (*shared.IngestResponse, error)
}

// Hooks observe task progress. They are called from the uploading goroutines and must be safe for
// concurrent use. Any of them may be nil.
type Hooks struct {
	// BeforeStart may block until the task is allowed to start. An error leaves the task queued.
	BeforeStart func(ctx context.Context, task *data.UploadTask) error
	OnStart     func(task *data.UploadTask)
	OnProgress  func(task *data.UploadTask, sentBytes int64)
	// OnRetry is called before a failed attempt is retried
	OnRetry  func(task *data.UploadTask, err error)
	OnFinish func(task *data.UploadTask)
}

type Summary struct {
	Done      int
	Duplicate int
	Failed    int
	// Tasks never started because the run was cancelled
	NotStarted int
}

type Scheduler struct {
	ingester       Ingester
	logger         logrus.FieldLogger
	concurrency    int
	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
	requestTimeout time.Duration
	open           func(path string) (io.ReadCloser, error)
}

type Option func(*Scheduler)

func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithRetries(maxRetries uint64, initialBackoff, maxBackoff time.Duration) Option {
	return func(s *Scheduler) {
		s.maxRetries = maxRetries
		s.initialBackoff = initialBackoff
		s.maxBackoff = maxBackoff
	}
}

// WithRequestTimeout bounds a single upload attempt. A timed out attempt is retried.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.requestTimeout = d
	}
}

func WithOpener(open func(path string) (io.ReadCloser, error)) Option {
	return func(s *Scheduler) {
		s.open = open
	}
}

func New(ingester Ingester, logger logrus.FieldLogger, opts ...Option) *Scheduler {
	s := &Scheduler{
		ingester:       ingester,
		logger:         logger,
		concurrency:    DefaultConcurrency,
		maxRetries:     4,
		initialBackoff: time.Second,
		maxBackoff:     time.Minute,
		requestTimeout: 15 * time.Minute,
		open: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run uploads every queued task and returns once all started uploads reached a terminal status.
// After ctx is cancelled no new upload starts; uploads already in flight finish on their own.
func (s *Scheduler) Run(ctx context.Context, tasks []*data.UploadTask, hooks Hooks) Summary {
	var summary Summary
	finished := make(chan *data.UploadTask, len(tasks))

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Re-check: we may have waited for a free slot while the run was cancelled
			if ctx.Err() != nil {
				return nil
			}
			if hooks.BeforeStart != nil {
				if err := hooks.BeforeStart(ctx, task); err != nil {
					return nil
				}
			}
			s.runTask(ctx, task, hooks)
			finished <- task
			return nil
		})
	}
	_ = g.Wait()
	close(finished)

	for task := range finished {
		switch task.Status {
		case data.TaskDone:
			summary.Done++
		case data.TaskDuplicate:
			summary.Duplicate++
		case data.TaskFailed:
			summary.Failed++
		}
	}
	summary.NotStarted = len(tasks) - summary.Done - summary.Duplicate - summary.Failed
	return summary
}

func (s *Scheduler) runTask(ctx context.Context, task *data.UploadTask, hooks Hooks) {
	task.Status = data.TaskInFlight
	if hooks.OnStart != nil {
		hooks.OnStart(task)
	}

	// Attempts run detached from cancellation so that an upload in flight is never cut off
	detached := context.WithoutCancel(ctx)
	op := func() error {
		task.Attempts++
		task.Progress = 0
		err := s.attempt(detached, task, hooks)
		if err == nil {
			return nil
		}
		if errors.Is(err, data.ErrAmbiguousUploadOutcome) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warnf("Upload of %s failed on attempt %d, retrying in %s: %v", task.Candidate.LocalId, task.Attempts, wait, err)
		if hooks.OnRetry != nil {
			hooks.OnRetry(task, err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0
	// Waiting between retries stops on cancellation
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx), notify)
	if err != nil {
		task.Status = data.TaskFailed
		task.Err = err
		s.logger.Errorf("Upload of %s failed after %d attempts: %v", task.Candidate.LocalId, task.Attempts, err)
	}
	if hooks.OnFinish != nil {
		hooks.OnFinish(task)
	}
}

func (s *Scheduler) attempt(ctx context.Context, task *data.UploadTask, hooks Hooks) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	f, err := s.open(task.Candidate.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w: %w", task.Candidate.LocalId, data.ErrUnreadableSource, err)
	}
	defer f.Close()

	body := &progressReader{r: f, onRead: func(sent int64) {
		if task.Candidate.Size > 0 {
			task.Progress = min(100, float64(sent)*100/float64(task.Candidate.Size))
		}
		if hooks.OnProgress != nil {
			hooks.OnProgress(task, sent)
		}
	}}
	resp, err := s.ingester.Ingest(reqCtx, backend.IngestRequest{
		Fingerprint: task.Fingerprint,
		Filename:    task.Candidate.Filename,
		CapturedAt:  task.Candidate.CapturedAt,
		Size:        task.Candidate.Size,
		Body:        body,
	})
	if err != nil {
		return err
	}
	task.Progress = 100
	task.AssetId = resp.Asset.Id
	if resp.IsDuplicate {
		task.Status = data.TaskDuplicate
	} else {
		task.Status = data.TaskDone
	}
	return nil
}

type progressReader struct {
	r      io.Reader
	sent   int64
	onRead func(sent int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.onRead(p.sent)
	}
	return n, err
}
