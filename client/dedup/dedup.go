// Package dedup asks the server which fingerprints it already stores. Checks are batched and a
// failing batch is retried on its own; batches that already succeeded are kept.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pixiserve/pixisync/client/data"
	"github.com/pixiserve/pixisync/shared"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

type Checker interface {
	CheckFingerprints(ctx context.Context, fingerprints []shared.Fingerprint) (*shared.CheckResponse, error)
}

type Result struct {
	Existing []shared.Fingerprint
	Missing  []shared.Fingerprint
}

type Resolver struct {
	checker        Checker
	logger         logrus.FieldLogger
	batchSize      int
	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
	requestTimeout time.Duration
}

type Option func(*Resolver)

func WithBatchSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 && n <= shared.MaxCheckBatchSize {
			r.batchSize = n
		}
	}
}

func WithRetries(maxRetries uint64, initialBackoff, maxBackoff time.Duration) Option {
	return func(r *Resolver) {
		r.maxRetries = maxRetries
		r.initialBackoff = initialBackoff
		r.maxBackoff = maxBackoff
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.requestTimeout = d
	}
}

func New(checker Checker, logger logrus.FieldLogger, opts ...Option) *Resolver {
	r := &Resolver{
		checker:        checker,
		logger:         logger,
		batchSize:      shared.DefaultCheckBatchSize,
		maxRetries:     5,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
		requestTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve splits fingerprints into existing and missing, preserving input order. Duplicate
// fingerprints are checked once.
func (r *Resolver) Resolve(ctx context.Context, fingerprints []shared.Fingerprint) (*Result, error) {
	result := &Result{}
	unique := lo.Uniq(fingerprints)
	for i, batch := range shared.Chunks(unique, r.batchSize) {
		existing, err := r.checkBatch(ctx, i, batch)
		if err != nil {
			return nil, err
		}
		for _, fp := range batch {
			// Anything the server did not confirm is treated as missing, since ingest is idempotent
			if existing[fp] {
				result.Existing = append(result.Existing, fp)
			} else {
				result.Missing = append(result.Missing, fp)
			}
		}
	}
	return result, nil
}

func (r *Resolver) checkBatch(ctx context.Context, index int, batch []shared.Fingerprint) (map[shared.Fingerprint]bool, error) {
	var resp *shared.CheckResponse
	attempt := 0
	op := func() error {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, r.requestTimeout)
		defer cancel()
		var err error
		resp, err = r.checker.CheckFingerprints(reqCtx, batch)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, data.ErrServerUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialBackoff
	b.MaxInterval = r.maxBackoff
	b.MaxElapsedTime = 0
	notify := func(err error, wait time.Duration) {
		r.logger.Warnf("Dedup check of batch %d (%d fingerprints) failed on attempt %d, retrying in %s: %v", index, len(batch), attempt, wait, err)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx), notify)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, data.ErrServerUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("dedup check of batch %d failed after %d attempts: %w: %w", index, attempt, data.ErrServerUnavailable, err)
		}
		return nil, fmt.Errorf("dedup check of batch %d failed: %w", index, err)
	}
	return lo.SliceToMap(resp.Existing, func(fp shared.Fingerprint) (shared.Fingerprint, bool) {
		return fp, true
	}), nil
}
