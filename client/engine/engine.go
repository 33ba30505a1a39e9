// Package engine runs sync sessions. A session scans the library, fingerprints every candidate,
// asks the server which fingerprints it is missing, uploads those and then advances the cursor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pixiserve/pixisync/client/cursor"
	"github.com/pixiserve/pixisync/client/data"
	"github.com/pixiserve/pixisync/client/dedup"
	"github.com/pixiserve/pixisync/client/hasher"
	"github.com/pixiserve/pixisync/client/media"
	"github.com/pixiserve/pixisync/client/syncstate"
	"github.com/pixiserve/pixisync/client/upload"
	"github.com/pixiserve/pixisync/shared"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Server is the part of the backend a session needs.
type Server interface {
	dedup.Checker
	upload.Ingester
	cursor.Mirror
}

type Report struct {
	SessionId      string
	Snapshot       syncstate.Snapshot
	Uploads        upload.Summary
	CursorAdvanced bool
}

type Engine struct {
	library      media.Library
	hasher       *hasher.Hasher
	resolver     *dedup.Resolver
	scheduler    *upload.Scheduler
	cursors      *cursor.Store
	machine      *syncstate.Machine
	network      NetworkMonitor
	settings     data.Settings
	journal      *gorm.DB
	logger       logrus.FieldLogger
	pageSize     int
	pollInterval time.Duration
	dedupOpts    []dedup.Option
	uploadOpts   []upload.Option
}

type Option func(*Engine)

func WithSettings(s data.Settings) Option {
	return func(e *Engine) { e.settings = s }
}

func WithNetwork(n NetworkMonitor) Option {
	return func(e *Engine) { e.network = n }
}

// WithJournal records the outcome of every upload task in the local DB.
func WithJournal(db *gorm.DB) Option {
	return func(e *Engine) { e.journal = db }
}

func WithMachine(m *syncstate.Machine) Option {
	return func(e *Engine) { e.machine = m }
}

func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

// WithPolicyPollInterval sets how often a paused session re-checks the network.
func WithPolicyPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

func WithDedupOptions(opts ...dedup.Option) Option {
	return func(e *Engine) { e.dedupOpts = append(e.dedupOpts, opts...) }
}

func WithUploadOptions(opts ...upload.Option) Option {
	return func(e *Engine) { e.uploadOpts = append(e.uploadOpts, opts...) }
}

func New(library media.Library, h *hasher.Hasher, server Server, cursors *cursor.Store, logger logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		library:      library,
		hasher:       h,
		cursors:      cursors,
		machine:      syncstate.New(),
		network:      EnvNetwork{},
		settings:     data.DefaultSettings(),
		logger:       logger,
		pageSize:     media.DefaultPageSize,
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resolver = dedup.New(server, logger, e.dedupOpts...)
	e.scheduler = upload.New(server, logger, e.uploadOpts...)
	return e
}

// Machine returns the state machine observers should subscribe to.
func (e *Engine) Machine() *syncstate.Machine {
	return e.machine
}

type hashedItem struct {
	fingerprint shared.Fingerprint
	candidate   *data.AssetCandidate
}

// Run executes one session and blocks until it is over. It returns data.ErrSessionActive, without
// touching the running session, if one is already in progress. Cancelling ctx stops the session
// without committing the cursor.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	sessionId := uuid.Must(uuid.NewRandom()).String()
	if !e.machine.Begin(sessionId) {
		return nil, data.ErrSessionActive
	}
	report := &Report{SessionId: sessionId}
	logger := e.logger.WithField("session", sessionId)
	err := e.run(ctx, logger, report)
	report.Snapshot = e.machine.Snapshot()
	return report, err
}

func (e *Engine) run(ctx context.Context, logger logrus.FieldLogger, report *Report) error {
	checkpoint := time.Now().UTC()
	if err := e.awaitPolicy(ctx); err != nil {
		return e.abort(ctx, logger, err)
	}

	since, incremental := e.cursors.Load()
	if incremental {
		logger.Infof("Starting incremental scan of media modified since %s", cursor.Encode(since))
	} else {
		logger.Info("Starting full scan")
	}
	items, checkpoint, err := e.scan(ctx, since, checkpoint)
	if err != nil {
		return e.abort(ctx, logger, err)
	}

	if err := e.awaitPolicy(ctx); err != nil {
		return e.abort(ctx, logger, err)
	}
	fingerprints := lo.Map(items, func(item hashedItem, _ int) shared.Fingerprint { return item.fingerprint })
	result, err := e.resolver.Resolve(ctx, fingerprints)
	if err != nil {
		return e.abort(ctx, logger, err)
	}
	tasks := buildTasks(items, result)
	e.machine.AlreadyPresent(len(items) - len(tasks))
	if err := e.machine.StartSyncing(len(tasks)); err != nil {
		return e.abort(ctx, logger, err)
	}
	logger.Infof("Scanned %d items, %d missing on the server", len(items), len(tasks))

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	report.Uploads = e.scheduler.Run(runCtx, tasks, upload.Hooks{
		BeforeStart: func(ctx context.Context, task *data.UploadTask) error {
			err := e.awaitPolicy(ctx)
			if err != nil {
				stop(err)
			}
			return err
		},
		OnStart: e.machine.TaskStarted,
		OnFinish: func(task *data.UploadTask) {
			e.machine.TaskFinished(task)
			e.record(ctx, logger, report.SessionId, task)
		},
	})
	if ctx.Err() != nil {
		return e.abort(ctx, logger, ctx.Err())
	}
	if runCtx.Err() != nil {
		return e.abort(ctx, logger, context.Cause(runCtx))
	}

	checkpoint = revisitFailed(tasks, checkpoint)
	if err := e.machine.Finish(); err != nil {
		return err
	}
	report.CursorAdvanced, err = e.cursors.Commit(ctx, checkpoint)
	if err != nil {
		logger.WithError(err).Error("Session completed but the cursor could not be saved")
		return err
	}
	logger.WithFields(logrus.Fields{
		"done":      report.Uploads.Done,
		"duplicate": report.Uploads.Duplicate,
		"failed":    report.Uploads.Failed,
		"cursor":    cursor.Encode(checkpoint),
	}).Info("Sync session completed")
	return nil
}

// scan enumerates and fingerprints the library. The returned checkpoint is lowered to the mtime of
// any skipped item so that the next session looks at it again.
func (e *Engine) scan(ctx context.Context, since, checkpoint time.Time) ([]hashedItem, time.Time, error) {
	policy := media.PolicyFromSettings(e.settings, since)
	var items []hashedItem
	token := ""
	for {
		page, err := e.library.Page(ctx, token, e.pageSize, policy)
		if err != nil {
			return nil, checkpoint, err
		}
		for _, c := range page.Items {
			if err := ctx.Err(); err != nil {
				return nil, checkpoint, err
			}
			e.machine.ItemScanned(c)
			fp, err := e.hasher.HashCandidate(c)
			if err != nil {
				e.machine.ItemSkipped(c)
				if c.ModTime.Before(checkpoint) {
					checkpoint = c.ModTime
				}
				continue
			}
			items = append(items, hashedItem{fingerprint: fp, candidate: c})
		}
		if page.Done {
			return items, checkpoint, nil
		}
		token = page.Next
	}
}

// buildTasks creates one upload task per missing fingerprint. Local copies of the same content
// share the first candidate's task.
func buildTasks(items []hashedItem, result *dedup.Result) []*data.UploadTask {
	missing := lo.SliceToMap(result.Missing, func(fp shared.Fingerprint) (shared.Fingerprint, bool) {
		return fp, true
	})
	var tasks []*data.UploadTask
	for _, item := range items {
		if !missing[item.fingerprint] {
			continue
		}
		delete(missing, item.fingerprint)
		tasks = append(tasks, &data.UploadTask{
			Fingerprint: item.fingerprint,
			Candidate:   *item.candidate,
			Status:      data.TaskQueued,
		})
	}
	return tasks
}

// revisitFailed lowers checkpoint to the mtime of every task that failed for a reason other than a
// rejection by the server, so that the next session enumerates it again.
func revisitFailed(tasks []*data.UploadTask, checkpoint time.Time) time.Time {
	for _, task := range tasks {
		if task.Status != data.TaskFailed || errors.Is(task.Err, data.ErrNonRetriableUpload) {
			continue
		}
		if task.Candidate.ModTime.Before(checkpoint) {
			checkpoint = task.Candidate.ModTime
		}
	}
	return checkpoint
}

func (e *Engine) checkPolicy(ctx context.Context) error {
	switch kind := e.network.Current(ctx); {
	case kind == NetworkNone:
		return data.ErrNoConnectivity
	case kind == NetworkCellular && e.settings.WifiOnly:
		return fmt.Errorf("waiting for Wi-Fi: %w", data.ErrPolicyBlocked)
	}
	return nil
}

// awaitPolicy blocks while the connectivity policy is violated, keeping the session paused.
func (e *Engine) awaitPolicy(ctx context.Context) error {
	paused := false
	for {
		err := e.checkPolicy(ctx)
		if !errors.Is(err, data.ErrPolicyBlocked) {
			if err == nil && paused {
				// Another waiter may have resumed already
				_ = e.machine.Resume()
			}
			return err
		}
		if !paused {
			e.logger.Info("Pausing sync: " + err.Error())
			if perr := e.machine.Pause(err.Error()); perr != nil {
				return perr
			}
			paused = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// abort ends the session. Cancellation returns to idle, everything else is an error that stays
// visible until the next completed session. Neither touches the cursor.
func (e *Engine) abort(ctx context.Context, logger logrus.FieldLogger, err error) error {
	if ctx.Err() != nil {
		logger.Info("Sync session cancelled")
		e.machine.Cancel()
		return ctx.Err()
	}
	logger.WithError(err).Error("Sync session failed")
	e.machine.Fail(err)
	if rerr := e.cursors.RecordError(err.Error()); rerr != nil {
		logger.WithError(rerr).Warn("Failed to save the session error")
	}
	return err
}

func (e *Engine) record(ctx context.Context, logger logrus.FieldLogger, sessionId string, task *data.UploadTask) {
	if e.journal == nil {
		return
	}
	if err := data.AppendUploadRecord(context.WithoutCancel(ctx), e.journal, data.RecordFromTask(sessionId, task)); err != nil {
		logger.WithError(err).Warn("Failed to journal upload")
	}
}
