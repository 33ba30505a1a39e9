// Package cursor persists the device's sync checkpoint. The token is the start time of the last
// completed session in RFC3339Nano, so a later session only needs to look at media modified since.
package cursor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pixiserve/pixisync/client/hctx"
	"github.com/sirupsen/logrus"
)

// Mirror receives committed cursors on the server side. Failures there never undo a local commit.
type Mirror interface {
	PutCursor(ctx context.Context, deviceId, cursor string) error
}

type Store struct {
	mu     sync.Mutex
	conf   *hctx.ClientConfig
	save   func(*hctx.ClientConfig) error
	mirror Mirror
	logger logrus.FieldLogger
}

type Option func(*Store)

// WithSaver replaces hctx.SetConfig as the way the config is persisted.
func WithSaver(save func(*hctx.ClientConfig) error) Option {
	return func(s *Store) { s.save = save }
}

func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

func New(conf *hctx.ClientConfig, logger logrus.FieldLogger, opts ...Option) *Store {
	s := &Store{conf: conf, save: hctx.SetConfig, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func Encode(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func Decode(token string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, token)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid sync cursor %#v: %w", token, err)
	}
	return t, nil
}

// Load returns the committed checkpoint. ok is false when no session has completed yet, or when
// the stored token cannot be parsed, in which case the next session does a full scan.
func (s *Store) Load() (since time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conf.SyncCursor == "" {
		return time.Time{}, false
	}
	t, err := Decode(s.conf.SyncCursor)
	if err != nil {
		s.logger.WithError(err).Warn("ignoring unreadable sync cursor")
		return time.Time{}, false
	}
	return t, true
}

// Commit persists the checkpoint of a drained session. It reports false, and writes nothing, when
// the new checkpoint is not after the stored one.
func (s *Store) Commit(ctx context.Context, checkpoint time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conf.SyncCursor != "" {
		prev, err := Decode(s.conf.SyncCursor)
		if err == nil && !checkpoint.After(prev) {
			s.logger.WithFields(logrus.Fields{"stored": s.conf.SyncCursor, "rejected": Encode(checkpoint)}).Info("ignoring sync cursor regression")
			return false, nil
		}
	}
	token := Encode(checkpoint)
	updated := *s.conf
	now := time.Now().UTC()
	updated.SyncCursor = token
	updated.LastSyncAt = &now
	updated.LastSessionError = ""
	if err := s.save(&updated); err != nil {
		return false, fmt.Errorf("failed to persist sync cursor: %w", err)
	}
	*s.conf = updated

	if s.mirror != nil && s.conf.DeviceId != "" {
		if err := s.mirror.PutCursor(ctx, s.conf.DeviceId, token); err != nil {
			s.logger.WithError(err).Warn("failed to mirror sync cursor to the server")
		}
	}
	return true, nil
}

// RecordError persists the reason a session aborted so that it stays visible until the next
// completed session. The cursor itself is untouched.
func (s *Store) RecordError(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := *s.conf
	updated.LastSessionError = reason
	if err := s.save(&updated); err != nil {
		return fmt.Errorf("failed to persist session error: %w", err)
	}
	*s.conf = updated
	return nil
}
