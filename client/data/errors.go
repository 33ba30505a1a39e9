package data

import "errors"

var (
	// The media library can no longer be read. Aborts the session without touching the cursor.
	ErrPermissionDenied = errors.New("permission denied reading the media library")
	ErrNoConnectivity   = errors.New("no network connectivity")
	// The connectivity policy (e.g. wifi_only) forbids syncing on the current network.
	ErrPolicyBlocked    = errors.New("sync blocked by connectivity policy")
	ErrUnreadableSource = errors.New("media item is unreadable")
	// The server may or may not have stored the upload. Safe to retry since ingest is idempotent.
	ErrAmbiguousUploadOutcome = errors.New("upload outcome is unknown")
	ErrNonRetriableUpload     = errors.New("upload was rejected")
	ErrServerUnavailable      = errors.New("server is unavailable")
	ErrSessionActive          = errors.New("a sync session is already active")
)
