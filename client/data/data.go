package data

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pixiserve/pixisync/shared"
	"gorm.io/gorm"
)

const (
	CONFIG_PATH     = "config.json"
	DB_PATH         = "pixisync.db"
	HASH_CACHE_PATH = "fingerprints.db"
	LOG_PATH        = "pixisync.log"
)

const (
	defaultPixisyncPath = ".pixisync"
)

// AssetCandidate is one media item found during a scan. It is rebuilt on every scan.
type AssetCandidate struct {
	// Path relative to the library root, using forward slashes
	LocalId    string           `json:"local_id"`
	Path       string           `json:"path"`
	Kind       shared.MediaKind `json:"kind"`
	Filename   string           `json:"filename"`
	MimeType   string           `json:"mime_type"`
	Size       int64            `json:"size"`
	CapturedAt time.Time        `json:"captured_at"`
	ModTime    time.Time        `json:"mod_time"`
}

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskInFlight  TaskStatus = "in_flight"
	TaskDone      TaskStatus = "done"
	TaskDuplicate TaskStatus = "duplicate"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskDuplicate || s == TaskFailed
}

type UploadTask struct {
	Fingerprint shared.Fingerprint
	Candidate   AssetCandidate
	Status      TaskStatus
	Attempts    int
	// 0 to 100
	Progress float64
	AssetId  string
	Err      error
}

// Settings are the user-facing sync policy switches.
type Settings struct {
	AutoSync        bool `json:"auto_sync" yaml:"auto_sync"`
	WifiOnly        bool `json:"wifi_only" yaml:"wifi_only"`
	SyncVideos      bool `json:"sync_videos" yaml:"sync_videos"`
	SyncScreenshots bool `json:"sync_screenshots" yaml:"sync_screenshots"`
}

func DefaultSettings() Settings {
	return Settings{AutoSync: true, WifiOnly: true, SyncVideos: true, SyncScreenshots: false}
}

// UploadRecord is the local journal entry for one finished upload task.
type UploadRecord struct {
	Id          uint      `gorm:"primaryKey"`
	SessionId   string    `json:"session_id" gorm:"index:upload_session_idx"`
	Fingerprint string    `json:"fingerprint" gorm:"index"`
	LocalId     string    `json:"local_id"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason"`
	AssetId     string    `json:"asset_id"`
	RecordedAt  time.Time `json:"recorded_at" gorm:"index"`
}

func RecordFromTask(sessionId string, task *UploadTask) *UploadRecord {
	r := &UploadRecord{
		SessionId:   sessionId,
		Fingerprint: task.Fingerprint.String(),
		LocalId:     task.Candidate.LocalId,
		Filename:    task.Candidate.Filename,
		Size:        task.Candidate.Size,
		Status:      string(task.Status),
		Attempts:    task.Attempts,
		AssetId:     task.AssetId,
		RecordedAt:  time.Now().UTC(),
	}
	if task.Err != nil {
		r.Reason = task.Err.Error()
	}
	return r
}

func AppendUploadRecord(ctx context.Context, db *gorm.DB, record *UploadRecord) error {
	if err := db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to record upload: %w", err)
	}
	return nil
}

// LatestSessionRecords returns the journal entries of the most recently recorded session.
func LatestSessionRecords(ctx context.Context, db *gorm.DB) ([]*UploadRecord, error) {
	var latest UploadRecord
	tx := db.WithContext(ctx).Order("id DESC").Limit(1).Find(&latest)
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to query the upload journal: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return nil, nil
	}
	var records []*UploadRecord
	tx = db.WithContext(ctx).Where("session_id = ?", latest.SessionId).Order("id").Find(&records)
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to query the upload journal: %w", tx.Error)
	}
	return records, nil
}

func GetPixisyncPath() string {
	pixisyncPath := os.Getenv("PIXISYNC_HOME")
	if pixisyncPath != "" {
		return pixisyncPath
	}

	UserHome, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return fmt.Sprintf("%s/%s", UserHome, defaultPixisyncPath)
}
