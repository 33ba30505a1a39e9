package data

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/pixiserve/pixisync/shared"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestUploadJournal(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&UploadRecord{}))

	records, err := LatestSessionRecords(ctx, db)
	require.NoError(t, err)
	require.Empty(t, records)

	task := &UploadTask{
		Fingerprint: shared.Fingerprint{1},
		Candidate:   AssetCandidate{LocalId: "DCIM/a.jpg", Filename: "a.jpg", Size: 10},
		Status:      TaskDone,
		Attempts:    1,
	}
	require.NoError(t, AppendUploadRecord(ctx, db, RecordFromTask("s1", task)))
	failed := &UploadTask{
		Fingerprint: shared.Fingerprint{2},
		Candidate:   AssetCandidate{LocalId: "DCIM/b.jpg", Filename: "b.jpg"},
		Status:      TaskFailed,
		Attempts:    1,
		Err:         errors.New("status_code=415"),
	}
	require.NoError(t, AppendUploadRecord(ctx, db, RecordFromTask("s2", failed)))
	require.NoError(t, AppendUploadRecord(ctx, db, RecordFromTask("s2", task)))

	records, err = LatestSessionRecords(ctx, db)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "failed", records[0].Status)
	require.Equal(t, "status_code=415", records[0].Reason)
	require.Equal(t, "done", records[1].Status)
}

func TestTaskStatusTerminal(t *testing.T) {
	require.False(t, TaskQueued.IsTerminal())
	require.False(t, TaskInFlight.IsTerminal())
	require.True(t, TaskDone.IsTerminal())
	require.True(t, TaskDuplicate.IsTerminal())
	require.True(t, TaskFailed.IsTerminal())
}

func TestGetPixisyncPath(t *testing.T) {
	t.Setenv("PIXISYNC_HOME", "/tmp/pixisync-home")
	require.Equal(t, "/tmp/pixisync-home", GetPixisyncPath())
}
