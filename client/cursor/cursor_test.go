package cursor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pixiserve/pixisync/client/hctx"
	"github.com/pixiserve/pixisync/shared/testutils"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	puts []string
	err  error
}

func (m *fakeMirror) PutCursor(_ context.Context, deviceId, cursor string) error {
	m.puts = append(m.puts, deviceId+"="+cursor)
	return m.err
}

func TestCommitAndLoad(t *testing.T) {
	t.Setenv("PIXISYNC_HOME", t.TempDir())
	require.NoError(t, hctx.InitConfig())
	conf, err := hctx.GetConfig()
	require.NoError(t, err)
	conf.DeviceId = "phone"
	conf.LastSessionError = "no network connectivity"

	mirror := &fakeMirror{}
	store := New(&conf, testutils.QuietLogger(), WithMirror(mirror))
	_, ok := store.Load()
	require.False(t, ok)

	checkpoint := time.Date(2024, 3, 1, 12, 0, 0, 5, time.UTC)
	committed, err := store.Commit(context.Background(), checkpoint)
	require.NoError(t, err)
	require.True(t, committed)

	since, ok := store.Load()
	require.True(t, ok)
	require.True(t, checkpoint.Equal(since))
	require.Equal(t, []string{"phone=2024-03-01T12:00:00.000000005Z"}, mirror.puts)

	persisted, err := hctx.GetConfig()
	require.NoError(t, err)
	require.Equal(t, Encode(checkpoint), persisted.SyncCursor)
	require.NotNil(t, persisted.LastSyncAt)
	require.Empty(t, persisted.LastSessionError)
}

func TestCommitIgnoresRegressions(t *testing.T) {
	conf := hctx.ClientConfig{SyncCursor: "2024-03-01T12:00:00Z"}
	saves := 0
	store := New(&conf, testutils.QuietLogger(), WithSaver(func(*hctx.ClientConfig) error {
		saves++
		return nil
	}))

	for _, checkpoint := range []time.Time{
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	} {
		committed, err := store.Commit(context.Background(), checkpoint)
		require.NoError(t, err)
		require.False(t, committed)
	}
	require.Equal(t, 0, saves)
	require.Equal(t, "2024-03-01T12:00:00Z", conf.SyncCursor)

	committed, err := store.Commit(context.Background(), time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, committed)
	require.Equal(t, 1, saves)
}

func TestCommitFailureKeepsPreviousCursor(t *testing.T) {
	conf := hctx.ClientConfig{SyncCursor: "2024-03-01T12:00:00Z"}
	store := New(&conf, testutils.QuietLogger(), WithSaver(func(*hctx.ClientConfig) error {
		return errors.New("disk full")
	}))
	_, err := store.Commit(context.Background(), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, "2024-03-01T12:00:00Z", conf.SyncCursor)
	require.Nil(t, conf.LastSyncAt)
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	conf := hctx.ClientConfig{DeviceId: "phone"}
	mirror := &fakeMirror{err: errors.New("server down")}
	store := New(&conf, testutils.QuietLogger(), WithMirror(mirror), WithSaver(func(*hctx.ClientConfig) error { return nil }))
	committed, err := store.Commit(context.Background(), time.Now())
	require.NoError(t, err)
	require.True(t, committed)
	require.Len(t, mirror.puts, 1)
}

func TestUnreadableCursorMeansFullScan(t *testing.T) {
	conf := hctx.ClientConfig{SyncCursor: "garbage"}
	store := New(&conf, testutils.QuietLogger(), WithSaver(func(*hctx.ClientConfig) error { return nil }))
	_, ok := store.Load()
	require.False(t, ok)
	committed, err := store.Commit(context.Background(), time.Now())
	require.NoError(t, err)
	require.True(t, committed)
}

func TestRecordError(t *testing.T) {
	conf := hctx.ClientConfig{SyncCursor: "2024-03-01T12:00:00Z"}
	var saved hctx.ClientConfig
	store := New(&conf, testutils.QuietLogger(), WithSaver(func(c *hctx.ClientConfig) error {
		saved = *c
		return nil
	}))
	require.NoError(t, store.RecordError("permission denied"))
	require.Equal(t, "permission denied", saved.LastSessionError)
	require.Equal(t, "2024-03-01T12:00:00Z", saved.SyncCursor)

	_, err := store.Commit(context.Background(), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Empty(t, saved.LastSessionError)
}
