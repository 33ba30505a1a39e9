package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testDB *DB

func TestMain(m *testing.M) {
	db, err := OpenSQLite("file::memory:?_journal_mode=WAL&cache=shared", &gorm.Config{})
	if err != nil {
		panic(fmt.Errorf("failed to connect to the DB: %w", err))
	}
	underlyingDb, err := db.DB.DB()
	if err != nil {
		panic(fmt.Errorf("failed to access underlying DB: %w", err))
	}
	underlyingDb.SetMaxOpenConns(1)
	if err := db.AddDatabaseTables(); err != nil {
		panic(fmt.Errorf("failed to add database tables: %w", err))
	}
	if err := db.CreateIndices(); err != nil {
		panic(fmt.Errorf("failed to create indices: %w", err))
	}
	testDB = db

	os.Exit(m.Run())
}

func checksum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func newAsset(owner, content string) *Asset {
	return &Asset{
		Id:          uuid.Must(uuid.NewRandom()).String(),
		OwnerId:     owner,
		Checksum:    checksum(content),
		Filename:    content + ".jpg",
		MimeType:    "image/jpeg",
		Kind:        "image",
		Size:        int64(len(content)),
		StoragePath: "originals/" + checksum(content),
	}
}

func TestRegisterDeviceIsUpsert(t *testing.T) {
	ctx := context.Background()
	userId := uuid.Must(uuid.NewRandom()).String()

	d, err := testDB.RegisterDevice(ctx, &Device{UserId: userId, DeviceId: "phone", DeviceName: "Pixel", DeviceType: "android", AppVersion: "1.0"})
	require.NoError(t, err)
	require.True(t, d.IsActive)
	require.NoError(t, testDB.UpdateDeviceCursor(ctx, userId, "phone", "cursor-1", time.Now()))
	require.NoError(t, testDB.DeactivateDevice(ctx, userId, "phone"))

	d, err = testDB.RegisterDevice(ctx, &Device{UserId: userId, DeviceId: "phone", DeviceName: "Pixel 9", DeviceType: "android", AppVersion: "1.1"})
	require.NoError(t, err)
	require.True(t, d.IsActive)
	require.Equal(t, "Pixel 9", d.DeviceName)
	require.Equal(t, "1.1", d.AppVersion)
	require.Equal(t, "cursor-1", d.SyncCursor)

	devices, err := testDB.DevicesForUser(ctx, userId)
	require.NoError(t, err)
	require.Len(t, devices, 1)
}

func TestDeviceNotFound(t *testing.T) {
	ctx := context.Background()
	_, err := testDB.DeviceForUser(ctx, "nobody", "nothing")
	require.ErrorIs(t, err, ErrDeviceNotFound)
	require.ErrorIs(t, testDB.DeactivateDevice(ctx, "nobody", "nothing"), ErrDeviceNotFound)
	require.ErrorIs(t, testDB.UpdateDeviceCursor(ctx, "nobody", "nothing", "c", time.Now()), ErrDeviceNotFound)
}

func TestCreateAssetUniquePerOwner(t *testing.T) {
	ctx := context.Background()
	owner := uuid.Must(uuid.NewRandom()).String()
	other := uuid.Must(uuid.NewRandom()).String()

	require.NoError(t, testDB.CreateAsset(ctx, newAsset(owner, "a")))
	require.ErrorIs(t, testDB.CreateAsset(ctx, newAsset(owner, "a")), ErrDuplicateAsset)
	// The same bytes for another owner are a different asset
	require.NoError(t, testDB.CreateAsset(ctx, newAsset(other, "a")))

	count, err := testDB.CountAssetsForUser(ctx, owner)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	asset, err := testDB.AssetByChecksum(ctx, owner, checksum("a"))
	require.NoError(t, err)
	require.Equal(t, "a.jpg", asset.Filename)
	_, err = testDB.AssetByChecksum(ctx, owner, checksum("b"))
	require.ErrorIs(t, err, ErrAssetNotFound)
}

func TestExistingChecksums(t *testing.T) {
	ctx := context.Background()
	owner := uuid.Must(uuid.NewRandom()).String()
	for i := 0; i < 5; i++ {
		require.NoError(t, testDB.CreateAsset(ctx, newAsset(owner, fmt.Sprintf("e%d", i))))
	}
	query := []string{checksum("e0"), checksum("missing"), checksum("e3"), checksum("e0")}
	existing, err := testDB.ExistingChecksums(ctx, owner, query)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{checksum("e0"): true, checksum("e3"): true}, existing)

	existing, err = testDB.ExistingChecksums(ctx, "someone-else", query)
	require.NoError(t, err)
	require.Empty(t, existing)
}

func TestAssetsAfterPaginates(t *testing.T) {
	ctx := context.Background()
	owner := uuid.Must(uuid.NewRandom()).String()
	for i := 0; i < 7; i++ {
		require.NoError(t, testDB.CreateAsset(ctx, newAsset(owner, fmt.Sprintf("p%d", i))))
	}

	var seen []string
	var cursor int64
	for {
		page, err := testDB.AssetsAfter(ctx, owner, cursor, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, a := range page {
			require.Greater(t, a.Seq, cursor)
			seen = append(seen, a.Filename)
		}
		cursor = page[len(page)-1].Seq
	}
	require.Equal(t, []string{"p0.jpg", "p1.jpg", "p2.jpg", "p3.jpg", "p4.jpg", "p5.jpg", "p6.jpg"}, seen)

	used, err := testDB.StorageUsedForUser(ctx, owner)
	require.NoError(t, err)
	require.EqualValues(t, 14, used)
}
