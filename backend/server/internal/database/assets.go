package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pixiserve/pixisync/shared"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// Asset is an immutable, content-addressed original. The (owner_id, checksum) pair is unique,
// which is what makes ingest idempotent.
type Asset struct {
	// Monotonic position in the change feed
	Seq            int64  `gorm:"primaryKey;autoIncrement"`
	Id             string `gorm:"not null;uniqueIndex"`
	OwnerId        string `gorm:"not null;uniqueIndex:asset_owner_checksum_idx"`
	Checksum       string `gorm:"not null;uniqueIndex:asset_owner_checksum_idx"`
	Filename       string `gorm:"not null"`
	MimeType       string `gorm:"not null"`
	Kind           string `gorm:"not null"`
	Size           int64  `gorm:"not null"`
	CapturedAt     *time.Time
	StoragePath    string `gorm:"not null"`
	SourceDeviceId string
	CreatedAt      time.Time `gorm:"not null"`
}

func (a *Asset) Record() shared.AssetRecord {
	fp, _ := shared.ParseFingerprint(a.Checksum)
	return shared.AssetRecord{
		Id:          a.Id,
		Fingerprint: fp,
		Filename:    a.Filename,
		MimeType:    a.MimeType,
		Kind:        shared.MediaKind(a.Kind),
		Size:        a.Size,
		CapturedAt:  a.CapturedAt,
		CreatedAt:   a.CreatedAt,
		Seq:         a.Seq,
	}
}

// ExistingChecksums returns the subset of checksums that the owner already has.
func (db *DB) ExistingChecksums(ctx context.Context, ownerID string, checksums []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	// Chunk the lookups to stay under the bound parameter limits of both sqlite and postgres
	for _, chunk := range shared.Chunks(lo.Uniq(checksums), 500) {
		var found []string
		tx := db.WithContext(ctx).Model(&Asset{}).Where("owner_id = ? AND checksum IN ?", ownerID, chunk).Pluck("checksum", &found)
		if tx.Error != nil {
			return nil, fmt.Errorf("tx.Error: %w", tx.Error)
		}
		for _, c := range found {
			existing[c] = true
		}
	}
	return existing, nil
}

func (db *DB) AssetByChecksum(ctx context.Context, ownerID, checksum string) (*Asset, error) {
	var asset Asset
	tx := db.WithContext(ctx).Where("owner_id = ? AND checksum = ?", ownerID, checksum).First(&asset)
	if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		return nil, ErrAssetNotFound
	}
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return &asset, nil
}

// CreateAsset inserts a new asset. If another request already created the same
// (owner, checksum), ErrDuplicateAsset is returned and the caller should load the winner.
func (db *DB) CreateAsset(ctx context.Context, asset *Asset) error {
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	tx := db.WithContext(ctx).Create(asset)
	if isUniqueViolation(tx.Error) {
		return ErrDuplicateAsset
	}
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return nil
}

// AssetsAfter returns up to limit assets for the owner with a feed position after seq, oldest first.
func (db *DB) AssetsAfter(ctx context.Context, ownerID string, seq int64, limit int) ([]*Asset, error) {
	var assets []*Asset
	tx := db.WithContext(ctx).Where("owner_id = ? AND seq > ?", ownerID, seq).Order("seq ASC").Limit(limit).Find(&assets)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return assets, nil
}

func (db *DB) CountAssetsForUser(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	tx := db.WithContext(ctx).Model(&Asset{}).Where("owner_id = ?", ownerID).Count(&count)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return count, nil
}

func (db *DB) CountAssetsCreatedSince(ctx context.Context, ownerID string, since time.Time) (int64, error) {
	var count int64
	tx := db.WithContext(ctx).Model(&Asset{}).Where("owner_id = ? AND created_at > ?", ownerID, since.UTC()).Count(&count)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return count, nil
}

func (db *DB) StorageUsedForUser(ctx context.Context, ownerID string) (int64, error) {
	return extractInt64FromRow(db.WithContext(ctx).Raw("SELECT SUM(size) FROM assets WHERE owner_id = ?", ownerID).Row())
}

func (db *DB) CountAllAssets(ctx context.Context) (int64, error) {
	var count int64
	tx := db.WithContext(ctx).Model(&Asset{}).Count(&count)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return count, nil
}

func (db *DB) Unsafe_DeleteAllAssets(ctx context.Context) error {
	tx := db.WithContext(ctx).Exec("DELETE FROM assets")
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return nil
}
