package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pixiserve/pixisync/shared"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Device struct {
	UserId     string `json:"user_id" gorm:"not null;uniqueIndex:device_owner_uniq_idx"`
	DeviceId   string `json:"device_id" gorm:"not null;uniqueIndex:device_owner_uniq_idx"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	AppVersion string `json:"app_version"`
	// Opaque checkpoint of the device's last completed session
	SyncCursor         string     `json:"sync_cursor"`
	LastSyncAt         *time.Time `json:"last_sync_at"`
	TotalUploaded      int64      `json:"total_uploaded"`
	TotalBytesUploaded int64      `json:"total_bytes_uploaded"`
	IsActive           bool       `json:"is_active"`
	// The IP address that was used to register the device.
	RegistrationIp   string    `json:"registration_ip"`
	RegistrationDate time.Time `json:"registration_date"`
}

func (d *Device) Info() shared.DeviceInfo {
	return shared.DeviceInfo{
		DeviceId:           d.DeviceId,
		DeviceName:         d.DeviceName,
		DeviceType:         shared.DeviceType(d.DeviceType),
		AppVersion:         d.AppVersion,
		SyncCursor:         d.SyncCursor,
		LastSyncAt:         d.LastSyncAt,
		TotalUploaded:      d.TotalUploaded,
		TotalBytesUploaded: d.TotalBytesUploaded,
		IsActive:           d.IsActive,
		RegisteredAt:       d.RegistrationDate,
	}
}

// RegisterDevice creates the device or, if it already exists for this user, refreshes its
// metadata and reactivates it. The sync cursor and upload counters are preserved.
func (db *DB) RegisterDevice(ctx context.Context, device *Device) (*Device, error) {
	device.IsActive = true
	if device.RegistrationDate.IsZero() {
		device.RegistrationDate = time.Now().UTC()
	}
	tx := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"device_name", "device_type", "app_version", "is_active"}),
	}).Create(device)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return db.DeviceForUser(ctx, device.UserId, device.DeviceId)
}

func (db *DB) DeviceForUser(ctx context.Context, userID, deviceID string) (*Device, error) {
	var device Device
	tx := db.WithContext(ctx).Where("user_id = ? AND device_id = ?", userID, deviceID).First(&device)
	if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return &device, nil
}

// DevicesForUser returns the active devices for a user, most recently synced first.
func (db *DB) DevicesForUser(ctx context.Context, userID string) ([]*Device, error) {
	var devices []*Device
	tx := db.WithContext(ctx).
		Where("user_id = ? AND is_active", userID).
		Order("last_sync_at IS NULL, last_sync_at DESC, registration_date DESC").
		Find(&devices)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return devices, nil
}

func (db *DB) DeactivateDevice(ctx context.Context, userID, deviceID string) error {
	tx := db.WithContext(ctx).Model(&Device{}).Where("user_id = ? AND device_id = ?", userID, deviceID).Update("is_active", false)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (db *DB) UpdateDeviceCursor(ctx context.Context, userID, deviceID, cursor string, at time.Time) error {
	tx := db.WithContext(ctx).Model(&Device{}).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Updates(map[string]any{"sync_cursor": cursor, "last_sync_at": at.UTC()})
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// RecordDeviceUpload bumps the per-device upload counters after a new asset is stored.
func (db *DB) RecordDeviceUpload(ctx context.Context, userID, deviceID string, numBytes int64) error {
	tx := db.WithContext(ctx).Exec(
		"UPDATE devices SET total_uploaded = total_uploaded + 1, total_bytes_uploaded = total_bytes_uploaded + ? WHERE user_id = ? AND device_id = ?",
		numBytes, userID, deviceID)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return nil
}

func (db *DB) CountAllDevices(ctx context.Context) (int64, error) {
	var numDevices int64 = 0
	tx := db.WithContext(ctx).Model(&Device{}).Count(&numDevices)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return numDevices, nil
}

func (db *DB) DistinctUsers(ctx context.Context) (int64, error) {
	return extractInt64FromRow(db.WithContext(ctx).Raw("SELECT COUNT(DISTINCT devices.user_id) FROM devices").Row())
}

// UserExists reports whether the user has ever registered a device.
func (db *DB) UserExists(ctx context.Context, userID string) (bool, error) {
	var count int64
	tx := db.WithContext(ctx).Model(&Device{}).Where("user_id = ?", userID).Limit(1).Count(&count)
	if tx.Error != nil {
		return false, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return count > 0, nil
}

type DeviceStats struct {
	UserId             string
	DeviceId           string
	DeviceType         string
	AppVersion         string
	RegistrationDate   time.Time
	LastSyncAt         *time.Time
	TotalUploaded      int64
	TotalBytesUploaded int64
	IsActive           bool
}

func (db *DB) AllDeviceStats(ctx context.Context) ([]DeviceStats, error) {
	var stats []DeviceStats
	tx := db.WithContext(ctx).Model(&Device{}).Order("registration_date DESC").Limit(1000).Find(&stats)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}
	return stats, nil
}
