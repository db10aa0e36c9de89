package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nekota/device-manager/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Repo struct {
	db *gorm.DB
}

func gormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.New(postgres.Config{DSN: dsn}), &gorm.Config{Logger: gormLogger()})
}

// OpenSQLite opens a file backed database for single node deployments.
func OpenSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		path = "device-manager.db"
	}
	return gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger()})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&model.Device{}, &model.Firmware{}, &model.AgentMemory{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- Devices ---

func (r *Repo) DeviceByID(ctx context.Context, deviceID string) (*model.Device, error) {
	var dev model.Device
	if err := r.db.WithContext(ctx).Where(map[string]any{"device_id": deviceID}).First(&dev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, unavailable("get device", err)
	}
	return &dev, nil
}

func (r *Repo) DeviceByMAC(ctx context.Context, mac string) (*model.Device, error) {
	var dev model.Device
	if err := r.db.WithContext(ctx).Where(map[string]any{"mac_address": mac}).First(&dev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, unavailable("get device by mac", err)
	}
	return &dev, nil
}

// SaveDevice inserts or overwrites the full row. UpdatedAt is always refreshed.
func (r *Repo) SaveDevice(ctx context.Context, d *model.Device) error {
	d.UpdatedAt = time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.UpdatedAt
	}
	if err := r.db.WithContext(ctx).Save(d).Error; err != nil {
		return unavailable("save device", err)
	}
	return nil
}

// RotateToken replaces the access token of a re-registering device and marks
// it online. Other columns are left untouched.
func (r *Repo) RotateToken(ctx context.Context, deviceID, token string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.Device{}).
		Where(map[string]any{"device_id": deviceID}).
		Updates(map[string]any{
			"access_token":   token,
			"status":         model.StatusOnline,
			"last_heartbeat": at,
			"updated_at":     time.Now().UTC(),
		}).Error
	if err != nil {
		return unavailable("rotate token", err)
	}
	return nil
}

// TouchHeartbeat marks the device online at the given time, but only while
// its access token is still token. ok is false when the token was rotated
// (or the device removed) since it was read.
func (r *Repo) TouchHeartbeat(ctx context.Context, deviceID, token string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Device{}).
		Where(map[string]any{"device_id": deviceID, "access_token": token}).
		Updates(map[string]any{
			"status":         model.StatusOnline,
			"last_heartbeat": at,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return false, unavailable("touch heartbeat", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkOffline flips an online device offline if its last heartbeat is older
// than staleBefore. changed is false when another request already flipped it
// or a newer heartbeat arrived.
func (r *Repo) MarkOffline(ctx context.Context, deviceID string, staleBefore time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Device{}).
		Where("device_id = ? AND status <> ? AND last_heartbeat < ?", deviceID, model.StatusOffline, staleBefore).
		Updates(map[string]any{
			"status":     model.StatusOffline,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, unavailable("mark offline", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) ListDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&devices).Error; err != nil {
		return nil, unavailable("list devices", err)
	}
	return devices, nil
}

// --- Firmware catalog ---

func (r *Repo) LatestFirmware(ctx context.Context, deviceType string) (*model.Firmware, error) {
	var fw model.Firmware
	err := r.db.WithContext(ctx).
		Where(map[string]any{"device_type": deviceType, "is_latest": true}).
		Order("id desc").
		First(&fw).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, unavailable("get latest firmware", err)
	}
	return &fw, nil
}

func (r *Repo) FirmwareByVersion(ctx context.Context, deviceType, version string) (*model.Firmware, error) {
	var fw model.Firmware
	err := r.db.WithContext(ctx).
		Where(map[string]any{"device_type": deviceType, "version": version}).
		First(&fw).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, unavailable("get firmware", err)
	}
	return &fw, nil
}

func (r *Repo) CountFirmware(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Firmware{}).Count(&n).Error; err != nil {
		return 0, unavailable("count firmware", err)
	}
	return n, nil
}

// CreateFirmware inserts all rows in one transaction.
func (r *Repo) CreateFirmware(ctx context.Context, rows []model.Firmware) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range rows {
		if rows[i].CreatedAt.IsZero() {
			rows[i].CreatedAt = now
		}
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		return unavailable("create firmware", err)
	}
	return nil
}

// --- Agent memory (durable fallback) ---

func (r *Repo) GetMemory(ctx context.Context, deviceID string) (string, bool, error) {
	var row model.AgentMemory
	if err := r.db.WithContext(ctx).Where(map[string]any{"device_id": deviceID}).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, unavailable("get memory", err)
	}
	return row.Content, true, nil
}

func (r *Repo) PutMemory(ctx context.Context, deviceID, content string) error {
	row := &model.AgentMemory{DeviceID: deviceID, Content: content, UpdatedAt: time.Now().UTC()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return unavailable("put memory", err)
	}
	return nil
}
