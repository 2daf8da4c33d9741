// Package storage persists the BSS table with GORM over SQLite so scan
// results survive driver restarts. The cache is advisory: the connection path
// never blocks on it, and a write failure costs nothing but a warning.
package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
	"github.com/lcalzada-xor/fullmac/internal/core/ports"
)

// SQLiteStore implements ports.BSSStore using GORM and SQLite.
type SQLiteStore struct {
	log *zap.Logger
	db  *gorm.DB
}

// BSSModel is the GORM model for one cached BSS. The naming strategy splits
// trailing initialisms (BSSID becomes bss_id), so the two identifier columns
// pin their names explicitly; the upsert clause and raw index DDL depend on
// them.
type BSSModel struct {
	BSSID          string `gorm:"primaryKey;column:bssid"`
	SSID           string `gorm:"column:ssid"`
	Channel        int
	RSSI           int
	Security       string // WPA2, WPA3, OPEN, WEP
	BeaconInterval uint16
	Capability     uint16
	IEs            []byte
	LastSeen       time.Time
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema. Pass ":memory:" for an ephemeral cache.
func NewSQLiteStore(path string, log *zap.Logger) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("storage: tracing plugin: %w", err)
	}

	if err := db.AutoMigrate(&BSSModel{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	for _, ddl := range []string{
		"CREATE INDEX IF NOT EXISTS idx_bss_ssid ON bss_models(ssid)",
		"CREATE INDEX IF NOT EXISTS idx_bss_last_seen ON bss_models(last_seen)",
	} {
		if err := db.Exec(ddl).Error; err != nil {
			return nil, fmt.Errorf("storage: index: %w", err)
		}
	}

	return &SQLiteStore{log: log, db: db}, nil
}

// Upsert inserts or refreshes one BSS, keyed by BSSID.
func (s *SQLiteStore) Upsert(ctx context.Context, bss domain.BSSDescription) error {
	model := toModel(bss)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bssid"}},
		UpdateAll: true,
	}).Create(&model).Error
}

// All returns the whole cached table, freshest first.
func (s *SQLiteStore) All(ctx context.Context) ([]domain.BSSDescription, error) {
	var models []BSSModel
	if err := s.db.WithContext(ctx).Order("last_seen desc").Find(&models).Error; err != nil {
		return nil, err
	}
	return toDomainSlice(models), nil
}

// FindBySSID returns every cached BSS advertising ssid. A network with several
// access points yields one row per BSSID.
func (s *SQLiteStore) FindBySSID(ctx context.Context, ssid string) ([]domain.BSSDescription, error) {
	var models []BSSModel
	if err := s.db.WithContext(ctx).Where("ssid = ?", ssid).Order("rssi desc").Find(&models).Error; err != nil {
		return nil, err
	}
	return toDomainSlice(models), nil
}

// PruneOlderThan drops entries not seen within age and returns how many went.
func (s *SQLiteStore) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	res := s.db.WithContext(ctx).Where("last_seen < ?", cutoff).Delete(&BSSModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Info("pruned stale bss entries",
			zap.Int64("count", res.RowsAffected), zap.Time("cutoff", cutoff))
	}
	return res.RowsAffected, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ensure interface compliance
var _ ports.BSSStore = (*SQLiteStore)(nil)
