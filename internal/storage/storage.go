// Package storage provides the gateway's backup and update history ledger
// using GORM and SQLite.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Sentinel errors following Dave Cheney's principle: define errors as values
var (
	ErrNilBackup       = errors.New("backup cannot be nil")
	ErrNilHistory      = errors.New("history entry cannot be nil")
	ErrNotFound        = errors.New("backup not found")
	ErrMissingInstance = errors.New("instance id cannot be empty")
)

// Backup is an archive of a component's install directory taken before an update.
type Backup struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	InstanceID  string `gorm:"not null;index:idx_backup_scope"`
	Component   string `gorm:"not null;index:idx_backup_scope"`
	Version     string
	CommitHash  string
	BackupSize  int64
	ArchivePath string `gorm:"not null"`
	Description string
	CreatedAt   time.Time `gorm:"not null;index"`
}

// HistoryEntry is one row of the append-only update ledger.
type HistoryEntry struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	InstanceID   string `gorm:"not null;index:idx_history_scope"`
	Component    string `gorm:"not null;index:idx_history_scope"`
	FromVersion  string
	ToVersion    string
	FromCommit   string
	ToCommit     string
	Status       string `gorm:"not null"`
	BackupID     string
	ErrorMessage string    `gorm:"type:text"`
	UpdatedAt    time.Time `gorm:"not null;index;autoUpdateTime:false"`
}

// Store defines the interface for ledger operations. History has no update or
// delete methods.
type Store interface {
	Close() error
	CreateBackup(*Backup) error
	GetBackup(instanceID, id string) (*Backup, error)
	ListBackups(instanceID, component string) ([]*Backup, error)
	AppendHistory(*HistoryEntry) error
	ListHistory(instanceID, component string, limit int) ([]*HistoryEntry, error)
	CountHistory(instanceID string) (int64, error)
}

// DB wraps gorm.DB with our ledger operations
type DB struct {
	db  *gorm.DB
	now func() time.Time
}

// Config holds database configuration
type Config struct {
	DatabasePath string
	LogLevel     string // silent, error, warn, info
}

// InitDB initializes the database connection and runs migrations
func InitDB(cfg Config) (*DB, error) {
	logLevel := logger.Silent
	switch cfg.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto-migrate schema
	if err := db.AutoMigrate(&Backup{}, &HistoryEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &DB{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// CreateBackup records a backup. CreatedAt defaults to now.
func (d *DB) CreateBackup(b *Backup) error {
	if b == nil {
		return ErrNilBackup
	}
	if strings.TrimSpace(b.InstanceID) == "" {
		return ErrMissingInstance
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = d.now().UTC()
	}
	if err := d.db.Create(b).Error; err != nil {
		return fmt.Errorf("failed to record backup: %w", err)
	}
	return nil
}

// GetBackup retrieves a backup that belongs to the instance.
func (d *DB) GetBackup(instanceID, id string) (*Backup, error) {
	var b Backup
	err := d.db.Where("instance_id = ? AND id = ?", instanceID, id).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup: %w", err)
	}
	return &b, nil
}

// ListBackups returns the instance's backups, newest first. An empty
// component lists every component.
func (d *DB) ListBackups(instanceID, component string) ([]*Backup, error) {
	q := d.db.Where("instance_id = ?", instanceID)
	if component != "" {
		q = q.Where("component = ?", component)
	}
	var backups []*Backup
	if err := q.Order("created_at DESC").Find(&backups).Error; err != nil {
		return nil, fmt.Errorf("failed to list backups for %s: %w", instanceID, err)
	}
	return backups, nil
}

// AppendHistory appends a ledger row. UpdatedAt defaults to now.
func (d *DB) AppendHistory(h *HistoryEntry) error {
	if h == nil {
		return ErrNilHistory
	}
	if strings.TrimSpace(h.InstanceID) == "" {
		return ErrMissingInstance
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = d.now().UTC()
	}
	h.ID = 0
	if err := d.db.Create(h).Error; err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory returns at most limit entries, newest first. A non-positive
// limit returns everything.
func (d *DB) ListHistory(instanceID, component string, limit int) ([]*HistoryEntry, error) {
	q := d.db.Where("instance_id = ?", instanceID)
	if component != "" {
		q = q.Where("component = ?", component)
	}
	q = q.Order("updated_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []*HistoryEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list history for %s: %w", instanceID, err)
	}
	return entries, nil
}

// CountHistory returns the number of ledger rows of an instance.
func (d *DB) CountHistory(instanceID string) (int64, error) {
	var n int64
	if err := d.db.Model(&HistoryEntry{}).Where("instance_id = ?", instanceID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}
