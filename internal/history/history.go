// Package history implements the append-only log of user actions. Every
// completed generation, moderation block, and settings change is one
// immutable row; the log is the single source of durable truth and sessions
// are replayed from it.
package history

import (
	"errors"
	"fmt"

	"github.com/zulandar/darkroom/internal/models"
	"gorm.io/gorm"
)

// ErrStorageUnavailable wraps any storage I/O failure. Callers holding
// in-memory state (active task handles) must still clean up when an append
// fails; a failed log write must never leave a user permanently busy.
var ErrStorageUnavailable = errors.New("history: storage unavailable")

// Log is the append-only history store.
type Log struct {
	db *gorm.DB
}

// New creates a Log over an open GORM connection.
func New(db *gorm.DB) (*Log, error) {
	if db == nil {
		return nil, fmt.Errorf("history: db is required")
	}
	return &Log{db: db}, nil
}

// Append writes one entry and returns its assigned id. The write is wrapped
// in a transaction so the entry is either fully visible to subsequent reads
// or not at all.
func (l *Log) Append(e *models.HistoryEntry) (uint, error) {
	err := l.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(e).Error
	})
	if err != nil {
		return 0, fmt.Errorf("%w: append: %v", ErrStorageUnavailable, err)
	}
	return e.ID, nil
}

// Latest returns the most recent entry for the user, optionally restricted
// to a set of action kinds. Returns (nil, nil) when no entry matches.
func (l *Log) Latest(userID int64, actions ...string) (*models.HistoryEntry, error) {
	q := l.db.Where("user_id = ?", userID)
	if len(actions) > 0 {
		q = q.Where("action IN ?", actions)
	}

	var entry models.HistoryEntry
	result := q.Order("id DESC").First(&entry)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("%w: latest: %v", ErrStorageUnavailable, result.Error)
	}
	return &entry, nil
}

// ForUser returns all entries for the user in ascending id order.
func (l *Log) ForUser(userID int64) ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	if err := l.db.Where("user_id = ?", userID).Order("id").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("%w: for user: %v", ErrStorageUnavailable, err)
	}
	return entries, nil
}

// Recent returns the newest entries across all users, newest first.
func (l *Log) Recent(limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.HistoryEntry
	if err := l.db.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("%w: recent: %v", ErrStorageUnavailable, err)
	}
	return entries, nil
}

// Seen reports whether the user has any history at all. Used for lazy
// first-contact registration.
func (l *Log) Seen(userID int64) (bool, error) {
	var count int64
	if err := l.db.Model(&models.HistoryEntry{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: seen: %v", ErrStorageUnavailable, err)
	}
	return count > 0, nil
}

// DB exposes the underlying connection for derived read-only views
// (session materialization, dashboard queries).
func (l *Log) DB() *gorm.DB {
	return l.db
}
