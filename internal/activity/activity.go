// Package activity is the append-only, cursor-readable activity trail shown
// to dashboard operators.
package activity

import (
	"encoding/json"
	"fmt"

	"github.com/dispatchhq/dispatchd/internal/model"
	"gorm.io/gorm"
)

// listLimit caps one cursor read.
const listLimit = 1000

// Append writes one log entry. meta is stored as a JSON column.
func Append(db *gorm.DB, sessionID uint, category string, entityID *uint, message string, meta map[string]any) error {
	var raw []byte
	if meta != nil {
		var err error
		raw, err = json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshalling log meta: %w", err)
		}
	}

	entry := model.ActivityLog{
		SessionID: sessionID,
		Category:  category,
		EntityID:  entityID,
		Message:   message,
		Meta:      raw,
	}
	if err := db.Create(&entry).Error; err != nil {
		return fmt.Errorf("appending activity log: %w", err)
	}
	return nil
}

// ListSince returns entries with id > sinceID in ascending order, capped.
func ListSince(db *gorm.DB, sessionID uint, sinceID uint) ([]model.ActivityLog, error) {
	var entries []model.ActivityLog
	err := db.Where("session_id = ? AND id > ?", sessionID, sinceID).
		Order("id ASC").
		Limit(listLimit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("listing activity logs: %w", err)
	}
	return entries, nil
}
