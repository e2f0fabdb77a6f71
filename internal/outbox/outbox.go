// Package outbox is the durable command queue from the dashboard to the
// game client: appends are monotonic, reads are cursor-bounded, and the
// client acknowledges processed entries. Delivery is at least once; every
// command carries an idempotency key so the consumer can deduplicate
// replays after a crash between delivery and ack.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dispatchhq/dispatchd/internal/apperr"
	"github.com/dispatchhq/dispatchd/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// pendingLimit caps one cursor read to bound response size.
const pendingLimit = 500

// Enqueue appends a command of the given type. payload is serialized to the
// JSON column as-is.
func Enqueue(db *gorm.DB, sessionID uint, cmdType string, payload any) (model.Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.Command{}, fmt.Errorf("marshalling %s payload: %w", cmdType, err)
	}

	cmd := model.Command{
		SessionID:      sessionID,
		Type:           cmdType,
		Payload:        raw,
		IdempotencyKey: uuid.NewString(),
	}
	if err := db.Create(&cmd).Error; err != nil {
		return model.Command{}, fmt.Errorf("enqueueing %s command: %w", cmdType, err)
	}
	return cmd, nil
}

// Pending returns unprocessed commands with id > afterID in ascending
// order, capped at pendingLimit.
func Pending(db *gorm.DB, sessionID uint, afterID uint) ([]model.Command, error) {
	var cmds []model.Command
	err := db.Where("session_id = ? AND id > ? AND processed = ?", sessionID, afterID, false).
		Order("id ASC").
		Limit(pendingLimit).
		Find(&cmds).Error
	if err != nil {
		return nil, fmt.Errorf("listing pending commands: %w", err)
	}
	return cmds, nil
}

// Acknowledge marks the given command ids processed. Acking an
// already-processed id is a no-op. An empty id list is a caller error.
func Acknowledge(db *gorm.DB, sessionID uint, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, apperr.New(apperr.BadRequest, "empty command_ids")
	}

	now := time.Now()
	res := db.Model(&model.Command{}).
		Where("session_id = ? AND id IN ? AND processed = ?", sessionID, ids, false).
		Updates(map[string]any{"processed": true, "processed_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("acknowledging commands: %w", res.Error)
	}
	return res.RowsAffected, nil
}
