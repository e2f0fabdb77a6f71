// Package session owns session identity: token generation, the mod-binding
// invariant, and token resolution for every other operation.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dispatchhq/dispatchd/internal/apperr"
	"github.com/dispatchhq/dispatchd/internal/model"
	"gorm.io/gorm"
)

// tokenAttempts bounds the retry loop on token collision.
const tokenAttempts = 10

// Bounds is the rectangular map area of a session.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// DefaultBounds returns the 0..1000 map area used when the game supplies
// none.
func DefaultBounds() Bounds {
	return Bounds{MinX: 0, MinY: 0, MaxX: 1000, MaxY: 1000}
}

// newToken returns a random 16-char hex token.
func newToken() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create inserts a new session with a server-generated unique token,
// retrying on collision up to tokenAttempts before failing.
func Create(db *gorm.DB, modID *string, bounds *Bounds) (model.Session, error) {
	b := DefaultBounds()
	if bounds != nil {
		b = *bounds
	}

	for attempt := 0; attempt < tokenAttempts; attempt++ {
		token, err := newToken()
		if err != nil {
			return model.Session{}, err
		}

		s := model.Session{
			Token: token,
			ModID: modID,
			MinX:  b.MinX,
			MinY:  b.MinY,
			MaxX:  b.MaxX,
			MaxY:  b.MaxY,
		}
		err = db.Create(&s).Error
		if err == nil {
			return s, nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		return model.Session{}, fmt.Errorf("creating session: %w", err)
	}

	return model.Session{}, apperr.New(apperr.Conflict,
		"failed to generate a unique session token after multiple attempts")
}

// UpsertOnSync creates the session for token if absent. If present it
// updates bounds when provided and refreshes the last-seen timestamp. The
// mod binding, once non-null, is never overwritten.
func UpsertOnSync(db *gorm.DB, token string, modID *string, bounds *Bounds) (model.Session, error) {
	if token == "" {
		return model.Session{}, apperr.New(apperr.BadRequest, "missing session_token")
	}

	var s model.Session
	err := db.Where("token = ?", token).First(&s).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		b := DefaultBounds()
		if bounds != nil {
			b = *bounds
		}
		s = model.Session{
			Token: token,
			ModID: modID,
			MinX:  b.MinX,
			MinY:  b.MinY,
			MaxX:  b.MaxX,
			MaxY:  b.MaxY,
		}
		if err := db.Create(&s).Error; err != nil {
			return model.Session{}, fmt.Errorf("creating session on sync: %w", err)
		}
		return s, nil
	case err != nil:
		return model.Session{}, fmt.Errorf("loading session: %w", err)
	}

	updates := map[string]any{
		"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
	}
	if bounds != nil {
		updates["min_x"] = bounds.MinX
		updates["min_y"] = bounds.MinY
		updates["max_x"] = bounds.MaxX
		updates["max_y"] = bounds.MaxY
	}
	if s.ModID == nil && modID != nil {
		updates["mod_id"] = *modID
	}
	if err := db.Model(&model.Session{}).Where("id = ?", s.ID).Updates(updates).Error; err != nil {
		return model.Session{}, fmt.Errorf("updating session on sync: %w", err)
	}

	if err := db.Where("id = ?", s.ID).First(&s).Error; err != nil {
		return model.Session{}, fmt.Errorf("reloading session: %w", err)
	}
	return s, nil
}

// Require resolves a token to its session. Missing tokens are a caller
// error; unknown tokens mean the session was never initialized.
func Require(db *gorm.DB, token string) (model.Session, error) {
	if token == "" {
		return model.Session{}, apperr.New(apperr.BadRequest, "missing session_token")
	}

	var s model.Session
	err := db.Where("token = ?", token).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Session{}, apperr.Newf(apperr.NotFound,
			"session not found for token %q, initialize with sync first", token)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("loading session: %w", err)
	}
	return s, nil
}
