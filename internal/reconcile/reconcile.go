// Package reconcile merges game-pushed entity records into durable rows
// without clobbering operator-held fields. The merge policy for every scalar
// field is: sent value if present, else previously saved value if present,
// else the field default. All upserts are idempotent.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/dispatchhq/dispatchd/internal/apperr"
	"github.com/dispatchhq/dispatchd/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// pick implements the sent → saved → default precedence for one field.
func pick[T any](sent, saved *T, def T) T {
	if sent != nil {
		return *sent
	}
	if saved != nil {
		return *saved
	}
	return def
}

// pickOpt is pick for nullable columns; the default is null.
func pickOpt[T any](sent, saved *T) *T {
	if sent != nil {
		return sent
	}
	return saved
}

// PlayerUpdate is a partial player record from the game.
type PlayerUpdate struct {
	PlayerUID string  `json:"player_id"`
	Name      *string `json:"name"`
}

// VehicleUpdate is a partial vehicle record. Only GameVehicleID is
// mandatory; absent fields keep their saved values.
type VehicleUpdate struct {
	GameVehicleID string   `json:"game_vehicle_id"`
	Name          *string  `json:"name"`
	Type          *string  `json:"type"`
	Modes         *string  `json:"modes"`
	X             *float64 `json:"x"`
	Y             *float64 `json:"y"`
	Status        *int     `json:"status"`
}

// HospitalUpdate is a hospital record from the game. Hospitals are fully
// game-owned: absent fields are stored as null, not kept from the previous
// row.
type HospitalUpdate struct {
	GameHospitalID string   `json:"game_hospital_id"`
	Name           *string  `json:"name"`
	X              *float64 `json:"x"`
	Y              *float64 `json:"y"`
	ICUAvailable   *int     `json:"icu_available"`
	WardAvailable  *int     `json:"ward_available"`
	ICUTotal       *int     `json:"icu_total"`
	WardTotal      *int     `json:"ward_total"`
}

// EventUpdate is a partial event record.
type EventUpdate struct {
	GameEventID *string  `json:"game_event_id"`
	Name        *string  `json:"name"`
	X           *float64 `json:"x"`
	Y           *float64 `json:"y"`
	Status      *string  `json:"status"`
	CreatedBy   *string  `json:"created_by"`
}

// EventKey selects how an event upsert addresses its row: by internal id
// (operator edit of an existing row, pure update) or by external game id
// (insert-or-update).
type EventKey struct {
	internalID uint
	externalID *string
	byInternal bool
}

// ByInternalID addresses an existing event row for update.
func ByInternalID(id uint) EventKey {
	return EventKey{internalID: id, byInternal: true}
}

// ByExternalID addresses an event by its game-minted id, inserting the row
// if absent. externalID may be nil for operator-originated events that have
// no game id yet; those always insert.
func ByExternalID(id *string) EventKey {
	return EventKey{externalID: id}
}

// UpsertPlayer inserts or updates a player keyed by (session, player uid).
// The name defaults to the uid itself.
func UpsertPlayer(db *gorm.DB, sessionID uint, in PlayerUpdate) (model.Player, error) {
	if in.PlayerUID == "" {
		return model.Player{}, apperr.New(apperr.BadRequest, "missing player_id")
	}

	name := in.PlayerUID
	if in.Name != nil {
		name = *in.Name
	}

	p := model.Player{SessionID: sessionID, PlayerUID: in.PlayerUID, Name: name}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "player_uid"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(&p).Error
	if err != nil {
		return model.Player{}, fmt.Errorf("upserting player %q: %w", in.PlayerUID, err)
	}

	if err := db.Where("session_id = ? AND player_uid = ?", sessionID, in.PlayerUID).First(&p).Error; err != nil {
		return model.Player{}, fmt.Errorf("reloading player %q: %w", in.PlayerUID, err)
	}
	return p, nil
}

// UpsertVehicle inserts or updates a vehicle keyed by (session, game id),
// applying the merge policy per field. If the resulting status is the idle
// code, any live assignment for the vehicle is deleted: the game reporting
// "returned home" clears dispatcher state without an outbound command.
func UpsertVehicle(db *gorm.DB, sessionID uint, in VehicleUpdate) (model.Vehicle, error) {
	if in.GameVehicleID == "" {
		return model.Vehicle{}, apperr.New(apperr.BadRequest, "missing game_vehicle_id")
	}

	saved, err := VehicleByGameID(db, sessionID, in.GameVehicleID)
	if err != nil {
		return model.Vehicle{}, err
	}

	var savedName, savedType *string
	var savedModes *string
	var savedX, savedY *float64
	var savedStatus *int
	if saved != nil {
		savedName, savedType, savedModes = &saved.Name, &saved.Type, saved.Modes
		savedX, savedY, savedStatus = &saved.X, &saved.Y, &saved.Status
	}

	v := model.Vehicle{
		SessionID:     sessionID,
		GameVehicleID: in.GameVehicleID,
		Name:          pick(in.Name, savedName, in.GameVehicleID),
		Type:          pick(in.Type, savedType, "None"),
		Modes:         pickOpt(in.Modes, savedModes),
		X:             pick(in.X, savedX, 0),
		Y:             pick(in.Y, savedY, 0),
		Status:        pick(in.Status, savedStatus, model.VehicleStatusIdle),
	}

	if saved != nil {
		err = db.Model(&model.Vehicle{}).Where("id = ?", saved.ID).Updates(map[string]any{
			"name":   v.Name,
			"type":   v.Type,
			"modes":  v.Modes,
			"x":      v.X,
			"y":      v.Y,
			"status": v.Status,
		}).Error
	} else {
		err = db.Create(&v).Error
	}
	if err != nil {
		return model.Vehicle{}, fmt.Errorf("upserting vehicle %q: %w", in.GameVehicleID, err)
	}

	cur, err := VehicleByGameID(db, sessionID, in.GameVehicleID)
	if err != nil {
		return model.Vehicle{}, err
	}
	if cur == nil {
		return model.Vehicle{}, fmt.Errorf("vehicle %q missing after upsert", in.GameVehicleID)
	}

	if cur.Status == model.VehicleStatusIdle {
		err = db.Where("session_id = ? AND vehicle_id = ?", sessionID, cur.ID).
			Delete(&model.Assignment{}).Error
		if err != nil {
			return model.Vehicle{}, fmt.Errorf("clearing assignments for vehicle %q: %w", in.GameVehicleID, err)
		}
	}

	return *cur, nil
}

// VehicleByGameID loads a vehicle by its game-minted id, returning nil when
// absent.
func VehicleByGameID(db *gorm.DB, sessionID uint, gameVehicleID string) (*model.Vehicle, error) {
	var v model.Vehicle
	err := db.Where("session_id = ? AND game_vehicle_id = ?", sessionID, gameVehicleID).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading vehicle %q: %w", gameVehicleID, err)
	}
	return &v, nil
}

// UpsertHospital inserts or replaces a hospital keyed by (session, game id).
// Fields are replaced with the sent value or null.
func UpsertHospital(db *gorm.DB, sessionID uint, in HospitalUpdate) (model.Hospital, error) {
	if in.GameHospitalID == "" {
		return model.Hospital{}, apperr.New(apperr.BadRequest, "missing game_hospital_id")
	}

	h := model.Hospital{
		SessionID:      sessionID,
		GameHospitalID: in.GameHospitalID,
		Name:           in.Name,
		X:              in.X,
		Y:              in.Y,
		ICUAvailable:   in.ICUAvailable,
		WardAvailable:  in.WardAvailable,
		ICUTotal:       in.ICUTotal,
		WardTotal:      in.WardTotal,
	}
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}, {Name: "game_hospital_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "x", "y", "icu_available", "ward_available", "icu_total", "ward_total", "updated_at",
		}),
	}).Create(&h).Error
	if err != nil {
		return model.Hospital{}, fmt.Errorf("upserting hospital %q: %w", in.GameHospitalID, err)
	}

	cur, err := HospitalByGameID(db, sessionID, in.GameHospitalID)
	if err != nil {
		return model.Hospital{}, err
	}
	if cur == nil {
		return model.Hospital{}, fmt.Errorf("hospital %q missing after upsert", in.GameHospitalID)
	}
	return *cur, nil
}

// HospitalByGameID loads a hospital by its game-minted id, returning nil
// when absent.
func HospitalByGameID(db *gorm.DB, sessionID uint, gameHospitalID string) (*model.Hospital, error) {
	var h model.Hospital
	err := db.Where("session_id = ? AND game_hospital_id = ?", sessionID, gameHospitalID).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading hospital %q: %w", gameHospitalID, err)
	}
	return &h, nil
}

// UpsertEvent inserts or updates an event addressed by key. Provenance and
// the external game id, once set, are kept unless absent from the saved
// row.
func UpsertEvent(db *gorm.DB, sessionID uint, key EventKey, in EventUpdate) (model.Event, error) {
	var saved *model.Event

	if key.byInternal {
		var e model.Event
		err := db.Where("session_id = ? AND id = ?", sessionID, key.internalID).First(&e).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Event{}, apperr.Newf(apperr.NotFound, "event %d not found", key.internalID)
		}
		if err != nil {
			return model.Event{}, fmt.Errorf("loading event %d: %w", key.internalID, err)
		}
		saved = &e
	} else if key.externalID != nil {
		var e model.Event
		err := db.Where("session_id = ? AND game_event_id = ?", sessionID, *key.externalID).First(&e).Error
		if err == nil {
			saved = &e
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Event{}, fmt.Errorf("loading event %q: %w", *key.externalID, err)
		}
	}

	var savedGameID, savedName, savedStatus, savedCreatedBy *string
	var savedX, savedY *float64
	if saved != nil {
		savedGameID, savedName = saved.GameEventID, saved.Name
		savedX, savedY = saved.X, saved.Y
		savedStatus, savedCreatedBy = &saved.Status, &saved.CreatedBy
	}

	gameID := pickOpt(in.GameEventID, savedGameID)
	if !key.byInternal {
		gameID = pickOpt(key.externalID, savedGameID)
	}

	e := model.Event{
		SessionID:   sessionID,
		GameEventID: gameID,
		Name:        pickOpt(in.Name, savedName),
		X:           pickOpt(in.X, savedX),
		Y:           pickOpt(in.Y, savedY),
		Status:      pick(in.Status, savedStatus, model.EventStatusActive),
		CreatedBy:   pick(in.CreatedBy, savedCreatedBy, model.CreatedByGame),
	}

	if saved != nil {
		// created_by is immutable once the row exists
		err := db.Model(&model.Event{}).Where("id = ?", saved.ID).Updates(map[string]any{
			"game_event_id": e.GameEventID,
			"name":          e.Name,
			"x":             e.X,
			"y":             e.Y,
			"status":        e.Status,
		}).Error
		if err != nil {
			return model.Event{}, fmt.Errorf("updating event %d: %w", saved.ID, err)
		}
		e.ID = saved.ID
	} else {
		if err := db.Create(&e).Error; err != nil {
			return model.Event{}, fmt.Errorf("creating event: %w", err)
		}
	}

	var cur model.Event
	if err := db.Where("id = ?", e.ID).First(&cur).Error; err != nil {
		return model.Event{}, fmt.Errorf("reloading event %d: %w", e.ID, err)
	}
	return cur, nil
}

// EventByID loads an event scoped to the session.
func EventByID(db *gorm.DB, sessionID, eventID uint) (model.Event, error) {
	var e model.Event
	err := db.Where("session_id = ? AND id = ?", sessionID, eventID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Event{}, apperr.Newf(apperr.NotFound, "event %d not found", eventID)
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("loading event %d: %w", eventID, err)
	}
	return e, nil
}

// EventByGameID loads an event by its game-minted id, returning nil when
// absent.
func EventByGameID(db *gorm.DB, sessionID uint, gameEventID string) (*model.Event, error) {
	var e model.Event
	err := db.Where("session_id = ? AND game_event_id = ?", sessionID, gameEventID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading event %q: %w", gameEventID, err)
	}
	return &e, nil
}

// UpsertNote replaces the note content for (session, event).
func UpsertNote(db *gorm.DB, sessionID, eventID uint, content string) (model.Note, error) {
	n := model.Note{SessionID: sessionID, EventID: eventID, Content: content}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(&n).Error
	if err != nil {
		return model.Note{}, fmt.Errorf("upserting note for event %d: %w", eventID, err)
	}

	if err := db.Where("session_id = ? AND event_id = ?", sessionID, eventID).First(&n).Error; err != nil {
		return model.Note{}, fmt.Errorf("reloading note for event %d: %w", eventID, err)
	}
	return n, nil
}

// NotesByEvent returns all note rows for (session, event).
func NotesByEvent(db *gorm.DB, sessionID, eventID uint) ([]model.Note, error) {
	var notes []model.Note
	err := db.Where("session_id = ? AND event_id = ?", sessionID, eventID).Find(&notes).Error
	if err != nil {
		return nil, fmt.Errorf("loading notes for event %d: %w", eventID, err)
	}
	return notes, nil
}

// UpsertClock stores the per-session simulated time, last write wins.
func UpsertClock(db *gorm.DB, sessionID uint, hours, minutes int) error {
	c := model.Clock{SessionID: sessionID, TimeHours: hours, TimeMinutes: minutes}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"time_hours", "time_minutes", "updated_at"}),
	}).Create(&c).Error
	if err != nil {
		return fmt.Errorf("upserting clock: %w", err)
	}
	return nil
}
