// Package dispatch governs the vehicle-to-event assignment lifecycle and
// the outbound commands it produces. Batches are atomic: callers run Assign
// and Unassign inside one transaction so a mid-batch failure rolls back
// every row and command.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/dispatchhq/dispatchd/internal/activity"
	"github.com/dispatchhq/dispatchd/internal/apperr"
	"github.com/dispatchhq/dispatchd/internal/model"
	"github.com/dispatchhq/dispatchd/internal/outbox"
	"github.com/dispatchhq/dispatchd/internal/reconcile"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// detachedEventID is the sentinel the game client reads as "detach
// regardless of current event".
const detachedEventID = -1

// assignPayload is the outbound command body for one assigned vehicle.
type assignPayload struct {
	EventID          int     `json:"event_id"`
	EventGameID      *string `json:"event_game_id"`
	VehicleID        int     `json:"vehicle_id"`
	GameVehicleID    string  `json:"game_vehicle_id"`
	Target           target  `json:"target"`
	AssignToPlayerID *uint   `json:"assign_to_player_id"`
	Mode             *string `json:"mode,omitempty"`
}

type target struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// unassignPayload carries the detach sentinel for one vehicle.
type unassignPayload struct {
	EventID          int    `json:"event_id"`
	VehicleID        int    `json:"vehicle_id"`
	GameVehicleID    string `json:"game_vehicle_id"`
	AssignToPlayerID *uint  `json:"assign_to_player_id"`
}

// Assign attaches the given vehicles to an event, replacing any prior
// assignment per vehicle, and enqueues one assign command per vehicle.
// Unknown vehicle ids are skipped; an unknown player id is treated as
// absent. An empty batch is a caller error. modes optionally carries a
// per-vehicle mode for the command payload. One aggregate log entry
// covers the batch.
func Assign(db *gorm.DB, sessionID, eventID uint, vehicleIDs []uint, playerID *uint, modes map[uint]string) error {
	if len(vehicleIDs) == 0 {
		return apperr.New(apperr.BadRequest, "missing vehicle_ids")
	}

	event, err := reconcile.EventByID(db, sessionID, eventID)
	if err != nil {
		return err
	}

	playerID, err = resolvePlayer(db, sessionID, playerID)
	if err != nil {
		return err
	}

	for _, vid := range vehicleIDs {
		veh, err := vehicleByID(db, sessionID, vid)
		if err != nil {
			return err
		}
		if veh == nil {
			// unknown vehicle ids are skipped, not hard failures
			continue
		}

		if err := clearAssignments(db, sessionID, vid); err != nil {
			return err
		}

		a := model.Assignment{
			SessionID:        sessionID,
			EventID:          eventID,
			VehicleID:        vid,
			AssignedPlayerID: playerID,
			Status:           model.AssignmentStatusEnroute,
		}
		err = db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "event_id"}, {Name: "vehicle_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"assigned_player_id", "status", "updated_at"}),
		}).Create(&a).Error
		if err != nil {
			return fmt.Errorf("assigning vehicle %d to event %d: %w", vid, eventID, err)
		}

		payload := assignPayload{
			EventID:          int(eventID),
			EventGameID:      event.GameEventID,
			VehicleID:        int(vid),
			GameVehicleID:    veh.GameVehicleID,
			Target:           target{X: floatOrZero(event.X), Y: floatOrZero(event.Y)},
			AssignToPlayerID: playerID,
		}
		if mode, ok := modes[vid]; ok {
			payload.Mode = &mode
		}
		if _, err := outbox.Enqueue(db, sessionID, model.CommandAssign, payload); err != nil {
			return err
		}

		if playerID != nil {
			err = db.Model(&model.Vehicle{}).
				Where("id = ? AND session_id = ?", vid, sessionID).
				Update("assigned_player_id", *playerID).Error
			if err != nil {
				return fmt.Errorf("stamping player on vehicle %d: %w", vid, err)
			}
		}
	}

	return activity.Append(db, sessionID, model.CategoryEvent, &eventID,
		"Units assigned to event", map[string]any{
			"event_id":    eventID,
			"vehicle_ids": vehicleIDs,
			"player_id":   playerID,
		})
}

// Unassign detaches the given vehicles from whatever event they are on and
// enqueues one unassign command per known vehicle. One aggregate log entry
// covers the batch.
func Unassign(db *gorm.DB, sessionID uint, vehicleIDs []uint) error {
	if len(vehicleIDs) == 0 {
		return apperr.New(apperr.BadRequest, "missing vehicle_ids")
	}

	for _, vid := range vehicleIDs {
		veh, err := vehicleByID(db, sessionID, vid)
		if err != nil {
			return err
		}
		if veh == nil {
			continue
		}

		if err := clearAssignments(db, sessionID, vid); err != nil {
			return err
		}

		payload := unassignPayload{
			EventID:       detachedEventID,
			VehicleID:     int(vid),
			GameVehicleID: veh.GameVehicleID,
		}
		if _, err := outbox.Enqueue(db, sessionID, model.CommandUnassign, payload); err != nil {
			return err
		}
	}

	return activity.Append(db, sessionID, model.CategoryEvent, nil,
		"Units unassigned from event", map[string]any{"vehicle_ids": vehicleIDs})
}

// AssignVehiclePlayer binds a player directly to a vehicle, independent of
// any event assignment.
func AssignVehiclePlayer(db *gorm.DB, sessionID, vehicleID, playerID uint) error {
	veh, err := vehicleByID(db, sessionID, vehicleID)
	if err != nil {
		return err
	}
	if veh == nil {
		return apperr.Newf(apperr.NotFound, "vehicle %d not found", vehicleID)
	}

	err = db.Model(&model.Vehicle{}).
		Where("id = ? AND session_id = ?", vehicleID, sessionID).
		Update("assigned_player_id", playerID).Error
	if err != nil {
		return fmt.Errorf("assigning player %d to vehicle %d: %w", playerID, vehicleID, err)
	}

	return activity.Append(db, sessionID, model.CategoryVehicle, &vehicleID,
		"Vehicle assigned to player", map[string]any{
			"vehicle_id": vehicleID,
			"player_id":  playerID,
		})
}

// EventVehicles lists the vehicles currently assigned to an event.
func EventVehicles(db *gorm.DB, sessionID, eventID uint) ([]model.Vehicle, error) {
	var vehicles []model.Vehicle
	err := db.Model(&model.Vehicle{}).
		Joins("JOIN assignments ON assignments.vehicle_id = vehicles.id AND assignments.session_id = vehicles.session_id").
		Where("assignments.session_id = ? AND assignments.event_id = ?", sessionID, eventID).
		Find(&vehicles).Error
	if err != nil {
		return nil, fmt.Errorf("listing vehicles for event %d: %w", eventID, err)
	}
	return vehicles, nil
}

// resolvePlayer returns playerID when it exists in the session. A stale
// player id degrades to "no player" rather than failing the batch; any
// other storage error fails it so the surrounding transaction rolls back.
func resolvePlayer(db *gorm.DB, sessionID uint, playerID *uint) (*uint, error) {
	if playerID == nil {
		return nil, nil
	}
	var p model.Player
	err := db.Where("id = ? AND session_id = ?", *playerID, sessionID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading player %d: %w", *playerID, err)
	}
	return playerID, nil
}

func vehicleByID(db *gorm.DB, sessionID, vehicleID uint) (*model.Vehicle, error) {
	var v model.Vehicle
	err := db.Where("id = ? AND session_id = ?", vehicleID, sessionID).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading vehicle %d: %w", vehicleID, err)
	}
	return &v, nil
}

func clearAssignments(db *gorm.DB, sessionID, vehicleID uint) error {
	err := db.Where("session_id = ? AND vehicle_id = ?", sessionID, vehicleID).
		Delete(&model.Assignment{}).Error
	if err != nil {
		return fmt.Errorf("clearing assignments for vehicle %d: %w", vehicleID, err)
	}
	return nil
}

func floatOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
