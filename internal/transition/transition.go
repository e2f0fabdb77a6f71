// Package transition turns delta updates into activity-log entries. Each
// apply captures the pre-image, runs the reconcile, captures the post-image
// and emits at most one entry per call based on a fixed priority of
// observable differences. Bulk sync skips detection entirely; it is
// reserved for the lower-volume delta endpoints.
package transition

import (
	"github.com/dispatchhq/dispatchd/internal/activity"
	"github.com/dispatchhq/dispatchd/internal/model"
	"github.com/dispatchhq/dispatchd/internal/reconcile"
	"gorm.io/gorm"
)

// ApplyVehicle reconciles one vehicle delta and logs the most interesting
// change: status change over movement over first appearance.
func ApplyVehicle(db *gorm.DB, sessionID uint, in reconcile.VehicleUpdate) (model.Vehicle, error) {
	prev, err := reconcile.VehicleByGameID(db, sessionID, in.GameVehicleID)
	if err != nil {
		return model.Vehicle{}, err
	}

	cur, err := reconcile.UpsertVehicle(db, sessionID, in)
	if err != nil {
		return model.Vehicle{}, err
	}

	switch {
	case prev == nil:
		err = activity.Append(db, sessionID, model.CategoryVehicle, &cur.ID,
			"Vehicle appeared", map[string]any{"vehicle_id": cur.ID})
	case prev.Status != cur.Status:
		err = activity.Append(db, sessionID, model.CategoryVehicle, &cur.ID,
			"Vehicle status changed", map[string]any{
				"vehicle_id":      cur.ID,
				"game_vehicle_id": cur.GameVehicleID,
				"from":            prev.Status,
				"to":              cur.Status,
			})
	case prev.X != cur.X || prev.Y != cur.Y:
		err = activity.Append(db, sessionID, model.CategoryVehicle, &cur.ID,
			"Vehicle moved", map[string]any{
				"vehicle_id": cur.ID,
				"from":       map[string]float64{"x": prev.X, "y": prev.Y},
				"to":         map[string]float64{"x": cur.X, "y": cur.Y},
			})
	}
	if err != nil {
		return model.Vehicle{}, err
	}
	return cur, nil
}

// ApplyHospital reconciles one hospital delta and logs bed-availability
// changes, or the first appearance.
func ApplyHospital(db *gorm.DB, sessionID uint, in reconcile.HospitalUpdate) (model.Hospital, error) {
	prev, err := reconcile.HospitalByGameID(db, sessionID, in.GameHospitalID)
	if err != nil {
		return model.Hospital{}, err
	}

	cur, err := reconcile.UpsertHospital(db, sessionID, in)
	if err != nil {
		return model.Hospital{}, err
	}

	switch {
	case prev == nil:
		err = activity.Append(db, sessionID, model.CategoryHospital, &cur.ID,
			"Hospital added", map[string]any{"hospital_id": cur.ID})
	case !intPtrEq(prev.ICUAvailable, cur.ICUAvailable) || !intPtrEq(prev.WardAvailable, cur.WardAvailable):
		err = activity.Append(db, sessionID, model.CategoryHospital, &cur.ID,
			"Hospital bed update", map[string]any{
				"hospital_id": cur.ID,
				"icu_from":    intOrZero(prev.ICUAvailable),
				"icu_to":      intOrZero(cur.ICUAvailable),
				"ward_from":   intOrZero(prev.WardAvailable),
				"ward_to":     intOrZero(cur.WardAvailable),
			})
	}
	if err != nil {
		return model.Hospital{}, err
	}
	return cur, nil
}

// ApplyEvent reconciles one game-side event delta and logs status change
// over movement over creation.
func ApplyEvent(db *gorm.DB, sessionID uint, in reconcile.EventUpdate) (model.Event, error) {
	var prev *model.Event
	if in.GameEventID != nil {
		var err error
		prev, err = reconcile.EventByGameID(db, sessionID, *in.GameEventID)
		if err != nil {
			return model.Event{}, err
		}
	}

	// delta events always come from the game
	createdBy := model.CreatedByGame
	in.CreatedBy = &createdBy

	cur, err := reconcile.UpsertEvent(db, sessionID, reconcile.ByExternalID(in.GameEventID), in)
	if err != nil {
		return model.Event{}, err
	}

	switch {
	case prev == nil:
		err = activity.Append(db, sessionID, model.CategoryEvent, &cur.ID,
			"Event created", map[string]any{"event_id": cur.ID, "source": model.CreatedByGame})
	case prev.Status != cur.Status:
		err = activity.Append(db, sessionID, model.CategoryEvent, &cur.ID,
			"Event status changed", map[string]any{
				"event_id": cur.ID,
				"from":     prev.Status,
				"to":       cur.Status,
			})
	case !floatPtrEq(prev.X, cur.X) || !floatPtrEq(prev.Y, cur.Y):
		err = activity.Append(db, sessionID, model.CategoryEvent, &cur.ID,
			"Event moved", map[string]any{
				"event_id": cur.ID,
				"from":     map[string]any{"x": prev.X, "y": prev.Y},
				"to":       map[string]any{"x": cur.X, "y": cur.Y},
			})
	}
	if err != nil {
		return model.Event{}, err
	}
	return cur, nil
}

func intPtrEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func floatPtrEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
