// Package handlers orchestrates the service operations exposed to the HTTP
// layer, the dashboard and the game client. Multi-row operations (sync,
// assign, unassign, operator event actions) run inside a single transaction
// so partial application is never observable.
package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dispatchhq/dispatchd/internal/activity"
	"github.com/dispatchhq/dispatchd/internal/apperr"
	"github.com/dispatchhq/dispatchd/internal/cache"
	"github.com/dispatchhq/dispatchd/internal/dispatch"
	"github.com/dispatchhq/dispatchd/internal/model"
	"github.com/dispatchhq/dispatchd/internal/outbox"
	"github.com/dispatchhq/dispatchd/internal/reconcile"
	"github.com/dispatchhq/dispatchd/internal/session"
	"github.com/dispatchhq/dispatchd/internal/transition"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Dependencies holds everything the service needs.
type Dependencies struct {
	DB     *gorm.DB
	Logger zerolog.Logger
}

// Service provides the operations of the state bridge.
type Service struct {
	db     *gorm.DB
	log    zerolog.Logger
	images *cache.ImageCache
}

// NewService creates a new service.
func NewService(deps Dependencies) *Service {
	return &Service{db: deps.DB, log: deps.Logger, images: cache.NewImageCache()}
}

// ClockUpdate is the simulated game time in a sync payload.
type ClockUpdate struct {
	H int `json:"h"`
	M int `json:"m"`
}

// CreateSessionRequest creates a brand-new session with a server-generated
// token.
type CreateSessionRequest struct {
	ModID     *string         `json:"mod_id"`
	MapBounds *session.Bounds `json:"map_bounds"`
}

// SyncRequest is the bulk payload pushed periodically by the game.
type SyncRequest struct {
	SessionToken string                     `json:"session_token"`
	ModID        *string                    `json:"mod_id"`
	MapBounds    *session.Bounds            `json:"map_bounds"`
	Players      []reconcile.PlayerUpdate   `json:"players"`
	Vehicles     []reconcile.VehicleUpdate  `json:"vehicles"`
	Hospitals    []reconcile.HospitalUpdate `json:"hospitals"`
	Events       []reconcile.EventUpdate    `json:"events"`
	Time         *ClockUpdate               `json:"time"`
}

// StateResponse is the full dashboard-facing state of one session.
type StateResponse struct {
	Session   SessionInfo      `json:"session"`
	Players   []model.Player   `json:"players"`
	Vehicles  []model.Vehicle  `json:"vehicles"`
	Hospitals []model.Hospital `json:"hospitals"`
	Events    []model.Event    `json:"events"`
	Time      *model.Clock     `json:"time"`
}

// SessionInfo is the session part of a state response.
type SessionInfo struct {
	Token     string         `json:"token"`
	ModID     *string        `json:"mod_id"`
	MapBounds session.Bounds `json:"map_bounds"`
}

// CreateSession generates a fresh session token.
func (s *Service) CreateSession(req CreateSessionRequest) (model.Session, error) {
	return session.Create(s.db, req.ModID, req.MapBounds)
}

// Sync reconciles a bulk game snapshot in one transaction: session upsert
// with the mod-binding invariant, then players, vehicles, hospitals,
// events and the clock. No transition detection happens here.
func (s *Service) Sync(req SyncRequest) (uint, error) {
	if req.SessionToken == "" {
		return 0, apperr.New(apperr.BadRequest, "missing session_token")
	}

	var sessionID uint
	err := s.db.Transaction(func(tx *gorm.DB) error {
		sess, err := session.UpsertOnSync(tx, req.SessionToken, req.ModID, req.MapBounds)
		if err != nil {
			return err
		}
		sessionID = sess.ID

		for _, p := range req.Players {
			if _, err := reconcile.UpsertPlayer(tx, sess.ID, p); err != nil {
				return err
			}
		}
		for _, v := range req.Vehicles {
			if _, err := reconcile.UpsertVehicle(tx, sess.ID, v); err != nil {
				return err
			}
		}
		for _, h := range req.Hospitals {
			if _, err := reconcile.UpsertHospital(tx, sess.ID, h); err != nil {
				return err
			}
		}
		for _, e := range req.Events {
			createdBy := model.CreatedByGame
			e.CreatedBy = &createdBy
			if _, err := reconcile.UpsertEvent(tx, sess.ID, reconcile.ByExternalID(e.GameEventID), e); err != nil {
				return err
			}
		}
		if req.Time != nil {
			if err := reconcile.UpsertClock(tx, sess.ID, req.Time.H, req.Time.M); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Debug().Uint("session_id", sessionID).
		Int("vehicles", len(req.Vehicles)).
		Int("events", len(req.Events)).
		Msg("Sync applied")
	return sessionID, nil
}

// State loads the full dashboard state: session, players ordered by name,
// vehicles, hospitals, active events and the clock.
func (s *Service) State(token string) (StateResponse, error) {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return StateResponse{}, err
	}

	resp := StateResponse{
		Session: SessionInfo{
			Token: sess.Token,
			ModID: sess.ModID,
			MapBounds: session.Bounds{
				MinX: sess.MinX, MinY: sess.MinY,
				MaxX: sess.MaxX, MaxY: sess.MaxY,
			},
		},
	}

	if err := s.db.Where("session_id = ?", sess.ID).Order("name").Find(&resp.Players).Error; err != nil {
		return StateResponse{}, fmt.Errorf("loading players: %w", err)
	}
	if err := s.db.Where("session_id = ?", sess.ID).Find(&resp.Vehicles).Error; err != nil {
		return StateResponse{}, fmt.Errorf("loading vehicles: %w", err)
	}
	if err := s.db.Where("session_id = ?", sess.ID).Find(&resp.Hospitals).Error; err != nil {
		return StateResponse{}, fmt.Errorf("loading hospitals: %w", err)
	}
	err = s.db.Where("session_id = ? AND status != ?", sess.ID, model.EventStatusCompleted).
		Find(&resp.Events).Error
	if err != nil {
		return StateResponse{}, fmt.Errorf("loading events: %w", err)
	}

	var clock model.Clock
	err = s.db.Where("session_id = ?", sess.ID).First(&clock).Error
	if err == nil {
		resp.Time = &clock
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return StateResponse{}, fmt.Errorf("loading clock: %w", err)
	}

	return resp, nil
}

// UpdateVehicles applies targeted vehicle deltas with transition detection.
func (s *Service) UpdateVehicles(token string, updates []reconcile.VehicleUpdate) error {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if _, err := transition.ApplyVehicle(s.db, sess.ID, u); err != nil {
			return err
		}
	}
	return nil
}

// UpdateHospitals applies targeted hospital deltas with transition
// detection.
func (s *Service) UpdateHospitals(token string, updates []reconcile.HospitalUpdate) error {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if _, err := transition.ApplyHospital(s.db, sess.ID, u); err != nil {
			return err
		}
	}
	return nil
}

// UpdateEvents applies targeted event deltas with transition detection.
func (s *Service) UpdateEvents(token string, updates []reconcile.EventUpdate) error {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if _, err := transition.ApplyEvent(s.db, sess.ID, u); err != nil {
			return err
		}
	}
	return nil
}

// CreateEventRequest is an operator-side event creation.
type CreateEventRequest struct {
	SessionToken string   `json:"session_token"`
	Name         *string  `json:"name"`
	X            *float64 `json:"x"`
	Y            *float64 `json:"y"`
}

type eventCreatePayload struct {
	EventID int    `json:"event_id"`
	Name    string `json:"name"`
	Target  xy     `json:"target"`
}

type eventDeletePayload struct {
	EventID     int     `json:"event_id"`
	EventGameID *string `json:"event_game_id"`
}

type xy struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CreateEvent creates an operator-originated event, logs it, and enqueues
// an event_create command for the game.
func (s *Service) CreateEvent(req CreateEventRequest) (model.Event, error) {
	sess, err := session.Require(s.db, req.SessionToken)
	if err != nil {
		return model.Event{}, err
	}

	name := "Event"
	if req.Name != nil {
		name = *req.Name
	}
	x, y := 0.0, 0.0
	if req.X != nil {
		x = *req.X
	}
	if req.Y != nil {
		y = *req.Y
	}

	var event model.Event
	err = s.db.Transaction(func(tx *gorm.DB) error {
		status := model.EventStatusActive
		createdBy := model.CreatedByFrontend
		event, err = reconcile.UpsertEvent(tx, sess.ID, reconcile.ByExternalID(nil), reconcile.EventUpdate{
			Name:      &name,
			X:         &x,
			Y:         &y,
			Status:    &status,
			CreatedBy: &createdBy,
		})
		if err != nil {
			return err
		}

		err = activity.Append(tx, sess.ID, model.CategoryEvent, &event.ID,
			"Event created", map[string]any{"event_id": event.ID, "source": model.CreatedByFrontend})
		if err != nil {
			return err
		}

		_, err = outbox.Enqueue(tx, sess.ID, model.CommandEventCreate, eventCreatePayload{
			EventID: int(event.ID),
			Name:    name,
			Target:  xy{X: x, Y: y},
		})
		return err
	})
	if err != nil {
		return model.Event{}, err
	}
	return event, nil
}

// FinishEvent marks an operator-created event completed and enqueues an
// event_delete command. Game-created events cannot be finished through this
// path.
func (s *Service) FinishEvent(token string, eventID uint) error {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return err
	}
	if eventID == 0 {
		return apperr.New(apperr.BadRequest, "missing event_id")
	}

	event, err := reconcile.EventByID(s.db, sess.ID, eventID)
	if err != nil {
		return err
	}
	if event.CreatedBy != model.CreatedByFrontend {
		return apperr.New(apperr.Forbidden, "only frontend-created events can be finished here")
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.Event{}).
			Where("id = ? AND session_id = ?", eventID, sess.ID).
			Update("status", model.EventStatusCompleted).Error
		if err != nil {
			return fmt.Errorf("completing event %d: %w", eventID, err)
		}

		err = activity.Append(tx, sess.ID, model.CategoryEvent, &eventID,
			"Event finished (frontend)", map[string]any{"event_id": eventID})
		if err != nil {
			return err
		}

		_, err = outbox.Enqueue(tx, sess.ID, model.CommandEventDelete, eventDeletePayload{
			EventID:     int(eventID),
			EventGameID: event.GameEventID,
		})
		return err
	})
}

// AssignRequest attaches vehicles to an event.
type AssignRequest struct {
	SessionToken string          `json:"session_token"`
	EventID      uint            `json:"event_id"`
	VehicleIDs   []uint          `json:"vehicle_ids"`
	PlayerID     *uint           `json:"player_id"`
	Modes        map[uint]string `json:"modes"`
}

// AssignVehicles runs the whole assignment batch atomically.
func (s *Service) AssignVehicles(req AssignRequest) error {
	sess, err := session.Require(s.db, req.SessionToken)
	if err != nil {
		return err
	}
	if req.EventID == 0 {
		return apperr.New(apperr.BadRequest, "missing event_id")
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		return dispatch.Assign(tx, sess.ID, req.EventID, req.VehicleIDs, req.PlayerID, req.Modes)
	})
}

// UnassignVehicles runs the whole unassignment batch atomically.
func (s *Service) UnassignVehicles(token string, vehicleIDs []uint) error {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return err
	}
	if len(vehicleIDs) == 0 {
		return apperr.New(apperr.BadRequest, "missing vehicle_ids")
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		return dispatch.Unassign(tx, sess.ID, vehicleIDs)
	})
}

// AssignVehiclePlayer binds a player to a vehicle, independent of any
// event.
func (s *Service) AssignVehiclePlayer(token string, vehicleID, playerID uint) error {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return err
	}
	if vehicleID == 0 || playerID == 0 {
		return apperr.New(apperr.BadRequest, "missing vehicle_id or player_id")
	}
	return dispatch.AssignVehiclePlayer(s.db, sess.ID, vehicleID, playerID)
}

// EventVehicles lists vehicles currently assigned to an event.
func (s *Service) EventVehicles(token string, eventID uint) ([]model.Vehicle, error) {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return nil, err
	}
	if eventID == 0 {
		return nil, apperr.New(apperr.BadRequest, "missing event_id")
	}
	return dispatch.EventVehicles(s.db, sess.ID, eventID)
}

// PendingCommands returns unprocessed commands after the cursor.
func (s *Service) PendingCommands(token string, afterID uint) ([]model.Command, error) {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return nil, err
	}
	return outbox.Pending(s.db, sess.ID, afterID)
}

// AckCommands marks commands processed, returning the number of rows newly
// acknowledged.
func (s *Service) AckCommands(token string, ids []uint) (int64, error) {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return 0, err
	}
	return outbox.Acknowledge(s.db, sess.ID, ids)
}

// Logs returns activity entries after the cursor.
func (s *Service) Logs(token string, sinceID uint) ([]model.ActivityLog, error) {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return nil, err
	}
	return activity.ListSince(s.db, sess.ID, sinceID)
}

// GetNotes returns the note rows for an event.
func (s *Service) GetNotes(token string, eventID uint) ([]model.Note, error) {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return nil, err
	}
	if eventID == 0 {
		return nil, apperr.New(apperr.BadRequest, "missing event_id")
	}
	return reconcile.NotesByEvent(s.db, sess.ID, eventID)
}

// SetNote replaces the note content for an event.
func (s *Service) SetNote(token string, eventID uint, content string) (model.Note, error) {
	if eventID == 0 || content == "" {
		return model.Note{}, apperr.New(apperr.BadRequest, "session_token, event_id, content needed")
	}
	sess, err := session.Require(s.db, token)
	if err != nil {
		return model.Note{}, err
	}
	return reconcile.UpsertNote(s.db, sess.ID, eventID, content)
}

// dataURIPrefix strips an optional "data:<mime>;base64," prefix.
var dataURIPrefix = regexp.MustCompile(`^data:[^;]+;base64,`)

// PutModRequest upserts a mod's map image.
type PutModRequest struct {
	ModID       string  `json:"mod_id"`
	Name        *string `json:"name"`
	MimeType    string  `json:"mime_type"`
	ImageBase64 string  `json:"image_base64"`
}

// PutMod stores or replaces the map image for a mod.
func (s *Service) PutMod(req PutModRequest) error {
	if req.ModID == "" || req.ImageBase64 == "" {
		return apperr.New(apperr.BadRequest, "mod_id and image_base64 required")
	}

	b64 := dataURIPrefix.ReplaceAllString(strings.TrimSpace(req.ImageBase64), "")
	bin, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return apperr.Wrap(apperr.BadRequest, err, "invalid base64 for image")
	}

	mime := req.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}

	m := model.Mod{ModID: req.ModID, Name: req.Name, MimeType: mime, MapImage: bin}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mod_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "mime_type", "map_image", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("upserting mod %q: %w", req.ModID, err)
	}
	s.images.Invalidate(req.ModID)
	return nil
}

// MapImage returns the map image bytes and mime type for the session's
// bound mod.
func (s *Service) MapImage(token string) ([]byte, string, error) {
	sess, err := session.Require(s.db, token)
	if err != nil {
		return nil, "", err
	}
	if sess.ModID == nil {
		return nil, "", apperr.New(apperr.NotFound, "no mod_id set for session")
	}

	if img, ok := s.images.Get(*sess.ModID); ok {
		return img.Data, img.MimeType, nil
	}

	var m model.Mod
	err = s.db.Where("mod_id = ?", *sess.ModID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && len(m.MapImage) == 0) {
		return nil, "", apperr.New(apperr.NotFound, "map image not found")
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading mod %q: %w", *sess.ModID, err)
	}

	mime := m.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	s.images.Put(*sess.ModID, cache.Image{Data: m.MapImage, MimeType: mime})
	return m.MapImage, mime, nil
}
