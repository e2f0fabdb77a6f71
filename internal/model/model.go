package model

import (
	"time"

	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&Session{},
	&Player{},
	&Vehicle{},
	&Hospital{},
	&Event{},
	&Assignment{},
	&Command{},
	&ActivityLog{},
	&Note{},
	&Clock{},
	&Mod{},
}

// Event lifecycle states.
const (
	EventStatusActive    = "active"
	EventStatusCompleted = "completed"
)

// Event provenance values. CreatedBy is immutable once set and gates who
// may finish the event.
const (
	CreatedByGame     = "game"
	CreatedByFrontend = "frontend"
)

// Vehicle status codes reported by the game. Other codes are reserved.
const (
	VehicleStatusAvailable = 1
	VehicleStatusIdle      = 2
	VehicleStatusEnroute   = 3
)

// Assignment lifecycle states.
const (
	AssignmentStatusEnroute = "enroute"
)

// Command types understood by the game client.
const (
	CommandEventCreate = "event_create"
	CommandEventDelete = "event_delete"
	CommandAssign      = "assign"
	CommandUnassign    = "unassign"
)

// Activity log categories.
const (
	CategoryVehicle  = "vehicle"
	CategoryHospital = "hospital"
	CategoryEvent    = "event"
)

// Session is the isolation boundary for one game instance/dashboard pairing.
// The token is opaque and immutable; ModID is bound once and never
// overwritten by later syncs.
type Session struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	Token     string    `json:"token" gorm:"size:32;uniqueIndex"`
	ModID     *string   `json:"mod_id" gorm:"size:64"`
	MinX      float64   `json:"min_x" gorm:"default:0"`
	MinY      float64   `json:"min_y" gorm:"default:0"`
	MaxX      float64   `json:"max_x" gorm:"default:1000"`
	MaxY      float64   `json:"max_y" gorm:"default:1000"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (*Session) TableName() string {
	return "sessions"
}

// Player is a game participant, upserted on every sync.
type Player struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	SessionID uint      `json:"session_id" gorm:"uniqueIndex:idx_players_session_uid"`
	PlayerUID string    `json:"player_id" gorm:"size:64;uniqueIndex:idx_players_session_uid"`
	Name      string    `json:"name" gorm:"size:127"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (*Player) TableName() string {
	return "players"
}

// Vehicle is a dispatchable unit owned by the game but annotated by
// operators. Modes is a comma-separated capability list.
type Vehicle struct {
	ID               uint      `json:"id" gorm:"primarykey"`
	SessionID        uint      `json:"session_id" gorm:"uniqueIndex:idx_vehicles_session_gid"`
	GameVehicleID    string    `json:"game_vehicle_id" gorm:"size:64;uniqueIndex:idx_vehicles_session_gid"`
	Name             string    `json:"name" gorm:"size:127"`
	Type             string    `json:"type" gorm:"size:64"`
	Modes            *string   `json:"modes" gorm:"size:255"`
	X                float64   `json:"x"`
	Y                float64   `json:"y"`
	Status           int       `json:"status"`
	AssignedPlayerID *uint     `json:"assigned_player_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (*Vehicle) TableName() string {
	return "vehicles"
}

// Hospital is fully game-owned; fields are nullable because the game may
// report partial records.
type Hospital struct {
	ID             uint      `json:"id" gorm:"primarykey"`
	SessionID      uint      `json:"session_id" gorm:"uniqueIndex:idx_hospitals_session_gid"`
	GameHospitalID string    `json:"game_hospital_id" gorm:"size:64;uniqueIndex:idx_hospitals_session_gid"`
	Name           *string   `json:"name" gorm:"size:127"`
	X              *float64  `json:"x"`
	Y              *float64  `json:"y"`
	ICUAvailable   *int      `json:"icu_available"`
	WardAvailable  *int      `json:"ward_available"`
	ICUTotal       *int      `json:"icu_total"`
	WardTotal      *int      `json:"ward_total"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (*Hospital) TableName() string {
	return "hospitals"
}

// Event is an incident. GameEventID is present for game-originated events
// and absent for operator-originated ones until the game acknowledges.
type Event struct {
	ID          uint      `json:"id" gorm:"primarykey"`
	SessionID   uint      `json:"session_id" gorm:"uniqueIndex:idx_events_session_gid"`
	GameEventID *string   `json:"game_event_id" gorm:"size:64;uniqueIndex:idx_events_session_gid"`
	Name        *string   `json:"name" gorm:"size:127"`
	X           *float64  `json:"x"`
	Y           *float64  `json:"y"`
	Status      string    `json:"status" gorm:"size:16;default:active"`
	CreatedBy   string    `json:"created_by" gorm:"size:16;default:game"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (*Event) TableName() string {
	return "events"
}

// Assignment links a vehicle to an event. A vehicle holds at most one live
// assignment; unassigning deletes the row.
type Assignment struct {
	ID               uint      `json:"id" gorm:"primarykey"`
	SessionID        uint      `json:"session_id" gorm:"uniqueIndex:idx_assignments_sev"`
	EventID          uint      `json:"event_id" gorm:"uniqueIndex:idx_assignments_sev"`
	VehicleID        uint      `json:"vehicle_id" gorm:"uniqueIndex:idx_assignments_sev"`
	AssignedPlayerID *uint     `json:"assigned_player_id"`
	Status           string    `json:"status" gorm:"size:16"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (*Assignment) TableName() string {
	return "assignments"
}

// Command is an append-only outbox row polled and acknowledged by the game
// client. Only the Processed flag and timestamp are ever mutated.
type Command struct {
	ID             uint           `json:"id" gorm:"primarykey"`
	SessionID      uint           `json:"session_id" gorm:"index"`
	Type           string         `json:"type" gorm:"size:32"`
	Payload        datatypes.JSON `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key" gorm:"size:36"`
	Processed      bool           `json:"processed" gorm:"default:false"`
	ProcessedAt    *time.Time     `json:"processed_at"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (*Command) TableName() string {
	return "commands"
}

// ActivityLog is the append-only operator-facing activity trail, read by
// cursor.
type ActivityLog struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	SessionID uint           `json:"session_id" gorm:"index"`
	Category  string         `json:"type" gorm:"size:16"`
	EntityID  *uint          `json:"entity_id"`
	Message   string         `json:"message" gorm:"size:255"`
	Meta      datatypes.JSON `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
}

func (*ActivityLog) TableName() string {
	return "activity_logs"
}

// Note is a free-text annotation per event, last write wins.
type Note struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	SessionID uint      `json:"session_id" gorm:"uniqueIndex:idx_notes_session_event"`
	EventID   uint      `json:"event_id" gorm:"uniqueIndex:idx_notes_session_event"`
	Content   string    `json:"content" gorm:"size:4000"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (*Note) TableName() string {
	return "notes"
}

// Clock is the per-session simulated game time.
type Clock struct {
	SessionID   uint      `json:"session_id" gorm:"primarykey;autoIncrement:false"`
	TimeHours   int       `json:"time_hours"`
	TimeMinutes int       `json:"time_minutes"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (*Clock) TableName() string {
	return "clock"
}

// Mod stores the map image for a game mod. Sessions reference mods by
// their external ModID.
type Mod struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	ModID     string    `json:"mod_id" gorm:"size:64;uniqueIndex"`
	Name      *string   `json:"name" gorm:"size:127"`
	MimeType  string    `json:"mime_type" gorm:"size:64"`
	MapImage  []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (*Mod) TableName() string {
	return "mods"
}
