// Package server is the thin HTTP adapter over the service layer. The game
// client and the dashboard both speak an action-style API: one endpoint,
// dispatch on the "action" parameter, JSON in and out.
package server

import (
	"net/http"
	"strconv"

	"github.com/dispatchhq/dispatchd/internal/apperr"
	"github.com/dispatchhq/dispatchd/internal/handlers"
	"github.com/dispatchhq/dispatchd/internal/reconcile"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Server wires the gin router to the service.
type Server struct {
	svc *handlers.Service
	log zerolog.Logger
}

// New creates a server over the given service.
func New(svc *handlers.Service, log zerolog.Logger) *Server {
	return &Server{svc: svc, log: log}
}

// Router builds the gin engine with CORS and the action endpoint.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), cors())
	r.Any("/api", s.route)
	return r
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) route(c *gin.Context) {
	action := c.Query("action")
	if action == "" {
		action = c.PostForm("action")
	}

	switch action {
	case "session_create":
		s.sessionCreate(c)
	case "sync":
		s.sync(c)
	case "state":
		s.state(c)
	case "update_vehicles":
		s.updateVehicles(c)
	case "update_hospitals":
		s.updateHospitals(c)
	case "update_events":
		s.updateEvents(c)
	case "events_create":
		s.eventsCreate(c)
	case "events_finish":
		s.eventsFinish(c)
	case "events_assign":
		s.eventsAssign(c)
	case "events_unassign":
		s.eventsUnassign(c)
	case "events_get_vehicles":
		s.eventsGetVehicles(c)
	case "events_get_note":
		s.eventsGetNote(c)
	case "events_set_note":
		s.eventsSetNote(c)
	case "vehicles_assign_player":
		s.vehiclesAssignPlayer(c)
	case "commands_pending":
		s.commandsPending(c)
	case "commands_ack":
		s.commandsAck(c)
	case "logs":
		s.logs(c)
	case "mods_put":
		s.modsPut(c)
	case "map_image":
		s.mapImage(c)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown or missing action"})
	}
}

// fail maps an error kind to an HTTP status and writes the error body.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.BadRequest:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Forbidden:
		status = http.StatusForbidden
	case apperr.Conflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Request.URL.String()).Msg("Request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) sessionCreate(c *gin.Context) {
	var req handlers.CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
			return
		}
	}

	sess, err := s.svc.CreateSession(req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"session_id":    sess.ID,
		"session_token": sess.Token,
		"mod_id":        sess.ModID,
		"map_bounds": gin.H{
			"min_x": sess.MinX, "min_y": sess.MinY,
			"max_x": sess.MaxX, "max_y": sess.MaxY,
		},
	})
}

func (s *Server) sync(c *gin.Context) {
	var req handlers.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}

	sessionID, err := s.svc.Sync(req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "session_id": sessionID})
}

func (s *Server) state(c *gin.Context) {
	resp, err := s.svc.State(c.Query("session_token"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type vehicleUpdatesRequest struct {
	SessionToken string                    `json:"session_token"`
	Updates      []reconcile.VehicleUpdate `json:"updates"`
}

func (s *Server) updateVehicles(c *gin.Context) {
	var req vehicleUpdatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	if err := s.svc.UpdateVehicles(req.SessionToken, req.Updates); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type hospitalUpdatesRequest struct {
	SessionToken string                     `json:"session_token"`
	Updates      []reconcile.HospitalUpdate `json:"updates"`
}

func (s *Server) updateHospitals(c *gin.Context) {
	var req hospitalUpdatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	if err := s.svc.UpdateHospitals(req.SessionToken, req.Updates); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type eventUpdatesRequest struct {
	SessionToken string                  `json:"session_token"`
	Updates      []reconcile.EventUpdate `json:"updates"`
}

func (s *Server) updateEvents(c *gin.Context) {
	var req eventUpdatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	if err := s.svc.UpdateEvents(req.SessionToken, req.Updates); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) eventsCreate(c *gin.Context) {
	var req handlers.CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	event, err := s.svc.CreateEvent(req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "event": event})
}

type eventFinishRequest struct {
	SessionToken string `json:"session_token"`
	EventID      uint   `json:"event_id"`
}

func (s *Server) eventsFinish(c *gin.Context) {
	var req eventFinishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	if err := s.svc.FinishEvent(req.SessionToken, req.EventID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) eventsAssign(c *gin.Context) {
	var req handlers.AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	if err := s.svc.AssignVehicles(req); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type unassignRequest struct {
	SessionToken string `json:"session_token"`
	VehicleIDs   []uint `json:"vehicle_ids"`
}

func (s *Server) eventsUnassign(c *gin.Context) {
	var req unassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	if err := s.svc.UnassignVehicles(req.SessionToken, req.VehicleIDs); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type eventIDRequest struct {
	SessionToken string `json:"session_token"`
	EventID      uint   `json:"event_id"`
}

func (s *Server) eventsGetVehicles(c *gin.Context) {
	var req eventIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	vehicles, err := s.svc.EventVehicles(req.SessionToken, req.EventID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "vehicles": vehicles})
}

func (s *Server) eventsGetNote(c *gin.Context) {
	var req eventIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	notes, err := s.svc.GetNotes(req.SessionToken, req.EventID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": notes})
}

type setNoteRequest struct {
	SessionToken string `json:"session_token"`
	EventID      uint   `json:"event_id"`
	Content      string `json:"content"`
}

func (s *Server) eventsSetNote(c *gin.Context) {
	var req setNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	note, err := s.svc.SetNote(req.SessionToken, req.EventID, req.Content)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "note": note})
}

type assignPlayerRequest struct {
	SessionToken string `json:"session_token"`
	VehicleID    uint   `json:"vehicle_id"`
	PlayerID     uint   `json:"player_id"`
}

func (s *Server) vehiclesAssignPlayer(c *gin.Context) {
	var req assignPlayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	if err := s.svc.AssignVehiclePlayer(req.SessionToken, req.VehicleID, req.PlayerID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) commandsPending(c *gin.Context) {
	afterID, _ := strconv.ParseUint(c.DefaultQuery("last_id", "0"), 10, 64)
	cmds, err := s.svc.PendingCommands(c.Query("session_token"), uint(afterID))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

type ackRequest struct {
	SessionToken string `json:"session_token"`
	CommandIDs   []uint `json:"command_ids"`
}

func (s *Server) commandsAck(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	updated, err := s.svc.AckCommands(req.SessionToken, req.CommandIDs)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "updated": updated})
}

func (s *Server) logs(c *gin.Context) {
	sinceID, _ := strconv.ParseUint(c.DefaultQuery("since_id", "0"), 10, 64)
	entries, err := s.svc.Logs(c.Query("session_token"), uint(sinceID))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

func (s *Server) modsPut(c *gin.Context) {
	var req handlers.PutModRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.BadRequest, err, "invalid JSON"))
		return
	}
	if err := s.svc.PutMod(req); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "mod_id": req.ModID})
}

func (s *Server) mapImage(c *gin.Context) {
	img, mime, err := s.svc.MapImage(c.Query("session_token"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Cache-Control", "private, max-age=60")
	c.Data(http.StatusOK, mime, img)
}
