package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/dispatchhq/dispatchd/internal/database"
	"github.com/dispatchhq/dispatchd/internal/handlers"
	"github.com/dispatchhq/dispatchd/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	db, err := database.GetSqliteDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.DatabaseModels...))
	svc := handlers.NewService(handlers.Dependencies{DB: db, Logger: zerolog.Nop()})
	return New(svc, zerolog.Nop()).Router()
}

func doJSON(t *testing.T, r *gin.Engine, action string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api?action="+action, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func doGet(t *testing.T, r *gin.Engine, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api?"+query, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRoute_UnknownAction(t *testing.T) {
	r := newTestRouter(t)

	w := doGet(t, r, "action=frobnicate")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionCreateThenState(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, "session_create", gin.H{"mod_id": "mod-x"})
	require.Equal(t, http.StatusOK, w.Code)

	var created struct {
		OK           bool   `json:"ok"`
		SessionToken string `json:"session_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.OK)
	assert.Len(t, created.SessionToken, 16)

	w = doGet(t, r, "action=state&session_token="+created.SessionToken)
	require.Equal(t, http.StatusOK, w.Code)

	var state handlers.StateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, created.SessionToken, state.Session.Token)
}

func TestSyncThenCommandsRoundTrip(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, "sync", gin.H{
		"session_token": "tok",
		"vehicles":      []gin.H{{"game_vehicle_id": "V1", "status": 1}},
		"events":        []gin.H{{"game_event_id": "E1", "x": 5, "y": 6}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doGet(t, r, "action=state&session_token=tok")
	require.Equal(t, http.StatusOK, w.Code)
	var state handlers.StateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	require.Len(t, state.Vehicles, 1)
	require.Len(t, state.Events, 1)

	w = doJSON(t, r, "events_assign", gin.H{
		"session_token": "tok",
		"event_id":      state.Events[0].ID,
		"vehicle_ids":   []uint{state.Vehicles[0].ID},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doGet(t, r, "action=commands_pending&session_token=tok")
	require.Equal(t, http.StatusOK, w.Code)
	var pending struct {
		Commands []model.Command `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	require.Len(t, pending.Commands, 1)
	assert.Equal(t, model.CommandAssign, pending.Commands[0].Type)

	w = doJSON(t, r, "commands_ack", gin.H{
		"session_token": "tok",
		"command_ids":   []uint{pending.Commands[0].ID},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doGet(t, r, "action=commands_pending&session_token=tok")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	assert.Empty(t, pending.Commands)
}

func TestErrorStatusMapping(t *testing.T) {
	r := newTestRouter(t)

	// unknown token
	w := doGet(t, r, "action=state&session_token=nope")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// missing token
	w = doJSON(t, r, "sync", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// provenance violation
	w = doJSON(t, r, "sync", gin.H{
		"session_token": "tok",
		"events":        []gin.H{{"game_event_id": "E1"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var state handlers.StateResponse
	w = doGet(t, r, "action=state&session_token=tok")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	w = doJSON(t, r, "events_finish", gin.H{
		"session_token": "tok",
		"event_id":      state.Events[0].ID,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api?action=state", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
