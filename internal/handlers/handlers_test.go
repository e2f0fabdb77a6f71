package handlers

import (
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/dispatchhq/dispatchd/internal/apperr"
	"github.com/dispatchhq/dispatchd/internal/database"
	"github.com/dispatchhq/dispatchd/internal/model"
	"github.com/dispatchhq/dispatchd/internal/reconcile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := database.GetSqliteDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.DatabaseModels...))
	return NewService(Dependencies{DB: db, Logger: zerolog.Nop()})
}

func ptr[T any](v T) *T {
	return &v
}

func syncSession(t *testing.T, svc *Service, token string) uint {
	t.Helper()
	id, err := svc.Sync(SyncRequest{SessionToken: token})
	require.NoError(t, err)
	return id
}

func TestSync_CreatesSessionAndEntities(t *testing.T) {
	svc := newTestService(t)

	id, err := svc.Sync(SyncRequest{
		SessionToken: "tok",
		ModID:        ptr("mod-x"),
		Players:      []reconcile.PlayerUpdate{{PlayerUID: "steam-1", Name: ptr("Alex")}},
		Vehicles: []reconcile.VehicleUpdate{
			{GameVehicleID: "V1", Status: ptr(1), X: ptr(10.0), Y: ptr(20.0)},
		},
		Hospitals: []reconcile.HospitalUpdate{{GameHospitalID: "H1", ICUAvailable: ptr(4)}},
		Events:    []reconcile.EventUpdate{{GameEventID: ptr("E1"), Name: ptr("Fire")}},
		Time:      &ClockUpdate{H: 8, M: 30},
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	state, err := svc.State("tok")
	require.NoError(t, err)
	assert.Equal(t, "tok", state.Session.Token)
	require.NotNil(t, state.Session.ModID)
	assert.Equal(t, "mod-x", *state.Session.ModID)
	assert.Len(t, state.Players, 1)
	assert.Len(t, state.Vehicles, 1)
	assert.Len(t, state.Hospitals, 1)
	assert.Len(t, state.Events, 1)
	require.NotNil(t, state.Time)
	assert.Equal(t, 8, state.Time.TimeHours)

	// sync performs no transition detection
	logs, err := svc.Logs("tok", 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSync_MissingToken(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Sync(SyncRequest{})
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestSync_EventsAreGameOwned(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Sync(SyncRequest{
		SessionToken: "tok",
		Events:       []reconcile.EventUpdate{{GameEventID: ptr("E1")}},
	})
	require.NoError(t, err)

	state, err := svc.State("tok")
	require.NoError(t, err)
	require.Len(t, state.Events, 1)
	assert.Equal(t, model.CreatedByGame, state.Events[0].CreatedBy)
}

func TestState_ExcludesCompletedEvents(t *testing.T) {
	svc := newTestService(t)
	syncSession(t, svc, "tok")

	event, err := svc.CreateEvent(CreateEventRequest{SessionToken: "tok", Name: ptr("Crash")})
	require.NoError(t, err)
	require.NoError(t, svc.FinishEvent("tok", event.ID))

	state, err := svc.State("tok")
	require.NoError(t, err)
	assert.Empty(t, state.Events)
}

func TestState_UnknownToken(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.State("nope")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestCreateEvent_LogsAndEnqueuesCommand(t *testing.T) {
	svc := newTestService(t)
	syncSession(t, svc, "tok")

	event, err := svc.CreateEvent(CreateEventRequest{
		SessionToken: "tok", Name: ptr("Pileup"), X: ptr(12.0), Y: ptr(34.0),
	})
	require.NoError(t, err)
	assert.Equal(t, model.CreatedByFrontend, event.CreatedBy)
	assert.Equal(t, model.EventStatusActive, event.Status)
	assert.Nil(t, event.GameEventID)

	cmds, err := svc.PendingCommands("tok", 0)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.CommandEventCreate, cmds[0].Type)

	logs, err := svc.Logs("tok", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Event created", logs[0].Message)
}

func TestFinishEvent_ProvenanceGate(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Sync(SyncRequest{
		SessionToken: "tok",
		Events:       []reconcile.EventUpdate{{GameEventID: ptr("E1")}},
	})
	require.NoError(t, err)

	state, err := svc.State("tok")
	require.NoError(t, err)
	gameEvent := state.Events[0]

	// game-created events cannot be finished through the operator path
	err = svc.FinishEvent("tok", gameEvent.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	opEvent, err := svc.CreateEvent(CreateEventRequest{SessionToken: "tok", Name: ptr("Op")})
	require.NoError(t, err)
	require.NoError(t, svc.FinishEvent("tok", opEvent.ID))

	var stored model.Event
	require.NoError(t, svc.db.First(&stored, opEvent.ID).Error)
	assert.Equal(t, model.EventStatusCompleted, stored.Status)

	cmds, err := svc.PendingCommands("tok", 0)
	require.NoError(t, err)
	var deletes int
	for _, c := range cmds {
		if c.Type == model.CommandEventDelete {
			deletes++
		}
	}
	assert.Equal(t, 1, deletes)
}

func TestFinishEvent_UnknownEvent(t *testing.T) {
	svc := newTestService(t)
	syncSession(t, svc, "tok")

	err := svc.FinishEvent("tok", 9999)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestAssignVehicles_EndToEnd(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Sync(SyncRequest{
		SessionToken: "tok",
		Vehicles:     []reconcile.VehicleUpdate{{GameVehicleID: "V1", Status: ptr(1)}},
		Events:       []reconcile.EventUpdate{{GameEventID: ptr("E1"), X: ptr(5.0), Y: ptr(6.0)}},
	})
	require.NoError(t, err)

	state, err := svc.State("tok")
	require.NoError(t, err)
	vehicleID := state.Vehicles[0].ID
	eventID := state.Events[0].ID

	require.NoError(t, svc.AssignVehicles(AssignRequest{
		SessionToken: "tok",
		EventID:      eventID,
		VehicleIDs:   []uint{vehicleID},
	}))

	roster, err := svc.EventVehicles("tok", eventID)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, vehicleID, roster[0].ID)

	require.NoError(t, svc.UnassignVehicles("tok", []uint{vehicleID}))

	roster, err = svc.EventVehicles("tok", eventID)
	require.NoError(t, err)
	assert.Empty(t, roster)

	cmds, err := svc.PendingCommands("tok", 0)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, model.CommandAssign, cmds[0].Type)
	assert.Equal(t, model.CommandUnassign, cmds[1].Type)
}

func TestSync_RollsBackWholeBatchOnInvalidRecord(t *testing.T) {
	svc := newTestService(t)

	// the second vehicle is missing its game id and fails validation
	_, err := svc.Sync(SyncRequest{
		SessionToken: "tok",
		Vehicles: []reconcile.VehicleUpdate{
			{GameVehicleID: "V1"},
			{},
		},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))

	// neither the session nor the first vehicle survives
	_, err = svc.State("tok")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	var count int64
	require.NoError(t, svc.db.Model(&model.Vehicle{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestAssignVehicles_RollsBackOnMidBatchFailure(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Sync(SyncRequest{
		SessionToken: "tok",
		Vehicles:     []reconcile.VehicleUpdate{{GameVehicleID: "V1"}},
		Events:       []reconcile.EventUpdate{{GameEventID: ptr("E1")}},
	})
	require.NoError(t, err)

	state, err := svc.State("tok")
	require.NoError(t, err)

	// breaking the commands table makes the enqueue fail after the
	// assignment row was written
	require.NoError(t, svc.db.Migrator().DropTable(&model.Command{}))

	err = svc.AssignVehicles(AssignRequest{
		SessionToken: "tok",
		EventID:      state.Events[0].ID,
		VehicleIDs:   []uint{state.Vehicles[0].ID},
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, svc.db.Model(&model.Assignment{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestAckCommands_FlowAndCursor(t *testing.T) {
	svc := newTestService(t)
	syncSession(t, svc, "tok")

	_, err := svc.CreateEvent(CreateEventRequest{SessionToken: "tok"})
	require.NoError(t, err)
	_, err = svc.CreateEvent(CreateEventRequest{SessionToken: "tok"})
	require.NoError(t, err)

	cmds, err := svc.PendingCommands("tok", 0)
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	updated, err := svc.AckCommands("tok", []uint{cmds[0].ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated)

	remaining, err := svc.PendingCommands("tok", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, cmds[1].ID, remaining[0].ID)

	_, err = svc.AckCommands("tok", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestNotes_SetAndGet(t *testing.T) {
	svc := newTestService(t)
	syncSession(t, svc, "tok")

	event, err := svc.CreateEvent(CreateEventRequest{SessionToken: "tok"})
	require.NoError(t, err)

	_, err = svc.SetNote("tok", event.ID, "send two more units")
	require.NoError(t, err)
	note, err := svc.SetNote("tok", event.ID, "situation contained")
	require.NoError(t, err)
	assert.Equal(t, "situation contained", note.Content)

	notes, err := svc.GetNotes("tok", event.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "situation contained", notes[0].Content)
}

func TestSetNote_MissingContent(t *testing.T) {
	svc := newTestService(t)
	syncSession(t, svc, "tok")

	_, err := svc.SetNote("tok", 1, "")
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}

func TestUpdateVehicles_ScenarioStatusChange(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Sync(SyncRequest{
		SessionToken: "tok",
		Vehicles: []reconcile.VehicleUpdate{
			{GameVehicleID: "V1", Status: ptr(1), X: ptr(10.0), Y: ptr(20.0)},
		},
	})
	require.NoError(t, err)

	err = svc.UpdateVehicles("tok", []reconcile.VehicleUpdate{
		{GameVehicleID: "V1", Status: ptr(3)},
	})
	require.NoError(t, err)

	logs, err := svc.Logs("tok", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Vehicle status changed", logs[0].Message)
}

func TestPutModAndMapImage(t *testing.T) {
	svc := newTestService(t)

	img := []byte{0xff, 0xd8, 0xff, 0xe0}
	require.NoError(t, svc.PutMod(PutModRequest{
		ModID:       "mod-x",
		MimeType:    "image/jpeg",
		ImageBase64: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
	}))

	_, err := svc.Sync(SyncRequest{SessionToken: "tok", ModID: ptr("mod-x")})
	require.NoError(t, err)

	data, mime, err := svc.MapImage("tok")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)
	assert.Equal(t, img, data)
}

func TestPutMod_ReplacesCachedImage(t *testing.T) {
	svc := newTestService(t)

	first := []byte{0x01, 0x02}
	second := []byte{0x03, 0x04}
	put := func(img []byte) {
		require.NoError(t, svc.PutMod(PutModRequest{
			ModID:       "mod-x",
			ImageBase64: base64.StdEncoding.EncodeToString(img),
		}))
	}

	put(first)
	_, err := svc.Sync(SyncRequest{SessionToken: "tok", ModID: ptr("mod-x")})
	require.NoError(t, err)

	data, _, err := svc.MapImage("tok")
	require.NoError(t, err)
	assert.Equal(t, first, data)

	// a re-upload must not serve the stale cached image
	put(second)
	data, _, err = svc.MapImage("tok")
	require.NoError(t, err)
	assert.Equal(t, second, data)
}

func TestMapImage_NoModBound(t *testing.T) {
	svc := newTestService(t)
	syncSession(t, svc, "tok")

	_, _, err := svc.MapImage("tok")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestPutMod_InvalidBase64(t *testing.T) {
	svc := newTestService(t)

	err := svc.PutMod(PutModRequest{ModID: "mod-x", ImageBase64: "%%%not-base64%%%"})
	require.Error(t, err)
	assert.Equal(t, apperr.BadRequest, apperr.KindOf(err))
}
