package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/netsblox/cloud-topology/internal/topology"
)

// newTestDB opens an in-memory SQLite database, migrates the same row set
// Connect migrates, and wraps it in the adapter under test. The gorm layer
// is identical either way; only the driver differs.
func newTestDB(t *testing.T) *Postgres {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(AllModels()...))
	return &Postgres{db: db}
}

// seedProject inserts a project with its role and trace child rows.
func seedProject(t *testing.T, p *Postgres, row projectRow) {
	t.Helper()
	require.NoError(t, p.db.Create(&row).Error)
}

func TestPostgresFindByOwnerName(t *testing.T) {
	ctx := context.Background()
	p := newTestDB(t)
	seedProject(t, p, projectRow{
		ID:            "p1",
		Owner:         "alice",
		Name:          "proj",
		Collaborators: "bob,carol",
		SaveState:     string(topology.SaveStateSaved),
		Roles: []projectRoleRow{
			{ProjectID: "p1", RoleID: "r1", Name: "Stage"},
			{ProjectID: "p1", RoleID: "r2", Name: "Sprite"},
		},
	})

	meta, err := p.FindByOwnerName(ctx, "alice", "proj")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, topology.ProjectID("p1"), meta.ID)
	assert.Equal(t, []string{"bob", "carol"}, meta.Collaborators)
	assert.Equal(t, topology.SaveStateSaved, meta.SaveState)
	require.Len(t, meta.Roles, 2)
	assert.Equal(t, "Stage", meta.Roles["r1"].Name)
	assert.Equal(t, "Sprite", meta.Roles["r2"].Name)

	missing, err := p.FindByOwnerName(ctx, "bob", "proj")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresFindByIDEmptyCollaborators(t *testing.T) {
	ctx := context.Background()
	p := newTestDB(t)
	seedProject(t, p, projectRow{ID: "p1", Owner: "alice", Name: "proj"})

	meta, err := p.FindByID(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	// An empty CSV column must not round-trip into [""].
	assert.Nil(t, meta.Collaborators)
	assert.Empty(t, meta.Roles)
	assert.Empty(t, meta.NetworkTraces)

	missing, err := p.FindByID(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresActivateRoom(t *testing.T) {
	ctx := context.Background()
	p := newTestDB(t)
	seedProject(t, p, projectRow{ID: "p1", Owner: "alice", Name: "proj", SaveState: string(topology.SaveStateCreated)})
	seedProject(t, p, projectRow{ID: "p2", Owner: "alice", Name: "other", SaveState: string(topology.SaveStateSaved)})

	require.NoError(t, p.ActivateRoom(ctx, "p1"))
	meta, err := p.FindByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, topology.SaveStateTransient, meta.SaveState)

	// The update is conditional on the Created state: an already-saved
	// project is left alone.
	require.NoError(t, p.ActivateRoom(ctx, "p2"))
	meta, err = p.FindByID(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, topology.SaveStateSaved, meta.SaveState)
}

func TestPostgresTraceLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newTestDB(t)
	seedProject(t, p, projectRow{ID: "p1", Owner: "alice", Name: "proj"})

	start := time.Unix(100, 0).UTC()
	require.NoError(t, p.StartTrace(ctx, "p1", "T1", start))

	meta, err := p.FindByID(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, meta.NetworkTraces, 1)
	assert.True(t, meta.NetworkTraces[0].Open())
	assert.True(t, meta.NetworkTraces[0].StartTime.Equal(start))

	end := time.Unix(200, 0).UTC()
	require.NoError(t, p.StopTrace(ctx, "p1", "T1", end))
	meta, err = p.FindByID(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, meta.NetworkTraces[0].EndTime)
	assert.True(t, meta.NetworkTraces[0].EndTime.Equal(end))

	assert.ErrorIs(t, p.StopTrace(ctx, "p1", "missing", end), topology.ErrTraceNotFound)

	require.NoError(t, p.DeleteTrace(ctx, "p1", "T1"))
	meta, err = p.FindByID(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, meta.NetworkTraces)

	assert.ErrorIs(t, p.DeleteTrace(ctx, "p1", "T1"), topology.ErrTraceNotFound)
}

func TestPostgresRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newTestDB(t)

	require.NoError(t, p.Record(ctx, topology.SentMessage{
		ProjectID:  "p1",
		Source:     topology.BrowserState("p1", "r1"),
		SourceID:   "_c1",
		Recipients: []topology.ClientID{"_c2", "_ext"},
		Time:       time.Unix(110, 0).UTC(),
		MsgType:    "test",
		Content:    map[string]any{"x": 1, "nested": map[string]any{"y": "z"}},
	}))

	msgs, err := p.Fetch(ctx, "p1", time.Unix(0, 0), nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, topology.ClientID("_c1"), msg.SourceID)
	assert.Equal(t, []topology.ClientID{"_c2", "_ext"}, msg.Recipients)
	assert.Equal(t, "test", msg.MsgType)

	// Content survives as JSON, not a stringified Go value.
	raw, ok := msg.Content.(json.RawMessage)
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.EqualValues(t, 1, payload["x"])
}

func TestPostgresRecordEmptyRecipients(t *testing.T) {
	ctx := context.Background()
	p := newTestDB(t)

	// Zero resolved recipients still records (the trace saw the send).
	require.NoError(t, p.Record(ctx, topology.SentMessage{
		ProjectID: "p1",
		SourceID:  "_c1",
		Time:      time.Unix(10, 0).UTC(),
		MsgType:   "lost",
	}))

	msgs, err := p.Fetch(ctx, "p1", time.Unix(0, 0), nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Recipients)
}

func TestPostgresFetchHalfOpenWindow(t *testing.T) {
	ctx := context.Background()
	p := newTestDB(t)

	for _, at := range []int64{110, 120, 130} {
		require.NoError(t, p.Record(ctx, topology.SentMessage{
			ProjectID: "p1",
			SourceID:  "_c1",
			Time:      time.Unix(at, 0).UTC(),
			MsgType:   "seq",
		}))
	}

	// [110, 130): the start boundary is included, the end excluded.
	end := time.Unix(130, 0).UTC()
	msgs, err := p.Fetch(ctx, "p1", time.Unix(110, 0).UTC(), &end)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Time.Equal(time.Unix(110, 0)))
	assert.True(t, msgs[1].Time.Equal(time.Unix(120, 0)))

	// Open window: everything from start through now.
	msgs, err = p.Fetch(ctx, "p1", time.Unix(120, 0).UTC(), nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// Another project's messages never leak in.
	msgs, err = p.Fetch(ctx, "p2", time.Unix(0, 0), nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPostgresDeleteBefore(t *testing.T) {
	ctx := context.Background()
	p := newTestDB(t)

	for _, at := range []int64{60, 210} {
		require.NoError(t, p.Record(ctx, topology.SentMessage{
			ProjectID: "p1",
			SourceID:  "_c1",
			Time:      time.Unix(at, 0).UTC(),
		}))
	}
	require.NoError(t, p.Record(ctx, topology.SentMessage{
		ProjectID: "p2",
		SourceID:  "_c2",
		Time:      time.Unix(60, 0).UTC(),
	}))

	require.NoError(t, p.DeleteBefore(ctx, "p1", time.Unix(200, 0).UTC()))

	remaining, err := p.Fetch(ctx, "p1", time.Unix(0, 0), nil)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.True(t, remaining[0].Time.Equal(time.Unix(210, 0)))

	// Deletion is scoped to the given project.
	other, err := p.Fetch(ctx, "p2", time.Unix(0, 0), nil)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestPostgresPing(t *testing.T) {
	p := newTestDB(t)
	assert.NoError(t, p.Ping(context.Background()))
}
