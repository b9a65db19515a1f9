package taskgraph

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteRoundTrip(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	task := &Task{
		ID:                   "t-1",
		Title:                "refactor parser",
		Description:          "split the lexer out",
		Priority:             PriorityHigh,
		Status:               StatusAssigned,
		DependsOn:            []string{"t-0"},
		OwnerAgentID:         "agent-1",
		RequiredCapabilities: []string{"go", "parsing"},
		Input:                "see repo notes",
		AcceptanceCriteria:   "tests stay green",
		MaxRetries:           2,
		RetryCount:           1,
		TimeoutMS:            60000,
		Version:              3,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, store.SaveTask(task))

	// Upsert: a second save with new values replaces the row.
	task.Status = StatusRunning
	task.Version = 4
	require.NoError(t, store.SaveTask(task))

	loaded, err := store.LoadTasks()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 4, got.Version)
	assert.Equal(t, []string{"t-0"}, got.DependsOn)
	assert.Equal(t, []string{"go", "parsing"}, got.RequiredCapabilities)
	assert.Equal(t, "agent-1", got.OwnerAgentID)

	require.NoError(t, store.DeleteTask("t-1"))
	loaded, err = store.LoadTasks()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSQLiteProfiles(t *testing.T) {
	store := newTestStore(t)

	p := &CapabilityProfile{
		AgentID:        "agent-1",
		Capabilities:   map[string]float64{"go": 0.8},
		SuccessRate:    map[string]float64{"go": 0.75},
		TotalCompleted: 3,
		TotalFailed:    1,
	}
	require.NoError(t, store.SaveProfile(p))

	p.TotalCompleted = 4
	require.NoError(t, store.SaveProfile(p))

	profiles, err := store.LoadProfiles()
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, 4, profiles[0].TotalCompleted)
	assert.Equal(t, 0.8, profiles[0].Capabilities["go"])
}

func TestGraphReloadsFromStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tasks.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	g, err := New(store, logger.Default())
	require.NoError(t, err)

	created, err := g.CreateTask(TaskSpec{Title: "survives restart", Priority: PriorityNormal})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()
	g2, err := New(store2, logger.Default())
	require.NoError(t, err)

	got, err := g2.GetTask(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "survives restart", got.Title)
	assert.Equal(t, created.Version, got.Version)
}

func TestSQLiteClear(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveTask(&Task{
		ID: "t-1", Title: "x", Status: StatusPending, Version: 1,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, store.SaveProfile(&CapabilityProfile{AgentID: "a"}))

	require.NoError(t, store.Clear())

	tasks, err := store.LoadTasks()
	require.NoError(t, err)
	assert.Empty(t, tasks)
	profiles, err := store.LoadProfiles()
	require.NoError(t, err)
	assert.Empty(t, profiles)
}
