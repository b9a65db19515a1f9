package taskgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/errdefs"
	"github.com/agentmux/agentmux/internal/common/logger"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := New(nil, logger.Default())
	require.NoError(t, err)
	return g
}

func mustCreate(t *testing.T, g *Graph, spec TaskSpec) *Task {
	t.Helper()
	task, err := g.CreateTask(spec)
	require.NoError(t, err)
	return task
}

func TestCreateTaskValidation(t *testing.T) {
	g := newTestGraph(t)

	_, err := g.CreateTask(TaskSpec{})
	assert.True(t, errdefs.IsInvalid(err), "title required")

	_, err = g.CreateTask(TaskSpec{Title: "x", Priority: 7})
	assert.True(t, errdefs.IsInvalid(err), "bad priority")

	_, err = g.CreateTask(TaskSpec{Title: "x", DependsOn: []string{"nope"}})
	assert.True(t, errdefs.IsInvalid(err), "unknown dependency")
}

func TestCreateTaskBlockedWhenDepsUnfinished(t *testing.T) {
	g := newTestGraph(t)
	dep := mustCreate(t, g, TaskSpec{Title: "dep"})
	child := mustCreate(t, g, TaskSpec{Title: "child", DependsOn: []string{dep.ID}})

	assert.Equal(t, StatusBlocked, child.Status)

	// A dependency that is already completed does not block new tasks.
	done, _, err := g.CompleteTask(dep.ID, dep.Version)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	second := mustCreate(t, g, TaskSpec{Title: "second", DependsOn: []string{dep.ID}})
	assert.Equal(t, StatusPending, second.Status)
}

func TestCompleteUnblocksDependents(t *testing.T) {
	g := newTestGraph(t)
	a := mustCreate(t, g, TaskSpec{Title: "a"})
	b := mustCreate(t, g, TaskSpec{Title: "b"})
	c := mustCreate(t, g, TaskSpec{Title: "c", DependsOn: []string{a.ID, b.ID}})
	require.Equal(t, StatusBlocked, c.Status)

	_, unblocked, err := g.CompleteTask(a.ID, a.Version)
	require.NoError(t, err)
	assert.Empty(t, unblocked, "still waiting on b")

	_, unblocked, err = g.CompleteTask(b.ID, b.Version)
	require.NoError(t, err)
	require.Len(t, unblocked, 1)
	assert.Equal(t, c.ID, unblocked[0].ID)
	assert.Equal(t, StatusPending, unblocked[0].Status)
}

func TestOptimisticConcurrency(t *testing.T) {
	g := newTestGraph(t)
	task := mustCreate(t, g, TaskSpec{Title: "contested"})

	// Two actors observed version 1; only the first assignment wins.
	won, err := g.AssignTask(task.ID, "agent-1", task.Version)
	require.NoError(t, err)
	assert.Equal(t, task.Version+1, won.Version)

	_, err = g.AssignTask(task.ID, "agent-2", task.Version)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	// The loser's failure did not mutate anything.
	current, err := g.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", current.OwnerAgentID)
	assert.Equal(t, won.Version, current.Version)
}

func TestVersionMonotonicity(t *testing.T) {
	g := newTestGraph(t)
	task := mustCreate(t, g, TaskSpec{Title: "t"})
	v := task.Version

	assigned, err := g.AssignTask(task.ID, "a1", v)
	require.NoError(t, err)
	assert.Greater(t, assigned.Version, v)

	started, err := g.StartTask(task.ID, assigned.Version)
	require.NoError(t, err)
	assert.Greater(t, started.Version, assigned.Version)

	completed, _, err := g.CompleteTask(task.ID, started.Version)
	require.NoError(t, err)
	assert.Greater(t, completed.Version, started.Version)
}

func TestRetryBudget(t *testing.T) {
	g := newTestGraph(t)
	task := mustCreate(t, g, TaskSpec{Title: "flaky", MaxRetries: 1})

	failed, err := g.FailTask(task.ID, task.Version)
	require.NoError(t, err)

	retried, err := g.RetryTask(task.ID, "", failed.Version)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)

	failed2, err := g.FailTask(task.ID, retried.Version)
	require.NoError(t, err)

	// Budget exhausted: no mutation.
	_, err = g.RetryTask(task.ID, "", failed2.Version)
	require.Error(t, err)
	assert.True(t, errdefs.IsPrecondition(err))

	current, err := g.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, current.Status)
	assert.Equal(t, 1, current.RetryCount)
	assert.Equal(t, failed2.Version, current.Version)
}

func TestGetNextTaskOrdering(t *testing.T) {
	g := newTestGraph(t)
	noneFirst := mustCreate(t, g, TaskSpec{Title: "unspecified", Priority: PriorityNone})
	low := mustCreate(t, g, TaskSpec{Title: "low", Priority: PriorityLow})
	urgent := mustCreate(t, g, TaskSpec{Title: "urgent", Priority: PriorityUrgent})

	next, ok := g.GetNextTask(nil)
	require.True(t, ok)
	assert.Equal(t, urgent.ID, next.ID)

	_, err := g.AssignTask(urgent.ID, "a1", urgent.Version)
	require.NoError(t, err)

	next, ok = g.GetNextTask(nil)
	require.True(t, ok)
	assert.Equal(t, low.ID, next.ID, "priority 4 beats priority 0")

	_, err = g.AssignTask(low.ID, "a1", low.Version)
	require.NoError(t, err)

	next, ok = g.GetNextTask(nil)
	require.True(t, ok)
	assert.Equal(t, noneFirst.ID, next.ID, "unspecified priority picked last")
}

func TestGetNextTaskCapabilityFilter(t *testing.T) {
	g := newTestGraph(t)
	mustCreate(t, g, TaskSpec{Title: "needs-go", Priority: PriorityUrgent, RequiredCapabilities: []string{"go"}})
	plain := mustCreate(t, g, TaskSpec{Title: "anyone", Priority: PriorityNormal})

	next, ok := g.GetNextTask([]string{"python"})
	require.True(t, ok)
	assert.Equal(t, plain.ID, next.ID)

	next, ok = g.GetNextTask([]string{"go"})
	require.True(t, ok)
	assert.Equal(t, "needs-go", next.Title)

	blockedOnly := newTestGraph(t)
	dep := mustCreate(t, blockedOnly, TaskSpec{Title: "dep"})
	_, err := blockedOnly.AssignTask(dep.ID, "a1", dep.Version)
	require.NoError(t, err)
	mustCreate(t, blockedOnly, TaskSpec{Title: "waiting", DependsOn: []string{dep.ID}})
	_, ok = blockedOnly.GetNextTask(nil)
	assert.False(t, ok, "blocked tasks are never selected")
}

func TestQueryTasks(t *testing.T) {
	g := newTestGraph(t)
	a := mustCreate(t, g, TaskSpec{Title: "a"})
	mustCreate(t, g, TaskSpec{Title: "b", DependsOn: []string{a.ID}})
	assigned := mustCreate(t, g, TaskSpec{Title: "c"})
	_, err := g.AssignTask(assigned.ID, "a1", assigned.Version)
	require.NoError(t, err)

	assert.Len(t, g.QueryTasks(TaskQuery{Status: StatusPending}), 1)
	assert.Len(t, g.QueryTasks(TaskQuery{Status: StatusBlocked}), 1)
	assert.Len(t, g.QueryTasks(TaskQuery{OwnerAgentID: "a1"}), 1)
	assert.Len(t, g.QueryTasks(TaskQuery{Unowned: true}), 2)
	assert.Len(t, g.QueryTasks(TaskQuery{Limit: 2}), 2)

	deps := g.GetDependentTasks(a.ID)
	require.Len(t, deps, 1)
	assert.Equal(t, "b", deps[0].Title)
}

func TestGetSummary(t *testing.T) {
	g := newTestGraph(t)
	a := mustCreate(t, g, TaskSpec{Title: "a"})
	b := mustCreate(t, g, TaskSpec{Title: "b", DependsOn: []string{a.ID}})
	mustCreate(t, g, TaskSpec{Title: "c", DependsOn: []string{b.ID}})

	sum := g.GetSummary()
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.ByStatus[StatusPending])
	assert.Equal(t, 2, sum.ByStatus[StatusBlocked])
	assert.Equal(t, 3, sum.MaxDepth)
}

func TestCapabilityProfiles(t *testing.T) {
	g := newTestGraph(t)

	_, err := g.UpsertProfile(CapabilityProfile{})
	assert.True(t, errdefs.IsInvalid(err))

	_, err = g.UpsertProfile(CapabilityProfile{
		AgentID:      "a1",
		Capabilities: map[string]float64{"go": 1.5},
	})
	assert.True(t, errdefs.IsInvalid(err), "confidence outside [0,1]")

	p, err := g.UpsertProfile(CapabilityProfile{
		AgentID:      "a1",
		Capabilities: map[string]float64{"go": 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.9, p.Capabilities["go"])

	g.RecordOutcome("a1", []string{"go"}, true)
	g.RecordOutcome("a1", []string{"go"}, false)

	got, ok := g.GetProfile("a1")
	require.True(t, ok)
	assert.Equal(t, 1, got.TotalCompleted)
	assert.Equal(t, 1, got.TotalFailed)
	assert.Greater(t, got.SuccessRate["go"], 0.0)

	require.NoError(t, g.DeleteProfile("a1"))
	_, ok = g.GetProfile("a1")
	assert.False(t, ok)
	assert.True(t, errdefs.IsNotFound(g.DeleteProfile("a1")))
}

func TestDeleteAndClear(t *testing.T) {
	g := newTestGraph(t)
	task := mustCreate(t, g, TaskSpec{Title: "x"})

	require.NoError(t, g.DeleteTask(task.ID))
	assert.True(t, errdefs.IsNotFound(g.DeleteTask(task.ID)))

	mustCreate(t, g, TaskSpec{Title: "y"})
	g.ClearAll()
	assert.Zero(t, g.GetSummary().Total)
}
