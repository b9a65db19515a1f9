package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/common/errdefs"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/messagebus"
	"github.com/agentmux/agentmux/internal/orchestrator/grading"
	"github.com/agentmux/agentmux/internal/taskgraph"
)

type fixture struct {
	graph  *taskgraph.Graph
	bus    *messagebus.Bus
	agents []*models.Agent
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g, err := taskgraph.New(nil, logger.Default())
	require.NoError(t, err)
	f := &fixture{graph: g, bus: messagebus.New(logger.Default())}
	f.orch = New(g, f.bus, func() []*models.Agent { return f.agents }, time.Hour, logger.Default())
	return f
}

func idleAgent(id string, caps ...string) *models.Agent {
	return &models.Agent{
		ID:           id,
		Name:         id,
		Status:       models.StatusIdle,
		SessionID:    "sess-" + id,
		Capabilities: caps,
	}
}

func TestDecomposeGoal(t *testing.T) {
	f := newFixture(t)

	created, err := f.orch.DecomposeGoal(DecomposeInput{
		Goal: "ship the feature",
		Subtasks: []SubtaskSpec{
			{Title: "design", Priority: taskgraph.PriorityHigh},
			{Title: "implement", DependsOnIndices: []int{0}},
			{Title: "review", DependsOnIndices: []int{0, 1}},
		},
	})
	require.NoError(t, err)
	require.Len(t, created, 3)

	assert.Equal(t, taskgraph.StatusPending, created[0].Status)
	assert.Equal(t, taskgraph.StatusBlocked, created[1].Status)
	assert.Equal(t, []string{created[0].ID}, created[1].DependsOn)
	assert.Equal(t, []string{created[0].ID, created[1].ID}, created[2].DependsOn)
}

func TestDecomposeGoalValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.DecomposeGoal(DecomposeInput{Goal: " "})
	assert.True(t, errdefs.IsInvalid(err))

	_, err = f.orch.DecomposeGoal(DecomposeInput{Goal: "g"})
	assert.True(t, errdefs.IsInvalid(err), "empty subtasks")

	_, err = f.orch.DecomposeGoal(DecomposeInput{
		Goal:     "g",
		Subtasks: []SubtaskSpec{{Title: "a", DependsOnIndices: []int{0}}},
	})
	assert.True(t, errdefs.IsInvalid(err), "self index")

	// A mid-sequence creation failure removes the tasks created before it.
	_, err = f.orch.DecomposeGoal(DecomposeInput{
		Goal: "g",
		Subtasks: []SubtaskSpec{
			{Title: "ok"},
			{Title: ""},
		},
	})
	require.Error(t, err)
	assert.Zero(t, f.graph.GetSummary().Total)
}

func TestAssignmentCycle(t *testing.T) {
	f := newFixture(t)
	f.agents = []*models.Agent{
		idleAgent("a1", "go"),
		idleAgent("a2"),
		{ID: "busy", Status: models.StatusRunning, SessionID: "s"},
		{ID: "no-session", Status: models.StatusIdle},
	}

	_, err := f.graph.CreateTask(taskgraph.TaskSpec{
		Title:                "needs go",
		Priority:             taskgraph.PriorityUrgent,
		RequiredCapabilities: []string{"go"},
		AcceptanceCriteria:   "tests pass",
		Input:                "fix the parser",
		TimeoutMS:            30000,
	})
	require.NoError(t, err)
	_, err = f.graph.CreateTask(taskgraph.TaskSpec{Title: "anything", Priority: taskgraph.PriorityNormal})
	require.NoError(t, err)

	assigned := f.orch.AssignmentCycle()
	assert.Equal(t, 2, assigned)

	// Capability-bound task went to the capable agent.
	owned := f.graph.QueryTasks(taskgraph.TaskQuery{OwnerAgentID: "a1"})
	require.Len(t, owned, 1)
	assert.Equal(t, "needs go", owned[0].Title)
	assert.Equal(t, taskgraph.StatusAssigned, owned[0].Status)

	// The task message carries criteria, input and budget.
	msgs := f.bus.Query(messagebus.Query{To: "a1", Type: messagebus.TypeTask})
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "tests pass")
	assert.Contains(t, msgs[0].Content, "fix the parser")
	assert.Contains(t, msgs[0].Content, "30s")
	assert.Equal(t, owned[0].ID, msgs[0].Metadata["taskId"])

	events := f.orch.AssignmentEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "a1", events[0].AgentID)

	// Nothing left: a second cycle assigns nothing.
	assert.Zero(t, f.orch.AssignmentCycle())
}

func TestSubmitResultCompletes(t *testing.T) {
	f := newFixture(t)
	f.agents = []*models.Agent{idleAgent("a1")}

	dep, err := f.graph.CreateTask(taskgraph.TaskSpec{Title: "first"})
	require.NoError(t, err)
	blocked, err := f.graph.CreateTask(taskgraph.TaskSpec{Title: "second", DependsOn: []string{dep.ID}})
	require.NoError(t, err)

	require.Equal(t, 1, f.orch.AssignmentCycle())

	out, err := f.orch.SubmitResult(ResultInput{
		TaskID: dep.ID,
		Status: "completed",
		Grade: &grading.Grade{
			Clarity:     grading.LevelHigh,
			Confidence:  grading.LevelHigh,
			BlastRadius: grading.RadiusIsolated,
		},
		DurationMS: 1200,
	})
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, grading.RiskLow, out.Risk)
	require.Len(t, out.UnblockedTasks, 1)
	assert.Equal(t, blocked.ID, out.UnblockedTasks[0].ID)

	profile, ok := f.graph.GetProfile("a1")
	require.True(t, ok)
	assert.Equal(t, 1, profile.TotalCompleted)
}

func TestSubmitResultHighRiskHeld(t *testing.T) {
	f := newFixture(t)
	f.agents = []*models.Agent{idleAgent("a1")}

	task, err := f.graph.CreateTask(taskgraph.TaskSpec{Title: "risky", MaxRetries: 3})
	require.NoError(t, err)
	require.Equal(t, 1, f.orch.AssignmentCycle())

	out, err := f.orch.SubmitResult(ResultInput{
		TaskID: task.ID,
		Status: "completed",
		Grade: &grading.Grade{
			Clarity:     grading.LevelLow,
			Confidence:  grading.LevelLow,
			BlastRadius: grading.RadiusWide,
		},
	})
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, grading.RiskHigh, out.Risk)
	assert.Equal(t, taskgraph.StatusFailed, out.Task.Status)
	assert.Contains(t, out.Reason, "high risk")
	assert.False(t, out.Retried, "held tasks are not auto-requeued")

	// Human approval completes it despite the failed state.
	approved, _, err := f.orch.ApproveTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, taskgraph.StatusCompleted, approved.Status)
}

func TestSubmitResultRetries(t *testing.T) {
	f := newFixture(t)
	f.agents = []*models.Agent{idleAgent("a1")}

	task, err := f.graph.CreateTask(taskgraph.TaskSpec{Title: "flaky", MaxRetries: 1})
	require.NoError(t, err)
	require.Equal(t, 1, f.orch.AssignmentCycle())

	out, err := f.orch.SubmitResult(ResultInput{
		TaskID:       task.ID,
		Status:       "failed",
		ErrorMessage: "tests red",
	})
	require.NoError(t, err)
	assert.True(t, out.Retried)
	assert.Equal(t, taskgraph.StatusPending, out.Task.Status)

	// Budget spent on the second failure.
	require.Equal(t, 1, f.orch.AssignmentCycle())
	out, err = f.orch.SubmitResult(ResultInput{TaskID: task.ID, Status: "failed"})
	require.NoError(t, err)
	assert.False(t, out.Retried)
	assert.Equal(t, taskgraph.StatusFailed, out.Task.Status)
}

func TestSubmitResultValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.SubmitResult(ResultInput{Status: "completed"})
	assert.True(t, errdefs.IsInvalid(err))

	_, err = f.orch.SubmitResult(ResultInput{TaskID: "x", Status: "done"})
	assert.True(t, errdefs.IsInvalid(err))

	_, err = f.orch.SubmitResult(ResultInput{TaskID: "missing", Status: "completed"})
	assert.True(t, errdefs.IsNotFound(err))

	task, err := f.graph.CreateTask(taskgraph.TaskSpec{Title: "t"})
	require.NoError(t, err)
	_, err = f.orch.SubmitResult(ResultInput{
		TaskID: task.ID,
		Status: "completed",
		Grade:  &grading.Grade{Clarity: "perfect", Confidence: grading.LevelHigh, BlastRadius: grading.RadiusIsolated},
	})
	assert.True(t, errdefs.IsInvalid(err))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	f.orch.Stop() // before Start

	f.orch.Start()
	f.orch.Start() // idempotent
	f.orch.Stop()
	f.orch.Stop()
}
