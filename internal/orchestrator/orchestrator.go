// Package orchestrator drives the task graph: it decomposes goals into
// dependent tasks, hands pending work to available agents over the message
// bus and folds submitted results (with their confidence grades) back into
// the graph.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/common/errdefs"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/common/tracing"
	"github.com/agentmux/agentmux/internal/messagebus"
	"github.com/agentmux/agentmux/internal/taskgraph"
)

const (
	defaultCycleInterval = 15 * time.Second
	maxAssignmentEvents  = 200
	orchestratorID       = "orchestrator"
)

// AgentLister returns the current agent snapshots. The supervisor provides
// this so the orchestrator never holds a reference into its locked state.
type AgentLister func() []*models.Agent

// AssignmentEvent records one successful hand-off for diagnostics.
type AssignmentEvent struct {
	TaskID    string    `json:"taskId"`
	TaskTitle string    `json:"taskTitle"`
	AgentID   string    `json:"agentId"`
	At        time.Time `json:"at"`
}

// Orchestrator owns the assignment loop.
type Orchestrator struct {
	graph  *taskgraph.Graph
	bus    *messagebus.Bus
	agents AgentLister
	logger *logger.Logger

	interval time.Duration

	mu      sync.Mutex
	events  []AssignmentEvent
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
}

// New wires an orchestrator. interval <= 0 uses the default cycle period.
func New(graph *taskgraph.Graph, bus *messagebus.Bus, agents AgentLister, interval time.Duration, log *logger.Logger) *Orchestrator {
	if interval <= 0 {
		interval = defaultCycleInterval
	}
	return &Orchestrator{
		graph:    graph,
		bus:      bus,
		agents:   agents,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
	}
}

// Start launches the periodic assignment loop. Calling it twice is a no-op.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.stopCh = make(chan struct{})
	stopCh := o.stopCh
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.AssignmentCycle()
			case <-stopCh:
				return
			}
		}
	}()
	o.logger.Info("orchestrator started", zap.Duration("interval", o.interval))
}

// Stop halts the loop. Safe to call before Start and more than once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	close(o.stopCh)
	o.mu.Unlock()
	o.wg.Wait()
}

// SubtaskSpec is one entry of a goal decomposition. DependsOnIndices refer to
// earlier entries of the same call and are resolved to task IDs on creation.
type SubtaskSpec struct {
	Title                string
	Description          string
	Priority             int
	DependsOnIndices     []int
	RequiredCapabilities []string
	Input                string
	ExpectedOutput       string
	AcceptanceCriteria   string
	MaxRetries           int
	TimeoutMS            int64
}

// DecomposeInput is the input to DecomposeGoal.
type DecomposeInput struct {
	Goal         string
	Subtasks     []SubtaskSpec
	ParentTaskID string
}

// DecomposeGoal creates the subtasks in insertion order, resolving
// intra-call dependency indices to the IDs created earlier in the same call.
// On a mid-sequence failure the already created tasks are removed.
func (o *Orchestrator) DecomposeGoal(in DecomposeInput) ([]*taskgraph.Task, error) {
	if strings.TrimSpace(in.Goal) == "" {
		return nil, errdefs.Invalidf("goal is required")
	}
	if len(in.Subtasks) == 0 {
		return nil, errdefs.Invalidf("at least one subtask is required")
	}
	for i, sub := range in.Subtasks {
		for _, dep := range sub.DependsOnIndices {
			if dep < 0 || dep >= i {
				return nil, errdefs.Invalidf("subtask %d: dependency index %d must refer to an earlier subtask", i, dep)
			}
		}
	}

	created := make([]*taskgraph.Task, 0, len(in.Subtasks))
	for i, sub := range in.Subtasks {
		deps := make([]string, 0, len(sub.DependsOnIndices))
		for _, dep := range sub.DependsOnIndices {
			deps = append(deps, created[dep].ID)
		}
		task, err := o.graph.CreateTask(taskgraph.TaskSpec{
			Title:                sub.Title,
			Description:          sub.Description,
			Priority:             sub.Priority,
			DependsOn:            deps,
			ParentTaskID:         in.ParentTaskID,
			RequiredCapabilities: sub.RequiredCapabilities,
			Input:                sub.Input,
			ExpectedOutput:       sub.ExpectedOutput,
			AcceptanceCriteria:   sub.AcceptanceCriteria,
			MaxRetries:           sub.MaxRetries,
			TimeoutMS:            sub.TimeoutMS,
		})
		if err != nil {
			for _, t := range created {
				_ = o.graph.DeleteTask(t.ID)
			}
			return nil, fmt.Errorf("subtask %d: %w", i, err)
		}
		created = append(created, task)
	}
	o.logger.Info("goal decomposed",
		zap.String("goal", in.Goal),
		zap.Int("subtasks", len(created)))
	return created, nil
}

// AssignmentCycle hands the best pending task to each available agent.
// Returns the number of assignments made.
func (o *Orchestrator) AssignmentCycle() int {
	_, span := tracing.Tracer("orchestrator").Start(context.Background(), "assignment.cycle")
	defer span.End()

	assigned := 0
	for _, agent := range o.agents() {
		if !o.available(agent) {
			continue
		}
		task, ok := o.graph.GetNextTask(agent.Capabilities)
		if !ok {
			continue
		}
		updated, err := o.graph.AssignTask(task.ID, agent.ID, task.Version)
		if err != nil {
			// Someone else claimed it between the read and the assign.
			o.logger.Debug("assignment lost race",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if err := o.postTaskMessage(agent, updated); err != nil {
			o.logger.Warn("task message post failed",
				zap.String("task_id", updated.ID),
				zap.String("agent_id", agent.ID),
				zap.Error(err))
			continue
		}
		o.recordAssignment(AssignmentEvent{
			TaskID:    updated.ID,
			TaskTitle: updated.Title,
			AgentID:   agent.ID,
			At:        time.Now().UTC(),
		})
		assigned++
	}
	span.SetAttributes(attribute.Int("assigned", assigned))
	return assigned
}

// available reports whether an agent can take new work this cycle.
func (o *Orchestrator) available(agent *models.Agent) bool {
	if agent.SessionID == "" {
		return false
	}
	return agent.Status == models.StatusIdle || agent.Status == models.StatusRestored
}

func (o *Orchestrator) postTaskMessage(agent *models.Agent, task *taskgraph.Task) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", task.ID, task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	if task.Input != "" {
		fmt.Fprintf(&b, "\nInput:\n%s\n", task.Input)
	}
	if task.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "\nAcceptance criteria:\n%s\n", task.AcceptanceCriteria)
	}
	if task.TimeoutMS > 0 {
		fmt.Fprintf(&b, "\nTime budget: %s\n", time.Duration(task.TimeoutMS)*time.Millisecond)
	}
	_, err := o.bus.Post(messagebus.PostInput{
		From:     orchestratorID,
		FromName: "Orchestrator",
		To:       agent.ID,
		Type:     messagebus.TypeTask,
		Content:  b.String(),
		Metadata: map[string]any{
			"taskId":      task.ID,
			"taskVersion": task.Version,
		},
	})
	return err
}

func (o *Orchestrator) recordAssignment(ev AssignmentEvent) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	if len(o.events) > maxAssignmentEvents {
		o.events = o.events[len(o.events)-maxAssignmentEvents:]
	}
	o.mu.Unlock()
}

// AssignmentEvents returns a copy of the bounded assignment log, oldest first.
func (o *Orchestrator) AssignmentEvents() []AssignmentEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]AssignmentEvent(nil), o.events...)
}
