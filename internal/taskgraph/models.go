// Package taskgraph maintains the dependency-aware work queue: tasks with
// optimistic concurrency, blocked/pending recomputation and capability
// profiles used for assignment.
package taskgraph

import (
	"time"
)

// Status values for a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// valid reports whether s is a known status.
func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusRunning, StatusCompleted,
		StatusFailed, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status ends the task's life.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priorities: 1 is most urgent, 4 least; 0 means unspecified and sorts last.
const (
	PriorityNone   = 0
	PriorityUrgent = 1
	PriorityHigh   = 2
	PriorityNormal = 3
	PriorityLow    = 4
)

// Field size bounds enforced on create.
const (
	maxTitleLen    = 500
	maxTextLen     = 10000
	maxListEntries = 50
)

// Task is one unit of work in the graph. Version increments on every
// successful mutation and backs optimistic concurrency.
type Task struct {
	ID                   string    `json:"id" db:"id"`
	Title                string    `json:"title" db:"title"`
	Description          string    `json:"description,omitempty" db:"description"`
	Priority             int       `json:"priority" db:"priority"`
	Status               Status    `json:"status" db:"status"`
	DependsOn            []string  `json:"dependsOn,omitempty"`
	OwnerAgentID         string    `json:"ownerAgentId,omitempty" db:"owner_agent_id"`
	ParentTaskID         string    `json:"parentTaskId,omitempty" db:"parent_task_id"`
	RequiredCapabilities []string  `json:"requiredCapabilities,omitempty"`
	Input                string    `json:"input,omitempty" db:"input"`
	ExpectedOutput       string    `json:"expectedOutput,omitempty" db:"expected_output"`
	AcceptanceCriteria   string    `json:"acceptanceCriteria,omitempty" db:"acceptance_criteria"`
	MaxRetries           int       `json:"maxRetries" db:"max_retries"`
	RetryCount           int       `json:"retryCount" db:"retry_count"`
	TimeoutMS            int64     `json:"timeoutMs,omitempty" db:"timeout_ms"`
	Version              int       `json:"version" db:"version"`
	CreatedAt            time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time `json:"updatedAt" db:"updated_at"`
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	out := *t
	out.DependsOn = append([]string(nil), t.DependsOn...)
	out.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	return &out
}

// CapabilityProfile tracks an agent's proven skills for assignment scoring.
type CapabilityProfile struct {
	AgentID        string             `json:"agentId"`
	Capabilities   map[string]float64 `json:"capabilities"` // tag -> confidence 0..1
	SuccessRate    map[string]float64 `json:"successRate"`  // tag -> completion rate
	TotalCompleted int                `json:"totalCompleted"`
	TotalFailed    int                `json:"totalFailed"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

func (p *CapabilityProfile) clone() *CapabilityProfile {
	out := *p
	out.Capabilities = make(map[string]float64, len(p.Capabilities))
	for k, v := range p.Capabilities {
		out.Capabilities[k] = v
	}
	out.SuccessRate = make(map[string]float64, len(p.SuccessRate))
	for k, v := range p.SuccessRate {
		out.SuccessRate[k] = v
	}
	return &out
}

// Summary aggregates graph state for dashboards.
type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
	MaxDepth int            `json:"maxDepth"` // longest dependency chain
}

// TaskSpec is the input to CreateTask.
type TaskSpec struct {
	Title                string
	Description          string
	Priority             int
	DependsOn            []string
	ParentTaskID         string
	RequiredCapabilities []string
	Input                string
	ExpectedOutput       string
	AcceptanceCriteria   string
	MaxRetries           int
	TimeoutMS            int64
}

// TaskQuery filters QueryTasks. Zero values mean "any".
type TaskQuery struct {
	Status             Status
	OwnerAgentID       string
	ParentTaskID       string
	Unblocked          bool
	Unowned            bool
	RequiredCapability string
	Limit              int
}
