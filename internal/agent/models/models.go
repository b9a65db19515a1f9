// Package models defines the persisted agent record and its status machine.
package models

import "time"

// Status is the lifecycle state of a supervised agent.
type Status string

const (
	// StatusStarting is the initial state before first output.
	StatusStarting Status = "starting"
	// StatusRunning means the child process is producing output.
	StatusRunning Status = "running"
	// StatusIdle means the last turn exited cleanly; the agent is deliverable.
	StatusIdle Status = "idle"
	// StatusRestored means the record was revived after a restart; the
	// process is gone but the session is resumable.
	StatusRestored Status = "restored"
	// StatusDisconnected means the process handle was lost.
	StatusDisconnected Status = "disconnected"
	// StatusStalled means the process is alive but silent past the stall window.
	StatusStalled Status = "stalled"
	// StatusPaused means the process group is stopped (SIGSTOP).
	StatusPaused Status = "paused"
	// StatusKilling means the old process is being terminated before respawn.
	StatusKilling Status = "killing"
	// StatusDestroying means teardown is in progress.
	StatusDestroying Status = "destroying"
	// StatusError is terminal.
	StatusError Status = "error"
)

// Usage is the accumulated token and cost snapshot for an agent.
type Usage struct {
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUSD   float64 `json:"costUsd"`
	Turns     int     `json:"turns"`
}

// Agent is the persisted record for one supervised child. Identity fields are
// immutable after creation; the supervisor owns all mutations of the rest.
type Agent struct {
	// Immutable identity.
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	Depth        int       `json:"depth"`
	ParentID     string    `json:"parentId,omitempty"`
	WorkspaceDir string    `json:"workspaceDir"`
	Model        string    `json:"model"`

	// Mutable state.
	Name                       string    `json:"name"`
	Status                     Status    `json:"status"`
	LastActivity               time.Time `json:"lastActivity"`
	SessionID                  string    `json:"sessionId,omitempty"`
	Usage                      Usage     `json:"usage"`
	Role                       string    `json:"role,omitempty"`
	Capabilities               []string  `json:"capabilities,omitempty"`
	DangerouslySkipPermissions bool      `json:"dangerouslySkipPermissions"`
	// LastPID is the process group of the most recent child, kept so a
	// restarted host can reap orphans from its previous life.
	LastPID int `json:"lastPid,omitempty"`
}

// Clone returns a deep copy safe to hand out as a read-only snapshot.
func (a *Agent) Clone() *Agent {
	cp := *a
	if a.Capabilities != nil {
		cp.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &cp
}

// IsMeaningfulTransition reports whether a status change must be persisted
// immediately instead of being coalesced by the debounce timer.
func IsMeaningfulTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusIdle, StatusRunning, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusError
}

// Deliverable reports whether a new prompt may be delivered in this status.
func (s Status) Deliverable() bool {
	switch s {
	case StatusIdle, StatusRestored, StatusStalled:
		return true
	}
	return false
}
