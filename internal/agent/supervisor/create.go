package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/stream"
	"github.com/agentmux/agentmux/internal/agent/workspace"
	"github.com/agentmux/agentmux/internal/common/errdefs"
	"github.com/agentmux/agentmux/internal/common/tracing"
)

// CreateRequest describes a new agent.
type CreateRequest struct {
	Name                       string
	Prompt                     string
	ParentID                   string
	Model                      string
	Role                       string
	Capabilities               []string
	MaxTurns                   int
	DangerouslySkipPermissions bool
	Attachments                []workspace.Attachment
}

// Create validates preconditions, provisions a workspace, spawns the child
// and inserts the agent. Precondition order: kill switch, global cap, parent
// checks, dedup window, model allowlist.
func (s *Supervisor) Create(req CreateRequest) (*models.Agent, error) {
	_, span := tracing.Tracer("supervisor").Start(context.Background(), "agent.create",
		trace.WithAttributes(attribute.String("agent.name", req.Name)))
	defer span.End()

	if s.ksw.IsKilled() || s.killed.Load() {
		return nil, errdefs.Preconditionf("kill switch active")
	}
	if req.Name == "" {
		return nil, errdefs.Invalidf("agent name is required")
	}

	dedupKey := req.ParentID + "/" + req.Name
	now := time.Now()

	s.mu.Lock()
	if len(s.agents) >= s.cfg.MaxAgents {
		s.mu.Unlock()
		return nil, errdefs.Preconditionf("maximum agents reached (%d)", s.cfg.MaxAgents)
	}

	depth := 1
	if req.ParentID != "" {
		parent, ok := s.agents[req.ParentID]
		if !ok {
			s.mu.Unlock()
			return nil, errdefs.NotFoundf("parent agent %s not found", req.ParentID)
		}
		parent.mu.Lock()
		depth = parent.agent.Depth + 1
		parent.mu.Unlock()
		if depth > s.cfg.MaxDepth {
			s.mu.Unlock()
			return nil, errdefs.Preconditionf("maximum agent depth exceeded (%d)", s.cfg.MaxDepth)
		}
		children := 0
		for _, p := range s.agents {
			p.mu.Lock()
			if p.agent.ParentID == req.ParentID {
				children++
			}
			p.mu.Unlock()
		}
		if children >= s.cfg.MaxChildren {
			s.mu.Unlock()
			return nil, errdefs.Preconditionf("maximum children per agent exceeded (%d)", s.cfg.MaxChildren)
		}
	}

	if stamp, ok := s.recentCreates[dedupKey]; ok && now.Sub(stamp.at) < dedupWindow {
		s.mu.Unlock()
		return nil, errdefs.Conflictf("Agent %q was already created recently", stamp.agentName)
	}
	s.pruneDedupLocked(now)

	model := req.Model
	if !s.modelAllowed(model) {
		model = s.cfg.DefaultModel
	}

	agent := &models.Agent{
		ID:                         uuid.New().String(),
		Name:                       req.Name,
		CreatedAt:                  now.UTC(),
		Depth:                      depth,
		ParentID:                   req.ParentID,
		Model:                      model,
		Status:                     models.StatusStarting,
		LastActivity:               now.UTC(),
		Role:                       req.Role,
		Capabilities:               append([]string(nil), req.Capabilities...),
		DangerouslySkipPermissions: req.DangerouslySkipPermissions,
	}
	agent.WorkspaceDir = s.prov.WorkspaceDir(agent.ID)

	// Reserve the slot and the dedup key before any I/O so a concurrent
	// create with the same (parent, name) fails immediately.
	proc := newAgentProcess(s, agent)
	s.agents[agent.ID] = proc
	s.recentCreates[dedupKey] = createStamp{agentID: agent.ID, agentName: req.Name, at: now}
	s.mu.Unlock()

	fail := func(err error) (*models.Agent, error) {
		s.mu.Lock()
		delete(s.agents, agent.ID)
		delete(s.recentCreates, dedupKey)
		s.mu.Unlock()
		return nil, err
	}

	if err := s.prov.EnsureWorkspace(agent.WorkspaceDir, agent.Name, agent.ID); err != nil {
		return fail(errdefs.Transient("provision workspace", err))
	}

	prompt := req.Prompt
	if len(req.Attachments) > 0 {
		prefix, err := workspace.SaveAttachments(agent.WorkspaceDir, req.Attachments)
		if err != nil {
			return fail(errdefs.Invalidf("save attachments: %v", err))
		}
		prompt = prefix + prompt
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = s.cfg.MaxTurns
	}

	// Synthetic prompt event so reconnecting subscribers see the original
	// request even though it never came through stdout. Recorded before the
	// spawn so it precedes all child output.
	s.ingestEvent(proc, stream.NewUserPrompt(prompt))

	if err := s.spawn(proc, prompt, maxTurns, ""); err != nil {
		_ = s.prov.RemoveWorkspace(agent.ID)
		s.store.RemoveEventLog(agent.ID)
		return fail(errdefs.Transient("spawn agent process", err))
	}

	s.persistAgent(proc, models.StatusStarting, models.StatusStarting)

	s.logger.Info("agent created",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.String("model", agent.Model),
		zap.Int("depth", agent.Depth))
	return proc.snapshot(), nil
}

func (s *Supervisor) modelAllowed(model string) bool {
	if model == "" {
		return false
	}
	for _, m := range s.cfg.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// pruneDedupLocked drops expired dedup stamps. Caller holds s.mu.
func (s *Supervisor) pruneDedupLocked(now time.Time) {
	for key, stamp := range s.recentCreates {
		if now.Sub(stamp.at) >= dedupWindow {
			delete(s.recentCreates, key)
		}
	}
}
