package supervisor

import (
	"syscall"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/common/errdefs"
)

// RestoreAgents revives persisted agents after a restart. Their processes are
// necessarily gone, so each comes back as disconnected (terminal error states
// are kept) with a nil process handle; having a sessionId they remain
// messageable, which respawns them via --resume.
func (s *Supervisor) RestoreAgents() (int, error) {
	if s.store.HasTombstone() {
		return 0, errdefs.Preconditionf("kill switch tombstone present, refusing to restore agents")
	}

	agents, err := s.store.LoadAllAgentStates()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, agent := range agents {
		if agent.LastPID > 0 {
			// Orphan from the previous run; its pipes are gone and nothing
			// will reap it.
			_ = syscall.Kill(-agent.LastPID, syscall.SIGKILL)
			agent.LastPID = 0
		}
		if agent.Status != models.StatusError {
			agent.Status = models.StatusDisconnected
		}

		if err := s.prov.EnsureWorkspace(agent.WorkspaceDir, agent.Name, agent.ID); err != nil {
			s.logger.Warn("workspace re-ensure failed during restore",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}

		p := newAgentProcess(s, agent)
		s.mu.Lock()
		s.agents[agent.ID] = p
		s.mu.Unlock()

		if err := s.store.SaveAgentState(agent, true); err != nil {
			s.logger.Warn("restored state save failed",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
		restored++
	}

	// Anything on disk that does not belong to a restored agent is a
	// leftover from a previous life.
	keep := make(map[string]bool, restored)
	for _, agent := range agents {
		keep[agent.ID] = true
	}
	s.prov.PruneStale(keep)
	s.store.CleanupStaleState()

	if restored > 0 {
		s.logger.Info("agents restored", zap.Int("count", restored))
	}
	return restored, nil
}
