package supervisor

import (
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/common/errdefs"
)

// Message injects a new prompt into an existing agent session by killing the
// current child (if any) and respawning with --resume. The whole transition
// runs under the agent's lifecycle lock so concurrent Message and Destroy
// calls are totally ordered.
func (s *Supervisor) Message(id, prompt string, maxTurns int, targetSessionID string) error {
	if s.ksw.IsKilled() || s.killed.Load() {
		return errdefs.Preconditionf("kill switch active")
	}
	p, ok := s.proc(id)
	if !ok {
		return errdefs.NotFoundf("agent %s not found", id)
	}

	p.mu.Lock()
	sessionID := p.agent.SessionID
	status := p.agent.Status
	p.mu.Unlock()

	if targetSessionID != "" {
		sessionID = targetSessionID
	}
	if sessionID == "" {
		return errdefs.Preconditionf("agent %s has no session to resume", id)
	}
	if status == models.StatusKilling || status == models.StatusDestroying {
		return errdefs.Preconditionf("agent %s is shutting down", id)
	}

	if maxTurns <= 0 {
		maxTurns = s.cfg.MaxTurns
	}

	var spawnErr error
	p.withLifecycle(func() {
		// The map entry may have been destroyed while we waited for the lock.
		if _, live := s.proc(id); !live {
			spawnErr = errdefs.NotFoundf("agent %s not found", id)
			return
		}

		s.terminateChild(p)

		// Mark running and persist before the spawn so delivery gating sees
		// the agent as busy immediately.
		s.setStatus(p, models.StatusRunning)

		p.mu.Lock()
		agent := p.agent.Clone()
		p.mu.Unlock()
		if err := s.prov.EnsureWorkspace(agent.WorkspaceDir, agent.Name, agent.ID); err != nil {
			s.logger.Warn("workspace re-ensure failed",
				zap.String("agent_id", id), zap.Error(err))
		}

		if err := s.spawn(p, prompt, maxTurns, sessionID); err != nil {
			s.setStatus(p, models.StatusError)
			spawnErr = errdefs.Transient("respawn agent process", err)
			return
		}
	})
	if spawnErr != nil {
		return spawnErr
	}

	s.logger.Info("message delivered to agent",
		zap.String("agent_id", id),
		zap.String("session_id", sessionID))
	return nil
}

// terminateChild detaches handlers and kills the current process group with
// SIGTERM escalating to SIGKILL. Handlers are detached before signalling so
// the old child's close handler cannot write conflicting state. Waits for the
// child's reaper, bounded by the lifecycle safety timeout.
func (s *Supervisor) terminateChild(p *agentProcess) {
	p.mu.Lock()
	alive := p.processAlive()
	pgid := p.pgid
	exitCh := p.exitCh
	p.detached = true
	if p.pausedRead {
		p.pausedRead = false
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	// Push out whatever the old child already produced.
	s.flushRemainingFor(p)

	if !alive {
		return
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		s.logger.Debug("SIGTERM to process group failed",
			zap.Int("pgid", pgid), zap.Error(err))
	}

	select {
	case <-exitCh:
		return
	case <-time.After(killEscalation):
	}

	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
		s.logger.Debug("SIGKILL to process group failed",
			zap.Int("pgid", pgid), zap.Error(err))
	}

	select {
	case <-exitCh:
	case <-time.After(exitWaitTimeout - killEscalation):
		s.logger.Warn("child did not exit within safety timeout, proceeding",
			zap.Int("pgid", pgid))
	}
}
