package supervisor

import (
	"syscall"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/stream"
	"github.com/agentmux/agentmux/internal/common/errdefs"
)

// Pause stops the agent's process group with SIGSTOP.
func (s *Supervisor) Pause(id string) error {
	p, ok := s.proc(id)
	if !ok {
		return errdefs.NotFoundf("agent %s not found", id)
	}

	p.mu.Lock()
	if !p.processAlive() {
		p.mu.Unlock()
		return errdefs.Preconditionf("agent %s has no live process to pause", id)
	}
	pgid := p.pgid
	p.mu.Unlock()

	if err := syscall.Kill(-pgid, syscall.SIGSTOP); err != nil {
		return errdefs.Transient("pause process group", err)
	}
	s.ingestEvent(p, stream.Event{Type: stream.TypeSystem, Subtype: stream.SubtypePaused})
	s.setStatus(p, models.StatusPaused)
	s.logger.Info("agent paused", zap.String("agent_id", id))
	return nil
}

// Resume continues a paused process group with SIGCONT. If the process died
// while paused the agent falls back to idle so the next delivery respawns it
// via --resume.
func (s *Supervisor) Resume(id string) error {
	p, ok := s.proc(id)
	if !ok {
		return errdefs.NotFoundf("agent %s not found", id)
	}

	p.mu.Lock()
	status := p.agent.Status
	alive := p.processAlive()
	pgid := p.pgid
	p.mu.Unlock()

	if status != models.StatusPaused {
		return errdefs.Preconditionf("agent %s is not paused", id)
	}

	if !alive {
		s.logger.Info("paused agent's process is gone, marking idle",
			zap.String("agent_id", id))
		s.setStatus(p, models.StatusIdle)
		s.notifyIdle(id)
		return nil
	}

	if err := syscall.Kill(-pgid, syscall.SIGCONT); err != nil {
		return errdefs.Transient("resume process group", err)
	}
	s.ingestEvent(p, stream.Event{Type: stream.TypeSystem, Subtype: stream.SubtypeResumed})
	s.setStatus(p, models.StatusRunning)
	s.logger.Info("agent resumed", zap.String("agent_id", id))
	return nil
}
