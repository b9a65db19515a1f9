package supervisor

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/stream"
)

// watchdogSweep inspects every agent not mid-transition for dead processes,
// start timeouts and stalls.
func (s *Supervisor) watchdogSweep() {
	s.mu.Lock()
	procs := make([]*agentProcess, 0, len(s.agents))
	for _, p := range s.agents {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, p := range procs {
		if p.lifecycleBusy.Load() {
			continue
		}

		p.mu.Lock()
		agent := p.agent
		status := agent.Status
		switch status {
		case models.StatusDestroying, models.StatusKilling, models.StatusPaused, models.StatusDisconnected:
			p.mu.Unlock()
			continue
		}
		id := agent.ID
		exited := p.exited
		exitCode := p.exitCode
		alive := p.processAlive()
		idle := now.Sub(agent.LastActivity)
		p.mu.Unlock()

		switch {
		case status == models.StatusRunning && exited && exitCode != nil:
			// The close handler was lost (e.g. supervisor restart mid-turn);
			// reconcile from the recorded exit code.
			s.logger.Warn("watchdog found dead process still marked running",
				zap.String("agent_id", id), zap.Int("exit_code", *exitCode))
			if *exitCode == 0 {
				s.setStatus(p, models.StatusIdle)
				s.notifyIdle(id)
			} else {
				s.setStatus(p, models.StatusError)
			}

		case status == models.StatusStarting && idle > startTimeout:
			s.logger.Warn("agent never produced output, marking error",
				zap.String("agent_id", id))
			s.setStatus(p, models.StatusError)

		case status == models.StatusRunning && alive && idle > stallTimeout:
			p.mu.Lock()
			p.stallCount++
			count := p.stallCount
			p.mu.Unlock()

			if count >= maxStallCount {
				s.logger.Error("agent stalled repeatedly, giving up",
					zap.String("agent_id", id), zap.Int("stall_count", count))
				s.setStatus(p, models.StatusError)
				continue
			}
			s.logger.Warn("agent stalled",
				zap.String("agent_id", id),
				zap.Int("stall_count", count),
				zap.Duration("idle_for", idle))
			s.ingestEvent(p, stream.NewWatchdog(fmt.Sprintf(
				"no output for %s; send a follow-up message to nudge the agent or destroy it (stall %d/%d)",
				idle.Truncate(time.Second), count, maxStallCount)))
			s.setStatus(p, models.StatusStalled)
			// Stalled agents are deliverable, so idle listeners get a chance
			// to push queued work at them.
			s.notifyIdle(id)
		}
	}
}

// idleExpirySweep destroys agents whose sessions outlived their TTL.
func (s *Supervisor) idleExpirySweep() {
	now := time.Now()
	for _, agent := range s.List() {
		var ttl time.Duration
		switch agent.Status {
		case models.StatusIdle, models.StatusRestored, models.StatusDisconnected:
			ttl = s.cfg.SessionTTL
		case models.StatusPaused:
			ttl = s.cfg.PausedTTL
		default:
			continue
		}
		if ttl <= 0 || now.Sub(agent.LastActivity) <= ttl {
			continue
		}
		s.logger.Info("destroying expired agent",
			zap.String("agent_id", agent.ID),
			zap.String("status", string(agent.Status)),
			zap.Time("last_activity", agent.LastActivity))
		if err := s.Destroy(agent.ID); err != nil {
			s.logger.Warn("expired agent destroy failed",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
}
