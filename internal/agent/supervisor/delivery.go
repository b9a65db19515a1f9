package supervisor

import (
	"github.com/agentmux/agentmux/internal/agent/models"
)

// CanDeliver reports whether a message can be injected into the agent right
// now. Returning true atomically claims the agent's delivery slot; the caller
// must call DeliveryDone afterwards regardless of outcome.
func (s *Supervisor) CanDeliver(id string) bool {
	s.mu.Lock()
	p, ok := s.agents[id]
	if !ok || s.delivering[id] {
		s.mu.Unlock()
		return false
	}

	p.mu.Lock()
	deliverable := p.agent.Status.Deliverable() && p.agent.SessionID != ""
	p.mu.Unlock()

	if !deliverable {
		s.mu.Unlock()
		return false
	}
	s.delivering[id] = true
	s.mu.Unlock()
	return true
}

// DeliveryDone releases the agent's delivery slot.
func (s *Supervisor) DeliveryDone(id string) {
	s.mu.Lock()
	delete(s.delivering, id)
	s.mu.Unlock()
}

// CanInterrupt reports whether the agent is mid-turn with a live process and
// a resumable session, i.e. an interrupt message may preempt it.
func (s *Supervisor) CanInterrupt(id string) bool {
	p, ok := s.proc(id)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	status := p.agent.Status
	return (status == models.StatusRunning || status == models.StatusStarting) &&
		p.processAlive() && p.agent.SessionID != ""
}
