package supervisor

import (
	"os"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/stream"
	"github.com/agentmux/agentmux/internal/common/errdefs"
)

// Destroy tears down one agent completely: process, workspace, event log and
// persisted state. The teardown chains onto the lifecycle lock so it cannot
// overlap an in-flight Message.
func (s *Supervisor) Destroy(id string) error {
	s.mu.Lock()
	p, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return errdefs.NotFoundf("agent %s not found", id)
	}
	// Removing the map entry first makes the agent invisible to new
	// Message/CanDeliver calls while teardown runs.
	delete(s.agents, id)
	delete(s.delivering, id)
	s.mu.Unlock()

	s.setStatus(p, models.StatusDestroying)

	p.withLifecycle(func() {
		s.terminateChild(p)

		// Let subscribers observe the end of the stream before detaching them.
		s.ingestEvent(p, stream.NewDestroyed())
		s.flushEventBatch(p)

		p.mu.Lock()
		p.listeners = make(map[int]func(stream.Event))
		if p.flushTimer != nil {
			p.flushTimer.Stop()
			p.flushTimer = nil
		}
		p.mu.Unlock()

		if err := s.prov.RemoveWorkspace(id); err != nil {
			s.logger.Warn("workspace removal failed", zap.String("agent_id", id), zap.Error(err))
		}
		s.prov.ForgetAgent(id)
		s.store.RemoveEventLog(id)
		s.store.RemoveAgentState(id)
	})

	s.logger.Info("agent destroyed", zap.String("agent_id", id))
	return nil
}

// Dispose is the graceful shutdown path: flush all pending state, push out
// event batches, kill child processes, clear the map. State files are
// preserved so the next start can restore the agents.
func (s *Supervisor) Dispose() {
	s.stopLoops()

	s.mu.Lock()
	procs := make([]*agentProcess, 0, len(s.agents))
	for _, p := range s.agents {
		procs = append(procs, p)
	}
	s.agents = make(map[string]*agentProcess)
	s.delivering = make(map[string]bool)
	s.idleListeners = make(map[int]func(string))
	s.mu.Unlock()

	for _, p := range procs {
		p.withLifecycle(func() {
			s.terminateChild(p)
			s.store.FlushEvents(p.snapshot().ID)
		})
		if err := s.store.SaveAgentState(p.snapshot(), true); err != nil {
			s.logger.Warn("final state save failed", zap.Error(err))
		}
	}
	s.store.FlushAll()
	s.logger.Info("supervisor disposed", zap.Int("agents", len(procs)))
}

// EmergencyDestroyAll is the nuclear teardown: no graceful signalling, no
// lock chaining, no state preservation. It SIGKILLs every tracked process
// group, deletes all persisted agent data, writes the tombstone, then sweeps
// the process table for untracked descendants (shells, git, http clients
// spawned by agents). A second sweep runs 500 ms later to catch processes
// born mid-kill.
func (s *Supervisor) EmergencyDestroyAll(reason string) {
	s.killed.Store(true)
	s.stopLoops()

	s.mu.Lock()
	procs := make([]*agentProcess, 0, len(s.agents))
	for _, p := range s.agents {
		procs = append(procs, p)
	}
	s.agents = make(map[string]*agentProcess)
	s.delivering = make(map[string]bool)
	s.idleListeners = make(map[int]func(string))
	s.mu.Unlock()

	for _, p := range procs {
		p.mu.Lock()
		p.detached = true
		p.listeners = make(map[int]func(stream.Event))
		if p.flushTimer != nil {
			p.flushTimer.Stop()
			p.flushTimer = nil
		}
		if p.pausedRead {
			p.pausedRead = false
			p.cond.Broadcast()
		}
		alive := p.processAlive()
		pgid := p.pgid
		pid := 0
		if p.cmd != nil && p.cmd.Process != nil {
			pid = p.cmd.Process.Pid
		}
		id := p.agent.ID
		p.mu.Unlock()

		if alive {
			if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && pid > 0 {
				// Group may already be gone; fall back to the direct PID.
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
		}
		s.store.RemoveEventLog(id)
		s.store.RemoveAgentState(id)
		_ = s.prov.RemoveWorkspace(id)
		s.prov.ForgetAgent(id)
	}

	if err := s.store.WriteTombstone(reason); err != nil {
		s.logger.Error("tombstone write failed", zap.Error(err))
	}

	s.sweepProcessTable()
	time.AfterFunc(500*time.Millisecond, s.sweepProcessTable)

	s.logger.Error("emergency destroy completed",
		zap.String("reason", reason),
		zap.Int("agents", len(procs)))
}

// sweepProcessTable SIGKILLs every process visible in /proc except init and
// this process. Inside the container namespace only the supervisor and agent
// descendants exist, so this catches children the tracker lost. Guarded by
// EnableProcessSweep: outside a container this would kill the host session.
func (s *Supervisor) sweepProcessTable() {
	if !s.cfg.EnableProcessSweep {
		return
	}
	self := os.Getpid()
	entries, err := os.ReadDir("/proc")
	if err != nil {
		s.logger.Warn("process table sweep failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == 1 || pid == self {
			continue
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
