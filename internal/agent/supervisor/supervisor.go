// Package supervisor owns agent child processes: spawning, stream ingestion,
// batching, the per-agent ring buffer, watchdog, delivery gating and teardown.
//
// All mutable core state (the agent map, dedup window, delivering set,
// listener registries) is guarded by one coarse mutex that is never held
// across process or disk I/O. Durable writes go through the state store's
// per-agent queues; the only other concurrency is the child processes
// themselves and their reader goroutines.
package supervisor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/state"
	"github.com/agentmux/agentmux/internal/agent/stream"
	"github.com/agentmux/agentmux/internal/agent/workspace"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/killswitch"
)

const (
	watchdogInterval   = 30 * time.Second
	stateFlushInterval = 30 * time.Second
	idleSweepInterval  = 60 * time.Second

	// dedupWindow rejects duplicate (parent, name) creations.
	dedupWindow = 10 * time.Second

	startTimeout  = 2 * time.Minute
	stallTimeout  = 10 * time.Minute
	maxStallCount = 3

	// killEscalation is the SIGTERM grace before SIGKILL.
	killEscalation = 5 * time.Second

	// exitWaitTimeout bounds how long a lifecycle transition waits for the
	// old child's exit before proceeding anyway.
	exitWaitTimeout = 6 * time.Second
)

// Config carries supervisor tunables, populated from the host config.
type Config struct {
	BinPath       string
	DefaultModel  string
	AllowedModels []string
	MaxTurns      int
	MaxAgents     int
	MaxDepth      int
	MaxChildren   int
	SessionTTL    time.Duration
	PausedTTL     time.Duration

	// EnableProcessSweep allows the emergency path to SIGKILL every process
	// in the namespace. Only safe inside a dedicated container.
	EnableProcessSweep bool
}

// Supervisor manages the full lifecycle of supervised agents.
type Supervisor struct {
	cfg    Config
	logger *logger.Logger
	store  *state.Store
	ksw    *killswitch.Switch
	prov   *workspace.Provisioner
	events bus.EventBus // may be nil

	mu            sync.Mutex
	agents        map[string]*agentProcess
	recentCreates map[string]createStamp
	delivering    map[string]bool
	idleListeners map[int]func(agentID string)
	nextIdleID    int

	killed  atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

type createStamp struct {
	agentID   string
	agentName string
	at        time.Time
}

// New creates a Supervisor. eventBus may be nil when lifecycle events are not
// wanted (tests).
func New(cfg Config, store *state.Store, ksw *killswitch.Switch, prov *workspace.Provisioner, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "supervisor")),
		store:         store,
		ksw:           ksw,
		prov:          prov,
		events:        eventBus,
		agents:        make(map[string]*agentProcess),
		recentCreates: make(map[string]createStamp),
		delivering:    make(map[string]bool),
		idleListeners: make(map[int]func(string)),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the periodic watchdog, state flush and idle expiry loops.
func (s *Supervisor) Start() {
	s.runLoop(watchdogInterval, s.watchdogSweep)
	s.runLoop(stateFlushInterval, s.flushAllStates)
	s.runLoop(idleSweepInterval, s.idleExpirySweep)
}

func (s *Supervisor) runLoop(interval time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (s *Supervisor) stopLoops() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// List returns snapshots of all agents sorted by creation time.
func (s *Supervisor) List() []*models.Agent {
	s.mu.Lock()
	procs := make([]*agentProcess, 0, len(s.agents))
	for _, p := range s.agents {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	out := make([]*models.Agent, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a snapshot of one agent.
func (s *Supervisor) Get(id string) (*models.Agent, bool) {
	s.mu.Lock()
	p, ok := s.agents[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return p.snapshot(), true
}

// Count returns the number of live agents.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

func (s *Supervisor) proc(id string) (*agentProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.agents[id]
	return p, ok
}

// Subscribe attaches a per-agent event listener. The returned function
// removes it.
func (s *Supervisor) Subscribe(id string, fn func(stream.Event)) (func(), bool) {
	p, ok := s.proc(id)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	lid := p.nextListenerID
	p.nextListenerID++
	p.listeners[lid] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, lid)
		p.mu.Unlock()
	}, true
}

// OnIdle registers a callback fired whenever an agent becomes deliverable
// (exit 0, stall, watchdog-detected completion). Returns an unregister func.
func (s *Supervisor) OnIdle(fn func(agentID string)) func() {
	s.mu.Lock()
	id := s.nextIdleID
	s.nextIdleID++
	s.idleListeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.idleListeners, id)
		s.mu.Unlock()
	}
}

func (s *Supervisor) notifyIdle(agentID string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.idleListeners))
	for _, fn := range s.idleListeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("idle listener panicked", zap.Any("panic", r))
				}
			}()
			fn(agentID)
		}()
	}
}

// GetEvents serves the most recent events for reconnecting subscribers: from
// the ring buffer when populated, otherwise from the disk log (which then
// hydrates the ring for subsequent reads).
func (s *Supervisor) GetEvents(id string) []stream.Event {
	p, ok := s.proc(id)
	if !ok {
		return nil
	}
	p.mu.Lock()
	if p.ringTotal > 0 {
		out := p.ringEvents()
		p.mu.Unlock()
		return out
	}
	p.mu.Unlock()

	persisted := s.store.ReadEvents(id)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.hydrateRing(persisted)
	return p.ringEvents()
}

// persistAgent writes the agent record through the state store. immediate is
// derived from whether the transition is meaningful.
func (s *Supervisor) persistAgent(p *agentProcess, from, to models.Status) {
	p.mu.Lock()
	snapshot := p.agent.Clone()
	p.mu.Unlock()
	immediate := models.IsMeaningfulTransition(from, to)
	if err := s.store.SaveAgentState(snapshot, immediate); err != nil {
		s.logger.Warn("agent state save failed", zap.String("agent_id", snapshot.ID), zap.Error(err))
	}
}

// setStatus transitions the agent's status, persists, and publishes a
// lifecycle event.
func (s *Supervisor) setStatus(p *agentProcess, to models.Status) {
	p.mu.Lock()
	from := p.agent.Status
	p.agent.Status = to
	snapshot := p.agent.Clone()
	p.mu.Unlock()

	if from == to {
		return
	}
	if err := s.store.SaveAgentState(snapshot, models.IsMeaningfulTransition(from, to)); err != nil {
		s.logger.Warn("agent state save failed", zap.String("agent_id", snapshot.ID), zap.Error(err))
	}
	s.publishLifecycle(snapshot, from)
}

func (s *Supervisor) publishLifecycle(agent *models.Agent, from models.Status) {
	if s.events == nil {
		return
	}
	subject := bus.SubjectAgentLifecycle + "." + string(agent.Status)
	ev := bus.NewEvent("agent.status", "supervisor", map[string]any{
		"agent_id": agent.ID,
		"from":     string(from),
		"to":       string(agent.Status),
	})
	if err := s.events.Publish(context.Background(), subject, ev); err != nil {
		s.logger.Debug("lifecycle publish failed", zap.Error(err))
	}
}

// flushAllStates persists every agent record (debounced).
func (s *Supervisor) flushAllStates() {
	for _, agent := range s.List() {
		if err := s.store.SaveAgentState(agent, false); err != nil {
			s.logger.Warn("periodic state flush failed", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
}
