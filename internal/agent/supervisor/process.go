package supervisor

import (
	"bytes"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/stream"
)

const (
	// ringSize is the per-agent in-memory event cache.
	ringSize = 1000

	// lineBufferPauseBytes triggers stdout backpressure.
	lineBufferPauseBytes = 1 << 20

	// batchLines is how many buffered lines are parsed before yielding.
	batchLines = 50

	// flushInterval batches persist/listener delivery.
	flushInterval = 16 * time.Millisecond

	// seenMessageCap bounds usage dedup; pruned to seenMessagePrune on overflow.
	seenMessageCap   = 1000
	seenMessagePrune = 500
)

// agentProcess owns the live child process and in-flight parse/batch state
// for one agent. The supervisor map is the only reference holder.
type agentProcess struct {
	sup   *Supervisor
	agent *models.Agent // guarded by mu

	mu   sync.Mutex
	cond *sync.Cond // signals the stdout reader when backpressure clears

	cmd      *exec.Cmd
	gen      int // increments per spawn; stale readers check it
	pgid     int
	exited   bool
	exitCode *int
	exitCh   chan struct{} // closed when the current child's wait returns
	detached bool          // exit/stream handlers ignore the old child

	lineBuffer  bytes.Buffer
	pausedRead  bool
	processing  bool // one batch processor in flight per agent
	stallCount  int

	ring      []stream.Event
	ringTotal int

	seenMessageIDs map[string]bool
	seenOrder      []string

	persistBatch  []stream.Event
	listenerBatch []stream.Event
	flushTimer    *time.Timer

	listeners      map[int]func(stream.Event)
	nextListenerID int

	// lifecycleMu serializes message/destroy per agent. lifecycleBusy lets
	// the watchdog skip agents mid-transition without blocking on the lock.
	lifecycleMu   sync.Mutex
	lifecycleBusy atomic.Bool
}

func newAgentProcess(sup *Supervisor, agent *models.Agent) *agentProcess {
	p := &agentProcess{
		sup:            sup,
		agent:          agent,
		exitCh:         make(chan struct{}),
		ring:           make([]stream.Event, ringSize),
		seenMessageIDs: make(map[string]bool),
		listeners:      make(map[int]func(stream.Event)),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// withLifecycle runs fn holding the agent's lifecycle lock so overlapping
// message/destroy transitions are totally ordered.
func (p *agentProcess) withLifecycle(fn func()) {
	p.lifecycleMu.Lock()
	p.lifecycleBusy.Store(true)
	defer func() {
		p.lifecycleBusy.Store(false)
		p.lifecycleMu.Unlock()
	}()
	fn()
}

// snapshot returns a copy of the agent record for read-only consumers.
func (p *agentProcess) snapshot() *models.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agent.Clone()
}

// appendToRing stores the event in the circular cache.
// Caller holds p.mu.
func (p *agentProcess) appendToRing(ev stream.Event) {
	p.ring[p.ringTotal%ringSize] = ev
	p.ringTotal++
}

// ringEvents returns cached events in arrival order.
// Caller holds p.mu.
func (p *agentProcess) ringEvents() []stream.Event {
	if p.ringTotal == 0 {
		return nil
	}
	if p.ringTotal <= ringSize {
		out := make([]stream.Event, p.ringTotal)
		copy(out, p.ring[:p.ringTotal])
		return out
	}
	head := p.ringTotal % ringSize
	out := make([]stream.Event, 0, ringSize)
	out = append(out, p.ring[head:]...)
	out = append(out, p.ring[:head]...)
	return out
}

// hydrateRing seeds the cache from persisted events after a restart.
// Caller holds p.mu.
func (p *agentProcess) hydrateRing(events []stream.Event) {
	if p.ringTotal > 0 {
		return
	}
	if len(events) > ringSize {
		events = events[len(events)-ringSize:]
	}
	for _, ev := range events {
		p.appendToRing(ev)
	}
}

// markMessageSeen records a usage-bearing message id, pruning the oldest half
// when the dedup set overflows. Returns false when already seen.
// Caller holds p.mu.
func (p *agentProcess) markMessageSeen(id string) bool {
	if p.seenMessageIDs[id] {
		return false
	}
	p.seenMessageIDs[id] = true
	p.seenOrder = append(p.seenOrder, id)
	if len(p.seenOrder) > seenMessageCap {
		drop := p.seenOrder[:len(p.seenOrder)-seenMessagePrune]
		for _, old := range drop {
			delete(p.seenMessageIDs, old)
		}
		p.seenOrder = append([]string(nil), p.seenOrder[len(p.seenOrder)-seenMessagePrune:]...)
	}
	return true
}

// processAlive reports whether the child is running.
// Caller holds p.mu.
func (p *agentProcess) processAlive() bool {
	return p.cmd != nil && !p.exited
}
