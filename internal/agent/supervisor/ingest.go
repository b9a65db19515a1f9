package supervisor

import (
	"bytes"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/agent/stream"
)

// scheduleBatchLocked starts the batch processor if one is not already in
// flight for this agent. Caller holds p.mu.
func (s *Supervisor) scheduleBatchLocked(p *agentProcess) {
	if p.processing {
		return
	}
	p.processing = true
	go s.processBatches(p)
}

// processBatches drains the line buffer in chunks of batchLines, yielding
// between chunks so one agent's output burst cannot starve the others.
func (s *Supervisor) processBatches(p *agentProcess) {
	for {
		p.mu.Lock()
		lines := takeLines(&p.lineBuffer, batchLines)
		if len(lines) == 0 {
			p.processing = false
			if p.pausedRead {
				p.pausedRead = false
				p.cond.Broadcast()
			}
			p.mu.Unlock()
			return
		}
		if p.pausedRead && p.lineBuffer.Len() <= lineBufferPauseBytes {
			p.pausedRead = false
			p.cond.Broadcast()
		}
		p.mu.Unlock()

		for _, line := range lines {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			s.handleEvent(p, stream.ParseLine(line))
		}
		runtime.Gosched()
	}
}

// takeLines removes up to n complete newline-terminated lines from the
// buffer, leaving any trailing partial line in place.
func takeLines(buf *bytes.Buffer, n int) [][]byte {
	var lines [][]byte
	data := buf.Bytes()
	consumed := 0
	for len(lines) < n {
		idx := bytes.IndexByte(data[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[consumed:consumed+idx])
		lines = append(lines, line)
		consumed += idx + 1
	}
	buf.Next(consumed)
	return lines
}

// ingestEvent feeds a synthetic event through the same path as parsed stdout.
func (s *Supervisor) ingestEvent(p *agentProcess, ev stream.Event) {
	s.handleEvent(p, ev)
}

// handleEvent applies one event to the agent: session capture, stall
// recovery, usage accounting, then sanitized fan-out to the persist batch,
// ring buffer and listener batch.
func (s *Supervisor) handleEvent(p *agentProcess, ev stream.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var (
		statusFrom      models.Status
		statusTo        models.Status
		sessionCaptured string
	)

	p.mu.Lock()
	agent := p.agent
	statusFrom = agent.Status
	statusTo = agent.Status

	switch ev.Type {
	case stream.TypeSystem:
		if ev.Subtype == stream.SubtypeInit && ev.SessionID != "" && agent.SessionID == "" {
			// Session capture is monotonic: first init wins, later ones are
			// ignored.
			agent.SessionID = ev.SessionID
			sessionCaptured = ev.SessionID
		}
		if agent.Status == models.StatusStarting {
			statusTo = models.StatusRunning
		}

	case stream.TypeAssistant:
		if agent.Status == models.StatusStarting {
			statusTo = models.StatusRunning
		}
		if agent.Status == models.StatusStalled && ev.HasActivityBlock() {
			p.stallCount = 0
			statusTo = models.StatusRunning
		}
		if ev.Message != nil && ev.Message.Usage != nil && ev.Message.ID != "" {
			if p.markMessageSeen(ev.Message.ID) {
				in := ev.Message.Usage.TokensIn()
				out := ev.Message.Usage.TokensOut()
				agent.Usage.TokensIn += in
				agent.Usage.TokensOut += out
				agent.Usage.CostUSD += stream.EstimateCost(agent.Model, in, out)
			}
		}

	case stream.TypeResult:
		// The CLI reports the full context window each turn, so input tokens
		// are latest-value-wins while output and cost accumulate.
		if ev.Usage != nil {
			agent.Usage.TokensIn = ev.Usage.TokensIn()
			agent.Usage.TokensOut += ev.Usage.TokensOut()
		}
		agent.Usage.CostUSD += ev.TotalCostUSD
		agent.Usage.Turns += ev.NumTurns
	}

	agent.LastActivity = ev.Timestamp
	if statusTo != statusFrom {
		agent.Status = statusTo
	}

	clean := stream.Sanitize(ev)
	p.persistBatch = append(p.persistBatch, clean)
	p.appendToRing(clean)
	p.listenerBatch = append(p.listenerBatch, clean)
	if p.flushTimer == nil {
		p.flushTimer = time.AfterFunc(flushInterval, func() { s.flushEventBatch(p) })
	}
	snapshot := agent.Clone()
	p.mu.Unlock()

	if sessionCaptured != "" {
		s.logger.Info("session captured",
			zap.String("agent_id", snapshot.ID),
			zap.String("session_id", sessionCaptured))
		if err := s.store.SaveAgentState(snapshot, true); err != nil {
			s.logger.Warn("session persist failed", zap.String("agent_id", snapshot.ID), zap.Error(err))
		}
	}
	if statusTo != statusFrom {
		if err := s.store.SaveAgentState(snapshot, models.IsMeaningfulTransition(statusFrom, statusTo)); err != nil {
			s.logger.Warn("agent state save failed", zap.String("agent_id", snapshot.ID), zap.Error(err))
		}
		s.publishLifecycle(snapshot, statusFrom)
	}
}

// flushEventBatch swaps out the pending batches, appends the persist batch to
// the durable log through the per-agent write queue, and delivers the
// listener batch, isolating listener failures.
func (s *Supervisor) flushEventBatch(p *agentProcess) {
	p.mu.Lock()
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	persist := p.persistBatch
	p.persistBatch = nil
	listen := p.listenerBatch
	p.listenerBatch = nil
	listeners := make([]func(stream.Event), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	id := p.agent.ID
	p.mu.Unlock()

	if len(persist) > 0 {
		s.store.AppendEvents(id, persist)
	}
	for _, ev := range listen {
		for _, fn := range listeners {
			s.deliverToListener(id, fn, ev)
		}
	}
}

func (s *Supervisor) deliverToListener(agentID string, fn func(stream.Event), ev stream.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event listener panicked",
				zap.String("agent_id", agentID),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// flushRemainingFor is used by teardown paths to push out whatever is pending
// without waiting for the 16 ms timer.
func (s *Supervisor) flushRemainingFor(p *agentProcess) {
	s.drainLineBuffer(p)

	p.mu.Lock()
	rest := strings.TrimRight(p.lineBuffer.String(), "\n")
	p.lineBuffer.Reset()
	p.mu.Unlock()
	if strings.TrimSpace(rest) != "" {
		s.handleEvent(p, stream.Event{Type: stream.TypeRaw, Text: rest, Timestamp: time.Now().UTC()})
	}
	s.flushEventBatch(p)
}
