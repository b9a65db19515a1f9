package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/stream"
)

const (
	// MaxPersistedEvents is the number of lines kept after truncation.
	MaxPersistedEvents = 5000
	// TruncateThreshold triggers truncation once the log grows past it.
	TruncateThreshold = 10000

	// queueDepth bounds in-flight append batches per agent.
	queueDepth = 64
)

// logBatch is one unit of work for the queue worker. A batch with no lines
// and a non-nil ack acts as a write barrier.
type logBatch struct {
	lines [][]byte
	ack   chan struct{}
}

// eventLogQueue serializes appends to one agent's event log so concurrent
// flushes never interleave lines.
type eventLogQueue struct {
	path  string
	store *Store

	batches chan logBatch
	done    chan struct{}
	once    sync.Once

	// lineCount is maintained by the single worker goroutine; -1 means the
	// existing file has not been counted yet.
	lineCount int
}

func newEventLogQueue(store *Store, path string) *eventLogQueue {
	q := &eventLogQueue{
		path:      path,
		store:     store,
		batches:   make(chan logBatch, queueDepth),
		done:      make(chan struct{}),
		lineCount: -1,
	}
	go q.run()
	return q
}

func (q *eventLogQueue) run() {
	defer close(q.done)
	for batch := range q.batches {
		if len(batch.lines) > 0 {
			q.append(batch.lines)
		}
		if batch.ack != nil {
			close(batch.ack)
		}
	}
}

func (q *eventLogQueue) append(lines [][]byte) {
	if q.lineCount < 0 {
		q.lineCount = countLines(q.path)
	}

	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		q.store.logger.Warn("open event log failed", zap.String("path", q.path), zap.Error(err))
		return
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		q.store.logger.Warn("event log flush failed", zap.String("path", q.path), zap.Error(err))
	}
	_ = f.Close()

	q.lineCount += len(lines)
	if q.lineCount > TruncateThreshold {
		q.truncate()
	}
}

// truncate rewrites the log keeping only the most recent MaxPersistedEvents
// lines.
func (q *eventLogQueue) truncate() {
	data, err := os.ReadFile(q.path)
	if err != nil {
		return
	}
	lines := bytes.Split(bytes.TrimSuffix(data, []byte("\n")), []byte("\n"))
	if len(lines) <= MaxPersistedEvents {
		q.lineCount = len(lines)
		return
	}
	kept := lines[len(lines)-MaxPersistedEvents:]
	var buf bytes.Buffer
	for _, line := range kept {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := q.path + ".trunc"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		q.store.logger.Warn("event log truncation write failed", zap.String("path", q.path), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, q.path); err != nil {
		q.store.logger.Warn("event log truncation rename failed", zap.String("path", q.path), zap.Error(err))
		_ = os.Remove(tmp)
		return
	}
	q.lineCount = len(kept)
}

func (q *eventLogQueue) close() {
	q.once.Do(func() { close(q.batches) })
	<-q.done
}

func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return bytes.Count(data, []byte("\n"))
}

// AppendEvents enqueues serialized events onto the agent's log queue. The
// call blocks only if the queue is saturated; ordering per agent is
// guaranteed by the single worker.
func (s *Store) AppendEvents(id string, events []stream.Event) {
	if len(events) == 0 {
		return
	}
	lines := make([][]byte, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("marshal event failed", zap.String("agent_id", id), zap.Error(err))
			continue
		}
		lines = append(lines, data)
	}
	if len(lines) == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	q, ok := s.queues[id]
	if !ok {
		q = newEventLogQueue(s, s.eventsPath(id))
		s.queues[id] = q
	}
	s.mu.Unlock()

	q.batches <- logBatch{lines: lines}
}

// FlushEvents blocks until all queued appends for the agent have reached disk.
func (s *Store) FlushEvents(id string) {
	s.mu.Lock()
	q, ok := s.queues[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	ack := make(chan struct{})
	select {
	case q.batches <- logBatch{ack: ack}:
		<-ack
	case <-q.done:
	}
}

// ReadEvents streams the agent's event log from disk, skipping lines that no
// longer parse. Used to hydrate the in-memory ring buffer on reconnect.
func (s *Store) ReadEvents(id string) []stream.Event {
	data, err := os.ReadFile(s.eventsPath(id))
	if err != nil {
		return nil
	}
	var events []stream.Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev stream.Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// RemoveEventLog deletes the agent's event log and drops its write queue.
func (s *Store) RemoveEventLog(id string) {
	s.mu.Lock()
	q, ok := s.queues[id]
	delete(s.queues, id)
	s.mu.Unlock()
	if ok {
		q.close()
	}
	_ = os.Remove(s.eventsPath(id))
}
