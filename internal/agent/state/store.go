// Package state persists agent records and event logs to the local
// filesystem (or a mounted durable volume).
//
// Layout:
//
//	{stateDir}/{agentID}.json           one Agent record, temp-file + rename
//	{eventsDir}/{agentID}.jsonl         append-only sanitized event log
//	{stateDir}/_kill-switch-tombstone   presence blocks restoration
//
// State writes are debounced 500 ms per agent; meaningful status transitions
// bypass the debounce. Event log appends go through a per-agent serialized
// write queue so lines are never interleaved.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/common/fsutil"
	"github.com/agentmux/agentmux/internal/common/logger"
)

const (
	// TombstoneFile marks an emergency shutdown; restore refuses while present.
	TombstoneFile = "_kill-switch-tombstone"

	// saveDebounce coalesces non-meaningful state writes.
	saveDebounce = 500 * time.Millisecond
)

// Store owns the durable per-agent files. All writes go through the
// supervisor; other components only see read-only snapshots.
type Store struct {
	stateDir  string
	eventsDir string
	logger    *logger.Logger

	mu      sync.Mutex
	pending map[string]*models.Agent
	timers  map[string]*time.Timer
	queues  map[string]*eventLogQueue
	closed  bool
}

// New creates a Store rooted at the given directories, creating them as needed.
func New(stateDir, eventsDir string, log *logger.Logger) (*Store, error) {
	for _, dir := range []string{stateDir, eventsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return &Store{
		stateDir:  stateDir,
		eventsDir: eventsDir,
		logger:    log.WithFields(zap.String("component", "state-store")),
		pending:   make(map[string]*models.Agent),
		timers:    make(map[string]*time.Timer),
		queues:    make(map[string]*eventLogQueue),
	}, nil
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.stateDir, id+".json")
}

func (s *Store) eventsPath(id string) string {
	return filepath.Join(s.eventsDir, id+".jsonl")
}

// SaveAgentState persists the agent record. When immediate is true (meaningful
// status transitions) the write happens synchronously; otherwise it is
// coalesced with a per-agent debounce timer.
func (s *Store) SaveAgentState(agent *models.Agent, immediate bool) error {
	snapshot := agent.Clone()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if immediate {
		if t, ok := s.timers[snapshot.ID]; ok {
			t.Stop()
			delete(s.timers, snapshot.ID)
		}
		delete(s.pending, snapshot.ID)
		s.mu.Unlock()
		return s.writeState(snapshot)
	}

	s.pending[snapshot.ID] = snapshot
	if _, ok := s.timers[snapshot.ID]; !ok {
		id := snapshot.ID
		s.timers[id] = time.AfterFunc(saveDebounce, func() { s.flushPending(id) })
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) flushPending(id string) {
	s.mu.Lock()
	agent := s.pending[id]
	delete(s.pending, id)
	delete(s.timers, id)
	closed := s.closed
	s.mu.Unlock()

	if agent == nil || closed {
		return
	}
	if err := s.writeState(agent); err != nil {
		s.logger.Warn("debounced state write failed", zap.String("agent_id", id), zap.Error(err))
	}
}

func (s *Store) writeState(agent *models.Agent) error {
	data, err := json.MarshalIndent(agent, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", agent.ID, err)
	}
	if err := fsutil.WriteFileAtomic(s.statePath(agent.ID), data, 0o644); err != nil {
		return fmt.Errorf("write agent state %s: %w", agent.ID, err)
	}
	return nil
}

// FlushAll synchronously writes every pending debounced record. Used by
// graceful shutdown.
func (s *Store) FlushAll() {
	s.mu.Lock()
	agents := make([]*models.Agent, 0, len(s.pending))
	for id, a := range s.pending {
		agents = append(agents, a)
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, a := range agents {
		if err := s.writeState(a); err != nil {
			s.logger.Warn("flush state write failed", zap.String("agent_id", a.ID), zap.Error(err))
		}
	}
}

// LoadAllAgentStates returns every valid persisted agent record. Empty or
// partial files (crash artifacts) are silently removed and skipped. Returns
// nothing when the tombstone is present.
func (s *Store) LoadAllAgentStates() ([]*models.Agent, error) {
	if s.HasTombstone() {
		s.logger.Warn("tombstone present, refusing to load agent states")
		return nil, nil
	}

	entries, err := os.ReadDir(s.stateDir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var agents []*models.Agent
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.stateDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable state file", zap.String("file", name), zap.Error(err))
			continue
		}
		if len(data) == 0 {
			s.logger.Warn("removing empty state file", zap.String("file", name))
			_ = os.Remove(path)
			continue
		}
		var agent models.Agent
		if err := json.Unmarshal(data, &agent); err != nil || agent.ID == "" {
			s.logger.Warn("removing corrupt state file", zap.String("file", name), zap.Error(err))
			_ = os.Remove(path)
			continue
		}
		agents = append(agents, &agent)
	}
	return agents, nil
}

// RemoveAgentState deletes the agent's state file and any temp leftovers.
// Some durable volumes have weak delete semantics, so on failure the file is
// overwritten with empty content before one retry.
func (s *Store) RemoveAgentState(id string) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.pending, id)
	s.mu.Unlock()

	path := s.statePath(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		// Overwrite-then-delete for eventually consistent backing stores.
		if werr := os.WriteFile(path, nil, 0o644); werr != nil {
			s.logger.Warn("state overwrite before retry failed", zap.String("agent_id", id), zap.Error(werr))
		}
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			s.logger.Warn("state file still present after retry", zap.String("agent_id", id), zap.Error(rerr))
		}
	}

	matches, _ := filepath.Glob(path + ".tmp-*")
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

// WriteTombstone marks the store so restoration is refused until cleared.
func (s *Store) WriteTombstone(reason string) error {
	payload := fmt.Sprintf("%s\n%s\n", time.Now().UTC().Format(time.RFC3339), reason)
	return os.WriteFile(filepath.Join(s.stateDir, TombstoneFile), []byte(payload), 0o644)
}

// HasTombstone reports whether the tombstone file exists.
func (s *Store) HasTombstone() bool {
	_, err := os.Stat(filepath.Join(s.stateDir, TombstoneFile))
	return err == nil
}

// ClearTombstone removes the tombstone file.
func (s *Store) ClearTombstone() error {
	err := os.Remove(filepath.Join(s.stateDir, TombstoneFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CleanupStaleState purges orphaned temp files and event logs whose matching
// state file is gone.
func (s *Store) CleanupStaleState() {
	if entries, err := os.ReadDir(s.stateDir); err == nil {
		for _, entry := range entries {
			if strings.Contains(entry.Name(), ".tmp-") {
				_ = os.Remove(filepath.Join(s.stateDir, entry.Name()))
			}
		}
	}

	entries, err := os.ReadDir(s.eventsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		if _, err := os.Stat(s.statePath(id)); os.IsNotExist(err) {
			s.logger.Info("pruning orphaned event log", zap.String("agent_id", id))
			_ = os.Remove(filepath.Join(s.eventsDir, name))
		}
	}
}

// Close stops debounce timers and drains event log queues. Pending state
// writes are flushed first.
func (s *Store) Close() {
	s.FlushAll()

	s.mu.Lock()
	s.closed = true
	queues := make([]*eventLogQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.queues = make(map[string]*eventLogQueue)
	s.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
}
