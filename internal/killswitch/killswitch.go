// Package killswitch implements the emergency stop flag replicated across
// process memory, a local file, and an optional object store.
//
// The in-memory flag is the authority for hot-path checks; the file survives
// restarts; the remote replica lets an operator stop the system from outside
// the host. Remote writes are best effort so a bucket outage can never block
// an emergency stop.
package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// PollInterval is how often the remote replica is checked for activation.
const PollInterval = 10 * time.Second

const localFileName = "kill-switch.json"

// Record is the persisted kill switch state.
type Record struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
	ActivatedBy string    `json:"activatedBy,omitempty"`
}

func (r *Record) encode() []byte {
	data, _ := json.MarshalIndent(r, "", "  ")
	return data
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode kill switch record: %w", err)
	}
	return &rec, nil
}

// Switch is the tri-replica kill switch.
type Switch struct {
	killed atomic.Bool

	localPath string
	remote    RemoteStore // may be nil
	logger    *logger.Logger

	mu      sync.Mutex
	record  Record
	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a Switch persisting locally under dir. remote may be nil when
// no object store is configured.
func New(dir string, remote RemoteStore, log *logger.Logger) (*Switch, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create kill switch dir: %w", err)
	}
	return &Switch{
		localPath: filepath.Join(dir, localFileName),
		remote:    remote,
		logger:    log.WithFields(zap.String("component", "killswitch")),
		stopCh:    make(chan struct{}),
	}, nil
}

// IsKilled is the pure in-memory check used on every mutating hot path.
func (s *Switch) IsKilled() bool {
	return s.killed.Load()
}

// Record returns a copy of the current state.
func (s *Switch) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Activate sets the memory flag, writes the local file, and uploads to the
// remote replica best effort. Idempotent.
func (s *Switch) Activate(ctx context.Context, reason, actor string) error {
	rec := Record{
		Active:      true,
		Reason:      reason,
		ActivatedAt: time.Now().UTC(),
		ActivatedBy: actor,
	}

	s.killed.Store(true)
	s.mu.Lock()
	s.record = rec
	s.mu.Unlock()

	if err := os.WriteFile(s.localPath, rec.encode(), 0o644); err != nil {
		s.logger.Error("local kill switch write failed", zap.Error(err))
	}
	if s.remote != nil {
		if err := s.remote.Put(ctx, &rec); err != nil {
			s.logger.Warn("remote kill switch write failed", zap.Error(err))
		}
	}
	s.logger.Warn("kill switch activated", zap.String("reason", reason), zap.String("actor", actor))
	return nil
}

// Deactivate clears all three replicas.
func (s *Switch) Deactivate(ctx context.Context) error {
	s.killed.Store(false)
	s.mu.Lock()
	s.record = Record{}
	s.mu.Unlock()

	if err := os.Remove(s.localPath); err != nil && !os.IsNotExist(err) {
		s.logger.Error("local kill switch remove failed", zap.Error(err))
	}
	if s.remote != nil {
		if err := s.remote.Delete(ctx); err != nil {
			s.logger.Warn("remote kill switch delete failed", zap.Error(err))
		}
	}
	s.logger.Info("kill switch deactivated")
	return nil
}

// LoadPersistedState restores the flag at startup: local file first, then one
// remote fetch if the local file is absent. Returns whether the switch is
// active after loading.
func (s *Switch) LoadPersistedState(ctx context.Context) bool {
	if data, err := os.ReadFile(s.localPath); err == nil {
		if rec, err := decodeRecord(data); err == nil {
			s.apply(rec)
			return rec.Active
		}
		s.logger.Warn("ignoring corrupt local kill switch file")
	}

	if s.remote != nil {
		rec, err := s.remote.Fetch(ctx)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			s.logger.Warn("remote kill switch fetch failed", zap.Error(err))
		default:
			s.apply(rec)
			return rec.Active
		}
	}
	return false
}

func (s *Switch) apply(rec *Record) {
	s.killed.Store(rec.Active)
	s.mu.Lock()
	s.record = *rec
	s.mu.Unlock()
	if rec.Active {
		s.logger.Warn("kill switch restored active",
			zap.String("reason", rec.Reason),
			zap.Time("activated_at", rec.ActivatedAt))
	}
}

// StartPoll watches the remote replica for out-of-band activation. When a
// remote activation is discovered the record is mirrored locally and
// onRemoteActivation runs once.
func (s *Switch) StartPoll(onRemoteActivation func(reason string)) {
	if s.remote == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				if s.IsKilled() {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), PollInterval)
				rec, err := s.remote.Fetch(ctx)
				cancel()
				if err != nil {
					if !errors.Is(err, ErrNotFound) {
						s.logger.Debug("remote kill switch poll failed", zap.Error(err))
					}
					continue
				}
				if rec.Active {
					s.apply(rec)
					if err := os.WriteFile(s.localPath, rec.encode(), 0o644); err != nil {
						s.logger.Error("mirroring remote kill switch failed", zap.Error(err))
					}
					onRemoteActivation(rec.Reason)
				}
			}
		}
	}()
}

// Stop halts the poll loop.
func (s *Switch) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
}
