package taskgraph

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/errdefs"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Store persists graph snapshots. The in-memory graph is the authority;
// writes go through after each successful mutation.
type Store interface {
	SaveTask(task *Task) error
	DeleteTask(id string) error
	LoadTasks() ([]*Task, error)
	SaveProfile(profile *CapabilityProfile) error
	DeleteProfile(agentID string) error
	LoadProfiles() ([]*CapabilityProfile, error)
	Clear() error
	Close() error
}

// Graph is the in-memory task graph. All access goes through one mutex;
// persistence happens outside it.
type Graph struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	profiles map[string]*CapabilityProfile

	store  Store // may be nil
	logger *logger.Logger
}

// New creates an empty Graph. store may be nil for purely in-memory use;
// when set, previously persisted tasks and profiles are loaded.
func New(store Store, log *logger.Logger) (*Graph, error) {
	g := &Graph{
		tasks:    make(map[string]*Task),
		profiles: make(map[string]*CapabilityProfile),
		store:    store,
		logger:   log.WithFields(zap.String("component", "taskgraph")),
	}
	if store != nil {
		tasks, err := store.LoadTasks()
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			g.tasks[t.ID] = t
		}
		profiles, err := store.LoadProfiles()
		if err != nil {
			return nil, err
		}
		for _, p := range profiles {
			g.profiles[p.AgentID] = p
		}
		if len(tasks) > 0 {
			g.logger.Info("task graph loaded", zap.Int("tasks", len(tasks)))
		}
	}
	return g, nil
}

// CreateTask validates the spec and inserts a task. Initial status is blocked
// when any dependency is not yet completed.
func (g *Graph) CreateTask(spec TaskSpec) (*Task, error) {
	if spec.Title == "" {
		return nil, errdefs.Invalidf("task title is required")
	}
	if len(spec.Title) > maxTitleLen {
		return nil, errdefs.Invalidf("task title exceeds %d characters", maxTitleLen)
	}
	for _, s := range []string{spec.Description, spec.Input, spec.ExpectedOutput, spec.AcceptanceCriteria} {
		if len(s) > maxTextLen {
			return nil, errdefs.Invalidf("task field exceeds %d characters", maxTextLen)
		}
	}
	if len(spec.DependsOn) > maxListEntries || len(spec.RequiredCapabilities) > maxListEntries {
		return nil, errdefs.Invalidf("task list field exceeds %d entries", maxListEntries)
	}
	if spec.Priority < PriorityNone || spec.Priority > PriorityLow {
		return nil, errdefs.Invalidf("invalid priority %d", spec.Priority)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	g.mu.Lock()
	for _, dep := range spec.DependsOn {
		if dep == id {
			g.mu.Unlock()
			return nil, errdefs.Invalidf("task cannot depend on itself")
		}
		if _, ok := g.tasks[dep]; !ok {
			g.mu.Unlock()
			return nil, errdefs.Invalidf("unknown dependency %s", dep)
		}
	}
	if spec.ParentTaskID != "" {
		if _, ok := g.tasks[spec.ParentTaskID]; !ok {
			g.mu.Unlock()
			return nil, errdefs.NotFoundf("parent task %s not found", spec.ParentTaskID)
		}
	}

	task := &Task{
		ID:                   id,
		Title:                spec.Title,
		Description:          spec.Description,
		Priority:             spec.Priority,
		Status:               StatusPending,
		DependsOn:            append([]string(nil), spec.DependsOn...),
		ParentTaskID:         spec.ParentTaskID,
		RequiredCapabilities: append([]string(nil), spec.RequiredCapabilities...),
		Input:                spec.Input,
		ExpectedOutput:       spec.ExpectedOutput,
		AcceptanceCriteria:   spec.AcceptanceCriteria,
		MaxRetries:           spec.MaxRetries,
		TimeoutMS:            spec.TimeoutMS,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if !g.depsSatisfiedLocked(task) {
		task.Status = StatusBlocked
	}
	g.tasks[id] = task
	snapshot := task.Clone()
	g.mu.Unlock()

	g.persistTask(snapshot)
	return snapshot, nil
}

// depsSatisfiedLocked reports whether all dependencies are completed.
// Caller holds g.mu.
func (g *Graph) depsSatisfiedLocked(task *Task) bool {
	for _, dep := range task.DependsOn {
		d, ok := g.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// GetTask returns a copy of one task.
func (g *Graph) GetTask(id string) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.tasks[id]
	if !ok {
		return nil, errdefs.NotFoundf("task %s not found", id)
	}
	return task.Clone(), nil
}

// QueryTasks returns matching tasks ordered oldest first.
func (g *Graph) QueryTasks(q TaskQuery) []*Task {
	g.mu.Lock()
	var out []*Task
	for _, task := range g.tasks {
		if q.Status != "" && task.Status != q.Status {
			continue
		}
		if q.OwnerAgentID != "" && task.OwnerAgentID != q.OwnerAgentID {
			continue
		}
		if q.ParentTaskID != "" && task.ParentTaskID != q.ParentTaskID {
			continue
		}
		if q.Unowned && task.OwnerAgentID != "" {
			continue
		}
		if q.Unblocked && !g.depsSatisfiedLocked(task) {
			continue
		}
		if q.RequiredCapability != "" && !contains(task.RequiredCapabilities, q.RequiredCapability) {
			continue
		}
		out = append(out, task.Clone())
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// GetDependentTasks returns tasks that list id in their dependencies.
func (g *Graph) GetDependentTasks(id string) []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Task
	for _, task := range g.tasks {
		if contains(task.DependsOn, id) {
			out = append(out, task.Clone())
		}
	}
	return out
}

// mutate applies fn to the task under optimistic concurrency: the observed
// version must match or the operation fails without mutating. A successful
// mutation bumps version and UpdatedAt.
func (g *Graph) mutate(id string, expectedVersion int, fn func(task *Task) error) (*Task, error) {
	g.mu.Lock()
	task, ok := g.tasks[id]
	if !ok {
		g.mu.Unlock()
		return nil, errdefs.NotFoundf("task %s not found", id)
	}
	if task.Version != expectedVersion {
		observed := task.Version
		g.mu.Unlock()
		return nil, errdefs.Conflictf("task %s version conflict: expected %d, have %d", id, expectedVersion, observed)
	}
	if err := fn(task); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	task.Version++
	task.UpdatedAt = time.Now().UTC()
	snapshot := task.Clone()
	g.mu.Unlock()

	g.persistTask(snapshot)
	return snapshot, nil
}

// AssignTask gives an unowned pending task to an agent.
func (g *Graph) AssignTask(id, agentID string, expectedVersion int) (*Task, error) {
	return g.mutate(id, expectedVersion, func(task *Task) error {
		if task.Status != StatusPending {
			return errdefs.Preconditionf("task %s is %s, not pending", id, task.Status)
		}
		if task.OwnerAgentID != "" {
			return errdefs.Conflictf("task %s already owned by %s", id, task.OwnerAgentID)
		}
		task.Status = StatusAssigned
		task.OwnerAgentID = agentID
		return nil
	})
}

// StartTask moves an assigned task to running.
func (g *Graph) StartTask(id string, expectedVersion int) (*Task, error) {
	return g.mutate(id, expectedVersion, func(task *Task) error {
		if task.Status != StatusAssigned {
			return errdefs.Preconditionf("task %s is %s, not assigned", id, task.Status)
		}
		task.Status = StatusRunning
		return nil
	})
}

// CompleteTask finishes a task and returns the tasks it unblocked.
func (g *Graph) CompleteTask(id string, expectedVersion int) (*Task, []*Task, error) {
	task, err := g.mutate(id, expectedVersion, func(task *Task) error {
		if task.Status.Terminal() {
			return errdefs.Preconditionf("task %s already %s", id, task.Status)
		}
		task.Status = StatusCompleted
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	unblocked := g.recomputeBlocked()
	return task, unblocked, nil
}

// ForceCompleteTask completes a task even if it already failed. This backs
// the human approval path for results held back by a high-risk grade.
func (g *Graph) ForceCompleteTask(id string, expectedVersion int) (*Task, []*Task, error) {
	task, err := g.mutate(id, expectedVersion, func(task *Task) error {
		if task.Status == StatusCompleted || task.Status == StatusCancelled {
			return errdefs.Preconditionf("task %s already %s", id, task.Status)
		}
		task.Status = StatusCompleted
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	unblocked := g.recomputeBlocked()
	return task, unblocked, nil
}

// FailTask marks a task failed.
func (g *Graph) FailTask(id string, expectedVersion int) (*Task, error) {
	return g.mutate(id, expectedVersion, func(task *Task) error {
		if task.Status.Terminal() {
			return errdefs.Preconditionf("task %s already %s", id, task.Status)
		}
		task.Status = StatusFailed
		return nil
	})
}

// CancelTask cancels a non-terminal task.
func (g *Graph) CancelTask(id string, expectedVersion int) (*Task, error) {
	return g.mutate(id, expectedVersion, func(task *Task) error {
		if task.Status.Terminal() {
			return errdefs.Preconditionf("task %s already %s", id, task.Status)
		}
		task.Status = StatusCancelled
		task.OwnerAgentID = ""
		return nil
	})
}

// RetryTask requeues a failed task, optionally re-assigning it. Fails without
// mutation once the retry budget is spent.
func (g *Graph) RetryTask(id, agentID string, expectedVersion int) (*Task, error) {
	return g.mutate(id, expectedVersion, func(task *Task) error {
		if task.Status != StatusFailed {
			return errdefs.Preconditionf("task %s is %s, not failed", id, task.Status)
		}
		if task.RetryCount >= task.MaxRetries {
			return errdefs.Preconditionf("task %s exhausted its %d retries", id, task.MaxRetries)
		}
		task.RetryCount++
		task.OwnerAgentID = agentID
		if agentID == "" {
			task.Status = StatusPending
		} else {
			task.Status = StatusAssigned
		}
		return nil
	})
}

// recomputeBlocked promotes blocked tasks whose dependencies are now all
// completed. Returns the promoted tasks.
func (g *Graph) recomputeBlocked() []*Task {
	g.mu.Lock()
	var promoted []*Task
	for _, task := range g.tasks {
		if task.Status != StatusBlocked {
			continue
		}
		if g.depsSatisfiedLocked(task) {
			task.Status = StatusPending
			task.Version++
			task.UpdatedAt = time.Now().UTC()
			promoted = append(promoted, task.Clone())
		}
	}
	g.mu.Unlock()

	for _, t := range promoted {
		g.persistTask(t)
	}
	sort.Slice(promoted, func(i, j int) bool { return promoted[i].CreatedAt.Before(promoted[j].CreatedAt) })
	return promoted
}

// DeleteTask removes a task from the graph.
func (g *Graph) DeleteTask(id string) error {
	g.mu.Lock()
	if _, ok := g.tasks[id]; !ok {
		g.mu.Unlock()
		return errdefs.NotFoundf("task %s not found", id)
	}
	delete(g.tasks, id)
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.DeleteTask(id); err != nil {
			g.logger.Warn("task delete persist failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	return nil
}

// ClearAll wipes the graph and its persisted snapshot.
func (g *Graph) ClearAll() {
	g.mu.Lock()
	g.tasks = make(map[string]*Task)
	g.profiles = make(map[string]*CapabilityProfile)
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.Clear(); err != nil {
			g.logger.Warn("task store clear failed", zap.Error(err))
		}
	}
}

// GetNextTask returns the best pending, unowned, unblocked task whose
// required capabilities are covered by the provided set. Priority 1 is best;
// 0 means unspecified and is picked last; ties break on age.
func (g *Graph) GetNextTask(capabilities []string) (*Task, bool) {
	capSet := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var best *Task
	for _, task := range g.tasks {
		if task.Status != StatusPending || task.OwnerAgentID != "" {
			continue
		}
		if !g.depsSatisfiedLocked(task) {
			continue
		}
		if !capsCovered(task.RequiredCapabilities, capSet) {
			continue
		}
		if best == nil || taskLess(task, best) {
			best = task
		}
	}
	if best == nil {
		return nil, false
	}
	return best.Clone(), true
}

// taskLess orders candidates for selection.
func taskLess(a, b *Task) bool {
	ar, br := selectionRank(a.Priority), selectionRank(b.Priority)
	if ar != br {
		return ar < br
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// selectionRank maps priority to sort rank; 0 (unspecified) sorts after 4.
func selectionRank(priority int) int {
	if priority == PriorityNone {
		return PriorityLow + 1
	}
	return priority
}

func capsCovered(required []string, have map[string]bool) bool {
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// GetSummary aggregates counts per status and the longest dependency chain.
func (g *Graph) GetSummary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()

	sum := Summary{ByStatus: make(map[Status]int)}
	depth := make(map[string]int, len(g.tasks))

	var chainDepth func(id string, seen map[string]bool) int
	chainDepth = func(id string, seen map[string]bool) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if seen[id] {
			return 0
		}
		seen[id] = true
		task, ok := g.tasks[id]
		if !ok {
			return 0
		}
		max := 0
		for _, dep := range task.DependsOn {
			if d := chainDepth(dep, seen); d > max {
				max = d
			}
		}
		depth[id] = max + 1
		return max + 1
	}

	for id, task := range g.tasks {
		sum.Total++
		sum.ByStatus[task.Status]++
		if d := chainDepth(id, make(map[string]bool)); d > sum.MaxDepth {
			sum.MaxDepth = d
		}
	}
	return sum
}

func (g *Graph) persistTask(task *Task) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveTask(task); err != nil {
		g.logger.Warn("task persist failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// --- Capability profiles ---

// UpsertProfile validates and stores a capability profile.
func (g *Graph) UpsertProfile(profile CapabilityProfile) (*CapabilityProfile, error) {
	if profile.AgentID == "" {
		return nil, errdefs.Invalidf("profile requires an agent id")
	}
	if len(profile.Capabilities) > maxListEntries*2 || len(profile.SuccessRate) > maxListEntries*2 {
		return nil, errdefs.Invalidf("profile exceeds capability cap")
	}
	for tag, conf := range profile.Capabilities {
		if conf < 0 || conf > 1 {
			return nil, errdefs.Invalidf("capability %q confidence %v outside [0,1]", tag, conf)
		}
	}
	profile.UpdatedAt = time.Now().UTC()

	p := profile.clone()
	g.mu.Lock()
	g.profiles[p.AgentID] = p
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.SaveProfile(p); err != nil {
			g.logger.Warn("profile persist failed", zap.String("agent_id", p.AgentID), zap.Error(err))
		}
	}
	return p.clone(), nil
}

// GetProfile returns an agent's capability profile.
func (g *Graph) GetProfile(agentID string) (*CapabilityProfile, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.profiles[agentID]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// DeleteProfile removes an agent's capability profile.
func (g *Graph) DeleteProfile(agentID string) error {
	g.mu.Lock()
	if _, ok := g.profiles[agentID]; !ok {
		g.mu.Unlock()
		return errdefs.NotFoundf("profile for agent %s not found", agentID)
	}
	delete(g.profiles, agentID)
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.DeleteProfile(agentID); err != nil {
			g.logger.Warn("profile delete persist failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return nil
}

// RecordOutcome updates the profile counters after a task finishes.
func (g *Graph) RecordOutcome(agentID string, capabilities []string, success bool) {
	g.mu.Lock()
	p, ok := g.profiles[agentID]
	if !ok {
		p = &CapabilityProfile{
			AgentID:      agentID,
			Capabilities: make(map[string]float64),
			SuccessRate:  make(map[string]float64),
		}
		g.profiles[agentID] = p
	}
	if success {
		p.TotalCompleted++
	} else {
		p.TotalFailed++
	}
	for _, tag := range capabilities {
		rate := p.SuccessRate[tag]
		// Exponential moving average over recent outcomes.
		target := 0.0
		if success {
			target = 1.0
		}
		p.SuccessRate[tag] = rate*0.8 + target*0.2
	}
	p.UpdatedAt = time.Now().UTC()
	snapshot := p.clone()
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.SaveProfile(snapshot); err != nil {
			g.logger.Warn("profile persist failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}
