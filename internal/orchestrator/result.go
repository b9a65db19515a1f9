package orchestrator

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/errdefs"
	"github.com/agentmux/agentmux/internal/orchestrator/grading"
	"github.com/agentmux/agentmux/internal/taskgraph"
)

// ResultInput is a completing agent's report for a task.
type ResultInput struct {
	TaskID       string
	Status       string // "completed" or "failed"
	Output       string
	Grade        *grading.Grade
	DurationMS   int64
	ErrorMessage string
}

// ResultOutcome describes how a submitted result was applied.
type ResultOutcome struct {
	Accepted       bool
	Task           *taskgraph.Task
	Risk           string
	UnblockedTasks []*taskgraph.Task
	Retried        bool
	Reason         string
}

// SubmitResult applies a completion or failure to the graph. A completion
// carrying a high-risk grade is converted into a failure that will not be
// retried; ApproveTask is the only way forward for it. Plain failures are
// requeued while the task still has retry budget.
func (o *Orchestrator) SubmitResult(in ResultInput) (ResultOutcome, error) {
	if in.TaskID == "" {
		return ResultOutcome{}, errdefs.Invalidf("taskId is required")
	}
	if in.Status != string(taskgraph.StatusCompleted) && in.Status != string(taskgraph.StatusFailed) {
		return ResultOutcome{}, errdefs.Invalidf("status must be completed or failed, got %q", in.Status)
	}

	task, err := o.graph.GetTask(in.TaskID)
	if err != nil {
		return ResultOutcome{}, err
	}

	var risk string
	if in.Grade != nil {
		res, err := grading.Compute(*in.Grade)
		if err != nil {
			return ResultOutcome{}, err
		}
		risk = res.Risk
	}

	if in.Status == string(taskgraph.StatusCompleted) && risk == grading.RiskHigh {
		failed, err := o.graph.FailTask(task.ID, task.Version)
		if err != nil {
			return ResultOutcome{}, err
		}
		o.recordOutcome(task, false)
		reason := fmt.Sprintf("held for review: confidence grade classified this result as high risk (clarity=%s confidence=%s blastRadius=%s)",
			in.Grade.Clarity, in.Grade.Confidence, in.Grade.BlastRadius)
		o.logger.Warn("high-risk result held",
			zap.String("task_id", task.ID),
			zap.String("reason", reason))
		return ResultOutcome{Accepted: true, Task: failed, Risk: risk, Reason: reason}, nil
	}

	if in.Status == string(taskgraph.StatusCompleted) {
		completed, unblocked, err := o.graph.CompleteTask(task.ID, task.Version)
		if err != nil {
			return ResultOutcome{}, err
		}
		o.recordOutcome(task, true)
		o.logger.Info("task completed",
			zap.String("task_id", task.ID),
			zap.Int("unblocked", len(unblocked)),
			zap.Int64("duration_ms", in.DurationMS))
		return ResultOutcome{Accepted: true, Task: completed, Risk: risk, UnblockedTasks: unblocked}, nil
	}

	failed, err := o.graph.FailTask(task.ID, task.Version)
	if err != nil {
		return ResultOutcome{}, err
	}
	o.recordOutcome(task, false)

	if failed.RetryCount < failed.MaxRetries {
		retried, err := o.graph.RetryTask(failed.ID, "", failed.Version)
		if err == nil {
			o.logger.Info("task requeued",
				zap.String("task_id", task.ID),
				zap.Int("retry", retried.RetryCount),
				zap.String("error", in.ErrorMessage))
			return ResultOutcome{Accepted: true, Task: retried, Risk: risk, Retried: true}, nil
		}
		o.logger.Warn("retry failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	o.logger.Info("task failed",
		zap.String("task_id", task.ID),
		zap.String("error", in.ErrorMessage))
	return ResultOutcome{Accepted: true, Task: failed, Risk: risk, Reason: in.ErrorMessage}, nil
}

// ApproveTask is the human override for a result held back by a high-risk
// grade: it completes the failed task and returns what that unblocked.
func (o *Orchestrator) ApproveTask(taskID string) (*taskgraph.Task, []*taskgraph.Task, error) {
	task, err := o.graph.GetTask(taskID)
	if err != nil {
		return nil, nil, err
	}
	completed, unblocked, err := o.graph.ForceCompleteTask(task.ID, task.Version)
	if err != nil {
		return nil, nil, err
	}
	if completed.OwnerAgentID != "" {
		o.graph.RecordOutcome(completed.OwnerAgentID, completed.RequiredCapabilities, true)
	}
	o.logger.Info("task approved",
		zap.String("task_id", taskID),
		zap.Int("unblocked", len(unblocked)))
	return completed, unblocked, nil
}

func (o *Orchestrator) recordOutcome(task *taskgraph.Task, success bool) {
	owner := strings.TrimSpace(task.OwnerAgentID)
	if owner == "" {
		return
	}
	o.graph.RecordOutcome(owner, task.RequiredCapabilities, success)
}
