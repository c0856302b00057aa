// This file implements the user-visible failure surface: what a
// failed task presents to its owner.
package engine

import (
	"context"
)

// FailureReport is the condensed view of a failed task: the failing
// step's error, the last findings for context, and the lineage chain.
type FailureReport struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`

	// FailedStepID and ErrorMessage identify the triggering step.
	FailedStepID string `json:"failed_step_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// RejectedBy is set when a checkpoint rejection failed the task.
	RejectedBy string `json:"rejected_by,omitempty"`

	// RecentFindings holds the last two findings for context.
	RecentFindings []Finding `json:"recent_findings,omitempty"`

	// Lineage is the version chain, newest first, via parent_task_id.
	Lineage []string `json:"lineage,omitempty"`
}

// BuildFailureReport assembles the failure surface for a task. Works
// for any status, but the step error fields populate only when a step
// actually failed.
func BuildFailureReport(ctx context.Context, store TaskStore, checkpoints CheckpointStore, taskID string) (*FailureReport, error) {
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	report := &FailureReport{
		TaskID: task.ID,
		Status: task.Status,
	}

	// The triggering step: first critical failure in document order,
	// falling back to any failure.
	var failed *Step
	for _, step := range task.Steps {
		if step.Status != StepFailed {
			continue
		}
		if failed == nil {
			failed = step
		}
		if step.IsCritical {
			failed = step
			break
		}
	}
	if failed != nil {
		report.FailedStepID = failed.ID
		report.ErrorMessage = failed.ErrorMessage

		if checkpoints != nil {
			if state, err := checkpoints.Get(ctx, task.ID, failed.ID); err == nil && state.Decision == DecisionRejected {
				report.RejectedBy = state.DecidedBy
			}
		}
	}

	if n := len(task.AccumulatedFindings); n > 0 {
		start := n - 2
		if start < 0 {
			start = 0
		}
		report.RecentFindings = append(report.RecentFindings, task.AccumulatedFindings[start:]...)
	}

	lineage, err := store.VersionHistory(ctx, taskID, 10)
	if err == nil {
		for _, ancestor := range lineage {
			report.Lineage = append(report.Lineage, ancestor.ID)
		}
	}

	return report, nil
}
