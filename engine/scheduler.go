// This file implements the DAG scheduler: ready-set computation from a
// task snapshot, parallel-group bucketing, and per-task concurrency
// budgeting. The scheduler decides what should start next; dispatching
// and all state writes belong to the orchestrator.
package engine

import (
	"github.com/helmsman-ai/helmsman/core"
)

// ReadyGroup is a set of ready steps dispatched concurrently. Steps
// sharing a non-empty parallel_group form one group; every other ready
// step is a singleton group. Groups are ordered by the document
// position of their first member.
type ReadyGroup struct {
	// Key is the parallel_group name, or the step id for singletons.
	Key string

	// Singleton is true for null-group steps.
	Singleton bool

	// StepIDs in document order.
	StepIDs []string

	// Policy is the failure policy of the group's first member in
	// document order (all_or_nothing when that member declares none).
	Policy FailurePolicy
}

// Scheduler computes which steps should start next.
type Scheduler struct {
	logger core.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(logger core.Logger) *Scheduler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/scheduler")
	}
	return &Scheduler{logger: logger}
}

// ReadyGroups computes the ready set from a task snapshot and buckets
// it into dispatch groups. Steps in the inFlight dedupe set are
// excluded: they were dispatched in a previous cycle and their running
// transition may not have committed yet.
//
// No starts are emitted for a task in a terminal or suspended state.
func (s *Scheduler) ReadyGroups(task *Task, inFlight map[string]bool) []ReadyGroup {
	if task.Status.IsTerminal() || task.Status == TaskPaused || task.Status == TaskCheckpoint {
		return nil
	}

	dag := DAGFromTask(task)
	ready := dag.ReadyNodes()
	if len(ready) == 0 {
		return nil
	}

	var groups []ReadyGroup
	groupIndex := map[string]int{}

	for _, stepID := range ready {
		if inFlight[stepID] {
			continue
		}
		step := task.Step(stepID)
		if step == nil {
			continue
		}

		if step.ParallelGroup == "" {
			groups = append(groups, ReadyGroup{
				Key:       step.ID,
				Singleton: true,
				StepIDs:   []string{step.ID},
				Policy:    effectivePolicy(step.FailurePolicy),
			})
			continue
		}

		if idx, exists := groupIndex[step.ParallelGroup]; exists {
			groups[idx].StepIDs = append(groups[idx].StepIDs, step.ID)
			continue
		}
		groupIndex[step.ParallelGroup] = len(groups)
		groups = append(groups, ReadyGroup{
			Key:     step.ParallelGroup,
			StepIDs: []string{step.ID},
			Policy:  effectivePolicy(step.FailurePolicy),
		})
	}

	return groups
}

// Budget returns how many new starts this cycle may issue for the
// task: the concurrency cap minus steps already running or in the
// dispatch dedupe set.
func (s *Scheduler) Budget(task *Task, inFlight map[string]bool) int {
	cap := task.MaxParallelSteps
	if cap <= 0 {
		cap = DefaultMaxParallelSteps
	}

	occupied := 0
	for _, step := range task.Steps {
		if step.Status == StepRunning || inFlight[step.ID] {
			occupied++
		}
	}

	budget := cap - occupied
	if budget < 0 {
		budget = 0
	}
	return budget
}

// effectivePolicy defaults an unset failure policy to all_or_nothing.
func effectivePolicy(policy FailurePolicy) FailurePolicy {
	if policy == "" {
		return FailurePolicyAllOrNothing
	}
	return policy
}
