// This file implements the top-level orchestrator loop. One cycle:
// load the task, compute the ready set, gate or dispatch ready steps
// up to the concurrency budget, await the first terminal step event,
// persist the transition, and re-enter from fresh state.
//
// The orchestrator is the sole mutator of a task's document. Step
// runners execute concurrently but report results over a bounded
// queue that the loop drains one event at a time, which keeps writes
// to a single task linearizable. Execution-tree updates are published
// after the durable write, so observers never see a state the store
// would deny.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/helmsman-ai/helmsman/core"
	"github.com/helmsman-ai/helmsman/telemetry"
)

// inFlightStep tracks one dispatched step until its result drains.
type inFlightStep struct {
	stepID    string
	group     string
	cancel    context.CancelFunc
	abandoned bool // cancelled past the grace period; discard its result
}

// Orchestrator drives task execution cycles.
type Orchestrator struct {
	tasks       TaskStore
	scheduler   *Scheduler
	runner      *StepRunner
	checkpoints *CheckpointCoordinator
	recovery    *FailureController
	tree        ExecutionTree // optional
	triggers    *TriggerBinding
	config      *EngineConfig
	logger      core.Logger

	// globalSlots bounds in-flight steps across all tasks. When
	// saturated, new dispatches defer to the next cycle; tasks contend
	// on the semaphore so no single task can monopolize the pool.
	globalSlots *semaphore.Weighted

	mu        sync.Mutex
	inFlight  map[string]map[string]*inFlightStep // task id → step id → handle
	taskLoops map[string]bool                     // task id → loop active
}

// NewOrchestrator wires the engine subsystems together.
func NewOrchestrator(tasks TaskStore, registry *CapabilityRegistry, checkpoints *CheckpointCoordinator, recovery *FailureController, tree ExecutionTree, config *EngineConfig, logger core.Logger) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	baseLogger := logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/orchestrator")
	}
	if config == nil {
		config = DefaultEngineConfig()
	}
	maxInFlight := config.GlobalMaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 32
	}

	o := &Orchestrator{
		tasks:       tasks,
		scheduler:   NewScheduler(baseLogger),
		runner:      NewStepRunner(registry, config, baseLogger),
		checkpoints: checkpoints,
		recovery:    recovery,
		tree:        tree,
		config:      config,
		logger:      logger,
		globalSlots: semaphore.NewWeighted(int64(maxInFlight)),
		inFlight:    make(map[string]map[string]*inFlightStep),
		taskLoops:   make(map[string]bool),
	}
	o.triggers = NewTriggerBinding(tasks, func(ctx context.Context, task *Task) {
		go func() {
			if _, err := o.ExecuteTask(context.WithoutCancel(ctx), task.ID); err != nil {
				o.logger.Error("Triggered task execution failed", map[string]interface{}{
					"task_id": task.ID,
					"error":   err.Error(),
				})
			}
		}()
	}, baseLogger)
	return o
}

// Triggers exposes the trigger binding for event ingress wiring.
func (o *Orchestrator) Triggers() *TriggerBinding {
	return o.triggers
}

// SubmitTask validates, persists, and registers a new task. Execution
// starts on the first ExecuteTask call (or via trigger for templates).
func (o *Orchestrator) SubmitTask(ctx context.Context, task *Task) (string, error) {
	if task.MaxParallelSteps <= 0 {
		task.MaxParallelSteps = o.config.MaxParallelSteps
	}
	id, err := o.tasks.CreateTask(ctx, task)
	if err != nil {
		return "", err
	}
	if err := o.triggers.RegisterTask(task); err != nil {
		o.logger.WarnWithContext(ctx, "Trigger registration failed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
	return id, nil
}

// ExecuteTask runs decision cycles for one task until it reaches a
// terminal state or suspends at a checkpoint. Safe to call again after
// checkpoint resolution; the loop resumes from persisted state.
//
// The loop is resumable: a crash between cycles leaves the document
// consistent, and on re-entry any step stuck in running past the
// liveness deadline is reclassified as execution_lost and handed to
// the failure controller.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) (*Task, error) {
	ctx = core.WithTaskID(ctx, taskID)

	// One loop per task: a concurrent caller gets the current state
	// instead of a second dispatcher racing the first.
	o.mu.Lock()
	if o.taskLoops[taskID] {
		o.mu.Unlock()
		return o.loadTask(ctx, taskID)
	}
	o.taskLoops[taskID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.taskLoops, taskID)
		o.mu.Unlock()
	}()

	// Bounded queue the loop drains one event at a time. Sized past
	// any per-task concurrency cap so runner goroutines never block
	// reporting a terminal event.
	results := make(chan *StepRunResult, 64)

	telemetry.AddSpanEvent(ctx, "task_execution_entered",
		attribute.String("task_id", taskID),
	)

	for {
		task, err := o.loadTask(ctx, taskID)
		if err != nil {
			return nil, err
		}

		// 1. Terminal tasks exit after draining whatever is still in
		// flight, so cooperative aborts and late completions reach the
		// store before the loop hands the task back.
		if task.Status.IsTerminal() {
			o.cancelInFlight(taskID)
			o.drainInFlight(ctx, taskID, results)
			o.finishTelemetry(ctx, task)
			return task, nil
		}

		// 2. Recover steps lost to a previous orchestrator crash.
		if err := o.reclassifyLostSteps(ctx, task); err != nil {
			return nil, err
		}
		// Reclassification writes through the store; continue from the
		// fresh document, not the snapshot loaded above.
		if task, err = o.loadTask(ctx, taskID); err != nil {
			return nil, err
		}

		// 3. A freshly accepted task starts executing.
		if task.Status == TaskPlanning || task.Status == TaskReady {
			status := TaskExecuting
			if task, err = o.updateTaskRetrying(ctx, taskID, &TaskPatch{Status: &status}); err != nil {
				return nil, err
			}
		}

		// 4. Dispatch ready work.
		dispatched, gated := 0, 0
		if task.Status == TaskExecuting {
			dispatched, gated, task, err = o.dispatchCycle(ctx, task, results)
			if err != nil {
				return nil, err
			}
		}

		inflight := o.inFlightCount(taskID)

		// 5. Nothing running and nothing started: settle or suspend.
		if inflight == 0 && dispatched == 0 {
			// A gate suspended the task mid-cycle; the snapshot is
			// stale, so re-enter and observe the checkpoint status.
			if gated > 0 {
				continue
			}
			if task.Status == TaskCheckpoint || task.Status == TaskPaused {
				o.logger.InfoWithContext(ctx, "Task suspended", map[string]interface{}{
					"task_id": task.ID,
					"status":  string(task.Status),
				})
				return task, nil
			}
			return o.settle(ctx, task)
		}

		// 6. Await the first terminal step event, then re-evaluate
		// from fresh state.
		select {
		case <-ctx.Done():
			o.cancelInFlight(taskID)
			return task, ctx.Err()
		case result := <-results:
			if err := o.handleResult(ctx, result); err != nil {
				return nil, err
			}
		}
	}
}

// CancelTask transitions a task to cancelled and broadcasts
// cancellation to its in-flight step runners. Handlers must poll their
// context at I/O boundaries; a step that does not acknowledge within
// the grace period is abandoned and its eventual result discarded.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	status := TaskCancelled
	if _, err := o.updateTaskRetrying(ctx, taskID, &TaskPatch{Status: &status}); err != nil {
		return err
	}

	o.cancelInFlight(taskID)

	// Abandon whatever has not acknowledged within the grace period.
	grace := o.config.CancelGracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		<-timer.C
		o.mu.Lock()
		for _, handle := range o.inFlight[taskID] {
			handle.abandoned = true
		}
		o.mu.Unlock()
	}()

	telemetry.Counter("engine.orchestrator.tasks_cancelled",
		"module", telemetry.ModuleOrchestrator,
	)
	o.logger.InfoWithContext(ctx, "Task cancelled", map[string]interface{}{
		"task_id": taskID,
	})
	return nil
}

// PauseTask suspends new dispatches for a task. In-flight steps run to
// completion; the loop exits once they drain.
func (o *Orchestrator) PauseTask(ctx context.Context, taskID string) error {
	status := TaskPaused
	_, err := o.updateTaskRetrying(ctx, taskID, &TaskPatch{Status: &status})
	return err
}

// ResumeTask returns a paused task to executing. The caller re-enters
// ExecuteTask to continue dispatching.
func (o *Orchestrator) ResumeTask(ctx context.Context, taskID string) error {
	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskPaused {
		return fmt.Errorf("orchestrator.Resume [%s]: task is %s, not paused: %w", taskID, task.Status, core.ErrConflict)
	}
	status := TaskExecuting
	_, err = o.updateTaskRetrying(ctx, taskID, &TaskPatch{Status: &status})
	return err
}

// DeleteTask removes a task, its checkpoint state, and its trigger
// registration.
func (o *Orchestrator) DeleteTask(ctx context.Context, taskID string) error {
	if o.checkpoints != nil {
		if err := o.checkpoints.DeleteForTask(ctx, taskID); err != nil {
			return err
		}
	}
	o.triggers.UnregisterTask(taskID)
	return o.tasks.DeleteTask(ctx, taskID)
}

// dispatchCycle walks ready groups in document order and starts steps
// up to the per-task budget and the global in-flight cap. Gated steps
// consult the checkpoint coordinator; a suspension records the gate
// and the walk continues.
func (o *Orchestrator) dispatchCycle(ctx context.Context, task *Task, results chan<- *StepRunResult) (int, int, *Task, error) {
	inFlightIDs := o.inFlightIDs(task.ID)
	groups := o.scheduler.ReadyGroups(task, inFlightIDs)
	budget := o.scheduler.Budget(task, inFlightIDs)
	dispatched, gated := 0, 0

	for _, group := range groups {
		for _, stepID := range group.StepIDs {
			if budget <= 0 {
				return dispatched, gated, task, nil
			}
			step := task.Step(stepID)
			if step == nil {
				continue
			}

			if step.CheckpointRequired && o.checkpoints != nil {
				gate, err := o.checkpoints.Gate(ctx, task, step)
				if err != nil {
					return dispatched, gated, task, err
				}
				if !gate.Proceed {
					// Suspended. Record and continue with the rest of
					// the ready set; the next cycle sees the
					// checkpoint status and stops starting new work.
					gated++
					continue
				}
			}

			// Global backpressure: when the engine-wide pool is
			// saturated, defer to a later cycle instead of queueing.
			if !o.globalSlots.TryAcquire(1) {
				o.logger.DebugWithContext(ctx, "Global in-flight cap reached, deferring dispatch", map[string]interface{}{
					"task_id": task.ID,
					"step_id": stepID,
				})
				return dispatched, gated, task, nil
			}

			updated, err := o.startStep(ctx, task, step, group, results)
			if err != nil {
				o.globalSlots.Release(1)
				return dispatched, gated, task, err
			}
			task = updated
			budget--
			dispatched++
		}
	}
	return dispatched, gated, task, nil
}

// startStep persists the running transition, publishes the tree
// update, and launches the runner goroutine.
func (o *Orchestrator) startStep(ctx context.Context, task *Task, step *Step, group ReadyGroup, results chan<- *StepRunResult) (*Task, error) {
	now := time.Now().UTC()
	status := StepRunning
	updated, err := o.updateStepRetrying(ctx, task.ID, step.ID, &StepPatch{
		Status:    &status,
		StartedAt: &now,
	})
	if err != nil {
		return nil, err
	}

	o.publishStep(ctx, updated, updated.Step(step.ID))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &inFlightStep{
		stepID: step.ID,
		group:  step.ParallelGroup,
		cancel: cancel,
	}
	o.mu.Lock()
	if o.inFlight[task.ID] == nil {
		o.inFlight[task.ID] = make(map[string]*inFlightStep)
	}
	o.inFlight[task.ID][step.ID] = handle
	o.mu.Unlock()

	snapshot := updated
	runStep := snapshot.Step(step.ID)

	telemetry.Counter("engine.orchestrator.steps_dispatched",
		"agent_type", step.AgentType,
		"module", telemetry.ModuleOrchestrator,
	)

	go func() {
		defer o.globalSlots.Release(1)
		result := o.runner.Run(runCtx, snapshot, runStep)

		o.mu.Lock()
		abandoned := false
		if h, ok := o.inFlight[task.ID][step.ID]; ok {
			abandoned = h.abandoned
		}
		o.mu.Unlock()
		if abandoned {
			// Cancelled past the grace period: the result is discarded
			// and the dedupe entry cleared here instead of in
			// handleResult.
			o.removeInFlight(task.ID, step.ID)
			return
		}
		results <- result
	}()

	return updated, nil
}

// handleResult persists one terminal step event and routes failures
// to the checkpoint-free recovery path. Processing is strictly one
// event at a time to keep task-document writes linearizable.
func (o *Orchestrator) handleResult(ctx context.Context, result *StepRunResult) error {
	o.removeInFlight(result.TaskID, result.StepID)

	task, err := o.loadTask(ctx, result.TaskID)
	if err != nil {
		return err
	}
	step := task.Step(result.StepID)
	if step == nil {
		return fmt.Errorf("orchestrator.handleResult [%s/%s]: %w", result.TaskID, result.StepID, core.ErrStepNotFound)
	}

	// Findings first: they are append-only and survive whatever the
	// status transition decides.
	for _, finding := range result.Findings {
		if err := o.tasks.AppendFinding(ctx, task.ID, finding); err != nil {
			o.logger.WarnWithContext(ctx, "Failed to append finding", map[string]interface{}{
				"task_id": task.ID,
				"step_id": result.StepID,
				"error":   err.Error(),
			})
		}
	}

	if result.Err == nil {
		return o.completeStep(ctx, task, step, result)
	}

	if result.Err.Kind == KindCancelled {
		// Cancellation is not an error; the failure controller is
		// never invoked.
		now := time.Now().UTC()
		status := StepFailed
		errMsg := "cancelled"
		duration := result.Duration()
		updated, err := o.updateStepRetrying(ctx, task.ID, result.StepID, &StepPatch{
			Status:        &status,
			ErrorMessage:  &errMsg,
			CompletedAt:   &now,
			ExecutionTime: &duration,
		})
		if err != nil && !core.IsTerminalState(err) {
			return err
		}
		if updated != nil {
			o.publishStep(ctx, updated, updated.Step(result.StepID))
		}
		return nil
	}

	return o.recoverStep(ctx, task, step, result)
}

// completeStep persists a successful run.
func (o *Orchestrator) completeStep(ctx context.Context, task *Task, step *Step, result *StepRunResult) error {
	status := StepDone
	duration := result.Duration()
	updated, err := o.updateStepRetrying(ctx, task.ID, step.ID, &StepPatch{
		Status:        &status,
		Outputs:       result.Outputs,
		CompletedAt:   &result.CompletedAt,
		ExecutionTime: &duration,
	})
	if err != nil {
		// The step may have been failed concurrently by a group
		// policy; its recorded terminal state wins.
		if core.IsTerminalState(err) {
			o.logger.DebugWithContext(ctx, "Completion lost to a concurrent terminal transition", map[string]interface{}{
				"task_id": task.ID,
				"step_id": step.ID,
			})
			return nil
		}
		return err
	}

	o.publishStep(ctx, updated, updated.Step(step.ID))
	o.logger.InfoWithContext(ctx, "Step completed", map[string]interface{}{
		"task_id":     task.ID,
		"step_id":     step.ID,
		"agent_type":  step.AgentType,
		"duration_s":  duration,
		"output_keys": len(result.Outputs),
	})
	return nil
}

// recoverStep applies parallel-group policy and hands the failure to
// the failure controller.
func (o *Orchestrator) recoverStep(ctx context.Context, task *Task, step *Step, result *StepRunResult) error {
	policy := effectivePolicy(step.FailurePolicy)

	if step.ParallelGroup != "" {
		switch policy {
		case FailurePolicyFailFast:
			// In-flight siblings are cancelled; the failed step still
			// goes through recovery normally.
			o.cancelGroupSiblings(task.ID, step.ParallelGroup, step.ID)

		case FailurePolicyAllOrNothing:
			// The whole group fails even if recovery could rescue this
			// member. Siblings that already completed keep their
			// outputs; everything else in the group fails with it.
			o.cancelGroupSiblings(task.ID, step.ParallelGroup, step.ID)
			return o.failGroup(ctx, task, step, result)
		}
	}

	proposal := o.recovery.Decide(ctx, task, step, result.Err)
	if err := o.recovery.Apply(ctx, task, step, result.Err, proposal); err != nil {
		if core.IsTerminalState(err) {
			// A concurrent group failure already settled this step.
			return nil
		}
		return err
	}

	// Backoff before re-dispatch. Only blocks when this task has
	// nothing else in flight; otherwise the pending retry simply waits
	// for the next cycle.
	if proposal.Action == ActionRetry && proposal.Delay > 0 && o.inFlightCount(task.ID) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(proposal.Delay):
		}
	}

	if updated, err := o.tasks.GetTask(ctx, task.ID); err == nil {
		if current := updated.Step(step.ID); current != nil {
			o.publishStep(ctx, updated, current)
		}
	}
	return nil
}

// failGroup fails every non-terminal member of an all_or_nothing group
// and escalates to the task when any member is critical.
func (o *Orchestrator) failGroup(ctx context.Context, task *Task, failed *Step, result *StepRunResult) error {
	now := time.Now().UTC()
	critical := false
	groupErr := fmt.Sprintf("parallel group %q failed: %s", failed.ParallelGroup, result.Err.Error())

	for _, member := range task.Steps {
		if member.ParallelGroup != failed.ParallelGroup {
			continue
		}
		if member.IsCritical {
			critical = true
		}
		if member.Status.IsTerminal() && member.ID != failed.ID {
			continue // completed members keep their outputs
		}
		status := StepFailed
		errMsg := groupErr
		if member.ID == failed.ID {
			errMsg = result.Err.Error()
		}
		if _, err := o.updateStepRetrying(ctx, task.ID, member.ID, &StepPatch{
			Status:       &status,
			ErrorMessage: &errMsg,
			CompletedAt:  &now,
		}); err != nil && !core.IsTerminalState(err) {
			return err
		}
	}

	if critical {
		status := TaskFailed
		if _, err := o.updateTaskRetrying(ctx, task.ID, &TaskPatch{Status: &status}); err != nil {
			return err
		}
	}

	o.logger.WarnWithContext(ctx, "Parallel group failed under all_or_nothing policy", map[string]interface{}{
		"task_id": task.ID,
		"group":   failed.ParallelGroup,
		"step_id": failed.ID,
	})
	return nil
}

// settle decides the final status of a task with no runnable work.
func (o *Orchestrator) settle(ctx context.Context, task *Task) (*Task, error) {
	now := time.Now().UTC()

	if task.AllStepsSettled() {
		anyFailed := false
		for _, step := range task.Steps {
			if step.Status == StepFailed && step.IsCritical {
				anyFailed = true
				break
			}
		}
		status := TaskCompleted
		if anyFailed {
			status = TaskFailed
		}
		updated, err := o.updateTaskRetrying(ctx, task.ID, &TaskPatch{
			Status:      &status,
			CompletedAt: &now,
		})
		if err != nil {
			if core.IsTerminalState(err) {
				return o.loadTask(ctx, task.ID)
			}
			return nil, err
		}
		o.finishTelemetry(ctx, updated)
		o.logger.InfoWithContext(ctx, "Task settled", map[string]interface{}{
			"task_id": task.ID,
			"status":  string(status),
		})
		return updated, nil
	}

	// Pending steps remain but none can ever become ready: their
	// dependencies failed. The plan state is unreachable.
	status := TaskFailed
	updated, err := o.updateTaskRetrying(ctx, task.ID, &TaskPatch{
		Status:      &status,
		CompletedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	if err := o.tasks.AppendFinding(ctx, task.ID, NewFinding("", FindingTypeWarning,
		"task failed: remaining steps are unreachable because their dependencies failed")); err != nil {
		o.logger.WarnWithContext(ctx, "Failed to append unreachable-plan finding", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
	o.finishTelemetry(ctx, updated)
	return updated, nil
}

// reclassifyLostSteps fails running steps that have no in-flight
// runner and whose liveness deadline has passed, then routes them
// through the failure controller as execution_lost.
func (o *Orchestrator) reclassifyLostSteps(ctx context.Context, task *Task) error {
	deadline := o.config.LivenessDeadline()
	inFlightIDs := o.inFlightIDs(task.ID)

	for _, step := range task.Steps {
		if step.Status != StepRunning || inFlightIDs[step.ID] {
			continue
		}
		if step.StartedAt == nil || time.Since(*step.StartedAt) < deadline {
			continue
		}

		o.logger.WarnWithContext(ctx, "Reclassifying lost step", map[string]interface{}{
			"task_id":    task.ID,
			"step_id":    step.ID,
			"started_at": step.StartedAt,
		})
		stepErr := NewStepError(KindExecutionLost, "execution lost")

		proposal := o.recovery.Decide(ctx, task, step, stepErr)
		if err := o.recovery.Apply(ctx, task, step, stepErr, proposal); err != nil {
			return err
		}
		telemetry.Counter("engine.orchestrator.steps_lost",
			"module", telemetry.ModuleOrchestrator,
		)
	}
	return nil
}

// publishStep publishes a node update after the durable write. Tree
// failures are logged, never propagated.
func (o *Orchestrator) publishStep(ctx context.Context, task *Task, step *Step) {
	if o.tree == nil || step == nil {
		return
	}
	treeID := task.TreeID
	if treeID == "" {
		treeID = task.ID
	}
	if err := o.tree.Publish(ctx, treeID, NodeUpdateFromStep(step)); err != nil {
		o.logger.WarnWithContext(ctx, "Execution tree publish failed", map[string]interface{}{
			"task_id": task.ID,
			"step_id": step.ID,
			"error":   err.Error(),
		})
	}
}

// loadTask reads the task with backoff on transient store failures.
func (o *Orchestrator) loadTask(ctx context.Context, taskID string) (*Task, error) {
	return backoff.Retry(ctx, func() (*Task, error) {
		task, err := o.tasks.GetTask(ctx, taskID)
		if err != nil && !core.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return task, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
}

// updateTaskRetrying retries conflicts: losing a CAS race means
// reloading happens inside the store's read-modify-write, so a plain
// retry is the correct reaction here.
func (o *Orchestrator) updateTaskRetrying(ctx context.Context, taskID string, patch *TaskPatch) (*Task, error) {
	return backoff.Retry(ctx, func() (*Task, error) {
		task, err := o.tasks.UpdateTask(ctx, taskID, patch)
		if err != nil && !core.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return task, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
}

func (o *Orchestrator) updateStepRetrying(ctx context.Context, taskID, stepID string, patch *StepPatch) (*Task, error) {
	return backoff.Retry(ctx, func() (*Task, error) {
		task, err := o.tasks.UpdateStep(ctx, taskID, stepID, patch)
		if err != nil && !core.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return task, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
}

func (o *Orchestrator) finishTelemetry(ctx context.Context, task *Task) {
	telemetry.Counter("engine.orchestrator.tasks_settled",
		"status", string(task.Status),
		"module", telemetry.ModuleOrchestrator,
	)
	telemetry.AddSpanEvent(ctx, "task_execution_settled",
		attribute.String("task_id", task.ID),
		attribute.String("status", string(task.Status)),
	)
}

// ----- in-flight bookkeeping -----

func (o *Orchestrator) inFlightIDs(taskID string) map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make(map[string]bool, len(o.inFlight[taskID]))
	for id := range o.inFlight[taskID] {
		ids[id] = true
	}
	return ids
}

func (o *Orchestrator) inFlightCount(taskID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inFlight[taskID])
}

func (o *Orchestrator) removeInFlight(taskID, stepID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if steps, ok := o.inFlight[taskID]; ok {
		delete(steps, stepID)
		if len(steps) == 0 {
			delete(o.inFlight, taskID)
		}
	}
}

func (o *Orchestrator) cancelInFlight(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, handle := range o.inFlight[taskID] {
		handle.cancel()
	}
}

func (o *Orchestrator) cancelGroupSiblings(taskID, group, exceptStepID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for stepID, handle := range o.inFlight[taskID] {
		if handle.group == group && stepID != exceptStepID {
			handle.cancel()
		}
	}
}

// drainInFlight processes results still owed by cancelled runners so
// their terminal transitions persist. Runners that do not acknowledge
// within the grace period are abandoned and their dedupe entries
// cleared, keeping a later ExecuteTask call dispatchable.
func (o *Orchestrator) drainInFlight(ctx context.Context, taskID string, results <-chan *StepRunResult) {
	grace := o.config.CancelGracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for o.inFlightCount(taskID) > 0 {
		select {
		case result := <-results:
			if err := o.handleResult(ctx, result); err != nil {
				o.logger.WarnWithContext(ctx, "Error draining in-flight result", map[string]interface{}{
					"task_id": taskID,
					"step_id": result.StepID,
					"error":   err.Error(),
				})
			}
		case <-deadline.C:
			o.mu.Lock()
			for _, handle := range o.inFlight[taskID] {
				handle.abandoned = true
			}
			delete(o.inFlight, taskID)
			o.mu.Unlock()
			return
		case <-ctx.Done():
			return
		}
	}
}
