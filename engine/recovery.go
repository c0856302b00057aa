// This file implements the failure controller: classification-driven
// recovery for failed steps. Proposals follow a fixed precedence —
// retry, fallback, modify, skip, replan, abort — and every applied
// action is persisted through the task store before the orchestrator
// re-enters its cycle.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helmsman-ai/helmsman/core"
	"github.com/helmsman-ai/helmsman/telemetry"
)

// RecoveryAction is the failure controller's proposal taxonomy.
type RecoveryAction string

const (
	ActionRetry    RecoveryAction = "retry"    // Re-dispatch the same step (transient failure)
	ActionFallback RecoveryAction = "fallback" // Switch to the next fallback option
	ActionSkip     RecoveryAction = "skip"     // Skip non-critical step
	ActionModify   RecoveryAction = "modify"   // Synthesize new inputs and retry
	ActionAbort    RecoveryAction = "abort"    // Fail the task (no recovery)
	ActionReplan   RecoveryAction = "replan"   // Escalate to strategic replanning
)

// RecoveryProposal is one recovery decision with its supporting data.
type RecoveryProposal struct {
	Action     RecoveryAction `json:"action"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`

	// Delay before re-dispatch (retry only): exponential backoff,
	// base 1s doubled per attempt, capped at 60s.
	Delay time.Duration `json:"delay,omitempty"`

	// Fallback is the consumed option (fallback only).
	Fallback *FallbackOption `json:"fallback,omitempty"`

	// ModifiedInputs are planner-synthesized inputs (modify only).
	ModifiedInputs map[string]interface{} `json:"modified_inputs,omitempty"`

	// ReplanContext is handed to the planner (replan only).
	ReplanContext *ReplanContext `json:"replan_context,omitempty"`

	// NewTaskID is set after a replan is applied.
	NewTaskID string `json:"new_task_id,omitempty"`
}

// FailureController decides how to react to a failed step and applies
// the decision through the task store.
type FailureController struct {
	tasks    TaskStore
	planner  Planner
	registry *CapabilityRegistry
	config   *EngineConfig
	logger   core.Logger
}

// NewFailureController creates a failure controller. The planner may
// be nil, which disables MODIFY and REPLAN recovery.
func NewFailureController(tasks TaskStore, planner Planner, registry *CapabilityRegistry, config *EngineConfig, logger core.Logger) *FailureController {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/recovery")
	}
	if config == nil {
		config = DefaultEngineConfig()
	}
	return &FailureController{
		tasks:    tasks,
		planner:  planner,
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// Decide classifies the failure and selects a recovery action. It
// performs no writes; Apply persists the chosen action.
func (f *FailureController) Decide(ctx context.Context, task *Task, step *Step, stepErr *StepError) *RecoveryProposal {
	kind := stepErr.Kind
	retrySafe := f.isRetrySafe(step)

	// Transient failures retry while budget remains. Execution loss is
	// handled the same way: the step never reported a result, so a
	// retry-safe handler can simply run again.
	if (kind.IsTransient() || kind == KindExecutionLost) && retrySafe && step.RetryCount < step.MaxRetries {
		return &RecoveryProposal{
			Action:     ActionRetry,
			Confidence: 0.9,
			Reason:     fmt.Sprintf("transient %s, attempt %d of %d", kind, step.RetryCount+1, step.MaxRetries),
			Delay:      f.backoffDelay(step.RetryCount),
		}
	}

	if !step.FallbackConfig.Exhausted() {
		option := step.FallbackConfig.Options[step.FallbackConfig.NextIndex]
		return &RecoveryProposal{
			Action:     ActionFallback,
			Confidence: 0.75,
			Reason:     fmt.Sprintf("fallback option %d of %d", step.FallbackConfig.NextIndex+1, len(step.FallbackConfig.Options)),
			Fallback:   &option,
		}
	}

	if kind.IsModifyRecoverable() && f.planner != nil {
		inputs, err := f.planner.SynthesizeInputs(ctx, step, stepErr)
		if err == nil && len(inputs) > 0 {
			return &RecoveryProposal{
				Action:         ActionModify,
				Confidence:     0.6,
				Reason:         fmt.Sprintf("%s is recoverable with modified inputs", kind),
				ModifiedInputs: inputs,
			}
		}
		if err != nil {
			f.logger.WarnWithContext(ctx, "Input synthesis failed, falling through", map[string]interface{}{
				"task_id": task.ID,
				"step_id": step.ID,
				"error":   err.Error(),
			})
		}
	}

	if !step.IsCritical {
		return &RecoveryProposal{
			Action:     ActionSkip,
			Confidence: 0.95,
			Reason:     "step is non-critical",
		}
	}

	// Internal defects abort rather than replan: a plan revision
	// cannot fix an engine or handler bug.
	if kind.IsStructural() && kind != KindInternal && f.planner != nil {
		return &RecoveryProposal{
			Action:        ActionReplan,
			Confidence:    0.7,
			Reason:        fmt.Sprintf("structural failure: %s", kind),
			ReplanContext: f.buildReplanContext(task, step, stepErr),
		}
	}

	return &RecoveryProposal{
		Action:     ActionAbort,
		Confidence: 1.0,
		Reason:     fmt.Sprintf("no recovery available for %s on critical step", kind),
	}
}

// Apply persists the proposal's state changes. For replan, the
// returned proposal carries the new task id.
func (f *FailureController) Apply(ctx context.Context, task *Task, step *Step, stepErr *StepError, proposal *RecoveryProposal) error {
	now := time.Now().UTC()
	errMsg := stepErr.Error()

	telemetry.Counter("engine.recovery.actions",
		"action", string(proposal.Action),
		"error_kind", string(stepErr.Kind),
		"module", telemetry.ModuleRecovery,
	)
	telemetry.AddSpanEvent(ctx, "recovery_action_applied",
		attribute.String("task_id", task.ID),
		attribute.String("step_id", step.ID),
		attribute.String("action", string(proposal.Action)),
	)
	f.logger.InfoWithContext(ctx, "Applying recovery action", map[string]interface{}{
		"task_id":    task.ID,
		"step_id":    step.ID,
		"action":     string(proposal.Action),
		"error_kind": string(stepErr.Kind),
		"reason":     proposal.Reason,
	})

	switch proposal.Action {
	case ActionRetry:
		status := StepPending
		retryCount := step.RetryCount + 1
		_, err := f.tasks.UpdateStep(ctx, task.ID, step.ID, &StepPatch{
			Status:       &status,
			RetryCount:   &retryCount,
			ErrorMessage: &errMsg,
		})
		return err

	case ActionFallback:
		status := StepPending
		retryCount := 0 // a fresh binding gets a fresh retry budget
		fallback := *step.FallbackConfig
		fallback.NextIndex++
		inputs := rebindInputs(step.Inputs, proposal.Fallback)
		_, err := f.tasks.UpdateStep(ctx, task.ID, step.ID, &StepPatch{
			Status:         &status,
			RetryCount:     &retryCount,
			ErrorMessage:   &errMsg,
			FallbackConfig: &fallback,
			Inputs:         inputs,
		})
		return err

	case ActionModify:
		status := StepPending
		_, err := f.tasks.UpdateStep(ctx, task.ID, step.ID, &StepPatch{
			Status:         &status,
			ErrorMessage:   &errMsg,
			InputsOverride: proposal.ModifiedInputs,
		})
		return err

	case ActionSkip:
		status := StepSkipped
		_, err := f.tasks.UpdateStep(ctx, task.ID, step.ID, &StepPatch{
			Status:       &status,
			ErrorMessage: &errMsg,
			CompletedAt:  &now,
		})
		return err

	case ActionReplan:
		// The failing step reaches its terminal status in the original
		// lineage before the task is superseded.
		stepStatus := StepFailed
		if _, err := f.tasks.UpdateStep(ctx, task.ID, step.ID, &StepPatch{
			Status:       &stepStatus,
			ErrorMessage: &errMsg,
			CompletedAt:  &now,
		}); err != nil && !core.IsTerminalState(err) {
			return err
		}
		newTaskID, err := f.replan(ctx, task, step, stepErr, proposal.ReplanContext)
		if err != nil {
			// A failed replan degrades to abort.
			f.logger.ErrorWithContext(ctx, "Replan failed, aborting task", map[string]interface{}{
				"task_id": task.ID,
				"step_id": step.ID,
				"error":   err.Error(),
			})
			return f.abort(ctx, task, step, errMsg, now)
		}
		proposal.NewTaskID = newTaskID
		return nil

	case ActionAbort:
		return f.abort(ctx, task, step, errMsg, now)

	default:
		return fmt.Errorf("unknown recovery action %q: %w", proposal.Action, core.ErrInvalidConfiguration)
	}
}

func (f *FailureController) abort(ctx context.Context, task *Task, step *Step, errMsg string, now time.Time) error {
	stepStatus := StepFailed
	if _, err := f.tasks.UpdateStep(ctx, task.ID, step.ID, &StepPatch{
		Status:       &stepStatus,
		ErrorMessage: &errMsg,
		CompletedAt:  &now,
	}); err != nil && !core.IsTerminalState(err) {
		return err
	}
	taskStatus := TaskFailed
	_, err := f.tasks.UpdateTask(ctx, task.ID, &TaskPatch{Status: &taskStatus})
	return err
}

// isRetrySafe consults the handler's declared side-effect class and
// the fallback config's explicit opt-in.
func (f *FailureController) isRetrySafe(step *Step) bool {
	if fallbackRetrySafe(step) {
		return true
	}
	capability, err := f.registry.Resolve(step.AgentType, step.Domain)
	if err != nil {
		return false
	}
	return capability.SideEffect.RetrySafe()
}

// backoffDelay computes exponential backoff: base doubled per prior
// attempt, capped.
func (f *FailureController) backoffDelay(retryCount int) time.Duration {
	delay := f.config.RetryBaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := f.config.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// rebindInputs overlays a fallback option onto the step's inputs.
func rebindInputs(inputs map[string]interface{}, option *FallbackOption) map[string]interface{} {
	rebound := cloneMap(inputs)
	if rebound == nil {
		rebound = map[string]interface{}{}
	}
	if option.Model != "" {
		rebound["model"] = option.Model
	}
	if option.API != "" {
		rebound["api"] = option.API
	}
	if option.Strategy != "" {
		rebound["strategy"] = option.Strategy
	}
	return rebound
}

// buildReplanContext assembles the diagnosis and preserved work handed
// to the planner.
func (f *FailureController) buildReplanContext(task *Task, failed *Step, stepErr *StepError) *ReplanContext {
	completed := map[string]map[string]interface{}{}
	for _, s := range task.Steps {
		if s.Status == StepDone {
			completed[s.ID] = s.Outputs
		}
	}

	// Affected: the failed step plus everything downstream of it.
	dag := DAGFromTask(task)
	affected := []string{failed.ID}
	seen := map[string]bool{failed.ID: true}
	queue := []string{failed.ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range dag.Dependents(current) {
			if !seen[dependent] {
				seen[dependent] = true
				affected = append(affected, dependent)
				queue = append(queue, dependent)
			}
		}
	}

	return &ReplanContext{
		Diagnosis:        fmt.Sprintf("step %q failed: %s", failed.ID, stepErr.Error()),
		AffectedStepIDs:  affected,
		CompletedOutputs: completed,
		Constraints:      task.Constraints,
	}
}

// replan drives the strategic replan procedure: invoke the planner,
// enforce the work-preservation invariant, write the successor task,
// and supersede the original. Completed steps are never re-executed
// across a replan.
func (f *FailureController) replan(ctx context.Context, task *Task, failed *Step, stepErr *StepError, replanCtx *ReplanContext) (string, error) {
	newSteps, err := f.planner.Replan(ctx, task, failed, replanCtx)
	if err != nil {
		return "", fmt.Errorf("recovery.replan [%s]: planner: %w", task.ID, err)
	}
	if err := ValidatePlan(newSteps); err != nil {
		return "", fmt.Errorf("recovery.replan [%s]: %w", task.ID, err)
	}
	if err := verifyPreservation(task, newSteps); err != nil {
		return "", fmt.Errorf("recovery.replan [%s]: %w", task.ID, err)
	}

	now := time.Now().UTC()
	successor := &Task{
		ID:               "",
		Version:          task.Version + 1,
		UserID:           task.UserID,
		OrganizationID:   task.OrganizationID,
		Goal:             task.Goal,
		Constraints:      cloneMap(task.Constraints),
		SuccessCriteria:  append([]string(nil), task.SuccessCriteria...),
		Status:           TaskExecuting,
		MaxParallelSteps: task.MaxParallelSteps,
		ParentTaskID:     task.ID,
		Metadata:         cloneMap(task.Metadata),
		Steps:            newSteps,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	successor.ID = uuid.New().String()
	successor.TreeID = successor.ID

	// Findings carry over, then record the replan itself.
	successor.AccumulatedFindings = append([]Finding(nil), task.AccumulatedFindings...)
	successor.AccumulatedFindings = append(successor.AccumulatedFindings, NewFinding(failed.ID, FindingTypeReplan,
		fmt.Sprintf("replanned after %s: %s (%d steps preserved, %d steps in revised plan)",
			stepErr.Kind, replanCtx.Diagnosis, len(replanCtx.CompletedOutputs), len(newSteps))))

	if _, err := f.tasks.CreateTask(ctx, successor); err != nil {
		return "", fmt.Errorf("recovery.replan [%s]: writing successor: %w", task.ID, err)
	}

	supersededBy := successor.ID
	status := TaskSuperseded
	if _, err := f.tasks.UpdateTask(ctx, task.ID, &TaskPatch{
		Status:       &status,
		SupersededBy: &supersededBy,
	}); err != nil {
		return "", fmt.Errorf("recovery.replan [%s]: superseding original: %w", task.ID, err)
	}

	telemetry.Counter("engine.recovery.replans",
		"module", telemetry.ModuleRecovery,
	)
	f.logger.InfoWithContext(ctx, "Task replanned", map[string]interface{}{
		"task_id":     task.ID,
		"new_task_id": successor.ID,
		"version":     successor.Version,
		"step_count":  len(newSteps),
	})
	return successor.ID, nil
}

// verifyPreservation enforces the replan invariant: every step that
// was done in the original and reappears in the new plan keeps status
// done with identical outputs.
func verifyPreservation(original *Task, newSteps []*Step) error {
	byID := make(map[string]*Step, len(newSteps))
	for _, s := range newSteps {
		byID[s.ID] = s
	}
	for _, s := range original.Steps {
		if s.Status != StepDone {
			continue
		}
		preserved, present := byID[s.ID]
		if !present {
			continue
		}
		if preserved.Status != StepDone {
			return fmt.Errorf("completed step %q lost its done status in replan: %w", s.ID, core.ErrInvalidPlan)
		}
		if !outputsEqual(s.Outputs, preserved.Outputs) {
			return fmt.Errorf("completed step %q has altered outputs in replan: %w", s.ID, core.ErrInvalidPlan)
		}
	}
	return nil
}

func outputsEqual(a, b map[string]interface{}) bool {
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aJSON, bJSON)
}
