// This file implements the step runner: input materialization with
// reference substitution, capability resolution, schema validation,
// and handler invocation with cancellation and timeout.
//
// The runner never writes to the task store. It executes one step and
// reports a StepRunResult; the orchestrator is the sole mutator of the
// task document and funnels every transition through its own cycle.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/helmsman-ai/helmsman/core"
	"github.com/helmsman-ai/helmsman/telemetry"
)

// StepRunResult is the terminal report of one step run, delivered to
// the orchestrator over its results queue.
type StepRunResult struct {
	TaskID string
	StepID string

	// Outputs from the handler, nil on failure.
	Outputs map[string]interface{}

	// Findings produced during the run: progress reports, schema
	// warnings, and the success summary.
	Findings []Finding

	// Err is nil on success. Cancellation surfaces as KindCancelled
	// and does not reach the failure controller.
	Err *StepError

	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration returns the handler wall-clock time in seconds.
func (r *StepRunResult) Duration() float64 {
	return r.CompletedAt.Sub(r.StartedAt).Seconds()
}

// StepRunner executes one step end-to-end against the capability
// registry.
type StepRunner struct {
	registry *CapabilityRegistry
	config   *EngineConfig
	logger   core.Logger
}

// NewStepRunner creates a runner.
func NewStepRunner(registry *CapabilityRegistry, config *EngineConfig, logger core.Logger) *StepRunner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/runner")
	}
	if config == nil {
		config = DefaultEngineConfig()
	}
	return &StepRunner{
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// Run executes one step. The provided task is a snapshot: prior step
// outputs and trigger metadata are read from it during materialization.
func (r *StepRunner) Run(ctx context.Context, task *Task, step *Step) *StepRunResult {
	result := &StepRunResult{
		TaskID:    task.ID,
		StepID:    step.ID,
		StartedAt: time.Now().UTC(),
	}

	finish := func(err *StepError) *StepRunResult {
		result.CompletedAt = time.Now().UTC()
		result.Err = err
		if err != nil && err.Kind != KindCancelled {
			telemetry.Counter("engine.runner.step_failures",
				"agent_type", step.AgentType,
				"error_kind", string(err.Kind),
				"module", telemetry.ModuleRunner,
			)
		}
		telemetry.Histogram("engine.runner.step_duration_seconds",
			result.Duration(),
			"agent_type", step.AgentType,
			"module", telemetry.ModuleRunner,
		)
		return result
	}

	// 1. Materialize inputs.
	inputs, err := r.MaterializeInputs(task, step)
	if err != nil {
		return finish(ClassifyError(err))
	}

	// 2. Resolve the capability.
	capability, err := r.registry.Resolve(step.AgentType, step.Domain)
	if err != nil {
		return finish(WrapStepError(KindCapabilityNotFound, err))
	}

	// 3. Validate inputs against the declared schema.
	if err := capability.ValidateInputs(inputs); err != nil {
		return finish(WrapStepError(KindInputInvalid, err))
	}

	telemetry.AddSpanEvent(ctx, "step_execution_started",
		attribute.String("task_id", task.ID),
		attribute.String("step_id", step.ID),
		attribute.String("agent_type", step.AgentType),
	)
	r.logger.InfoWithContext(ctx, "Executing step", map[string]interface{}{
		"task_id":    task.ID,
		"step_id":    step.ID,
		"agent_type": step.AgentType,
		"attempt":    step.RetryCount + 1,
	})

	// 4. Invoke the handler under the per-step timeout. Progress
	// reports are collected as findings.
	var progressMu sync.Mutex
	progress := func(message string) {
		progressMu.Lock()
		defer progressMu.Unlock()
		result.Findings = append(result.Findings, NewFinding(step.ID, step.AgentType, message))
	}

	stepCtx, cancel := context.WithTimeout(ctx, r.config.StepTimeout)
	defer cancel()

	outputs, handlerErr := invokeHandler(stepCtx, capability.Handler, inputs, progress)
	if handlerErr != nil {
		stepErr := ClassifyError(handlerErr)
		// Distinguish our timeout from upstream cancellation: a run
		// cut off by the step deadline is a transient timeout, not a
		// cancelled step.
		if stepErr.Kind == KindCancelled && ctx.Err() == nil && stepCtx.Err() == context.DeadlineExceeded {
			stepErr = WrapStepError(KindTimeout, handlerErr)
		}
		if stepErr.Kind.IsTransient() && !capability.SideEffect.RetrySafe() && !fallbackRetrySafe(step) {
			stepErr = &StepError{
				Kind:    KindNonIdempotentSideEffectFailed,
				Message: stepErr.Error(),
				Err:     stepErr.Err,
			}
		}
		return finish(stepErr)
	}

	// 5. Enforce the output contract.
	warnings, err := capability.ValidateOutputs(outputs)
	if err != nil {
		return finish(WrapStepError(KindOutputInvalid, err))
	}
	for _, warning := range warnings {
		result.Findings = append(result.Findings, NewFinding(step.ID, FindingTypeWarning, warning))
	}

	result.Outputs = outputs
	result.Findings = append(result.Findings, NewFinding(step.ID, step.AgentType,
		fmt.Sprintf("%s completed: %s", step.Name, summarizeOutputs(outputs))))

	telemetry.AddSpanEvent(ctx, "step_execution_completed",
		attribute.String("task_id", task.ID),
		attribute.String("step_id", step.ID),
	)
	return finish(nil)
}

// invokeHandler isolates handler panics: a panicking handler fails its
// step with an internal error instead of taking down the worker.
func invokeHandler(ctx context.Context, handler HandlerFunc, inputs map[string]interface{}, progress ProgressFunc) (outputs map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outputs = nil
			err = NewStepError(KindInternal, "handler panic: %v", rec)
		}
	}()
	return handler(ctx, inputs, progress)
}

// fallbackRetrySafe reports the fallback config's retry-safe opt-in
// for non-idempotent handlers.
func fallbackRetrySafe(step *Step) bool {
	return step.FallbackConfig != nil && step.FallbackConfig.RetrySafe
}

// referencePattern matches ${...} input references.
var referencePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// MaterializeInputs builds the effective inputs for a step run:
// declared inputs, then checkpoint-collected inputs, then the MODIFY
// override, then ${...} reference substitution against prior step
// outputs and the trigger event.
func (r *StepRunner) MaterializeInputs(task *Task, step *Step) (map[string]interface{}, error) {
	inputs := cloneMap(step.Inputs)
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	for k, v := range step.CheckpointInputs {
		inputs[k] = v
	}
	for k, v := range step.InputsOverride {
		inputs[k] = v
	}

	resolved, err := substituteValue(inputs, task)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]interface{}), nil
}

func substituteValue(value interface{}, task *Task) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return substituteString(v, task)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			sub, err := substituteValue(item, task)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			sub, err := substituteValue(item, task)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return value, nil
	}
}

// substituteString resolves ${...} references. A string that is
// exactly one reference keeps the referent's type; embedded
// references stringify.
func substituteString(s string, task *Task) (interface{}, error) {
	matches := referencePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string reference: preserve the referent's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return resolveReference(s[matches[0][2]:matches[0][3]], task)
	}

	result := referencePattern.ReplaceAllStringFunc(s, func(match string) string {
		ref := match[2 : len(match)-1]
		value, err := resolveReference(ref, task)
		if err != nil {
			return match // surfaced below
		}
		return fmt.Sprintf("%v", value)
	})

	// Re-check for unresolved references left behind by errors.
	if strings.Contains(result, "${") {
		for _, idx := range matches {
			ref := s[idx[2]:idx[3]]
			if _, err := resolveReference(ref, task); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// resolveReference resolves one reference body:
//   - trigger_event.<path> reads from task.metadata.trigger_event
//   - <step_id>.outputs.<path> reads a prior step's recorded outputs
func resolveReference(ref string, task *Task) (interface{}, error) {
	if path, ok := strings.CutPrefix(ref, "trigger_event."); ok {
		event, exists := task.Metadata[MetadataKeyTriggerEvent]
		if !exists {
			return nil, fmt.Errorf("reference %q: no trigger event on task: %w", ref, core.ErrInputInvalid)
		}
		value, err := lookupPath(event, path)
		if err != nil {
			return nil, fmt.Errorf("reference %q: %v: %w", ref, err, core.ErrInputInvalid)
		}
		return value, nil
	}

	stepID, path, found := strings.Cut(ref, ".outputs.")
	if !found {
		return nil, fmt.Errorf("reference %q is not <step_id>.outputs.<field> or trigger_event.<path>: %w", ref, core.ErrInputInvalid)
	}
	source := task.Step(stepID)
	if source == nil {
		return nil, fmt.Errorf("reference %q: unknown step %q: %w", ref, stepID, core.ErrInputInvalid)
	}
	if source.Outputs == nil {
		return nil, fmt.Errorf("reference %q: step %q has no recorded outputs: %w", ref, stepID, core.ErrInputInvalid)
	}
	value, err := lookupPath(map[string]interface{}(source.Outputs), path)
	if err != nil {
		return nil, fmt.Errorf("reference %q: %v: %w", ref, err, core.ErrInputInvalid)
	}
	return value, nil
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(value interface{}, path string) (interface{}, error) {
	current := value
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("path %q: %T is not an object", path, current)
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("path %q: field %q not found", path, part)
		}
	}
	return current, nil
}
