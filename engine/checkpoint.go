// This file implements the checkpoint coordinator: typed human-in-the-
// loop gates consulted before a gated step is dispatched, learned-
// preference auto-approval, resolution of pending gates, and the
// background expiry sweep.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helmsman-ai/helmsman/core"
	"github.com/helmsman-ai/helmsman/telemetry"
)

// ApprovalType labels a checkpoint's approval mode. It is carried on the
// gate config but the coordinator does not branch on it: auto-approval
// depends only on the preference key and the stored preference, and every
// pending gate expires after its timeout, whatever the type.
type ApprovalType string

const (
	ApprovalExplicit ApprovalType = "explicit"
	ApprovalTimeout  ApprovalType = "timeout"
	ApprovalAuto     ApprovalType = "auto"
)

// CheckpointType selects the gate's interaction shape.
type CheckpointType string

const (
	CheckpointApproval CheckpointType = "approval" // Binary approve/reject (default)
	CheckpointInput    CheckpointType = "input"    // Collect structured user input
	CheckpointModify   CheckpointType = "modify"   // Allow modification of step inputs
	CheckpointSelect   CheckpointType = "select"   // Choose from alternatives
	CheckpointQA       CheckpointType = "qa"       // Answer specific questions
)

// CheckpointDecision tracks the lifecycle of one pending gate.
// Terminal decisions are final: pending → {approved, rejected,
// auto_approved, expired}.
type CheckpointDecision string

const (
	DecisionPending      CheckpointDecision = "pending"
	DecisionApproved     CheckpointDecision = "approved"
	DecisionRejected     CheckpointDecision = "rejected"
	DecisionAutoApproved CheckpointDecision = "auto_approved"
	DecisionExpired      CheckpointDecision = "expired"
)

// IsTerminal reports whether the decision admits no further transitions.
func (d CheckpointDecision) IsTerminal() bool {
	return d != DecisionPending
}

// CheckpointConfig is the per-step gate configuration.
type CheckpointConfig struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// PreviewFields whitelists the step-input fields shown to the user.
	PreviewFields []string `json:"preview_fields,omitempty"`

	ApprovalType   ApprovalType `json:"approval_type,omitempty"`
	TimeoutMinutes int          `json:"timeout_minutes,omitempty"` // default 2880 (48h)

	// PreferenceKey enables auto-approval lookups.
	PreferenceKey string `json:"preference_key,omitempty"`

	// LearnPreference records explicit decisions into the preference
	// store so matching future checkpoints can auto-approve.
	LearnPreference bool `json:"learn_preference,omitempty"`

	Type CheckpointType `json:"checkpoint_type,omitempty"`

	// Type-specific schema
	InputSchema      map[string]interface{}   `json:"input_schema,omitempty"`      // input
	ModifiableFields []string                 `json:"modifiable_fields,omitempty"` // modify
	Alternatives     []map[string]interface{} `json:"alternatives,omitempty"`      // select
	Questions        []string                 `json:"questions,omitempty"`         // qa

	// ContextData is free-form material shown to the user.
	ContextData map[string]interface{} `json:"context_data,omitempty"`
}

// Clone returns a deep copy of the config.
func (c *CheckpointConfig) Clone() *CheckpointConfig {
	clone := *c
	clone.PreviewFields = append([]string(nil), c.PreviewFields...)
	clone.ModifiableFields = append([]string(nil), c.ModifiableFields...)
	clone.Questions = append([]string(nil), c.Questions...)
	clone.InputSchema = cloneMap(c.InputSchema)
	clone.ContextData = cloneMap(c.ContextData)
	if c.Alternatives != nil {
		clone.Alternatives = make([]map[string]interface{}, len(c.Alternatives))
		for i, alt := range c.Alternatives {
			clone.Alternatives[i] = cloneMap(alt)
		}
	}
	return &clone
}

// EffectiveType returns the gate type, defaulting to approval.
func (c *CheckpointConfig) EffectiveType() CheckpointType {
	if c.Type == "" {
		return CheckpointApproval
	}
	return c.Type
}

// CheckpointState is one pending or decided gate, owned by its task.
type CheckpointState struct {
	ID             string         `json:"id"`
	PlanID         string         `json:"plan_id"` // owning task id
	StepID         string         `json:"step_id"`
	UserID         string         `json:"user_id"`
	CheckpointName string         `json:"checkpoint_name"`
	Type           CheckpointType `json:"checkpoint_type"`

	Decision    CheckpointDecision     `json:"decision"`
	PreviewData map[string]interface{} `json:"preview_data,omitempty"`

	// Typed responses, populated by Resolve
	ResponseInputs         map[string]interface{} `json:"response_inputs,omitempty"`
	ResponseModifiedInputs map[string]interface{} `json:"response_modified_inputs,omitempty"`
	ResponseSelected       *int                   `json:"response_selected_alternative,omitempty"`
	ResponseAnswers        map[string]string      `json:"response_answers,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`

	DecidedBy string `json:"decided_by,omitempty"`
	Feedback  string `json:"feedback,omitempty"`

	// Auto-approval provenance
	PreferenceUsed string  `json:"preference_used,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
}

// CheckpointResponse is a user's typed answer to a pending gate.
type CheckpointResponse struct {
	Inputs              map[string]interface{} `json:"inputs,omitempty"`               // input
	ModifiedInputs      map[string]interface{} `json:"modified_inputs,omitempty"`      // modify
	SelectedAlternative *int                   `json:"selected_alternative,omitempty"` // select
	Answers             map[string]string      `json:"answers,omitempty"`              // qa
}

// CheckpointFilter narrows ListPending queries.
type CheckpointFilter struct {
	UserID string
	PlanID string
	Limit  int
}

// CheckpointStore persists checkpoint state. Implemented by
// RedisCheckpointStore.
type CheckpointStore interface {
	// Save persists a new checkpoint state.
	Save(ctx context.Context, state *CheckpointState) error

	// Get returns the gate for (plan, step) or core.ErrCheckpointNotFound.
	Get(ctx context.Context, planID, stepID string) (*CheckpointState, error)

	// Update rewrites a gate. Transitioning out of a terminal decision
	// is rejected with core.ErrCheckpointDecided.
	Update(ctx context.Context, state *CheckpointState) error

	// ListPending returns gates with decision=pending matching the filter.
	ListPending(ctx context.Context, filter CheckpointFilter) ([]*CheckpointState, error)

	// ListExpired returns pending gates whose expires_at is before the
	// given instant.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*CheckpointState, error)

	// DeleteForTask removes all gates owned by a task.
	DeleteForTask(ctx context.Context, planID string) error
}

// GateResult is the coordinator's verdict for a gated step.
type GateResult struct {
	// Proceed is true when the step may be dispatched now (no gate
	// configured, or auto-approved).
	Proceed bool

	// State is the recorded checkpoint, set for both auto-approvals
	// and suspensions.
	State *CheckpointState
}

// CheckpointCoordinator implements human-gated step dispatch.
type CheckpointCoordinator struct {
	store    CheckpointStore
	prefs    PreferenceStore
	tasks    TaskStore
	notifier Notifier
	settings CheckpointSettings
	logger   core.Logger

	// Expiry sweep lifecycle
	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewCheckpointCoordinator creates a coordinator. The notifier may be
// nil; notification is best-effort either way.
func NewCheckpointCoordinator(store CheckpointStore, prefs PreferenceStore, tasks TaskStore, notifier Notifier, settings CheckpointSettings, logger core.Logger) *CheckpointCoordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/checkpoint")
	}
	if settings.DefaultTimeoutMinutes <= 0 {
		settings.DefaultTimeoutMinutes = 2880
	}
	if settings.AutoApprovalThreshold <= 0 {
		settings.AutoApprovalThreshold = 0.9
	}
	if settings.ExpiryBatchSize <= 0 {
		settings.ExpiryBatchSize = 100
	}
	return &CheckpointCoordinator{
		store:    store,
		prefs:    prefs,
		tasks:    tasks,
		notifier: notifier,
		settings: settings,
		logger:   logger,
	}
}

// Gate is consulted before a step with checkpoint_required would be
// dispatched. It either auto-approves (Proceed=true) or suspends the
// step and task at the gate (Proceed=false).
func (c *CheckpointCoordinator) Gate(ctx context.Context, task *Task, step *Step) (*GateResult, error) {
	config := step.CheckpointConfig
	if config == nil {
		config = &CheckpointConfig{Name: step.Name}
	}

	// A step that was already gated does not gate twice: an approved
	// or auto-approved record satisfies the gate for this dispatch; a
	// pending record keeps the step suspended.
	if existing, err := c.store.Get(ctx, task.ID, step.ID); err == nil {
		switch existing.Decision {
		case DecisionApproved, DecisionAutoApproved:
			return &GateResult{Proceed: true, State: existing}, nil
		case DecisionPending:
			return &GateResult{Proceed: false, State: existing}, nil
		}
	}

	preview := c.buildPreview(step, config)

	// Auto-approval via learned preferences. Preference store errors
	// are non-fatal: the checkpoint proceeds as an explicit gate.
	if config.PreferenceKey != "" && c.prefs != nil {
		pref, err := c.prefs.Query(ctx, task.UserID, config.PreferenceKey, preview)
		if err != nil {
			c.logger.WarnWithContext(ctx, "Preference lookup failed, falling back to explicit gate", map[string]interface{}{
				"task_id":        task.ID,
				"step_id":        step.ID,
				"preference_key": config.PreferenceKey,
				"error":          err.Error(),
			})
		} else if pref != nil && pref.Decision == "approved" && pref.Confidence >= c.settings.AutoApprovalThreshold {
			return c.autoApprove(ctx, task, step, config, preview, pref)
		}
	}

	// Explicit gate: record a pending checkpoint and suspend.
	now := time.Now().UTC()
	timeoutMinutes := config.TimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = c.settings.DefaultTimeoutMinutes
	}
	state := &CheckpointState{
		ID:             uuid.New().String(),
		PlanID:         task.ID,
		StepID:         step.ID,
		UserID:         task.UserID,
		CheckpointName: config.Name,
		Type:           config.EffectiveType(),
		Decision:       DecisionPending,
		PreviewData:    preview,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(timeoutMinutes) * time.Minute),
	}
	if err := c.store.Save(ctx, state); err != nil {
		return nil, err
	}

	stepStatus := StepCheckpoint
	if _, err := c.tasks.UpdateStep(ctx, task.ID, step.ID, &StepPatch{Status: &stepStatus}); err != nil {
		return nil, err
	}
	taskStatus := TaskCheckpoint
	if _, err := c.tasks.UpdateTask(ctx, task.ID, &TaskPatch{Status: &taskStatus}); err != nil {
		return nil, err
	}

	// Best-effort notification; failure does not block gating.
	if c.notifier != nil {
		if err := c.notifier.NotifyCheckpoint(ctx, state); err != nil {
			c.logger.WarnWithContext(ctx, "Checkpoint notification failed", map[string]interface{}{
				"task_id": task.ID,
				"step_id": step.ID,
				"error":   err.Error(),
			})
		}
	}

	telemetry.Counter("engine.checkpoint.gated",
		"checkpoint_type", string(state.Type),
		"module", telemetry.ModuleCheckpoint,
	)
	telemetry.AddSpanEvent(ctx, "checkpoint_gated",
		attribute.String("task_id", task.ID),
		attribute.String("step_id", step.ID),
		attribute.String("checkpoint_type", string(state.Type)),
	)
	c.logger.InfoWithContext(ctx, "Step suspended at checkpoint", map[string]interface{}{
		"task_id":         task.ID,
		"step_id":         step.ID,
		"checkpoint_name": state.CheckpointName,
		"checkpoint_type": string(state.Type),
		"expires_at":      state.ExpiresAt,
	})
	return &GateResult{Proceed: false, State: state}, nil
}

func (c *CheckpointCoordinator) autoApprove(ctx context.Context, task *Task, step *Step, config *CheckpointConfig, preview map[string]interface{}, pref *Preference) (*GateResult, error) {
	now := time.Now().UTC()
	state := &CheckpointState{
		ID:             uuid.New().String(),
		PlanID:         task.ID,
		StepID:         step.ID,
		UserID:         task.UserID,
		CheckpointName: config.Name,
		Type:           config.EffectiveType(),
		Decision:       DecisionAutoApproved,
		PreviewData:    preview,
		CreatedAt:      now,
		DecidedAt:      &now,
		ExpiresAt:      now,
		PreferenceUsed: pref.ID,
		Confidence:     pref.Confidence,
	}
	if err := c.store.Save(ctx, state); err != nil {
		return nil, err
	}
	if err := c.prefs.IncrementUsage(ctx, task.UserID, config.PreferenceKey); err != nil {
		c.logger.WarnWithContext(ctx, "Preference usage increment failed", map[string]interface{}{
			"preference_key": config.PreferenceKey,
			"error":          err.Error(),
		})
	}

	telemetry.Counter("engine.checkpoint.auto_approved",
		"module", telemetry.ModuleCheckpoint,
	)
	c.logger.InfoWithContext(ctx, "Checkpoint auto-approved from preference", map[string]interface{}{
		"task_id":        task.ID,
		"step_id":        step.ID,
		"preference_key": config.PreferenceKey,
		"confidence":     pref.Confidence,
		"usage_count":    pref.UsageCount + 1,
	})
	return &GateResult{Proceed: true, State: state}, nil
}

// Approve resolves a pending approval gate. The gated step returns to
// pending and the task to executing; the next orchestrator cycle
// dispatches it. A second resolution of the same gate returns
// core.ErrCheckpointDecided without altering state.
func (c *CheckpointCoordinator) Approve(ctx context.Context, planID, stepID, userID, feedback string) error {
	state, step, err := c.loadPendingGate(ctx, planID, stepID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	state.Decision = DecisionApproved
	state.DecidedAt = &now
	state.DecidedBy = userID
	state.Feedback = feedback
	if err := c.store.Update(ctx, state); err != nil {
		return err
	}

	if err := c.resumeStep(ctx, planID, stepID); err != nil {
		return err
	}

	c.learnDecision(ctx, planID, userID, step, state, "approved")
	c.logger.InfoWithContext(ctx, "Checkpoint approved", map[string]interface{}{
		"task_id":    planID,
		"step_id":    stepID,
		"decided_by": userID,
	})
	return nil
}

// Reject resolves a pending gate negatively: the step fails with the
// rejection reason and the task fails.
func (c *CheckpointCoordinator) Reject(ctx context.Context, planID, stepID, userID, reason string) error {
	state, step, err := c.loadPendingGate(ctx, planID, stepID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	state.Decision = DecisionRejected
	state.DecidedAt = &now
	state.DecidedBy = userID
	state.Feedback = reason
	if err := c.store.Update(ctx, state); err != nil {
		return err
	}

	stepStatus := StepFailed
	errMsg := fmt.Sprintf("Rejected by user: %s", reason)
	if _, err := c.tasks.UpdateStep(ctx, planID, stepID, &StepPatch{
		Status:       &stepStatus,
		ErrorMessage: &errMsg,
		CompletedAt:  &now,
	}); err != nil {
		return err
	}
	taskStatus := TaskFailed
	if _, err := c.tasks.UpdateTask(ctx, planID, &TaskPatch{Status: &taskStatus}); err != nil {
		return err
	}

	c.learnDecision(ctx, planID, userID, step, state, "rejected")
	telemetry.Counter("engine.checkpoint.rejected",
		"module", telemetry.ModuleCheckpoint,
	)
	c.logger.InfoWithContext(ctx, "Checkpoint rejected", map[string]interface{}{
		"task_id":    planID,
		"step_id":    stepID,
		"decided_by": userID,
		"reason":     reason,
	})
	return nil
}

// Resolve handles typed checkpoints (input / modify / select / qa).
// Response validation failures return core.ErrValidationFailed and
// leave all state unchanged.
func (c *CheckpointCoordinator) Resolve(ctx context.Context, planID, stepID, userID string, response *CheckpointResponse) error {
	state, step, err := c.loadPendingGate(ctx, planID, stepID)
	if err != nil {
		return err
	}
	config := step.CheckpointConfig
	if config == nil {
		config = &CheckpointConfig{}
	}

	stepPatch := &StepPatch{}
	switch state.Type {
	case CheckpointInput:
		if err := c.validateInputResponse(config, response); err != nil {
			return err
		}
		state.ResponseInputs = response.Inputs
		stepPatch.CheckpointInputs = response.Inputs

	case CheckpointModify:
		if err := c.validateModifyResponse(config, response); err != nil {
			return err
		}
		state.ResponseModifiedInputs = response.ModifiedInputs
		stepPatch.InputsOverride = response.ModifiedInputs

	case CheckpointSelect:
		if err := c.validateSelectResponse(config, response); err != nil {
			return err
		}
		state.ResponseSelected = response.SelectedAlternative
		chosen := config.Alternatives[*response.SelectedAlternative]
		stepPatch.CheckpointInputs = map[string]interface{}{
			"selected_alternative": *response.SelectedAlternative,
			"selection":            chosen,
		}

	case CheckpointQA:
		if err := c.validateQAResponse(config, response); err != nil {
			return err
		}
		state.ResponseAnswers = response.Answers
		answers := make(map[string]interface{}, len(response.Answers))
		for q, a := range response.Answers {
			answers[q] = a
		}
		stepPatch.CheckpointInputs = map[string]interface{}{"answers": answers}

	default:
		// Plain approval checkpoints resolve through Approve.
		return fmt.Errorf("checkpoint %s/%s is type %s, use Approve: %w", planID, stepID, state.Type, core.ErrValidationFailed)
	}

	now := time.Now().UTC()
	state.Decision = DecisionApproved
	state.DecidedAt = &now
	state.DecidedBy = userID
	if err := c.store.Update(ctx, state); err != nil {
		return err
	}

	if _, err := c.tasks.UpdateStep(ctx, planID, stepID, stepPatch); err != nil {
		return err
	}
	if err := c.resumeStep(ctx, planID, stepID); err != nil {
		return err
	}

	telemetry.Counter("engine.checkpoint.resolved",
		"checkpoint_type", string(state.Type),
		"module", telemetry.ModuleCheckpoint,
	)
	c.logger.InfoWithContext(ctx, "Checkpoint resolved", map[string]interface{}{
		"task_id":         planID,
		"step_id":         stepID,
		"checkpoint_type": string(state.Type),
		"decided_by":      userID,
	})
	return nil
}

// ListPending returns pending gates, optionally filtered by user or task.
func (c *CheckpointCoordinator) ListPending(ctx context.Context, filter CheckpointFilter) ([]*CheckpointState, error) {
	return c.store.ListPending(ctx, filter)
}

// DeleteForTask removes all checkpoint state owned by a task. Called
// when the task is deleted.
func (c *CheckpointCoordinator) DeleteForTask(ctx context.Context, planID string) error {
	return c.store.DeleteForTask(ctx, planID)
}

// ExpireSweep reclassifies pending checkpoints past expires_at. The
// gated step fails and the task fails. Returns the number expired.
func (c *CheckpointCoordinator) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := c.store.ListExpired(ctx, time.Now().UTC(), c.settings.ExpiryBatchSize)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, state := range expired {
		now := time.Now().UTC()
		state.Decision = DecisionExpired
		state.DecidedAt = &now
		if err := c.store.Update(ctx, state); err != nil {
			// Another sweep instance may have claimed it; skip.
			c.logger.DebugWithContext(ctx, "Expired checkpoint already claimed", map[string]interface{}{
				"task_id": state.PlanID,
				"step_id": state.StepID,
			})
			continue
		}

		stepStatus := StepFailed
		errMsg := "Checkpoint expired without approval"
		if _, err := c.tasks.UpdateStep(ctx, state.PlanID, state.StepID, &StepPatch{
			Status:       &stepStatus,
			ErrorMessage: &errMsg,
			CompletedAt:  &now,
		}); err != nil {
			c.logger.WarnWithContext(ctx, "Failed to fail step for expired checkpoint", map[string]interface{}{
				"task_id": state.PlanID,
				"step_id": state.StepID,
				"error":   err.Error(),
			})
			continue
		}
		taskStatus := TaskFailed
		if _, err := c.tasks.UpdateTask(ctx, state.PlanID, &TaskPatch{Status: &taskStatus}); err != nil {
			c.logger.WarnWithContext(ctx, "Failed to fail task for expired checkpoint", map[string]interface{}{
				"task_id": state.PlanID,
				"error":   err.Error(),
			})
		}
		count++

		telemetry.Counter("engine.checkpoint.expired",
			"module", telemetry.ModuleCheckpoint,
		)
		c.logger.InfoWithContext(ctx, "Checkpoint expired", map[string]interface{}{
			"task_id":    state.PlanID,
			"step_id":    state.StepID,
			"expired_at": state.ExpiresAt,
		})
	}
	return count, nil
}

// StartExpiryProcessor runs ExpireSweep on a timer until the context
// is cancelled or StopExpiryProcessor is called.
func (c *CheckpointCoordinator) StartExpiryProcessor(ctx context.Context) error {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.sweepCancel != nil {
		return core.ErrAlreadyStarted
	}

	interval := c.settings.ExpiryScanInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	c.sweepCancel = cancel
	c.sweepDone = make(chan struct{})

	go func() {
		defer close(c.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if _, err := c.ExpireSweep(sweepCtx); err != nil {
					c.logger.Warn("Expiry sweep failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}
		}
	}()
	return nil
}

// StopExpiryProcessor stops the background sweep and waits for it.
func (c *CheckpointCoordinator) StopExpiryProcessor() {
	c.sweepMu.Lock()
	cancel := c.sweepCancel
	done := c.sweepDone
	c.sweepCancel = nil
	c.sweepDone = nil
	c.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// loadPendingGate loads the gate and its step, enforcing that the gate
// is still pending.
func (c *CheckpointCoordinator) loadPendingGate(ctx context.Context, planID, stepID string) (*CheckpointState, *Step, error) {
	state, err := c.store.Get(ctx, planID, stepID)
	if err != nil {
		return nil, nil, err
	}
	if state.Decision.IsTerminal() {
		return nil, nil, fmt.Errorf("checkpoint %s/%s already %s: %w", planID, stepID, state.Decision, core.ErrCheckpointDecided)
	}
	task, err := c.tasks.GetTask(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	step := task.Step(stepID)
	if step == nil {
		return nil, nil, fmt.Errorf("checkpoint %s/%s: %w", planID, stepID, core.ErrStepNotFound)
	}
	return state, step, nil
}

// resumeStep returns a gated step to pending and the task to
// executing so the next cycle dispatches it.
func (c *CheckpointCoordinator) resumeStep(ctx context.Context, planID, stepID string) error {
	stepStatus := StepPending
	if _, err := c.tasks.UpdateStep(ctx, planID, stepID, &StepPatch{Status: &stepStatus}); err != nil {
		return err
	}
	taskStatus := TaskExecuting
	_, err := c.tasks.UpdateTask(ctx, planID, &TaskPatch{Status: &taskStatus})
	return err
}

// learnDecision records an explicit decision as a preference when the
// config opted in. Failures are non-fatal.
func (c *CheckpointCoordinator) learnDecision(ctx context.Context, planID, userID string, step *Step, state *CheckpointState, decision string) {
	config := step.CheckpointConfig
	if config == nil || !config.LearnPreference || config.PreferenceKey == "" || c.prefs == nil {
		return
	}
	pattern := map[string]interface{}{
		"agent_type": step.AgentType,
	}
	if _, err := c.prefs.RecordDecision(ctx, userID, config.PreferenceKey, pattern, decision); err != nil {
		c.logger.WarnWithContext(ctx, "Preference learning failed", map[string]interface{}{
			"task_id":        planID,
			"preference_key": config.PreferenceKey,
			"error":          err.Error(),
		})
	}
}

// buildPreview assembles the context shown to the user and matched
// against preferences: agent type, step name, and whitelisted inputs.
func (c *CheckpointCoordinator) buildPreview(step *Step, config *CheckpointConfig) map[string]interface{} {
	preview := map[string]interface{}{
		"agent_type": step.AgentType,
		"step_name":  step.Name,
	}
	for _, field := range config.PreviewFields {
		if v, ok := step.Inputs[field]; ok {
			preview[field] = v
		}
	}
	return preview
}

func (c *CheckpointCoordinator) validateInputResponse(config *CheckpointConfig, response *CheckpointResponse) error {
	if response == nil || response.Inputs == nil {
		return fmt.Errorf("input checkpoint requires inputs: %w", core.ErrValidationFailed)
	}
	if config.InputSchema == nil {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(config.InputSchema),
		gojsonschema.NewGoLoader(response.Inputs),
	)
	if err != nil {
		return fmt.Errorf("input schema evaluation: %v: %w", err, core.ErrValidationFailed)
	}
	if !result.Valid() {
		return fmt.Errorf("checkpoint inputs: %s: %w", formatSchemaErrors(result), core.ErrValidationFailed)
	}
	return nil
}

func (c *CheckpointCoordinator) validateModifyResponse(config *CheckpointConfig, response *CheckpointResponse) error {
	if response == nil || len(response.ModifiedInputs) == 0 {
		return fmt.Errorf("modify checkpoint requires modified_inputs: %w", core.ErrValidationFailed)
	}
	allowed := make(map[string]bool, len(config.ModifiableFields))
	for _, f := range config.ModifiableFields {
		allowed[f] = true
	}
	for key := range response.ModifiedInputs {
		if !allowed[key] {
			return fmt.Errorf("field %q is not modifiable: %w", key, core.ErrValidationFailed)
		}
	}
	return nil
}

func (c *CheckpointCoordinator) validateSelectResponse(config *CheckpointConfig, response *CheckpointResponse) error {
	if response == nil || response.SelectedAlternative == nil {
		return fmt.Errorf("select checkpoint requires selected_alternative: %w", core.ErrValidationFailed)
	}
	idx := *response.SelectedAlternative
	if idx < 0 || idx >= len(config.Alternatives) {
		return fmt.Errorf("selected_alternative %d out of range [0,%d): %w", idx, len(config.Alternatives), core.ErrValidationFailed)
	}
	return nil
}

func (c *CheckpointCoordinator) validateQAResponse(config *CheckpointConfig, response *CheckpointResponse) error {
	if response == nil || response.Answers == nil {
		return fmt.Errorf("qa checkpoint requires answers: %w", core.ErrValidationFailed)
	}
	for _, question := range config.Questions {
		if answer, ok := response.Answers[question]; !ok || answer == "" {
			return fmt.Errorf("question %q is unanswered: %w", question, core.ErrValidationFailed)
		}
	}
	return nil
}
