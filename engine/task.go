// Package engine implements the Helmsman autonomous task execution engine:
// the task document model, DAG scheduling, parallel step execution,
// checkpoint coordination, failure recovery, and trigger bindings.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-ai/helmsman/core"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPlanning   TaskStatus = "planning"   // Task is being planned
	TaskReady      TaskStatus = "ready"      // Task ready to execute
	TaskExecuting  TaskStatus = "executing"  // Task is running
	TaskPaused     TaskStatus = "paused"     // Manually paused
	TaskCheckpoint TaskStatus = "checkpoint" // Waiting for human approval
	TaskCompleted  TaskStatus = "completed"  // Successfully completed
	TaskFailed     TaskStatus = "failed"     // Failed with error
	TaskCancelled  TaskStatus = "cancelled"  // Cancelled by user
	TaskSuperseded TaskStatus = "superseded" // Replaced by a newer version via replan
)

// IsTerminal reports whether the status admits no further transitions.
// A superseded task is immutable except for its superseded_by pointer.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSuperseded:
		return true
	}
	return false
}

// StepStatus represents the execution state of a single step
type StepStatus string

const (
	StepPending    StepStatus = "pending"    // Not yet started
	StepRunning    StepStatus = "running"    // Currently executing
	StepDone       StepStatus = "done"       // Successfully completed
	StepFailed     StepStatus = "failed"     // Failed with error
	StepCheckpoint StepStatus = "checkpoint" // Waiting for approval
	StepSkipped    StepStatus = "skipped"    // Skipped (non-critical failure or rejection)
	StepExpanded   StepStatus = "expanded"   // Replaced by a dynamic fan-out group
)

// IsTerminal reports whether the step status admits no further transitions.
// Checkpoint is NOT terminal: an approved checkpoint returns the step to pending.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepDone, StepFailed, StepSkipped, StepExpanded:
		return true
	}
	return false
}

// CountsAsCompleted reports whether a step in this status satisfies
// dependency edges. Expanded steps count: their work continues in the
// fan-out group that replaced them.
func (s StepStatus) CountsAsCompleted() bool {
	return s == StepDone || s == StepSkipped || s == StepExpanded
}

// FailurePolicy governs a parallel group's collective reaction to a
// member failing.
type FailurePolicy string

const (
	FailurePolicyAllOrNothing FailurePolicy = "all_or_nothing" // Fail entire group if any step fails
	FailurePolicyBestEffort   FailurePolicy = "best_effort"    // Continue with partial results
	FailurePolicyFailFast     FailurePolicy = "fail_fast"      // Cancel remaining siblings on first failure
)

// FallbackOption is one alternative binding for a failed step. Options
// are consumed left-to-right by the failure controller.
type FallbackOption struct {
	Model    string `json:"model,omitempty"`
	API      string `json:"api,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// FallbackConfig holds ordered alternatives for a step plus the opt-in
// that allows retrying non-idempotent handlers.
type FallbackConfig struct {
	Options []FallbackOption `json:"options"`

	// NextIndex is the next unconsumed option. Persisted so fallback
	// progress survives orchestrator restarts.
	NextIndex int `json:"next_index"`

	// RetrySafe opts a non-idempotent handler into retry/fallback
	// re-dispatch. Without it the failure controller never re-invokes
	// a handler that declared non-idempotent side effects.
	RetrySafe bool `json:"retry_safe,omitempty"`
}

// Exhausted reports whether every fallback option has been consumed.
func (f *FallbackConfig) Exhausted() bool {
	return f == nil || f.NextIndex >= len(f.Options)
}

// Step is a node in a task's DAG bound to a capability.
type Step struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Capability binding
	AgentType string                 `json:"agent_type"`
	Domain    string                 `json:"domain,omitempty"`
	Inputs    map[string]interface{} `json:"inputs,omitempty"`

	// DeclaredOutputs documents the fields the step is expected to
	// produce. Actual outputs are recorded in Outputs on completion.
	DeclaredOutputs map[string]interface{} `json:"declared_outputs,omitempty"`
	Outputs         map[string]interface{} `json:"outputs,omitempty"`

	// InputsOverride is applied on top of Inputs at materialization
	// time. Written by MODIFY checkpoint resolutions.
	InputsOverride map[string]interface{} `json:"inputs_override,omitempty"`

	// CheckpointInputs holds user-supplied fields from an INPUT
	// checkpoint resolution, merged into the step's inputs.
	CheckpointInputs map[string]interface{} `json:"checkpoint_inputs,omitempty"`

	// Graph position
	Dependencies  []string `json:"dependencies,omitempty"`
	ParallelGroup string   `json:"parallel_group,omitempty"`

	// Execution policy
	IsCritical    bool          `json:"is_critical"`
	MaxRetries    int           `json:"max_retries"`
	RetryCount    int           `json:"retry_count"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`

	// Recovery
	FallbackConfig *FallbackConfig `json:"fallback_config,omitempty"`

	// Checkpoint binding
	CheckpointRequired bool              `json:"checkpoint_required,omitempty"`
	CheckpointConfig   *CheckpointConfig `json:"checkpoint_config,omitempty"`

	// State
	Status       StepStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// ExecutionTime is the handler wall-clock duration in seconds.
	ExecutionTime float64 `json:"execution_time,omitempty"`
}

// NewStep creates a step with engine defaults applied.
func NewStep(id, name, agentType string) *Step {
	return &Step{
		ID:         id,
		Name:       name,
		AgentType:  agentType,
		IsCritical: true,
		MaxRetries: 3,
		Status:     StepPending,
	}
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	clone := *s
	clone.Inputs = cloneMap(s.Inputs)
	clone.DeclaredOutputs = cloneMap(s.DeclaredOutputs)
	clone.Outputs = cloneMap(s.Outputs)
	clone.InputsOverride = cloneMap(s.InputsOverride)
	clone.CheckpointInputs = cloneMap(s.CheckpointInputs)
	clone.Dependencies = append([]string(nil), s.Dependencies...)
	if s.FallbackConfig != nil {
		fc := *s.FallbackConfig
		fc.Options = append([]FallbackOption(nil), s.FallbackConfig.Options...)
		clone.FallbackConfig = &fc
	}
	if s.CheckpointConfig != nil {
		clone.CheckpointConfig = s.CheckpointConfig.Clone()
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		clone.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// Finding is an append-only observation record associated with a task.
// Findings are the only channel by which handler output survives beyond
// a single step when not explicitly consumed by a dependent.
type Finding struct {
	ID        string    `json:"id"`
	StepID    string    `json:"step_id"`
	Type      string    `json:"type"` // agent_type of producer, or engine types "replan" / "warning"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewFinding creates a finding with a fresh id and current timestamp.
func NewFinding(stepID, findingType, content string) Finding {
	return Finding{
		ID:        uuid.New().String(),
		StepID:    stepID,
		Type:      findingType,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Engine-produced finding types. Handler findings use the producing
// step's agent_type.
const (
	FindingTypeReplan  = "replan"
	FindingTypeWarning = "warning"
)

// Task is the source of truth for one execution: a durable plan plus
// its execution state. Steps reference each other only by id; the
// version chain (ParentTaskID, SupersededBy) is a singly-linked
// immutable history.
type Task struct {
	ID      string `json:"id"`
	Version int    `json:"version"`

	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`

	Goal            string                 `json:"goal"`
	Constraints     map[string]interface{} `json:"constraints,omitempty"`
	SuccessCriteria []string               `json:"success_criteria,omitempty"`

	Status TaskStatus `json:"status"`

	// CurrentStepIndex is an advisory cursor. True readiness is always
	// computed from step statuses, never from this field.
	CurrentStepIndex int `json:"current_step_index"`

	// MaxParallelSteps caps simultaneous step executions (default 5).
	MaxParallelSteps int `json:"max_parallel_steps"`

	// TreeID identifies the execution-tree projection for observers.
	TreeID string `json:"tree_id,omitempty"`

	// Version lineage
	ParentTaskID string `json:"parent_task_id,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Steps               []*Step   `json:"steps"`
	AccumulatedFindings []Finding `json:"accumulated_findings,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Revision is the internal optimistic-concurrency counter. It is a
	// store implementation detail and never part of lineage versioning.
	Revision int64 `json:"revision"`
}

// DefaultMaxParallelSteps caps simultaneous step executions per task.
const DefaultMaxParallelSteps = 5

// NewTask creates a task with engine defaults applied.
func NewTask(userID, goal string) *Task {
	now := time.Now().UTC()
	id := uuid.New().String()
	return &Task{
		ID:               id,
		Version:          1,
		UserID:           userID,
		Goal:             goal,
		Status:           TaskPlanning,
		MaxParallelSteps: DefaultMaxParallelSteps,
		TreeID:           id,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Step returns the step with the given id, or nil.
func (t *Task) Step(stepID string) *Step {
	for _, s := range t.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

// RunningCount returns the number of steps currently in running status.
func (t *Task) RunningCount() int {
	count := 0
	for _, s := range t.Steps {
		if s.Status == StepRunning {
			count++
		}
	}
	return count
}

// AllStepsSettled reports whether every step is in a terminal status.
func (t *Task) AllStepsSettled() bool {
	for _, s := range t.Steps {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the task with a fresh id, all steps
// reset to pending, and runtime state cleared. Used by the trigger
// binding to instantiate template tasks.
func (t *Task) Clone() *Task {
	now := time.Now().UTC()
	id := uuid.New().String()
	clone := &Task{
		ID:               id,
		Version:          1,
		UserID:           t.UserID,
		OrganizationID:   t.OrganizationID,
		Goal:             t.Goal,
		Constraints:      cloneMap(t.Constraints),
		SuccessCriteria:  append([]string(nil), t.SuccessCriteria...),
		Status:           TaskReady,
		MaxParallelSteps: t.MaxParallelSteps,
		TreeID:           id,
		Metadata:         cloneMap(t.Metadata),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, s := range t.Steps {
		sc := s.Clone()
		sc.Status = StepPending
		sc.Outputs = nil
		sc.RetryCount = 0
		sc.ErrorMessage = ""
		sc.StartedAt = nil
		sc.CompletedAt = nil
		sc.ExecutionTime = 0
		if sc.FallbackConfig != nil {
			sc.FallbackConfig.NextIndex = 0
		}
		clone.Steps = append(clone.Steps, sc)
	}
	return clone
}

// TaskPatch is a partial merge of top-level task fields. Nil pointer
// fields are left untouched by the store.
type TaskPatch struct {
	Status           *TaskStatus            `json:"status,omitempty"`
	CurrentStepIndex *int                   `json:"current_step_index,omitempty"`
	MaxParallelSteps *int                   `json:"max_parallel_steps,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	SupersededBy     *string                `json:"superseded_by,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// StepPatch is a partial merge of step fields. Nil pointer fields are
// left untouched by the store.
type StepPatch struct {
	Status           *StepStatus            `json:"status,omitempty"`
	Outputs          map[string]interface{} `json:"outputs,omitempty"`
	InputsOverride   map[string]interface{} `json:"inputs_override,omitempty"`
	CheckpointInputs map[string]interface{} `json:"checkpoint_inputs,omitempty"`
	Inputs           map[string]interface{} `json:"inputs,omitempty"`
	ErrorMessage     *string                `json:"error_message,omitempty"`
	RetryCount       *int                   `json:"retry_count,omitempty"`
	FallbackConfig   *FallbackConfig        `json:"fallback_config,omitempty"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	ExecutionTime    *float64               `json:"execution_time,omitempty"`
}

// ValidatePlan verifies a step list forms a valid plan: unique step ids,
// every dependency declared by an earlier step, and no cycles. Called
// at plan acceptance; a task with an invalid plan is never persisted.
func ValidatePlan(steps []*Step) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("step %q has no id: %w", s.Name, core.ErrInvalidPlan)
		}
		if seen[s.ID] {
			return fmt.Errorf("step id %q: %w", s.ID, core.ErrDuplicateStepID)
		}
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("step %q depends on %q which is not declared earlier: %w", s.ID, dep, core.ErrInvalidPlan)
			}
		}
		seen[s.ID] = true
	}

	// Forward declaration already rules out cycles, but a patched plan
	// may arrive with reordered steps; run the DAG check regardless.
	dag := NewTaskDAG()
	for _, s := range steps {
		dag.AddNode(s.ID, s.Dependencies)
	}
	return dag.Validate()
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	clone := make(map[string]interface{}, len(m))
	for k, v := range m {
		clone[k] = cloneValue(v)
	}
	return clone
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
