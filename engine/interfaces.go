package engine

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Planner produces and revises step plans. The engine treats it as an
// opaque external collaborator: it validates only structural
// correctness of what comes back, never semantic quality.
type Planner interface {
	// Plan turns a natural-language goal into an ordered step list
	// forming a valid DAG.
	Plan(ctx context.Context, goal string, constraints map[string]interface{}) ([]*Step, error)

	// Replan produces a revised step list after a structural failure.
	// The returned list mixes preserved steps (same ids, status done,
	// same outputs) with new or revised steps. The failure controller
	// enforces the preservation invariant on the result.
	Replan(ctx context.Context, original *Task, failed *Step, replanCtx *ReplanContext) ([]*Step, error)

	// SynthesizeInputs proposes corrected inputs for a step whose
	// failure is recoverable by modification (content filter,
	// recoverable validation errors).
	SynthesizeInputs(ctx context.Context, step *Step, stepErr *StepError) (map[string]interface{}, error)
}

// ReplanContext carries the diagnosis and preserved work handed to the
// planner when strategic replanning is needed.
type ReplanContext struct {
	Diagnosis         string                            `json:"diagnosis"`
	AffectedStepIDs   []string                          `json:"affected_step_ids"`
	CompletedOutputs  map[string]map[string]interface{} `json:"completed_outputs"`
	Constraints       map[string]interface{}            `json:"constraints,omitempty"`
	SuggestedApproach string                            `json:"suggested_approach,omitempty"`
}

// TaskStore provides durable persistence for tasks, steps, findings,
// and version lineage. All mutations are atomic per task; concurrent
// updaters race through optimistic versioning and the loser receives a
// conflict error (core.ErrConflict) and must reload and re-decide.
type TaskStore interface {
	// CreateTask persists a new task atomically. The plan is validated
	// (unique step ids, resolvable dependencies, no cycles) before any
	// write happens.
	CreateTask(ctx context.Context, task *Task) (string, error)

	// GetTask returns the task or core.ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTask applies a partial merge of top-level fields.
	UpdateTask(ctx context.Context, id string, patch *TaskPatch) (*Task, error)

	// UpdateStep applies a partial merge to one step. Writes to a step
	// whose status is already terminal are rejected with
	// core.ErrStepTerminal unless the task has been superseded.
	UpdateStep(ctx context.Context, taskID, stepID string, patch *StepPatch) (*Task, error)

	// AppendFinding appends to the task's finding log.
	AppendFinding(ctx context.Context, taskID string, finding Finding) error

	// ListByUser returns tasks owned by the user, optionally filtered
	// by status, newest first.
	ListByUser(ctx context.Context, userID string, status TaskStatus, limit int) ([]*Task, error)

	// VersionHistory returns the lineage chain by walking
	// parent_task_id, starting from the given task.
	VersionHistory(ctx context.Context, taskID string, limit int) ([]*Task, error)

	// DeleteTask removes the task document and its user-index entry.
	// Checkpoint state is not touched here; Orchestrator.DeleteTask
	// removes it.
	DeleteTask(ctx context.Context, id string) error
}

// Preference is a stored decision rule enabling auto-approval of
// future matching checkpoints. Preferences are organization-scoped and
// independent of task lifetime.
type Preference struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"user_id"`
	PreferenceKey  string                 `json:"preference_key"`
	ContextPattern map[string]interface{} `json:"context_pattern,omitempty"`
	Decision       string                 `json:"decision"` // approved or rejected
	Confidence     float64                `json:"confidence"`
	UsageCount     int                    `json:"usage_count"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// PreferenceStore records checkpoint decisions and answers
// auto-approval queries. Failures here are non-fatal: a checkpoint
// proceeds without auto-approval when the store is unavailable.
type PreferenceStore interface {
	// Query returns the preference matching (user, key, context), or
	// nil when no preference matches.
	Query(ctx context.Context, userID, preferenceKey string, checkpointContext map[string]interface{}) (*Preference, error)

	// RecordDecision folds an approval or rejection into the stored
	// preference for (user, key).
	RecordDecision(ctx context.Context, userID, preferenceKey string, contextPattern map[string]interface{}, decision string) (*Preference, error)

	// IncrementUsage bumps the usage counter after an auto-approval.
	IncrementUsage(ctx context.Context, userID, preferenceKey string) error
}

// NodeUpdate is one message on a task's execution-tree channel.
type NodeUpdate struct {
	NodeID          string     `json:"node_id"`
	Status          StepStatus `json:"status"`
	Name            string     `json:"name"`
	ResultSummary   string     `json:"result_summary,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`

	// Sequence orders updates within one tree. Monotonically
	// increasing per task; observers use it to detect gaps.
	Sequence int64 `json:"sequence"`
}

// ExecutionTree is the real-time per-step status projection for
// observers. It is derived state: it can always be rebuilt from the
// task document and findings. Publish failures are non-fatal.
type ExecutionTree interface {
	// Publish records a node update and fans it out to subscribers.
	// Called only after the corresponding durable write committed, so
	// observers never see a state the store would deny.
	Publish(ctx context.Context, treeID string, update NodeUpdate) error

	// Snapshot returns the latest known update per node.
	Snapshot(ctx context.Context, treeID string) (map[string]NodeUpdate, error)

	// Subscribe returns an ordered stream of node updates for a tree.
	// The returned cancel function releases the subscription.
	Subscribe(ctx context.Context, treeID string) (<-chan NodeUpdate, func(), error)

	// Rebuild reconstructs the projection from a task document.
	Rebuild(ctx context.Context, task *Task) error
}

// Notifier delivers checkpoint notifications to humans. Best-effort:
// a notification failure never blocks gating.
type Notifier interface {
	NotifyCheckpoint(ctx context.Context, state *CheckpointState) error
}

// =============================================================================
// Engine Configuration
// =============================================================================

// EngineConfig configures the orchestrator and its subsystems.
type EngineConfig struct {
	// Name identifies this engine instance in logs and telemetry.
	// Default: "helmsman" | Env: HELMSMAN_ENGINE_NAME
	Name string `yaml:"name" json:"name"`

	// MaxParallelSteps is the default per-task concurrency cap applied
	// to tasks that do not set their own.
	// Default: 5 | Env: HELMSMAN_MAX_PARALLEL_STEPS
	MaxParallelSteps int `yaml:"max_parallel_steps" json:"max_parallel_steps"`

	// GlobalMaxInFlight caps in-flight steps across all tasks. When
	// exceeded, new dispatches are deferred round-robin so no task
	// starves. Default: 32 | Env: HELMSMAN_GLOBAL_MAX_INFLIGHT
	GlobalMaxInFlight int `yaml:"global_max_in_flight" json:"global_max_in_flight"`

	// StepTimeout bounds a single handler invocation.
	// Default: 300s | Env: HELMSMAN_STEP_TIMEOUT
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout"`

	// CancelGracePeriod is how long a cancelled step may run before it
	// is abandoned and its eventual result discarded.
	// Default: 30s | Env: HELMSMAN_CANCEL_GRACE_PERIOD
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period" json:"cancel_grace_period"`

	// LivenessMultiplier sets the restart liveness deadline as a
	// multiple of StepTimeout. A step stuck in running longer than
	// LivenessMultiplier × StepTimeout on restart is reclassified as
	// execution_lost. Default: 2
	LivenessMultiplier int `yaml:"liveness_multiplier" json:"liveness_multiplier"`

	// Retry backoff for transient step failures: base delay, doubled
	// per attempt, capped.
	// Defaults: 1s base, 60s cap
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`

	// Checkpoint defaults
	Checkpoint CheckpointSettings `yaml:"checkpoint" json:"checkpoint"`

	// Store settings
	Store StoreSettings `yaml:"store" json:"store"`
}

// CheckpointSettings configures checkpoint gating defaults.
type CheckpointSettings struct {
	// DefaultTimeoutMinutes applies when a checkpoint config does not
	// set its own. Default: 2880 (48h) | Env: HELMSMAN_CHECKPOINT_TIMEOUT_MINUTES
	DefaultTimeoutMinutes int `yaml:"default_timeout_minutes" json:"default_timeout_minutes"`

	// AutoApprovalThreshold is the minimum preference confidence for
	// auto-approval. Default: 0.9
	AutoApprovalThreshold float64 `yaml:"auto_approval_threshold" json:"auto_approval_threshold"`

	// ExpiryScanInterval is how often the background sweep reclassifies
	// expired checkpoints. Default: 30s | Env: HELMSMAN_EXPIRY_SCAN_INTERVAL
	ExpiryScanInterval time.Duration `yaml:"expiry_scan_interval" json:"expiry_scan_interval"`

	// ExpiryBatchSize caps checkpoints processed per sweep. Default: 100
	ExpiryBatchSize int `yaml:"expiry_batch_size" json:"expiry_batch_size"`
}

// StoreSettings configures persistence backends.
type StoreSettings struct {
	// RedisURL for all engine stores.
	// Default: "redis://localhost:6379" | Env: HELMSMAN_REDIS_URL
	RedisURL string `yaml:"redis_url" json:"redis_url"`

	// KeyPrefix namespaces every engine key. Default: "helmsman"
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// CompletedTTL is how long completed task documents are retained.
	// Zero keeps them until explicit deletion. Default: 0
	CompletedTTL time.Duration `yaml:"completed_ttl" json:"completed_ttl"`

	// TreeTTL bounds execution-tree projections (derived state).
	// Default: 24h
	TreeTTL time.Duration `yaml:"tree_ttl" json:"tree_ttl"`

	// RetryAttempts and RetryDelay govern store-level retries on
	// transient Redis failures. Defaults: 3, 100ms
	RetryAttempts int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// DefaultEngineConfig returns default engine configuration with
// environment overrides applied.
func DefaultEngineConfig() *EngineConfig {
	config := &EngineConfig{
		Name:               "helmsman",
		MaxParallelSteps:   DefaultMaxParallelSteps,
		GlobalMaxInFlight:  32,
		StepTimeout:        300 * time.Second,
		CancelGracePeriod:  30 * time.Second,
		LivenessMultiplier: 2,
		RetryBaseDelay:     1 * time.Second,
		RetryMaxDelay:      60 * time.Second,
		Checkpoint: CheckpointSettings{
			DefaultTimeoutMinutes: 2880, // 48 hours
			AutoApprovalThreshold: 0.9,
			ExpiryScanInterval:    30 * time.Second,
			ExpiryBatchSize:       100,
		},
		Store: StoreSettings{
			RedisURL:      "redis://localhost:6379",
			KeyPrefix:     "helmsman",
			TreeTTL:       24 * time.Hour,
			RetryAttempts: 3,
			RetryDelay:    100 * time.Millisecond,
		},
	}

	// Environment overrides
	if name := os.Getenv("HELMSMAN_ENGINE_NAME"); name != "" {
		config.Name = name
	}
	if maxParallel := os.Getenv("HELMSMAN_MAX_PARALLEL_STEPS"); maxParallel != "" {
		if val, err := strconv.Atoi(maxParallel); err == nil && val > 0 {
			config.MaxParallelSteps = val
		}
	}
	if maxInFlight := os.Getenv("HELMSMAN_GLOBAL_MAX_INFLIGHT"); maxInFlight != "" {
		if val, err := strconv.Atoi(maxInFlight); err == nil && val > 0 {
			config.GlobalMaxInFlight = val
		}
	}
	if timeout := os.Getenv("HELMSMAN_STEP_TIMEOUT"); timeout != "" {
		if duration, err := time.ParseDuration(timeout); err == nil {
			config.StepTimeout = duration
		}
	}
	if grace := os.Getenv("HELMSMAN_CANCEL_GRACE_PERIOD"); grace != "" {
		if duration, err := time.ParseDuration(grace); err == nil {
			config.CancelGracePeriod = duration
		}
	}
	if timeoutMinutes := os.Getenv("HELMSMAN_CHECKPOINT_TIMEOUT_MINUTES"); timeoutMinutes != "" {
		if val, err := strconv.Atoi(timeoutMinutes); err == nil && val > 0 {
			config.Checkpoint.DefaultTimeoutMinutes = val
		}
	}
	if interval := os.Getenv("HELMSMAN_EXPIRY_SCAN_INTERVAL"); interval != "" {
		if duration, err := time.ParseDuration(interval); err == nil {
			config.Checkpoint.ExpiryScanInterval = duration
		}
	}
	if redisURL := os.Getenv("HELMSMAN_REDIS_URL"); redisURL != "" {
		config.Store.RedisURL = redisURL
	}
	if prefix := os.Getenv("HELMSMAN_KEY_PREFIX"); prefix != "" {
		config.Store.KeyPrefix = strings.TrimSuffix(prefix, ":")
	}

	return config
}

// LoadEngineConfigYAML parses an EngineConfig from YAML, layered on
// top of defaults and environment overrides.
func LoadEngineConfigYAML(data []byte) (*EngineConfig, error) {
	config := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

// LivenessDeadline returns how long a running step may remain without
// progress before a restarted orchestrator reclassifies it as lost.
func (c *EngineConfig) LivenessDeadline() time.Duration {
	multiplier := c.LivenessMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	return time.Duration(multiplier) * c.StepTimeout
}
