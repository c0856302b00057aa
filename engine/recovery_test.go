package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecoveryFixture(t *testing.T, planner Planner) (*FailureController, *RedisTaskStore, *CapabilityRegistry) {
	t.Helper()
	store := NewRedisTaskStore(newTestRedis(t), StoreSettings{KeyPrefix: "test"}, nil)
	registry := NewCapabilityRegistry(nil)
	registerEcho(t, registry, "fetch")
	registerEcho(t, registry, "process")
	registerEcho(t, registry, "publish")
	controller := NewFailureController(store, planner, registry, testConfig(), nil)
	return controller, store, registry
}

func TestDecideRetryForTransient(t *testing.T) {
	controller, _, _ := newRecoveryFixture(t, nil)
	task := linearTask("u1")
	step := task.Step("a")

	proposal := controller.Decide(context.Background(), task, step, NewStepError(KindTimeout, "deadline"))
	assert.Equal(t, ActionRetry, proposal.Action)
	assert.Equal(t, time.Millisecond, proposal.Delay, "first retry uses the base delay")

	step.RetryCount = 2
	proposal = controller.Decide(context.Background(), task, step, NewStepError(KindTimeout, "deadline"))
	assert.Equal(t, ActionRetry, proposal.Action)
	assert.Equal(t, 4*time.Millisecond, proposal.Delay, "delay doubles per attempt")

	// Budget exhausted, no fallback, critical → abort.
	step.RetryCount = step.MaxRetries
	proposal = controller.Decide(context.Background(), task, step, NewStepError(KindTimeout, "deadline"))
	assert.Equal(t, ActionAbort, proposal.Action)
}

func TestDecideBackoffCap(t *testing.T) {
	controller, _, _ := newRecoveryFixture(t, nil)
	task := linearTask("u1")
	step := task.Step("a")
	step.MaxRetries = 50
	step.RetryCount = 40

	proposal := controller.Decide(context.Background(), task, step, NewStepError(KindRateLimit, "429"))
	assert.Equal(t, ActionRetry, proposal.Action)
	assert.Equal(t, 5*time.Millisecond, proposal.Delay, "delay is capped")
}

func TestDecideFallbackAfterRetryBudget(t *testing.T) {
	controller, _, _ := newRecoveryFixture(t, nil)
	task := linearTask("u1")
	step := task.Step("a")
	step.RetryCount = step.MaxRetries
	step.FallbackConfig = &FallbackConfig{
		Options: []FallbackOption{{Model: "backup-model"}, {API: "backup-api"}},
	}

	proposal := controller.Decide(context.Background(), task, step, NewStepError(KindTimeout, "deadline"))
	require.Equal(t, ActionFallback, proposal.Action)
	assert.Equal(t, "backup-model", proposal.Fallback.Model)
}

func TestDecideSkipNonCritical(t *testing.T) {
	controller, _, _ := newRecoveryFixture(t, nil)
	task := linearTask("u1")
	step := task.Step("a")
	step.IsCritical = false
	step.RetryCount = step.MaxRetries

	proposal := controller.Decide(context.Background(), task, step, NewStepError(KindTimeout, "deadline"))
	assert.Equal(t, ActionSkip, proposal.Action)
}

func TestDecideNonIdempotentNotRetried(t *testing.T) {
	controller, _, registry := newRecoveryFixture(t, nil)
	require.NoError(t, registry.Register(&Capability{
		AgentType:  "payment",
		SideEffect: SideEffectNonIdempotent,
		Handler:    echoHandler,
	}))

	task := linearTask("u1")
	step := task.Step("a")
	step.AgentType = "payment"

	proposal := controller.Decide(context.Background(), task, step, NewStepError(KindTransientNetwork, "reset"))
	assert.NotEqual(t, ActionRetry, proposal.Action, "non-idempotent handlers are never retried without opt-in")

	// The fallback config's retry_safe flag opts back in.
	step.FallbackConfig = &FallbackConfig{RetrySafe: true}
	proposal = controller.Decide(context.Background(), task, step, NewStepError(KindTransientNetwork, "reset"))
	assert.Equal(t, ActionRetry, proposal.Action)
}

func TestDecideModifyForContentFilter(t *testing.T) {
	planner := &mockPlanner{
		synthesizeFn: func(ctx context.Context, step *Step, stepErr *StepError) (map[string]interface{}, error) {
			return map[string]interface{}{"text": "softened wording"}, nil
		},
	}
	controller, _, _ := newRecoveryFixture(t, planner)
	task := linearTask("u1")
	step := task.Step("a")
	step.RetryCount = step.MaxRetries

	proposal := controller.Decide(context.Background(), task, step, NewStepError(KindContentFilter, "blocked"))
	require.Equal(t, ActionModify, proposal.Action)
	assert.Equal(t, "softened wording", proposal.ModifiedInputs["text"])
}

func TestDecideInternalAborts(t *testing.T) {
	planner := &mockPlanner{}
	controller, _, _ := newRecoveryFixture(t, planner)
	task := linearTask("u1")
	step := task.Step("a")
	step.RetryCount = step.MaxRetries

	proposal := controller.Decide(context.Background(), task, step, NewStepError(KindInternal, "defect"))
	assert.Equal(t, ActionAbort, proposal.Action, "internal defects abort rather than replan")
}

func TestApplyFallbackRebindsInputs(t *testing.T) {
	ctx := context.Background()
	controller, store, _ := newRecoveryFixture(t, nil)

	task := linearTask("u1")
	task.Steps[0].Inputs = map[string]interface{}{"model": "primary", "query": "q"}
	task.Steps[0].RetryCount = 3
	task.Steps[0].FallbackConfig = &FallbackConfig{
		Options: []FallbackOption{{Model: "backup"}},
	}
	_, err := store.CreateTask(ctx, task)
	require.NoError(t, err)

	// Simulate a running step that failed.
	running := StepRunning
	_, err = store.UpdateStep(ctx, task.ID, "a", &StepPatch{Status: &running})
	require.NoError(t, err)

	loaded, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	step := loaded.Step("a")
	stepErr := NewStepError(KindTimeout, "deadline")

	proposal := controller.Decide(ctx, loaded, step, stepErr)
	require.Equal(t, ActionFallback, proposal.Action)
	require.NoError(t, controller.Apply(ctx, loaded, step, stepErr, proposal))

	updated, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	rebound := updated.Step("a")
	assert.Equal(t, StepPending, rebound.Status)
	assert.Equal(t, 0, rebound.RetryCount, "fallback resets the retry budget")
	assert.Equal(t, "backup", rebound.Inputs["model"])
	assert.Equal(t, "q", rebound.Inputs["query"])
	assert.Equal(t, 1, rebound.FallbackConfig.NextIndex)
}

// Seed test: strategic replan preserves completed work.
func TestReplanPreservesCompletedWork(t *testing.T) {
	ctx := context.Background()

	planner := &mockPlanner{
		replanFn: func(ctx context.Context, original *Task, failed *Step, replanCtx *ReplanContext) ([]*Step, error) {
			// Preserve A and B verbatim, replace C with C'.
			var steps []*Step
			for _, s := range original.Steps {
				if s.Status == StepDone {
					steps = append(steps, s.Clone())
				}
			}
			replacement := NewStep("c_prime", "C revised", "publish")
			replacement.Dependencies = []string{"b"}
			steps = append(steps, replacement)
			return steps, nil
		},
	}
	controller, store, _ := newRecoveryFixture(t, planner)

	task := linearTask("u1")
	_, err := store.CreateTask(ctx, task)
	require.NoError(t, err)

	// A and B completed with outputs; C fails structurally.
	for _, id := range []string{"a", "b"} {
		running := StepRunning
		_, err = store.UpdateStep(ctx, task.ID, id, &StepPatch{Status: &running})
		require.NoError(t, err)
		done := StepDone
		_, err = store.UpdateStep(ctx, task.ID, id, &StepPatch{
			Status:  &done,
			Outputs: map[string]interface{}{"result": "output-" + id},
		})
		require.NoError(t, err)
	}
	running := StepRunning
	_, err = store.UpdateStep(ctx, task.ID, "c", &StepPatch{Status: &running})
	require.NoError(t, err)

	loaded, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	failed := loaded.Step("c")
	stepErr := NewStepError(KindCapabilityNotFound, "no such capability")

	proposal := controller.Decide(ctx, loaded, failed, stepErr)
	require.Equal(t, ActionReplan, proposal.Action)
	require.Contains(t, proposal.ReplanContext.CompletedOutputs, "a")
	require.Contains(t, proposal.ReplanContext.CompletedOutputs, "b")
	require.NoError(t, controller.Apply(ctx, loaded, failed, stepErr, proposal))
	require.NotEmpty(t, proposal.NewTaskID)

	// Original: superseded, linked forward.
	original, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskSuperseded, original.Status)
	assert.Equal(t, proposal.NewTaskID, original.SupersededBy)

	// Successor: fresh id, version+1, parent linkage (I3), preserved
	// outputs (I6), replan finding, executing.
	successor, err := store.GetTask(ctx, proposal.NewTaskID)
	require.NoError(t, err)
	assert.Equal(t, original.Version+1, successor.Version)
	assert.Equal(t, original.ID, successor.ParentTaskID)
	assert.Equal(t, TaskExecuting, successor.Status)

	preservedA := successor.Step("a")
	require.NotNil(t, preservedA)
	assert.Equal(t, StepDone, preservedA.Status)
	assert.Equal(t, "output-a", preservedA.Outputs["result"])

	assert.Nil(t, successor.Step("c"), "failed step replaced")
	assert.NotNil(t, successor.Step("c_prime"))

	replanFound := false
	for _, f := range successor.AccumulatedFindings {
		if f.Type == FindingTypeReplan {
			replanFound = true
		}
	}
	assert.True(t, replanFound, "successor carries a replan finding")
}

func TestReplanRejectsAlteredOutputs(t *testing.T) {
	ctx := context.Background()

	planner := &mockPlanner{
		replanFn: func(ctx context.Context, original *Task, failed *Step, replanCtx *ReplanContext) ([]*Step, error) {
			tampered := original.Step("a").Clone()
			tampered.Outputs = map[string]interface{}{"result": "tampered"}
			return []*Step{tampered}, nil
		},
	}
	controller, store, _ := newRecoveryFixture(t, planner)

	task := linearTask("u1")
	_, err := store.CreateTask(ctx, task)
	require.NoError(t, err)
	running := StepRunning
	_, err = store.UpdateStep(ctx, task.ID, "a", &StepPatch{Status: &running})
	require.NoError(t, err)
	done := StepDone
	_, err = store.UpdateStep(ctx, task.ID, "a", &StepPatch{
		Status:  &done,
		Outputs: map[string]interface{}{"result": "truth"},
	})
	require.NoError(t, err)

	loaded, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)

	_, err = controller.replan(ctx, loaded, loaded.Step("b"), NewStepError(KindCapabilityNotFound, "x"), &ReplanContext{})
	require.Error(t, err, "altered outputs must violate the preservation invariant")
}
