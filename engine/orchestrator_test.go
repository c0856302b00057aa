package engine

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	client      *redis.Client
	tasks       *RedisTaskStore
	prefs       *RedisPreferenceStore
	checkpoints *RedisCheckpointStore
	tree        *RedisExecutionTree
	registry    *CapabilityRegistry
	coordinator *CheckpointCoordinator
	orch        *Orchestrator
	config      *EngineConfig
}

func newEngineFixture(t *testing.T, planner Planner) *engineFixture {
	t.Helper()
	client := newTestRedis(t)
	config := testConfig()
	settings := StoreSettings{KeyPrefix: "test", TreeTTL: time.Hour}

	tasks := NewRedisTaskStore(client, settings, nil)
	prefs := NewRedisPreferenceStore(client, settings, nil)
	checkpointStore := NewRedisCheckpointStore(client, settings, nil)
	tree := NewRedisExecutionTree(client, settings, nil)
	registry := NewCapabilityRegistry(nil)
	coordinator := NewCheckpointCoordinator(checkpointStore, prefs, tasks, nil, config.Checkpoint, nil)
	recovery := NewFailureController(tasks, planner, registry, config, nil)
	orch := NewOrchestrator(tasks, registry, coordinator, recovery, tree, config, nil)

	return &engineFixture{
		client:      client,
		tasks:       tasks,
		prefs:       prefs,
		checkpoints: checkpointStore,
		tree:        tree,
		registry:    registry,
		coordinator: coordinator,
		orch:        orch,
		config:      config,
	}
}

// Seed test: linear DAG, all success.
func TestExecuteLinearTask(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t, nil)
	registerEcho(t, fx.registry, "fetch")
	registerEcho(t, fx.registry, "process")
	registerEcho(t, fx.registry, "publish")

	task := linearTask("u1")
	_, err := fx.orch.SubmitTask(ctx, task)
	require.NoError(t, err)

	final, err := fx.orch.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	for _, step := range final.Steps {
		assert.Equal(t, StepDone, step.Status, "step %s", step.ID)
	}

	// One finding per step, typed by the producing agent.
	types := map[string]int{}
	for _, f := range final.AccumulatedFindings {
		types[f.Type]++
	}
	assert.Equal(t, 1, types["fetch"])
	assert.Equal(t, 1, types["process"])
	assert.Equal(t, 1, types["publish"])

	// Exactly one execution-tree update per step transition:
	// 3 running + 3 done.
	seq, err := fx.client.Get(ctx, "test:tree:"+final.TreeID+":seq").Result()
	require.NoError(t, err)
	assert.Equal(t, "6", seq)

	snapshot, err := fx.tree.Snapshot(ctx, final.TreeID)
	require.NoError(t, err)
	require.Len(t, snapshot, 3)
	for id, node := range snapshot {
		assert.Equal(t, StepDone, node.Status, "node %s", id)
	}
}

// Seed test: parallel group with one failure under best_effort.
func TestExecuteParallelGroupBestEffort(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t, nil)
	registerEcho(t, fx.registry, "fetch")
	registerEcho(t, fx.registry, "merge")

	var cExecutions int64
	require.NoError(t, fx.registry.Register(&Capability{
		AgentType:  "worker",
		SideEffect: SideEffectIdempotent,
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			if fail, _ := inputs["fail"].(bool); fail {
				return nil, NewStepError(KindTimeout, "simulated timeout")
			}
			return map[string]interface{}{"ok": true}, nil
		},
	}))
	require.NoError(t, fx.registry.Register(&Capability{
		AgentType:  "counter",
		SideEffect: SideEffectIdempotent,
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			atomic.AddInt64(&cExecutions, 1)
			return map[string]interface{}{"count": atomic.LoadInt64(&cExecutions)}, nil
		},
	}))

	task := NewTask("u1", "fan out with a flaky member")
	a := NewStep("a", "A", "fetch")
	b1 := NewStep("b1", "B1", "worker")
	b2 := NewStep("b2", "B2", "worker")
	b2.Inputs = map[string]interface{}{"fail": true}
	b2.IsCritical = false
	b2.MaxRetries = 2
	b3 := NewStep("b3", "B3", "worker")
	for _, s := range []*Step{b1, b2, b3} {
		s.Dependencies = []string{"a"}
		s.ParallelGroup = "g"
		s.FailurePolicy = FailurePolicyBestEffort
	}
	c := NewStep("c", "C", "counter")
	c.Dependencies = []string{"b1", "b2", "b3"}
	task.Steps = []*Step{a, b1, b2, b3, c}
	task.Status = TaskReady

	_, err := fx.orch.SubmitTask(ctx, task)
	require.NoError(t, err)

	final, err := fx.orch.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, final.Status)
	assert.Equal(t, StepDone, final.Step("b1").Status)
	assert.Equal(t, StepSkipped, final.Step("b2").Status)
	assert.Equal(t, StepDone, final.Step("b3").Status)
	assert.Equal(t, StepDone, final.Step("c").Status)
	assert.Equal(t, 2, final.Step("b2").RetryCount, "two retries before skip")
	assert.Equal(t, int64(1), atomic.LoadInt64(&cExecutions), "C executes exactly once")
}

func TestExecuteAllOrNothingGroupFails(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t, nil)
	registerEcho(t, fx.registry, "fetch")

	require.NoError(t, fx.registry.Register(&Capability{
		AgentType:  "worker",
		SideEffect: SideEffectIdempotent,
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			if fail, _ := inputs["fail"].(bool); fail {
				return nil, NewStepError(KindTimeout, "member down")
			}
			return map[string]interface{}{"ok": true}, nil
		},
	}))

	task := NewTask("u1", "strict group")
	b1 := NewStep("b1", "B1", "worker")
	b2 := NewStep("b2", "B2", "worker")
	b2.Inputs = map[string]interface{}{"fail": true}
	b2.MaxRetries = 0
	for _, s := range []*Step{b1, b2} {
		s.ParallelGroup = "g"
		s.FailurePolicy = FailurePolicyAllOrNothing
	}
	task.Steps = []*Step{b1, b2}
	task.Status = TaskReady

	_, err := fx.orch.SubmitTask(ctx, task)
	require.NoError(t, err)

	final, err := fx.orch.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)

	// The whole group fails; a completed sibling keeps its outputs.
	assert.Equal(t, TaskFailed, final.Status)
	assert.Equal(t, StepFailed, final.Step("b2").Status)
	require.Eventually(t, func() bool {
		loaded, err := fx.tasks.GetTask(ctx, task.ID)
		if err != nil {
			return false
		}
		return loaded.Step("b1").Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)
	loaded, err := fx.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	b1Final := loaded.Step("b1")
	if b1Final.Status == StepDone {
		assert.Equal(t, true, b1Final.Outputs["ok"], "completed sibling keeps outputs")
	} else {
		assert.Equal(t, StepFailed, b1Final.Status)
	}
}

// Law: cancellation is prompt. A cancelled running step fails with
// error "cancelled" and the task settles as cancelled.
func TestCancellationIsPrompt(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t, nil)

	started := make(chan struct{})
	require.NoError(t, fx.registry.Register(&Capability{
		AgentType:  "slow",
		SideEffect: SideEffectReadOnly,
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	task := NewTask("u1", "long haul")
	task.Steps = []*Step{NewStep("s", "S", "slow")}
	task.Status = TaskReady
	_, err := fx.orch.SubmitTask(ctx, task)
	require.NoError(t, err)

	go func() {
		<-started
		_ = fx.orch.CancelTask(ctx, task.ID)
	}()

	final, err := fx.orch.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCancelled, final.Status)

	// The step result drains through the loop before exit or shortly
	// after; poll briefly for the terminal step write.
	require.Eventually(t, func() bool {
		loaded, err := fx.tasks.GetTask(ctx, task.ID)
		if err != nil {
			return false
		}
		step := loaded.Step("s")
		return step.Status == StepFailed && step.ErrorMessage == "cancelled"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckpointSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t, nil)

	var received atomic.Value
	require.NoError(t, fx.registry.Register(&Capability{
		AgentType:  "email",
		SideEffect: SideEffectIdempotent,
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			received.Store(inputs)
			return map[string]interface{}{"sent": true}, nil
		},
	}))

	task := NewTask("u1", "send the email")
	step := NewStep("e", "Email", "email")
	step.Inputs = map[string]interface{}{"to": "x", "subject": "draft"}
	step.CheckpointRequired = true
	step.CheckpointConfig = &CheckpointConfig{
		Name:             "email gate",
		Type:             CheckpointModify,
		ModifiableFields: []string{"subject"},
	}
	task.Steps = []*Step{step}
	task.Status = TaskReady

	_, err := fx.orch.SubmitTask(ctx, task)
	require.NoError(t, err)

	suspended, err := fx.orch.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCheckpoint, suspended.Status)
	assert.Equal(t, StepCheckpoint, suspended.Steps[0].Status)

	require.NoError(t, fx.coordinator.Resolve(ctx, task.ID, "e", "u1", &CheckpointResponse{
		ModifiedInputs: map[string]interface{}{"subject": "final"},
	}))

	final, err := fx.orch.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, final.Status)
	assert.Equal(t, StepDone, final.Steps[0].Status)

	inputs := received.Load().(map[string]interface{})
	assert.Equal(t, "x", inputs["to"])
	assert.Equal(t, "final", inputs["subject"], "handler receives the modified subject")
}

func TestExecutionLostReclassification(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t, nil)
	registerEcho(t, fx.registry, "fetch")

	task := NewTask("u1", "interrupted work")
	task.Steps = []*Step{NewStep("s", "S", "fetch")}
	task.Status = TaskExecuting
	_, err := fx.tasks.CreateTask(ctx, task)
	require.NoError(t, err)

	// Simulate a crash: the step was left running long past the
	// liveness deadline with no in-flight runner.
	running := StepRunning
	stale := time.Now().Add(-time.Hour)
	_, err = fx.tasks.UpdateStep(ctx, task.ID, "s", &StepPatch{
		Status:    &running,
		StartedAt: &stale,
	})
	require.NoError(t, err)

	final, err := fx.orch.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)

	// The lost step was retried and completed on the fresh attempt.
	assert.Equal(t, TaskCompleted, final.Status)
	assert.Equal(t, StepDone, final.Step("s").Status)
	assert.Equal(t, 1, final.Step("s").RetryCount)
}

func TestUnreachablePlanFailsTask(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t, nil)

	require.NoError(t, fx.registry.Register(&Capability{
		AgentType:  "broken",
		SideEffect: SideEffectIdempotent,
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			return nil, NewStepError(KindInternal, "always fails")
		},
	}))
	registerEcho(t, fx.registry, "fetch")

	task := NewTask("u1", "doomed dependency")
	a := NewStep("a", "A", "broken")
	a.MaxRetries = 0
	b := withDeps(NewStep("b", "B", "fetch"), "a")
	task.Steps = []*Step{a, b}
	task.Status = TaskReady

	_, err := fx.orch.SubmitTask(ctx, task)
	require.NoError(t, err)

	final, err := fx.orch.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, TaskFailed, final.Status)
	assert.Equal(t, StepFailed, final.Step("a").Status)
	assert.Equal(t, StepPending, final.Step("b").Status, "dependent never started")
}

// I5: running steps never exceed the task's concurrency cap.
func TestConcurrencyCapHonored(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t, nil)

	var running, peak int64
	require.NoError(t, fx.registry.Register(&Capability{
		AgentType:  "worker",
		SideEffect: SideEffectIdempotent,
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			current := atomic.AddInt64(&running, 1)
			for {
				observed := atomic.LoadInt64(&peak)
				if current <= observed || atomic.CompareAndSwapInt64(&peak, observed, current) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&running, -1)
			return map[string]interface{}{"ok": true}, nil
		},
	}))

	task := NewTask("u1", "wide fanout")
	task.MaxParallelSteps = 2
	for i := 0; i < 6; i++ {
		step := NewStep("s"+strconv.Itoa(i), "S", "worker")
		step.ParallelGroup = "wide"
		task.Steps = append(task.Steps, step)
	}
	task.Status = TaskReady

	_, err := fx.orch.SubmitTask(ctx, task)
	require.NoError(t, err)

	final, err := fx.orch.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, final.Status)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2), "concurrency cap violated")
}

func TestFailFastCancelsSiblings(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture(t, nil)

	blocker := make(chan struct{})
	require.NoError(t, fx.registry.Register(&Capability{
		AgentType:  "worker",
		SideEffect: SideEffectIdempotent,
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			if fail, _ := inputs["fail"].(bool); fail {
				return nil, NewStepError(KindInputInvalid, "bad member")
			}
			select {
			case <-blocker:
				return map[string]interface{}{"ok": true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	task := NewTask("u1", "fail fast group")
	b1 := NewStep("b1", "B1", "worker")
	b2 := NewStep("b2", "B2", "worker")
	b2.Inputs = map[string]interface{}{"fail": true}
	b2.MaxRetries = 0
	for _, s := range []*Step{b1, b2} {
		s.ParallelGroup = "g"
		s.FailurePolicy = FailurePolicyFailFast
	}
	task.Steps = []*Step{b1, b2}
	task.Status = TaskReady

	_, err := fx.orch.SubmitTask(ctx, task)
	require.NoError(t, err)

	final, err := fx.orch.ExecuteTask(ctx, task.ID)
	require.NoError(t, err)
	close(blocker)

	// B2's failure aborted the task (critical, no recovery) and B1 was
	// cancelled in flight.
	assert.Equal(t, TaskFailed, final.Status)
	assert.Equal(t, StepFailed, final.Step("b2").Status)
	require.Eventually(t, func() bool {
		loaded, err := fx.tasks.GetTask(ctx, task.ID)
		if err != nil {
			return false
		}
		return loaded.Step("b1").Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)
}
