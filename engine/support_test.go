package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// newTestRedis spins up an in-process Redis for store tests.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testConfig returns an engine config tuned for fast tests.
func testConfig() *EngineConfig {
	config := DefaultEngineConfig()
	config.StepTimeout = 2 * time.Second
	config.CancelGracePeriod = 200 * time.Millisecond
	config.RetryBaseDelay = time.Millisecond
	config.RetryMaxDelay = 5 * time.Millisecond
	config.Checkpoint.ExpiryScanInterval = 20 * time.Millisecond
	return config
}

// mockPlanner implements Planner with overridable behavior.
type mockPlanner struct {
	planFn       func(ctx context.Context, goal string, constraints map[string]interface{}) ([]*Step, error)
	replanFn     func(ctx context.Context, original *Task, failed *Step, replanCtx *ReplanContext) ([]*Step, error)
	synthesizeFn func(ctx context.Context, step *Step, stepErr *StepError) (map[string]interface{}, error)
}

func (m *mockPlanner) Plan(ctx context.Context, goal string, constraints map[string]interface{}) ([]*Step, error) {
	if m.planFn == nil {
		return nil, nil
	}
	return m.planFn(ctx, goal, constraints)
}

func (m *mockPlanner) Replan(ctx context.Context, original *Task, failed *Step, replanCtx *ReplanContext) ([]*Step, error) {
	if m.replanFn == nil {
		return nil, nil
	}
	return m.replanFn(ctx, original, failed, replanCtx)
}

func (m *mockPlanner) SynthesizeInputs(ctx context.Context, step *Step, stepErr *StepError) (map[string]interface{}, error) {
	if m.synthesizeFn == nil {
		return nil, nil
	}
	return m.synthesizeFn(ctx, step, stepErr)
}

// echoHandler returns its inputs as outputs, for observing
// materialization end to end.
func echoHandler(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out, nil
}

// registerEcho registers a domainless idempotent echo capability.
func registerEcho(t *testing.T, registry *CapabilityRegistry, agentType string) {
	t.Helper()
	if err := registry.Register(&Capability{
		AgentType:  agentType,
		SideEffect: SideEffectIdempotent,
		Handler:    echoHandler,
	}); err != nil {
		t.Fatalf("registering %s: %v", agentType, err)
	}
}
