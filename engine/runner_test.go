package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMaterializeInputs(t *testing.T) {
	task := NewTask("u1", "pipeline")
	fetch := NewStep("fetch", "Fetch", "http_fetch")
	fetch.Status = StepDone
	fetch.Outputs = map[string]interface{}{
		"body":  "payload",
		"meta":  map[string]interface{}{"status": float64(200)},
		"count": float64(7),
	}
	process := NewStep("process", "Process", "summarize")
	process.Dependencies = []string{"fetch"}
	process.Inputs = map[string]interface{}{
		"text":     "${fetch.outputs.body}",
		"status":   "${fetch.outputs.meta.status}",
		"prefix":   "got ${fetch.outputs.count} items",
		"constant": 42,
	}
	task.Steps = []*Step{fetch, process}

	runner := NewStepRunner(NewCapabilityRegistry(nil), testConfig(), nil)
	inputs, err := runner.MaterializeInputs(task, process)
	if err != nil {
		t.Fatalf("materialization failed: %v", err)
	}

	if inputs["text"] != "payload" {
		t.Errorf("text = %v", inputs["text"])
	}
	// Whole-string references keep the referent's type.
	if inputs["status"] != float64(200) {
		t.Errorf("status = %v (%T), want float64 200", inputs["status"], inputs["status"])
	}
	// Embedded references stringify.
	if inputs["prefix"] != "got 7 items" {
		t.Errorf("prefix = %v", inputs["prefix"])
	}
	if inputs["constant"] != 42 {
		t.Errorf("constant = %v", inputs["constant"])
	}
}

func TestMaterializeInputsOverridePrecedence(t *testing.T) {
	task := NewTask("u1", "send email")
	step := NewStep("send", "Send", "email")
	step.Inputs = map[string]interface{}{"to": "x", "subject": "draft"}
	step.CheckpointInputs = map[string]interface{}{"cc": "ops"}
	step.InputsOverride = map[string]interface{}{"subject": "final"}
	task.Steps = []*Step{step}

	runner := NewStepRunner(NewCapabilityRegistry(nil), testConfig(), nil)
	inputs, err := runner.MaterializeInputs(task, step)
	if err != nil {
		t.Fatalf("materialization failed: %v", err)
	}

	if inputs["to"] != "x" || inputs["subject"] != "final" || inputs["cc"] != "ops" {
		t.Errorf("unexpected inputs: %v", inputs)
	}
}

func TestMaterializeInputsUnresolvableReference(t *testing.T) {
	task := NewTask("u1", "pipeline")
	step := NewStep("s", "S", "summarize")
	step.Inputs = map[string]interface{}{"text": "${ghost.outputs.body}"}
	task.Steps = []*Step{step}

	runner := NewStepRunner(NewCapabilityRegistry(nil), testConfig(), nil)
	if _, err := runner.MaterializeInputs(task, step); err == nil {
		t.Fatal("expected unresolvable reference to fail")
	}
}

func TestRunCapabilityNotFound(t *testing.T) {
	task := NewTask("u1", "pipeline")
	step := NewStep("s", "S", "nonexistent")
	task.Steps = []*Step{step}

	runner := NewStepRunner(NewCapabilityRegistry(nil), testConfig(), nil)
	result := runner.Run(context.Background(), task, step)
	if result.Err == nil || result.Err.Kind != KindCapabilityNotFound {
		t.Fatalf("expected capability_not_found, got %+v", result.Err)
	}
}

func TestRunInputSchemaValidation(t *testing.T) {
	registry := NewCapabilityRegistry(nil)
	err := registry.Register(&Capability{
		AgentType: "email",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"to"},
			"properties": map[string]interface{}{
				"to": map[string]interface{}{"type": "string"},
			},
		},
		Handler: echoHandler,
	})
	if err != nil {
		t.Fatal(err)
	}

	task := NewTask("u1", "send")
	step := NewStep("s", "S", "email")
	step.Inputs = map[string]interface{}{"subject": "hi"} // missing "to"
	task.Steps = []*Step{step}

	runner := NewStepRunner(registry, testConfig(), nil)
	result := runner.Run(context.Background(), task, step)
	if result.Err == nil || result.Err.Kind != KindInputInvalid {
		t.Fatalf("expected input_invalid, got %+v", result.Err)
	}
}

func TestRunOutputContract(t *testing.T) {
	registry := NewCapabilityRegistry(nil)
	err := registry.Register(&Capability{
		AgentType: "report",
		OutputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"summary"},
			"properties": map[string]interface{}{
				"summary": map[string]interface{}{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			return map[string]interface{}{
				"summary": "done",
				"extra":   "kept but flagged",
			}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	task := NewTask("u1", "report")
	step := NewStep("s", "S", "report")
	task.Steps = []*Step{step}

	runner := NewStepRunner(registry, testConfig(), nil)
	result := runner.Run(context.Background(), task, step)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	// Unknown keys are retained with a warning finding.
	if result.Outputs["extra"] != "kept but flagged" {
		t.Error("undeclared output key must be retained")
	}
	warned := false
	for _, f := range result.Findings {
		if f.Type == FindingTypeWarning {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a warning finding for the undeclared output key")
	}
}

func TestRunMissingRequiredOutput(t *testing.T) {
	registry := NewCapabilityRegistry(nil)
	_ = registry.Register(&Capability{
		AgentType: "report",
		OutputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"summary"},
		},
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			return map[string]interface{}{}, nil
		},
	})

	task := NewTask("u1", "report")
	step := NewStep("s", "S", "report")
	task.Steps = []*Step{step}

	runner := NewStepRunner(registry, testConfig(), nil)
	result := runner.Run(context.Background(), task, step)
	if result.Err == nil || result.Err.Kind != KindOutputInvalid {
		t.Fatalf("expected output_invalid, got %+v", result.Err)
	}
}

func TestRunTimeoutClassification(t *testing.T) {
	registry := NewCapabilityRegistry(nil)
	_ = registry.Register(&Capability{
		AgentType: "slow",
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	config := testConfig()
	config.StepTimeout = 30 * time.Millisecond

	task := NewTask("u1", "slow")
	step := NewStep("s", "S", "slow")
	task.Steps = []*Step{step}

	runner := NewStepRunner(registry, config, nil)
	result := runner.Run(context.Background(), task, step)
	if result.Err == nil || result.Err.Kind != KindTimeout {
		t.Fatalf("expected timeout kind, got %+v", result.Err)
	}
}

func TestRunHandlerPanicIsInternal(t *testing.T) {
	registry := NewCapabilityRegistry(nil)
	_ = registry.Register(&Capability{
		AgentType: "chaotic",
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			panic("boom")
		},
	})

	task := NewTask("u1", "chaos")
	step := NewStep("s", "S", "chaotic")
	task.Steps = []*Step{step}

	runner := NewStepRunner(registry, testConfig(), nil)
	result := runner.Run(context.Background(), task, step)
	if result.Err == nil || result.Err.Kind != KindInternal {
		t.Fatalf("expected internal kind from panic, got %+v", result.Err)
	}
}

func TestRunNonIdempotentTransientReclassified(t *testing.T) {
	registry := NewCapabilityRegistry(nil)
	_ = registry.Register(&Capability{
		AgentType:  "payment",
		SideEffect: SideEffectNonIdempotent,
		Handler: func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error) {
			return nil, NewStepError(KindTransientNetwork, "connection reset mid-charge")
		},
	})

	task := NewTask("u1", "charge")
	step := NewStep("s", "S", "payment")
	task.Steps = []*Step{step}

	runner := NewStepRunner(registry, testConfig(), nil)
	result := runner.Run(context.Background(), task, step)
	if result.Err == nil || result.Err.Kind != KindNonIdempotentSideEffectFailed {
		t.Fatalf("expected non_idempotent_side_effect_failed, got %+v", result.Err)
	}
}

func TestClassifyError(t *testing.T) {
	if kind := ClassifyError(context.DeadlineExceeded).Kind; kind != KindTimeout {
		t.Errorf("deadline → %s, want timeout", kind)
	}
	if kind := ClassifyError(context.Canceled).Kind; kind != KindCancelled {
		t.Errorf("canceled → %s, want cancelled", kind)
	}
	if kind := ClassifyError(errors.New("mystery")).Kind; kind != KindInternal {
		t.Errorf("unknown → %s, want internal", kind)
	}
	// A *StepError passes through untouched.
	original := NewStepError(KindRateLimit, "429")
	if ClassifyError(original) != original {
		t.Error("StepError must pass through classification")
	}
}
