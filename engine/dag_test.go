package engine

import (
	"errors"
	"testing"

	"github.com/helmsman-ai/helmsman/core"
)

func TestTaskDAG_Validate(t *testing.T) {
	dag := NewTaskDAG()
	dag.AddNode("a", nil)
	dag.AddNode("b", []string{"a"})
	dag.AddNode("c", []string{"a", "b"})

	if err := dag.Validate(); err != nil {
		t.Fatalf("valid DAG rejected: %v", err)
	}
}

func TestTaskDAG_ValidateDetectsCycle(t *testing.T) {
	dag := NewTaskDAG()
	dag.AddNode("a", []string{"c"})
	dag.AddNode("b", []string{"a"})
	dag.AddNode("c", []string{"b"})

	err := dag.Validate()
	if err == nil {
		t.Fatal("expected cycle detection to fail validation")
	}
	if !errors.Is(err, core.ErrCircularPlan) {
		t.Errorf("expected ErrCircularPlan, got %v", err)
	}
}

func TestTaskDAG_ValidateMissingDependency(t *testing.T) {
	dag := NewTaskDAG()
	dag.AddNode("a", []string{"ghost"})

	err := dag.Validate()
	if err == nil {
		t.Fatal("expected missing dependency to fail validation")
	}
	if !errors.Is(err, core.ErrInvalidPlan) {
		t.Errorf("expected ErrInvalidPlan, got %v", err)
	}
}

func TestTaskDAG_ReadyNodes(t *testing.T) {
	dag := NewTaskDAG()
	dag.AddNode("a", nil)
	dag.AddNode("b", []string{"a"})
	dag.AddNode("c", []string{"a"})
	dag.AddNode("d", []string{"b", "c"})

	ready := dag.ReadyNodes()
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("expected only root ready, got %v", ready)
	}

	dag.SetStatus("a", StepDone)
	ready = dag.ReadyNodes()
	if len(ready) != 2 || ready[0] != "b" || ready[1] != "c" {
		t.Fatalf("expected [b c] in document order, got %v", ready)
	}

	// Skipped dependencies satisfy edges the same as done.
	dag.SetStatus("b", StepDone)
	dag.SetStatus("c", StepSkipped)
	ready = dag.ReadyNodes()
	if len(ready) != 1 || ready[0] != "d" {
		t.Fatalf("expected [d], got %v", ready)
	}
}

func TestTaskDAG_ExpandedCountsAsCompleted(t *testing.T) {
	dag := NewTaskDAG()
	dag.AddNode("fanout", nil)
	dag.AddNode("after", []string{"fanout"})

	dag.SetStatus("fanout", StepExpanded)
	ready := dag.ReadyNodes()
	if len(ready) != 1 || ready[0] != "after" {
		t.Fatalf("expanded status should satisfy dependencies, got %v", ready)
	}
}

func TestTaskDAG_ExecutionLevels(t *testing.T) {
	dag := NewTaskDAG()
	dag.AddNode("a", nil)
	dag.AddNode("b1", []string{"a"})
	dag.AddNode("b2", []string{"a"})
	dag.AddNode("c", []string{"b1", "b2"})

	levels := dag.ExecutionLevels()
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(levels), levels)
	}
	if len(levels[1]) != 2 {
		t.Errorf("expected b1 and b2 at level 1, got %v", levels[1])
	}
}

func TestTaskDAG_TopologicalOrder(t *testing.T) {
	dag := NewTaskDAG()
	dag.AddNode("a", nil)
	dag.AddNode("b", []string{"a"})
	dag.AddNode("c", []string{"b"})

	order := dag.TopologicalOrder()
	if len(order) != 3 {
		t.Fatalf("expected 3 nodes, got %v", order)
	}
	position := map[string]int{}
	for i, id := range order {
		position[id] = i
	}
	if position["a"] > position["b"] || position["b"] > position["c"] {
		t.Errorf("topological order violated: %v", order)
	}
}

func TestDAGFromTaskStatistics(t *testing.T) {
	task := NewTask("u1", "test")
	a := NewStep("a", "A", "fetch")
	b := NewStep("b", "B", "process")
	b.Dependencies = []string{"a"}
	a.Status = StepDone
	task.Steps = []*Step{a, b}

	stats := DAGFromTask(task).Statistics()
	if stats.TotalNodes != 2 || stats.CompletedNodes != 1 || stats.PendingNodes != 1 {
		t.Errorf("unexpected statistics: %+v", stats)
	}
}
