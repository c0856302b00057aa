package engine

import (
	"testing"
)

func buildFanoutTask() *Task {
	task := NewTask("u1", "fanout")
	a := NewStep("a", "A", "fetch")
	b1 := NewStep("b1", "B1", "worker")
	b2 := NewStep("b2", "B2", "worker")
	b3 := NewStep("b3", "B3", "worker")
	c := NewStep("c", "C", "merge")
	for _, s := range []*Step{b1, b2, b3} {
		s.Dependencies = []string{"a"}
		s.ParallelGroup = "g"
		s.FailurePolicy = FailurePolicyBestEffort
	}
	c.Dependencies = []string{"b1", "b2", "b3"}
	task.Steps = []*Step{a, b1, b2, b3, c}
	task.Status = TaskExecuting
	return task
}

func TestSchedulerReadyGroups(t *testing.T) {
	scheduler := NewScheduler(nil)
	task := buildFanoutTask()

	groups := scheduler.ReadyGroups(task, nil)
	if len(groups) != 1 || !groups[0].Singleton || groups[0].Key != "a" {
		t.Fatalf("expected singleton group [a], got %+v", groups)
	}

	task.Step("a").Status = StepDone
	groups = scheduler.ReadyGroups(task, nil)
	if len(groups) != 1 {
		t.Fatalf("expected one parallel group, got %+v", groups)
	}
	group := groups[0]
	if group.Key != "g" || group.Singleton || len(group.StepIDs) != 3 {
		t.Fatalf("unexpected group: %+v", group)
	}
	if group.Policy != FailurePolicyBestEffort {
		t.Errorf("group policy = %s", group.Policy)
	}
}

func TestSchedulerExcludesInFlight(t *testing.T) {
	scheduler := NewScheduler(nil)
	task := buildFanoutTask()
	task.Step("a").Status = StepDone

	groups := scheduler.ReadyGroups(task, map[string]bool{"b1": true, "b2": true})
	if len(groups) != 1 || len(groups[0].StepIDs) != 1 || groups[0].StepIDs[0] != "b3" {
		t.Fatalf("in-flight steps must be excluded, got %+v", groups)
	}
}

func TestSchedulerNoStartsOnTerminalOrSuspendedTask(t *testing.T) {
	scheduler := NewScheduler(nil)
	for _, status := range []TaskStatus{TaskCancelled, TaskFailed, TaskCompleted, TaskCheckpoint, TaskPaused} {
		task := buildFanoutTask()
		task.Status = status
		if groups := scheduler.ReadyGroups(task, nil); groups != nil {
			t.Errorf("status %s must emit no starts, got %+v", status, groups)
		}
	}
}

func TestSchedulerBudget(t *testing.T) {
	scheduler := NewScheduler(nil)
	task := buildFanoutTask()
	task.MaxParallelSteps = 2
	task.Step("a").Status = StepDone
	task.Step("b1").Status = StepRunning

	if budget := scheduler.Budget(task, nil); budget != 1 {
		t.Errorf("budget = %d, want 1 (cap 2, one running)", budget)
	}
	if budget := scheduler.Budget(task, map[string]bool{"b2": true}); budget != 0 {
		t.Errorf("budget = %d, want 0 (cap 2, one running, one in flight)", budget)
	}
}

func TestSchedulerGroupOrdering(t *testing.T) {
	scheduler := NewScheduler(nil)
	task := NewTask("u1", "ordering")
	first := NewStep("first", "First", "worker")
	g1 := NewStep("g1", "G1", "worker")
	g1.ParallelGroup = "batch"
	g2 := NewStep("g2", "G2", "worker")
	g2.ParallelGroup = "batch"
	last := NewStep("last", "Last", "worker")
	task.Steps = []*Step{first, g1, g2, last}
	task.Status = TaskExecuting

	groups := scheduler.ReadyGroups(task, nil)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %+v", groups)
	}
	// Document order of each group's first member.
	if groups[0].Key != "first" || groups[1].Key != "batch" || groups[2].Key != "last" {
		t.Errorf("group order wrong: %v, %v, %v", groups[0].Key, groups[1].Key, groups[2].Key)
	}
}
