package engine

import (
	"fmt"
	"sync"

	"github.com/helmsman-ai/helmsman/core"
)

// TaskDAG is the dependency view over a task's steps. Steps reference
// each other only by id, and plans declare steps in document order, so
// the graph is kept as an ordered node list plus a forward edge set:
// reverse edges are derived on demand instead of being stored.
type TaskDAG struct {
	nodes map[string]*DAGNode
	order []string // insertion order, which is the plan's document order
	mu    sync.RWMutex
}

// DAGNode is one step's position in the graph.
type DAGNode struct {
	ID           string
	Dependencies []string
	Status       StepStatus
}

// NewTaskDAG creates an empty dependency graph
func NewTaskDAG() *TaskDAG {
	return &TaskDAG{
		nodes: make(map[string]*DAGNode),
	}
}

// DAGFromTask builds a dependency graph snapshot from a task document.
func DAGFromTask(task *Task) *TaskDAG {
	dag := NewTaskDAG()
	for _, s := range task.Steps {
		dag.AddNode(s.ID, s.Dependencies)
		dag.SetStatus(s.ID, s.Status)
	}
	return dag
}

// AddNode inserts a node, or replaces an existing node's dependency
// set. Insertion order is remembered; it drives ready-set and level
// computation.
func (d *TaskDAG) AddNode(id string, dependencies []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, exists := d.nodes[id]; exists {
		existing.Dependencies = dependencies
		return
	}
	d.nodes[id] = &DAGNode{
		ID:           id,
		Dependencies: dependencies,
		Status:       StepPending,
	}
	d.order = append(d.order, id)
}

// SetStatus updates the recorded status of a node.
func (d *TaskDAG) SetStatus(id string, status StepStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if node, exists := d.nodes[id]; exists {
		node.Status = status
	}
}

// Node returns a specific node, or nil.
func (d *TaskDAG) Node(nodeID string) *DAGNode {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.nodes[nodeID]
}

// Dependents returns the ids of nodes that depend on the given node,
// in document order. Reverse edges are not stored; this scans the
// forward edge set.
func (d *TaskDAG) Dependents(nodeID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var dependents []string
	for _, id := range d.order {
		for _, dep := range d.nodes[id].Dependencies {
			if dep == nodeID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// Validate checks that every dependency resolves and the graph is
// acyclic. Acyclicity falls out of the level computation: a graph with
// a cycle can never settle all of its nodes.
func (d *TaskDAG) Validate() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, id := range d.order {
		for _, dep := range d.nodes[id].Dependencies {
			if _, exists := d.nodes[dep]; !exists {
				return fmt.Errorf("step %s depends on non-existent step %s: %w", id, dep, core.ErrInvalidPlan)
			}
		}
	}

	settled := 0
	for _, level := range d.peelLevels() {
		settled += len(level)
	}
	if settled != len(d.order) {
		return core.ErrCircularPlan
	}
	return nil
}

// ReadyNodes returns, in document order, the ids of nodes whose status
// is pending and whose dependencies all count as completed (done,
// skipped, or expanded).
func (d *TaskDAG) ReadyNodes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []string
	for _, id := range d.order {
		node := d.nodes[id]
		if node.Status != StepPending {
			continue
		}
		blocked := false
		for _, dep := range node.Dependencies {
			depNode, exists := d.nodes[dep]
			if !exists || !depNode.Status.CountsAsCompleted() {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	return ready
}

// IsComplete reports whether every node is in a terminal state.
func (d *TaskDAG) IsComplete() bool {
	return d.countWhere(func(n *DAGNode) bool { return !n.Status.IsTerminal() }) == 0
}

// HasRunningNodes reports whether any node is currently running.
func (d *TaskDAG) HasRunningNodes() bool {
	return d.countWhere(func(n *DAGNode) bool { return n.Status == StepRunning }) > 0
}

func (d *TaskDAG) countWhere(match func(*DAGNode) bool) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	count := 0
	for _, node := range d.nodes {
		if match(node) {
			count++
		}
	}
	return count
}

// TopologicalOrder returns node ids in a dependency-respecting order:
// the levels flattened, so ties keep document order.
func (d *TaskDAG) TopologicalOrder() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []string
	for _, level := range d.peelLevels() {
		result = append(result, level...)
	}
	return result
}

// ExecutionLevels returns node ids grouped by execution level; nodes
// in the same level have no dependency path between them and could run
// concurrently.
func (d *TaskDAG) ExecutionLevels() [][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.peelLevels()
}

// peelLevels is the single graph-walking primitive: peel off, round by
// round, every node whose dependencies were settled in earlier rounds.
// Each round is one execution level. Nodes trapped in a cycle are
// never settled and simply remain behind, which Validate exploits.
// Callers must hold at least a read lock.
func (d *TaskDAG) peelLevels() [][]string {
	settled := make(map[string]bool, len(d.order))
	var levels [][]string

	for len(settled) < len(d.order) {
		var level []string
		for _, id := range d.order {
			if settled[id] {
				continue
			}
			eligible := true
			for _, dep := range d.nodes[id].Dependencies {
				if !settled[dep] {
					eligible = false
					break
				}
			}
			if eligible {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break // remainder is cyclic or depends on missing nodes
		}
		for _, id := range level {
			settled[id] = true
		}
		levels = append(levels, level)
	}
	return levels
}

// Statistics returns aggregate counts for the DAG.
func (d *TaskDAG) Statistics() DAGStatistics {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := DAGStatistics{TotalNodes: len(d.order)}
	tally := make(map[StepStatus]int, len(statusTallyFields))
	fanOut := make(map[string]int, len(d.order))

	for _, id := range d.order {
		node := d.nodes[id]
		tally[node.Status]++
		if len(node.Dependencies) > stats.MaxDependencies {
			stats.MaxDependencies = len(node.Dependencies)
		}
		for _, dep := range node.Dependencies {
			fanOut[dep]++
		}
	}
	for _, count := range fanOut {
		if count > stats.MaxDependents {
			stats.MaxDependents = count
		}
	}

	for status, field := range statusTallyFields {
		*field(&stats) = tally[status]
	}
	return stats
}

// statusTallyFields maps step statuses onto their DAGStatistics
// counters.
var statusTallyFields = map[StepStatus]func(*DAGStatistics) *int{
	StepPending: func(s *DAGStatistics) *int { return &s.PendingNodes },
	StepRunning: func(s *DAGStatistics) *int { return &s.RunningNodes },
	StepDone:    func(s *DAGStatistics) *int { return &s.CompletedNodes },
	StepFailed:  func(s *DAGStatistics) *int { return &s.FailedNodes },
	StepSkipped: func(s *DAGStatistics) *int { return &s.SkippedNodes },
}

// DAGStatistics provides aggregate counts about the DAG
type DAGStatistics struct {
	TotalNodes      int
	PendingNodes    int
	RunningNodes    int
	CompletedNodes  int
	FailedNodes     int
	SkippedNodes    int
	MaxDependencies int // Maximum number of dependencies for any node
	MaxDependents   int // Maximum number of dependents (fan-out) for any node
}
