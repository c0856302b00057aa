// This file implements the ExecutionTree interface using Redis.
// The latest update per node lives in a hash under
// {prefix}:tree:{tree_id}:nodes; live updates fan out over pub/sub on
// {prefix}:tree:{tree_id}:updates. A per-tree counter provides the
// monotonic sequence observers use to order messages.
//
// The projection is derived state: it can always be rebuilt from the
// task document, and every write path treats failures as non-fatal.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/helmsman-ai/helmsman/core"
	"github.com/helmsman-ai/helmsman/telemetry"
)

// RedisExecutionTree implements ExecutionTree using Redis hashes and pub/sub.
type RedisExecutionTree struct {
	client *redis.Client
	config StoreSettings
	logger core.Logger
}

// NewRedisExecutionTree creates a new Redis-backed execution tree projection.
func NewRedisExecutionTree(client *redis.Client, config StoreSettings, logger core.Logger) *RedisExecutionTree {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/store/tree")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "helmsman"
	}
	return &RedisExecutionTree{
		client: client,
		config: config,
		logger: logger,
	}
}

func (s *RedisExecutionTree) nodesKey(treeID string) string {
	return fmt.Sprintf("%s:tree:%s:nodes", s.config.KeyPrefix, treeID)
}

func (s *RedisExecutionTree) seqKey(treeID string) string {
	return fmt.Sprintf("%s:tree:%s:seq", s.config.KeyPrefix, treeID)
}

func (s *RedisExecutionTree) channel(treeID string) string {
	return fmt.Sprintf("%s:tree:%s:updates", s.config.KeyPrefix, treeID)
}

// Publish records a node update and fans it out to subscribers.
func (s *RedisExecutionTree) Publish(ctx context.Context, treeID string, update NodeUpdate) error {
	seq, err := s.client.Incr(ctx, s.seqKey(treeID)).Result()
	if err != nil {
		return fmt.Errorf("tree.Publish: %v: %w", err, core.ErrStorageUnavailable)
	}
	update.Sequence = seq

	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("tree.Publish: marshaling update: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.nodesKey(treeID), update.NodeID, data)
	if s.config.TreeTTL > 0 {
		pipe.Expire(ctx, s.nodesKey(treeID), s.config.TreeTTL)
		pipe.Expire(ctx, s.seqKey(treeID), s.config.TreeTTL)
	}
	pipe.Publish(ctx, s.channel(treeID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tree.Publish: %v: %w", err, core.ErrStorageUnavailable)
	}

	telemetry.Counter("engine.tree.updates_published",
		"status", string(update.Status),
		"module", telemetry.ModuleStore,
	)
	return nil
}

// Snapshot returns the latest known update per node.
func (s *RedisExecutionTree) Snapshot(ctx context.Context, treeID string) (map[string]NodeUpdate, error) {
	entries, err := s.client.HGetAll(ctx, s.nodesKey(treeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("tree.Snapshot: %v: %w", err, core.ErrStorageUnavailable)
	}

	snapshot := make(map[string]NodeUpdate, len(entries))
	for nodeID, raw := range entries {
		var update NodeUpdate
		if err := json.Unmarshal([]byte(raw), &update); err != nil {
			s.logger.Warn("Dropping undecodable tree node", map[string]interface{}{
				"tree_id": treeID,
				"node_id": nodeID,
				"error":   err.Error(),
			})
			continue
		}
		snapshot[nodeID] = update
	}
	return snapshot, nil
}

// Subscribe returns an ordered stream of node updates for a tree.
func (s *RedisExecutionTree) Subscribe(ctx context.Context, treeID string) (<-chan NodeUpdate, func(), error) {
	pubsub := s.client.Subscribe(ctx, s.channel(treeID))

	// Force the subscription to be established before returning so a
	// caller that publishes immediately afterwards is not racing it.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("tree.Subscribe: %v: %w", err, core.ErrStorageUnavailable)
	}

	updates := make(chan NodeUpdate, 64)
	done := make(chan struct{})

	go func() {
		defer close(updates)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var update NodeUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					s.logger.Warn("Dropping undecodable tree update", map[string]interface{}{
						"tree_id": treeID,
						"error":   err.Error(),
					})
					continue
				}
				select {
				case updates <- update:
				case <-done:
					return
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = pubsub.Close()
	}
	return updates, cancel, nil
}

// Rebuild reconstructs the projection from a task document. It writes
// the snapshot hash without publishing: observers re-sync via Snapshot.
func (s *RedisExecutionTree) Rebuild(ctx context.Context, task *Task) error {
	treeID := task.TreeID
	if treeID == "" {
		treeID = task.ID
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.nodesKey(treeID))
	for i, step := range task.Steps {
		update := NodeUpdateFromStep(step)
		update.Sequence = int64(i + 1)
		data, err := json.Marshal(update)
		if err != nil {
			return fmt.Errorf("tree.Rebuild: marshaling node: %w", err)
		}
		pipe.HSet(ctx, s.nodesKey(treeID), step.ID, data)
	}
	pipe.Set(ctx, s.seqKey(treeID), len(task.Steps), s.config.TreeTTL)
	if s.config.TreeTTL > 0 {
		pipe.Expire(ctx, s.nodesKey(treeID), s.config.TreeTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tree.Rebuild: %v: %w", err, core.ErrStorageUnavailable)
	}

	s.logger.InfoWithContext(ctx, "Execution tree rebuilt", map[string]interface{}{
		"tree_id":    treeID,
		"node_count": len(task.Steps),
	})
	return nil
}

// NodeUpdateFromStep projects a step's current state into a NodeUpdate.
func NodeUpdateFromStep(step *Step) NodeUpdate {
	update := NodeUpdate{
		NodeID:          step.ID,
		Status:          step.Status,
		Name:            step.Name,
		Error:           step.ErrorMessage,
		StartedAt:       step.StartedAt,
		CompletedAt:     step.CompletedAt,
		DurationSeconds: step.ExecutionTime,
	}
	if step.Status == StepDone && len(step.Outputs) > 0 {
		update.ResultSummary = summarizeOutputs(step.Outputs)
	}
	return update
}

// summarizeOutputs renders a short, deterministic result summary for
// observers: field names only, never values (outputs may be large or
// sensitive).
func summarizeOutputs(outputs map[string]interface{}) string {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	summary := ""
	for i, k := range keys {
		if i > 0 {
			summary += ", "
		}
		summary += k
	}
	return fmt.Sprintf("produced %d field(s): %s", len(outputs), summary)
}
