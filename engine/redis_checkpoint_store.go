// This file implements the CheckpointStore interface using Redis.
// Each gate is stored as JSON under {prefix}:checkpoint:{plan}:{step}.
// Pending gates are indexed in a sorted set scored by expires_at so
// the expiry sweep is a single range query; a per-task set supports
// cascade deletion when the owning task is deleted.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/helmsman-ai/helmsman/core"
)

// RedisCheckpointStore implements CheckpointStore using Redis.
type RedisCheckpointStore struct {
	client *redis.Client
	config StoreSettings
	logger core.Logger
}

// NewRedisCheckpointStore creates a new Redis-backed checkpoint store.
func NewRedisCheckpointStore(client *redis.Client, config StoreSettings, logger core.Logger) *RedisCheckpointStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/store/checkpoint")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "helmsman"
	}
	return &RedisCheckpointStore{
		client: client,
		config: config,
		logger: logger,
	}
}

func (s *RedisCheckpointStore) gateKey(planID, stepID string) string {
	return fmt.Sprintf("%s:checkpoint:%s:%s", s.config.KeyPrefix, planID, stepID)
}

func (s *RedisCheckpointStore) pendingIndexKey() string {
	return fmt.Sprintf("%s:checkpoints:pending", s.config.KeyPrefix)
}

func (s *RedisCheckpointStore) taskIndexKey(planID string) string {
	return fmt.Sprintf("%s:checkpoints:task:%s", s.config.KeyPrefix, planID)
}

func pendingMember(planID, stepID string) string {
	return planID + "|" + stepID
}

func splitPendingMember(member string) (planID, stepID string, ok bool) {
	parts := strings.SplitN(member, "|", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Save persists a new checkpoint state and indexes it.
func (s *RedisCheckpointStore) Save(ctx context.Context, state *CheckpointState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpointstore.Save: marshaling state: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.gateKey(state.PlanID, state.StepID), data, 0)
	pipe.SAdd(ctx, s.taskIndexKey(state.PlanID), state.StepID)
	if state.Decision == DecisionPending {
		pipe.ZAdd(ctx, s.pendingIndexKey(), &redis.Z{
			Score:  float64(state.ExpiresAt.Unix()),
			Member: pendingMember(state.PlanID, state.StepID),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpointstore.Save: %v: %w", err, core.ErrStorageUnavailable)
	}
	return nil
}

// Get returns the gate for (plan, step).
func (s *RedisCheckpointStore) Get(ctx context.Context, planID, stepID string) (*CheckpointState, error) {
	data, err := s.client.Get(ctx, s.gateKey(planID, stepID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("checkpointstore.Get [%s/%s]: %w", planID, stepID, core.ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpointstore.Get: %v: %w", err, core.ErrStorageUnavailable)
	}
	state := &CheckpointState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("checkpointstore.Get: unmarshaling state: %w", err)
	}
	return state, nil
}

// Update rewrites a gate under WATCH. Terminal decisions are final:
// overwriting one fails with core.ErrCheckpointDecided, which is how
// a racing approve/expire loses cleanly.
func (s *RedisCheckpointStore) Update(ctx context.Context, state *CheckpointState) error {
	key := s.gateKey(state.PlanID, state.StepID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("checkpointstore.Update [%s/%s]: %w", state.PlanID, state.StepID, core.ErrCheckpointNotFound)
		}
		if err != nil {
			return fmt.Errorf("checkpointstore.Update: %v: %w", err, core.ErrStorageUnavailable)
		}
		existing := &CheckpointState{}
		if err := json.Unmarshal(data, existing); err != nil {
			return fmt.Errorf("checkpointstore.Update: unmarshaling state: %w", err)
		}
		if existing.Decision.IsTerminal() {
			return fmt.Errorf("checkpointstore.Update [%s/%s]: decision is %s: %w",
				state.PlanID, state.StepID, existing.Decision, core.ErrCheckpointDecided)
		}

		newData, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("checkpointstore.Update: marshaling state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, 0)
			if state.Decision.IsTerminal() {
				pipe.ZRem(ctx, s.pendingIndexKey(), pendingMember(state.PlanID, state.StepID))
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if err == redis.TxFailedErr {
		return fmt.Errorf("checkpointstore.Update [%s/%s]: concurrent update: %w", state.PlanID, state.StepID, core.ErrConflict)
	}
	return err
}

// ListPending returns pending gates matching the filter, soonest
// expiry first.
func (s *RedisCheckpointStore) ListPending(ctx context.Context, filter CheckpointFilter) ([]*CheckpointState, error) {
	members, err := s.client.ZRangeByScore(ctx, s.pendingIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpointstore.ListPending: %v: %w", err, core.ErrStorageUnavailable)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*CheckpointState
	for _, member := range members {
		planID, stepID, ok := splitPendingMember(member)
		if !ok {
			continue
		}
		if filter.PlanID != "" && planID != filter.PlanID {
			continue
		}
		state, err := s.Get(ctx, planID, stepID)
		if err != nil {
			continue // index entry outlived the gate
		}
		if state.Decision != DecisionPending {
			continue
		}
		if filter.UserID != "" && state.UserID != filter.UserID {
			continue
		}
		out = append(out, state)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListExpired returns pending gates whose expires_at is before the
// given instant.
func (s *RedisCheckpointStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*CheckpointState, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := s.client.ZRangeByScore(ctx, s.pendingIndexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpointstore.ListExpired: %v: %w", err, core.ErrStorageUnavailable)
	}

	var out []*CheckpointState
	for _, member := range members {
		planID, stepID, ok := splitPendingMember(member)
		if !ok {
			continue
		}
		state, err := s.Get(ctx, planID, stepID)
		if err != nil {
			continue
		}
		if state.Decision != DecisionPending {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

// DeleteForTask removes all gates owned by a task.
func (s *RedisCheckpointStore) DeleteForTask(ctx context.Context, planID string) error {
	stepIDs, err := s.client.SMembers(ctx, s.taskIndexKey(planID)).Result()
	if err != nil {
		return fmt.Errorf("checkpointstore.DeleteForTask: %v: %w", err, core.ErrStorageUnavailable)
	}

	pipe := s.client.Pipeline()
	for _, stepID := range stepIDs {
		pipe.Del(ctx, s.gateKey(planID, stepID))
		pipe.ZRem(ctx, s.pendingIndexKey(), pendingMember(planID, stepID))
	}
	pipe.Del(ctx, s.taskIndexKey(planID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpointstore.DeleteForTask: %v: %w", err, core.ErrStorageUnavailable)
	}

	s.logger.DebugWithContext(ctx, "Checkpoint state deleted for task", map[string]interface{}{
		"task_id":    planID,
		"gate_count": len(stepIDs),
	})
	return nil
}
