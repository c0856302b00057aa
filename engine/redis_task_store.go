// This file implements the TaskStore interface using Redis.
// Each task is stored as a JSON document under {prefix}:task:{task_id},
// with a per-user sorted-set index for listing. Mutations go through
// WATCH/MULTI so concurrent updaters race on the document's revision
// counter; the loser receives core.ErrConflict and must reload.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/helmsman-ai/helmsman/core"
)

// RedisTaskStore implements TaskStore using Redis JSON documents.
type RedisTaskStore struct {
	client *redis.Client
	config StoreSettings
	logger core.Logger
}

// NewRedisTaskStore creates a new Redis-backed task store.
// The client should already be connected to Redis.
func NewRedisTaskStore(client *redis.Client, config StoreSettings, logger core.Logger) *RedisTaskStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/store/task")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "helmsman"
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 100 * time.Millisecond
	}
	return &RedisTaskStore{
		client: client,
		config: config,
		logger: logger,
	}
}

func (s *RedisTaskStore) taskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", s.config.KeyPrefix, id)
}

func (s *RedisTaskStore) userIndexKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", s.config.KeyPrefix, userID)
}

// CreateTask persists a new task atomically after validating its plan.
func (s *RedisTaskStore) CreateTask(ctx context.Context, task *Task) (string, error) {
	if task.ID == "" {
		return "", fmt.Errorf("taskstore.Create: task id is required: %w", core.ErrInvalidPlan)
	}
	if err := ValidatePlan(task.Steps); err != nil {
		return "", fmt.Errorf("taskstore.Create [%s]: %w", task.ID, err)
	}

	task.Revision = 1
	task.UpdatedAt = time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = task.UpdatedAt
	}

	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("taskstore.Create [%s]: marshaling task: %w", task.ID, err)
	}

	err = s.withRetries(ctx, func() error {
		ok, err := s.client.SetNX(ctx, s.taskKey(task.ID), data, 0).Result()
		if err != nil {
			return s.wrapRedisErr("taskstore.Create", err)
		}
		if !ok {
			return fmt.Errorf("taskstore.Create [%s]: id already exists: %w", task.ID, core.ErrConflict)
		}
		return s.client.ZAdd(ctx, s.userIndexKey(task.UserID), &redis.Z{
			Score:  float64(task.CreatedAt.UnixNano()),
			Member: task.ID,
		}).Err()
	})
	if err != nil {
		return "", err
	}

	s.logger.InfoWithContext(ctx, "Task created", map[string]interface{}{
		"task_id":    task.ID,
		"user_id":    task.UserID,
		"version":    task.Version,
		"step_count": len(task.Steps),
	})
	return task.ID, nil
}

// GetTask returns a fully committed task document.
func (s *RedisTaskStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var task *Task
	err := s.withRetries(ctx, func() error {
		data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("taskstore.Get [%s]: %w", id, core.ErrTaskNotFound)
		}
		if err != nil {
			return s.wrapRedisErr("taskstore.Get", err)
		}
		task = &Task{}
		if err := json.Unmarshal(data, task); err != nil {
			return fmt.Errorf("taskstore.Get [%s]: unmarshaling task: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask applies a partial merge of top-level fields under CAS.
func (s *RedisTaskStore) UpdateTask(ctx context.Context, id string, patch *TaskPatch) (*Task, error) {
	return s.mutate(ctx, "taskstore.Update", id, func(task *Task) error {
		if task.Status.IsTerminal() {
			// A terminal task is immutable except for superseded_by.
			if patch.SupersededBy == nil || patch.Status != nil || patch.Metadata != nil ||
				patch.CurrentStepIndex != nil || patch.MaxParallelSteps != nil {
				return fmt.Errorf("taskstore.Update [%s]: %w", id, core.ErrTaskTerminal)
			}
		}
		applyTaskPatch(task, patch)
		return nil
	})
}

// UpdateStep applies a partial merge to one step under CAS.
func (s *RedisTaskStore) UpdateStep(ctx context.Context, taskID, stepID string, patch *StepPatch) (*Task, error) {
	return s.mutate(ctx, "taskstore.UpdateStep", taskID, func(task *Task) error {
		step := task.Step(stepID)
		if step == nil {
			return fmt.Errorf("taskstore.UpdateStep [%s/%s]: %w", taskID, stepID, core.ErrStepNotFound)
		}
		if step.Status.IsTerminal() && task.Status != TaskSuperseded {
			return fmt.Errorf("taskstore.UpdateStep [%s/%s]: %w", taskID, stepID, core.ErrStepTerminal)
		}
		applyStepPatch(step, patch)
		return nil
	})
}

// AppendFinding appends to the task's finding log.
func (s *RedisTaskStore) AppendFinding(ctx context.Context, taskID string, finding Finding) error {
	_, err := s.mutate(ctx, "taskstore.AppendFinding", taskID, func(task *Task) error {
		task.AccumulatedFindings = append(task.AccumulatedFindings, finding)
		return nil
	})
	return err
}

// ListByUser returns tasks owned by the user, newest first.
func (s *RedisTaskStore) ListByUser(ctx context.Context, userID string, status TaskStatus, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}

	ids, err := s.client.ZRevRange(ctx, s.userIndexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, s.wrapRedisErr("taskstore.ListByUser", err)
	}

	var tasks []*Task
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrTaskNotFound) {
				continue // index entry outlived the document
			}
			return nil, err
		}
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, task)
		if len(tasks) >= limit {
			break
		}
	}
	return tasks, nil
}

// VersionHistory walks parent_task_id from the given task.
func (s *RedisTaskStore) VersionHistory(ctx context.Context, taskID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 20
	}

	var lineage []*Task
	currentID := taskID
	for currentID != "" && len(lineage) < limit {
		task, err := s.GetTask(ctx, currentID)
		if err != nil {
			if errors.Is(err, core.ErrTaskNotFound) && len(lineage) > 0 {
				break // ancestor was deleted; chain ends here
			}
			return nil, err
		}
		lineage = append(lineage, task)
		currentID = task.ParentTaskID
	}
	return lineage, nil
}

// DeleteTask removes the task document and its user index entry.
// Checkpoint-state cascade is driven by the coordinator, which owns
// those records.
func (s *RedisTaskStore) DeleteTask(ctx context.Context, id string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return s.withRetries(ctx, func() error {
		if err := s.client.Del(ctx, s.taskKey(id)).Err(); err != nil {
			return s.wrapRedisErr("taskstore.Delete", err)
		}
		return s.client.ZRem(ctx, s.userIndexKey(task.UserID), id).Err()
	})
}

// mutate loads, modifies, and rewrites one task document inside a
// WATCH transaction. A concurrent writer invalidates the transaction
// and the caller receives core.ErrConflict.
func (s *RedisTaskStore) mutate(ctx context.Context, op, taskID string, modify func(*Task) error) (*Task, error) {
	key := s.taskKey(taskID)
	var updated *Task

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("%s [%s]: %w", op, taskID, core.ErrTaskNotFound)
		}
		if err != nil {
			return s.wrapRedisErr(op, err)
		}

		task := &Task{}
		if err := json.Unmarshal(data, task); err != nil {
			return fmt.Errorf("%s [%s]: unmarshaling task: %w", op, taskID, err)
		}

		if err := modify(task); err != nil {
			return err
		}

		task.Revision++
		task.UpdatedAt = time.Now().UTC()

		newData, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("%s [%s]: marshaling task: %w", op, taskID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := time.Duration(0)
			if s.config.CompletedTTL > 0 && task.Status.IsTerminal() {
				ttl = s.config.CompletedTTL
			}
			pipe.Set(ctx, key, newData, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = task
		return nil
	}

	err := s.client.Watch(ctx, txn, key)
	if err == redis.TxFailedErr {
		s.logger.DebugWithContext(ctx, "Task write lost CAS race", map[string]interface{}{
			"task_id": taskID,
			"op":      op,
		})
		return nil, fmt.Errorf("%s [%s]: concurrent update: %w", op, taskID, core.ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// withRetries retries transient Redis failures with a fixed delay.
// Conflicts and domain errors surface immediately.
func (s *RedisTaskStore) withRetries(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.config.RetryDelay):
			}
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, core.ErrStorageUnavailable) {
			return lastErr
		}
	}
	return lastErr
}

func (s *RedisTaskStore) wrapRedisErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, core.ErrStorageUnavailable)
}

func applyTaskPatch(task *Task, patch *TaskPatch) {
	if patch == nil {
		return
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.CurrentStepIndex != nil {
		task.CurrentStepIndex = *patch.CurrentStepIndex
	}
	if patch.MaxParallelSteps != nil {
		task.MaxParallelSteps = *patch.MaxParallelSteps
	}
	if patch.Metadata != nil {
		if task.Metadata == nil {
			task.Metadata = make(map[string]interface{}, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			task.Metadata[k] = v
		}
	}
	if patch.SupersededBy != nil {
		task.SupersededBy = *patch.SupersededBy
	}
	if patch.CompletedAt != nil {
		task.CompletedAt = patch.CompletedAt
	}
}

func applyStepPatch(step *Step, patch *StepPatch) {
	if patch == nil {
		return
	}
	if patch.Status != nil {
		step.Status = *patch.Status
	}
	if patch.Outputs != nil {
		step.Outputs = patch.Outputs
	}
	if patch.Inputs != nil {
		step.Inputs = patch.Inputs
	}
	if patch.InputsOverride != nil {
		step.InputsOverride = patch.InputsOverride
	}
	if patch.CheckpointInputs != nil {
		step.CheckpointInputs = patch.CheckpointInputs
	}
	if patch.ErrorMessage != nil {
		step.ErrorMessage = *patch.ErrorMessage
	}
	if patch.RetryCount != nil {
		step.RetryCount = *patch.RetryCount
	}
	if patch.FallbackConfig != nil {
		step.FallbackConfig = patch.FallbackConfig
	}
	if patch.StartedAt != nil {
		step.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		step.CompletedAt = patch.CompletedAt
	}
	if patch.ExecutionTime != nil {
		step.ExecutionTime = *patch.ExecutionTime
	}
}
