// This file implements the PreferenceStore interface using Redis.
// Preferences are stored per (user_id, preference_key) as JSON under
// {prefix}:pref:{user_id}:{key}. Decision records fold into the stored
// aggregate: agreement raises confidence, disagreement flips the
// decision and starts rebuilding confidence.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/helmsman-ai/helmsman/core"
)

// Confidence schedule for learned preferences. A fresh preference
// starts below the auto-approval threshold and earns its way up
// through repeated consistent decisions.
const (
	preferenceInitialConfidence = 0.6
	preferenceConfidenceStep    = 0.1
	preferenceMaxConfidence     = 0.95
	preferenceFlipConfidence    = 0.5
)

// RedisPreferenceStore implements PreferenceStore using Redis.
type RedisPreferenceStore struct {
	client *redis.Client
	config StoreSettings
	logger core.Logger
}

// NewRedisPreferenceStore creates a new Redis-backed preference store.
func NewRedisPreferenceStore(client *redis.Client, config StoreSettings, logger core.Logger) *RedisPreferenceStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/store/preference")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "helmsman"
	}
	return &RedisPreferenceStore{
		client: client,
		config: config,
		logger: logger,
	}
}

func (s *RedisPreferenceStore) prefKey(userID, preferenceKey string) string {
	return fmt.Sprintf("%s:pref:%s:%s", s.config.KeyPrefix, userID, preferenceKey)
}

// Query returns the preference for (user, key) when its context
// pattern matches the checkpoint context, or nil.
func (s *RedisPreferenceStore) Query(ctx context.Context, userID, preferenceKey string, checkpointContext map[string]interface{}) (*Preference, error) {
	if preferenceKey == "" {
		return nil, nil
	}

	data, err := s.client.Get(ctx, s.prefKey(userID, preferenceKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prefstore.Query: %v: %w", err, core.ErrStorageUnavailable)
	}

	pref := &Preference{}
	if err := json.Unmarshal(data, pref); err != nil {
		return nil, fmt.Errorf("prefstore.Query: unmarshaling preference: %w", err)
	}

	if !contextMatches(pref.ContextPattern, checkpointContext) {
		return nil, nil
	}
	return pref, nil
}

// RecordDecision folds one approval or rejection into the stored
// aggregate, creating it when absent.
func (s *RedisPreferenceStore) RecordDecision(ctx context.Context, userID, preferenceKey string, contextPattern map[string]interface{}, decision string) (*Preference, error) {
	if preferenceKey == "" {
		return nil, nil
	}
	key := s.prefKey(userID, preferenceKey)

	var updated *Preference
	txn := func(tx *redis.Tx) error {
		pref := &Preference{}
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			pref = &Preference{
				ID:             uuid.New().String(),
				UserID:         userID,
				PreferenceKey:  preferenceKey,
				ContextPattern: contextPattern,
				Decision:       decision,
				Confidence:     preferenceInitialConfidence,
			}
		case err != nil:
			return fmt.Errorf("prefstore.Record: %v: %w", err, core.ErrStorageUnavailable)
		default:
			if err := json.Unmarshal(data, pref); err != nil {
				return fmt.Errorf("prefstore.Record: unmarshaling preference: %w", err)
			}
			if pref.Decision == decision {
				pref.Confidence += preferenceConfidenceStep
				if pref.Confidence > preferenceMaxConfidence {
					pref.Confidence = preferenceMaxConfidence
				}
			} else {
				// Contradicting decision: flip and rebuild trust.
				pref.Decision = decision
				pref.Confidence = preferenceFlipConfidence
			}
			if contextPattern != nil {
				pref.ContextPattern = contextPattern
			}
		}
		pref.UpdatedAt = time.Now().UTC()

		newData, err := json.Marshal(pref)
		if err != nil {
			return fmt.Errorf("prefstore.Record: marshaling preference: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = pref
		return nil
	}

	err := s.client.Watch(ctx, txn, key)
	if err == redis.TxFailedErr {
		// Preference writes are idempotent in aggregate; losing a race
		// is not worth surfacing to checkpoint resolution.
		return s.getPreference(ctx, userID, preferenceKey)
	}
	if err != nil {
		return nil, err
	}

	s.logger.DebugWithContext(ctx, "Preference decision recorded", map[string]interface{}{
		"user_id":        userID,
		"preference_key": preferenceKey,
		"decision":       decision,
		"confidence":     updated.Confidence,
	})
	return updated, nil
}

// IncrementUsage bumps the usage counter after an auto-approval.
func (s *RedisPreferenceStore) IncrementUsage(ctx context.Context, userID, preferenceKey string) error {
	key := s.prefKey(userID, preferenceKey)
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("prefstore.IncrementUsage [%s]: preference not found", preferenceKey)
		}
		if err != nil {
			return fmt.Errorf("prefstore.IncrementUsage: %v: %w", err, core.ErrStorageUnavailable)
		}
		pref := &Preference{}
		if err := json.Unmarshal(data, pref); err != nil {
			return err
		}
		pref.UsageCount++
		pref.UpdatedAt = time.Now().UTC()

		newData, err := json.Marshal(pref)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, 0)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if err == redis.TxFailedErr {
		// Retry once; usage counting rarely contends.
		err = s.client.Watch(ctx, txn, key)
	}
	return err
}

func (s *RedisPreferenceStore) getPreference(ctx context.Context, userID, preferenceKey string) (*Preference, error) {
	data, err := s.client.Get(ctx, s.prefKey(userID, preferenceKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prefstore.Get: %v: %w", err, core.ErrStorageUnavailable)
	}
	pref := &Preference{}
	if err := json.Unmarshal(data, pref); err != nil {
		return nil, err
	}
	return pref, nil
}

// contextMatches reports whether every field of the stored pattern
// equals the corresponding checkpoint context field. An empty pattern
// matches everything.
func contextMatches(pattern, checkpointContext map[string]interface{}) bool {
	for k, want := range pattern {
		got, ok := checkpointContext[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
