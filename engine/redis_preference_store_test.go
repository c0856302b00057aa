package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreferenceConfidenceGrowsWithAgreement(t *testing.T) {
	ctx := context.Background()
	store := NewRedisPreferenceStore(newTestRedis(t), StoreSettings{KeyPrefix: "test"}, nil)

	pref, err := store.RecordDecision(ctx, "u1", "deploy_prod", nil, "approved")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, pref.Confidence, 0.001, "fresh preference starts below auto-approval threshold")

	for i := 0; i < 5; i++ {
		pref, err = store.RecordDecision(ctx, "u1", "deploy_prod", nil, "approved")
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.95, pref.Confidence, 0.001, "confidence caps at 0.95")
}

func TestPreferenceFlipResetsConfidence(t *testing.T) {
	ctx := context.Background()
	store := NewRedisPreferenceStore(newTestRedis(t), StoreSettings{KeyPrefix: "test"}, nil)

	for i := 0; i < 4; i++ {
		_, err := store.RecordDecision(ctx, "u1", "deploy_prod", nil, "approved")
		require.NoError(t, err)
	}
	pref, err := store.RecordDecision(ctx, "u1", "deploy_prod", nil, "rejected")
	require.NoError(t, err)
	assert.Equal(t, "rejected", pref.Decision)
	assert.InDelta(t, 0.5, pref.Confidence, 0.001, "contradiction flips the decision and rebuilds trust")
}

func TestPreferenceContextPatternMatching(t *testing.T) {
	ctx := context.Background()
	store := NewRedisPreferenceStore(newTestRedis(t), StoreSettings{KeyPrefix: "test"}, nil)

	pattern := map[string]interface{}{"agent_type": "notifier"}
	_, err := store.RecordDecision(ctx, "u1", "notify", pattern, "approved")
	require.NoError(t, err)

	match, err := store.Query(ctx, "u1", "notify", map[string]interface{}{"agent_type": "notifier", "step_name": "N"})
	require.NoError(t, err)
	assert.NotNil(t, match)

	miss, err := store.Query(ctx, "u1", "notify", map[string]interface{}{"agent_type": "mailer"})
	require.NoError(t, err)
	assert.Nil(t, miss, "non-matching context must not return the preference")

	none, err := store.Query(ctx, "u1", "unknown_key", map[string]interface{}{})
	require.NoError(t, err)
	assert.Nil(t, none)
}
