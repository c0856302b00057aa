// Package core provides the shared kernel for the Helmsman task engine:
// logging, structured errors, and Redis client construction.
//
// This file implements a Redis client wrapper with database isolation and
// key namespacing for the engine's persistence backends.
//
// Database Allocation:
// The engine uses different Redis databases for isolation:
// - DB 0: Task documents and version lineage
// - DB 1: Preference records (checkpoint auto-approval)
// - DB 2: Checkpoint state
// - DB 3: Execution tree projections
// - DB 4-15: Available for applications
//
// Namespacing:
// All keys are prefixed with the configured namespace:
// - Tasks: "helmsman:tasks:*"
// - Preferences: "helmsman:prefs:*"
// - Checkpoints: "helmsman:checkpoints:*"
// - Execution tree: "helmsman:tree:*"
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis database allocation for engine stores.
const (
	RedisDBTasks       = 0
	RedisDBPreferences = 1
	RedisDBCheckpoints = 2
	RedisDBTree        = 3
)

// RedisClient provides a namespaced Redis interface with DB isolation
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger // Optional logger
}

// RedisClientOptions configures the Redis client
type RedisClientOptions struct {
	RedisURL  string
	DB        int    // Redis DB number for isolation (0-15)
	Namespace string // Key namespace for organization
	Logger    Logger // Optional logger
}

// NewRedisClient creates a new Redis client with specified options
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.Logger != nil {
		opts.Logger.Debug("Initializing Redis client", map[string]interface{}{
			"redis_url": opts.RedisURL,
			"db":        opts.DB,
			"namespace": opts.Namespace,
		})
	}

	if opts.RedisURL == "" {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to initialize Redis client", map[string]interface{}{
				"error":      "Redis URL is required",
				"error_type": "ErrInvalidConfiguration",
			})
		}
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	// Parse Redis URL
	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
				"error":     err,
				"redis_url": opts.RedisURL,
			})
		}
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	// Override DB for isolation
	redisOpt.DB = opts.DB

	client := redis.NewClient(redisOpt)

	// Verify connectivity before handing the client out
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Redis connection check failed", map[string]interface{}{
				"error": err.Error(),
				"db":    opts.DB,
			})
		}
		return nil, fmt.Errorf("redis ping failed: %w", ErrStorageUnavailable)
	}

	if opts.Logger != nil {
		opts.Logger.Info("Redis client initialized", map[string]interface{}{
			"db":        opts.DB,
			"namespace": opts.Namespace,
		})
	}

	return &RedisClient{
		client:    client,
		dbID:      opts.DB,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}, nil
}

// Client exposes the underlying go-redis client for store implementations
// that need transactions, pipelines, or pub/sub.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Key returns the namespaced form of the given key parts.
func (r *RedisClient) Key(parts ...string) string {
	key := r.namespace
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Namespace returns the configured key namespace.
func (r *RedisClient) Namespace() string {
	return r.namespace
}

// HealthCheck verifies the connection is alive.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check: %w", ErrStorageUnavailable)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *RedisClient) Close() error {
	return r.client.Close()
}
