package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/viperbmw/netstacks-sub000/types"
)

const (
	workflowPrefix = "netstacks:workflow:"
	runPrefix      = "netstacks:run:"
	stepTypePrefix = "netstacks:steptype:"
)

var (
	_ Storage       = (*RedisStorage)(nil)
	_ StepTypeStore = (*RedisStorage)(nil)
)

// RedisStorage is a Redis-backed implementation of Storage and StepTypeStore.
type RedisStorage struct {
	client *redis.Client
	runTTL time.Duration
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// RunTTL expires stored run results; zero keeps them forever.
	RunTTL time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client, runTTL: opts.RunTTL}, nil
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// saveToRedis saves a JSON-encoded value under prefix+id.
func (s *RedisStorage) saveToRedis(
	ctx context.Context, prefix, id string, value interface{}, ttl time.Duration,
) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%s: %v", prefix, id, err)
		}
		key := prefix + id
		if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals the value stored under prefix+id.
func getFromRedis[T any](
	ctx context.Context, client *redis.Client, prefix, id string, errNotFound error,
) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := prefix + id
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveWorkflow saves a workflow to Redis.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	return s.saveToRedis(ctx, workflowPrefix, wf.Name, wf, 0)
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, name string) (types.WorkflowDefinition, error) {
	return getFromRedis[types.WorkflowDefinition](ctx, s.client, workflowPrefix, name, ErrWorkflowNotFound)
}

// SaveWorkflows saves multiple workflows to Redis using pipelining.
func (s *RedisStorage) SaveWorkflows(ctx context.Context, wfs []types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, wf := range wfs {
			data, err := json.Marshal(wf)
			if err != nil {
				return fmt.Errorf("failed to marshal workflow %s: %v", wf.Name, err)
			}
			pipe.Set(ctx, workflowPrefix+wf.Name, data, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for workflows: %v", err)
		}
		return nil
	})
}

// SaveRun saves a run result to Redis.
func (s *RedisStorage) SaveRun(ctx context.Context, run types.WorkflowRunResult) error {
	return s.saveToRedis(ctx, runPrefix, strconv.FormatUint(run.RunID, 10), run, s.runTTL)
}

// GetRun retrieves a run result from Redis.
func (s *RedisStorage) GetRun(ctx context.Context, id uint64) (types.WorkflowRunResult, error) {
	return getFromRedis[types.WorkflowRunResult](
		ctx, s.client, runPrefix, strconv.FormatUint(id, 10), ErrRunNotFound,
	)
}

// SaveStepType registers a custom step type.
func (s *RedisStorage) SaveStepType(ctx context.Context, st types.CustomStepType) error {
	return s.saveToRedis(ctx, stepTypePrefix, st.StepTypeID, st, 0)
}

// LookupStepType resolves a custom step type by ID.
func (s *RedisStorage) LookupStepType(ctx context.Context, id string) (types.CustomStepType, error) {
	return getFromRedis[types.CustomStepType](ctx, s.client, stepTypePrefix, id, ErrStepTypeNotFound)
}

// ClearRuns removes stored runs that finished with the given status.
func (s *RedisStorage) ClearRuns(ctx context.Context, status string) error {
	return withContextError(ctx, func() error {
		var doomed []string
		iter := s.client.Scan(ctx, 0, runPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return fmt.Errorf("failed to get %s: %w", key, err)
			}

			var run types.WorkflowRunResult
			if err := json.Unmarshal(data, &run); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			if run.Status == status {
				doomed = append(doomed, key)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan run keys: %w", err)
		}
		if len(doomed) == 0 {
			return nil
		}
		return s.client.Del(ctx, doomed...).Err()
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
