package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/houndflow/pkg/schema"
)

const (
	DefaultRedisPrefix = "houndflow"
	scanBatch          = 200
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// StateTTL expires execution snapshots. Zero keeps them forever.
	// Workflow definitions never expire.
	StateTTL time.Duration
}

// RedisStore keeps snapshots under <prefix>:exec:<id> and definitions in the
// <prefix>:workflows hash.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storeError("connect redis "+opts.Addr, err)
	}
	return NewRedisStoreFromClient(client, opts), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, opts RedisOptions) *RedisStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: opts.StateTTL}
}

func (s *RedisStore) execKey(id string) string { return s.prefix + ":exec:" + id }
func (s *RedisStore) workflowsKey() string     { return s.prefix + ":workflows" }

// --- Execution snapshots ---

func (s *RedisStore) SaveState(ctx context.Context, executionID string, snapshot []byte) error {
	if err := validSnapshot(executionID, snapshot); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.execKey(executionID), snapshot, s.ttl).Err(); err != nil {
		return storeError("save execution "+executionID, err)
	}
	return nil
}

func (s *RedisStore) LoadState(ctx context.Context, executionID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.execKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("execution", executionID)
	}
	if err != nil {
		return nil, storeError("load execution "+executionID, err)
	}
	return data, nil
}

// ListExecutions scans the snapshot keys. It is linear in the number of
// stored executions.
func (s *RedisStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionSummary, error) {
	keyPrefix := s.execKey("")
	var out []*ExecutionSummary

	iter := s.client.Scan(ctx, 0, keyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, storeError("list executions", err)
		}
		sum := summarize(strings.TrimPrefix(key, keyPrefix), data)
		if filter.match(sum) {
			out = append(out, sum)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, storeError("scan executions", err)
	}
	return sortExecutions(out, filter.Limit), nil
}

// --- Workflows ---

func (s *RedisStore) PutWorkflow(ctx context.Context, wf *schema.Workflow) error {
	data, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.workflowsKey(), wf.ID, data).Err(); err != nil {
		return storeError("put workflow "+wf.ID, err)
	}
	return nil
}

func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	data, err := s.client.HGet(ctx, s.workflowsKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeError("get workflow "+id, err)
	}
	return decodeWorkflow(id, data)
}

func (s *RedisStore) DeleteWorkflow(ctx context.Context, id string) error {
	n, err := s.client.HDel(ctx, s.workflowsKey(), id).Result()
	if err != nil {
		return storeError("delete workflow "+id, err)
	}
	if n == 0 {
		return storeNotFound("workflow", id)
	}
	return nil
}

func (s *RedisStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	all, err := s.client.HGetAll(ctx, s.workflowsKey()).Result()
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	out := make([]*schema.Workflow, 0, len(all))
	for id, data := range all {
		wf, err := decodeWorkflow(id, []byte(data))
		if err != nil {
			return nil, err
		}
		if filter.Category != "" && wf.Category != filter.Category {
			continue
		}
		out = append(out, wf)
	}
	sortWorkflows(out)
	return out, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }
