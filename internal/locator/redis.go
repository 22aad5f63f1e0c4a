package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
)

const (
	targetKeyPrefix = "orbit:targets:"
	workerKeyPrefix = "orbit:worker:"
)

// RedisRegistry keeps targets in one hash per fitable, keyed by worker id.
// Each worker also owns a set of the hashes it registered into, so
// DeregisterWorker can withdraw all of them.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry connects to Redis. A positive ttl expires fitable
// hashes that are not re-registered in time.
func NewRedisRegistry(addr, password string, db int, ttl time.Duration) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisRegistry{client: client, ttl: ttl}, nil
}

// NewRedisRegistryWithClient wraps an existing client.
func NewRedisRegistryWithClient(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// Ping checks Redis connectivity
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func targetKey(id domain.FitableID) string {
	return fmt.Sprintf("%s%s:%s:%s:%s", targetKeyPrefix, id.GenericableID, id.GenericableVersion, id.FitableID, id.FitableVersion)
}

func workerKey(workerID string) string {
	return workerKeyPrefix + workerID
}

func (r *RedisRegistry) Register(ctx context.Context, id domain.FitableID, target domain.Target) error {
	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	key := targetKey(id)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, target.WorkerID, data)
	pipe.SAdd(ctx, workerKey(target.WorkerID), key)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
		pipe.Expire(ctx, workerKey(target.WorkerID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register target: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, id domain.FitableID, workerID string) error {
	key := targetKey(id)
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, key, workerID)
	pipe.SRem(ctx, workerKey(workerID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deregister target: %w", err)
	}
	return nil
}

// DeregisterWorker removes workerID from every hash it registered into.
func (r *RedisRegistry) DeregisterWorker(ctx context.Context, workerID string) error {
	keys, err := r.client.SMembers(ctx, workerKey(workerID)).Result()
	if err != nil {
		return fmt.Errorf("list worker registrations: %w", err)
	}
	pipe := r.client.TxPipeline()
	for _, key := range keys {
		pipe.HDel(ctx, key, workerID)
	}
	pipe.Del(ctx, workerKey(workerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deregister worker: %w", err)
	}
	return nil
}

// GetTargetsFor returns the registered targets ordered by worker id.
// Entries that fail to decode are skipped.
func (r *RedisRegistry) GetTargetsFor(ctx context.Context, id domain.FitableID) ([]domain.Target, error) {
	entries, err := r.client.HGetAll(ctx, targetKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get targets: %w", err)
	}

	out := make([]domain.Target, 0, len(entries))
	for workerID, raw := range entries {
		var t domain.Target
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			logging.Op().Warn("skip malformed target", "fitable", id.String(), "worker", workerID, "error", err)
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
