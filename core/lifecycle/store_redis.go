package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Repository persists instance records.
type Repository interface {
	Save(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int64) ([]*Instance, error)
	ListByPack(ctx context.Context, packID string) ([]*Instance, error)
}

// RedisRepository stores instances under packd:instance:<id> with a
// global index and a per-pack index.
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository wraps an existing Redis client.
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

// Save upserts an instance record and both indexes.
func (r *RedisRepository) Save(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.ID == "" || inst.PackID == "" {
		return fmt.Errorf("instance id and pack id required")
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	score := float64(inst.CreatedAt.Unix())
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, instanceKey(inst.ID), payload, 0)
	pipe.ZAdd(ctx, instanceIndexKey(), redis.Z{Score: score, Member: inst.ID})
	pipe.ZAdd(ctx, instancePackIndexKey(inst.PackID), redis.Z{Score: score, Member: inst.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns an instance by id, or ErrNotFound.
func (r *RedisRepository) Get(ctx context.Context, id string) (*Instance, error) {
	if id == "" {
		return nil, fmt.Errorf("id required")
	}
	data, err := r.client.Get(ctx, instanceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance: %w", err)
	}
	return &inst, nil
}

// Delete removes an instance record and its index entries.
func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	inst, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, instanceKey(id))
	pipe.ZRem(ctx, instanceIndexKey(), id)
	pipe.ZRem(ctx, instancePackIndexKey(inst.PackID), id)
	_, err = pipe.Exec(ctx)
	return err
}

// List returns instances, most recently created first.
func (r *RedisRepository) List(ctx context.Context, limit int64) ([]*Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRevRange(ctx, instanceIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, ids)
}

// ListByPack returns every instance of one pack.
func (r *RedisRepository) ListByPack(ctx context.Context, packID string) ([]*Instance, error) {
	if packID == "" {
		return nil, fmt.Errorf("pack id required")
	}
	ids, err := r.client.ZRevRange(ctx, instancePackIndexKey(packID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, ids)
}

func (r *RedisRepository) fetch(ctx context.Context, ids []string) ([]*Instance, error) {
	if len(ids) == 0 {
		return []*Instance{}, nil
	}
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, instanceKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var inst Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			continue
		}
		out = append(out, &inst)
	}
	return out, nil
}

func instanceKey(id string) string {
	return "packd:instance:" + id
}

func instanceIndexKey() string {
	return "packd:instance:index"
}

func instancePackIndexKey(packID string) string {
	return "packd:instance:pack:" + packID
}
