package pack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Repository persists install records. Implementations must make Save a
// full-record replacement so that a re-install leaves no partial state.
type Repository interface {
	Save(ctx context.Context, p *Pack) error
	Get(ctx context.Context, id string) (*Pack, error)
	List(ctx context.Context, limit int64) ([]*Pack, error)
	Delete(ctx context.Context, id string) error
}

// RedisRepository stores packs under packd:pack:<id> with a sorted-set
// index ordered by install time.
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository wraps an existing Redis client.
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

// Save upserts a pack record and bumps the index score.
func (r *RedisRepository) Save(ctx context.Context, p *Pack) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("pack id required")
	}
	if p.Source.InstalledAt.IsZero() {
		p.Source.InstalledAt = time.Now().UTC()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pack: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, packKey(p.ID), payload, 0)
	pipe.ZAdd(ctx, packIndexKey(), redis.Z{Score: float64(p.Source.InstalledAt.Unix()), Member: p.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns an installed pack by id, or ErrNotFound.
func (r *RedisRepository) Get(ctx context.Context, id string) (*Pack, error) {
	if id == "" {
		return nil, fmt.Errorf("id required")
	}
	data, err := r.client.Get(ctx, packKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var p Pack
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pack: %w", err)
	}
	return &p, nil
}

// List returns installed packs, most recently installed first.
func (r *RedisRepository) List(ctx context.Context, limit int64) ([]*Pack, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRevRange(ctx, packIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Pack{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, packKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]*Pack, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var p Pack
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

// Delete removes a pack record and its index entry. Deleting a missing
// pack returns ErrNotFound so callers can report it.
func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("id required")
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, packKey(id))
	pipe.ZRem(ctx, packIndexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func packKey(id string) string {
	return "packd:pack:" + id
}

func packIndexKey() string {
	return "packd:pack:index"
}
