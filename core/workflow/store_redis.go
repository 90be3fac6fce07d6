package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrRunNotFound is returned when no run exists under the id.
var ErrRunNotFound = errors.New("run not found")

// RedisRunStore persists runs under packd:run:<id> with a per-instance
// index so instance deletion can cascade its history.
type RedisRunStore struct {
	client *redis.Client
}

// NewRedisRunStore wraps an existing Redis client.
func NewRedisRunStore(client *redis.Client) *RedisRunStore {
	return &RedisRunStore{client: client}
}

// SaveRun upserts a run document and its instance index entry.
func (s *RedisRunStore) SaveRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run id required")
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKey(run.ID), payload, 0)
	if run.InstanceID != "" {
		pipe.ZAdd(ctx, runInstanceIndexKey(run.InstanceID), redis.Z{
			Score:  float64(run.StartedAt.Unix()),
			Member: run.ID,
		})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetRun fetches a run by id, or ErrRunNotFound.
func (s *RedisRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("run id required")
	}
	data, err := s.client.Get(ctx, runKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRunsByInstance returns an instance's runs, newest first.
func (s *RedisRunStore) ListRunsByInstance(ctx context.Context, instanceID string, limit int64) ([]*Run, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id required")
	}
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, runInstanceIndexKey(instanceID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

// PurgeRuns removes every run an instance produced. Satisfies the
// lifecycle manager's history purger.
func (s *RedisRunStore) PurgeRuns(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return fmt.Errorf("instance id required")
	}
	ids, err := s.client.ZRange(ctx, runInstanceIndexKey(instanceID), 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, runKey(id))
	}
	pipe.Del(ctx, runInstanceIndexKey(instanceID))
	_, err = pipe.Exec(ctx)
	return err
}

func runKey(id string) string {
	return "packd:run:" + id
}

func runInstanceIndexKey(instanceID string) string {
	return "packd:run:instance:" + instanceID
}
