package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/songzhibin97/approval-workflow/types"
)

const (
	keyPrefix      = "approval:"
	workflowPrefix = keyPrefix + "workflow:"
	instancePrefix = keyPrefix + "instance:"
	historyPrefix  = keyPrefix + "history:"
	checkpointPref = keyPrefix + "checkpoint:"
	instanceIDsKey = keyPrefix + "instance_ids"
	pendingKey     = keyPrefix + "pending" // sorted set: checkpoint ID scored by deadline
	leaderKey      = keyPrefix + "leader"

	leaderLease = 30 * time.Second
)

func instanceKey(id uint64) string { return instancePrefix + strconv.FormatUint(id, 10) }

func historyKey(id uint64) string { return historyPrefix + strconv.FormatUint(id, 10) }

func checkpointKey(id string) string { return checkpointPref + id }

// RedisStorage is a Redis-backed implementation of the Storage interface.
// The instance row lives in a string key, its history in a list; commits
// run inside WATCH/MULTI so a concurrent writer aborts the transaction.
type RedisStorage struct {
	client *redis.Client
	owner  string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
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
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client, owner: uuid.NewString()}, nil
}

// SaveWorkflow saves a workflow to Redis.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow %d: %w", wf.ID, err)
		}
		key := workflowPrefix + strconv.FormatUint(wf.ID, 10)
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error) {
	return withContext(ctx, func() (types.Workflow, error) {
		key := workflowPrefix + strconv.FormatUint(id, 10)
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.Workflow{}, fmt.Errorf("%w: id=%d", types.ErrWorkflowNotFound, id)
		} else if err != nil {
			return types.Workflow{}, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		var wf types.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return types.Workflow{}, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return wf, nil
	})
}

// Create stores a new instance unless the key already exists.
func (s *RedisStorage) Create(ctx context.Context, snap types.Snapshot) error {
	return withContextError(ctx, func() error {
		id := snap.Instance.ID
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, instanceKey(id)).Result()
			if err != nil {
				return fmt.Errorf("failed to check instance %d: %w", id, err)
			}
			if n > 0 {
				return fmt.Errorf("%w: instance %d already exists", types.ErrInvalidState, id)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return writeSnapshot(ctx, pipe, snap, snap.Instance.Steps)
			})
			return err
		}, instanceKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: instance %d created concurrently", types.ErrInvalidState, id)
		}
		return err
	})
}

// Load reads the instance row and its history in one MULTI block.
func (s *RedisStorage) Load(ctx context.Context, instanceID uint64) (types.Snapshot, error) {
	return withContext(ctx, func() (types.Snapshot, error) {
		var head *redis.StringCmd
		var hist *redis.StringSliceCmd
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			head = pipe.Get(ctx, instanceKey(instanceID))
			hist = pipe.LRange(ctx, historyKey(instanceID), 0, -1)
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return types.Snapshot{}, fmt.Errorf("failed to load instance %d: %w", instanceID, err)
		}
		return decodeSnapshot(instanceID, head, hist)
	})
}

// Commit writes next if the stored version equals expectedVersion.
func (s *RedisStorage) Commit(ctx context.Context, instanceID, expectedVersion uint64, next types.Snapshot) error {
	return withContextError(ctx, func() error {
		return s.compareAndSwap(ctx, instanceID, func(cur types.Snapshot) (types.Snapshot, error) {
			return next, nil
		}, expectedVersion)
	})
}

// AppendHistory appends rec and bumps the version.
func (s *RedisStorage) AppendHistory(ctx context.Context, instanceID, expectedVersion uint64, rec types.StepRecord) (types.Snapshot, error) {
	var out types.Snapshot
	err := withContextError(ctx, func() error {
		return s.compareAndSwap(ctx, instanceID, func(cur types.Snapshot) (types.Snapshot, error) {
			out = appendRecord(cur, rec, time.Now().UnixMilli())
			return out, nil
		}, expectedVersion)
	})
	if err != nil {
		return types.Snapshot{}, err
	}
	return out, nil
}

// compareAndSwap runs build against the watched snapshot and writes the
// result atomically. A concurrent write to the watched keys surfaces as
// ErrVersionConflict.
func (s *RedisStorage) compareAndSwap(ctx context.Context, instanceID uint64, build func(types.Snapshot) (types.Snapshot, error), expectedVersion uint64) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		head := tx.Get(ctx, instanceKey(instanceID))
		if err := head.Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read instance %d: %w", instanceID, err)
		}
		hist := tx.LRange(ctx, historyKey(instanceID), 0, -1)
		if err := hist.Err(); err != nil {
			return fmt.Errorf("failed to read history %d: %w", instanceID, err)
		}
		cur, err := decodeSnapshot(instanceID, head, hist)
		if err != nil {
			return err
		}
		next, err := build(cur)
		if err != nil {
			return err
		}
		appended, err := checkCommit(cur, expectedVersion, next)
		if err != nil {
			return err
		}
		tail := next.Instance.Steps[len(next.Instance.Steps)-appended:]
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return writeSnapshot(ctx, pipe, next, tail)
		})
		return err
	}, instanceKey(instanceID), historyKey(instanceID))
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: instance %d changed during commit", types.ErrVersionConflict, instanceID)
	}
	return err
}

// GetCheckpoint resolves the owning instance and returns the checkpoint.
func (s *RedisStorage) GetCheckpoint(ctx context.Context, checkpointID string) (types.ApprovalCheckpoint, error) {
	return withContext(ctx, func() (types.ApprovalCheckpoint, error) {
		id, err := s.client.Get(ctx, checkpointKey(checkpointID)).Uint64()
		if errors.Is(err, redis.Nil) {
			return types.ApprovalCheckpoint{}, fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, checkpointID)
		} else if err != nil {
			return types.ApprovalCheckpoint{}, fmt.Errorf("failed to get checkpoint %s: %w", checkpointID, err)
		}
		snap, err := s.Load(ctx, id)
		if err != nil {
			return types.ApprovalCheckpoint{}, err
		}
		cp, ok := snap.Checkpoint(checkpointID)
		if !ok {
			return types.ApprovalCheckpoint{}, fmt.Errorf("%w: checkpoint %s", types.ErrNotFound, checkpointID)
		}
		return cp, nil
	})
}

// ListPendingCheckpoints reads the pending index, filtering by deadline score.
func (s *RedisStorage) ListPendingCheckpoints(ctx context.Context, olderThan int64) ([]types.ApprovalCheckpoint, error) {
	return withContext(ctx, func() ([]types.ApprovalCheckpoint, error) {
		var ids []string
		var err error
		if olderThan <= 0 {
			ids, err = s.client.ZRange(ctx, pendingKey, 0, -1).Result()
		} else {
			ids, err = s.client.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
				Min: "1",
				Max: strconv.FormatInt(olderThan, 10),
			}).Result()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read pending checkpoints: %w", err)
		}

		out := make([]types.ApprovalCheckpoint, 0, len(ids))
		for _, id := range ids {
			cp, err := s.GetCheckpoint(ctx, id)
			if errors.Is(err, types.ErrNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			if cp.IsPending() {
				out = append(out, cp)
			}
		}
		return out, nil
	})
}

// ListInstances loads every known instance and filters by state.
func (s *RedisStorage) ListInstances(ctx context.Context, states ...types.State) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		ids, err := s.client.SMembers(ctx, instanceIDsKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list instance ids: %w", err)
		}
		var out []types.WorkflowInstance
		for _, raw := range ids {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				continue
			}
			snap, err := s.Load(ctx, id)
			if errors.Is(err, types.ErrNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			if matchesState(snap.Instance.State, states) {
				out = append(out, snap.Instance)
			}
		}
		return out, nil
	})
}

// TryLead takes or renews a short lease on the leader key.
func (s *RedisStorage) TryLead(ctx context.Context) (bool, error) {
	ok, err := s.client.SetNX(ctx, leaderKey, s.owner, leaderLease).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lease: %w", err)
	}
	if ok {
		return true, nil
	}
	holder, err := s.client.Get(ctx, leaderKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to read leader lease: %w", err)
	}
	if holder != s.owner {
		return false, nil
	}
	if err := s.client.Expire(ctx, leaderKey, leaderLease).Err(); err != nil {
		return false, fmt.Errorf("failed to renew leader lease: %w", err)
	}
	return true, nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// writeSnapshot queues the instance row, the appended history tail and the
// checkpoint indexes on pipe.
func writeSnapshot(ctx context.Context, pipe redis.Pipeliner, snap types.Snapshot, tail []types.StepRecord) error {
	id := snap.Instance.ID
	head := snap.Clone()
	head.Instance.Steps = nil
	data, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %d: %w", id, err)
	}
	pipe.Set(ctx, instanceKey(id), data, 0)
	pipe.SAdd(ctx, instanceIDsKey, strconv.FormatUint(id, 10))
	for _, rec := range tail {
		recData, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal step %s: %w", rec.StepID, err)
		}
		pipe.RPush(ctx, historyKey(id), recData)
	}
	for _, cp := range snap.Checkpoints {
		pipe.Set(ctx, checkpointKey(cp.ID), strconv.FormatUint(id, 10), 0)
		if cp.IsPending() {
			pipe.ZAdd(ctx, pendingKey, &redis.Z{Score: float64(cp.Deadline), Member: cp.ID})
		} else {
			pipe.ZRem(ctx, pendingKey, cp.ID)
		}
	}
	return nil
}

// decodeSnapshot assembles a snapshot from the results of GET and LRANGE.
func decodeSnapshot(instanceID uint64, head *redis.StringCmd, hist *redis.StringSliceCmd) (types.Snapshot, error) {
	data, err := head.Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Snapshot{}, fmt.Errorf("%w: instance %d", types.ErrNotFound, instanceID)
	} else if err != nil {
		return types.Snapshot{}, fmt.Errorf("failed to get instance %d from Redis: %w", instanceID, err)
	}
	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("failed to unmarshal instance %d: %w", instanceID, err)
	}
	records, err := hist.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return types.Snapshot{}, fmt.Errorf("failed to get history %d: %w", instanceID, err)
	}
	for _, raw := range records {
		var rec types.StepRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return types.Snapshot{}, fmt.Errorf("failed to unmarshal history of %d: %w", instanceID, err)
		}
		snap.Instance.Steps = append(snap.Instance.Steps, rec)
	}
	return snap, nil
}
