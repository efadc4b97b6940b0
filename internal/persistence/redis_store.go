package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// RedisStore is a Ledger backed by Redis.
// It uses a simple key structure:
//
//	<prefix>def:<id>          => HASH version -> JSON definition
//	<prefix>idx:defs          => SET of definition ids
//	<prefix>exec:<id>         => JSON execution
//	<prefix>exec:<id>:steps   => LIST of JSON step records, append order
//	<prefix>idx:exec          => ZSET of execution ids scored by creation time
//
// Transitions WATCH the execution key and write the execution and its step in
// one MULTI/EXEC, so a concurrent writer aborts the transaction and the guard
// is evaluated again.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Ledger = (*RedisStore)(nil)

// maxWatchRetries bounds optimistic retries of one transaction.
const maxWatchRetries = 8

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "leadflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "leadflow:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) keyDefinition(id string) string { return s.prefix + "def:" + id }
func (s *RedisStore) keyDefinitions() string        { return s.prefix + "idx:defs" }
func (s *RedisStore) keyExecution(id string) string  { return s.prefix + "exec:" + id }
func (s *RedisStore) keySteps(id string) string      { return s.prefix + "exec:" + id + ":steps" }
func (s *RedisStore) keyExecutions() string          { return s.prefix + "idx:exec" }

// watch runs fn under WATCH keys, retrying when another client touched them.
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for range maxWatchRetries {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisStore) SaveDefinition(ctx context.Context, def *api.Definition) (*api.Definition, error) {
	key := s.keyDefinition(def.ID)
	var stored *api.Definition

	err := s.watch(ctx, func(tx *redis.Tx) error {
		versions, err := tx.HKeys(ctx, key).Result()
		if err != nil {
			return err
		}
		latest := 0
		for _, v := range versions {
			if n, err := strconv.Atoi(v); err == nil && n > latest {
				latest = n
			}
		}
		stored = def.Clone()
		stored.Version = nextVersion(def.Version, latest)
		if slices.Contains(versions, strconv.Itoa(stored.Version)) {
			return fmt.Errorf("%s v%d: %w", def.ID, stored.Version, ErrVersionConflict)
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.now().UTC()
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, strconv.Itoa(stored.Version), data)
			pipe.SAdd(ctx, s.keyDefinitions(), def.ID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *RedisStore) loadDefinitions(ctx context.Context, id string) ([]*api.Definition, error) {
	all, err := s.client.HGetAll(ctx, s.keyDefinition(id)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*api.Definition, 0, len(all))
	for _, raw := range all {
		var def api.Definition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return nil, fmt.Errorf("decode definition %s: %w", id, err)
		}
		out = append(out, &def)
	}
	slices.SortFunc(out, func(a, b *api.Definition) int { return a.Version - b.Version })
	return out, nil
}

func (s *RedisStore) GetDefinition(ctx context.Context, id string, version int) (*api.Definition, error) {
	defs, err := s.loadDefinitions(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := len(defs) - 1; i >= 0; i-- {
		d := defs[i]
		if (version == 0 && d.Active) || (version != 0 && d.Version == version) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%s v%d: %w", id, version, ErrDefinitionNotFound)
}

func (s *RedisStore) ListDefinitions(ctx context.Context) ([]*api.Definition, error) {
	ids, err := s.client.SMembers(ctx, s.keyDefinitions()).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)

	var out []*api.Definition
	for _, id := range ids {
		defs, err := s.loadDefinitions(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(defs) > 0 {
			out = append(out, defs[len(defs)-1])
		}
	}
	return out, nil
}

func (s *RedisStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	created, err := s.client.SetNX(ctx, s.keyExecution(exec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	return s.client.ZAdd(ctx, s.keyExecutions(), redis.Z{
		Score:  float64(exec.CreatedAt.UnixNano()),
		Member: exec.ID,
	}).Err()
}

func decodeRedisExecution(data []byte) (*api.Execution, error) {
	var exec api.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}
	return &exec, nil
}

func (s *RedisStore) getExecution(ctx context.Context, c redis.Cmdable, id string) (*api.Execution, error) {
	data, err := c.Get(ctx, s.keyExecution(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", id, ErrExecutionNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeRedisExecution(data)
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	return s.getExecution(ctx, s.client, id)
}

// ListExecutions scans the creation index and filters payloads client-side.
func (s *RedisStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	ids, err := s.client.ZRange(ctx, s.keyExecutions(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyExecution(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var result []*api.Execution
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		exec, err := decodeRedisExecution(data)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(exec) {
			continue
		}
		result = append(result, exec)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *RedisStore) Transition(ctx context.Context, t Transition) error {
	t.stamp(s.now().UTC())
	key := s.keyExecution(t.Execution.ID)

	return s.watch(ctx, func(tx *redis.Tx) error {
		stored, err := s.getExecution(ctx, tx, t.Execution.ID)
		if err != nil {
			return err
		}
		if !t.Guard.Allows(stored) {
			return ErrStaleTransition
		}

		next := t.Execution.Clone()
		next.CreatedAt = stored.CreatedAt
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		var step []byte
		if t.Step != nil {
			if step, err = json.Marshal(t.Step); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if step != nil {
				pipe.RPush(ctx, s.keySteps(next.ID), step)
			}
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) AppendStep(ctx context.Context, step *api.StepExecution) error {
	prepareStep(step, s.now().UTC())
	n, err := s.client.Exists(ctx, s.keyExecution(step.ExecutionID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", step.ExecutionID, ErrExecutionNotFound)
	}
	data, err := json.Marshal(step)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.keySteps(step.ExecutionID), data).Err()
}

func (s *RedisStore) ListSteps(ctx context.Context, executionID string) ([]*api.StepExecution, error) {
	raw, err := s.client.LRange(ctx, s.keySteps(executionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*api.StepExecution, 0, len(raw))
	for _, r := range raw {
		var st api.StepExecution
		if err := json.Unmarshal([]byte(r), &st); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		out = append(out, &st)
	}
	return out, nil
}
