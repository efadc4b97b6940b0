package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// Key layout for a queue named <name>:
//
//	<prefix>queue:<name>:jobs      HASH  id => gob-encoded job payload
//	<prefix>queue:<name>:pending   ZSET  id scored by not-before (unix ms)
//	<prefix>queue:<name>:leased    ZSET  id scored by lease expiry (unix ms)
//	<prefix>queue:<name>:owners    HASH  id => lease owner
//	<prefix>queue:<name>:attempts  HASH  id => delivery count
//	<prefix>queue:<name>:errors    HASH  id => last error
//	<prefix>queue:<name>:dead      ZSET  id scored by dead-letter time (unix ms)
//	<prefix>queue:<name>:live      HASH  execution/node => id of its newest live job
//
// Every state change runs as a Lua script so the sets never disagree.
type RedisQueue struct {
	client *redis.Client
	name   string
	opts   Options

	kJobs, kPending, kLeased, kOwners, kAttempts, kErrors, kDead, kLive string
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "leadflow:").
func NewRedisQueue(client *redis.Client, prefix, name string, opts Options) *RedisQueue {
	if prefix == "" {
		prefix = "leadflow:"
	}
	base := prefix + "queue:" + name + ":"
	return &RedisQueue{
		client:    client,
		name:      name,
		opts:      opts.withDefaults(50 * time.Millisecond),
		kJobs:     base + "jobs",
		kPending:  base + "pending",
		kLeased:   base + "leased",
		kOwners:   base + "owners",
		kAttempts: base + "attempts",
		kErrors:   base + "errors",
		kDead:     base + "dead",
		kLive:     base + "live",
	}
}

// liveField keys the live index. Execution ids never contain '/'.
func liveField(executionID, nodeID string) string {
	return executionID + "/" + nodeID
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// KEYS: pending, leased, owners, attempts. ARGV: now, expires, owner.
// Expired leases are returned to pending before picking the oldest ready id.
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', KEYS[3], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
local attempts = redis.call('HINCRBY', KEYS[4], id, 1)
return {id, attempts}
`)

// KEYS: leased, owners. ARGV: id, owner, now. Returns 1 when owner holds a live lease.
const leaseCheckLua = `
local function holds(leased, owners, id, owner, now)
  if redis.call('HGET', owners, id) ~= owner then
    return false
  end
  local score = redis.call('ZSCORE', leased, id)
  if not score or tonumber(score) <= tonumber(now) then
    return false
  end
  return true
end
`

// KEYS: live. ARGV: field, id. Drops the live entry only if it still names id.
const unlinkLiveLua = `
local function unlink(live, field, id)
  if redis.call('HGET', live, field) == id then
    redis.call('HDEL', live, field)
  end
end
`

// KEYS: leased, owners, jobs, attempts, errors, live. ARGV: id, owner, now, live field.
var ackScript = redis.NewScript(leaseCheckLua + unlinkLiveLua + `
if not holds(KEYS[1], KEYS[2], ARGV[1], ARGV[2], ARGV[3]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
unlink(KEYS[6], ARGV[4], ARGV[1])
return 1
`)

// KEYS: leased, owners, pending, dead, errors, live.
// ARGV: id, owner, now, dead(0|1), score, error, live field.
var failScript = redis.NewScript(leaseCheckLua + unlinkLiveLua + `
if not holds(KEYS[1], KEYS[2], ARGV[1], ARGV[2], ARGV[3]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[5], ARGV[1], ARGV[6])
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
  unlink(KEYS[6], ARGV[7], ARGV[1])
else
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
end
return 1
`)

// KEYS: leased, owners. ARGV: id, owner, now, expires.
var renewScript = redis.NewScript(leaseCheckLua + `
if not holds(KEYS[1], KEYS[2], ARGV[1], ARGV[2], ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 1
`)

func (q *RedisQueue) Name() string { return q.name }

// Enqueue stores the payload and schedules the id on the pending set.
func (q *RedisQueue) Enqueue(ctx context.Context, j Job) (string, error) {
	if j.ID == "" {
		j.ID = newJobID()
	}
	now := q.opts.Now()
	j.Queue = q.name
	j.EnqueuedAt = now
	notBefore := j.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}

	data, err := EncodeJob(j)
	if err != nil {
		return "", err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.kJobs, j.ID, data)
		pipe.HSet(ctx, q.kAttempts, j.ID, j.Attempts)
		pipe.ZAdd(ctx, q.kPending, redis.Z{Score: float64(notBefore.UnixMilli()), Member: j.ID})
		pipe.HSet(ctx, q.kLive, liveField(j.ExecutionID, j.NodeID), j.ID)
		return nil
	})
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

// Claim runs the claim script until a job is available or ctx is cancelled.
func (q *RedisQueue) Claim(ctx context.Context, owner string, visibility time.Duration) (*Job, error) {
	if visibility <= 0 {
		return nil, errors.New("visibility must be > 0")
	}
	tmr := newPollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.opts.Now()
		expires := now.Add(visibility)
		res, err := claimScript.Run(ctx, q.client,
			[]string{q.kPending, q.kLeased, q.kOwners, q.kAttempts},
			now.UnixMilli(), expires.UnixMilli(), owner,
		).Slice()
		if errors.Is(err, redis.Nil) {
			if err := waitPoll(ctx, tmr, q.opts.PollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(res) != 2 {
			return nil, fmt.Errorf("redis queue: unexpected claim result %#v", res)
		}

		id, _ := res[0].(string)
		attempts, _ := res[1].(int64)
		job, err := q.load(ctx, id)
		if err != nil {
			return nil, err
		}
		job.Attempts = int(attempts)
		job.LeaseOwner = owner
		job.LeaseExpiresAt = time.UnixMilli(expires.UnixMilli())
		return job, nil
	}
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.HGet(ctx, q.kJobs, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeJob(data)
}

func (q *RedisQueue) Ack(ctx context.Context, jobID, owner string) error {
	job, err := q.load(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return ErrLeaseLost
	}
	if err != nil {
		return err
	}
	ok, err := ackScript.Run(ctx, q.client,
		[]string{q.kLeased, q.kOwners, q.kJobs, q.kAttempts, q.kErrors, q.kLive},
		jobID, owner, q.opts.Now().UnixMilli(), liveField(job.ExecutionID, job.NodeID),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, jobID, owner string, f Failure) (FailResult, error) {
	attempts, err := q.client.HGet(ctx, q.kAttempts, jobID).Int()
	if errors.Is(err, redis.Nil) {
		return FailResult{}, ErrJobNotFound
	}
	if err != nil {
		return FailResult{}, err
	}

	job, err := q.load(ctx, jobID)
	if err != nil {
		return FailResult{}, err
	}

	now := q.opts.Now()
	res := q.opts.Policy.decide(attempts, f, now)
	dead, score := "0", res.NextAttemptAt.UnixMilli()
	if res.DeadLettered {
		dead, score = "1", now.UnixMilli()
	}

	ok, err := failScript.Run(ctx, q.client,
		[]string{q.kLeased, q.kOwners, q.kPending, q.kDead, q.kErrors, q.kLive},
		jobID, owner, now.UnixMilli(), dead, score, f.message(), liveField(job.ExecutionID, job.NodeID),
	).Int()
	if err != nil {
		return FailResult{}, err
	}
	if ok == 0 {
		return FailResult{}, ErrLeaseLost
	}
	return res, nil
}

func (q *RedisQueue) RenewLease(ctx context.Context, jobID, owner string, visibility time.Duration) error {
	now := q.opts.Now()
	ok, err := renewScript.Run(ctx, q.client,
		[]string{q.kLeased, q.kOwners},
		jobID, owner, now.UnixMilli(), now.Add(visibility).UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	entries, err := q.client.ZRangeWithScores(ctx, q.kDead, 0, stop).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Job, 0, len(entries))
	for _, z := range entries {
		id, _ := z.Member.(string)
		job, err := q.load(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n, err := q.client.HGet(ctx, q.kAttempts, id).Int(); err == nil {
			job.Attempts = n
		}
		if msg, err := q.client.HGet(ctx, q.kErrors, id).Result(); err == nil {
			job.LastError = msg
		}
		job.DeadAt = time.UnixMilli(int64(z.Score))
		out = append(out, *job)
	}
	return out, nil
}

func (q *RedisQueue) Redrive(ctx context.Context, jobID string) (*Job, error) {
	removed, err := q.client.ZRem(ctx, q.kDead, jobID).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		return nil, fmt.Errorf("redrive %s: %w", jobID, ErrJobNotFound)
	}
	job, err := q.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	now := q.opts.Now()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.kAttempts, jobID, 0)
		pipe.ZAdd(ctx, q.kPending, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
		pipe.HSet(ctx, q.kLive, liveField(job.ExecutionID, job.NodeID), jobID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	job.NotBefore = time.UnixMilli(now.UnixMilli())
	return job, nil
}

// HasJob consults the live index, which tracks the newest live job of each
// execution and node.
func (q *RedisQueue) HasJob(ctx context.Context, executionID, nodeID string) (bool, error) {
	return q.client.HExists(ctx, q.kLive, liveField(executionID, nodeID)).Result()
}

// Len returns the number of pending plus leased jobs.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	var pending, leased *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.ZCard(ctx, q.kPending)
		leased = pipe.ZCard(ctx, q.kLeased)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(pending.Val() + leased.Val()), nil
}
