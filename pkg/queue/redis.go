package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

// RedisOptions configures the connection shared by the redis queue and
// issue tracker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, xerrors.Errorf("connect to redis %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// Redis keeps each service queue in a redis list.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Pop removes the head task of service's queue. It waits up to timeout for
// one to arrive; a non-positive timeout does not wait. It returns nil when
// the queue stayed empty.
func (q *Redis) Pop(ctx context.Context, service string, timeout time.Duration) (*protocol.Task, error) {
	key := protocol.QueueName(service)

	var (
		data string
		err  error
	)
	if timeout <= 0 {
		data, err = q.rdb.LPop(ctx, key).Result()
	} else {
		var kv []string
		kv, err = q.rdb.BLPop(ctx, timeout, key).Result()
		if err == nil {
			data = kv[1]
		}
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("pop %s: %w", key, err)
	}

	t, err := decodeTask([]byte(data))
	if err != nil {
		if perr := q.rdb.RPush(ctx, protocol.DeadLetterQueue, data).Err(); perr != nil {
			return nil, xerrors.Errorf("dead letter %s: %w", key, perr)
		}
		return nil, undecodable(service, []byte(data), err)
	}
	return t, nil
}

// DeadLetters returns the payloads moved aside by Pop, oldest first.
func (q *Redis) DeadLetters(ctx context.Context) ([][]byte, error) {
	items, err := q.rdb.LRange(ctx, protocol.DeadLetterQueue, 0, -1).Result()
	if err != nil {
		return nil, xerrors.Errorf("read %s: %w", protocol.DeadLetterQueue, err)
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

// Push appends t to its service queue.
func (q *Redis) Push(ctx context.Context, t *protocol.Task) error {
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, protocol.QueueName(t.ServiceName), data).Err(); err != nil {
		return xerrors.Errorf("push %s: %w", t.SID, err)
	}
	return nil
}

// Unpop returns t to the head of its service queue.
func (q *Redis) Unpop(ctx context.Context, t *protocol.Task) error {
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, protocol.QueueName(t.ServiceName), data).Err(); err != nil {
		return xerrors.Errorf("unpop %s: %w", t.SID, err)
	}
	return nil
}

// Length returns the number of tasks waiting for service.
func (q *Redis) Length(ctx context.Context, service string) (int, error) {
	n, err := q.rdb.LLen(ctx, protocol.QueueName(service)).Result()
	if err != nil {
		return 0, xerrors.Errorf("length %s: %w", service, err)
	}
	return int(n), nil
}

// Services lists every service that currently has a queue.
func (q *Redis) Services(ctx context.Context) ([]string, error) {
	var out []string
	iter := q.rdb.Scan(ctx, 0, protocol.QueuePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if name, ok := serviceFromKey(iter.Val()); ok {
			out = append(out, name)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, xerrors.Errorf("scan queues: %w", err)
	}
	return out, nil
}

// issuedKey is the redis hash of tasks already handed out.
const issuedKey = "dispatch-issued"

// RedisIssues tracks issued tasks in a redis hash so re-issues are detected
// across broker restarts.
type RedisIssues struct {
	rdb *redis.Client
}

// NewRedisIssues wraps an existing client.
func NewRedisIssues(rdb *redis.Client) *RedisIssues {
	return &RedisIssues{rdb: rdb}
}

// MarkIssued records t and reports whether it had not been issued before.
func (r *RedisIssues) MarkIssued(ctx context.Context, t *protocol.Task) (bool, error) {
	first, err := r.rdb.HSetNX(ctx, issuedKey, issueField(t.SID, t.FileInfo.SHA256, t.ServiceName), time.Now().Unix()).Result()
	if err != nil {
		return false, xerrors.Errorf("mark issued %s: %w", t.SID, err)
	}
	return first, nil
}

// Clear forgets a finished task.
func (r *RedisIssues) Clear(ctx context.Context, sid, sha256, service string) error {
	if err := r.rdb.HDel(ctx, issuedKey, issueField(sid, sha256, service)).Err(); err != nil {
		return xerrors.Errorf("clear issued %s: %w", sid, err)
	}
	return nil
}
