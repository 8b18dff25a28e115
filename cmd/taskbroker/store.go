package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"taskbroker/internal/config"
	"taskbroker/pkg/broker"
	"taskbroker/pkg/datastore"
	"taskbroker/pkg/dispatchclient"
	"taskbroker/pkg/queue"
)

// queueBackend is a task queue together with its first-issue tracker.
type queueBackend interface {
	dispatchclient.Queue
	broker.TaskQueue
	Length(ctx context.Context, service string) (int, error)
}

// backends holds the storage the broker runs on.
type backends struct {
	store  *datastore.Store
	queue  queueBackend
	issues dispatchclient.IssueTracker
	rdb    *redis.Client
}

func (b *backends) Close() {
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.store != nil {
		_ = b.store.Close()
	}
}

// openStore opens the sqlite datastore at cfg.DBPath.
func openStore(ctx context.Context, cfg config.Config) (*datastore.Store, error) {
	store, err := datastore.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, xerrors.Errorf("open datastore: %w", err)
	}
	return store, nil
}

// openBackends opens the datastore and the configured queue backend.
func openBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b := &backends{store: store}

	switch cfg.QueueBackend {
	case config.QueueMemory:
		b.queue = queue.NewMemory()
		b.issues = queue.NewMemoryIssues()
	default:
		rdb, err := openRedis(ctx, cfg)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.rdb = rdb
		b.queue = queue.NewRedis(rdb)
		b.issues = queue.NewRedisIssues(rdb)
	}
	return b, nil
}

// openRedis connects to the configured redis. Commands that talk to queues
// from outside the serving process need it, since the memory backend lives
// only inside serve.
func openRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.QueueBackend != config.QueueRedis {
		return nil, xerrors.Errorf("queue_backend %q is process-local; use redis to reach queues from the CLI", cfg.QueueBackend)
	}
	return queue.NewRedisClient(ctx, queue.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}
