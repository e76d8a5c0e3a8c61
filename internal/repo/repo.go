package repo

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Repository groups the Redis-backed repositories sharing one client.
type Repository struct {
	client *RedisClient

	Feeds *FeedRepository
}

// NewRepository connects to Redis at addr/db.
func NewRepository(log *zap.Logger, addr string, db int) *Repository {
	log = log.Named("repo")
	client := NewRedisClient(log, addr, db)

	return &Repository{
		client: client,
		Feeds:  NewFeedRepository(log, client),
	}
}

// Client exposes the shared Redis client for stores built outside this package.
func (r *Repository) Client() redis.UniversalClient { return r.client }

// Close closes the shared Redis client.
func (r *Repository) Close() error { return r.client.Close() }
