package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/feed"
)

const (
	feedKeyPrefix = "feedmux:feed:"
	feedIDsKey    = "feedmux:feeds" // SET of feed ids
)

func feedKey(id string) string { return feedKeyPrefix + id }

// FeedRepository provides Redis-backed persistence for feeds.
type FeedRepository struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

// NewFeedRepository initializes a FeedRepository over rdb.
func NewFeedRepository(log *zap.Logger, rdb redis.UniversalClient) *FeedRepository {
	return &FeedRepository{rdb: rdb, log: log.Named("feeds")}
}

// Upsert persists f and adds its id to the index set.
func (r *FeedRepository) Upsert(ctx context.Context, f *feed.Feed) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, feedKey(f.ID), payload, 0)
	pipe.SAdd(ctx, feedIDsKey, f.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Delete removes a feed by id.
// Returns feed.ErrFeedNotFound if neither the record nor the index entry existed.
func (r *FeedRepository) Delete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	delRes := pipe.Del(ctx, feedKey(id))
	sremRes := pipe.SRem(ctx, feedIDsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}

	delCount, sremCount := delRes.Val(), sremRes.Val()
	if delCount == 0 && sremCount == 0 {
		return feed.ErrFeedNotFound
	}
	if delCount != sremCount {
		r.log.Warn("feed delete mismatch",
			zap.String("feed_id", id),
			zap.Int64("del_count", delCount),
			zap.Int64("srem_count", sremCount),
		)
	}
	return nil
}

// Exists reports whether id is indexed.
func (r *FeedRepository) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, feedIDsKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("sismember: %w", err)
	}
	return ok, nil
}

// Get fetches a feed by id.
func (r *FeedRepository) Get(ctx context.Context, id string) (*feed.Feed, error) {
	raw, err := r.rdb.Get(ctx, feedKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, feed.ErrFeedNotFound
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	f, err := decodeFeed(raw)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return f, nil
}

// List returns every indexed feed ordered by id.
//
// SMEMBERS and MGET are separate calls, so the result is an eventually
// consistent snapshot: ids whose record vanished in between are skipped.
func (r *FeedRepository) List(ctx context.Context) ([]*feed.Feed, error) {
	ids, err := r.rdb.SMembers(ctx, feedIDsKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	if len(ids) == 0 {
		return []*feed.Feed{}, nil
	}
	slices.Sort(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = feedKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	out := make([]*feed.Feed, 0, len(vals))
	for i, v := range vals {
		if v == nil {
			r.log.Warn("feed missing during MGET", zap.String("key", keys[i]))
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("key %s: unexpected type %T", keys[i], v)
		}
		f, err := decodeFeed([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("key %s: decode: %w", keys[i], err)
		}
		out = append(out, f)
	}
	return out, nil
}

func decodeFeed(raw []byte) (*feed.Feed, error) {
	var f feed.Feed
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
