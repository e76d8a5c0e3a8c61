// Package catalog keeps the video record catalog: Redis is the system of
// record and an in-process ordered index serves every read.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/video"
	"github.com/edirooss/feedmux-server/internal/infrastructure/objectstore"
)

// DefaultKeyPrefix namespaces video records in Redis.
const DefaultKeyPrefix = "feedmux:video:"

// ErrNotFound means the record id does not exist in the catalog.
var ErrNotFound = video.ErrRecordNotFound

// Catalog stores video.Record documents.
//
// Deployment model:
//   - Single process owns keyPrefix; no other writer operates under it.
//
// Concurrency model:
//   - Writes are serialized by a mutex that also orders Redis I/O.
//   - The index is updated only after Redis persistence succeeds, so readers
//     never observe a record Redis does not hold.
//   - Reads are served from the index and return copies.
//
// ID allocation:
//   - Redis INCR on <keyPrefix>id_seq. Monotonic, never recycled, gap-tolerant.
type Catalog struct {
	log       *zap.Logger
	rdb       redis.UniversalClient
	keyPrefix string

	wmu  sync.Mutex // serializes writes
	recs *objectstore.Store[int64, *video.Record]
}

// New constructs a Catalog and reconciles existing Redis state under
// keyPrefix into the index.
func New(ctx context.Context, log *zap.Logger, rdb redis.UniversalClient, keyPrefix string) (*Catalog, error) {
	if rdb == nil {
		return nil, errors.New("nil redis client")
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if !strings.HasSuffix(keyPrefix, ":") {
		keyPrefix += ":"
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &Catalog{
		log:       log.Named("catalog"),
		rdb:       rdb,
		keyPrefix: keyPrefix,
		recs:      objectstore.New[int64, *video.Record](),
	}
	if err := c.reconcile(ctx); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	return c, nil
}

// Create assigns rec a new id, persists it and returns the stored copy.
func (c *Catalog) Create(ctx context.Context, rec *video.Record) (*video.Record, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	id, err := c.rdb.Incr(ctx, c.sequenceKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("generate id via INCR: %w", err)
	}

	out := rec.Clone()
	out.ID = id
	if err := c.put(ctx, out); err != nil {
		return nil, err
	}
	c.recs.Upsert(id, out)
	return out.Clone(), nil
}

// Update overwrites an existing record by its id.
func (c *Catalog) Update(ctx context.Context, rec *video.Record) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, ok := c.recs.Get(rec.ID); !ok {
		return ErrNotFound
	}
	stored := rec.Clone()
	if err := c.put(ctx, stored); err != nil {
		return err
	}
	c.recs.Upsert(stored.ID, stored)
	return nil
}

// Delete removes the record with the given id. Idempotent.
func (c *Catalog) Delete(ctx context.Context, id int64) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	n, err := c.rdb.Del(ctx, c.recordKey(id)).Result()
	if err != nil {
		return fmt.Errorf("del: %w", err)
	}
	if _, ok := c.recs.Delete(id); ok && n == 0 {
		c.log.Warn("delete: indexed id missing in Redis", zap.Int64("id", id))
	}
	return nil
}

// Get returns a copy of the record with the given id.
func (c *Catalog) Get(id int64) (*video.Record, error) {
	rec, ok := c.recs.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns copies of every record in ascending id order.
func (c *Catalog) List() []*video.Record {
	return cloneAll(c.recs.Values())
}

// ListByFeed returns copies of the records of one feed in ascending id order.
func (c *Catalog) ListByFeed(feedID string) []*video.Record {
	return cloneAll(c.recs.Filter(func(r *video.Record) bool { return r.FeedID == feedID }))
}

// Len returns the number of records.
func (c *Catalog) Len() int { return c.recs.Len() }

func (c *Catalog) put(ctx context.Context, rec *video.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	key := c.recordKey(rec.ID)
	if err := c.rdb.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("set (key=%s): %w", key, err)
	}
	return nil
}

func (c *Catalog) recordKey(id int64) string { return c.keyPrefix + strconv.FormatInt(id, 10) }
func (c *Catalog) sequenceKey() string       { return c.keyPrefix + "id_seq" }

func cloneAll(in []*video.Record) []*video.Record {
	out := make([]*video.Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// reconcile loads every record under keyPrefix into the index and advances
// the id sequence to at least the highest recovered id.
//
// Non-numeric keys under the prefix and undecodable payloads are logged and
// skipped; Redis errors are fatal.
func (c *Catalog) reconcile(ctx context.Context) error {
	start := time.Now()
	seqKey := c.sequenceKey()

	var (
		keys []string
		ids  []int64
		errs int
	)
	iter := c.rdb.Scan(ctx, 0, c.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if k == seqKey {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(k, c.keyPrefix), 10, 64)
		if err != nil || id <= 0 {
			c.log.Warn("reconcile: non-conforming key under prefix; skipping", zap.String("key", k))
			errs++
			continue
		}
		keys = append(keys, k)
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}

	if len(keys) > 0 {
		vals, err := c.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("redis mget: %w", err)
		}
		for i, raw := range vals {
			s, ok := raw.(string)
			if !ok {
				errs++
				continue
			}
			var rec video.Record
			if err := json.Unmarshal([]byte(s), &rec); err != nil {
				c.log.Warn("reconcile: undecodable record; skipping", zap.String("key", keys[i]), zap.Error(err))
				errs++
				continue
			}
			rec.ID = ids[i]
			c.recs.Upsert(rec.ID, &rec)
		}
	}

	maxID := int64(0)
	if len(ids) > 0 {
		maxID = slices.Max(ids)
	}
	curSeq, err := c.rdb.IncrBy(ctx, seqKey, 0).Result()
	if err != nil {
		return fmt.Errorf("redis incrby(0) seq read: %w", err)
	}
	if curSeq < maxID {
		if err := c.rdb.Set(ctx, seqKey, maxID, 0).Err(); err != nil {
			return fmt.Errorf("redis set seq to maxID: %w", err)
		}
		c.log.Warn("reconcile: sequence advanced to maxID",
			zap.Int64("from", curSeq),
			zap.Int64("to", maxID),
		)
	}

	c.log.Info("reconcile: complete",
		zap.String("prefix", c.keyPrefix),
		zap.Int("recovered", c.recs.Len()),
		zap.Int("errors", errs),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}
