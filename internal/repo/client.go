package repo

import (
	"bufio"
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient is the shared Redis connection with startup diagnostics.
type RedisClient struct {
	*redis.Client
	log *zap.Logger
}

// NewRedisClient opens a pooled client for addr/db and probes it once. A
// failed probe is logged, not returned; go-redis dials lazily and feeds
// start failing visibly on their first store call.
func NewRedisClient(log *zap.Logger, addr string, db int) *RedisClient {
	c := &RedisClient{
		Client: redis.NewClient(&redis.Options{
			Addr:         addr,
			DB:           db,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
		}),
		log: log.Named("redis").With(zap.String("addr", addr), zap.Int("db", db)),
	}
	_ = c.Probe(context.Background())
	return c
}

// Probe pings the server with a short timeout and logs the round trip and
// server version.
func (c *RedisClient) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := c.Ping(ctx).Err(); err != nil {
		c.log.Warn("redis unreachable", zap.Error(err), zap.Duration("rtt", time.Since(start)))
		return err
	}
	rtt := time.Since(start)

	fields := []zap.Field{zap.Duration("rtt", rtt)}
	if info, err := c.Info(ctx, "server").Result(); err == nil {
		if v := infoField(info, "redis_version"); v != "" {
			fields = append(fields, zap.String("version", v))
		}
	}
	c.log.Info("redis connected", fields...)
	return nil
}

// infoField picks key out of an INFO reply.
func infoField(info, key string) string {
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), key+":"); ok {
			return v
		}
	}
	return ""
}
