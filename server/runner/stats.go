package runner

import (
	"context"
	"time"

	"github.com/THPTUHA/careflow/server/storage/models"
	"github.com/go-redis/redis/v7"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const statsKey = "careflow:queue:stats"

// StatsCache keeps queue stats in Redis for ttl and coalesces concurrent
// loads. Without a client it only coalesces.
type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *logrus.Entry
}

func NewStatsCache(client *redis.Client, ttl time.Duration, logger *logrus.Entry) *StatsCache {
	return &StatsCache{client: client, ttl: ttl, logger: logger}
}

func (c *StatsCache) Get(ctx context.Context, load func(ctx context.Context) (models.Stats, error)) (models.Stats, error) {
	v, err, _ := c.group.Do(statsKey, func() (interface{}, error) {
		if st, ok := c.cached(ctx); ok {
			return st, nil
		}
		st, err := load(ctx)
		if err != nil {
			return st, err
		}
		c.store(ctx, st)
		return st, nil
	})
	if err != nil {
		return models.Stats{}, err
	}
	return v.(models.Stats), nil
}

func (c *StatsCache) cached(ctx context.Context) (models.Stats, bool) {
	var st models.Stats
	if c.client == nil {
		return st, false
	}
	raw, err := c.client.WithContext(ctx).Get(statsKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).Warn("stats: redis read failed")
		}
		return st, false
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, false
	}
	return st, true
}

func (c *StatsCache) store(ctx context.Context, st models.Stats) {
	if c.client == nil {
		return
	}
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := c.client.WithContext(ctx).Set(statsKey, b, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("stats: redis write failed")
	}
}
