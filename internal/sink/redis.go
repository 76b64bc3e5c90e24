package sink

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaunagostinho/fixbridge/internal/config"
)

const redisTimeout = 2 * time.Second

// Redis stores the latest fix under a key and publishes it on a channel.
type Redis struct {
	rdb     redis.UniversalClient
	key     string
	channel string
}

// NewRedis connects lazily; the first write dials.
func NewRedis(cfg config.RedisConfig) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisWithClient(rdb, cfg)
}

func newRedisWithClient(rdb redis.UniversalClient, cfg config.RedisConfig) *Redis {
	return &Redis{rdb: rdb, key: cfg.Key, channel: cfg.Channel}
}

func (r *Redis) Write(ctx context.Context, fix Fix) error {
	payload, err := fix.JSON()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if r.key != "" {
			p.Set(ctx, r.key, payload, 0)
		}
		if r.channel != "" {
			p.Publish(ctx, r.channel, payload)
		}
		return nil
	})
	return err
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
