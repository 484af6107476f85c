package server

import (
	"context"
	"fmt"

	"github.com/poyrazK/cloudDNS/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

const InvalidationChannel = "dns:invalidation"

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string, password string, db int) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{client: rdb}
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Invalidate publishes a per-record invalidation event, letting a
// co-located query server drop just the changed name/type pair instead
// of dropping the whole zone.
func (r *RedisCache) Invalidate(ctx context.Context, name string, qType domain.RecordType) error {
	msg := fmt.Sprintf("%s:%s", name, string(qType))
	return r.client.Publish(ctx, InvalidationChannel, msg).Err()
}

// PublishZoneTransferred announces a completed zone transfer on the same
// invalidation channel, so co-located query servers drop their cached
// records for the zone and re-resolve against the freshly transferred data.
func (r *RedisCache) PublishZoneTransferred(ctx context.Context, zone string) error {
	msg := fmt.Sprintf("zone-transferred:%s", zone)
	return r.client.Publish(ctx, InvalidationChannel, msg).Err()
}
