package dedup

import (
	"context"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisDeduper shares claims between server replicas through SETNX keys with a TTL.
type RedisDeduper struct {
	client *redis.Client
}

var _ Deduper = (*RedisDeduper)(nil)

func NewRedisDeduper(ctx context.Context, client *redis.Client) (*RedisDeduper, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}
	return &RedisDeduper{client: client}, nil
}

func DialRedis(ctx context.Context, addr string, password string, db int) (*RedisDeduper, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	ret, err := NewRedisDeduper(ctx, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return ret, nil
}

func (d *RedisDeduper) Claim(ctx context.Context, key string, candidate conversation.TurnID, ttl time.Duration) (conversation.TurnID, bool, error) {
	won, err := d.client.SetNX(ctx, key, candidate.String(), ttl).Result()
	if err != nil {
		return conversation.NullTurnID, false, errors.Wrap(err, "redis setnx")
	}
	if won {
		return candidate, true, nil
	}

	owner, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// the claim expired between SETNX and GET, try once more
		won, err = d.client.SetNX(ctx, key, candidate.String(), ttl).Result()
		if err != nil {
			return conversation.NullTurnID, false, errors.Wrap(err, "redis setnx")
		}
		if won {
			return candidate, true, nil
		}
		owner, err = d.client.Get(ctx, key).Result()
	}
	if err != nil {
		return conversation.NullTurnID, false, errors.Wrap(err, "redis get")
	}
	ownerID, err := conversation.ParseTurnID(owner)
	if err != nil {
		return conversation.NullTurnID, false, err
	}
	return ownerID, ownerID == candidate, nil
}

func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
