package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/iwanhae/netblocker/types"
	"github.com/redis/go-redis/v9"
)

// Redis key layout. Temporary bans are a sorted set scored by expiry (unix
// seconds); levels are a hash of client name to level.
const (
	RedisPermanentKey = "netblocker:bans:permanent"
	RedisTemporaryKey = "netblocker:bans:temporary"
	RedisLevelsKey    = "netblocker:levels"
)

// RedisSource reads ban sets mirrored into Redis.
type RedisSource struct {
	rdb *redis.Client
}

// NewRedisSource connects using a redis:// URL.
func NewRedisSource(ctx context.Context, url string) (*RedisSource, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisSource{rdb: redis.NewClient(opts)}, nil
}

func (s *RedisSource) FetchPermanentBans(ctx context.Context) (types.AddressSet, error) {
	members, err := s.rdb.SMembers(ctx, RedisPermanentKey).Result()
	if err != nil {
		return nil, unavailable("fetch permanent bans", err)
	}
	return types.NewAddressSet(members...), nil
}

func (s *RedisSource) FetchTemporaryBans(ctx context.Context, asOf time.Time) (types.AddressSet, error) {
	members, err := s.rdb.ZRangeByScore(ctx, RedisTemporaryKey, expiryRange(asOf)).Result()
	if err != nil {
		return nil, unavailable("fetch temporary bans", err)
	}
	return types.NewAddressSet(members...), nil
}

// FetchBans reads both keys inside one MULTI/EXEC block.
func (s *RedisSource) FetchBans(ctx context.Context, asOf time.Time) (types.AddressSet, types.AddressSet, error) {
	var (
		permCmd *redis.StringSliceCmd
		tempCmd *redis.StringSliceCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		permCmd = pipe.SMembers(ctx, RedisPermanentKey)
		tempCmd = pipe.ZRangeByScore(ctx, RedisTemporaryKey, expiryRange(asOf))
		return nil
	})
	if err != nil {
		return nil, nil, unavailable("fetch bans", err)
	}
	return types.NewAddressSet(permCmd.Val()...), types.NewAddressSet(tempCmd.Val()...), nil
}

func (s *RedisSource) ClientLevel(ctx context.Context, name string) (int, error) {
	v, err := s.rdb.HGet(ctx, RedisLevelsKey, name).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("resolve client level", err)
	}
	level, err := strconv.Atoi(v)
	if err != nil {
		return 0, unavailable("resolve client level", err)
	}
	return level, nil
}

func (s *RedisSource) Close() error {
	return s.rdb.Close()
}

// expiryRange selects members whose expiry is strictly after asOf.
func expiryRange(asOf time.Time) *redis.ZRangeBy {
	return &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(asOf.Unix(), 10),
		Max: "+inf",
	}
}
