package cache

import (
	"context"
	"time"

	"kobopay/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

var Client *redis.Client

func Init(cfg Config) error {
	opts := redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	rdb := redis.NewClient(&opts)

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		return err
	}

	Client = rdb
	logger.Info("Connected to Redis successfully", zap.String("host", cfg.Host))
	return nil
}

func Get(ctx context.Context, key string) (string, error) {
	val, err := Client.Get(ctx, key).Result()
	if err == redis.Nil { // Key does not exist
		return "", nil
	} else if err != nil {
		logger.Error("Failed to get key from Redis", zap.String("key", key), zap.Error(err))
		return "", err
	}
	return val, nil
}

func Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	err := Client.Set(ctx, key, value, expiration).Err()
	if err != nil {
		logger.Error("Failed to set key in Redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func Delete(ctx context.Context, keys ...string) (int64, error) {
	res, err := Client.Del(ctx, keys...).Result()
	if err != nil {
		logger.Error("Failed to delete keys from Redis", zap.Strings("keys", keys), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func Exists(ctx context.Context, key string) (bool, error) {
	res, err := Client.Exists(ctx, key).Result()
	if err != nil {
		logger.Error("Failed to check existence of key in Redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return res > 0, nil
}

func SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	// Set if Not eXists - returns true if set, false if key exists
	set, err := Client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		logger.Error("Failed to set NX key in Redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return set, nil
}

func Incr(ctx context.Context, key string) (int64, error) {
	res, err := Client.Incr(ctx, key).Result()
	if err != nil {
		logger.Error("Failed to increment key in Redis", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func Expire(ctx context.Context, key string, expiration time.Duration) error {
	err := Client.Expire(ctx, key, expiration).Err()
	if err != nil {
		logger.Error("Failed to set expiration on key in Redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// ZAdd adds a scored member to a sorted set. The rate limiter stores one
// member per request with the request time as score.
func ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := Client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		logger.Error("Failed to add member to sorted set", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// ZRem removes a member from a sorted set.
func ZRem(ctx context.Context, key string, member string) error {
	err := Client.ZRem(ctx, key, member).Err()
	if err != nil {
		logger.Error("Failed to remove member from sorted set", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// ZRemRangeByScore drops members with scores in [min, max].
func ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	err := Client.ZRemRangeByScore(ctx, key, min, max).Err()
	if err != nil {
		logger.Error("Failed to trim sorted set", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// ZCard returns the cardinality of a sorted set.
func ZCard(ctx context.Context, key string) (int64, error) {
	res, err := Client.ZCard(ctx, key).Result()
	if err != nil {
		logger.Error("Failed to count sorted set", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	return res, nil
}

// Ping tests the Redis connection
func Ping(ctx context.Context) error {
	return Client.Ping(ctx).Err()
}

// Close closes the Redis connection
func Close() error {
	if Client != nil {
		return Client.Close()
	}
	return nil
}
