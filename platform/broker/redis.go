// Package broker provides the Redis-backed message bus: connection setup
// shared with asynq, and stream helpers for publishing and consumer-group
// consumption.
// This is part of the platform layer and contains no business logic.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"

	"mole_automation/platform/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the configured Redis URL.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := parseRedisURL(cfg)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

// AsynqClientOpt builds the asynq connection options for the same Redis.
func AsynqClientOpt(cfg config.RedisConfig) (asynq.RedisClientOpt, error) {
	opt, err := parseRedisURL(cfg)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}

func parseRedisURL(cfg config.RedisConfig) (*redis.Options, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if cfg.GetRedisTLSInsecure() {
			clone.InsecureSkipVerify = true
		}
		opt.TLSConfig = clone
	} else if cfg.GetRedisTLSInsecure() {
		opt.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return opt, nil
}

// Ping reports whether Redis is reachable.
func Ping(ctx context.Context, rdb redis.UniversalClient) error {
	return rdb.Ping(ctx).Err()
}
