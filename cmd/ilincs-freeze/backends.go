package main

import (
	"context"
	"fmt"

	"github.com/Sternrassler/ilincs-freeze/pkg/cache"
	"github.com/Sternrassler/ilincs-freeze/pkg/config"
	"github.com/Sternrassler/ilincs-freeze/pkg/export"
	"github.com/redis/go-redis/v9"
)

// cacheBackend is an opened cache store with its lifecycle hooks.
type cacheBackend struct {
	Store cache.Store
	ping  func(ctx context.Context) error
	close func() error
}

// Ping reports whether the cache backend is reachable.
func (b *cacheBackend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases the backend.
func (b *cacheBackend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func openCache(ctx context.Context, cfg config.CacheConfig) (*cacheBackend, error) {
	switch cfg.Backend {
	case config.CacheRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient := redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return &cacheBackend{
			Store: cache.NewManager(redisClient),
			ping:  func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			close: redisClient.Close,
		}, nil

	case config.CachePebble:
		store, err := cache.OpenPebble(cfg.PebbleDir)
		if err != nil {
			return nil, err
		}
		return &cacheBackend{Store: store, close: store.Close}, nil

	default:
		return &cacheBackend{}, nil
	}
}

func openSink(ctx context.Context, cfg config.OutputConfig) (export.Sink, error) {
	switch cfg.Backend {
	case config.OutputS3:
		return export.NewS3SinkFromEnv(ctx, cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return export.NewDirSink(cfg.Dir), nil
	}
}
