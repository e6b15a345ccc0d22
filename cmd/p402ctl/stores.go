package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/p402/facilitator/internal/kv"
)

func openDB(ctx context.Context) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL (or --database-url) is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func openRedis() (*redis.Client, error) {
	if redisURL == "" {
		return nil, errors.New("REDIS_URL (or --redis-url) is required")
	}
	return kv.NewRedisClient(kv.RedisOpts{URL: redisURL})
}
