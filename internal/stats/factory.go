package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"originguard/internal/models"
)

// New creates a recorder from configuration. Disabled stats yield Nop. The
// Redis backend is pinged once so a bad address fails at startup.
func New(ctx context.Context, config models.StatsConfig) (Recorder, error) {
	if !config.Enabled {
		return Nop{}, nil
	}

	switch config.Backend {
	case models.StatsBackendMemory:
		return NewMemoryRecorder(config.TrackOrigins, WithMaxOrigins(config.MaxOrigins)), nil
	case models.StatsBackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
			PoolSize: config.Redis.PoolSize,
		})
		rec := NewRedisRecorder(rdb,
			WithPrefix(config.Prefix),
			WithTTL(config.TTL),
			WithTrackOrigins(config.TrackOrigins),
		)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rec.Ping(pingCtx); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Redis.Addr, err)
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", config.Backend)
	}
}
