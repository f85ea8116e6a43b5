package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ConnectRedis подключается к Redis. Если заданы адреса Sentinel и имя мастера,
// используется failover клиент, иначе прямое подключение по redisURL.
// Redis нужен только для кэша оценки и pub/sub событий склада, поэтому
// вызывающий код может продолжить работу без него.
func ConnectRedis(ctx context.Context, redisURL string, sentinelAddrs []string, masterName string) (*redis.Client, error) {
	if len(sentinelAddrs) > 0 && masterName != "" {
		return connectRedisWithSentinel(ctx, sentinelAddrs, masterName)
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 5
	opt.MaxRetries = 3

	client := redis.NewClient(opt)
	if err := ping(ctx, client, 5*time.Second); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Str("addr", opt.Addr).Msg("✅ Redis подключен (direct)")
	return client, nil
}

func connectRedisWithSentinel(ctx context.Context, sentinelAddrs []string, masterName string) (*redis.Client, error) {
	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    masterName,
		SentinelAddrs: sentinelAddrs,
		PoolSize:      50,
		MinIdleConns:  5,
		MaxRetries:    3,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
	})

	// Sentinel отвечает дольше: сначала опрашиваются сентинелы, потом мастер
	if err := ping(ctx, client, 10*time.Second); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis Sentinel: %w", err)
	}

	log.Info().
		Str("master", masterName).
		Strs("sentinels", sentinelAddrs).
		Msg("✅ Redis Sentinel подключен")
	return client, nil
}

func ping(ctx context.Context, client *redis.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Ping(ctx).Err()
}

// CloseRedis закрывает подключение к Redis
func CloseRedis(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
