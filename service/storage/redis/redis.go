package redis

import (
	"context"
	"sync"
	"time"

	"RTProject/tools/errs"

	"github.com/redis/go-redis/v9"
)

var (
	mu     sync.RWMutex
	client *redis.Client
)

// Config 用于初始化 Redis
type Config struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

func (c *Config) norm() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
}

// InitRedis 建连并探活，返回可直接注入存储层/总线的客户端。
// 重复调用返回已有实例。
func InitRedis(ctx context.Context, c Config) (*redis.Client, error) {
	mu.Lock()
	defer mu.Unlock()
	if client != nil {
		return client, nil
	}
	c.norm()

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, c.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	client = rdb
	return client, nil
}

// Healthy 探活（/healthz 用）。未初始化返回 ErrStoreNotReady。
func Healthy(ctx context.Context) error {
	mu.RLock()
	rdb := client
	mu.RUnlock()
	if rdb == nil {
		return errs.ErrStoreNotReady.WithDetail("redis")
	}
	return rdb.Ping(ctx).Err()
}

// CloseRedis 关闭连接
func CloseRedis() error {
	mu.Lock()
	defer mu.Unlock()
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}
