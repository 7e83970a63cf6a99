package global

import (
	"strings"
	"time"

	"RTProject/tools"
	"RTProject/tools/ids"
	"RTProject/tools/security"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Config 进程配置，全部来自环境变量（RT_ 前缀）。
type Config struct {
	InstanceID string `mapstructure:"RT_INSTANCE_ID"`
	ListenAddr string `mapstructure:"RT_LISTEN_ADDR"`
	NodeID     int    `mapstructure:"RT_NODE_ID"`

	JWTSecret string `mapstructure:"RT_JWT_SECRET"`

	RedisAddr     string `mapstructure:"RT_REDIS_ADDR"`
	RedisPassword string `mapstructure:"RT_REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"RT_REDIS_DB"`

	MongoURI string `mapstructure:"RT_MONGO_URI"`
	MongoDB  string `mapstructure:"RT_MONGO_DB"`

	PostgresURL string `mapstructure:"RT_POSTGRES_URL"`

	NatsServers string `mapstructure:"RT_NATS_SERVERS"` // 逗号分隔

	PresenceTTL      time.Duration `mapstructure:"RT_PRESENCE_TTL"`
	HeartbeatEvery   time.Duration `mapstructure:"RT_HEARTBEAT_EVERY"`
	PersistMinEvery  time.Duration `mapstructure:"RT_PERSIST_MIN_EVERY"`
	RedisClusterTags bool          `mapstructure:"RT_REDIS_CLUSTER_TAGS"`
}

func (c *Config) norm() {
	if c.InstanceID == "" {
		c.InstanceID = "rt-" + tools.RandID()
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8090"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "127.0.0.1:6379"
	}
	if c.MongoURI == "" {
		c.MongoURI = "mongodb://localhost:27017"
	}
	if c.MongoDB == "" {
		c.MongoDB = "chat"
	}
	if c.NatsServers == "" {
		c.NatsServers = "nats://127.0.0.1:4222"
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 60 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 27 * time.Second
	}
	if c.PersistMinEvery <= 0 {
		c.PersistMinEvery = 2 * time.Minute
	}
}

// Load 从环境变量装配配置。
func Load() (*Config, error) {
	var c Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &c,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "config decoder")
	}
	if err := dec.Decode(tools.EnvMap()); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	c.norm()
	return &c, nil
}

func (c *Config) JWTOptions() security.Options {
	secret := c.JWTSecret
	if secret == "" {
		secret = "dev-only-secret"
	}
	return security.DefaultOptions([]byte(secret))
}

func (c *Config) NatsServerList() []string {
	parts := strings.Split(c.NatsServers, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ConfigIds 雪花 ID 节点号。
func (c *Config) ConfigIds() {
	if c.NodeID > 0 {
		ids.SetNodeID(int64(c.NodeID))
	}
}
