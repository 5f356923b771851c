package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Directory  DirectoryConfig  `mapstructure:"directory"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"`
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type RedisConfig struct {
	URL                 string `mapstructure:"url"`
	InvalidationChannel string `mapstructure:"invalidation_channel"`
}

// UpstreamConfig describes the call-center socket endpoints. Clusters maps a
// tenant's cluster selector to a websocket URL.
type UpstreamConfig struct {
	Clusters          map[string]string `mapstructure:"clusters"`
	DefaultCluster    string            `mapstructure:"default_cluster"`
	ConnectTimeout    time.Duration     `mapstructure:"connect_timeout"`
	HeartbeatInterval time.Duration     `mapstructure:"heartbeat_interval"`
	ReconnectDelay    time.Duration     `mapstructure:"reconnect_delay"`
	Backoff           []time.Duration   `mapstructure:"backoff"`
	LastResortDelay   time.Duration     `mapstructure:"last_resort_delay"`
}

type QueueConfig struct {
	HighWatermark      int           `mapstructure:"high_watermark"`
	AlertRatio         float64       `mapstructure:"alert_ratio"`
	ThrottleDelay      time.Duration `mapstructure:"throttle_delay"`
	MinItemSpacing     time.Duration `mapstructure:"min_item_spacing"`
	FastDrainThreshold int           `mapstructure:"fast_drain_threshold"`
	StallTimeout       time.Duration `mapstructure:"stall_timeout"`
	TruncateTo         int           `mapstructure:"truncate_to"`
}

type DeliveryConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	SuccessSampleRate float64       `mapstructure:"success_sample_rate"`
	MaxResponseChars  int           `mapstructure:"max_response_chars"`
	SigningSecret     string        `mapstructure:"signing_secret"`
	RecheckCooldown   time.Duration `mapstructure:"recheck_cooldown"`
}

type DedupConfig struct {
	Window        time.Duration `mapstructure:"window"`
	MaxEntries    int           `mapstructure:"max_entries"`
	PayloadPrefix int           `mapstructure:"payload_prefix"`
}

type DirectoryConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type SupervisorConfig struct {
	WatchdogInterval     time.Duration `mapstructure:"watchdog_interval"`
	CacheCleanupInterval time.Duration `mapstructure:"cache_cleanup_interval"`
	MemoryInterval       time.Duration `mapstructure:"memory_interval"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	SoftMemoryRatio      float64       `mapstructure:"soft_memory_ratio"`
	HardMemoryRatio      float64       `mapstructure:"hard_memory_ratio"`
	MemoryLimitBytes     uint64        `mapstructure:"memory_limit_bytes"`
}

type RetentionConfig struct {
	Debounce      time.Duration `mapstructure:"debounce"`
	KeepPerTenant int           `mapstructure:"keep_per_tenant"`
}

type JWTConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 75*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "file:data/relay.db")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.invalidation_channel", "relay:webhooks:changed")

	v.SetDefault("upstream.clusters", map[string]string{})
	v.SetDefault("upstream.default_cluster", "")
	v.SetDefault("upstream.connect_timeout", 30*time.Second)
	v.SetDefault("upstream.heartbeat_interval", 30*time.Second)
	v.SetDefault("upstream.reconnect_delay", 5*time.Second)
	v.SetDefault("upstream.backoff", []time.Duration{
		30 * time.Second, 60 * time.Second, 120 * time.Second, 300 * time.Second, 600 * time.Second,
	})
	v.SetDefault("upstream.last_resort_delay", 30*time.Minute)

	v.SetDefault("queue.high_watermark", 1000)
	v.SetDefault("queue.alert_ratio", 0.8)
	v.SetDefault("queue.throttle_delay", 10*time.Millisecond)
	v.SetDefault("queue.min_item_spacing", 10*time.Millisecond)
	v.SetDefault("queue.fast_drain_threshold", 100)
	v.SetDefault("queue.stall_timeout", 5*time.Minute)
	v.SetDefault("queue.truncate_to", 100)

	v.SetDefault("delivery.timeout", 30*time.Second)
	v.SetDefault("delivery.user_agent", "CallRelay-Webhook/1.0")
	v.SetDefault("delivery.success_sample_rate", 0.05)
	v.SetDefault("delivery.max_response_chars", 300)
	v.SetDefault("delivery.signing_secret", "")
	v.SetDefault("delivery.recheck_cooldown", 30*time.Second)

	v.SetDefault("dedup.window", 3*time.Second)
	v.SetDefault("dedup.max_entries", 1000)
	v.SetDefault("dedup.payload_prefix", 100)

	v.SetDefault("directory.ttl", 5*time.Minute)

	v.SetDefault("supervisor.watchdog_interval", 60*time.Second)
	v.SetDefault("supervisor.cache_cleanup_interval", 5*time.Minute)
	v.SetDefault("supervisor.memory_interval", 30*time.Second)
	v.SetDefault("supervisor.idle_timeout", 10*time.Minute)
	v.SetDefault("supervisor.soft_memory_ratio", 0.8)
	v.SetDefault("supervisor.hard_memory_ratio", 0.9)
	v.SetDefault("supervisor.memory_limit_bytes", 0)

	v.SetDefault("retention.debounce", 5*time.Minute)
	v.SetDefault("retention.keep_per_tenant", 10)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.token_ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")
}

// Load reads the YAML file at path (when non-empty) and layers environment
// overrides on top. Keys not present in either fall back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
