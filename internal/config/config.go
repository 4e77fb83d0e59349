package config

import (
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/eventtel/yrouted/pkg/errors"
)

// Config holds all configuration for the routing daemon.
type Config struct {
	Store      StoreConfig
	Cache      CacheConfig
	Routing    RoutingConfig
	Engine     EngineConfig
	Web        WebConfig
	Monitoring MonitoringConfig
}

type StoreConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
}

type CacheConfig struct {
	// Backend selects "redis" for multi-server installations or "memory"
	// for single-box setups and tests.
	Backend      string
	Address      string
	Password     string
	DB           int
	PoolSize     int
	TTL          time.Duration
	MinIdleConns int
	MaxRetries   int
}

// ServerContact describes how to reach an extension's home server.
type ServerContact struct {
	Hostname string
	Listener string
}

type RoutingConfig struct {
	RequestTimeout    time.Duration
	ForwardDepthLimit int
	LocalServerID     int64
	// Servers maps a home server id to its SIP contact.
	Servers map[int64]ServerContact
	// GatewayHost is the outbound gateway for EXTERNAL extensions without
	// a home server.
	GatewayHost string
	SoundsDir   string
}

type EngineConfig struct {
	Host             string
	Port             int
	RoutePriority    int
	InternalListener string
	ReconnectDelay   time.Duration
	AnswerTimeout    time.Duration
}

type WebConfig struct {
	Enabled bool
	Bind    string
}

type MonitoringConfig struct {
	Metrics struct {
		Enabled bool
		Port    int
	}
	Health struct {
		Enabled bool
		Port    int
	}
	Logging LoggingConfig
}

type LoggingConfig struct {
	Level  string
	Format string
	File   struct {
		Enabled    bool
		Path       string
		MaxSize    int
		MaxBackups int
		MaxAge     int
		Compress   bool
	}
}

// Load reads the configuration file (if any), applies YROUTED_* environment
// overrides and materializes the typed Config.
func Load(configFile string) (*Config, error) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("yrouted")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/yrouted")
	}

	viper.SetEnvPrefix("YROUTED")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, errors.ErrConfiguration, "failed to read config file")
		}
	}

	cfg := &Config{}

	cfg.Store.Driver = viper.GetString("store.driver")
	cfg.Store.DSN = viper.GetString("store.dsn")
	cfg.Store.MaxOpenConns = viper.GetInt("store.max_open_conns")
	cfg.Store.MaxIdleConns = viper.GetInt("store.max_idle_conns")
	cfg.Store.ConnMaxLifetime = viper.GetDuration("store.conn_max_lifetime")
	cfg.Store.RetryAttempts = viper.GetInt("store.retry_attempts")
	cfg.Store.RetryDelay = viper.GetDuration("store.retry_delay")

	cfg.Cache.Backend = viper.GetString("cache.backend")
	cfg.Cache.Address = viper.GetString("cache.address")
	cfg.Cache.Password = viper.GetString("cache.password")
	cfg.Cache.DB = viper.GetInt("cache.db")
	cfg.Cache.PoolSize = viper.GetInt("cache.pool_size")
	cfg.Cache.TTL = viper.GetDuration("cache.ttl")
	cfg.Cache.MinIdleConns = viper.GetInt("cache.min_idle_conns")
	cfg.Cache.MaxRetries = viper.GetInt("cache.max_retries")

	cfg.Routing.RequestTimeout = viper.GetDuration("routing.request_timeout")
	cfg.Routing.ForwardDepthLimit = viper.GetInt("routing.forward_depth_limit")
	cfg.Routing.LocalServerID = viper.GetInt64("routing.local_server_id")
	cfg.Routing.GatewayHost = viper.GetString("routing.gateway_host")
	cfg.Routing.SoundsDir = viper.GetString("routing.sounds_dir")

	servers, err := parseServers(viper.GetStringMap("routing.servers"))
	if err != nil {
		return nil, err
	}
	cfg.Routing.Servers = servers

	cfg.Engine.Host = viper.GetString("engine.host")
	cfg.Engine.Port = viper.GetInt("engine.port")
	cfg.Engine.RoutePriority = viper.GetInt("engine.route_priority")
	cfg.Engine.InternalListener = viper.GetString("engine.internal_listener")
	cfg.Engine.ReconnectDelay = viper.GetDuration("engine.reconnect_delay")
	cfg.Engine.AnswerTimeout = viper.GetDuration("engine.answer_timeout")

	cfg.Web.Enabled = viper.GetBool("web.enabled")
	cfg.Web.Bind = viper.GetString("web.bind")

	cfg.Monitoring.Metrics.Enabled = viper.GetBool("monitoring.metrics.enabled")
	cfg.Monitoring.Metrics.Port = viper.GetInt("monitoring.metrics.port")
	cfg.Monitoring.Health.Enabled = viper.GetBool("monitoring.health.enabled")
	cfg.Monitoring.Health.Port = viper.GetInt("monitoring.health.port")
	cfg.Monitoring.Logging.Level = viper.GetString("monitoring.logging.level")
	cfg.Monitoring.Logging.Format = viper.GetString("monitoring.logging.format")
	cfg.Monitoring.Logging.File.Enabled = viper.GetBool("monitoring.logging.file.enabled")
	cfg.Monitoring.Logging.File.Path = viper.GetString("monitoring.logging.file.path")
	cfg.Monitoring.Logging.File.MaxSize = viper.GetInt("monitoring.logging.file.max_size")
	cfg.Monitoring.Logging.File.MaxBackups = viper.GetInt("monitoring.logging.file.max_backups")
	cfg.Monitoring.Logging.File.MaxAge = viper.GetInt("monitoring.logging.file.max_age")
	cfg.Monitoring.Logging.File.Compress = viper.GetBool("monitoring.logging.file.compress")

	return cfg, nil
}

// parseServers converts the viper "routing.servers" map (string keys) into
// the typed home-server contact map.
func parseServers(raw map[string]interface{}) (map[int64]ServerContact, error) {
	servers := make(map[int64]ServerContact, len(raw))
	for key := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, errors.New(errors.ErrConfiguration, "server id must be numeric: "+key)
		}
		sub := viper.Sub("routing.servers." + key)
		if sub == nil {
			continue
		}
		servers[id] = ServerContact{
			Hostname: sub.GetString("hostname"),
			Listener: sub.GetString("listener"),
		}
	}
	return servers, nil
}

func setDefaults() {
	viper.SetDefault("store.driver", "mysql")
	viper.SetDefault("store.dsn", "yate:yate@tcp(localhost:3306)/routing?parseTime=true")
	viper.SetDefault("store.max_open_conns", 25)
	viper.SetDefault("store.max_idle_conns", 5)
	viper.SetDefault("store.conn_max_lifetime", "5m")
	viper.SetDefault("store.retry_attempts", 3)
	viper.SetDefault("store.retry_delay", "1s")

	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("cache.address", "localhost:6379")
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.ttl", "5m")

	viper.SetDefault("routing.request_timeout", "5s")
	viper.SetDefault("routing.forward_depth_limit", 16)
	viper.SetDefault("routing.local_server_id", 1)
	viper.SetDefault("routing.gateway_host", "")
	viper.SetDefault("routing.sounds_dir", "/opt/sounds")

	viper.SetDefault("engine.host", "localhost")
	viper.SetDefault("engine.port", 5039)
	viper.SetDefault("engine.route_priority", 90)
	viper.SetDefault("engine.internal_listener", "local")
	viper.SetDefault("engine.reconnect_delay", "5s")
	viper.SetDefault("engine.answer_timeout", "10s")

	viper.SetDefault("web.enabled", true)
	viper.SetDefault("web.bind", "127.0.0.1:9000")

	viper.SetDefault("monitoring.metrics.enabled", true)
	viper.SetDefault("monitoring.metrics.port", 9090)
	viper.SetDefault("monitoring.health.enabled", true)
	viper.SetDefault("monitoring.health.port", 8080)
	viper.SetDefault("monitoring.logging.level", "info")
	viper.SetDefault("monitoring.logging.format", "text")
}
