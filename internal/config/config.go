// Package config loads the service's configuration from an optional YAML
// file plus MKTDATA_-prefixed environment variables.
package config

import (
	"fmt"

	"github.com/marketdata-core/ingester/pkg/types"
	"github.com/spf13/viper"
)

// Load reads configuration from configPath (or ./config.yaml / ./config/config.yaml
// if configPath is empty), layers MKTDATA_-prefixed environment overrides on
// top, and fills in any value neither source sets from types.Defaults().
func Load(configPath string) (types.Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("MKTDATA")
	v.AutomaticEnv()
	bindEnvVars(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return types.Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("upstream.ws_url", "MKTDATA_UPSTREAM_WS_URL")
	v.BindEnv("upstream.rest_url", "MKTDATA_UPSTREAM_REST_URL")

	v.BindEnv("reconnect.base_delay", "MKTDATA_RECONNECT_BASE_DELAY")
	v.BindEnv("reconnect.cap_delay", "MKTDATA_RECONNECT_CAP_DELAY")

	v.BindEnv("heartbeat.interval", "MKTDATA_HEARTBEAT_INTERVAL")
	v.BindEnv("heartbeat.miss_multiplier", "MKTDATA_HEARTBEAT_MISS_MULTIPLIER")

	v.BindEnv("bus.default_capacity", "MKTDATA_BUS_DEFAULT_CAPACITY")
	v.BindEnv("bus.policy", "MKTDATA_BUS_POLICY")

	v.BindEnv("query_cache.ttl", "MKTDATA_QUERY_CACHE_TTL")

	v.BindEnv("backfill.rate_limit_per_sec", "MKTDATA_BACKFILL_RATE_LIMIT_PER_SEC")
	v.BindEnv("backfill.retries", "MKTDATA_BACKFILL_RETRIES")
	v.BindEnv("backfill.page_timeout", "MKTDATA_BACKFILL_PAGE_TIMEOUT")

	v.BindEnv("database.host", "MKTDATA_DATABASE_HOST")
	v.BindEnv("database.port", "MKTDATA_DATABASE_PORT")
	v.BindEnv("database.user", "MKTDATA_DATABASE_USER")
	v.BindEnv("database.password", "MKTDATA_DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "MKTDATA_DATABASE_DBNAME")
	v.BindEnv("database.sslmode", "MKTDATA_DATABASE_SSLMODE")

	v.BindEnv("server.host", "MKTDATA_SERVER_HOST")
	v.BindEnv("server.port", "MKTDATA_SERVER_PORT")
	v.BindEnv("server.metrics_port", "MKTDATA_SERVER_METRICS_PORT")
	v.BindEnv("server.read_timeout", "MKTDATA_SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "MKTDATA_SERVER_WRITE_TIMEOUT")
	v.BindEnv("server.max_connections", "MKTDATA_SERVER_MAX_CONNECTIONS")
}

// setDefaults seeds viper with types.Defaults() so a key absent from both
// the file and the environment still resolves to the binary's baked-in
// value rather than a zero value.
func setDefaults(v *viper.Viper) {
	d := types.Defaults()

	v.SetDefault("upstream.ws_url", d.Upstream.WSURL)
	v.SetDefault("upstream.rest_url", d.Upstream.RESTURL)

	v.SetDefault("reconnect.base_delay", d.Reconnect.BaseDelay)
	v.SetDefault("reconnect.cap_delay", d.Reconnect.CapDelay)

	v.SetDefault("heartbeat.interval", d.Heartbeat.Interval)
	v.SetDefault("heartbeat.miss_multiplier", d.Heartbeat.MissMultiplier)

	v.SetDefault("bus.default_capacity", d.Bus.DefaultCapacity)
	v.SetDefault("bus.policy", string(d.Bus.Policy))

	v.SetDefault("query_cache.ttl", d.QueryCache.TTL)

	v.SetDefault("backfill.rate_limit_per_sec", d.Backfill.RateLimitPerSec)
	v.SetDefault("backfill.retries", d.Backfill.Retries)
	v.SetDefault("backfill.page_timeout", d.Backfill.PageTimeout)

	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.dbname", d.Database.DBName)
	v.SetDefault("database.sslmode", d.Database.SSLMode)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.metrics_port", d.Server.MetricsPort)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)

	subs := make([]map[string]interface{}, len(d.DefaultSubscriptions))
	for i, s := range d.DefaultSubscriptions {
		subs[i] = map[string]interface{}{"channel": string(s.Channel), "symbol": s.Symbol, "depth": s.Depth}
	}
	v.SetDefault("default_subscriptions", subs)
}

func validate(cfg types.Config) error {
	if cfg.Upstream.WSURL == "" {
		return fmt.Errorf("upstream.ws_url is required")
	}
	if cfg.Upstream.RESTURL == "" {
		return fmt.Errorf("upstream.rest_url is required")
	}
	if cfg.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	if cfg.Bus.Policy != types.DropPolicyBlock && cfg.Bus.Policy != types.DropPolicyDropOldest && cfg.Bus.Policy != types.DropPolicyDropNewest {
		return fmt.Errorf("bus.policy must be one of block, drop_oldest, drop_newest")
	}
	return nil
}
