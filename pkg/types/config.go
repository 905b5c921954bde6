// Package types provides configuration types for the market data core.
package types

import (
	"strconv"
	"time"
)

// Config is the root configuration loaded by viper from a YAML file, with
// MKTDATA_-prefixed environment variables overriding any leaf value.
type Config struct {
	Upstream             UpstreamConfig     `mapstructure:"upstream"`
	Reconnect            ReconnectConfig    `mapstructure:"reconnect"`
	Heartbeat            HeartbeatConfig    `mapstructure:"heartbeat"`
	Bus                  BusConfig          `mapstructure:"bus"`
	QueryCache           QueryCacheConfig   `mapstructure:"query_cache"`
	Backfill             BackfillConfig     `mapstructure:"backfill"`
	Database             DatabaseConfig     `mapstructure:"database"`
	Server               ServerConfig       `mapstructure:"server"`
	DefaultSubscriptions []Subscription     `mapstructure:"default_subscriptions"`
}

// UpstreamConfig names the exchange endpoints the Connection Manager and
// Backfill Engine talk to.
type UpstreamConfig struct {
	WSURL   string `mapstructure:"ws_url"`
	RESTURL string `mapstructure:"rest_url"`
}

// ReconnectConfig tunes the Connection Manager's exponential backoff.
type ReconnectConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	CapDelay  time.Duration `mapstructure:"cap_delay"`
}

// HeartbeatConfig tunes the Connection Manager's liveness check.
type HeartbeatConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MissMultiplier int           `mapstructure:"miss_multiplier"`
}

// DropPolicy names how a bounded subscriber queue behaves once full.
type DropPolicy string

const (
	DropPolicyBlock      DropPolicy = "block"
	DropPolicyDropOldest DropPolicy = "drop_oldest"
	DropPolicyDropNewest DropPolicy = "drop_newest"
)

// BusConfig tunes the Event Bus's default per-subscriber queue.
type BusConfig struct {
	DefaultCapacity int        `mapstructure:"default_capacity"`
	Policy          DropPolicy `mapstructure:"policy"`
}

// QueryCacheConfig tunes the Query Layer's result cache.
type QueryCacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// BackfillConfig tunes the Backfill Engine's rate limiting and retry policy.
type BackfillConfig struct {
	RateLimitPerSec int           `mapstructure:"rate_limit_per_sec"`
	Retries         int           `mapstructure:"retries"`
	PageTimeout     time.Duration `mapstructure:"page_timeout"`
}

// DatabaseConfig is the Postgres connection shape for the OHLCV Store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds the libpq-style DSN consumed by sql.Open("postgres", ...).
func (c DatabaseConfig) ConnString() string {
	return "host=" + c.Host +
		" port=" + strconv.Itoa(c.Port) +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.DBName +
		" sslmode=" + c.SSLMode
}

// ServerConfig represents HTTP/WS/metrics server configuration.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	MetricsPort    int           `mapstructure:"metrics_port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
}

// Defaults returns the configuration baked into the binary, used when no
// config file is supplied and no environment override is set.
func Defaults() Config {
	return Config{
		Upstream: UpstreamConfig{
			WSURL:   "wss://stream.example.com/ws",
			RESTURL: "https://api.example.com",
		},
		Reconnect: ReconnectConfig{
			BaseDelay: time.Second,
			CapDelay:  60 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:       30 * time.Second,
			MissMultiplier: 2,
		},
		Bus: BusConfig{
			DefaultCapacity: 256,
			Policy:          DropPolicyDropOldest,
		},
		QueryCache: QueryCacheConfig{
			TTL: 30 * time.Second,
		},
		Backfill: BackfillConfig{
			RateLimitPerSec: 1,
			Retries:         5,
			PageTimeout:     30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "mktdata",
			DBName:  "mktdata",
			SSLMode: "disable",
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			MetricsPort:    9090,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			MaxConnections: 1000,
		},
		DefaultSubscriptions: []Subscription{
			{Channel: ChannelTicker, Symbol: "BTC/USD"},
		},
	}
}
