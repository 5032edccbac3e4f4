// Package config loads service settings from the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
)

// Storage names the shared backing services.
type Storage struct {
	DatabaseURL             string        `envconfig:"DATABASE_URL" required:"true"`
	DatabaseMaxConns        int32         `envconfig:"DATABASE_MAX_CONNS" default:"10"`
	StorageConnectionString string        `envconfig:"STORAGE_CONNECTION_STRING" required:"true"`
	EventsReadTable         string        `envconfig:"EVENTS_READ_TABLE" default:"EventsRead"`
	RepairQueue             string        `envconfig:"PROJECTION_REPAIR_QUEUE" default:"projection-repair"`
	RedisConnectionString   string        `envconfig:"REDIS_CONNECTION_STRING"`
	SnapshotTTL             time.Duration `envconfig:"SNAPSHOT_TTL" default:"12h"`
	UpdatesChannel          string        `envconfig:"PROJECTION_UPDATES_CHANNEL" default:"calendar-updates"`
}

// API configures calendar-api.
type API struct {
	Debug              bool          `envconfig:"DEBUG" default:"false"`
	ListenAddr         string        `envconfig:"LISTEN_ADDR" default:":4001"`
	SubscriberBuffer   int           `envconfig:"SUBSCRIBER_BUFFER" default:"64"`
	SubscriberOverflow string        `envconfig:"SUBSCRIBER_OVERFLOW" default:"resync"`
	StreamHeartbeat    time.Duration `envconfig:"STREAM_HEARTBEAT" default:"15s"`
	MaxBodyBytes       int64         `envconfig:"MAX_BODY_BYTES" default:"65536"`
	RebuildOnStart     bool          `envconfig:"REBUILD_ON_START" default:"true"`
	IdempotencyTTL     time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	Storage
}

// Updater configures read-model-updater.
type Updater struct {
	Debug        bool          `envconfig:"DEBUG" default:"false"`
	RebuildCron  string        `envconfig:"PROJECTION_REBUILD_CRON" default:"*/15 * * * *"`
	PollInterval time.Duration `envconfig:"REPAIR_POLL_INTERVAL" default:"1s"`
	Storage
}

// Client configures calendar-watch.
type Client struct {
	Debug          bool          `envconfig:"DEBUG" default:"false"`
	BaseURL        string        `envconfig:"CALENDAR_API_URL" default:"http://localhost:4001"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	MaxBackoff     time.Duration `envconfig:"RECONNECT_MAX_BACKOFF" default:"30s"`
	Timezone       string        `envconfig:"CALENDAR_TZ" default:"UTC"`
	ReportInterval time.Duration `envconfig:"REPORT_INTERVAL" default:"10s"`
}

// Init configures storage-init.
type Init struct {
	Debug bool `envconfig:"DEBUG" default:"false"`
	Storage
}

// LoadStorage reads the storage-init settings.
func LoadStorage() (*Init, error) {
	var cfg Init
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	return &cfg, nil
}

// LoadAPI reads the calendar-api settings.
func LoadAPI() (*API, error) {
	var cfg API
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if cfg.SubscriberBuffer <= 0 {
		return nil, fmt.Errorf("invalid SUBSCRIBER_BUFFER: must be greater than zero")
	}
	if cfg.StreamHeartbeat <= 0 {
		return nil, fmt.Errorf("invalid STREAM_HEARTBEAT: must be greater than zero")
	}
	return &cfg, nil
}

// LoadUpdater reads the read-model-updater settings.
func LoadUpdater() (*Updater, error) {
	var cfg Updater
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	return &cfg, nil
}

// LoadClient reads the calendar-watch settings.
func LoadClient() (*Client, error) {
	var cfg Client
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	return &cfg, nil
}

// RedisOptions accepts either a redis:// URL or the Azure-style
// "host:port,password=...,ssl=true" form.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, fmt.Errorf("missing redis config")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
