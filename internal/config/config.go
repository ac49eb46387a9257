package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pulsefeed/pulsefeed/pkg/errs"
)

// ServerConfig holds the HTTP and WebSocket listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host" mapstructure:"host"`
	Port            int           `yaml:"port" json:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// VenueSettings configures one upstream exchange connection.
type VenueSettings struct {
	Enabled        bool              `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	WSURL          string            `yaml:"ws_url" json:"ws_url" mapstructure:"ws_url"`
	RESTURL        string            `yaml:"rest_url" json:"rest_url" mapstructure:"rest_url"`
	Symbols        map[string]string `yaml:"symbols" json:"symbols" mapstructure:"symbols"`
	ReconnectDelay time.Duration     `yaml:"reconnect_delay" json:"reconnect_delay" mapstructure:"reconnect_delay"`
	MaxReconnects  int               `yaml:"max_reconnects" json:"max_reconnects" mapstructure:"max_reconnects"`
	HTTPTimeout    time.Duration     `yaml:"http_timeout" json:"http_timeout" mapstructure:"http_timeout"`
}

// BusConfig selects the event bus backend.
type BusConfig struct {
	Backend string `yaml:"backend" json:"backend" mapstructure:"backend"` // memory, redis, kafka
	Redis   struct {
		Address  string `yaml:"address" json:"address" mapstructure:"address"`
		Password string `yaml:"password" json:"password" mapstructure:"password"`
		DB       int    `yaml:"db" json:"db" mapstructure:"db"`
	} `yaml:"redis" json:"redis" mapstructure:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers" json:"brokers" mapstructure:"brokers"`
		Topic   string   `yaml:"topic" json:"topic" mapstructure:"topic"`
		GroupID string   `yaml:"group_id" json:"group_id" mapstructure:"group_id"`
	} `yaml:"kafka" json:"kafka" mapstructure:"kafka"`
}

// Config is the application configuration.
type Config struct {
	Server   ServerConfig `yaml:"server" json:"server" mapstructure:"server"`
	Database struct {
		DSN string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	} `yaml:"database" json:"database" mapstructure:"database"`
	Bus    BusConfig                `yaml:"bus" json:"bus" mapstructure:"bus"`
	Venues map[string]VenueSettings `yaml:"venues" json:"venues" mapstructure:"venues"`
	Ingest struct {
		BufferSize    int           `yaml:"buffer_size" json:"buffer_size" mapstructure:"buffer_size"`
		FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval" mapstructure:"flush_interval"`
	} `yaml:"ingest" json:"ingest" mapstructure:"ingest"`
	Aggregator struct {
		Interval         time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
		MaxAge           time.Duration `yaml:"max_age" json:"max_age" mapstructure:"max_age"`
		ArbWindow        time.Duration `yaml:"arb_window" json:"arb_window" mapstructure:"arb_window"`
		MinSpreadPercent float64       `yaml:"min_spread_percent" json:"min_spread_percent" mapstructure:"min_spread_percent"`
	} `yaml:"aggregator" json:"aggregator" mapstructure:"aggregator"`
	Gateway struct {
		PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" mapstructure:"poll_interval"`
		DefaultVenue string        `yaml:"default_venue" json:"default_venue" mapstructure:"default_venue"`
		SendBuffer   int           `yaml:"send_buffer" json:"send_buffer" mapstructure:"send_buffer"`
	} `yaml:"gateway" json:"gateway" mapstructure:"gateway"`
	Log struct {
		Level string `yaml:"level" json:"level" mapstructure:"level"`
	} `yaml:"log" json:"log" mapstructure:"log"`
}

// Load reads config.yaml from the usual locations, applies PULSEFEED_*
// environment overrides and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/pulsefeed")

	v.SetEnvPrefix("PULSEFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errs.Configurationf("read config: %v", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Configurationf("parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.dsn", "host=localhost user=pulsefeed password=pulsefeed dbname=pulsefeed port=5432 sslmode=disable")

	v.SetDefault("bus.backend", "memory")
	v.SetDefault("bus.redis.address", "localhost:6379")
	v.SetDefault("bus.kafka.topic", "pulsefeed.events")
	v.SetDefault("bus.kafka.group_id", "pulsefeed")

	v.SetDefault("ingest.buffer_size", 500)
	v.SetDefault("ingest.flush_interval", 2*time.Second)

	v.SetDefault("aggregator.interval", 5*time.Second)
	v.SetDefault("aggregator.max_age", 30*time.Second)
	v.SetDefault("aggregator.arb_window", 5*time.Minute)
	v.SetDefault("aggregator.min_spread_percent", 0.1)

	v.SetDefault("gateway.poll_interval", 2*time.Second)
	v.SetDefault("gateway.default_venue", "binance")
	v.SetDefault("gateway.send_buffer", 256)

	v.SetDefault("log.level", "info")

	v.SetDefault("venues.binance.enabled", true)
	v.SetDefault("venues.binance.ws_url", "wss://stream.binance.com:9443")
	v.SetDefault("venues.binance.rest_url", "https://api.binance.com")
	v.SetDefault("venues.coinbase.enabled", true)
	v.SetDefault("venues.coinbase.ws_url", "wss://ws-feed.exchange.coinbase.com")
	v.SetDefault("venues.coinbase.rest_url", "https://api.exchange.coinbase.com")
	v.SetDefault("venues.kraken.enabled", true)
	v.SetDefault("venues.kraken.ws_url", "wss://ws.kraken.com")
	v.SetDefault("venues.kraken.rest_url", "https://api.kraken.com")
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errs.Configurationf("server.port %d out of range", c.Server.Port)
	}
	enabled := 0
	for name, venue := range c.Venues {
		if !venue.Enabled {
			continue
		}
		enabled++
		if venue.WSURL == "" {
			return errs.Configurationf("venue %s: ws_url is required", name)
		}
		if venue.RESTURL == "" {
			return errs.Configurationf("venue %s: rest_url is required", name)
		}
	}
	if enabled == 0 {
		return errs.Configurationf("no venues enabled")
	}
	switch c.Bus.Backend {
	case "memory":
	case "redis":
		if c.Bus.Redis.Address == "" {
			return errs.Configurationf("bus.redis.address is required for redis backend")
		}
	case "kafka":
		if len(c.Bus.Kafka.Brokers) == 0 {
			return errs.Configurationf("bus.kafka.brokers is required for kafka backend")
		}
	default:
		return errs.Configurationf("unknown bus backend %q", c.Bus.Backend)
	}
	if _, ok := c.Venues[c.Gateway.DefaultVenue]; !ok {
		return errs.Configurationf("gateway.default_venue %q is not a configured venue", c.Gateway.DefaultVenue)
	}
	return nil
}
