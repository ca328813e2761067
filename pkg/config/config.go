package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const devSecret = "dev_secret"

type Configuration struct {
	ListenAddr string    `mapstructure:"listen_addr"`
	MQTT       MQTT      `mapstructure:"mqtt"`
	JWT        JWT       `mapstructure:"jwt"`
	Database   Database  `mapstructure:"database"`
	Cache      Cache     `mapstructure:"cache"`
	Session    Session   `mapstructure:"session"`
	WebSocket  WebSocket `mapstructure:"websocket"`
	Log        Log       `mapstructure:"log"`
	Metrics    Metrics   `mapstructure:"metrics"`
}

type MQTT struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	// TopicRoot prefixes the per-client inbound and outbound topics,
	// e.g. iamhere/<client>/in and iamhere/<client>/out.
	TopicRoot string `mapstructure:"topic_root"`
}

type JWT struct {
	Secret         string `mapstructure:"secret"`
	RequireExpiry  bool   `mapstructure:"require_expiry"`
	AllowDevSecret bool   `mapstructure:"allow_dev_secret"`
}

type Database struct {
	// Driver is either "postgres" or "sqlite".
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

type Cache struct {
	// UserTTL caches "no such user" answers, so a freshly created account may
	// be refused for up to this long. Existing users are never cached.
	UserTTL time.Duration `mapstructure:"user_ttl"`
	// ContactTTL caches contact lists. Leave it at zero when anything outside
	// this process edits contacts: the cache is only invalidated in-process.
	ContactTTL time.Duration `mapstructure:"contact_ttl"`
}

type Session struct {
	// RateLimit is the sustained number of event messages per second a
	// single connection may send. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type WebSocket struct {
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	MaxFrameSize int64         `mapstructure:"max_frame_size"`
}

type Log struct {
	Level string `mapstructure:"level"`
	Color bool   `mapstructure:"color"`
}

type Metrics struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "0.0.0.0:3001")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.listen_addr", "0.0.0.0:1883")
	v.SetDefault("mqtt.topic_root", "iamhere")
	v.SetDefault("jwt.secret", devSecret)
	v.SetDefault("jwt.require_expiry", false)
	v.SetDefault("jwt.allow_dev_secret", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "arrived.db")
	v.SetDefault("database.migrate", true)
	v.SetDefault("cache.user_ttl", "30s")
	v.SetDefault("cache.contact_ttl", "0s")
	v.SetDefault("session.rate_limit", 5)
	v.SetDefault("session.burst", 10)
	v.SetDefault("websocket.heartbeat", "30s")
	v.SetDefault("websocket.max_frame_size", 4096)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", false)
	v.SetDefault("metrics.otlp_endpoint", "")
}

// Load reads the configuration from the optional file at path and from
// IAMHERE_* environment variables, which take precedence.
func Load(path string) (Configuration, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IAMHERE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Configuration{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Configuration
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Configuration{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Configuration) Validate() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if c.JWT.Secret == devSecret && !c.JWT.AllowDevSecret {
		errs = append(errs, errors.New("jwt.secret is the development default; set a real secret or jwt.allow_dev_secret"))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Session.RateLimit < 0 || c.Session.Burst < 0 {
		errs = append(errs, errors.New("session.rate_limit and session.burst must not be negative"))
	}
	if c.MQTT.Enabled && c.MQTT.TopicRoot == "" {
		errs = append(errs, errors.New("mqtt.topic_root is required when mqtt is enabled"))
	}
	return errors.Join(errs...)
}
