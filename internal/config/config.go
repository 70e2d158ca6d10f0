package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

const (
	DefaultPath      = "/etc/ngenic/config.yaml"
	DefaultGRPCAddr  = "0.0.0.0:9000"
	DefaultHTTPAddr  = "0.0.0.0:8080"
	DefaultBaseURL   = "https://app.ngenic.se/api/v3"
	DefaultBlobKey   = "ngenic/token"
	DefaultTimeZone  = "Europe/Stockholm"
	DefaultBaseTopic = "ngenic"
)

type Config struct {
	LogLevel      string              `mapstructure:"log_level"`
	Core          CoreConfig          `mapstructure:"core"`
	Ngenic        NgenicConfig        `mapstructure:"ngenic"`
	Credential    CredentialConfig    `mapstructure:"credential"`
	Coordinator   CoordinatorConfig   `mapstructure:"coordinator"`
	MQTT          MQTTConfig          `mapstructure:"mqtt"`
	HomeAssistant HomeAssistantConfig `mapstructure:"homeassistant"`
	InfluxDB      InfluxDBConfig      `mapstructure:"influxdb"`
}

type CoreConfig struct {
	GRPCAddr string `mapstructure:"grpc_addr"`
	HTTPAddr string `mapstructure:"http_addr"`
	HTTPLog  bool   `mapstructure:"http_log"`
}

type NgenicConfig struct {
	BaseURL              string        `mapstructure:"base_url"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	RetryAttempts        int           `mapstructure:"retry_attempts"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	RateLimitBackoff     time.Duration `mapstructure:"rate_limit_backoff"`
	RateLimitBackoffMax  time.Duration `mapstructure:"rate_limit_backoff_max"`
	MaxRequestsPerMinute int           `mapstructure:"max_requests_per_minute"`
	TimeZone             string        `mapstructure:"time_zone"`
	Tunes                []string      `mapstructure:"tunes"`
}

type CredentialConfig struct {
	Token     string     `mapstructure:"token"`
	TokenFile string     `mapstructure:"token_file"`
	Blob      BlobConfig `mapstructure:"blob"`
}

type BlobConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	Bucket        string `mapstructure:"bucket"`
	Key           string `mapstructure:"key"`
	AccessKeyFile string `mapstructure:"access_key_file"`
	SecretKeyFile string `mapstructure:"secret_key_file"`
	Region        string `mapstructure:"region"`
}

func (b BlobConfig) Enabled() bool {
	return b.Endpoint != "" || b.Bucket != ""
}

type CoordinatorConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	FullSyncEvery     int           `mapstructure:"full_sync_every"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxInterval       time.Duration `mapstructure:"max_interval"`
}

type MQTTConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	ClientID         string `mapstructure:"client_id"`
	BaseTopic        string `mapstructure:"base_topic"`
	HADiscoveryTopic string `mapstructure:"ha_discovery_topic"`
}

type HomeAssistantConfig struct {
	DeviceEnergyNodes []string `mapstructure:"device_energy_nodes"`
}

type InfluxDBConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	Org           string `mapstructure:"org"`
	Bucket        string `mapstructure:"bucket"`
	BatchSize     int    `mapstructure:"batch_size"`
	FlushInterval int    `mapstructure:"flush_interval"`
}

// Load reads configuration from defaults, the environment (NGENIC_ prefix) and
// an optional YAML file, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ngenic")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	baseTopic, err := CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, fmt.Errorf("mqtt.base_topic: %w", err)
	}
	cfg.MQTT.BaseTopic = baseTopic

	discoveryTopic, err := CheckMQTTTopic(cfg.MQTT.HADiscoveryTopic)
	if err != nil {
		return nil, fmt.Errorf("mqtt.ha_discovery_topic: %w", err)
	}
	cfg.MQTT.HADiscoveryTopic = discoveryTopic

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("core.grpc_addr", DefaultGRPCAddr)
	v.SetDefault("core.http_addr", DefaultHTTPAddr)
	v.SetDefault("core.http_log", false)

	v.SetDefault("ngenic.base_url", DefaultBaseURL)
	v.SetDefault("ngenic.request_timeout", 15*time.Second)
	v.SetDefault("ngenic.retry_attempts", 2)
	v.SetDefault("ngenic.retry_delay", time.Second)
	v.SetDefault("ngenic.rate_limit_backoff", 30*time.Second)
	v.SetDefault("ngenic.rate_limit_backoff_max", 15*time.Minute)
	v.SetDefault("ngenic.max_requests_per_minute", 0)
	v.SetDefault("ngenic.time_zone", DefaultTimeZone)
	v.SetDefault("ngenic.tunes", []string{})

	v.SetDefault("credential.token", "")
	v.SetDefault("credential.token_file", "")
	v.SetDefault("credential.blob.endpoint", "")
	v.SetDefault("credential.blob.bucket", "")
	v.SetDefault("credential.blob.key", DefaultBlobKey)
	v.SetDefault("credential.blob.access_key_file", "")
	v.SetDefault("credential.blob.secret_key_file", "")
	v.SetDefault("credential.blob.region", "")

	v.SetDefault("coordinator.poll_interval", 5*time.Minute)
	v.SetDefault("coordinator.full_sync_every", 6)
	v.SetDefault("coordinator.failure_threshold", 3)
	v.SetDefault("coordinator.backoff_multiplier", 2.0)
	v.SetDefault("coordinator.max_interval", 30*time.Minute)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.base_topic", DefaultBaseTopic)
	v.SetDefault("mqtt.ha_discovery_topic", "homeassistant")

	v.SetDefault("homeassistant.device_energy_nodes", []string{})

	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.url", "http://localhost:8086")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.org", "")
	v.SetDefault("influxdb.bucket", "ngenic")
	v.SetDefault("influxdb.batch_size", 100)
	v.SetDefault("influxdb.flush_interval", 10)
}

// Validate enforces invariants beyond typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.Core.GRPCAddr == "" {
		return fmt.Errorf("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		return fmt.Errorf("core.http_addr is required")
	}

	if cfg.Ngenic.BaseURL == "" {
		return fmt.Errorf("ngenic.base_url is required")
	}
	if cfg.Ngenic.RetryAttempts < 1 {
		return fmt.Errorf("ngenic.retry_attempts must be >= 1")
	}
	if cfg.Ngenic.RateLimitBackoff <= 0 {
		return fmt.Errorf("ngenic.rate_limit_backoff must be positive")
	}
	if cfg.Ngenic.RateLimitBackoffMax < cfg.Ngenic.RateLimitBackoff {
		return fmt.Errorf("ngenic.rate_limit_backoff_max must be >= ngenic.rate_limit_backoff")
	}
	if _, err := time.LoadLocation(cfg.Ngenic.TimeZone); err != nil {
		return fmt.Errorf("ngenic.time_zone: %w", err)
	}

	if cfg.Coordinator.PollInterval < time.Minute {
		return fmt.Errorf("coordinator.poll_interval must be >= 1m")
	}
	if cfg.Coordinator.FullSyncEvery < 1 {
		return fmt.Errorf("coordinator.full_sync_every must be >= 1")
	}
	if cfg.Coordinator.FailureThreshold < 1 {
		return fmt.Errorf("coordinator.failure_threshold must be >= 1")
	}
	if cfg.Coordinator.BackoffMultiplier <= 1 {
		return fmt.Errorf("coordinator.backoff_multiplier must be > 1")
	}
	if cfg.Coordinator.MaxInterval <= cfg.Coordinator.PollInterval {
		return fmt.Errorf("coordinator.max_interval must be greater than coordinator.poll_interval")
	}

	if cfg.Credential.Token == "" && cfg.Credential.TokenFile == "" && !cfg.Credential.Blob.Enabled() {
		return fmt.Errorf("one of credential.token, credential.token_file or credential.blob is required")
	}
	if cfg.Credential.Blob.Enabled() {
		blob := cfg.Credential.Blob
		if blob.Endpoint == "" || blob.Bucket == "" || blob.AccessKeyFile == "" || blob.SecretKeyFile == "" {
			return fmt.Errorf("credential.blob requires endpoint, bucket, access_key_file and secret_key_file")
		}
	}

	if cfg.MQTT.Enabled && cfg.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required")
	}
	if cfg.InfluxDB.Enabled && (cfg.InfluxDB.URL == "" || cfg.InfluxDB.Org == "" || cfg.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb requires url, org and bucket")
	}
	return nil
}

var topicPattern = regexp.MustCompile("^[a-z0-9_]+$")

// CheckMQTTTopic lower-cases a topic segment and rejects anything but letters,
// digits and underscores.
func CheckMQTTTopic(topic string) (string, error) {
	lower := strings.ToLower(topic)
	if !topicPattern.MatchString(lower) {
		return "", fmt.Errorf("invalid topic %q: can only contain letters, numbers and underscores", topic)
	}
	return lower, nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.Credential.Token != "" {
		c.Credential.Token = "*redacted*"
	}
	if c.MQTT.Password != "" {
		c.MQTT.Password = "*redacted*"
	}
	if c.InfluxDB.Token != "" {
		c.InfluxDB.Token = "*redacted*"
	}
	return c
}
