package schwab

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	DefaultBaseURL     = "https://api.schwabapi.com"
	DefaultAuthURL     = "https://api.schwabapi.com/v1/oauth/authorize"
	DefaultTokenURL    = "https://api.schwabapi.com/v1/oauth/token"
	DefaultCallbackURL = "https://127.0.0.1"
	DefaultTokenKey    = "schwabToken"
)

// Config is the process configuration. It is read from an optional YAML file
// and overridden by environment variables (SCHWAB_ prefix, or the bare names
// APP_KEY, APP_SECRET, CALLBACK_URL, TOKEN_KEY, REDIS_HOST, REDIS_PORT and
// REDIS_PASSWORD).
type Config struct {
	AppKey      string `mapstructure:"app_key"`
	AppSecret   string `mapstructure:"app_secret"`
	CallbackURL string `mapstructure:"callback_url"`
	BaseURL     string `mapstructure:"base_url"`
	AuthURL     string `mapstructure:"auth_url"`
	TokenURL    string `mapstructure:"token_url"`
	LogLevel    string `mapstructure:"log_level"`

	Token  TokenConfig  `mapstructure:"token"`
	HTTP   HTTPConfig   `mapstructure:"http"`
	Stream StreamConfig `mapstructure:"stream"`
	Market MarketConfig `mapstructure:"market"`
}

// TokenConfig selects and configures the credential store.
type TokenConfig struct {
	Key   string `mapstructure:"key"`
	Store string `mapstructure:"store"` // file, redis, sqlite, postgres

	FilePath string `mapstructure:"file_path"`

	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     int    `mapstructure:"redis_port"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	SQLDSN string `mapstructure:"sql_dsn"`

	// Authorizer is "console" or "callback".
	Authorizer       string        `mapstructure:"authorizer"`
	CallbackListen   string        `mapstructure:"callback_listen"`
	AuthorizeTimeout time.Duration `mapstructure:"authorize_timeout"`
}

// HTTPConfig tunes the REST client.
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"` // requests per second
	Burst     int           `mapstructure:"burst"`
}

// StreamConfig tunes the streaming session.
type StreamConfig struct {
	QueueCapacity        int  `mapstructure:"queue_capacity"` // 0 = unbounded
	Reconnect            bool `mapstructure:"reconnect"`
	MaxReconnectAttempts int  `mapstructure:"max_reconnect_attempts"`
	LoginAttempts        int  `mapstructure:"login_attempts"`
}

// MarketConfig tunes the market session monitor.
type MarketConfig struct {
	Name            string        `mapstructure:"name"`
	CalendarMIC     string        `mapstructure:"calendar_mic"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	CheckInterval   time.Duration `mapstructure:"check_interval"`
}

var bareEnvNames = map[string]string{
	"app_key":              "APP_KEY",
	"app_secret":           "APP_SECRET",
	"callback_url":         "CALLBACK_URL",
	"token.key":            "TOKEN_KEY",
	"token.redis_host":     "REDIS_HOST",
	"token.redis_port":     "REDIS_PORT",
	"token.redis_password": "REDIS_PASSWORD",
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("app_key", "")
	v.SetDefault("app_secret", "")
	v.SetDefault("callback_url", DefaultCallbackURL)
	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("auth_url", DefaultAuthURL)
	v.SetDefault("token_url", DefaultTokenURL)
	v.SetDefault("log_level", "info")

	v.SetDefault("token.key", DefaultTokenKey)
	v.SetDefault("token.store", "file")
	v.SetDefault("token.file_path", "data")
	v.SetDefault("token.redis_host", "localhost")
	v.SetDefault("token.redis_port", 6379)
	v.SetDefault("token.redis_password", "")
	v.SetDefault("token.redis_db", 0)
	v.SetDefault("token.sql_dsn", "")
	v.SetDefault("token.authorizer", "console")
	v.SetDefault("token.callback_listen", "127.0.0.1:8182")
	v.SetDefault("token.authorize_timeout", 5*time.Minute)

	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.rate_limit", 2.0)
	v.SetDefault("http.burst", 4)

	v.SetDefault("stream.queue_capacity", 0)
	v.SetDefault("stream.reconnect", false)
	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.login_attempts", 10)

	v.SetDefault("market.name", "equity")
	v.SetDefault("market.calendar_mic", "xnys")
	v.SetDefault("market.refresh_interval", time.Hour)
	v.SetDefault("market.check_interval", 5*time.Second)
}

// LoadConfig reads configuration. path may be empty, in which case only
// defaults, a .env file in the working directory and the environment apply.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env failed: %w", err)
	}

	v := viper.New()
	setConfigDefaults(v)

	v.SetEnvPrefix("SCHWAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, bare := range bareEnvNames {
		prefixed := "SCHWAB_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, bare); err != nil {
			return nil, fmt.Errorf("binding env %s failed: %w", bare, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings needed to talk to the provider.
func (c *Config) Validate() error {
	var problems []string
	if c.AppKey == "" {
		problems = append(problems, "app_key is required")
	}
	if c.AppSecret == "" {
		problems = append(problems, "app_secret is required")
	}
	if c.CallbackURL == "" {
		problems = append(problems, "callback_url is required")
	}
	if c.Token.Key == "" {
		problems = append(problems, "token.key is required")
	}
	switch c.Token.Store {
	case "file", "redis":
	case "sqlite", "postgres":
		if c.Token.SQLDSN == "" {
			problems = append(problems, "token.sql_dsn is required for "+c.Token.Store)
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown token.store %q", c.Token.Store))
	}
	switch c.Token.Authorizer {
	case "console", "callback":
	default:
		problems = append(problems, fmt.Sprintf("unknown token.authorizer %q", c.Token.Authorizer))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigurationFailure, strings.Join(problems, "; "))
	}
	return nil
}

// TestConfig controls integration tests.
type TestConfig struct {
	SkipIntegrationTests bool
	AppKey               string
	AppSecret            string
	TokenPath            string
}

// LoadTestConfig loads test configuration from environment variables.
func LoadTestConfig() TestConfig {
	skipIntegration, _ := strconv.ParseBool(os.Getenv("SKIP_INTEGRATION"))
	return TestConfig{
		SkipIntegrationTests: skipIntegration,
		AppKey:               os.Getenv("SCHWAB_APP_KEY"),
		AppSecret:            os.Getenv("SCHWAB_APP_SECRET"),
		TokenPath:            os.Getenv("SCHWAB_TOKEN_FILE_PATH"),
	}
}

// IsIntegrationTestEnabled checks if integration tests should run. They need a
// previously authorized token file since the login flow is interactive.
func (tc TestConfig) IsIntegrationTestEnabled() bool {
	return !tc.SkipIntegrationTests && tc.AppKey != "" && tc.AppSecret != "" && tc.TokenPath != ""
}
