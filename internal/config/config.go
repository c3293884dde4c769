package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Log struct {
		Level  string
		Format string
	}

	OAuth struct {
		ClientID     string
		ClientSecret string
		AuthURL      string
		TokenURL     string
		Scopes       []string
	}

	Remote struct {
		BaseURL    string
		RatePerSec float64
		Burst      int
		Timeout    time.Duration
	}

	Sync struct {
		BatchSize      int
		MaxConcurrency int
		MaxAttempts    int
		BatchDelay     time.Duration
		MaxResults     int
		PullPast       time.Duration
		PullAhead      time.Duration
		ScheduledPull  time.Duration
	}

	Queue struct {
		DSN          string
		Concurrency  int
		PollInterval time.Duration
		Retention    time.Duration
	}

	Webhook struct {
		CallbackURL string
		TTL         time.Duration
	}

	// TokenKey encrypts stored OAuth tokens; 32 bytes after base64 decoding.
	TokenKey []byte

	PrometheusEnabled bool
	TrustedProxies    []string
}

// Load reads configuration from APP_* environment variables, optionally
// seeded from a .env file in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_sslmode", "disable")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("oauth_auth_url", "https://accounts.google.com/o/oauth2/auth")
	v.SetDefault("oauth_token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("oauth_scopes", "https://www.googleapis.com/auth/calendar")
	v.SetDefault("remote_base_url", "https://www.googleapis.com/calendar/v3")
	v.SetDefault("remote_rate_per_sec", 10.0)
	v.SetDefault("remote_burst", 20)
	v.SetDefault("remote_timeout", "30s")
	v.SetDefault("sync_batch_size", 50)
	v.SetDefault("sync_max_concurrency", 10)
	v.SetDefault("sync_max_attempts", 3)
	v.SetDefault("sync_batch_delay", "100ms")
	v.SetDefault("sync_max_results", 2500)
	v.SetDefault("sync_pull_past", "720h")
	v.SetDefault("sync_pull_ahead", "4320h")
	v.SetDefault("sync_scheduled_pull", "1h")
	v.SetDefault("queue_concurrency", 4)
	v.SetDefault("queue_poll_interval", "500ms")
	v.SetDefault("queue_retention", "168h")
	v.SetDefault("webhook_ttl", "168h")
	v.SetDefault("prometheus_endpoint_enabled", false)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = v.GetString("listen_addr")
	cfg.BaseURL = v.GetString("base_url")
	cfg.DB.DSN = v.GetString("db_dsn")

	if cfg.DB.DSN == "" {
		host := v.GetString("db_host")
		name := v.GetString("db_name")
		user := v.GetString("db_user")
		password := v.GetString("db_password")
		port := v.GetString("db_port")
		sslmode := v.GetString("db_sslmode")

		var missing []string
		if host == "" {
			missing = append(missing, "APP_DB_HOST")
		}
		if name == "" {
			missing = append(missing, "APP_DB_NAME")
		}
		if user == "" {
			missing = append(missing, "APP_DB_USER")
		}
		if password == "" {
			missing = append(missing, "APP_DB_PASSWORD")
		}

		if len(missing) == 0 {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Log.Level = v.GetString("log_level")
	cfg.Log.Format = v.GetString("log_format")

	cfg.OAuth.ClientID = v.GetString("oauth_client_id")
	cfg.OAuth.ClientSecret = v.GetString("oauth_client_secret")
	cfg.OAuth.AuthURL = v.GetString("oauth_auth_url")
	cfg.OAuth.TokenURL = v.GetString("oauth_token_url")
	cfg.OAuth.Scopes = splitList(v.GetString("oauth_scopes"))

	cfg.Remote.BaseURL = strings.TrimRight(v.GetString("remote_base_url"), "/")
	cfg.Remote.RatePerSec = v.GetFloat64("remote_rate_per_sec")
	cfg.Remote.Burst = v.GetInt("remote_burst")
	cfg.Remote.Timeout = v.GetDuration("remote_timeout")

	cfg.Sync.BatchSize = v.GetInt("sync_batch_size")
	cfg.Sync.MaxConcurrency = v.GetInt("sync_max_concurrency")
	cfg.Sync.MaxAttempts = v.GetInt("sync_max_attempts")
	cfg.Sync.BatchDelay = v.GetDuration("sync_batch_delay")
	cfg.Sync.MaxResults = v.GetInt("sync_max_results")
	cfg.Sync.PullPast = v.GetDuration("sync_pull_past")
	cfg.Sync.PullAhead = v.GetDuration("sync_pull_ahead")
	cfg.Sync.ScheduledPull = v.GetDuration("sync_scheduled_pull")

	cfg.Queue.DSN = v.GetString("queue_dsn")
	cfg.Queue.Concurrency = v.GetInt("queue_concurrency")
	cfg.Queue.PollInterval = v.GetDuration("queue_poll_interval")
	cfg.Queue.Retention = v.GetDuration("queue_retention")

	cfg.Webhook.CallbackURL = v.GetString("webhook_callback_url")
	cfg.Webhook.TTL = v.GetDuration("webhook_ttl")

	cfg.PrometheusEnabled = v.GetBool("prometheus_endpoint_enabled")
	cfg.TrustedProxies = splitList(v.GetString("trusted_proxies"))

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Queue.DSN == "" {
		cfg.Queue.DSN = cfg.DB.DSN
	}
	if cfg.OAuth.ClientID == "" || cfg.OAuth.ClientSecret == "" {
		return nil, fmt.Errorf("oauth configuration is required: client id and secret")
	}
	if cfg.Webhook.CallbackURL == "" {
		cfg.Webhook.CallbackURL = strings.TrimRight(cfg.BaseURL, "/") + "/webhooks/calendar"
	}

	rawKey := v.GetString("token_encryption_key")
	if rawKey == "" {
		return nil, errors.New("APP_TOKEN_ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(rawKey)
	if err != nil {
		return nil, fmt.Errorf("APP_TOKEN_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("APP_TOKEN_ENCRYPTION_KEY must decode to 32 bytes (got %d)", len(key))
	}
	cfg.TokenKey = key

	if cfg.Sync.BatchSize <= 0 {
		return nil, fmt.Errorf("APP_SYNC_BATCH_SIZE must be positive (got %d)", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("APP_SYNC_MAX_CONCURRENCY must be positive (got %d)", cfg.Sync.MaxConcurrency)
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. calsync will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
