package config

import (
	"sort"
	"strings"
	"time"

	"github.com/btouchard/stride/internal/errs"
)

// Config is the root configuration for Stride.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Vendor     VendorConfig     `yaml:"vendor"`
	Security   SecurityConfig   `yaml:"security"`
	Database   DatabaseConfig   `yaml:"database"`
	Sync       SyncConfig       `yaml:"sync"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type ServerConfig struct {
	Host        string `yaml:"host" env:"STRIDE_HOST"`
	Port        int    `yaml:"port" env:"STRIDE_PORT"`
	PublicURL   string `yaml:"public_url" env:"STRIDE_PUBLIC_URL"`
	Environment string `yaml:"environment" env:"STRIDE_ENV"`
	LogLevel    string `yaml:"log_level" env:"STRIDE_LOG_LEVEL"`
	LogFile     string `yaml:"log_file"`
}

// Production reports whether the server runs in the production environment.
func (s ServerConfig) Production() bool {
	return strings.EqualFold(s.Environment, "production")
}

// VendorConfig describes the wearable vendor's OAuth and data endpoints.
// Paths are relative to APIBaseURL; "{dataset}" is replaced by the dataset name.
type VendorConfig struct {
	Name                string   `yaml:"name"`
	AuthURL             string   `yaml:"auth_url" env:"STRIDE_VENDOR_AUTH_URL"`
	TokenURL            string   `yaml:"token_url" env:"STRIDE_VENDOR_TOKEN_URL"`
	RevokeURL           string   `yaml:"revoke_url" env:"STRIDE_VENDOR_REVOKE_URL"`
	APIBaseURL          string   `yaml:"api_base_url" env:"STRIDE_VENDOR_API_URL"`
	ClientID            string   `yaml:"client_id" env:"STRIDE_VENDOR_CLIENT_ID"`
	ClientSecret        string   `yaml:"client_secret" env:"STRIDE_VENDOR_CLIENT_SECRET"`
	RedirectURI         string   `yaml:"redirect_uri" env:"STRIDE_VENDOR_REDIRECT_URI"`
	RequiredPermissions []string `yaml:"required_permissions" env:"STRIDE_VENDOR_REQUIRED_PERMISSIONS" envSeparator:","`
	UploadPath          string   `yaml:"upload_path"`
	BackfillPath        string   `yaml:"backfill_path"`
	UserIDPath          string   `yaml:"user_id_path"`
	PermissionsPath     string   `yaml:"permissions_path"`
}

// Validate reports missing client credentials or endpoints as a
// configuration error.
func (v VendorConfig) Validate() error {
	var missing []string
	for name, val := range map[string]string{
		"vendor.client_id":     v.ClientID,
		"vendor.client_secret": v.ClientSecret,
		"vendor.auth_url":      v.AuthURL,
		"vendor.token_url":     v.TokenURL,
		"vendor.api_base_url":  v.APIBaseURL,
		"vendor.redirect_uri":  v.RedirectURI,
	} {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errs.Configuration("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

type SecurityConfig struct {
	// StateSecret and EncryptionKey are hex-encoded. When empty they are
	// generated once and persisted in SecretDir.
	StateSecret   string          `yaml:"state_secret" env:"STRIDE_STATE_SECRET"`
	EncryptionKey string          `yaml:"encryption_key" env:"STRIDE_ENCRYPTION_KEY"`
	SecretDir     string          `yaml:"secret_dir" env:"STRIDE_SECRET_DIR"`
	StateTTL      time.Duration   `yaml:"state_ttl"`
	APITokens     []APITokenEntry `yaml:"api_tokens"`
}

// APITokenEntry authorizes a caller of the internal API. Only the SHA-256
// hash of the token is configured.
type APITokenEntry struct {
	Name      string `yaml:"name"`
	TokenHash string `yaml:"token_hash"`
}

// TokenHashes returns every configured hash.
func (s SecurityConfig) TokenHashes() []string {
	hashes := make([]string, 0, len(s.APITokens))
	for _, t := range s.APITokens {
		hashes = append(hashes, t.TokenHash)
	}
	return hashes
}

type DatabaseConfig struct {
	Driver      string `yaml:"driver" env:"STRIDE_DB_DRIVER"`
	Path        string `yaml:"path" env:"STRIDE_DB_PATH"`
	RedisURL    string `yaml:"redis_url" env:"STRIDE_REDIS_URL"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type SyncConfig struct {
	DefaultDays        int           `yaml:"default_days"`
	MaxDays            int           `yaml:"max_days"`
	MaxWindowSeconds   int64         `yaml:"max_window_seconds"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	FallbackSignatures []string      `yaml:"fallback_signatures"`
	ProgressDebounce   time.Duration `yaml:"progress_debounce"`
}

type ResilienceConfig struct {
	RefreshRetries   int           `yaml:"refresh_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Jitter           float64       `yaml:"jitter"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

type TelemetryConfig struct {
	SentryDSN        string  `yaml:"sentry_dsn" env:"STRIDE_SENTRY_DSN"`
	SentrySampleRate float64 `yaml:"sentry_sample_rate"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint" env:"STRIDE_OTLP_ENDPOINT"`
	ServiceName      string  `yaml:"service_name"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8430,
			Environment: "development",
			LogLevel:    "info",
		},
		Vendor: VendorConfig{
			Name:            "garmin",
			UploadPath:      "/upload/{dataset}",
			BackfillPath:    "/backfill/{dataset}",
			UserIDPath:      "/user/id",
			PermissionsPath: "/user/permissions",
		},
		Security: SecurityConfig{
			SecretDir: "~/.config/stride",
			StateTTL:  10 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver:      "sqlite",
			Path:        "~/.config/stride/stride.db",
			RedisPrefix: "stride:",
		},
		Sync: SyncConfig{
			DefaultDays:        7,
			MaxDays:            30,
			MaxWindowSeconds:   86400,
			RequestTimeout:     30 * time.Second,
			FallbackSignatures: []string{"InvalidPullTokenException"},
			ProgressDebounce:   2 * time.Second,
		},
		Resilience: ResilienceConfig{
			RefreshRetries:   3,
			BaseDelay:        500 * time.Millisecond,
			MaxDelay:         10 * time.Second,
			Jitter:           0.5,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			SentrySampleRate: 1.0,
			ServiceName:      "stride",
		},
	}
}
