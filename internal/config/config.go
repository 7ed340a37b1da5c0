package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "SWITCHTRACK"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "switchtrack.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultCookieName         = "switchtrack_session"
	defaultTokenTTLMinutes    = 60
	defaultGoogleJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
	defaultHashingMemoryKiB   = 64 * 1024
	defaultHashingIterations  = 3
	defaultHashingParallelism = 2
	minSigningSecretLength    = 32
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	SigningSecret      string
	TokenTTL           time.Duration
	CookieName         string
	AllowedOrigins     []string
	GoogleClientID     string
	GoogleJWKSURL      string
	HashingMemoryKiB   uint32
	HashingIterations  uint32
	HashingParallelism uint8
	RetainDisplayCodes bool
}

// GoogleEnabled reports whether the Google migration provider is configured.
func (c AppConfig) GoogleEnabled() bool {
	return strings.TrimSpace(c.GoogleClientID) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("hashing.memory_kib", defaultHashingMemoryKiB)
	configViper.SetDefault("hashing.iterations", defaultHashingIterations)
	configViper.SetDefault("hashing.parallelism", defaultHashingParallelism)
	configViper.SetDefault("backup_codes.retain_display_codes", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	parallelism := configViper.GetUint("hashing.parallelism")
	if parallelism > math.MaxUint8 {
		return AppConfig{}, fmt.Errorf("hashing.parallelism must be at most %d", math.MaxUint8)
	}

	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		CookieName:         configViper.GetString("auth.cookie_name"),
		AllowedOrigins:     splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		GoogleClientID:     configViper.GetString("google.client_id"),
		GoogleJWKSURL:      configViper.GetString("google.jwks_url"),
		HashingMemoryKiB:   configViper.GetUint32("hashing.memory_kib"),
		HashingIterations:  configViper.GetUint32("hashing.iterations"),
		HashingParallelism: uint8(parallelism),
		RetainDisplayCodes: configViper.GetBool("backup_codes.retain_display_codes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if len(strings.TrimSpace(c.SigningSecret)) < minSigningSecretLength {
		return fmt.Errorf("auth.signing_secret must be at least %d characters", minSigningSecretLength)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.GoogleEnabled() && strings.TrimSpace(c.GoogleJWKSURL) == "" {
		return fmt.Errorf("google.jwks_url is required when google.client_id is set")
	}
	if c.HashingIterations == 0 || c.HashingParallelism == 0 {
		return fmt.Errorf("hashing.iterations and hashing.parallelism must be positive")
	}
	if c.HashingMemoryKiB < 8*uint32(c.HashingParallelism) {
		return fmt.Errorf("hashing.memory_kib must be at least 8 KiB per lane")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env string.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
