package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBHost             string        `mapstructure:"DB_HOST"`
	DBPort             string        `mapstructure:"DB_PORT"`
	DBUser             string        `mapstructure:"DB_USER"`
	DBPassword         string        `mapstructure:"DB_PASSWORD"`
	DBName             string        `mapstructure:"DB_NAME"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	DBStatementTimeout time.Duration `mapstructure:"DB_STATEMENT_TIMEOUT"`
	DBAcquireTimeout   time.Duration `mapstructure:"DB_ACQUIRE_TIMEOUT"`
	DBRetryAttempts    uint64        `mapstructure:"DB_RETRY_ATTEMPTS"`
	DBRetryDelay       time.Duration `mapstructure:"DB_RETRY_DELAY"`
	DBRetryMultiplier  float64       `mapstructure:"DB_RETRY_MULTIPLIER"`
	CacheTTL           time.Duration `mapstructure:"CACHE_TTL"`
	OptionsCacheTTL    time.Duration `mapstructure:"OPTIONS_CACHE_TTL"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	ArchiveBucket      string        `mapstructure:"ARCHIVE_BUCKET"`
	ArchivePrefix      string        `mapstructure:"ARCHIVE_PREFIX"`
	DiseaseElementID   string        `mapstructure:"DISEASE_ELEMENT_ID"`
	DiseaseValue       string        `mapstructure:"DISEASE_VALUE"`
	AttrAgeCode        string        `mapstructure:"ATTR_AGE_CODE"`
	AttrSexCode        string        `mapstructure:"ATTR_SEX_CODE"`
	AttrOutcomeCode    string        `mapstructure:"ATTR_OUTCOME_CODE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL",
	"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "DB_STATEMENT_TIMEOUT", "DB_ACQUIRE_TIMEOUT",
	"DB_RETRY_ATTEMPTS", "DB_RETRY_DELAY", "DB_RETRY_MULTIPLIER",
	"CACHE_TTL", "OPTIONS_CACHE_TTL", "REDIS_URL", "CORS_ORIGINS", "REQUEST_TIMEOUT",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"ARCHIVE_BUCKET", "ARCHIVE_PREFIX",
	"DISEASE_ELEMENT_ID", "DISEASE_VALUE",
	"ATTR_AGE_CODE", "ATTR_SEX_CODE", "ATTR_OUTCOME_CODE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_NAME", "uganda_dwh")
	v.SetDefault("DB_MAX_CONNS", 15) // pool of 5 plus 10 overflow
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_STATEMENT_TIMEOUT", "60s")
	v.SetDefault("DB_ACQUIRE_TIMEOUT", "30s")
	v.SetDefault("DB_RETRY_ATTEMPTS", 3)
	v.SetDefault("DB_RETRY_DELAY", "1s")
	v.SetDefault("DB_RETRY_MULTIPLIER", 2)
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("OPTIONS_CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "90s")
	v.SetDefault("ARCHIVE_PREFIX", "sitreps/")
	v.SetDefault("DISEASE_ELEMENT_ID", "qIlO7yEpiVv")
	v.SetDefault("DISEASE_VALUE", "Measles (B05.0_B05.9)")
	v.SetDefault("ATTR_AGE_CODE", "UezutfURtQG")
	v.SetDefault("ATTR_SEX_CODE", "Rq4qM2wKYFL")
	v.SetDefault("ATTR_OUTCOME_CODE", "ulE2j2pFgDl")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.composeDatabaseURL()
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or DB_HOST is required")
	}

	return cfg, nil
}

// composeDatabaseURL builds a connection string from the discrete DB_* settings
// used by the warehouse deployment scripts.
func (c *Config) composeDatabaseURL() string {
	if c.DBHost == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   c.DBHost + ":" + c.DBPort,
		Path:   "/" + c.DBName,
	}
	if c.DBUser != "" {
		if c.DBPassword != "" {
			u.User = url.UserPassword(c.DBUser, c.DBPassword)
		} else {
			u.User = url.User(c.DBUser)
		}
	}
	q := u.Query()
	q.Set("application_name", "sitrep")
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthEnabled reports whether bearer tokens are verified on the publish routes.
func (c *Config) AuthEnabled() bool {
	return c.AuthSigningKey != ""
}

// Validate checks that the configuration is safe to run. Production requires a
// signing key so that report publishing is never left open.
func (c *Config) Validate() error {
	if c.IsProduction() && !c.AuthEnabled() {
		return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters, got %d", len(c.AuthSigningKey))
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.DBRetryAttempts == 0 {
		return fmt.Errorf("DB_RETRY_ATTEMPTS must be at least 1")
	}
	if c.CacheTTL < 0 || c.OptionsCacheTTL < 0 {
		return fmt.Errorf("cache TTLs must not be negative")
	}
	for name, code := range map[string]string{
		"DISEASE_ELEMENT_ID": c.DiseaseElementID,
		"DISEASE_VALUE":      c.DiseaseValue,
		"ATTR_AGE_CODE":      c.AttrAgeCode,
		"ATTR_SEX_CODE":      c.AttrSexCode,
		"ATTR_OUTCOME_CODE":  c.AttrOutcomeCode,
	} {
		if strings.TrimSpace(code) == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	return nil
}
