// Package config loads layered configuration for the sync core: environment
// variables for secrets and deployment-specific values, a YAML file for
// structural settings (DAG definitions path, OAuth catalog path, destination
// selection).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvConfig reads individual values from the environment with an optional
// prefix, used for one-off lookups outside the main AppConfig.
type EnvConfig struct {
	prefix string
}

func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	v := os.Getenv(fullKey)
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return v
}

func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// AppConfig is the fully resolved configuration for the sync-core process.
type AppConfig struct {
	Service struct {
		Name        string `mapstructure:"name"`
		Environment string `mapstructure:"environment"`
		LogLevel    string `mapstructure:"log_level"`
		LogFormat   string `mapstructure:"log_format"`
	} `mapstructure:"service"`

	Postgres struct {
		DSN          string `mapstructure:"dsn"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
	} `mapstructure:"postgres"`

	Redis struct {
		URL       string `mapstructure:"url"`
		KeyPrefix string `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`

	Bolt struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"bolt"`

	S3 struct {
		Bucket   string `mapstructure:"bucket"`
		Region   string `mapstructure:"region"`
		Endpoint string `mapstructure:"endpoint"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"s3"`

	Credentials struct {
		EncryptionKeyEnv string `mapstructure:"encryption_key_env"`
		CatalogPath      string `mapstructure:"oauth_catalog_path"`
	} `mapstructure:"credentials"`

	DAG struct {
		DefinitionsPath string `mapstructure:"definitions_path"`
	} `mapstructure:"dag"`

	WorkerPool struct {
		Queues map[string]int `mapstructure:"queues"`
	} `mapstructure:"worker_pool"`

	Orchestrator struct {
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		BatchSize         int           `mapstructure:"batch_size"`
		StreamBufferSize  int           `mapstructure:"stream_buffer_size"`
	} `mapstructure:"orchestrator"`

	Auth struct {
		// JWTSigningKeyEnv names the environment variable holding the HS256
		// secret the progress gateway's self-issued bearer tokens are
		// signed with. When that variable is empty, the gateway falls back
		// to OIDC if OIDCIssuerURL is set and otherwise serves
		// unauthenticated.
		JWTSigningKeyEnv string        `mapstructure:"jwt_signing_key_env"`
		JWTExpiration    time.Duration `mapstructure:"jwt_expiration"`

		// OIDCIssuerURL and OIDCClientID configure an alternate,
		// federated-identity path: the progress gateway verifies bearer ID
		// tokens against this provider only when no HS256 signing key is
		// set; the two methods are never accepted together.
		OIDCIssuerURL string `mapstructure:"oidc_issuer_url"`
		OIDCClientID  string `mapstructure:"oidc_client_id"`
	} `mapstructure:"auth"`
}

// Load reads YAML configuration from path (if it exists) layered under
// environment variables using the AIRWEAVE_ prefix, e.g.
// AIRWEAVE_POSTGRES_DSN overrides postgres.dsn.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("AIRWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "airweave-sync")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.log_format", "text")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.key_prefix", "airweave:")
	v.SetDefault("bolt.path", "./data/airweave.db")
	v.SetDefault("credentials.encryption_key_env", "AIRWEAVE_CREDENTIAL_KEY")
	v.SetDefault("worker_pool.queues", map[string]int{"entities": 10, "files": 5})
	v.SetDefault("orchestrator.heartbeat_interval", 15*time.Second)
	v.SetDefault("orchestrator.batch_size", 50)
	v.SetDefault("orchestrator.stream_buffer_size", 256)
	v.SetDefault("auth.jwt_signing_key_env", "AIRWEAVE_JWT_SIGNING_KEY")
	v.SetDefault("auth.jwt_expiration", time.Hour)
}

func validate(cfg *AppConfig) error {
	val := NewValidator()
	val.RequireOneOf("service.environment", cfg.Service.Environment, []string{"development", "staging", "production"})
	val.RequireOneOf("service.log_level", cfg.Service.LogLevel, []string{"debug", "info", "warn", "error"})
	return val.Validate()
}

// Validator accumulates configuration validation errors.
type Validator struct {
	errors []string
}

func NewValidator() *Validator { return &Validator{} }

func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, a := range allowed {
		if a == value {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

func (v *Validator) IsValid() bool { return len(v.errors) == 0 }

func (v *Validator) Validate() error {
	if v.IsValid() {
		return nil
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
}
