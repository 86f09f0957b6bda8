package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the infrastructure configuration: where the stores and the
// language model live, and how the process is exposed.
type Settings struct {
	Core      CoreConfig        `yaml:"core"`
	LLM       LLMSettings       `yaml:"llm"`
	SQL       SQLSettings       `yaml:"sql"`
	Mongo     MongoSettings     `yaml:"mongo"`
	Redis     RedisSettings     `yaml:"redis"`
	Server    ServerSettings    `yaml:"server"`
	Telemetry TelemetrySettings `yaml:"telemetry"`

	// SchemaFile optionally overrides the built-in schema descriptions.
	SchemaFile string `yaml:"schema_file"`
}

// LLMSettings selects the language model provider.
type LLMSettings struct {
	Provider string `yaml:"provider"` // openai, anthropic, gemini or static
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// SQLSettings configures the relational backend.
type SQLSettings struct {
	Driver             string `yaml:"driver"` // postgres or mysql
	DSN                string `yaml:"dsn"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime_sec"`
}

// ConnMaxLifetime returns the pool connection lifetime.
func (s SQLSettings) ConnMaxLifetime() time.Duration {
	return time.Duration(s.ConnMaxLifetimeSec) * time.Second
}

// MongoSettings configures the document backend.
type MongoSettings struct {
	URI               string `yaml:"uri"`
	Database          string `yaml:"database"`
	MaxPoolSize       uint64 `yaml:"max_pool_size"`
	MinPoolSize       uint64 `yaml:"min_pool_size"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
}

// ConnectTimeout returns the connect timeout.
func (s MongoSettings) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSec) * time.Second
}

// RedisSettings configures the conversation history store. An empty URL
// keeps history in memory.
type RedisSettings struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
	TTLHours  int    `yaml:"ttl_hours"`
}

// TTL returns how long an idle session's history is kept.
func (s RedisSettings) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

// ServerSettings configures the HTTP and gRPC listeners.
type ServerSettings struct {
	HTTPAddr          string   `yaml:"http_addr"`
	GRPCAddr          string   `yaml:"grpc_addr"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	JWTSecret         string   `yaml:"jwt_secret"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	RequestsPerHour   int      `yaml:"requests_per_hour"`
	HealthIntervalSec int      `yaml:"health_interval_sec"`
}

// HealthInterval returns how often backend health is probed.
func (s ServerSettings) HealthInterval() time.Duration {
	return time.Duration(s.HealthIntervalSec) * time.Second
}

// TelemetrySettings configures tracing export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// ConfigError reports an invalid setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// DefaultSettings returns settings suitable for local development.
func DefaultSettings() *Settings {
	return &Settings{
		Core: *DefaultCoreConfig(),
		LLM: LLMSettings{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		SQL: SQLSettings{
			Driver:             "postgres",
			MaxOpenConns:       25,
			MaxIdleConns:       5,
			ConnMaxLifetimeSec: 300,
		},
		Mongo: MongoSettings{
			Database:          "grocery_warehouse",
			MaxPoolSize:       20,
			MinPoolSize:       2,
			ConnectTimeoutSec: 10,
		},
		Redis: RedisSettings{
			KeyPrefix: "queryrouter:history:",
			TTLHours:  24,
		},
		Server: ServerSettings{
			HTTPAddr:          ":8080",
			GRPCAddr:          ":50051",
			AllowedOrigins:    []string{"*"},
			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			HealthIntervalSec: 30,
		},
		Telemetry: TelemetrySettings{
			ServiceName: "queryrouter",
		},
	}
}

// LoadSettings reads defaults, then the YAML file at path (if any), then
// environment overrides.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
	}
	s.ApplyEnv(os.LookupEnv)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyEnv overlays QUERYROUTER_* variables, plus the conventional
// provider key and connection variables as fallbacks.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, key string) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str(&s.LLM.Provider, "QUERYROUTER_LLM_PROVIDER")
	str(&s.LLM.Model, "QUERYROUTER_LLM_MODEL")
	switch s.LLM.Provider {
	case "anthropic":
		str(&s.LLM.APIKey, "QUERYROUTER_LLM_API_KEY", "ANTHROPIC_API_KEY")
	case "gemini":
		str(&s.LLM.APIKey, "QUERYROUTER_LLM_API_KEY", "GEMINI_API_KEY")
	default:
		str(&s.LLM.APIKey, "QUERYROUTER_LLM_API_KEY", "OPENAI_API_KEY")
	}

	str(&s.SQL.Driver, "QUERYROUTER_SQL_DRIVER")
	str(&s.SQL.DSN, "QUERYROUTER_SQL_DSN", "DATABASE_URL")
	str(&s.Mongo.URI, "QUERYROUTER_MONGO_URI", "MONGODB_URI")
	str(&s.Mongo.Database, "QUERYROUTER_MONGO_DATABASE")
	str(&s.Redis.URL, "QUERYROUTER_REDIS_URL", "REDIS_URL")

	str(&s.Server.HTTPAddr, "QUERYROUTER_HTTP_ADDR")
	str(&s.Server.GRPCAddr, "QUERYROUTER_GRPC_ADDR")
	str(&s.Server.JWTSecret, "QUERYROUTER_JWT_SECRET")
	num(&s.Server.RequestsPerMinute, "QUERYROUTER_REQUESTS_PER_MINUTE")
	num(&s.Server.RequestsPerHour, "QUERYROUTER_REQUESTS_PER_HOUR")
	if v, ok := lookup("QUERYROUTER_ALLOWED_ORIGINS"); ok && v != "" {
		s.Server.AllowedOrigins = splitList(v)
	}

	str(&s.Telemetry.OTLPEndpoint, "QUERYROUTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	str(&s.SchemaFile, "QUERYROUTER_SCHEMA_FILE")
	str(&s.Core.LogLevel, "QUERYROUTER_LOG_LEVEL")
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	switch s.LLM.Provider {
	case "openai", "anthropic", "gemini", "static":
	default:
		return &ConfigError{Field: "llm.provider", Message: fmt.Sprintf("unsupported provider %q", s.LLM.Provider)}
	}
	switch s.SQL.Driver {
	case "postgres", "mysql":
	default:
		return &ConfigError{Field: "sql.driver", Message: fmt.Sprintf("unsupported driver %q", s.SQL.Driver)}
	}
	if s.Mongo.Database == "" {
		return &ConfigError{Field: "mongo.database", Message: "required"}
	}
	if err := s.Core.Validate(); err != nil {
		return &ConfigError{Field: "core", Message: err.Error()}
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
