package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, "postgres", s.SQL.Driver)
	assert.Equal(t, 5*time.Minute, s.SQL.ConnMaxLifetime())
	assert.Equal(t, "grocery_warehouse", s.Mongo.Database)
	assert.Equal(t, 24*time.Hour, s.Redis.TTL())
	assert.Equal(t, ":8080", s.Server.HTTPAddr)
	assert.Equal(t, 30*time.Second, s.Server.HealthInterval())
}

func TestLoadSettingsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queryrouter.yaml")
	yamlDoc := `
llm:
  provider: anthropic
  model: claude-sonnet-4-5
sql:
  driver: mysql
  dsn: "user:pass@tcp(localhost:3306)/employees"
mongo:
  uri: mongodb://localhost:27017
core:
  retry_ceiling: 2
  row_cap: 25
server:
  allowed_origins: ["https://app.example.com"]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	s, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", s.LLM.Provider)
	assert.Equal(t, "mysql", s.SQL.Driver)
	assert.Equal(t, 2, s.Core.RetryCeiling)
	assert.Equal(t, 25, s.Core.RowCap)
	// Unset core keys keep defaults.
	assert.Equal(t, 20, s.Core.HistoryWindow)
	assert.Equal(t, "grocery_warehouse", s.Mongo.Database)
	assert.Equal(t, []string{"https://app.example.com"}, s.Server.AllowedOrigins)
}

func TestLoadSettingsErrors(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read settings")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [unterminated"), 0o600))
	_, err = LoadSettings(path)
	assert.ErrorContains(t, err, "parse settings")
}

func TestApplyEnv(t *testing.T) {
	t.Run("prefixed variables win", func(t *testing.T) {
		s := DefaultSettings()
		s.ApplyEnv(envMap(map[string]string{
			"QUERYROUTER_LLM_API_KEY":         "primary",
			"OPENAI_API_KEY":                  "fallback",
			"QUERYROUTER_SQL_DSN":             "postgres://localhost/employees",
			"QUERYROUTER_REQUESTS_PER_MINUTE": "5",
			"QUERYROUTER_ALLOWED_ORIGINS":     "https://a.example, https://b.example",
			"QUERYROUTER_LOG_LEVEL":           "DEBUG",
		}))

		assert.Equal(t, "primary", s.LLM.APIKey)
		assert.Equal(t, "postgres://localhost/employees", s.SQL.DSN)
		assert.Equal(t, 5, s.Server.RequestsPerMinute)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, s.Server.AllowedOrigins)
		assert.Equal(t, "DEBUG", s.Core.LogLevel)
	})

	t.Run("provider specific key fallback", func(t *testing.T) {
		s := DefaultSettings()
		s.ApplyEnv(envMap(map[string]string{
			"QUERYROUTER_LLM_PROVIDER": "anthropic",
			"OPENAI_API_KEY":           "wrong",
			"ANTHROPIC_API_KEY":        "right",
			"MONGODB_URI":              "mongodb://db:27017",
			"REDIS_URL":                "redis://cache:6379/0",
		}))

		assert.Equal(t, "right", s.LLM.APIKey)
		assert.Equal(t, "mongodb://db:27017", s.Mongo.URI)
		assert.Equal(t, "redis://cache:6379/0", s.Redis.URL)
	})

	t.Run("bad numbers ignored", func(t *testing.T) {
		s := DefaultSettings()
		s.ApplyEnv(envMap(map[string]string{"QUERYROUTER_REQUESTS_PER_HOUR": "lots"}))
		assert.Equal(t, 1000, s.Server.RequestsPerHour)
	})
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	s.LLM.Provider = "carrier-pigeon"
	var cfgErr *ConfigError
	require.ErrorAs(t, s.Validate(), &cfgErr)
	assert.Equal(t, "llm.provider", cfgErr.Field)

	s = DefaultSettings()
	s.SQL.Driver = "sqlite"
	require.ErrorAs(t, s.Validate(), &cfgErr)
	assert.Equal(t, "sql.driver", cfgErr.Field)

	s = DefaultSettings()
	s.Core.RowCap = 0
	require.ErrorAs(t, s.Validate(), &cfgErr)
	assert.Equal(t, "core", cfgErr.Field)
}
