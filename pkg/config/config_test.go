package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) []string {
	return []string{filepath.Join(t.TempDir(), "missing.env")}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(Options{EnvFiles: noEnvFile(t)})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "neo4j://localhost:7687", cfg.Neo4j.URL)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 4, cfg.Jobs.Concurrency)
	assert.Equal(t, 10, cfg.Search.Limit)
	assert.Equal(t, "nomic-embed-text", cfg.Ollama.Model)
	assert.Empty(t, cfg.Sources)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WARMPATH_LOG_LEVEL", "debug")
	t.Setenv("WARMPATH_NEO4J_URL", "neo4j://graph:7687")
	t.Setenv("WARMPATH_CACHE_TTL", "90m")
	t.Setenv("WARMPATH_JOBS_CONCURRENCY", "8")

	cfg, err := Load(Options{EnvFiles: noEnvFile(t)})
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, "neo4j://graph:7687", cfg.Neo4j.URL)
	assert.Equal(t, 90*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 8, cfg.Jobs.Concurrency)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("WARMPATH_HTTP_PORT=9191\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("WARMPATH_HTTP_PORT") })

	cfg, err := Load(Options{EnvFiles: []string{env}})
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.HTTP.Port)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warmpath.yaml")
	yaml := `
log_level: warn
cache:
  backend: badger
  badger_path: /var/lib/warmpath/cache
search:
  limit: 25
sources:
  - name: peopledata
    base_url: https://api.peopledata.example
    path: /v1/person
    kinds: [person, company]
    timeout: 5s
    budget:
      per_second: 2
      burst: 4
      per_hour: 500
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(Options{File: path, EnvFiles: noEnvFile(t)})
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, cfg.Level())
	assert.Equal(t, "badger", cfg.Cache.Backend)
	assert.Equal(t, 25, cfg.Search.Limit)
	require.Len(t, cfg.Sources, 1)
	src := cfg.Sources[0]
	assert.Equal(t, "peopledata", src.Name)
	assert.Equal(t, []string{"person", "company"}, src.Kinds)
	assert.Equal(t, 5*time.Second, src.Timeout)
	assert.Equal(t, 500, src.Budget.PerHour)
	assert.InDelta(t, 2.0, src.Budget.PerSecond, 0.001)
}

func TestLoad_Invalid(t *testing.T) {
	for name, env := range map[string][2]string{
		"log level":      {"WARMPATH_LOG_LEVEL", "verbose"},
		"cache backend":  {"WARMPATH_CACHE_BACKEND", "redis"},
		"badger no path": {"WARMPATH_CACHE_BACKEND", "badger"},
		"search limit":   {"WARMPATH_SEARCH_LIMIT", "500"},
		"jobs queue":     {"WARMPATH_JOBS_QUEUE", "kafka"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := Load(Options{EnvFiles: noEnvFile(t)})
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "nope.yaml"), EnvFiles: noEnvFile(t)})
	assert.Error(t, err)
}
