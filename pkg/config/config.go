// Package config loads process configuration from an optional .env file,
// an optional warmpath.yaml and WARMPATH_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/WessleyAI/warmpath/pkg/ollama"
	"github.com/WessleyAI/warmpath/pkg/resilience"
)

const (
	configName = "warmpath"
	envPrefix  = "WARMPATH"
)

type HTTP struct {
	Port           int           `mapstructure:"port" validate:"min=1,max=65535"`
	CORSOrigin     string        `mapstructure:"cors_origin"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type Neo4j struct {
	URL  string `mapstructure:"url" validate:"required"`
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`
}

type NATS struct {
	URL string `mapstructure:"url"`
}

type Postgres struct {
	URL string `mapstructure:"url"`
}

type Qdrant struct {
	URL        string `mapstructure:"url"`
	Collection string `mapstructure:"collection"`
	Dims       int    `mapstructure:"dims" validate:"min=0"`
}

type OpenAI struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Cache selects the path cache backend.
type Cache struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=memory badger postgres"`
	BadgerPath    string        `mapstructure:"badger_path" validate:"required_if=Backend badger"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Jobs configures the background coordinator.
type Jobs struct {
	Queue        string        `mapstructure:"queue" validate:"oneof=memory postgres"`
	Concurrency  int           `mapstructure:"concurrency" validate:"min=1,max=64"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1"`
}

type Search struct {
	Limit      int           `mapstructure:"limit" validate:"min=1,max=100"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ExplainTop int           `mapstructure:"explain_top" validate:"min=0"`
}

// Dedup overrides the duplicate detection thresholds. Zero fields keep the
// built-in values.
type Dedup struct {
	Email              int     `mapstructure:"email" validate:"min=0,max=100"`
	ProfileURL         int     `mapstructure:"profile_url" validate:"min=0,max=100"`
	Fuzzy              int     `mapstructure:"fuzzy" validate:"min=0,max=100"`
	NameWeight         float64 `mapstructure:"name_weight" validate:"min=0,max=1"`
	CompanyWeight      float64 `mapstructure:"company_weight" validate:"min=0,max=1"`
	MaxFuzzyConfidence int     `mapstructure:"max_fuzzy_confidence" validate:"min=0,max=100"`
}

// Source is one external enrichment provider.
type Source struct {
	Name       string            `mapstructure:"name" validate:"required"`
	BaseURL    string            `mapstructure:"base_url" validate:"required,url"`
	Path       string            `mapstructure:"path"`
	APIKey     string            `mapstructure:"api_key"`
	AuthHeader string            `mapstructure:"auth_header"`
	Kinds      []string          `mapstructure:"kinds" validate:"min=1"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	Budget     resilience.Budget `mapstructure:"budget"`
}

// Config is everything a warmpath process reads at startup.
type Config struct {
	LogLevel    string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	MetricsPort int           `mapstructure:"metrics_port" validate:"min=0,max=65535"`
	PolicyFile  string        `mapstructure:"policy_file"`
	HTTP        HTTP          `mapstructure:"http"`
	Neo4j       Neo4j         `mapstructure:"neo4j"`
	NATS        NATS          `mapstructure:"nats"`
	Postgres    Postgres      `mapstructure:"postgres"`
	Qdrant      Qdrant        `mapstructure:"qdrant"`
	Ollama      ollama.Config `mapstructure:"ollama"`
	OpenAI      OpenAI        `mapstructure:"openai"`
	Cache       Cache         `mapstructure:"cache"`
	Jobs        Jobs          `mapstructure:"jobs"`
	Search      Search        `mapstructure:"search"`
	Dedup       Dedup         `mapstructure:"dedup"`
	Sources     []Source      `mapstructure:"sources" validate:"dive"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("policy_file", "")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.cors_origin", "*")
	v.SetDefault("http.request_timeout", 15*time.Second)
	v.SetDefault("neo4j.url", "neo4j://localhost:7687")
	v.SetDefault("neo4j.user", "neo4j")
	v.SetDefault("neo4j.pass", "password")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("postgres.url", "")
	v.SetDefault("qdrant.url", "")
	v.SetDefault("qdrant.collection", "warmpath_profiles")
	v.SetDefault("qdrant.dims", 768)
	v.SetDefault("ollama.base_url", ollama.DefaultBaseURL)
	v.SetDefault("ollama.model", ollama.DefaultModel)
	v.SetDefault("ollama.timeout", 10*time.Second)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.timeout", 3*time.Second)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.badger_path", "")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.sweep_interval", 10*time.Minute)
	v.SetDefault("jobs.queue", "memory")
	v.SetDefault("jobs.concurrency", 4)
	v.SetDefault("jobs.poll_interval", 5*time.Second)
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("search.limit", 10)
	v.SetDefault("search.timeout", 10*time.Second)
	v.SetDefault("search.explain_top", 3)
	v.SetDefault("dedup.email", 0)
	v.SetDefault("dedup.profile_url", 0)
	v.SetDefault("dedup.fuzzy", 0)
	v.SetDefault("dedup.name_weight", 0.0)
	v.SetDefault("dedup.company_weight", 0.0)
	v.SetDefault("dedup.max_fuzzy_confidence", 0)
}

// Options control where Load looks.
type Options struct {
	// File is an explicit config file. Empty searches "." and /etc/warmpath
	// for warmpath.yaml.
	File string
	// EnvFiles are loaded into the environment first; missing files are
	// skipped. Empty means ".env".
	EnvFiles []string
}

// Load reads configuration and validates it.
func Load(opts Options) (Config, error) {
	envFiles := opts.EnvFiles
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/warmpath")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Level maps LogLevel to a slog level.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Logger builds the JSON logger every binary uses.
func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.Level()}))
}
