package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nidhogg/crystalline/internal/collective"
	"github.com/nidhogg/crystalline/internal/embedding"
	"github.com/nidhogg/crystalline/internal/engine"
	"github.com/nidhogg/crystalline/internal/memory"
	"github.com/nidhogg/crystalline/internal/vectorstore"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Memory     MemoryConfig     `json:"memory" yaml:"memory"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Collective CollectiveConfig `json:"collective" yaml:"collective"`
	Graph      GraphConfig      `json:"graph" yaml:"graph"`
	Index      IndexConfig      `json:"index" yaml:"index"`
	Gateway    GatewayConfig    `json:"gateway" yaml:"gateway"`
}

type ServerConfig struct {
	Port     int    `json:"port" yaml:"port"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

type MemoryConfig struct {
	CrystallizationThreshold float64        `json:"crystallization_threshold" yaml:"crystallization_threshold"`
	WorkingMemoryCap         int            `json:"working_memory_cap" yaml:"working_memory_cap"`
	EvictionBatch            int            `json:"eviction_batch" yaml:"eviction_batch"`
	MaxCrystals              int            `json:"max_crystals" yaml:"max_crystals"`
	RecallThreshold          float64        `json:"recall_threshold" yaml:"recall_threshold"`
	RecallBoost              float64        `json:"recall_boost" yaml:"recall_boost"`
	DefaultTopN              int            `json:"default_top_n" yaml:"default_top_n"`
	DecayInterval            Duration       `json:"decay_interval" yaml:"decay_interval"`
	DecayHalfLife            Duration       `json:"decay_half_life" yaml:"decay_half_life"`
	DecayFloor               float64        `json:"decay_floor" yaml:"decay_floor"`
	Profile                  memory.Profile `json:"profile" yaml:"profile"`
}

type StorageConfig struct {
	Backend  string         `json:"backend" yaml:"backend"` // "file" or "postgres"
	Dir      string         `json:"dir" yaml:"dir"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type CollectiveConfig struct {
	Enabled           bool        `json:"enabled" yaml:"enabled"`
	Backend           string      `json:"backend" yaml:"backend"` // "file" or "redis"
	Dir               string      `json:"dir" yaml:"dir"`
	Redis             RedisConfig `json:"redis" yaml:"redis"`
	ContributorSecret string      `json:"contributor_secret" yaml:"contributor_secret"`
	ShareThreshold    float64     `json:"share_threshold" yaml:"share_threshold"`
	PullThreshold     float64     `json:"pull_threshold" yaml:"pull_threshold"`
	PullLimit         int         `json:"pull_limit" yaml:"pull_limit"`
	AdoptThreshold    float64     `json:"adopt_threshold" yaml:"adopt_threshold"`
	LookbackDays      int         `json:"lookback_days" yaml:"lookback_days"`
	QueueSize         int         `json:"queue_size" yaml:"queue_size"`
	JobTimeout        Duration    `json:"job_timeout" yaml:"job_timeout"`
	PartitionTTL      Duration    `json:"partition_ttl" yaml:"partition_ttl"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

type GraphConfig struct {
	Neo4j Neo4jConfig `json:"neo4j" yaml:"neo4j"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type IndexConfig struct {
	Qdrant    vectorstore.QdrantConfig `json:"qdrant" yaml:"qdrant"`
	Embedding embedding.Config         `json:"embedding" yaml:"embedding"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack" yaml:"slack"`
	Discord DiscordGatewayConfig `json:"discord" yaml:"discord"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	Channel  string `json:"channel" yaml:"channel"`
}

type DiscordGatewayConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BotToken  string `json:"bot_token" yaml:"bot_token"`
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

// Default returns a configuration that runs standalone on local files.
func Default() *Config {
	opts := engine.DefaultOptions()
	link := collective.DefaultConfig()
	return &Config{
		Server: ServerConfig{Port: 3210, LogLevel: "info"},
		Memory: MemoryConfig{
			CrystallizationThreshold: opts.Threshold,
			WorkingMemoryCap:         opts.WorkingMemoryCap,
			EvictionBatch:            opts.EvictionBatch,
			MaxCrystals:              opts.MaxCrystals,
			RecallThreshold:          opts.Recall.Threshold,
			RecallBoost:              opts.Recall.Boost,
			DefaultTopN:              opts.Recall.TopN,
			DecayInterval:            Duration(opts.DecayInterval),
			DecayHalfLife:            Duration(opts.Decay.HalfLife),
			DecayFloor:               opts.Decay.MinActivation,
			Profile:                  opts.Profile,
		},
		Storage: StorageConfig{Backend: "file", Dir: "./data"},
		Collective: CollectiveConfig{
			Enabled:        true,
			Backend:        "file",
			Dir:            "./data",
			ShareThreshold: link.ShareThreshold,
			PullThreshold:  link.PullThreshold,
			PullLimit:      link.PullLimit,
			AdoptThreshold: opts.AdoptThreshold,
			LookbackDays:   link.LookbackDays,
			QueueSize:      opts.QueueSize,
			JobTimeout:     Duration(opts.JobTimeout),
		},
		Index: IndexConfig{
			Qdrant:    vectorstore.QdrantConfig{Port: 6334},
			Embedding: embedding.Config{Provider: "hash", Dimension: embedding.DefaultHashDimension},
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

func expandEnv(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envVarRe.FindSubmatch(match)
		if v := os.Getenv(string(parts[1])); v != "" {
			return []byte(v)
		}
		return parts[2]
	})
}

// Load reads a JSON or YAML config file over Default, substituting
// environment variable references first. YAML is chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes data in the format named by ext (".json", ".yaml", ".yml")
// over Default and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := Default()
	resolved := expandEnv(data)

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(resolved, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(resolved, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var problems []string
	bad := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	unit := func(name string, v float64) {
		if v < 0 || v > 1 || v != v {
			bad("%s must be in [0,1], got %v", name, v)
		}
	}
	// Zero means "use the default" to the engine, so it is rejected here.
	positive := func(name string, v float64) {
		if !(v > 0 && v <= 1) {
			bad("%s must be in (0,1], got %v", name, v)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		bad("server.port out of range: %d", c.Server.Port)
	}
	if _, err := zapcore.ParseLevel(c.Server.LogLevel); err != nil {
		bad("server.log_level: %v", err)
	}

	m := c.Memory
	positive("memory.crystallization_threshold", m.CrystallizationThreshold)
	positive("memory.recall_threshold", m.RecallThreshold)
	positive("memory.recall_boost", m.RecallBoost)
	unit("memory.decay_floor", m.DecayFloor)
	if m.WorkingMemoryCap <= 0 || m.EvictionBatch <= 0 || m.EvictionBatch > m.WorkingMemoryCap {
		bad("memory.eviction_batch must be in [1, working_memory_cap]")
	}
	if m.MaxCrystals <= 0 {
		bad("memory.max_crystals must be positive")
	}
	if m.DefaultTopN <= 0 {
		bad("memory.default_top_n must be positive")
	}
	if m.DecayInterval < 0 || m.DecayHalfLife <= 0 {
		bad("memory.decay_half_life must be positive and decay_interval not negative")
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.Dir == "" {
			bad("storage.dir is required for the file backend")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			bad("storage.postgres.dsn is required for the postgres backend")
		}
	default:
		bad("storage.backend must be file or postgres, got %q", c.Storage.Backend)
	}

	if col := c.Collective; col.Enabled {
		switch col.Backend {
		case "file":
			if col.Dir == "" {
				bad("collective.dir is required for the file backend")
			}
		case "redis":
			if col.Redis.URL == "" {
				bad("collective.redis.url is required for the redis backend")
			}
		default:
			bad("collective.backend must be file or redis, got %q", col.Backend)
		}
		positive("collective.share_threshold", col.ShareThreshold)
		positive("collective.pull_threshold", col.PullThreshold)
		positive("collective.adopt_threshold", col.AdoptThreshold)
		if col.PullLimit <= 0 || col.LookbackDays <= 0 || col.QueueSize <= 0 {
			bad("collective.pull_limit, lookback_days and queue_size must be positive")
		}
	}

	if s := c.Gateway.Slack; s.Enabled && (s.BotToken == "" || s.Channel == "") {
		bad("gateway.slack needs bot_token and channel")
	}
	if d := c.Gateway.Discord; d.Enabled && (d.BotToken == "" || d.ChannelID == "") {
		bad("gateway.discord needs bot_token and channel_id")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EngineOptions maps the memory and collective sections onto registry options.
func (c *Config) EngineOptions() engine.Options {
	m := c.Memory
	return engine.Options{
		Threshold:        m.CrystallizationThreshold,
		WorkingMemoryCap: m.WorkingMemoryCap,
		EvictionBatch:    m.EvictionBatch,
		MaxCrystals:      m.MaxCrystals,
		Recall: memory.RecallOpts{
			TopN:      m.DefaultTopN,
			Threshold: m.RecallThreshold,
			Boost:     m.RecallBoost,
		},
		Profile: m.Profile,
		Decay: memory.DecayConfig{
			HalfLife:      time.Duration(m.DecayHalfLife),
			MinActivation: m.DecayFloor,
		},
		DecayInterval:  time.Duration(m.DecayInterval),
		QueueSize:      c.Collective.QueueSize,
		JobTimeout:     time.Duration(c.Collective.JobTimeout),
		AdoptThreshold: c.Collective.AdoptThreshold,
	}
}

// LinkConfig maps the collective section onto link settings.
func (c *Config) LinkConfig() collective.Config {
	return collective.Config{
		ShareThreshold: c.Collective.ShareThreshold,
		PullThreshold:  c.Collective.PullThreshold,
		PullLimit:      c.Collective.PullLimit,
		LookbackDays:   c.Collective.LookbackDays,
	}
}
