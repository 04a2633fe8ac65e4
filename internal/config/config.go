package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/attache/internal/llm"
	"github.com/kalambet/attache/internal/orchestrator"
	"github.com/kalambet/attache/internal/retrieval"
)

// keychainService is the service name for every secret attache stores.
const keychainService = "attache"

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	LLM          LLMConfig
	Embedder     EmbedderConfig
	Retrieval    RetrievalConfig
	Agent        AgentConfig
	Tasks        TasksConfig
	Orchestrator OrchestratorConfig
	Capabilities CapabilitiesConfig
	Telemetry    TelemetryConfig
	Log          LogConfig
	MCP          MCPConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout string
}

// EmbedderConfig selects the embedding backend: "ollama" talks to a local
// Ollama daemon, "openai" to any OpenAI-compatible /embeddings endpoint.
type EmbedderConfig struct {
	Provider string
	BaseURL  string
	Model    string
}

type RetrievalConfig struct {
	TopK          int
	MinSimilarity float64
	HistoryWindow int
	// ANNThreshold is the per-owner chunk count above which queries use the
	// HNSW graph instead of a linear scan.
	ANNThreshold int
}

type AgentConfig struct {
	MaxIterations int
	Temperature   float64
}

// TasksConfig.StrictTransitions makes the store reject leaving a terminal
// status without an explicit reopen.
type TasksConfig struct {
	StrictTransitions bool
}

type OrchestratorConfig struct {
	Enabled     bool
	Schedule    string
	EventWindow string
	MaxParallel int
	Temperature float64
}

type CapabilitiesConfig struct {
	BaseURL string
	Token   string
}

type TelemetryConfig struct {
	OTLPEndpoint string
	Insecure     bool
	SampleRatio  float64
}

type LogConfig struct {
	Level  string
	Format string
}

// MCPConfig names the owner the stdio MCP server acts for.
type MCPConfig struct {
	Owner string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			BaseURL: llm.DefaultBaseURL,
			Model:   "openai/gpt-4o-mini",
			Timeout: "120s",
		},
		Embedder: EmbedderConfig{
			Provider: "ollama",
			BaseURL:  "http://localhost:11434",
			Model:    "nomic-embed-text",
		},
		Retrieval: RetrievalConfig{
			TopK:          3,
			MinSimilarity: 0.7,
			HistoryWindow: 10,
			ANNThreshold:  retrieval.DefaultANNThreshold,
		},
		Agent: AgentConfig{
			MaxIterations: 10,
			Temperature:   0.7,
		},
		Orchestrator: OrchestratorConfig{
			Enabled:     true,
			Schedule:    orchestrator.DefaultSchedule,
			EventWindow: orchestrator.DefaultEventWindow.String(),
			MaxParallel: orchestrator.DefaultMaxParallel,
			Temperature: orchestrator.DefaultTemperature,
		},
		Telemetry: TelemetryConfig{
			Insecure:    true,
			SampleRatio: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		MCP: MCPConfig{
			Owner: "local",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.attache.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/attache/config.json
// and secrets fall back to $XDG_DATA_HOME/attache/secrets.json.
//
// Environment variables (ATTACHE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b Backend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if cfg.LLM.APIKey == "" && cfg.LLM.BaseURL == llm.DefaultBaseURL {
		return Config{}, fmt.Errorf("missing required config: LLM API key. "+
			"Set it via environment variable ATTACHE_LLM_API_KEY%s", apiKeyHint())
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills secrets still empty after env overrides from kc.
func applySecrets(cfg *Config, kc Keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be within 1-65535, got %d", c.Server.Port)
	check(c.Storage.DataDir != "", "storage.data_dir is required")
	check(c.LLM.Model != "", "llm.model is required")
	if _, err := time.ParseDuration(c.LLM.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("llm.timeout: %w", err))
	}
	check(c.Embedder.Provider == "ollama" || c.Embedder.Provider == "openai",
		"embedder.provider must be ollama or openai, got %q", c.Embedder.Provider)
	check(c.Embedder.Model != "", "embedder.model is required")
	check(c.Retrieval.TopK > 0, "retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	check(c.Retrieval.HistoryWindow > 0, "retrieval.history_window must be positive, got %d", c.Retrieval.HistoryWindow)
	check(c.Retrieval.MinSimilarity >= 0 && c.Retrieval.MinSimilarity <= 1,
		"retrieval.min_similarity must be within [0,1], got %v", c.Retrieval.MinSimilarity)
	check(c.Retrieval.ANNThreshold > 0, "retrieval.ann_threshold must be positive, got %d", c.Retrieval.ANNThreshold)
	check(c.Agent.MaxIterations > 0, "agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	check(c.Agent.Temperature >= 0 && c.Agent.Temperature <= 2,
		"agent.temperature must be within [0,2], got %v", c.Agent.Temperature)
	check(c.Orchestrator.MaxParallel > 0, "orchestrator.max_parallel must be positive, got %d", c.Orchestrator.MaxParallel)
	check(c.Orchestrator.Temperature >= 0 && c.Orchestrator.Temperature <= 2,
		"orchestrator.temperature must be within [0,2], got %v", c.Orchestrator.Temperature)
	if d, err := time.ParseDuration(c.Orchestrator.EventWindow); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator.event_window: %w", err))
	} else {
		check(d > 0, "orchestrator.event_window must be positive, got %s", d)
	}
	if err := orchestrator.ValidateSchedule(c.Orchestrator.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator.schedule: %w", err))
	}
	check(c.Telemetry.SampleRatio >= 0 && c.Telemetry.SampleRatio <= 1,
		"telemetry.sample_ratio must be within [0,1], got %v", c.Telemetry.SampleRatio)
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)
	check(strings.TrimSpace(c.MCP.Owner) != "", "mcp.owner is required")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LLMTimeout returns the parsed llm.timeout. Validate guarantees it parses.
func (c Config) LLMTimeout() time.Duration {
	d, _ := time.ParseDuration(c.LLM.Timeout)
	return d
}

// EventWindow returns the parsed orchestrator.event_window.
func (c Config) EventWindow() time.Duration {
	d, _ := time.ParseDuration(c.Orchestrator.EventWindow)
	return d
}
