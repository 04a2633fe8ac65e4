package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// account is the keychain account for secrets.
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ATTACHE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ATTACHE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "llm.base_url", typ: kString, env: "ATTACHE_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "ATTACHE_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.timeout", typ: kString, env: "ATTACHE_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.api_key", typ: kString, env: "ATTACHE_LLM_API_KEY",
		secret: true, account: "llm_api_key",
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "embedder.provider", typ: kString, env: "ATTACHE_EMBEDDER_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedder.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedder.Provider },
	},
	{
		key: "embedder.base_url", typ: kString, env: "ATTACHE_EMBEDDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedder.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedder.BaseURL },
	},
	{
		key: "embedder.model", typ: kString, env: "ATTACHE_EMBEDDER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedder.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedder.Model },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "ATTACHE_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_similarity", typ: kFloat, env: "ATTACHE_RETRIEVAL_MIN_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinSimilarity },
	},
	{
		key: "retrieval.history_window", typ: kInt, env: "ATTACHE_RETRIEVAL_HISTORY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.HistoryWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.HistoryWindow },
	},
	{
		key: "retrieval.ann_threshold", typ: kInt, env: "ATTACHE_RETRIEVAL_ANN_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ANNThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ANNThreshold },
	},
	{
		key: "agent.max_iterations", typ: kInt, env: "ATTACHE_AGENT_MAX_ITERATIONS",
		apply:   func(cfg *Config, v any) { cfg.Agent.MaxIterations = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.MaxIterations },
	},
	{
		key: "agent.temperature", typ: kFloat, env: "ATTACHE_AGENT_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Agent.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Agent.Temperature },
	},
	{
		key: "tasks.strict_transitions", typ: kBool, env: "ATTACHE_TASKS_STRICT_TRANSITIONS",
		apply:   func(cfg *Config, v any) { cfg.Tasks.StrictTransitions = v.(bool) },
		extract: func(cfg Config) any { return cfg.Tasks.StrictTransitions },
	},
	{
		key: "orchestrator.enabled", typ: kBool, env: "ATTACHE_ORCHESTRATOR_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Orchestrator.Enabled },
	},
	{
		key: "orchestrator.schedule", typ: kString, env: "ATTACHE_ORCHESTRATOR_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Orchestrator.Schedule },
	},
	{
		key: "orchestrator.event_window", typ: kString, env: "ATTACHE_ORCHESTRATOR_EVENT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.EventWindow = v.(string) },
		extract: func(cfg Config) any { return cfg.Orchestrator.EventWindow },
	},
	{
		key: "orchestrator.max_parallel", typ: kInt, env: "ATTACHE_ORCHESTRATOR_MAX_PARALLEL",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.MaxParallel = v.(int) },
		extract: func(cfg Config) any { return cfg.Orchestrator.MaxParallel },
	},
	{
		key: "orchestrator.temperature", typ: kFloat, env: "ATTACHE_ORCHESTRATOR_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Orchestrator.Temperature },
	},
	{
		key: "capabilities.base_url", typ: kString, env: "ATTACHE_CAPABILITIES_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Capabilities.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Capabilities.BaseURL },
	},
	{
		key: "capabilities.token", typ: kString, env: "ATTACHE_CAPABILITIES_TOKEN",
		secret: true, account: "capabilities_token",
		apply:   func(cfg *Config, v any) { cfg.Capabilities.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Capabilities.Token },
	},
	{
		key: "telemetry.otlp_endpoint", typ: kString, env: "ATTACHE_TELEMETRY_OTLP_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.OTLPEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.OTLPEndpoint },
	},
	{
		key: "telemetry.insecure", typ: kBool, env: "ATTACHE_TELEMETRY_INSECURE",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Insecure = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Insecure },
	},
	{
		key: "telemetry.sample_ratio", typ: kFloat, env: "ATTACHE_TELEMETRY_SAMPLE_RATIO",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.SampleRatio = v.(float64) },
		extract: func(cfg Config) any { return cfg.Telemetry.SampleRatio },
	},
	{
		key: "log.level", typ: kString, env: "ATTACHE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "ATTACHE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "mcp.owner", typ: kString, env: "ATTACHE_MCP_OWNER",
		apply:   func(cfg *Config, v any) { cfg.MCP.Owner = v.(string) },
		extract: func(cfg Config) any { return cfg.MCP.Owner },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw into the Go type of s.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Get(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
