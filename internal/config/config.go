// Package config loads APE's process-wide configuration: a YAML file
// with environment-variable expansion and overrides, following the
// load/defaults/validate pipeline shape used throughout the teacher
// repository's own configuration package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is APE's flat configuration surface (spec.md §6). It is built
// once at startup and passed explicitly to components — no hidden
// singleton, per the "global configuration" design note.
type Config struct {
	Port                int           `yaml:"port"`
	LogLevel            string        `yaml:"log_level"`
	LLMModel            string        `yaml:"llm_model"`
	OllamaBaseURL       string        `yaml:"ollama_base_url"`
	Temperature         float64       `yaml:"temperature"`
	TopP                float64       `yaml:"top_p"`
	TopK                int           `yaml:"top_k"`
	MaxToolIterations   int           `yaml:"max_tools_iterations"`
	ContextMarginTokens int           `yaml:"context_margin_tokens"`
	SummaryMaxTokens    int           `yaml:"summary_max_tokens"`
	SummarizeThoughts   bool          `yaml:"summarize_thoughts"`
	MCPJWTKey           string        `yaml:"mcp_jwt_key"`
	SessionDBPath       string        `yaml:"session_db_path"`
	PromptsDir          string        `yaml:"prompts_dir"`
	PluginsDir          string        `yaml:"plugins_dir"`
	PromptsWatch        bool          `yaml:"prompts_watch"`
	EnvelopeLifetime    time.Duration `yaml:"-"`
}

// ValidationError aggregates every configuration problem found by
// validate so operators see the full list instead of a single failure.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Load reads path, expands environment variables, decodes strictly
// (unknown keys rejected), applies defaults, applies env overrides, and
// validates the result. A missing MCP_JWT_KEY is a fatal CONFIG_FATAL
// condition surfaced via ValidationError.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(raw))

		dec := yaml.NewDecoder(strings.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		var extra any
		if err := dec.Decode(&extra); err == nil {
			return nil, fmt.Errorf("config file contains more than one YAML document")
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	cfg.EnvelopeLifetime = 600 * time.Second
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LLMModel == "" {
		c.LLMModel = "llama3.1"
	}
	if c.OllamaBaseURL == "" {
		c.OllamaBaseURL = "http://localhost:11434/v1"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.TopP == 0 {
		c.TopP = 0.9
	}
	if c.TopK == 0 {
		c.TopK = 40
	}
	if c.MaxToolIterations == 0 {
		c.MaxToolIterations = 15
	}
	if c.ContextMarginTokens == 0 {
		c.ContextMarginTokens = 1024
	}
	if c.SummaryMaxTokens == 0 {
		c.SummaryMaxTokens = 128
	}
	if c.SessionDBPath == "" {
		c.SessionDBPath = "ape.db"
	}
	if c.PromptsDir == "" {
		c.PromptsDir = "prompts"
	}
}

// applyEnvOverrides reads the named environment variables directly,
// mirroring the teacher's explicit (non-reflective) override list.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLMModel = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		c.OllamaBaseURL = v
	}
	if v := os.Getenv("TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Temperature = f
		}
	}
	if v := os.Getenv("TOP_P"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.TopP = f
		}
	}
	if v := os.Getenv("TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TopK = n
		}
	}
	if v := os.Getenv("MAX_TOOLS_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxToolIterations = n
		}
	}
	if v := os.Getenv("CONTEXT_MARGIN_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ContextMarginTokens = n
		}
	}
	if v := os.Getenv("SUMMARY_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SummaryMaxTokens = n
		}
	}
	if v := os.Getenv("SUMMARIZE_THOUGHTS"); v != "" {
		c.SummarizeThoughts = v == "true" || v == "1"
	}
	if v := os.Getenv("MCP_JWT_KEY"); v != "" {
		c.MCPJWTKey = v
	}
	if v := os.Getenv("SESSION_DB_PATH"); v != "" {
		c.SessionDBPath = v
	}
}

func validate(c *Config) error {
	var issues []string

	if strings.TrimSpace(c.MCPJWTKey) == "" {
		issues = append(issues, "MCP_JWT_KEY is required (CONFIG_FATAL)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		issues = append(issues, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.MaxToolIterations <= 0 {
		issues = append(issues, "max_tools_iterations must be positive")
	}
	if c.ContextMarginTokens < 0 {
		issues = append(issues, "context_margin_tokens cannot be negative")
	}
	if c.SummaryMaxTokens <= 0 {
		issues = append(issues, "summary_max_tokens must be positive")
	}
	if c.SessionDBPath == "" {
		issues = append(issues, "session_db_path is required")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
