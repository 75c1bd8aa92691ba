// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Shaman Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config is the deployment configuration loader: a YAML file
// layered with `${VAR}`/`${VAR:-default}` environment-variable expansion
// and a .env file, matching spec §6's environment/config keys. Grounded
// on pkg/config/config.go's SetDefaults/Validate pattern and
// pkg/config/env.go's env-expansion regexes, swapping the teacher's
// `koanf`-based multi-source loader for a direct `gopkg.in/yaml.v3` +
// `github.com/joho/godotenv` pipeline since this module has a single
// flat config document, not koanf's many-layered provider stack.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root deployment configuration (spec §6).
type Config struct {
	Server        ServerConfig          `yaml:"server"`
	Database      DatabaseConfig        `yaml:"database"`
	Queue         QueueConfig           `yaml:"queue"`
	Auth          AuthConfig            `yaml:"auth"`
	Models        map[string]ModelEntry `yaml:"models"`
	Agents        map[string]AgentEntry `yaml:"agents"`
	Logger        LoggerConfig          `yaml:"logger"`
	Observability ObservabilityConfig   `yaml:"observability,omitempty"`
}

// ObservabilityConfig governs internal/observability.Manager construction
// (§ambient tracing/metrics stack); both signals default to disabled so a
// bare deployment never reaches out to a collector it wasn't told about.
type ObservabilityConfig struct {
	ServiceName    string  `yaml:"service_name,omitempty"`
	TracingEnabled bool    `yaml:"tracing_enabled,omitempty"`
	TraceExporter  string  `yaml:"trace_exporter,omitempty"` // otlp-grpc, stdout
	TraceEndpoint  string  `yaml:"trace_endpoint,omitempty"`
	SamplingRate   float64 `yaml:"sampling_rate,omitempty"`
	MetricsEnabled bool    `yaml:"metrics_enabled,omitempty"`
}

// AgentEntry is one statically configured agent definition, seeding
// internal/resolver.Static in single-binary deployments (§4.3: Git-backed
// resolution is out of scope, so a config-declared agent table is the
// bundled alternative the teacher's own pkg/config.AgentConfig plays).
type AgentEntry struct {
	Description   string              `yaml:"description,omitempty"`
	Version       string              `yaml:"version,omitempty"`
	SystemPrompt  string              `yaml:"system_prompt,omitempty"`
	Model         string              `yaml:"model"`
	Temperature   *float64            `yaml:"temperature,omitempty"`
	MaxIterations int                 `yaml:"max_iterations,omitempty"`
	ContextScope  string              `yaml:"context_scope,omitempty"` // FULL, NONE, SPECIFIC
	MCPServers    map[string][]string `yaml:"mcp_servers,omitempty"`   // server -> tool names, or ["*"] for all
	AllowedAgents []string            `yaml:"allowed_agents,omitempty"`
}

// ServerConfig configures both A2A server personas.
type ServerConfig struct {
	PublicAddr   string `yaml:"public_addr,omitempty"`
	InternalAddr string `yaml:"internal_addr,omitempty"`
	BaseURL      string `yaml:"base_url,omitempty"`

	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures the public persona's per-IP sliding window.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests,omitempty"`
	Window      time.Duration `yaml:"window,omitempty"`
}

// DatabaseConfig selects and configures the Persistence Gateway's backing
// store (internal/store.DBPool dialects).
type DatabaseConfig struct {
	Driver string `yaml:"driver,omitempty"` // postgres, mysql, sqlite, or "memory"
	DSN    string `yaml:"dsn,omitempty"`
}

// QueueConfig selects and configures the Task Queue Adapter.
type QueueConfig struct {
	Driver       string        `yaml:"driver,omitempty"` // local, redis
	RedisAddr    string        `yaml:"redis_addr,omitempty"`
	ConnectRetry int           `yaml:"connect_retry,omitempty"`
	RetryDelay   time.Duration `yaml:"retry_delay,omitempty"`
}

// AuthConfig configures both personas' authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// APIKeys seeds the public persona's key store: raw key -> owning
	// org id. A static table is the bundled alternative to an external
	// key-management service (§1 Non-goals), mirroring how Agents seeds
	// internal/resolver.Static.
	APIKeys map[string]string `yaml:"api_keys,omitempty"`
}

// ModelEntry is one deployable LLM model, keyed by name in Config.Models.
type ModelEntry struct {
	Kind       string  `yaml:"kind"` // anthropic, openai, ollama, gemini
	APIKey     string  `yaml:"api_key,omitempty"`
	BaseURL    string  `yaml:"base_url,omitempty"`
	MaxTokens  int     `yaml:"max_tokens,omitempty"`
	InputRate  float64 `yaml:"input_rate,omitempty"`
	OutputRate float64 `yaml:"output_rate,omitempty"`
}

// LoggerConfig configures log/slog's handler (§ambient logging stack).
type LoggerConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text, json
}

// SetDefaults applies fallback values for every field left unset,
// mirroring pkg/config/logger.go's SetDefaults.
func (c *Config) SetDefaults() {
	if c.Server.PublicAddr == "" {
		c.Server.PublicAddr = ":8080"
	}
	if c.Server.InternalAddr == "" {
		c.Server.InternalAddr = ":8081"
	}
	if c.Server.RateLimit.MaxRequests == 0 {
		c.Server.RateLimit.MaxRequests = 60
	}
	if c.Server.RateLimit.Window == 0 {
		c.Server.RateLimit.Window = time.Minute
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "local"
	}
	if c.Queue.ConnectRetry == 0 {
		c.Queue.ConnectRetry = 5
	}
	if c.Queue.RetryDelay == 0 {
		c.Queue.RetryDelay = time.Second
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "shamand"
	}
	for name, agent := range c.Agents {
		if agent.MaxIterations == 0 {
			agent.MaxIterations = 10
		}
		if agent.ContextScope == "" {
			agent.ContextScope = "FULL"
		}
		c.Agents[name] = agent
	}
}

// Validate checks the configuration for internal consistency, mirroring
// pkg/config/logger.go's Validate pattern applied across the whole
// document instead of per-section.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logger.Level] {
		return fmt.Errorf("config: invalid logger.level %q", c.Logger.Level)
	}
	switch c.Database.Driver {
	case "memory", "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("config: invalid database.driver %q", c.Database.Driver)
	}
	switch c.Queue.Driver {
	case "local", "redis":
	default:
		return fmt.Errorf("config: invalid queue.driver %q", c.Queue.Driver)
	}
	if c.Queue.Driver == "redis" && c.Queue.RedisAddr == "" {
		return fmt.Errorf("config: queue.redis_addr is required when queue.driver is \"redis\"")
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required when database.driver is %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	for name, model := range c.Models {
		switch model.Kind {
		case "anthropic", "openai", "ollama", "gemini":
		default:
			return fmt.Errorf("config: models.%s: invalid kind %q", name, model.Kind)
		}
	}
	for name, agent := range c.Agents {
		switch agent.ContextScope {
		case "FULL", "NONE", "SPECIFIC":
		default:
			return fmt.Errorf("config: agents.%s: invalid context_scope %q", name, agent.ContextScope)
		}
		if agent.Model == "" {
			return fmt.Errorf("config: agents.%s: model is required", name)
		}
		if _, ok := c.Models[agent.Model]; !ok {
			return fmt.Errorf("config: agents.%s: unknown model %q", name, agent.Model)
		}
	}
	return nil
}

// ResolverDefinitions converts the config-declared agent table into
// resolver.AgentDefinition values keyed by name, ready to seed
// resolver.NewStatic. Kept in this package (rather than internal/resolver)
// since it depends on the YAML shape, not the resolver's domain shape.
func (c *Config) ResolverDefinitions() map[string]AgentDefinitionView {
	out := make(map[string]AgentDefinitionView, len(c.Agents))
	for name, agent := range c.Agents {
		out[name] = AgentDefinitionView{
			Name:          name,
			Description:   agent.Description,
			Version:       agent.Version,
			SystemPrompt:  agent.SystemPrompt,
			Model:         agent.Model,
			Temperature:   agent.Temperature,
			MaxIterations: agent.MaxIterations,
			ContextScope:  agent.ContextScope,
			MCPServers:    agent.MCPServers,
			AllowedAgents: agent.AllowedAgents,
		}
	}
	return out
}

// OrgIDs returns the distinct tenant org ids this deployment actually
// serves, derived from Auth.APIKeys' raw-key -> org-id table (the only
// place a deployment declares which orgs it issues keys for — Agents
// itself is a single global catalog with no org dimension of its own).
// Callers seeding the resolver/discovery tables must register the agent
// catalog under every id this returns, not under a placeholder tenant id,
// or every real deployment's lookups miss.
func (c *Config) OrgIDs() []string {
	seen := make(map[string]struct{}, len(c.Auth.APIKeys))
	for _, orgID := range c.Auth.APIKeys {
		seen[orgID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for orgID := range seen {
		out = append(out, orgID)
	}
	sort.Strings(out)
	return out
}

// AgentDefinitionView is a package-agnostic projection of AgentEntry;
// cmd/shamand maps this onto resolver.AgentDefinition without this
// package importing internal/resolver (config stays a leaf dependency).
type AgentDefinitionView struct {
	Name          string
	Description   string
	Version       string
	SystemPrompt  string
	Model         string
	Temperature   *float64
	MaxIterations int
	ContextScope  string
	MCPServers    map[string][]string
	AllowedAgents []string
}

// Load reads a YAML config file from path (optional, skipped entirely if
// path is empty), loads a .env file from the working directory if
// present, expands `${VAR}`/`${VAR:-default}` references against the
// process environment, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absent .env is not an error

	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		expanded := expandEnvVars(string(raw))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// expandEnvVars substitutes `${VAR}` and `${VAR:-default}` references
// against the process environment, grounded on
// pkg/config/env.go's expandEnvVars (narrowed to the two forms spec §6
// actually documents; the teacher's bare `$VAR` form is dropped since it
// collides with YAML's own use of `$` in free-text values).
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envWithDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	s = envBraced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBraced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
	return s
}
