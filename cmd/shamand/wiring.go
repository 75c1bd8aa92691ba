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

// wiring.go translates deployment config into the concrete adapters each
// port in internal/ exposes: Persistence Gateway, Task Queue, Agent
// Resolver, LLM Provider Registry, and the public persona's API key
// store. Kept out of serve.go so ServeCmd.Run stays a readable top-level
// assembly list.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaman-run/shaman/internal/auth"
	"github.com/shaman-run/shaman/internal/config"
	"github.com/shaman-run/shaman/internal/llm"
	"github.com/shaman-run/shaman/internal/queue"
	"github.com/shaman-run/shaman/internal/resolver"
	"github.com/shaman-run/shaman/internal/store"
)

// buildGateway returns the Persistence Gateway selected by
// cfg.Driver, plus a close func releasing any backing connection.
// "memory" and "postgres" are the two fully wired Gateway
// implementations; "mysql"/"sqlite" are accepted by config validation
// and internal/store.DBPool's dialect set (reserved for a future
// database/sql-generic Gateway) but have no dedicated Gateway type yet,
// so they fail fast here rather than silently falling back to memory.
func buildGateway(ctx context.Context, cfg config.DatabaseConfig) (store.Gateway, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		return store.NewMemoryGateway(), func() {}, nil
	case "postgres":
		gw, err := store.NewPostgresGateway(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return gw, gw.Close, nil
	default:
		return nil, nil, fmt.Errorf("database.driver %q has no Gateway implementation yet (memory, postgres supported)", cfg.Driver)
	}
}

// buildQueue returns the TaskQueue selected by cfg.Driver.
func buildQueue(ctx context.Context, cfg config.QueueConfig, log *slog.Logger) (queue.TaskQueue, error) {
	switch cfg.Driver {
	case "local", "":
		return queue.NewLocal(log), nil
	case "redis":
		return queue.NewRedis(ctx, cfg.RedisAddr, "", 0, log)
	default:
		return nil, fmt.Errorf("queue.driver %q is not supported (local, redis)", cfg.Driver)
	}
}

// buildResolver seeds a resolver.Static from the config-declared agent
// table, wrapped in resolver.NewCached so repeated tool-router/server
// lookups within a single execution don't re-walk the static map.
//
// Config.Agents is one global catalog shared by every tenant; the only
// place a deployment names its real org ids is Auth.APIKeys. So the
// catalog is registered once per org id in cfg.OrgIDs(), not under a
// placeholder tenant id — resolver.Static.Resolve requires an exact
// org-id match, and no real deployment's authenticated org id will ever
// equal a placeholder.
func buildResolver(cfg *config.Config) resolver.Resolver {
	static := resolver.NewStatic()
	definitions := cfg.ResolverDefinitions()
	for _, orgID := range cfg.OrgIDs() {
		for name, view := range definitions {
			static.Register(orgID, toAgentDefinition(name, view))
		}
	}
	return resolver.NewCached(static, resolverCacheTTL)
}

const resolverCacheTTL = 30 * time.Second

func toAgentDefinition(name string, view config.AgentDefinitionView) *resolver.AgentDefinition {
	def := &resolver.AgentDefinition{
		Name:          name,
		Description:   view.Description,
		Version:       view.Version,
		SystemPrompt:  view.SystemPrompt,
		Model:         view.Model,
		Temperature:   view.Temperature,
		MaxIterations: view.MaxIterations,
		ContextScope:  resolver.ContextScope(view.ContextScope),
		MCPServers:    make(map[string]resolver.MCPServerAccess, len(view.MCPServers)),
		AllowedAgents: make(map[string]struct{}, len(view.AllowedAgents)),
	}
	for server, tools := range view.MCPServers {
		access := resolver.MCPServerAccess{}
		for _, tool := range tools {
			if tool == "*" {
				access.AllTools = true
				continue
			}
			access.Tools = append(access.Tools, tool)
		}
		def.MCPServers[server] = access
	}
	for _, agentName := range view.AllowedAgents {
		def.AllowedAgents[agentName] = struct{}{}
	}
	return def
}

// buildModelRegistry constructs the LLM Provider Registry from the
// config's model table. Costs start from the built-in rate table; a model
// entry with a non-zero input_rate or output_rate (per 1000 tokens)
// replaces that model's rate. Unknown models use the table's Default.
func buildModelRegistry(ctx context.Context, cfg *config.Config) (*llm.Registry, error) {
	rates := llm.DefaultRateTable()
	models := make([]llm.ModelConfig, 0, len(cfg.Models))
	for name, entry := range cfg.Models {
		if entry.InputRate > 0 || entry.OutputRate > 0 {
			rates.Rates[name] = llm.Rate{PromptPer1K: entry.InputRate, CompletionPer1K: entry.OutputRate}
		}
		models = append(models, llm.ModelConfig{
			Name:      name,
			Kind:      llm.ProviderKind(entry.Kind),
			APIKey:    entry.APIKey,
			BaseURL:   entry.BaseURL,
			MaxTokens: entry.MaxTokens,
		})
	}
	return llm.BuildRegistry(ctx, models, rates)
}

// staticAPIKeyStore is the public persona's API key store for single-
// binary deployments: a config-declared raw-key -> org-id table, hashed
// at construction so the lookup path never compares plaintext (mirrors
// auth.HashAPIKey's own posture). An external key-management service is
// out of this module's scope (§1 Non-goals), so this bundled table plays
// the role resolver.Static plays for agent definitions.
type staticAPIKeyStore map[string]auth.APIKeyIdentity

func newStaticAPIKeyStore(raw map[string]string) staticAPIKeyStore {
	hashed := make(staticAPIKeyStore, len(raw))
	for key, orgID := range raw {
		h := auth.HashAPIKey(key)
		keyID := h
		if len(keyID) > 12 {
			keyID = keyID[:12]
		}
		hashed[h] = auth.APIKeyIdentity{OrgID: orgID, KeyID: keyID}
	}
	return hashed
}

func (s staticAPIKeyStore) Lookup(ctx context.Context, keyHash string) (auth.APIKeyIdentity, bool, error) {
	id, ok := s[keyHash]
	return id, ok, nil
}
