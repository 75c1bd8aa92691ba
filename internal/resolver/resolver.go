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

// Package resolver is the Agent Resolver (C3): given an agent name, returns
// an AgentDefinition. Git repository cloning and markdown agent-definition
// parsing are explicitly out of scope (§1) — seen only through this
// interface — so this package supplies the interface plus an in-memory
// Static implementation and a Cached decorator, grounded on the shape of
// the teacher's pkg/config agent-definition loading.
package resolver

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAgentNotFound is returned when no definition exists for a name.
var ErrAgentNotFound = errors.New("resolver: agent not found")

// ContextScope governs how much of a Run's shared memory an agent sees on
// context assembly (§4.6).
type ContextScope string

const (
	ContextScopeFull     ContextScope = "FULL"
	ContextScopeNone     ContextScope = "NONE"
	ContextScopeSpecific ContextScope = "SPECIFIC"
)

// MCPServerAccess describes which tools of a named MCP server an agent may
// call: AllTools for "*", an explicit Tools list, or neither for no access.
type MCPServerAccess struct {
	AllTools bool
	Tools    []string
}

// AgentDefinition is the resolved shape of one agent (§4.3).
type AgentDefinition struct {
	Name          string
	Description   string
	Version       string
	SystemPrompt  string
	Model         string
	Temperature   *float64
	MaxIterations int
	ContextScope  ContextScope

	// MCPServers maps server name to its access grant; iteration order of
	// this map is not guaranteed by Go, so the Tool Router's dispatch
	// documents its own stable order separately (internal/toolrouter).
	MCPServers map[string]MCPServerAccess

	// AllowedAgents is the set of callable agent names, or {"*"} for any.
	// An empty set means "no agents callable" — see DESIGN.md's resolved
	// open question: this module fails closed rather than defaulting to
	// the historical "allow all" behavior.
	AllowedAgents map[string]struct{}
}

// AllowsAgent reports whether target may be reached via call_agent from an
// agent with this definition's allow-list.
func (d *AgentDefinition) AllowsAgent(target string) bool {
	if len(d.AllowedAgents) == 0 {
		return false
	}
	if _, ok := d.AllowedAgents["*"]; ok {
		return true
	}
	_, ok := d.AllowedAgents[target]
	return ok
}

// Resolver resolves an agent name to its definition, scoped to a tenant.
type Resolver interface {
	Resolve(ctx context.Context, orgID, agentName string) (*AgentDefinition, error)
}

// Static is an in-memory Resolver, useful for tests and for deployments
// where agent definitions are seeded at startup rather than fetched from
// an external source.
type Static struct {
	mu    sync.RWMutex
	byOrg map[string]map[string]*AgentDefinition
}

// NewStatic constructs an empty Static resolver.
func NewStatic() *Static {
	return &Static{byOrg: make(map[string]map[string]*AgentDefinition)}
}

// Register adds or replaces a definition for orgID. Agent names are
// matched verbatim, including namespace-prefixed names like
// "myrepo/feature/agent" (§4.3) — no path segmentation is performed.
func (s *Static) Register(orgID string, def *AgentDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byOrg[orgID] == nil {
		s.byOrg[orgID] = make(map[string]*AgentDefinition)
	}
	s.byOrg[orgID][def.Name] = def
}

func (s *Static) Resolve(_ context.Context, orgID, agentName string) (*AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs, ok := s.byOrg[orgID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	def, ok := defs[agentName]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return def, nil
}

type cacheEntry struct {
	def     *AgentDefinition
	err     error
	expires time.Time
}

// Cached wraps a Resolver with TTL-based caching. Grounded on
// pkg/config/loader.go's fsnotify-driven reload, generalized to TTL expiry
// since an externally-resolved agent definition has no local file to
// watch for changes.
type Cached struct {
	inner Resolver
	ttl   time.Duration
	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewCached wraps inner with a ttl-bounded cache.
func NewCached(inner Resolver, ttl time.Duration) *Cached {
	return &Cached{inner: inner, ttl: ttl, cache: make(map[string]cacheEntry), now: time.Now}
}

func (c *Cached) Resolve(ctx context.Context, orgID, agentName string) (*AgentDefinition, error) {
	key := orgID + "\x00" + agentName

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && c.now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.def, entry.err
	}
	c.mu.Unlock()

	def, err := c.inner.Resolve(ctx, orgID, agentName)

	c.mu.Lock()
	c.cache[key] = cacheEntry{def: def, err: err, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return def, err
}

// Invalidate drops any cached entry for orgID/agentName, forcing the next
// Resolve to hit the inner resolver.
func (c *Cached) Invalidate(orgID, agentName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, orgID+"\x00"+agentName)
}
