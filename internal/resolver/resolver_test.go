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

package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAgentDefinition_AllowsAgent(t *testing.T) {
	def := &AgentDefinition{AllowedAgents: map[string]struct{}{"researcher": {}}}
	require.True(t, def.AllowsAgent("researcher"))
	require.False(t, def.AllowsAgent("writer"))

	empty := &AgentDefinition{}
	require.False(t, empty.AllowsAgent("anything"))

	wildcard := &AgentDefinition{AllowedAgents: map[string]struct{}{"*": {}}}
	require.True(t, wildcard.AllowsAgent("anything"))
}

func TestStatic_RegisterAndResolve(t *testing.T) {
	s := NewStatic()
	s.Register("org-1", &AgentDefinition{Name: "researcher", Model: "claude-3"})

	def, err := s.Resolve(context.Background(), "org-1", "researcher")
	require.NoError(t, err)
	require.Equal(t, "claude-3", def.Model)

	_, err = s.Resolve(context.Background(), "org-1", "missing")
	require.ErrorIs(t, err, ErrAgentNotFound)

	_, err = s.Resolve(context.Background(), "org-2", "researcher")
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestCached_ServesFromCacheWithinTTL(t *testing.T) {
	s := NewStatic()
	s.Register("org-1", &AgentDefinition{Name: "researcher", Model: "claude-3"})

	calls := 0
	counting := resolverFunc(func(ctx context.Context, orgID, agentName string) (*AgentDefinition, error) {
		calls++
		return s.Resolve(ctx, orgID, agentName)
	})

	c := NewCached(counting, time.Minute)
	_, err := c.Resolve(context.Background(), "org-1", "researcher")
	require.NoError(t, err)
	_, err = c.Resolve(context.Background(), "org-1", "researcher")
	require.NoError(t, err)

	require.Equal(t, 1, calls)
}

func TestCached_ExpiresAfterTTL(t *testing.T) {
	s := NewStatic()
	s.Register("org-1", &AgentDefinition{Name: "researcher", Model: "claude-3"})

	calls := 0
	counting := resolverFunc(func(ctx context.Context, orgID, agentName string) (*AgentDefinition, error) {
		calls++
		return s.Resolve(ctx, orgID, agentName)
	})

	c := NewCached(counting, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.Resolve(context.Background(), "org-1", "researcher")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.Resolve(context.Background(), "org-1", "researcher")
	require.NoError(t, err)

	require.Equal(t, 2, calls)
}

func TestCached_Invalidate(t *testing.T) {
	s := NewStatic()
	s.Register("org-1", &AgentDefinition{Name: "researcher", Model: "claude-3"})

	calls := 0
	counting := resolverFunc(func(ctx context.Context, orgID, agentName string) (*AgentDefinition, error) {
		calls++
		return s.Resolve(ctx, orgID, agentName)
	})

	c := NewCached(counting, time.Hour)
	_, err := c.Resolve(context.Background(), "org-1", "researcher")
	require.NoError(t, err)

	c.Invalidate("org-1", "researcher")
	_, err = c.Resolve(context.Background(), "org-1", "researcher")
	require.NoError(t, err)

	require.Equal(t, 2, calls)
}

func TestCached_CachesErrorsToo(t *testing.T) {
	calls := 0
	failing := resolverFunc(func(ctx context.Context, orgID, agentName string) (*AgentDefinition, error) {
		calls++
		return nil, errors.New("lookup failed")
	})

	c := NewCached(failing, time.Minute)
	_, err1 := c.Resolve(context.Background(), "org-1", "researcher")
	_, err2 := c.Resolve(context.Background(), "org-1", "researcher")

	require.Error(t, err1)
	require.Error(t, err2)
	require.Equal(t, 1, calls)
}

type resolverFunc func(ctx context.Context, orgID, agentName string) (*AgentDefinition, error)

func (f resolverFunc) Resolve(ctx context.Context, orgID, agentName string) (*AgentDefinition, error) {
	return f(ctx, orgID, agentName)
}
