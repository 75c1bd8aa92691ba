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

package main

import (
	"context"
	"testing"

	"github.com/shaman-run/shaman/internal/auth"
	"github.com/shaman-run/shaman/internal/config"
	"github.com/stretchr/testify/require"
)

func TestToAgentDefinition_MapsWildcardsAndAllowList(t *testing.T) {
	temp := 0.4
	view := config.AgentDefinitionView{
		Description:   "does research",
		Model:         "gpt-4o",
		Temperature:   &temp,
		MaxIterations: 5,
		ContextScope:  "FULL",
		MCPServers:    map[string][]string{"search": {"*"}, "fs": {"read_file"}},
		AllowedAgents: []string{"writer", "*"},
	}

	def := toAgentDefinition("researcher", view)
	require.Equal(t, "researcher", def.Name)
	require.Equal(t, "gpt-4o", def.Model)
	require.True(t, def.MCPServers["search"].AllTools)
	require.Equal(t, []string{"read_file"}, def.MCPServers["fs"].Tools)
	require.True(t, def.AllowsAgent("writer"))
	require.True(t, def.AllowsAgent("anything"))
}

func TestBuildGateway_UnsupportedDriverErrors(t *testing.T) {
	_, _, err := buildGateway(context.Background(), config.DatabaseConfig{Driver: "mysql"})
	require.Error(t, err)
}

func TestBuildGateway_MemoryDriverSucceeds(t *testing.T) {
	gw, closeFn, err := buildGateway(context.Background(), config.DatabaseConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NotNil(t, gw)
	closeFn()
}

func TestBuildResolver_RegistersAgentsUnderRealOrgIDs(t *testing.T) {
	cfg := &config.Config{
		Agents: map[string]config.AgentEntry{"researcher": {Model: "claude", ContextScope: "FULL"}},
		Auth:   config.AuthConfig{APIKeys: map[string]string{"key-a": "acme-corp", "key-b": "globex"}},
	}

	res := buildResolver(cfg)

	def, err := res.Resolve(context.Background(), "acme-corp", "researcher")
	require.NoError(t, err)
	require.Equal(t, "researcher", def.Name)

	def, err = res.Resolve(context.Background(), "globex", "researcher")
	require.NoError(t, err)
	require.Equal(t, "researcher", def.Name)

	_, err = res.Resolve(context.Background(), "default", "researcher")
	require.Error(t, err)
}

func TestNewStaticAPIKeyStore_HashesKeysAndPreservesOrg(t *testing.T) {
	store := newStaticAPIKeyStore(map[string]string{"secret-key": "org-1"})

	id, ok, err := store.Lookup(context.Background(), auth.HashAPIKey("secret-key"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "org-1", id.OrgID)

	_, ok, err = store.Lookup(context.Background(), "not-a-real-hash")
	require.NoError(t, err)
	require.False(t, ok)
}
