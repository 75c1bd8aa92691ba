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

// MCPInvoker implements Invoker against real MCP servers using
// mark3labs/mcp-go, grounded on the teacher's pkg/tools/mcp.go builder
// pattern (MCPToolSourceBuilder, DefaultMCPSSEResponseTimeout). MCP tool
// transport is out of scope for the core per the platform spec — this
// adapter is the boundary the core treats abstractly through Invoker.
package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultMCPSSEResponseTimeout matches the teacher's default for
// long-running MCP SSE tool calls.
const DefaultMCPSSEResponseTimeout = 5 * time.Minute

// MCPInvoker holds one connected MCP client per configured server name.
type MCPInvoker struct {
	mu      sync.RWMutex
	clients map[string]*client.Client
}

// NewMCPInvoker constructs an invoker with no servers connected yet.
func NewMCPInvoker() *MCPInvoker {
	return &MCPInvoker{clients: make(map[string]*client.Client)}
}

// Connect registers an already-initialized MCP client under serverName.
func (m *MCPInvoker) Connect(serverName string, c *client.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[serverName] = c
}

// Invoke calls tool on server with args, per the Invoker contract.
func (m *MCPInvoker) Invoke(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	c, ok := m.clients[server]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("toolrouter: no MCP client configured for server %q", server)
	}

	var argMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return nil, fmt.Errorf("toolrouter: invalid arguments for %s/%s: %w", server, tool, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, DefaultMCPSSEResponseTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = argMap

	res, err := c.CallTool(callCtx, req)
	if err != nil {
		return nil, fmt.Errorf("toolrouter: mcp call %s/%s: %w", server, tool, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("toolrouter: mcp tool %s/%s reported an error", server, tool)
	}

	var texts []string
	for _, content := range res.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	if len(texts) == 1 {
		var js json.RawMessage
		if json.Valid([]byte(texts[0])) {
			js = json.RawMessage(texts[0])
		} else {
			b, _ := json.Marshal(texts[0])
			js = b
		}
		return js, nil
	}
	return json.Marshal(texts)
}
