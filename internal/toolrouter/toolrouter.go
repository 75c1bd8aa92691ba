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

// Package toolrouter is the Tool Router (C4): resolves a tool name to one
// of a recursive agent call, a built-in platform tool, or an MCP-backed
// external tool, and returns a uniform ToolResult. Grounded on the
// teacher's pkg/tools/mcp.go (MCP source/builder shape, dispatch order)
// and pkg/tools/agent_call.go (recursive agent-call argument validation).
package toolrouter

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shaman-run/shaman/internal/store"
)

// Kind classifies where a ToolResult came from.
type Kind string

const (
	KindPlatform Kind = "platform"
	KindAgent    Kind = "agent"
	KindExternal Kind = "external"
)

// ToolResult is the uniform shape every dispatch path returns (§4.4).
type ToolResult struct {
	Success bool
	Output  json.RawMessage
	Error   string
	Kind    Kind
}

// Platform tool names, the closed set of §4.4's table.
const (
	ToolRunDataWrite = "run_data_write"
	ToolRunDataRead  = "run_data_read"
	ToolRunDataQuery = "run_data_query"
	ToolRunDataList  = "run_data_list"
	ToolRunDataDelete = "run_data_delete"
	ToolCallAgent    = "call_agent"
)

const agentToolPrefix = "agent:"

// ErrPermissionDenied is returned when the caller's allow-list rejects a
// recursive agent call.
var ErrPermissionDenied = errors.New("toolrouter: agent call not permitted")

// ExecutionContext carries the ambient identity a tool dispatch needs:
// which run/step/org/agent issued the call, and at what DAG depth.
type ExecutionContext struct {
	OrgID     string
	RunID     string
	StepID    string
	AgentName string
	Depth     int
}

// AgentCaller performs a recursive agent call (the detailed AGENT_CALL
// step allocation and synchronous-vs-async handling lives in
// internal/worker's NewAgentCaller; the router forwards to it).
type AgentCaller func(ctx context.Context, ec ExecutionContext, targetAgent string, message json.RawMessage, async bool) (ToolResult, error)

// Invoker calls an external, MCP-backed tool. MCP transport itself is out
// of scope for the core (§1) — this is the seam the core treats it
// through; the concrete MCPInvoker in mcp.go implements it using
// mark3labs/mcp-go.
type Invoker interface {
	Invoke(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error)
}

// AllowedAgentsChecker reports whether caller is permitted to invoke target.
type AllowedAgentsChecker func(caller string) func(target string) bool

// Router dispatches a tool call per §4.4's three-step order.
type Router struct {
	gateway store.Gateway
	invoker Invoker
	caller  AgentCaller
}

// New constructs a Router.
func New(gateway store.Gateway, invoker Invoker, caller AgentCaller) *Router {
	return &Router{gateway: gateway, invoker: invoker, caller: caller}
}

// MCPServers is the agent's mcp_servers map, preserved in Go map insertion
// order is NOT guaranteed; callers MUST supply serverOrder explicitly for
// a stable enumeration order per §4.4 ("implementations MUST pick a
// stable order and document it; key insertion order is acceptable" — this
// module uses the server names sorted alphabetically, which is the order
// internal/execloop's mcpOrder passes to Dispatch).
type MCPServers struct {
	Order   []string // stable enumeration order, see execloop's mcpOrder
	Access  map[string]mcpAccess
}

type mcpAccess struct {
	AllTools bool
	Tools    map[string]struct{}
}

// Dispatch resolves toolName per §4.4's dispatch order and executes it.
func (r *Router) Dispatch(ctx context.Context, ec ExecutionContext, toolName string, args json.RawMessage, allowsAgent func(string) bool, mcpOrder []string, mcpAllows func(server, tool string) bool) ToolResult {
	if strings.HasPrefix(toolName, agentToolPrefix) {
		target := strings.TrimPrefix(toolName, agentToolPrefix)
		return r.dispatchAgentCall(ctx, ec, target, args, allowsAgent)
	}
	if isPlatformTool(toolName) {
		return r.dispatchPlatform(ctx, ec, toolName, args)
	}
	return r.dispatchExternal(ctx, mcpOrder, mcpAllows, toolName, args)
}

func isPlatformTool(name string) bool {
	switch name {
	case ToolRunDataWrite, ToolRunDataRead, ToolRunDataQuery, ToolRunDataList, ToolRunDataDelete, ToolCallAgent:
		return true
	}
	return false
}

// IsPlatformTool reports whether name is one of the closed set of built-in
// tools (§4.4), for callers outside this package that need to classify a
// tool call without duplicating the set (e.g. execloop's persisted
// ToolCall.IsPlatform flag).
func IsPlatformTool(name string) bool { return isPlatformTool(name) }

func (r *Router) dispatchAgentCall(ctx context.Context, ec ExecutionContext, target string, args json.RawMessage, allowsAgent func(string) bool) ToolResult {
	if allowsAgent == nil || !allowsAgent(target) {
		return ToolResult{Success: false, Error: ErrPermissionDenied.Error(), Kind: KindAgent}
	}
	var params struct {
		Message     json.RawMessage `json:"message"`
		ContextData json.RawMessage `json:"contextData"`
		Async       bool            `json:"async"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolResult{Success: false, Error: "invalid call_agent arguments: " + err.Error(), Kind: KindAgent}
	}
	result, err := r.caller(ctx, ec, target, params.Message, params.Async)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error(), Kind: KindAgent}
	}
	return result
}

func (r *Router) dispatchExternal(ctx context.Context, mcpOrder []string, mcpAllows func(server, tool string) bool, toolName string, args json.RawMessage) ToolResult {
	for _, server := range mcpOrder {
		if mcpAllows == nil || !mcpAllows(server, toolName) {
			continue
		}
		output, err := r.invoker.Invoke(ctx, server, toolName, args)
		if err != nil {
			return ToolResult{Success: false, Error: err.Error(), Kind: KindExternal}
		}
		return ToolResult{Success: true, Output: output, Kind: KindExternal}
	}
	return ToolResult{Success: false, Error: "unknown tool: " + toolName, Kind: KindExternal}
}

func (r *Router) dispatchPlatform(ctx context.Context, ec ExecutionContext, toolName string, args json.RawMessage) ToolResult {
	switch toolName {
	case ToolRunDataWrite:
		return r.runDataWrite(ctx, ec, args)
	case ToolRunDataRead:
		return r.runDataRead(ctx, ec, args)
	case ToolRunDataQuery:
		return r.runDataQuery(ctx, ec, args)
	case ToolRunDataList:
		return r.runDataList(ctx, ec, args)
	case ToolRunDataDelete:
		return r.runDataDelete(ctx, ec, args)
	case ToolCallAgent:
		// call_agent is routed through the agent: prefix path above when
		// invoked via Dispatch's own recognition; reaching here means a
		// caller invoked it directly by platform-tool name, which is
		// equally valid per §4.4's table.
		var params struct {
			Agent       string          `json:"agent"`
			Message     json.RawMessage `json:"message"`
			ContextData json.RawMessage `json:"contextData"`
			Async       bool            `json:"async"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return ToolResult{Success: false, Error: err.Error(), Kind: KindAgent}
		}
		result, err := r.caller(ctx, ec, params.Agent, params.Message, params.Async)
		if err != nil {
			return ToolResult{Success: false, Error: err.Error(), Kind: KindAgent}
		}
		return result
	}
	return ToolResult{Success: false, Error: "unrecognized platform tool: " + toolName, Kind: KindPlatform}
}

func (r *Router) runDataWrite(ctx context.Context, ec ExecutionContext, args json.RawMessage) ToolResult {
	var params struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
		Tags  []string        `json:"tags"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolResult{Success: false, Error: err.Error(), Kind: KindPlatform}
	}
	tags := append([]string{"agent:" + ec.AgentName, "step:" + ec.StepID}, params.Tags...)
	rd := &store.RunData{
		RunID: ec.RunID, Key: params.Key, Value: params.Value,
		CreatedByStepID: ec.StepID, CreatedByAgentName: ec.AgentName, Tags: tags,
		CreatedAt: time.Now(),
	}
	if err := r.gateway.WriteRunData(ctx, ec.OrgID, rd); err != nil {
		return ToolResult{Success: false, Error: err.Error(), Kind: KindPlatform}
	}
	out, _ := json.Marshal(map[string]string{"id": rd.ID, "key": rd.Key})
	return ToolResult{Success: true, Output: out, Kind: KindPlatform}
}

func (r *Router) runDataRead(ctx context.Context, ec ExecutionContext, args json.RawMessage) ToolResult {
	var params struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolResult{Success: false, Error: err.Error(), Kind: KindPlatform}
	}
	rd, err := r.gateway.ReadRunData(ctx, ec.OrgID, ec.RunID, params.Key)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error(), Kind: KindPlatform}
	}
	if rd == nil {
		out, _ := json.Marshal(nil)
		return ToolResult{Success: true, Output: out, Kind: KindPlatform}
	}
	out, _ := json.Marshal(map[string]any{"value": rd.Value, "tags": rd.Tags, "created_at": rd.CreatedAt})
	return ToolResult{Success: true, Output: out, Kind: KindPlatform}
}

func (r *Router) runDataQuery(ctx context.Context, ec ExecutionContext, args json.RawMessage) ToolResult {
	var params struct {
		KeyStartsWith string   `json:"keyStartsWith"`
		Tags          []string `json:"tags"`
		Limit         int      `json:"limit"`
		SortBy        string   `json:"sortBy"`
		SortOrder     string   `json:"sortOrder"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolResult{Success: false, Error: err.Error(), Kind: KindPlatform}
	}
	return r.queryCommon(ctx, ec, store.RunDataFilter{
		KeyStartsWith: params.KeyStartsWith, Tags: params.Tags, Limit: params.Limit,
		SortBy: params.SortBy, SortOrder: params.SortOrder,
	})
}

func (r *Router) runDataList(ctx context.Context, ec ExecutionContext, args json.RawMessage) ToolResult {
	var params struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolResult{Success: false, Error: err.Error(), Kind: KindPlatform}
	}
	return r.queryCommon(ctx, ec, store.RunDataFilter{Limit: params.Limit, Offset: params.Offset, SortOrder: "desc"})
}

func (r *Router) queryCommon(ctx context.Context, ec ExecutionContext, filter store.RunDataFilter) ToolResult {
	records, err := r.gateway.QueryRunData(ctx, ec.OrgID, ec.RunID, filter)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error(), Kind: KindPlatform}
	}
	sort.SliceStable(records, func(i, j int) bool { return false }) // gateway already applies ordering
	out, _ := json.Marshal(map[string]any{
		"data":       records,
		"pagination": map[string]int{"limit": filter.Limit, "offset": filter.Offset, "count": len(records)},
	})
	return ToolResult{Success: true, Output: out, Kind: KindPlatform}
}

func (r *Router) runDataDelete(ctx context.Context, ec ExecutionContext, args json.RawMessage) ToolResult {
	var params struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolResult{Success: false, Error: err.Error(), Kind: KindPlatform}
	}
	n, err := r.gateway.DeleteRunData(ctx, ec.OrgID, ec.RunID, params.Key)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error(), Kind: KindPlatform}
	}
	out, _ := json.Marshal(map[string]int{"deleted": n})
	return ToolResult{Success: true, Output: out, Kind: KindPlatform}
}
