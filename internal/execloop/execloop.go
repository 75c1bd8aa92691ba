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

// Package execloop is the Agent Execution Loop (C6): assembles a step's
// message context, drives the completion/tool-dispatch cycle to
// termination, and accounts for tokens, cost and call depth along the way.
// Grounded on pkg/agent/llmagent/flow.go's Flow.Run/runOneStep two-level
// loop (outer iteration loop, inner LLM-call-then-tool-dispatch step) and
// pkg/agent/checkpoint.go's capture/restore shape, generalized so the
// call-stack carried for circular-call detection lives in step metadata
// rather than a shared in-process map.
package execloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shaman-run/shaman/internal/llm"
	"github.com/shaman-run/shaman/internal/resolver"
	"github.com/shaman-run/shaman/internal/store"
	"github.com/shaman-run/shaman/internal/toolrouter"
)

const maxLLMRetries = 3

// TerminationReason classifies why execute() stopped looping.
type TerminationReason string

const (
	ReasonCompleted      TerminationReason = "completed"
	ReasonIterationLimit TerminationReason = "iteration_limit"
	ReasonDepthLimit     TerminationReason = "depth_limit"
	ReasonLLMError       TerminationReason = "llm_error"
	ReasonToolError      TerminationReason = "tool_error"
	ReasonCanceled       TerminationReason = "canceled"
)

// ErrCanceled is returned when a cooperative cancellation check observes
// the run's CANCELING flag.
var ErrCanceled = errors.New("execloop: run canceled")

// Result is the outcome of one execute() call: the final status the
// caller Step should transition to, plus accumulated usage.
type Result struct {
	Status           store.StepStatus
	Reason           TerminationReason
	Output           string
	Error            string
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
}

// CancelChecker reports whether a Run has been marked for cancellation.
// The actual agent-to-agent dispatch (synchronous message/send or async
// task-id return) is performed by the AgentCaller the scheduler (C7)
// supplies when it constructs the shared toolrouter.Router — execloop
// only decides whether a call is even allowed to reach it (depth limit,
// circular-call check) and otherwise treats agent calls like any other
// tool dispatch.
type CancelChecker func(ctx context.Context, orgID, runID string) (bool, error)

// Deps bundles the collaborators execute needs; one Deps is shared across
// steps within a worker process.
type Deps struct {
	Gateway     store.Gateway
	Models      *llm.Registry
	Resolver    resolver.Resolver
	Router      *toolrouter.Router
	CancelCheck CancelChecker
	Log         *slog.Logger
	MaxDepth    int
}

// Request describes one AGENT_EXECUTION step's worth of work.
type Request struct {
	OrgID       string
	RunID       string
	StepID      string
	AgentName   string
	Input       string
	Depth       int
	CallStack   []string // agent names from root to caller, for circular-call detection
}

// Execute runs the context-assembly → completion → tool-dispatch cycle
// until the step reaches a terminal outcome (§4.6's state machine).
func Execute(ctx context.Context, deps Deps, req Request) Result {
	def, err := deps.Resolver.Resolve(ctx, req.OrgID, req.AgentName)
	if err != nil {
		return Result{Status: store.StepFailed, Reason: ReasonLLMError, Error: fmt.Sprintf("resolve agent %q: %v", req.AgentName, err)}
	}

	provider, ok := deps.Models.Resolve(def.Model)
	if !ok {
		return Result{Status: store.StepFailed, Reason: ReasonLLMError, Error: fmt.Sprintf("no provider registered for model %q", def.Model)}
	}

	messages, err := assembleContext(ctx, deps.Gateway, req.OrgID, req.RunID, def, req.Input)
	if err != nil {
		return Result{Status: store.StepFailed, Reason: ReasonLLMError, Error: fmt.Sprintf("assemble context: %v", err)}
	}
	for _, msg := range messages {
		persistMessage(ctx, deps, req.OrgID, req.StepID, msg)
	}

	var (
		promptTokens, completionTokens int64
		totalCost                      float64
	)

	maxIterations := def.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 25
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		if deps.CancelCheck != nil {
			canceled, err := deps.CancelCheck(ctx, req.OrgID, req.RunID)
			if err != nil {
				deps.Log.Warn("execloop: cancel check failed", "run_id", req.RunID, "error", err)
			} else if canceled {
				return Result{Status: store.StepCanceled, Reason: ReasonCanceled, PromptTokens: promptTokens, CompletionTokens: completionTokens, Cost: totalCost}
			}
		}

		resp, err := completeWithRetry(ctx, provider, llm.Request{
			Messages:    messages,
			Model:       def.Model,
			Temperature: def.Temperature,
			Tools:       toolDefinitions(def),
		}, deps.Log)
		if err != nil {
			return Result{
				Status: store.StepFailed, Reason: ReasonLLMError,
				Error:            err.Error(),
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				Cost:             totalCost,
			}
		}

		promptTokens += resp.Usage.PromptTokens
		completionTokens += resp.Usage.CompletionTokens
		totalCost += deps.Models.Rates().CostOf(def.Model, resp.Usage, deps.Log)

		assistantMsg := llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)
		persistMessage(ctx, deps, req.OrgID, req.StepID, assistantMsg)

		if len(resp.ToolCalls) == 0 && resp.FinishReason != llm.FinishToolCalls {
			return Result{
				Status: store.StepCompleted, Reason: ReasonCompleted,
				Output:           resp.Content,
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				Cost:             totalCost,
			}
		}

		for _, tc := range resp.ToolCalls {
			toolMsg := dispatchToolCall(ctx, deps, req, def, tc)
			messages = append(messages, toolMsg)
			persistMessage(ctx, deps, req.OrgID, req.StepID, toolMsg)
		}
	}

	return Result{
		Status: store.StepFailed, Reason: ReasonIterationLimit,
		Error:            fmt.Sprintf("reasoning loop exceeded max_iterations (%d)", maxIterations),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             totalCost,
	}
}

// dispatchToolCall handles one tool call from an assistant message,
// applying the circular-call and depth checks of §4.6 before delegating
// everything else to the shared Router, and always returning a TOOL
// message (§4.6: tool errors are channelled as TOOL messages, never step
// failures).
func dispatchToolCall(ctx context.Context, deps Deps, req Request, def *resolver.AgentDefinition, tc llm.ToolCall) llm.Message {
	args := json.RawMessage(tc.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	if target, ok := strings.CutPrefix(tc.Name, "agent:"); ok {
		if msg := checkAgentCallPreconditions(deps, req, target); msg != "" {
			return toolErrorMessage(tc.ID, msg)
		}
	}

	result := deps.Router.Dispatch(ctx, toolrouter.ExecutionContext{
		OrgID:     req.OrgID,
		RunID:     req.RunID,
		StepID:    req.StepID,
		AgentName: req.AgentName,
		Depth:     req.Depth,
	}, tc.Name, args, def.AllowsAgent, mcpOrder(def), mcpAllows(def))

	if !result.Success {
		return toolErrorMessage(tc.ID, result.Error)
	}
	return llm.Message{Role: "tool", ToolCallID: tc.ID, Content: string(result.Output)}
}

// persistMessage durably records one turn of the conversation and any tool
// calls it issued, so a2a.Task.History (surfaced through the scheduler) and
// post-hoc audit reflect what the agent actually said and invoked. Failures
// are logged, not propagated: a dropped history entry shouldn't abort an
// otherwise-successful step, mirroring the CancelCheck error-handling
// pattern above.
func persistMessage(ctx context.Context, deps Deps, orgID, stepID string, msg llm.Message) {
	toolCalls := make([]store.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		toolCalls = append(toolCalls, store.ToolCall{
			ID:          tc.ID,
			StepID:      stepID,
			ToolName:    tc.Name,
			Input:       json.RawMessage(tc.Arguments),
			IsPlatform:  toolrouter.IsPlatformTool(tc.Name),
			IsAgentCall: strings.HasPrefix(tc.Name, "agent:"),
		})
	}

	sm := &store.Message{
		StepID:     stepID,
		Role:       storeMessageRole(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
		ToolCalls:  toolCalls,
	}
	if err := deps.Gateway.AppendMessage(ctx, orgID, sm); err != nil {
		deps.Log.Warn("execloop: append message failed", "step_id", stepID, "error", err)
		return
	}
	for i := range toolCalls {
		if err := deps.Gateway.CreateToolCall(ctx, orgID, &toolCalls[i]); err != nil {
			deps.Log.Warn("execloop: create tool call failed", "step_id", stepID, "tool_call_id", toolCalls[i].ID, "error", err)
		}
	}
}

func storeMessageRole(role string) store.MessageRole {
	switch role {
	case "system":
		return store.RoleSystem
	case "assistant":
		return store.RoleAssistant
	case "tool":
		return store.RoleTool
	default:
		return store.RoleUser
	}
}

func toolErrorMessage(toolCallID, errText string) llm.Message {
	return llm.Message{Role: "tool", ToolCallID: toolCallID, Content: fmt.Sprintf(`{"error":%q}`, errText)}
}

// checkAgentCallPreconditions enforces §4.6's depth-limit and
// circular-call rules before an agent: tool call reaches the router.
// Both failures are TOOL errors, not step failures.
func checkAgentCallPreconditions(deps Deps, req Request, target string) string {
	maxDepth := deps.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 10
	}
	if req.Depth+1 > maxDepth {
		return fmt.Sprintf("DepthLimit: calling %q would exceed max depth %d", target, maxDepth)
	}
	for _, caller := range req.CallStack {
		if caller == target {
			return fmt.Sprintf("CircularCall: agent %q already appears in the call stack", target)
		}
	}
	return ""
}

func mcpOrder(def *resolver.AgentDefinition) []string {
	order := make([]string, 0, len(def.MCPServers))
	for name := range def.MCPServers {
		order = append(order, name)
	}
	sort.Strings(order)
	return order
}

func mcpAllows(def *resolver.AgentDefinition) func(server, tool string) bool {
	return func(server, tool string) bool {
		access, ok := def.MCPServers[server]
		if !ok {
			return false
		}
		if access.AllTools {
			return true
		}
		for _, t := range access.Tools {
			if t == tool {
				return true
			}
		}
		return false
	}
}

// assembleContext builds the initial message list per §4.6: SYSTEM(prompt)
// followed, for FULL context scope, by a rendered RunData snapshot, then
// USER(input).
func assembleContext(ctx context.Context, gw store.Gateway, orgID, runID string, def *resolver.AgentDefinition, input string) ([]llm.Message, error) {
	messages := []llm.Message{{Role: "system", Content: def.SystemPrompt}}

	if def.ContextScope == resolver.ContextScopeFull {
		snapshot, err := renderMemorySnapshot(ctx, gw, orgID, runID)
		if err != nil {
			return nil, err
		}
		if snapshot != "" {
			messages = append(messages, llm.Message{Role: "system", Content: snapshot})
		}
	}

	messages = append(messages, llm.Message{Role: "user", Content: input})
	return messages, nil
}

func renderMemorySnapshot(ctx context.Context, gw store.Gateway, orgID, runID string) (string, error) {
	entries, err := gw.QueryRunData(ctx, orgID, runID, store.RunDataFilter{})
	if err != nil {
		return "", fmt.Errorf("read run data: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}
	var snapshot string
	for _, e := range entries {
		raw, err := json.Marshal(e.Value)
		if err != nil {
			continue
		}
		snapshot += fmt.Sprintf("%s: %s\n", e.Key, raw)
	}
	return snapshot, nil
}

func toolDefinitions(def *resolver.AgentDefinition) []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	defs = append(defs,
		llm.ToolDefinition{Name: toolrouter.ToolRunDataWrite, Description: "Write a key/value entry to run-scoped shared memory.", Parameters: runDataWriteSchema},
		llm.ToolDefinition{Name: toolrouter.ToolRunDataRead, Description: "Read the latest value for a run-scoped key.", Parameters: runDataReadSchema},
		llm.ToolDefinition{Name: toolrouter.ToolRunDataQuery, Description: "Query run-scoped entries by key prefix or tags.", Parameters: runDataQuerySchema},
		llm.ToolDefinition{Name: toolrouter.ToolRunDataList, Description: "List all run-scoped entries.", Parameters: runDataQuerySchema},
		llm.ToolDefinition{Name: toolrouter.ToolRunDataDelete, Description: "Delete run-scoped entries matching a key.", Parameters: runDataReadSchema},
	)
	for name := range def.AllowedAgents {
		if name == "*" {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        "agent:" + name,
			Description: fmt.Sprintf("Delegate a sub-task to the %q agent.", name),
			Parameters:  agentCallSchema,
		})
	}
	return defs
}

var (
	runDataWriteSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"key": map[string]any{"type": "string"}, "value": map[string]any{}, "tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}}},
		"required":   []any{"key", "value"},
	}
	runDataReadSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"key": map[string]any{"type": "string"}},
		"required":   []any{"key"},
	}
	runDataQuerySchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"key_prefix": map[string]any{"type": "string"}, "tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}}},
	}
	agentCallSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"message": map[string]any{"type": "string"}, "async": map[string]any{"type": "boolean"}},
		"required":   []any{"message"},
	}
)

func completeWithRetry(ctx context.Context, provider llm.Provider, req llm.Request, log *slog.Logger) (*llm.Response, error) {
	var lastErr error
	delay := 500 * time.Millisecond
	for attempt := 0; attempt < maxLLMRetries; attempt++ {
		resp, err := provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, llm.ErrRateLimited) && !errors.Is(err, llm.ErrProviderUnavailable) {
			return nil, err
		}
		log.Warn("execloop: retrying LLM completion", "attempt", attempt+1, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return nil, fmt.Errorf("llm call failed after %d attempts: %w", maxLLMRetries, lastErr)
}
