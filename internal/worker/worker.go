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

// Package worker is the dequeue-side of an agent-execution task: it loads
// a Step, drives it through internal/execloop.Execute, persists the
// result, and notifies internal/scheduler of the transition. It also
// builds the toolrouter.AgentCaller closure that wires recursive
// "agent:<name>" calls back into the same queue/execloop machinery via a
// child AGENT_CALL step, either synchronously (in-process, blocking until
// the child step is terminal) or asynchronously (re-enqueued as a sibling
// task, returning immediately). No direct teacher analogue — the teacher
// runs agents
// in-process rather than over a durable queue (see internal/queue's
// package doc) — grounded instead on how pkg/agent/llmagent/flow.go
// transitions a task's status around a Flow.Run call, adapted to this
// module's queue-mediated execution.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shaman-run/shaman/internal/execloop"
	"github.com/shaman-run/shaman/internal/observability"
	"github.com/shaman-run/shaman/internal/queue"
	"github.com/shaman-run/shaman/internal/scheduler"
	"github.com/shaman-run/shaman/internal/store"
	"github.com/shaman-run/shaman/internal/toolrouter"
)

// Worker dequeues agent-execution tasks and drives them to completion.
type Worker struct {
	deps      execloop.Deps
	scheduler *scheduler.Scheduler
	queue     queue.TaskQueue
	obs       *observability.Manager
}

// New constructs a Worker. deps.Router must already be wired with the
// AgentCaller this package's NewAgentCaller builds (see cmd/shamand for
// the wiring order: NewAgentCaller needs a *Worker, and Deps.Router needs
// the AgentCaller, so the Router is attached to deps after construction).
func New(deps execloop.Deps, sched *scheduler.Scheduler, q queue.TaskQueue, obs *observability.Manager) *Worker {
	return &Worker{deps: deps, scheduler: sched, queue: q, obs: obs}
}

// SetRouter finalizes wiring once the toolrouter.Router carrying this
// worker's own AgentCaller has been constructed (NewAgentCaller needs a
// *Worker before the Router exists, so this breaks the cycle: build the
// Worker, build the Router from NewAgentCaller(worker), then call
// SetRouter before RegisterHandler).
func (w *Worker) SetRouter(router *toolrouter.Router) {
	w.deps.Router = router
}

// RegisterHandler wires this worker's handle method into q under
// the "agent-execution" task type, per §4.1's default retry policy.
func (w *Worker) RegisterHandler(concurrency int) error {
	return w.queue.RegisterHandler("agent-execution", concurrency, queue.DefaultAgentStepRetryPolicy(), w.handle)
}

func (w *Worker) handle(ctx context.Context, task queue.TaskPayload) queue.Outcome {
	orgID := task.Metadata["org_id"]
	agentName := task.Metadata["agent_name"]

	step, err := w.deps.Gateway.GetStep(ctx, orgID, task.StepID)
	if err != nil {
		return queue.Fail(fmt.Errorf("worker: load step %s: %w", task.StepID, err), false)
	}
	if step.Status.IsTerminal() {
		// Redelivery of an already-finished step: at-least-once queues
		// must treat this as a no-op, not an error (internal/queue's
		// Handler contract).
		return queue.Done(step.Output)
	}

	now := time.Now()
	step.Status = store.StepWorking
	step.StartTime = &now
	if err := w.deps.Gateway.UpdateStep(ctx, orgID, step); err != nil {
		return queue.Fail(fmt.Errorf("worker: mark step working: %w", err), true)
	}

	if w.obs.Metrics() != nil {
		w.obs.Metrics().RecordRunStarted(ctx, orgID, agentName)
	}

	callStack, depth := callStackOf(step)
	result := execloop.Execute(ctx, w.deps, execloop.Request{
		OrgID:     orgID,
		RunID:     task.RunID,
		StepID:    task.StepID,
		AgentName: agentName,
		Input:     inputText(step.Input),
		Depth:     depth,
		CallStack: callStack,
	})

	end := time.Now()
	step.Status = result.Status
	step.Error = result.Error
	step.PromptTokens = result.PromptTokens
	step.CompletionTokens = result.CompletionTokens
	step.Cost = result.Cost
	step.EndTime = &end
	if result.Output != "" {
		step.Output, _ = json.Marshal(result.Output)
	}
	if err := w.deps.Gateway.UpdateStep(ctx, orgID, step); err != nil {
		return queue.Fail(fmt.Errorf("worker: persist step result: %w", err), true)
	}

	if w.obs.Metrics() != nil {
		w.obs.Metrics().RecordRunCompleted(ctx, orgID, result.Status == store.StepCompleted)
	}

	if err := w.scheduler.OnStepTransition(ctx, orgID, task.RunID); err != nil {
		w.deps.Log.Warn("worker: step transition notify failed", "run_id", task.RunID, "error", err)
	}

	if result.Status == store.StepFailed {
		return queue.Fail(fmt.Errorf("%s", result.Error), false)
	}
	return queue.Done(step.Output)
}

// callStackOf reconstructs the agent-name call stack and DAG depth from a
// step's metadata, populated by NewAgentCaller when it creates a child
// step (§4.6's circular-call detection needs this on every resumption,
// not just the initial dispatch).
func callStackOf(step *store.Step) ([]string, int) {
	if raw, ok := step.Metadata["call_stack"]; ok {
		// NewAgentCaller stores a []string; a JSON-backed gateway hands
		// the same value back as []any.
		if list, ok := raw.([]string); ok {
			return append([]string(nil), list...), step.Depth
		}
		if list, ok := raw.([]any); ok {
			stack := make([]string, 0, len(list))
			for _, v := range list {
				if s, ok := v.(string); ok {
					stack = append(stack, s)
				}
			}
			return stack, step.Depth
		}
	}
	return nil, step.Depth
}

func inputText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// NewAgentCaller builds the toolrouter.AgentCaller this worker's Deps.Router
// should be constructed with. Agent-to-agent dispatch allocates a child
// AGENT_CALL step (not AGENT_EXECUTION — that type is reserved for the
// actual agent run a Run's message/send kicks off) at the caller's
// depth+1, per §3's Step type enum. The AGENT_CALL step stands in for the
// internal A2A message/send the spec describes: since the worker and the
// scheduler it calls into are always co-located in the same shamand
// process, driving this step through execloop.Execute in-process achieves
// the same externally observable contract (a new unit of work is created,
// a synchronous caller blocks until it reaches a terminal state, an async
// caller gets the new step id back immediately) without an unnecessary
// HTTP loopback to this same process. A future cross-node AgentCaller
// backed by internal/a2aclient can target agents hosted elsewhere without
// changing this contract.
func NewAgentCaller(w *Worker) toolrouter.AgentCaller {
	return func(ctx context.Context, ec toolrouter.ExecutionContext, targetAgent string, message json.RawMessage, async bool) (toolrouter.ToolResult, error) {
		callerStep, err := w.deps.Gateway.GetStep(ctx, ec.OrgID, ec.StepID)
		if err != nil {
			return toolrouter.ToolResult{}, fmt.Errorf("agent caller: load caller step: %w", err)
		}
		callStack, _ := callStackOf(callerStep)
		callStack = append(append([]string{}, callStack...), ec.AgentName)

		var input string
		if err := json.Unmarshal(message, &input); err != nil {
			input = string(message)
		}

		inputJSON, err := json.Marshal(input)
		if err != nil {
			return toolrouter.ToolResult{}, fmt.Errorf("agent caller: encode input: %w", err)
		}

		child := store.NewStep(ec.RunID, &ec.StepID, store.StepAgentCall, ec.Depth+1, inputJSON)
		child.AgentName = targetAgent
		child.Metadata["call_stack"] = callStack
		if err := w.deps.Gateway.CreateStep(ctx, ec.OrgID, child); err != nil {
			return toolrouter.ToolResult{}, fmt.Errorf("agent caller: create child step: %w", err)
		}

		if async {
			if _, err := w.queue.Enqueue(ctx, queue.TaskPayload{
				TaskType: "agent-execution",
				RunID:    ec.RunID,
				StepID:   child.ID,
				Metadata: map[string]string{"org_id": ec.OrgID, "agent_name": targetAgent},
			}); err != nil {
				return toolrouter.ToolResult{}, fmt.Errorf("agent caller: enqueue child step: %w", err)
			}
			out, _ := json.Marshal(map[string]string{"step_id": child.ID, "status": "queued"})
			return toolrouter.ToolResult{Success: true, Output: out, Kind: toolrouter.KindAgent}, nil
		}

		now := time.Now()
		child.Status = store.StepWorking
		child.StartTime = &now
		if err := w.deps.Gateway.UpdateStep(ctx, ec.OrgID, child); err != nil {
			return toolrouter.ToolResult{}, fmt.Errorf("agent caller: mark child working: %w", err)
		}

		result := execloop.Execute(ctx, w.deps, execloop.Request{
			OrgID:     ec.OrgID,
			RunID:     ec.RunID,
			StepID:    child.ID,
			AgentName: targetAgent,
			Input:     input,
			Depth:     ec.Depth + 1,
			CallStack: callStack,
		})

		end := time.Now()
		child.Status = result.Status
		child.Error = result.Error
		child.PromptTokens = result.PromptTokens
		child.CompletionTokens = result.CompletionTokens
		child.Cost = result.Cost
		child.EndTime = &end
		if result.Output != "" {
			child.Output, _ = json.Marshal(result.Output)
		}
		if err := w.deps.Gateway.UpdateStep(ctx, ec.OrgID, child); err != nil {
			return toolrouter.ToolResult{}, fmt.Errorf("agent caller: persist child step: %w", err)
		}
		if err := w.scheduler.OnStepTransition(ctx, ec.OrgID, ec.RunID); err != nil {
			w.deps.Log.Warn("agent caller: step transition notify failed", "run_id", ec.RunID, "error", err)
		}

		if result.Status != store.StepCompleted {
			return toolrouter.ToolResult{Success: false, Error: result.Error, Kind: toolrouter.KindAgent}, nil
		}
		return toolrouter.ToolResult{Success: true, Output: child.Output, Kind: toolrouter.KindAgent}, nil
	}
}
