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

package worker

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"testing"
	"time"

	"github.com/shaman-run/shaman/internal/execloop"
	"github.com/shaman-run/shaman/internal/llm"
	"github.com/shaman-run/shaman/internal/observability"
	"github.com/shaman-run/shaman/internal/queue"
	"github.com/shaman-run/shaman/internal/resolver"
	"github.com/shaman-run/shaman/internal/scheduler"
	"github.com/shaman-run/shaman/internal/store"
	"github.com/shaman-run/shaman/internal/toolrouter"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	responses []llm.Response
	calls     int
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	i := p.calls
	p.calls++
	if i >= len(p.responses) {
		return &p.responses[len(p.responses)-1], nil
	}
	resp := p.responses[i]
	return &resp, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request) iter.Seq2[llm.StreamChunk, error] {
	return func(yield func(llm.StreamChunk, error) bool) {}
}

func silentLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup(t *testing.T, defs map[string]*resolver.AgentDefinition, provider llm.Provider) (*Worker, *scheduler.Scheduler, store.Gateway, queue.TaskQueue) {
	t.Helper()
	gw := store.NewMemoryGateway()
	q := queue.NewLocal(silentLog())
	res := resolver.NewStatic()
	for name, def := range defs {
		def.Name = name
		res.Register("org-1", def)
	}
	reg := llm.NewRegistry(llm.DefaultRateTable())
	for _, def := range defs {
		reg.Register(def.Model, provider)
	}

	sched := scheduler.New(gw, q)
	deps := execloop.Deps{Gateway: gw, Models: reg, Resolver: res, Log: silentLog(), MaxDepth: 10}
	w := New(deps, sched, q, &observability.Manager{})
	router := toolrouter.New(gw, nil, NewAgentCaller(w))
	w.SetRouter(router)
	require.NoError(t, w.RegisterHandler(1))

	return w, sched, gw, q
}

func TestWorker_HandlesAgentExecutionToCompletion(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.Response{{Content: "final answer", FinishReason: llm.FinishStop}}}
	_, sched, gw, _ := setup(t, map[string]*resolver.AgentDefinition{
		"researcher": {Model: "test-model", MaxIterations: 3},
	}, provider)

	task, err := sched.SendMessage(context.Background(), "org-1", "researcher", "user-1", "hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := gw.GetRun(context.Background(), "org-1", task.ID)
		require.NoError(t, err)
		return run.Status == store.RunCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_RedeliveryOfTerminalStepIsNoop(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.Response{{Content: "done", FinishReason: llm.FinishStop}}}
	w, sched, gw, _ := setup(t, map[string]*resolver.AgentDefinition{
		"researcher": {Model: "test-model", MaxIterations: 3},
	}, provider)

	task, err := sched.SendMessage(context.Background(), "org-1", "researcher", "user-1", "hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := gw.GetRun(context.Background(), "org-1", task.ID)
		require.NoError(t, err)
		return run.Status == store.RunCompleted
	}, 2*time.Second, 5*time.Millisecond)

	steps, err := gw.ListSteps(context.Background(), "org-1", task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	outcome := w.handle(context.Background(), queue.TaskPayload{
		RunID: task.ID, StepID: steps[0].ID,
		Metadata: map[string]string{"org_id": "org-1", "agent_name": "researcher"},
	})
	require.True(t, outcome.Done)
	require.Equal(t, 1, provider.calls)
}

func TestNewAgentCaller_SynchronousChildStepIsAgentCallType(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.Response{
		{FinishReason: llm.FinishToolCalls, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "agent:writer", Arguments: `{"message":"draft it"}`}}},
		{Content: "writer says hi", FinishReason: llm.FinishStop},
		{Content: "researcher done", FinishReason: llm.FinishStop},
	}}
	_, sched, gw, _ := setup(t, map[string]*resolver.AgentDefinition{
		"researcher": {Model: "test-model", MaxIterations: 3, AllowedAgents: map[string]struct{}{"writer": {}}},
		"writer":     {Model: "test-model", MaxIterations: 3},
	}, provider)

	task, err := sched.SendMessage(context.Background(), "org-1", "researcher", "user-1", "hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := gw.GetRun(context.Background(), "org-1", task.ID)
		require.NoError(t, err)
		return run.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)

	steps, err := gw.ListSteps(context.Background(), "org-1", task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, store.StepAgentCall, steps[1].Type)
	require.Equal(t, 1, steps[1].Depth)
}
