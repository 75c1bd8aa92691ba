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

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shaman-run/shaman/internal/a2a"
	"github.com/shaman-run/shaman/internal/queue"
	"github.com/shaman-run/shaman/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) queue.TaskQueue {
	t.Helper()
	q := queue.NewLocal(nil)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestSendMessage_CreatesRunAndRootStep(t *testing.T) {
	gw := store.NewMemoryGateway()
	q := newTestQueue(t)
	require.NoError(t, q.RegisterHandler("agent-execution", 1, queue.DefaultAgentStepRetryPolicy(), func(ctx context.Context, task queue.TaskPayload) queue.Outcome {
		return queue.Done(nil)
	}))

	s := New(gw, q)
	task, err := s.SendMessage(context.Background(), "org-1", "researcher", "user-1", "hello")
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateSubmitted, task.Status.State)

	run, err := gw.GetRun(context.Background(), "org-1", task.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSubmitted, run.Status)

	steps, err := gw.ListSteps(context.Background(), "org-1", task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, store.StepAgentExecution, steps[0].Type)
}

func TestGetTask_ProjectsRootStepMessagesAsHistory(t *testing.T) {
	gw := store.NewMemoryGateway()
	q := newTestQueue(t)
	require.NoError(t, q.RegisterHandler("agent-execution", 1, queue.DefaultAgentStepRetryPolicy(), func(ctx context.Context, task queue.TaskPayload) queue.Outcome {
		return queue.Done(nil)
	}))

	s := New(gw, q)
	sent, err := s.SendMessage(context.Background(), "org-1", "researcher", "user-1", "hello")
	require.NoError(t, err)

	steps, err := gw.ListSteps(context.Background(), "org-1", sent.ID)
	require.NoError(t, err)
	rootStepID := steps[0].ID

	require.NoError(t, gw.AppendMessage(context.Background(), "org-1", &store.Message{StepID: rootStepID, Role: store.RoleSystem, Content: "be helpful"}))
	require.NoError(t, gw.AppendMessage(context.Background(), "org-1", &store.Message{StepID: rootStepID, Role: store.RoleUser, Content: "hello"}))
	require.NoError(t, gw.AppendMessage(context.Background(), "org-1", &store.Message{StepID: rootStepID, Role: store.RoleTool, Content: `{"ok":true}`}))
	require.NoError(t, gw.AppendMessage(context.Background(), "org-1", &store.Message{StepID: rootStepID, Role: store.RoleAssistant, Content: "hi there"}))

	task, err := s.GetTask(context.Background(), "org-1", sent.ID)
	require.NoError(t, err)
	require.Len(t, task.History, 3)
	require.Equal(t, a2a.RoleSystem, task.History[0].Role)
	require.Equal(t, a2a.RoleUser, task.History[1].Role)
	require.Equal(t, a2a.RoleAgent, task.History[2].Role)
	require.Equal(t, "hi there", task.History[2].Parts[0].Text)
}

func TestSendMessage_RequiresAgentName(t *testing.T) {
	gw := store.NewMemoryGateway()
	q := newTestQueue(t)
	s := New(gw, q)
	_, err := s.SendMessage(context.Background(), "org-1", "", "user-1", "hello")
	require.Error(t, err)
}

func TestCancelTask_MarksCanceling(t *testing.T) {
	gw := store.NewMemoryGateway()
	q := newTestQueue(t)
	require.NoError(t, q.RegisterHandler("agent-execution", 1, queue.DefaultAgentStepRetryPolicy(), func(ctx context.Context, task queue.TaskPayload) queue.Outcome {
		return queue.Done(nil)
	}))
	s := New(gw, q)
	task, err := s.SendMessage(context.Background(), "org-1", "researcher", "user-1", "hello")
	require.NoError(t, err)

	canceled, err := s.CancelTask(context.Background(), "org-1", task.ID)
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateCanceled, canceled.Status.State)

	isCanceling, err := s.IsCanceling(context.Background(), "org-1", task.ID)
	require.NoError(t, err)
	require.True(t, isCanceling)
}

func TestCancelTask_AlreadyTerminalIsRejected(t *testing.T) {
	gw := store.NewMemoryGateway()
	q := newTestQueue(t)
	run := store.NewRun("org-1", []byte(`"hi"`), "user-1")
	run.Status = store.RunCompleted
	require.NoError(t, gw.CreateRun(context.Background(), run))

	s := New(gw, q)
	_, err := s.CancelTask(context.Background(), "org-1", run.ID)
	require.ErrorIs(t, err, ErrTaskNotCancelable)
}

func TestOnStepTransition_CompletesRunWhenAllStepsDone(t *testing.T) {
	gw := store.NewMemoryGateway()
	q := newTestQueue(t)
	s := New(gw, q)

	run := store.NewRun("org-1", []byte(`"hi"`), "user-1")
	require.NoError(t, gw.CreateRun(context.Background(), run))
	step := store.NewStep(run.ID, nil, store.StepAgentExecution, 0, []byte(`"hi"`))
	step.Status = store.StepCompleted
	require.NoError(t, gw.CreateStep(context.Background(), "org-1", step))

	require.NoError(t, s.OnStepTransition(context.Background(), "org-1", run.ID))

	got, err := gw.GetRun(context.Background(), "org-1", run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, got.Status)
}

func TestOnStepTransition_FailsRunWhenAnyStepFailed(t *testing.T) {
	gw := store.NewMemoryGateway()
	q := newTestQueue(t)
	s := New(gw, q)

	run := store.NewRun("org-1", []byte(`"hi"`), "user-1")
	require.NoError(t, gw.CreateRun(context.Background(), run))
	step := store.NewStep(run.ID, nil, store.StepAgentExecution, 0, []byte(`"hi"`))
	step.Status = store.StepFailed
	require.NoError(t, gw.CreateStep(context.Background(), "org-1", step))

	require.NoError(t, s.OnStepTransition(context.Background(), "org-1", run.ID))

	got, err := gw.GetRun(context.Background(), "org-1", run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)
}

func TestOnStepTransition_NoopWhileStepsStillPending(t *testing.T) {
	gw := store.NewMemoryGateway()
	q := newTestQueue(t)
	s := New(gw, q)

	run := store.NewRun("org-1", []byte(`"hi"`), "user-1")
	require.NoError(t, gw.CreateRun(context.Background(), run))
	step := store.NewStep(run.ID, nil, store.StepAgentExecution, 0, []byte(`"hi"`))
	require.NoError(t, gw.CreateStep(context.Background(), "org-1", step)) // still QUEUED

	require.NoError(t, s.OnStepTransition(context.Background(), "org-1", run.ID))

	got, err := gw.GetRun(context.Background(), "org-1", run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSubmitted, got.Status)
}

func TestStreamMessage_EmitsInitialThenTerminalUpdate(t *testing.T) {
	gw := store.NewMemoryGateway()
	q := newTestQueue(t)
	require.NoError(t, q.RegisterHandler("agent-execution", 1, queue.DefaultAgentStepRetryPolicy(), func(ctx context.Context, task queue.TaskPayload) queue.Outcome {
		return queue.Done(nil)
	}))
	s := New(gw, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := s.StreamMessage(ctx, "org-1", "researcher", "user-1", "hello")
	require.NoError(t, err)

	first := <-updates
	require.NotNil(t, first.Task)
	require.Equal(t, a2a.TaskStateSubmitted, first.Task.Status.State)

	steps, err := gw.ListSteps(context.Background(), "org-1", first.Task.ID)
	require.NoError(t, err)
	step := steps[0]
	step.Status = store.StepCompleted
	require.NoError(t, gw.UpdateStep(context.Background(), "org-1", step))
	require.NoError(t, s.OnStepTransition(context.Background(), "org-1", first.Task.ID))

	select {
	case update := <-updates:
		require.NotNil(t, update.Task)
		require.Equal(t, a2a.TaskStateCompleted, update.Task.Status.State)
	case <-time.After(time.Second):
		t.Fatal("did not receive terminal update")
	}
}
