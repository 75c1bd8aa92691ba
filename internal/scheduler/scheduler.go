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

// Package scheduler is the Run Scheduler & Step Orchestrator (C7): turns
// a message/send into a Run and root Step, drives the Run-state
// completion rule, and projects Run status onto the external A2A Task
// state. Grounded on pkg/task/task.go's State/IsTerminal lattice and
// pkg/agent/task_service_sql.go's subscriber fan-out
// (subscribers map[string][]chan *pb.StreamResponse) for
// streamMessage/resubscribeTask.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaman-run/shaman/internal/a2a"
	"github.com/shaman-run/shaman/internal/queue"
	"github.com/shaman-run/shaman/internal/store"
)

// ErrTaskNotCancelable is returned by cancelTask when the Run already
// reached a terminal state.
var ErrTaskNotCancelable = errors.New("scheduler: task is not cancelable")

// ErrNotFound mirrors store.ErrNotFound at the scheduler boundary so
// callers don't need to import internal/store just to compare errors.
var ErrNotFound = store.ErrNotFound

// Update is one event emitted on a streamMessage/resubscribeTask sequence:
// either a Task snapshot (initial, or on a status transition) or a
// Message (an intermediate assistant/tool message worth surfacing live).
type Update struct {
	Task    *a2a.Task
	Message *a2a.Message
}

// Scheduler implements sendMessage/getTask/cancelTask/streamMessage/
// resubscribeTask (§4.7) over a store.Gateway and a queue.TaskQueue.
type Scheduler struct {
	gateway store.Gateway
	queue   queue.TaskQueue

	mu          sync.RWMutex
	subscribers map[string][]chan Update // keyed by run id (= task id)
}

// New constructs a Scheduler.
func New(gateway store.Gateway, q queue.TaskQueue) *Scheduler {
	return &Scheduler{
		gateway:     gateway,
		queue:       q,
		subscribers: make(map[string][]chan Update),
	}
}

// SendMessage validates params, creates a Run (SUBMITTED) and root Step
// (QUEUED), enqueues an agent-execution task keyed by the step id, and
// returns a Task handle whose id is the Run's id (not the root step's);
// GetTask, CancelTask and ResubscribeTask look the Task up by that Run id.
func (s *Scheduler) SendMessage(ctx context.Context, orgID, agentName, createdBy string, input string) (*a2a.Task, error) {
	if agentName == "" {
		return nil, fmt.Errorf("scheduler: agent name is required")
	}

	initialInput, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("scheduler: encode initial input: %w", err)
	}

	run := store.NewRun(orgID, initialInput, createdBy)
	if err := s.gateway.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	root := store.NewStep(run.ID, nil, store.StepAgentExecution, 0, initialInput)
	root.AgentName = agentName
	if err := s.gateway.CreateStep(ctx, orgID, root); err != nil {
		return nil, fmt.Errorf("create root step: %w", err)
	}

	payload := queue.TaskPayload{
		TaskType: "agent-execution",
		RunID:    run.ID,
		StepID:   root.ID,
		Metadata: map[string]string{"org_id": orgID, "agent_name": agentName},
	}
	if _, err := s.queue.Enqueue(ctx, payload); err != nil {
		return nil, fmt.Errorf("enqueue agent-execution: %w", err)
	}

	return s.projectTask(ctx, orgID, run)
}

// GetTask looks up a Run by id (scoped to tenant) and projects its status.
func (s *Scheduler) GetTask(ctx context.Context, orgID, taskID string) (*a2a.Task, error) {
	run, err := s.gateway.GetRun(ctx, orgID, taskID)
	if err != nil {
		return nil, err
	}
	return s.projectTask(ctx, orgID, run)
}

// CancelTask marks a non-terminal Run CANCELING; workers observe the flag
// at their next loop iteration. Terminal Runs fail with
// ErrTaskNotCancelable.
func (s *Scheduler) CancelTask(ctx context.Context, orgID, taskID string) (*a2a.Task, error) {
	run, err := s.gateway.GetRun(ctx, orgID, taskID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, ErrTaskNotCancelable
	}
	run.Status = store.RunCanceling
	if err := s.gateway.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	task, err := s.projectTask(ctx, orgID, run)
	if err != nil {
		return nil, err
	}
	s.broadcast(run.ID, Update{Task: task})
	return task, nil
}

// IsCanceling reports whether a Run has been marked for cancellation,
// satisfying execloop.CancelChecker.
func (s *Scheduler) IsCanceling(ctx context.Context, orgID, runID string) (bool, error) {
	run, err := s.gateway.GetRun(ctx, orgID, runID)
	if err != nil {
		return false, err
	}
	return run.Status == store.RunCanceling, nil
}

// StreamMessage behaves like SendMessage, but returns a channel emitting
// the initial Task followed by Run-level snapshots (a CANCELING snapshot
// from CancelTask and the terminal snapshot from OnStepTransition) until
// the Run reaches a terminal state or ctx is canceled. Individual step
// transitions and intermediate Messages are not emitted.
func (s *Scheduler) StreamMessage(ctx context.Context, orgID, agentName, createdBy, input string) (<-chan Update, error) {
	task, err := s.SendMessage(ctx, orgID, agentName, createdBy, input)
	if err != nil {
		return nil, err
	}
	return s.subscribe(ctx, orgID, task.ID, task), nil
}

// ResubscribeTask returns the current Task state and then mirrors
// subsequent updates; idempotent, and never duplicates an
// already-terminal event across two resubscriptions of the same task.
func (s *Scheduler) ResubscribeTask(ctx context.Context, orgID, taskID string) (<-chan Update, error) {
	task, err := s.GetTask(ctx, orgID, taskID)
	if err != nil {
		return nil, err
	}
	return s.subscribe(ctx, orgID, taskID, task), nil
}

func (s *Scheduler) subscribe(ctx context.Context, orgID, runID string, initial *a2a.Task) <-chan Update {
	out := make(chan Update, 16)
	out <- Update{Task: initial}

	if initial.Status.State.IsTerminal() {
		close(out)
		return out
	}

	s.mu.Lock()
	s.subscribers[runID] = append(s.subscribers[runID], out)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.unsubscribe(runID, out)
	}()

	return out
}

func (s *Scheduler) unsubscribe(runID string, ch chan Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subscribers[runID]
	for i, c := range subs {
		if c == ch {
			s.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// broadcast fans an Update out to every live subscriber of runID,
// mirroring task_service_sql.go's notifySubscribers, and closes +
// removes subscriber channels once a terminal event has been delivered.
func (s *Scheduler) broadcast(runID string, update Update) {
	s.mu.RLock()
	subs := append([]chan Update(nil), s.subscribers[runID]...)
	s.mu.RUnlock()

	terminal := update.Task != nil && update.Task.Status.State.IsTerminal()
	for _, ch := range subs {
		select {
		case ch <- update:
		default:
		}
		if terminal {
			close(ch)
		}
	}
	if terminal {
		s.mu.Lock()
		delete(s.subscribers, runID)
		s.mu.Unlock()
	}
}

// OnStepTransition implements §4.7's completion rule: called whenever a
// step transitions to a terminal state. If no step in the Run remains in
// {QUEUED, WORKING, BLOCKED_ON_DEPENDENCY, INPUT_REQUIRED}, the Run
// becomes COMPLETED (if every step is COMPLETED or CANCELED) or FAILED
// otherwise, with EndTime written in the same UpdateRun as the status
// (the duration is EndTime minus StartTime).
func (s *Scheduler) OnStepTransition(ctx context.Context, orgID, runID string) error {
	steps, err := s.gateway.ListSteps(ctx, orgID, runID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}

	allTerminal := true
	allSucceeded := true
	for _, step := range steps {
		switch step.Status {
		case store.StepQueued, store.StepWorking, store.StepBlockedOnDependency, store.StepInputRequired:
			allTerminal = false
		case store.StepCompleted, store.StepCanceled:
			// succeeded-or-canceled, consistent with COMPLETED
		default:
			allSucceeded = false
		}
	}
	if !allTerminal {
		return nil
	}

	run, err := s.gateway.GetRun(ctx, orgID, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run.Status.IsTerminal() {
		return nil
	}

	if allSucceeded {
		run.Status = store.RunCompleted
	} else {
		run.Status = store.RunFailed
	}
	now := time.Now()
	run.EndTime = &now
	if err := s.gateway.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	task, err := s.projectTask(ctx, orgID, run)
	if err != nil {
		return err
	}
	s.broadcast(runID, Update{Task: task})
	return nil
}

// projectTask maps a Run onto its externally visible A2A Task per §4.7's
// table, including the root step's conversation as Task.History so
// tasks/get callers can see what the agent said without a separate call.
func (s *Scheduler) projectTask(ctx context.Context, orgID string, run *store.Run) (*a2a.Task, error) {
	task := a2a.NewTask(run.ID, run.ID, projectState(run.Status))

	steps, err := s.gateway.ListSteps(ctx, orgID, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	var rootStepID string
	for _, step := range steps {
		if step.ParentStepID == nil {
			rootStepID = step.ID
			break
		}
	}
	if rootStepID == "" {
		return task, nil
	}

	messages, err := s.gateway.ListMessages(ctx, orgID, rootStepID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	task.History = projectHistory(messages)
	return task, nil
}

// projectHistory translates the execution loop's internal conversation
// (which also carries SYSTEM/TOOL turns for replay and audit) into the
// user/agent turns the A2A wire format exposes.
func projectHistory(messages []*store.Message) []a2a.Message {
	history := make([]a2a.Message, 0, len(messages))
	for _, m := range messages {
		role, ok := projectMessageRole(m.Role)
		if !ok {
			continue
		}
		history = append(history, *a2a.NewMessage(m.ID, role, a2a.TextPart(m.Content)))
	}
	return history
}

func projectMessageRole(role store.MessageRole) (a2a.MessageRole, bool) {
	switch role {
	case store.RoleUser:
		return a2a.RoleUser, true
	case store.RoleAssistant:
		return a2a.RoleAgent, true
	case store.RoleSystem:
		return a2a.RoleSystem, true
	default:
		return "", false
	}
}

func projectState(status store.RunStatus) a2a.TaskState {
	switch status {
	case store.RunSubmitted:
		return a2a.TaskStateSubmitted
	case store.RunWorking, store.RunBlockedOnDependency:
		return a2a.TaskStateWorking
	case store.RunInputRequired:
		return a2a.TaskStateInputRequired
	case store.RunCompleted:
		return a2a.TaskStateCompleted
	case store.RunFailed:
		return a2a.TaskStateFailed
	case store.RunCanceling, store.RunCanceled:
		return a2a.TaskStateCanceled
	case store.RunRejected:
		return a2a.TaskStateRejected
	default:
		return a2a.TaskStateSubmitted
	}
}
