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

// Package queue is the Task Queue Adapter (C1): at-least-once durable
// delivery of step-execution tasks. RunData itself lives entirely in
// internal/store's Gateway (C2) — the execution loop and tool router read
// and write it straight through the gateway, so this package only needs
// TaskQueue. The interfaces here have no direct teacher analogue (the
// teacher runs agents in-process) and are shaped directly from the external
// "Foreman" contract the core is specified against; Local and Redis supply
// two concrete implementations of it.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrQueueUnavailable is returned by Enqueue once connect_retry attempts
// are exhausted against an unreachable backend.
var ErrQueueUnavailable = errors.New("queue: backend unavailable")

// TaskPayload is the opaque body of a queued task.
type TaskPayload struct {
	TaskType string
	RunID    string
	StepID   string
	Payload  []byte
	Metadata map[string]string
}

// Outcome is what a Handler returns once it finishes processing a task.
type Outcome struct {
	Done      bool
	Output    []byte
	Err       error
	Retryable bool
}

// Done builds a successful Outcome.
func Done(output []byte) Outcome { return Outcome{Done: true, Output: output} }

// Fail builds a failed Outcome, retryable or not.
func Fail(err error, retryable bool) Outcome { return Outcome{Err: err, Retryable: retryable} }

// Handler processes one dequeued task and returns its outcome.
type Handler func(ctx context.Context, task TaskPayload) Outcome

// RetryPolicy governs how a task type is retried on retryable failure.
type RetryPolicy struct {
	MaxAttempts int // default 3 for agent steps, 10 for polling tasks
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultAgentStepRetryPolicy matches §4.1's default for agent-execution
// step tasks.
func DefaultAgentStepRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// DefaultPollingRetryPolicy matches §4.1's default for polling tasks.
func DefaultPollingRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// TaskQueue is the durable at-least-once queue abstraction the scheduler
// (C7) enqueues agent-execution tasks into and workers dequeue from.
// Handlers MUST be idempotent on StepID: redelivery is a no-op, not an
// error, since the queue only guarantees at-least-once delivery.
type TaskQueue interface {
	// Enqueue persists and schedules a task, returning synchronously once
	// durably accepted. Returns ErrQueueUnavailable after connect_retry
	// attempts against an unreachable backend.
	Enqueue(ctx context.Context, task TaskPayload) (taskID string, err error)

	// RegisterHandler starts concurrency consumers for taskType, retrying
	// retryable failures per policy before surfacing a terminal failure.
	RegisterHandler(taskType string, concurrency int, policy RetryPolicy, handler Handler) error

	// Close stops all consumers and releases backend resources.
	Close() error
}
