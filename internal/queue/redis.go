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

// Redis is a durable, cross-process TaskQueue backed by Redis Streams
// (XADD/XREADGROUP/XACK), standing in for the external "Foreman" service
// the spec describes only through the TaskQueue interface. Uses
// github.com/redis/go-redis/v9, carried over from goadesign-goa-ai's
// go.mod since the teacher itself has no durable-queue dependency.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	consumerGroup = "shaman-workers"

	// reclaimInterval is how often each stream's reclaimer sweeps the
	// consumer group's Pending Entries List for stale claims.
	reclaimInterval = 30 * time.Second
	// reclaimMinIdle is how long a message must sit unacknowledged in
	// another consumer's PEL before it's considered crash-abandoned.
	reclaimMinIdle = time.Minute
)

// Redis implements TaskQueue against a Redis Streams backend.
type Redis struct {
	client   *redis.Client
	log      *slog.Logger
	prefix   string
	connectRetry int
}

// NewRedis connects to addr, verifying reachability up to connectRetry
// attempts with exponential backoff capped at 10s (§4.1).
func NewRedis(ctx context.Context, addr, password string, db int, log *slog.Logger) (*Redis, error) {
	if log == nil {
		log = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	delay := 200 * time.Millisecond
	const connectRetry = 5
	var lastErr error
	for attempt := 1; attempt <= connectRetry; attempt++ {
		if err := client.Ping(ctx).Err(); err == nil {
			return &Redis{client: client, log: log, prefix: "shaman", connectRetry: connectRetry}, nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
	_ = lastErr
	return nil, ErrQueueUnavailable
}

func (r *Redis) streamKey(taskType string) string { return fmt.Sprintf("%s:stream:%s", r.prefix, taskType) }

type streamEnvelope struct {
	RunID    string            `json:"run_id"`
	StepID   string            `json:"step_id"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r *Redis) Enqueue(ctx context.Context, task TaskPayload) (string, error) {
	env := streamEnvelope{RunID: task.RunID, StepID: task.StepID, Payload: task.Payload, Metadata: task.Metadata}
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	delay := 200 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= r.connectRetry; attempt++ {
		id, err := r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: r.streamKey(task.TaskType),
			Values: map[string]any{"body": body},
		}).Result()
		if err == nil {
			return id, nil
		}
		lastErr = err
		if attempt == r.connectRetry {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
	return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, lastErr)
}

func (r *Redis) RegisterHandler(taskType string, concurrency int, policy RetryPolicy, handler Handler) error {
	ctx := context.Background()
	stream := r.streamKey(taskType)
	if err := r.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err(); err != nil {
		// BUSYGROUP means the group already exists, which is the steady
		// state after the first worker process registers it.
		if err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return err
		}
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		consumerName := fmt.Sprintf("worker-%d", i)
		go r.consume(stream, consumerName, policy, handler)
	}
	go r.reclaimLoop(stream, policy, handler)
	return nil
}

func (r *Redis) consume(stream, consumerName string, policy RetryPolicy, handler Handler) {
	ctx := context.Background()
	for {
		res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err != redis.Nil {
				r.log.Warn("queue: xreadgroup error", "stream", stream, "error", err)
				time.Sleep(time.Second)
			}
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				r.handleMessage(ctx, stream, msg, policy, handler)
			}
		}
	}
}

func (r *Redis) handleMessage(ctx context.Context, stream string, msg redis.XMessage, policy RetryPolicy, handler Handler) {
	body, _ := msg.Values["body"].(string)
	var env streamEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		r.log.Error("queue: malformed message, acking to drop", "stream", stream, "error", err)
		r.client.XAck(ctx, stream, consumerGroup, msg.ID)
		return
	}
	task := TaskPayload{RunID: env.RunID, StepID: env.StepID, Payload: env.Payload, Metadata: env.Metadata}

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	delay := policy.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome := handler(ctx, task)
		if outcome.Done {
			r.client.XAck(ctx, stream, consumerGroup, msg.ID)
			return
		}
		if !outcome.Retryable || attempt == maxAttempts {
			r.log.Error("queue: task failed terminally", "stream", stream, "step_id", task.StepID, "error", outcome.Err)
			r.client.XAck(ctx, stream, consumerGroup, msg.ID)
			return
		}
		time.Sleep(delay)
		delay *= 2
		if max := policy.MaxDelay; max > 0 && delay > max {
			delay = max
		}
	}
}

// reclaimLoop periodically claims PEL entries abandoned by a worker that
// crashed mid-handler, so they get reprocessed instead of sitting
// unacknowledged forever. Complements handleMessage's own retry-with-backoff,
// which only covers failures the handler itself returns from.
func (r *Redis) reclaimLoop(stream string, policy RetryPolicy, handler Handler) {
	ctx := context.Background()
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for range ticker.C {
		r.reclaimStale(ctx, stream, policy, handler)
	}
}

func (r *Redis) reclaimStale(ctx context.Context, stream string, policy RetryPolicy, handler Handler) {
	start := "0-0"
	for {
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    consumerGroup,
			Consumer: "reclaimer",
			MinIdle:  reclaimMinIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			if err != redis.Nil {
				r.log.Warn("queue: xautoclaim error", "stream", stream, "error", err)
			}
			return
		}
		for _, msg := range messages {
			r.handleMessage(ctx, stream, msg, policy, handler)
		}
		if len(messages) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}

func (r *Redis) Close() error { return r.client.Close() }
