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

package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocal_EnqueueDeliversToHandler(t *testing.T) {
	l := NewLocal(nil)
	defer l.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var got TaskPayload
	require.NoError(t, l.RegisterHandler("agent-execution", 1, DefaultAgentStepRetryPolicy(), func(ctx context.Context, task TaskPayload) Outcome {
		got = task
		wg.Done()
		return Done([]byte("ok"))
	}))

	id, err := l.Enqueue(context.Background(), TaskPayload{TaskType: "agent-execution", RunID: "run-1", StepID: "step-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	wg.Wait()
	require.Equal(t, "run-1", got.RunID)
}

func TestLocal_EnqueueUnknownTaskType(t *testing.T) {
	l := NewLocal(nil)
	defer l.Close()

	_, err := l.Enqueue(context.Background(), TaskPayload{TaskType: "does-not-exist"})
	require.Error(t, err)
}

func TestLocal_RetriesRetryableFailures(t *testing.T) {
	l := NewLocal(nil)
	defer l.Close()

	var attempts int32
	done := make(chan struct{})
	require.NoError(t, l.RegisterHandler("flaky", 1, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func(ctx context.Context, task TaskPayload) Outcome {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return Fail(errors.New("transient"), true)
		}
		close(done)
		return Done(nil)
	}))

	_, err := l.Enqueue(context.Background(), TaskPayload{TaskType: "flaky"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not complete after retries")
	}
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestLocal_DoesNotRetryNonRetryableFailure(t *testing.T) {
	l := NewLocal(nil)
	defer l.Close()

	var attempts int32
	done := make(chan struct{})
	require.NoError(t, l.RegisterHandler("fatal", 1, DefaultAgentStepRetryPolicy(), func(ctx context.Context, task TaskPayload) Outcome {
		atomic.AddInt32(&attempts, 1)
		close(done)
		return Fail(errors.New("permanent"), false)
	}))

	_, err := l.Enqueue(context.Background(), TaskPayload{TaskType: "fatal"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestLocal_RegisterHandler_RejectsDuplicateTaskType(t *testing.T) {
	l := NewLocal(nil)
	defer l.Close()

	noop := func(ctx context.Context, task TaskPayload) Outcome { return Done(nil) }
	require.NoError(t, l.RegisterHandler("dup", 1, DefaultAgentStepRetryPolicy(), noop))
	err := l.RegisterHandler("dup", 1, DefaultAgentStepRetryPolicy(), noop)
	require.Error(t, err)
}
