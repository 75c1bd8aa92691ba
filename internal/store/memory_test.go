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

package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryGateway_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()

	run := NewRun("org-1", json.RawMessage(`"hello"`), "user-1")
	require.NoError(t, g.CreateRun(ctx, run))

	got, err := g.GetRun(ctx, "org-1", run.ID)
	require.NoError(t, err)
	require.Equal(t, RunSubmitted, got.Status)

	got.Status = RunCompleted
	require.NoError(t, g.UpdateRun(ctx, got))

	reread, err := g.GetRun(ctx, "org-1", run.ID)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, reread.Status)
}

func TestMemoryGateway_GetRun_CrossTenantIsNotFound(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	run := NewRun("org-1", json.RawMessage(`"hi"`), "user-1")
	require.NoError(t, g.CreateRun(ctx, run))

	_, err := g.GetRun(ctx, "org-2", run.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryGateway_CreateStep_TenantMismatchOnWrongOrg(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	run := NewRun("org-1", json.RawMessage(`"hi"`), "user-1")
	require.NoError(t, g.CreateRun(ctx, run))

	step := NewStep(run.ID, nil, StepAgentExecution, 0, json.RawMessage(`"hi"`))
	err := g.CreateStep(ctx, "org-2", step)
	require.ErrorIs(t, err, ErrTenantMismatch)
}

func TestMemoryGateway_ListSteps_OrderedByDepth(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	run := NewRun("org-1", json.RawMessage(`"hi"`), "user-1")
	require.NoError(t, g.CreateRun(ctx, run))

	root := NewStep(run.ID, nil, StepAgentExecution, 0, json.RawMessage(`"hi"`))
	require.NoError(t, g.CreateStep(ctx, "org-1", root))
	child := NewStep(run.ID, &root.ID, StepAgentCall, 1, json.RawMessage(`"hi"`))
	require.NoError(t, g.CreateStep(ctx, "org-1", child))

	steps, err := g.ListSteps(ctx, "org-1", run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, 0, steps[0].Depth)
	require.Equal(t, 1, steps[1].Depth)
}

func TestMemoryGateway_AppendMessage_AssignsSequenceNumbers(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	run := NewRun("org-1", json.RawMessage(`"hi"`), "user-1")
	require.NoError(t, g.CreateRun(ctx, run))
	step := NewStep(run.ID, nil, StepAgentExecution, 0, json.RawMessage(`"hi"`))
	require.NoError(t, g.CreateStep(ctx, "org-1", step))

	require.NoError(t, g.AppendMessage(ctx, "org-1", &Message{StepID: step.ID, Role: RoleUser, Content: "hi"}))
	require.NoError(t, g.AppendMessage(ctx, "org-1", &Message{StepID: step.ID, Role: RoleAssistant, Content: "hello"}))

	msgs, err := g.ListMessages(ctx, "org-1", step.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, 0, msgs[0].SequenceNumber)
	require.Equal(t, 1, msgs[1].SequenceNumber)
}

func TestMemoryGateway_RunData_LatestWinsOnRead(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	run := NewRun("org-1", json.RawMessage(`"hi"`), "user-1")
	require.NoError(t, g.CreateRun(ctx, run))

	require.NoError(t, g.WriteRunData(ctx, "org-1", &RunData{RunID: run.ID, Key: "status", Value: json.RawMessage(`"v1"`)}))
	require.NoError(t, g.WriteRunData(ctx, "org-1", &RunData{RunID: run.ID, Key: "status", Value: json.RawMessage(`"v2"`)}))

	latest, err := g.ReadRunData(ctx, "org-1", run.ID, "status")
	require.NoError(t, err)
	require.JSONEq(t, `"v2"`, string(latest.Value))
}

func TestMemoryGateway_RunData_QueryFilterByTagsAndPrefix(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	run := NewRun("org-1", json.RawMessage(`"hi"`), "user-1")
	require.NoError(t, g.CreateRun(ctx, run))

	require.NoError(t, g.WriteRunData(ctx, "org-1", &RunData{RunID: run.ID, Key: "report/1", Value: json.RawMessage(`1`), Tags: []string{"final"}}))
	require.NoError(t, g.WriteRunData(ctx, "org-1", &RunData{RunID: run.ID, Key: "report/2", Value: json.RawMessage(`2`), Tags: []string{"draft"}}))
	require.NoError(t, g.WriteRunData(ctx, "org-1", &RunData{RunID: run.ID, Key: "other", Value: json.RawMessage(`3`), Tags: []string{"final"}}))

	matches, err := g.QueryRunData(ctx, "org-1", run.ID, RunDataFilter{KeyStartsWith: "report/", Tags: []string{"final"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "report/1", matches[0].Key)
}

func TestMemoryGateway_DeleteRunData_TombstonesEntries(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	run := NewRun("org-1", json.RawMessage(`"hi"`), "user-1")
	require.NoError(t, g.CreateRun(ctx, run))
	require.NoError(t, g.WriteRunData(ctx, "org-1", &RunData{RunID: run.ID, Key: "k", Value: json.RawMessage(`1`)}))

	n, err := g.DeleteRunData(ctx, "org-1", run.ID, "k")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := g.ReadRunData(ctx, "org-1", run.ID, "k")
	require.NoError(t, err)
	require.Nil(t, got)
}
