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

import "context"

// RunDataFilter selects a subset of a Run's RunData entries.
type RunDataFilter struct {
	Key           string
	KeyStartsWith string
	Tags          []string // AND semantics
	Limit         int
	Offset        int
	SortBy        string // "created_at"
	SortOrder     string // "asc" | "desc"
}

// Gateway is the tenant-scoped Persistence Gateway (C2). Every method takes
// an explicit orgId and must enforce it as a predicate on the underlying
// storage, never trusting the caller-supplied id of the row alone.
type Gateway interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, orgID, runID string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error

	CreateStep(ctx context.Context, orgID string, step *Step) error
	GetStep(ctx context.Context, orgID, stepID string) (*Step, error)
	UpdateStep(ctx context.Context, orgID string, step *Step) error
	ListSteps(ctx context.Context, orgID, runID string) ([]*Step, error)

	AppendMessage(ctx context.Context, orgID string, msg *Message) error
	ListMessages(ctx context.Context, orgID, stepID string) ([]*Message, error)

	CreateToolCall(ctx context.Context, orgID string, tc *ToolCall) error

	WriteRunData(ctx context.Context, orgID string, rd *RunData) error
	ReadRunData(ctx context.Context, orgID, runID, key string) (*RunData, error)
	QueryRunData(ctx context.Context, orgID, runID string, filter RunDataFilter) ([]*RunData, error)
	DeleteRunData(ctx context.Context, orgID, runID, key string) (int, error)
}
