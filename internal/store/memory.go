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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryGateway is an in-process Gateway implementation, grounded on the
// teacher's pkg/task.InMemoryService. It is suitable for tests and for
// single-process deployments that don't need durable persistence.
type MemoryGateway struct {
	mu       sync.RWMutex
	runs     map[string]*Run
	steps    map[string]*Step
	messages map[string][]*Message // stepID -> ordered messages
	runData  map[string][]*RunData // runID -> entries, append order
}

// NewMemoryGateway constructs an empty MemoryGateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		runs:     make(map[string]*Run),
		steps:    make(map[string]*Step),
		messages: make(map[string][]*Message),
		runData:  make(map[string][]*RunData),
	}
}

func (g *MemoryGateway) CreateRun(_ context.Context, run *Run) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.runs[run.ID]; ok {
		return ErrConflict
	}
	cp := *run
	g.runs[run.ID] = &cp
	return nil
}

func (g *MemoryGateway) GetRun(_ context.Context, orgID, runID string) (*Run, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	run, ok := g.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if run.OrgID != orgID {
		// Cross-tenant reads surface as NotFound, never TenantMismatch,
		// to avoid enumeration at the RPC boundary (§4.7). Callers that
		// need the fatal distinction use TenantMismatch directly (writes).
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (g *MemoryGateway) UpdateRun(_ context.Context, run *Run) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, ok := g.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.OrgID != run.OrgID {
		return ErrTenantMismatch
	}
	cp := *run
	g.runs[run.ID] = &cp
	return nil
}

func (g *MemoryGateway) CreateStep(_ context.Context, orgID string, step *Step) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.runs[step.RunID]
	if !ok || run.OrgID != orgID {
		return ErrTenantMismatch
	}
	if _, ok := g.steps[step.ID]; ok {
		return ErrConflict
	}
	cp := *step
	g.steps[step.ID] = &cp
	return nil
}

func (g *MemoryGateway) GetStep(_ context.Context, orgID, stepID string) (*Step, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	step, ok := g.steps[stepID]
	if !ok {
		return nil, ErrNotFound
	}
	run, ok := g.runs[step.RunID]
	if !ok || run.OrgID != orgID {
		return nil, ErrNotFound
	}
	cp := *step
	return &cp, nil
}

func (g *MemoryGateway) UpdateStep(_ context.Context, orgID string, step *Step) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, ok := g.steps[step.ID]
	if !ok {
		return ErrNotFound
	}
	run, ok := g.runs[existing.RunID]
	if !ok || run.OrgID != orgID {
		return ErrTenantMismatch
	}
	cp := *step
	g.steps[step.ID] = &cp
	return nil
}

func (g *MemoryGateway) ListSteps(_ context.Context, orgID, runID string) ([]*Step, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	run, ok := g.runs[runID]
	if !ok || run.OrgID != orgID {
		return nil, ErrNotFound
	}
	var result []*Step
	for _, s := range g.steps {
		if s.RunID == runID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Depth < result[j].Depth })
	return result, nil
}

func (g *MemoryGateway) AppendMessage(_ context.Context, orgID string, msg *Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	step, ok := g.steps[msg.StepID]
	if !ok {
		return ErrNotFound
	}
	run, ok := g.runs[step.RunID]
	if !ok || run.OrgID != orgID {
		return ErrTenantMismatch
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	existing := g.messages[msg.StepID]
	msg.SequenceNumber = len(existing)
	cp := *msg
	g.messages[msg.StepID] = append(existing, &cp)
	return nil
}

func (g *MemoryGateway) ListMessages(_ context.Context, orgID, stepID string) ([]*Message, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	step, ok := g.steps[stepID]
	if !ok {
		return nil, ErrNotFound
	}
	run, ok := g.runs[step.RunID]
	if !ok || run.OrgID != orgID {
		return nil, ErrNotFound
	}
	msgs := g.messages[stepID]
	result := make([]*Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		result[i] = &cp
	}
	return result, nil
}

func (g *MemoryGateway) CreateToolCall(_ context.Context, orgID string, tc *ToolCall) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	step, ok := g.steps[tc.StepID]
	if !ok {
		return ErrNotFound
	}
	run, ok := g.runs[step.RunID]
	if !ok || run.OrgID != orgID {
		return ErrTenantMismatch
	}
	// Tool calls are denormalized onto the assistant message that issued
	// them by the execution loop; this in-memory gateway only checks tenant
	// ownership and keeps no separate tool-call record.
	return nil
}

func (g *MemoryGateway) WriteRunData(_ context.Context, orgID string, rd *RunData) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.runs[rd.RunID]
	if !ok || run.OrgID != orgID {
		return ErrTenantMismatch
	}
	if rd.ID == "" {
		rd.ID = uuid.NewString()
	}
	if rd.CreatedAt.IsZero() {
		rd.CreatedAt = time.Now()
	}
	cp := *rd
	g.runData[rd.RunID] = append(g.runData[rd.RunID], &cp)
	return nil
}

// ReadRunData returns the latest (by created_at, ties broken by id)
// non-tombstoned entry for key.
func (g *MemoryGateway) ReadRunData(_ context.Context, orgID, runID, key string) (*RunData, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	run, ok := g.runs[runID]
	if !ok || run.OrgID != orgID {
		return nil, ErrNotFound
	}
	var latest *RunData
	for _, rd := range g.runData[runID] {
		if rd.Key != key || rd.DeletedAt != nil {
			continue
		}
		if latest == nil || rd.CreatedAt.After(latest.CreatedAt) ||
			(rd.CreatedAt.Equal(latest.CreatedAt) && rd.ID > latest.ID) {
			latest = rd
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (g *MemoryGateway) QueryRunData(_ context.Context, orgID, runID string, filter RunDataFilter) ([]*RunData, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	run, ok := g.runs[runID]
	if !ok || run.OrgID != orgID {
		return nil, ErrNotFound
	}
	var matches []*RunData
	for _, rd := range g.runData[runID] {
		if rd.DeletedAt != nil {
			continue
		}
		if filter.Key != "" && rd.Key != filter.Key {
			continue
		}
		if filter.KeyStartsWith != "" && !strings.HasPrefix(rd.Key, filter.KeyStartsWith) {
			continue
		}
		if len(filter.Tags) > 0 && !hasAllTags(rd.Tags, filter.Tags) {
			continue
		}
		cp := *rd
		matches = append(matches, &cp)
	}
	sort.Slice(matches, func(i, j int) bool {
		if filter.SortOrder == "asc" {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if filter.Offset > 0 && filter.Offset < len(matches) {
		matches = matches[filter.Offset:]
	} else if filter.Offset >= len(matches) {
		matches = nil
	}
	if filter.Limit > 0 && filter.Limit < len(matches) {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// DeleteRunData tombstones every non-deleted entry for key, per DESIGN.md's
// open-question decision to soft-delete and preserve RunData's append-only
// storage model.
func (g *MemoryGateway) DeleteRunData(_ context.Context, orgID, runID, key string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.runs[runID]
	if !ok || run.OrgID != orgID {
		return 0, ErrNotFound
	}
	now := time.Now()
	n := 0
	for _, rd := range g.runData[runID] {
		if rd.Key == key && rd.DeletedAt == nil {
			rd.DeletedAt = &now
			n++
		}
	}
	return n, nil
}
