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

// Package store defines the core entity model (Run, Step, Message, ToolCall,
// RunData) and the tenant-scoped Persistence Gateway that reads and writes
// them. Every method takes an explicit orgId and must apply it as a
// predicate on both reads and writes.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is an element of the Execution-State lattice (internal).
type RunStatus string

const (
	RunSubmitted           RunStatus = "SUBMITTED"
	RunWorking             RunStatus = "WORKING"
	RunInputRequired       RunStatus = "INPUT_REQUIRED"
	RunBlockedOnDependency RunStatus = "BLOCKED_ON_DEPENDENCY"
	RunCanceling           RunStatus = "CANCELING"
	RunCompleted           RunStatus = "COMPLETED"
	RunFailed              RunStatus = "FAILED"
	RunCanceled            RunStatus = "CANCELED"
	RunRejected            RunStatus = "REJECTED"
)

// IsTerminal reports whether the run status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled, RunRejected:
		return true
	}
	return false
}

// Run is one top-level execution.
type Run struct {
	ID           string
	OrgID        string
	Status       RunStatus
	InitialInput json.RawMessage
	TotalCost    float64
	TotalTokens  int64
	CreatedBy    string
	TraceID      string
	StartTime    time.Time
	EndTime      *time.Time
}

// StepType identifies the kind of work a Step performs.
type StepType string

const (
	StepAgentExecution StepType = "AGENT_EXECUTION"
	StepLLMCall        StepType = "LLM_CALL"
	StepToolCall       StepType = "TOOL_CALL"
	StepAgentCall      StepType = "AGENT_CALL"
)

// StepStatus is the lifecycle state of a single DAG node.
type StepStatus string

const (
	StepQueued               StepStatus = "QUEUED"
	StepWorking               StepStatus = "WORKING"
	StepCompleted             StepStatus = "COMPLETED"
	StepFailed                StepStatus = "FAILED"
	StepCanceled              StepStatus = "CANCELED"
	StepInputRequired         StepStatus = "INPUT_REQUIRED"
	StepBlockedOnDependency   StepStatus = "BLOCKED_ON_DEPENDENCY"
)

// IsTerminal reports whether the step admits no further transitions.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCanceled:
		return true
	}
	return false
}

// AgentSource identifies where an agent-execution step's agent definition
// came from; the core only ever observes this through AgentResolver.
type AgentSource string

const (
	AgentSourceGit         AgentSource = "GIT"
	AgentSourceA2AExternal AgentSource = "A2A_EXTERNAL"
)

// Step is one node of a Run's DAG.
type Step struct {
	ID               string
	RunID            string
	ParentStepID     *string
	Type             StepType
	Status           StepStatus
	AgentName        string
	AgentSource      AgentSource
	Input            json.RawMessage
	Output           json.RawMessage
	Error            string
	ToolName         string
	ToolCallID       string
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
	StartTime        *time.Time
	EndTime          *time.Time
	Depth            int
	Metadata         map[string]any
}

// MessageRole identifies who authored a conversation Message.
type MessageRole string

const (
	RoleSystem    MessageRole = "SYSTEM"
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
	RoleTool      MessageRole = "TOOL"
)

// Message is one entry of an AGENT_EXECUTION step's conversation.
type Message struct {
	ID             string
	StepID         string
	Role           MessageRole
	Content        string
	SequenceNumber int
	ToolCallID     string
	ToolCalls      []ToolCall
}

// ToolCall is a request issued by the LLM inside an assistant message.
type ToolCall struct {
	ID            string
	StepID        string
	ToolName      string
	Input         json.RawMessage
	IsPlatform    bool
	IsAgentCall   bool
}

// RunData is an immutable key/value record scoped to a Run.
type RunData struct {
	ID                 string
	RunID              string
	Key                string
	Value              json.RawMessage
	CreatedByStepID    string
	CreatedByAgentName string
	Tags               []string
	CreatedAt          time.Time
	DeletedAt          *time.Time // tombstone, see DESIGN.md open-question #2
}

// NewRun constructs a Run in the SUBMITTED state.
func NewRun(orgID string, input json.RawMessage, createdBy string) *Run {
	return &Run{
		ID:           uuid.NewString(),
		OrgID:        orgID,
		Status:       RunSubmitted,
		InitialInput: input,
		CreatedBy:    createdBy,
		StartTime:    time.Now(),
	}
}

// NewStep constructs a QUEUED Step belonging to run at the given depth.
func NewStep(runID string, parentStepID *string, typ StepType, depth int, input json.RawMessage) *Step {
	return &Step{
		ID:       uuid.NewString(),
		RunID:    runID,
		ParentStepID: parentStepID,
		Type:     typ,
		Status:   StepQueued,
		Input:    input,
		Depth:    depth,
		Metadata: make(map[string]any),
	}
}
