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

// Package a2a defines the wire-level types of the Agent-to-Agent protocol:
// Message, Part, Task, Artifact and the AgentCard discovery document.
//
// These are hand-rolled rather than imported from a third-party A2A SDK so
// that every field matches the protocol's JSON shape exactly and unknown
// fields round-trip losslessly through RawMetadata.
package a2a

import (
	"encoding/json"
	"time"
)

// TaskState is the externally visible state of a Task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateAuthRequired  TaskState = "auth-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateRejected      TaskState = "rejected"
)

// IsTerminal reports whether no further state transitions are possible.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateRejected:
		return true
	}
	return false
}

// MessageRole identifies who authored a Message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// Reserved metadata keys (§6 of the protocol spec).
const (
	MetaRunID          = "shaman:runId"
	MetaStepID         = "shaman:stepId"
	MetaParentStepID   = "shaman:parentStepId"
	MetaDepth          = "shaman:depth"
	MetaOrganizationID = "shaman:organizationId"
	MetaAgent          = "agent"
)

// Message is one turn of conversation, user/agent/system authored.
type Message struct {
	Kind      string         `json:"kind"` // always "message"
	MessageID string         `json:"messageId"`
	Role      MessageRole    `json:"role"`
	Parts     []Part         `json:"parts"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds a Message with the "message" kind discriminator set.
func NewMessage(id string, role MessageRole, parts ...Part) *Message {
	return &Message{Kind: "message", MessageID: id, Role: role, Parts: parts}
}

// PartKind discriminates the Part union.
type PartKind string

const (
	PartKindText  PartKind = "text"
	PartKindData  PartKind = "data"
	PartKindError PartKind = "error"
)

// Part is a tagged union: exactly one of Text/Data/Error is populated,
// selected by Kind. Unknown kinds preserve their raw encoding in Raw.
type Part struct {
	Kind  PartKind        `json:"kind"`
	Text  string          `json:"text,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *PartError      `json:"error,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

// PartError carries a structured error surfaced inline in a Part.
type PartError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TextPart constructs a text Part.
func TextPart(text string) Part { return Part{Kind: PartKindText, Text: text} }

// DataPart constructs a data Part from an already-marshaled JSON value.
func DataPart(data json.RawMessage) Part { return Part{Kind: PartKindData, Data: data} }

// ErrorPart constructs an error Part.
func ErrorPart(code, message string) Part {
	return Part{Kind: PartKindError, Error: &PartError{Code: code, Message: message}}
}

// TaskStatus is the state, optional status message, and timestamp of a Task.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a named output produced by a Task.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name"`
	Parts      []Part `json:"parts"`
}

// Task is the externally visible handle over a Run's root Step.
type Task struct {
	Kind      string         `json:"kind"` // always "task"
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewTask builds a Task with the "task" kind discriminator set.
func NewTask(id, contextID string, state TaskState) *Task {
	return &Task{
		Kind:      "task",
		ID:        id,
		ContextID: contextID,
		Status:    TaskStatus{State: state, Timestamp: time.Now()},
	}
}

// AgentCapabilities advertises protocol-level features of an agent.
type AgentCapabilities struct {
	Streaming bool `json:"streaming"`
}

// AgentCard is the discovery document returned from /.well-known/agent.json.
type AgentCard struct {
	ProtocolVersion string            `json:"protocolVersion"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Version         string            `json:"version,omitempty"`
	Capabilities    AgentCapabilities `json:"capabilities"`
	Extensions      map[string]any    `json:"extensions,omitempty"`
}

const ProtocolVersion = "0.3.0"
