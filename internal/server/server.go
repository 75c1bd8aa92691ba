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

// Package server is the A2A Server Personas (C9): the public persona
// (X-API-Key auth, per-IP rate limiting, tenant-scoped discovery) and the
// internal persona (bearer JWT, no rate limiting, for trusted platform
// callers; agent-to-agent calls inside this module run in-process through
// internal/worker and do not go through it), both exposing the same
// message/send, message/stream, tasks/get, tasks/cancel, tasks/resubscribe
// JSON-RPC methods over internal/transport.
//
// Grounded on pkg/server/server.go's lifecycle (New/Start/Stop) and
// pkg/server/http.go's route setup and visibility-scoped discovery
// handler, adapted from the teacher's gRPC+REST dual transport (this
// module has no gRPC surface in scope) down to a single JSON-RPC+SSE
// transport per persona, each on its own net/http.Server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaman-run/shaman/internal/a2a"
	"github.com/shaman-run/shaman/internal/auth"
	"github.com/shaman-run/shaman/internal/ratelimit"
	"github.com/shaman-run/shaman/internal/resolver"
	"github.com/shaman-run/shaman/internal/scheduler"
	"github.com/shaman-run/shaman/internal/transport"
)

// Scheduler is the subset of *scheduler.Scheduler the A2A method handlers
// call, kept as an interface so tests can substitute a fake.
type Scheduler interface {
	SendMessage(ctx context.Context, orgID, agentName, createdBy, input string) (*a2a.Task, error)
	GetTask(ctx context.Context, orgID, taskID string) (*a2a.Task, error)
	CancelTask(ctx context.Context, orgID, taskID string) (*a2a.Task, error)
	StreamMessage(ctx context.Context, orgID, agentName, createdBy, input string) (<-chan scheduler.Update, error)
	ResubscribeTask(ctx context.Context, orgID, taskID string) (<-chan scheduler.Update, error)
}

// Deployment is the shared configuration both personas are built from.
type Deployment struct {
	Scheduler Scheduler
	Resolver  resolver.Resolver

	// ExposedAgents is the tenant-scoped set of agent names surfaced by
	// the public persona's discovery endpoints (§4.9); an agent not
	// listed here is still directly callable by name but is never
	// enumerated.
	ExposedAgents map[string][]string // org id -> agent names

	BaseURL string
	Log     *slog.Logger
}

func registerA2AMethods(reg *transport.Registry, dep Deployment) {
	reg.Register("message/send", func(ctx context.Context, raw json.RawMessage) (any, error) {
		identity, ok := transport.IdentityFromContext(ctx)
		if !ok {
			return nil, transport.NewError(transport.CodeUnauthorized, "missing identity")
		}
		params, rpcErr := decodeMessageSendParams(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		task, err := dep.Scheduler.SendMessage(ctx, identity.OrgID, params.AgentName, identity.UserID, textOf(params.Message))
		if err != nil {
			return nil, mapSchedulerError(err)
		}
		return task, nil
	})

	reg.Register("tasks/get", func(ctx context.Context, raw json.RawMessage) (any, error) {
		identity, ok := transport.IdentityFromContext(ctx)
		if !ok {
			return nil, transport.NewError(transport.CodeUnauthorized, "missing identity")
		}
		params, rpcErr := decodeTaskIDParams(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		task, err := dep.Scheduler.GetTask(ctx, identity.OrgID, params.ID)
		if err != nil {
			return nil, mapSchedulerError(err)
		}
		return task, nil
	})

	reg.Register("tasks/cancel", func(ctx context.Context, raw json.RawMessage) (any, error) {
		identity, ok := transport.IdentityFromContext(ctx)
		if !ok {
			return nil, transport.NewError(transport.CodeUnauthorized, "missing identity")
		}
		params, rpcErr := decodeTaskIDParams(raw)
		if rpcErr != nil {
			return nil, rpcErr
		}
		task, err := dep.Scheduler.CancelTask(ctx, identity.OrgID, params.ID)
		if err != nil {
			return nil, mapSchedulerError(err)
		}
		return task, nil
	})

	reg.RegisterStream("message/stream", func(ctx context.Context, raw json.RawMessage, emit func(transport.Event) bool) error {
		identity, ok := transport.IdentityFromContext(ctx)
		if !ok {
			return transport.NewError(transport.CodeUnauthorized, "missing identity")
		}
		params, rpcErr := decodeMessageSendParams(raw)
		if rpcErr != nil {
			return rpcErr
		}
		updates, err := dep.Scheduler.StreamMessage(ctx, identity.OrgID, params.AgentName, identity.UserID, textOf(params.Message))
		if err != nil {
			return mapSchedulerError(err)
		}
		streamUpdates(ctx, updates, emit)
		return nil
	})

	reg.RegisterStream("tasks/resubscribe", func(ctx context.Context, raw json.RawMessage, emit func(transport.Event) bool) error {
		identity, ok := transport.IdentityFromContext(ctx)
		if !ok {
			return transport.NewError(transport.CodeUnauthorized, "missing identity")
		}
		params, rpcErr := decodeTaskIDParams(raw)
		if rpcErr != nil {
			return rpcErr
		}
		updates, err := dep.Scheduler.ResubscribeTask(ctx, identity.OrgID, params.ID)
		if err != nil {
			return mapSchedulerError(err)
		}
		streamUpdates(ctx, updates, emit)
		return nil
	})
}

func streamUpdates(ctx context.Context, updates <-chan scheduler.Update, emit func(transport.Event) bool) {
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Task != nil {
				if !emit(transport.Event{Event: "task", Data: update.Task}) {
					return
				}
			}
			if update.Message != nil {
				if !emit(transport.Event{Event: "message", Data: update.Message}) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func mapSchedulerError(err error) *transport.Error {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		return transport.NewError(transport.CodeTaskNotFound, "task not found")
	case errors.Is(err, scheduler.ErrTaskNotCancelable):
		return transport.NewError(transport.CodeTaskNotCancelable, "task is not in a cancelable state")
	default:
		return transport.NewError(transport.CodeInternalError, err.Error())
	}
}

// buildAgentCard projects a resolved agent definition onto the A2A
// discovery document, mirroring http.go's buildAgentCard.
func buildAgentCard(def *resolver.AgentDefinition, baseURL string) *a2a.AgentCard {
	return &a2a.AgentCard{
		ProtocolVersion: a2a.ProtocolVersion,
		Name:            def.Name,
		Description:     def.Description,
		Version:         def.Version,
		Capabilities:    a2a.AgentCapabilities{Streaming: true},
		Extensions: map[string]any{
			"shaman:baseUrl": strings.TrimSuffix(baseURL, "/") + "/agents/" + def.Name,
		},
	}
}

// newRequestID generates a correlation id for a request that arrived
// without one, mirroring the teacher's logging middleware.
func newRequestID() string { return uuid.NewString() }

// writeJSONError writes a plain (non-JSON-RPC) HTTP error, used by routes
// outside the JSON-RPC envelope (discovery, health).
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeRPCError writes a JSON-RPC-shaped error response for middleware
// that rejects a request before it reaches the method registry — auth
// failures on /rpc and /rpc/stream must still carry §6's error envelope
// ({"error":{"code":...}}), not the plain shape discovery/health use.
func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(transport.Response{JSONRPC: "2.0", Error: transport.NewError(code, message)})
}

// withTimeout bounds how long a single JSON-RPC request may run before
// the server gives up and returns an internal error, preventing one slow
// handler from pinning a connection indefinitely.
func withTimeout(h http.HandlerFunc, d time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		h(w, r.WithContext(ctx))
	}
}
