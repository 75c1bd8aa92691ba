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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shaman-run/shaman/internal/a2a"
	"github.com/shaman-run/shaman/internal/auth"
	"github.com/shaman-run/shaman/internal/ratelimit"
	"github.com/shaman-run/shaman/internal/resolver"
	"github.com/shaman-run/shaman/internal/scheduler"
	"github.com/shaman-run/shaman/internal/transport"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	task *a2a.Task
	err  error
}

func (f *fakeScheduler) SendMessage(ctx context.Context, orgID, agentName, createdBy, input string) (*a2a.Task, error) {
	return f.task, f.err
}
func (f *fakeScheduler) GetTask(ctx context.Context, orgID, taskID string) (*a2a.Task, error) {
	return f.task, f.err
}
func (f *fakeScheduler) CancelTask(ctx context.Context, orgID, taskID string) (*a2a.Task, error) {
	return f.task, f.err
}
func (f *fakeScheduler) StreamMessage(ctx context.Context, orgID, agentName, createdBy, input string) (<-chan scheduler.Update, error) {
	return nil, f.err
}
func (f *fakeScheduler) ResubscribeTask(ctx context.Context, orgID, taskID string) (<-chan scheduler.Update, error) {
	return nil, f.err
}

type memoryKeyStore map[string]auth.APIKeyIdentity

func (m memoryKeyStore) Lookup(ctx context.Context, keyHash string) (auth.APIKeyIdentity, bool, error) {
	id, ok := m[keyHash]
	return id, ok, nil
}

func newTestPublicServer(sched Scheduler) (*PublicServer, string) {
	store := memoryKeyStore{auth.HashAPIKey("valid-key"): {OrgID: "org-1", KeyID: "k1"}}
	res := resolver.NewStatic()
	res.Register("org-1", &resolver.AgentDefinition{Name: "researcher", Description: "does research"})

	dep := Deployment{
		Scheduler:     sched,
		Resolver:      res,
		ExposedAgents: map[string][]string{"org-1": {"researcher"}},
		BaseURL:       "http://localhost:8080",
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s := NewPublicServer(dep, auth.NewAPIKeyValidator(store), ratelimit.Config{MaxRequests: 100, Window: time.Minute}, "127.0.0.1:0")
	return s, "valid-key"
}

func TestPublicServer_RPC_RequiresAPIKey(t *testing.T) {
	s, _ := newTestPublicServer(&fakeScheduler{})
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"t1"}}`)))
	rec := httptest.NewRecorder()

	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body transport.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	require.Equal(t, transport.CodeUnauthorized, body.Error.Code)
}

func TestPublicServer_RPC_SendMessageWithValidKey(t *testing.T) {
	task := a2a.NewTask("task-1", "task-1", a2a.TaskStateSubmitted)
	s, key := newTestPublicServer(&fakeScheduler{task: task})

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"message/send","params":{"agentName":"researcher","message":{"kind":"message","messageId":"m1","role":"user","parts":[{"kind":"text","text":"hi"}]}}}`)))
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()

	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Nil(t, body["error"])
}

func TestPublicServer_Discovery_ListsExposedAgents(t *testing.T) {
	s, key := newTestPublicServer(&fakeScheduler{})
	req := httptest.NewRequest(http.MethodGet, "/.well-known/a2a/agents", nil)
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()

	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Agents []map[string]any `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Agents, 1)
	require.Equal(t, "researcher", body.Agents[0]["name"])
}

func TestPublicServer_Discovery_RejectsMissingKey(t *testing.T) {
	s, _ := newTestPublicServer(&fakeScheduler{})
	req := httptest.NewRequest(http.MethodGet, "/.well-known/a2a/agents", nil)
	rec := httptest.NewRecorder()

	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPublicServer_Health(t *testing.T) {
	s, _ := newTestPublicServer(&fakeScheduler{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPublicServer_RateLimitExceeded(t *testing.T) {
	task := a2a.NewTask("task-1", "task-1", a2a.TaskStateSubmitted)
	store := memoryKeyStore{auth.HashAPIKey("valid-key"): {OrgID: "org-1", KeyID: "k1"}}
	res := resolver.NewStatic()
	dep := Deployment{
		Scheduler: &fakeScheduler{task: task}, Resolver: res,
		ExposedAgents: map[string][]string{}, Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s := NewPublicServer(dep, auth.NewAPIKeyValidator(store), ratelimit.Config{MaxRequests: 1, Window: time.Minute}, "127.0.0.1:0")

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"t1"}}`)
	req1 := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req1.Header.Set("X-API-Key", "valid-key")
	rec1 := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req2.Header.Set("X-API-Key", "valid-key")
	rec2 := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
}
