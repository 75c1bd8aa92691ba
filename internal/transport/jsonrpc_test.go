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

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newEchoRegistry() *Registry {
	r := NewRegistry()
	r.Register("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(CodeInvalidParams, err.Error())
		}
		return map[string]string{"text": p.Text}, nil
	})
	r.Register("boom", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, NewError(CodeTaskNotFound, "no such task")
	})
	r.RegisterStream("tick", func(ctx context.Context, params json.RawMessage, emit func(Event) bool) error {
		for i := 0; i < 3; i++ {
			if !emit(Event{Data: map[string]int{"i": i}}) {
				return nil
			}
		}
		return nil
	})
	return r
}

func TestServeHTTP_SingleRequest(t *testing.T) {
	r := newEchoRegistry()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"echo","params":{"text":"hi"}}`))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	require.Equal(t, "2.0", resp.JSONRPC)
}

func TestServeHTTP_MethodNotFound(t *testing.T) {
	r := newEchoRegistry()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"nope"}`))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestServeHTTP_MissingMethodFieldIsInvalidRequest(t *testing.T) {
	r := newEchoRegistry()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1}`))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestServeHTTP_ApplicationErrorPropagates(t *testing.T) {
	r := newEchoRegistry()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"boom"}`))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeTaskNotFound, resp.Error.Code)
}

func TestServeHTTP_BatchRequest(t *testing.T) {
	r := newEchoRegistry()
	body := `[{"jsonrpc":"2.0","id":1,"method":"echo","params":{"text":"a"}},{"jsonrpc":"2.0","id":2,"method":"echo","params":{"text":"b"}}]`
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	var resps []Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resps))
	require.Len(t, resps, 2)
	for _, resp := range resps {
		require.Nil(t, resp.Error)
	}
}

func TestServeHTTP_RejectsStreamingMethodOnSyncEndpoint(t *testing.T) {
	r := newEchoRegistry()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tick"}`))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestServeHTTP_WrongJSONRPCVersion(t *testing.T) {
	r := newEchoRegistry()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"1.0","id":1,"method":"echo"}`))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestServeStreamHTTP_EmitsSSEFrames(t *testing.T) {
	r := newEchoRegistry()
	req := httptest.NewRequest(http.MethodPost, "/rpc/stream", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tick"}`))
	rec := httptest.NewRecorder()

	r.ServeStreamHTTP(rec, req)

	body := rec.Body.String()
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, 3, strings.Count(body, "data: "))
}

func TestServeStreamHTTP_MissingMethodFieldIsInvalidRequest(t *testing.T) {
	r := newEchoRegistry()
	req := httptest.NewRequest(http.MethodPost, "/rpc/stream", strings.NewReader(`{"jsonrpc":"2.0","id":1}`))
	rec := httptest.NewRecorder()

	r.ServeStreamHTTP(rec, req)

	body := rec.Body.String()
	require.Contains(t, body, "event: error")
	require.Contains(t, body, fmt.Sprintf(`"code":%d`, CodeInvalidRequest))
}

func TestIdentityContext_RoundTrips(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{OrgID: "org-1", UserID: "user-1"})
	id, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "org-1", id.OrgID)

	_, ok = IdentityFromContext(context.Background())
	require.False(t, ok)
}
