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
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shaman-run/shaman/internal/auth"
	"github.com/shaman-run/shaman/internal/transport"
)

// InternalServer is the cluster-internal A2A persona (§4.9): authenticates
// by bearer JWT signed with a secret shared by scheduler and workers, and
// carries no rate limiting since its callers are trusted platform
// components holding that secret (recursive agent calls inside this
// module run in-process through internal/worker, not through this persona).
type InternalServer struct {
	dep      Deployment
	jwt      *auth.JWTValidator
	registry *transport.Registry
	httpSrv  *http.Server
}

// NewInternalServer builds the internal persona's HTTP server.
func NewInternalServer(dep Deployment, jwt *auth.JWTValidator, addr string) *InternalServer {
	reg := transport.NewRegistry()
	registerA2AMethods(reg, dep)

	s := &InternalServer{dep: dep, jwt: jwt, registry: reg}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/rpc", s.authenticate(withTimeout(s.registry.ServeHTTP, 5*time.Minute)))
	mux.Handle("/rpc/stream", s.authenticate(s.registry.ServeStreamHTTP))

	s.httpSrv = &http.Server{Addr: addr, Handler: loggingMiddleware(dep.Log, mux)}
	return s
}

// Start begins serving in the background; call Shutdown to stop.
func (s *InternalServer) Start() error {
	s.dep.Log.Info("internal a2a server starting", "addr", s.httpSrv.Addr)
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("internal server listen: %w", err)
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.dep.Log.Error("internal a2a server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP listener.
func (s *InternalServer) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// authenticate validates the Bearer JWT and attaches its claims as an
// Identity for downstream JSON-RPC handlers. Both routes it guards
// (/rpc, /rpc/stream) sit inside the JSON-RPC envelope, so a rejection
// here must carry the JSON-RPC error shape (§6), not a plain HTTP error.
func (s *InternalServer) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			writeRPCError(w, http.StatusUnauthorized, transport.CodeUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.jwt.Validate(tokenString)
		if err != nil {
			writeRPCError(w, http.StatusUnauthorized, transport.CodeUnauthorized, "invalid bearer token")
			return
		}
		identity := transport.Identity{
			OrgID:  claims.OrganizationID,
			UserID: claims.UserID,
			RunID:  claims.RunID,
			TaskID: claims.TaskID,
		}
		next(w, r.WithContext(transport.WithIdentity(r.Context(), identity)))
	}
}
