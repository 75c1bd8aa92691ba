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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/shaman-run/shaman/internal/auth"
	"github.com/shaman-run/shaman/internal/ratelimit"
	"github.com/shaman-run/shaman/internal/transport"
)

// PublicServer is the tenant-facing A2A persona (§4.9): authenticates by
// hashed X-API-Key lookup, rate-limits per client IP, and serves
// tenant-scoped agent discovery at the well-known paths.
type PublicServer struct {
	dep      Deployment
	apiKeys  *auth.APIKeyValidator
	limiter  *ratelimit.Limiter
	registry *transport.Registry
	httpSrv  *http.Server
}

// NewPublicServer builds the public persona's HTTP server, bound to addr
// but not yet listening (call Start).
func NewPublicServer(dep Deployment, apiKeys *auth.APIKeyValidator, rl ratelimit.Config, addr string) *PublicServer {
	reg := transport.NewRegistry()
	registerA2AMethods(reg, dep)

	s := &PublicServer{
		dep:      dep,
		apiKeys:  apiKeys,
		limiter:  ratelimit.New(rl),
		registry: reg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/.well-known/agent.json", s.handleDefaultAgentCard)
	mux.HandleFunc("/.well-known/a2a/agents", s.handleDiscovery)
	mux.Handle("/rpc", s.authenticate(s.rateLimit(withTimeout(s.registry.ServeHTTP, 5*time.Minute))))
	mux.Handle("/rpc/stream", s.authenticate(s.rateLimit(s.registry.ServeStreamHTTP)))

	s.httpSrv = &http.Server{Addr: addr, Handler: loggingMiddleware(dep.Log, mux)}
	return s
}

// Start begins serving in the background; call Shutdown to stop.
func (s *PublicServer) Start() error {
	s.dep.Log.Info("public a2a server starting", "addr", s.httpSrv.Addr)
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("public server listen: %w", err)
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.dep.Log.Error("public a2a server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP listener.
func (s *PublicServer) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *PublicServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleDefaultAgentCard serves the server-level agent card at the A2A
// spec's canonical well-known path, returning the first exposed agent for
// the caller's tenant (mirrors http.go's handleDefaultAgentCard).
func (s *PublicServer) handleDefaultAgentCard(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identityFromRequest(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid X-API-Key")
		return
	}
	names := s.dep.ExposedAgents[identity.OrgID]
	if len(names) == 0 {
		writeJSONError(w, http.StatusNotFound, "no agents exposed for this tenant")
		return
	}
	def, err := s.dep.Resolver.Resolve(r.Context(), identity.OrgID, names[0])
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(buildAgentCard(def, s.dep.BaseURL))
}

// handleDiscovery lists every agent card exposed to the caller's tenant.
func (s *PublicServer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identityFromRequest(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid X-API-Key")
		return
	}
	names := s.dep.ExposedAgents[identity.OrgID]
	cards := make([]any, 0, len(names))
	for _, name := range names {
		def, err := s.dep.Resolver.Resolve(r.Context(), identity.OrgID, name)
		if err != nil {
			continue
		}
		cards = append(cards, buildAgentCard(def, s.dep.BaseURL))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"agents": cards})
}

// identityFromRequest validates X-API-Key without attaching it to a
// context, used by the plain discovery handlers that sit outside the
// JSON-RPC method registry.
func (s *PublicServer) identityFromRequest(r *http.Request) (transport.Identity, bool) {
	key := r.Header.Get("X-API-Key")
	id, err := s.apiKeys.Validate(r.Context(), key)
	if err != nil {
		return transport.Identity{}, false
	}
	return transport.Identity{OrgID: id.OrgID}, true
}

// authenticate validates X-API-Key and attaches the resolved Identity to
// the request context for downstream JSON-RPC handlers. Unlike
// identityFromRequest's plain-HTTP discovery callers, this guards the
// JSON-RPC routes (/rpc, /rpc/stream), so a failure here must still carry
// the JSON-RPC error envelope (§6).
func (s *PublicServer) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := s.identityFromRequest(r)
		if !ok {
			writeRPCError(w, http.StatusUnauthorized, transport.CodeUnauthorized, "missing or invalid X-API-Key")
			return
		}
		next(w, r.WithContext(transport.WithIdentity(r.Context(), identity)))
	}
}

// rateLimit enforces the per-client-IP sliding window before the request
// reaches the JSON-RPC dispatcher.
func (s *PublicServer) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		result := s.limiter.CheckAndRecord(ip)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(result.ResetAt).Seconds())))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// clientIP extracts the caller's address, preferring a trusted proxy
// header since the public persona typically sits behind a load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = newRequestID()
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("http request", "request_id", reqID, "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
