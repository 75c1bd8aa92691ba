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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaman-run/shaman/internal/auth"
	"github.com/shaman-run/shaman/internal/config"
	"github.com/shaman-run/shaman/internal/execloop"
	"github.com/shaman-run/shaman/internal/observability"
	"github.com/shaman-run/shaman/internal/ratelimit"
	"github.com/shaman-run/shaman/internal/scheduler"
	"github.com/shaman-run/shaman/internal/server"
	"github.com/shaman-run/shaman/internal/toolrouter"
	"github.com/shaman-run/shaman/internal/worker"
	"golang.org/x/sync/errgroup"
)

// ServeCmd starts both A2A server personas against one shared
// Scheduler/Worker, blocking until a shutdown signal arrives.
type ServeCmd struct {
	WorkerConcurrency int `name:"worker-concurrency" help:"Number of concurrent agent-execution consumers." default:"4"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		TracingEnabled: cfg.Observability.TracingEnabled,
		TraceExporter:  cfg.Observability.TraceExporter,
		TraceEndpoint:  cfg.Observability.TraceEndpoint,
		SamplingRate:   cfg.Observability.SamplingRate,
		MetricsEnabled: cfg.Observability.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Error("observability shutdown", "error", err)
		}
	}()

	gateway, closeGateway, err := buildGateway(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("build persistence gateway: %w", err)
	}
	defer closeGateway()

	taskQueue, err := buildQueue(ctx, cfg.Queue, log)
	if err != nil {
		return fmt.Errorf("build task queue: %w", err)
	}
	defer taskQueue.Close()

	res := buildResolver(cfg)

	models, err := buildModelRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build model registry: %w", err)
	}

	sched := scheduler.New(gateway, taskQueue)

	deps := execloop.Deps{
		Gateway:  gateway,
		Models:   models,
		Resolver: res,
		Log:      log,
		MaxDepth: 10,
	}
	w := worker.New(deps, sched, taskQueue, obs)
	router := toolrouter.New(gateway, toolrouter.NewMCPInvoker(), worker.NewAgentCaller(w))
	w.SetRouter(router)
	if err := w.RegisterHandler(c.WorkerConcurrency); err != nil {
		return fmt.Errorf("register worker handler: %w", err)
	}

	// Mirrors buildResolver's registration: the agent catalog is global,
	// but discovery must be scoped under each org id this deployment
	// actually authenticates, not a placeholder tenant.
	exposedAgents := make(map[string][]string)
	orgIDs := cfg.OrgIDs()
	for _, view := range cfg.ResolverDefinitions() {
		for _, orgID := range orgIDs {
			exposedAgents[orgID] = append(exposedAgents[orgID], view.Name)
		}
	}

	publicDep := server.Deployment{
		Scheduler:     sched,
		Resolver:      res,
		ExposedAgents: exposedAgents,
		BaseURL:       cfg.Server.BaseURL,
		Log:           log.With("persona", "public"),
	}
	internalDep := server.Deployment{
		Scheduler: sched,
		Resolver:  res,
		Log:       log.With("persona", "internal"),
	}

	apiKeys := auth.NewAPIKeyValidator(newStaticAPIKeyStore(cfg.Auth.APIKeys))
	jwtValidator := auth.NewJWTValidator(cfg.Auth.JWTSecret)

	publicSrv := server.NewPublicServer(publicDep, apiKeys, ratelimit.Config{
		MaxRequests: cfg.Server.RateLimit.MaxRequests,
		Window:      cfg.Server.RateLimit.Window,
	}, cfg.Server.PublicAddr)
	internalSrv := server.NewInternalServer(internalDep, jwtValidator, cfg.Server.InternalAddr)

	// Both Start() calls bind their listener synchronously and serve in
	// a background goroutine; running them through an errgroup still
	// pays off once either grows a slower pre-flight step (TLS cert
	// load, etc.) without serializing the two unnecessarily.
	var startGroup errgroup.Group
	startGroup.Go(publicSrv.Start)
	startGroup.Go(internalSrv.Start)
	if err := startGroup.Wait(); err != nil {
		return fmt.Errorf("start servers: %w", err)
	}

	log.Info("shamand started",
		"public_addr", cfg.Server.PublicAddr,
		"internal_addr", cfg.Server.InternalAddr,
		"database", cfg.Database.Driver,
		"queue", cfg.Queue.Driver,
		"agents", len(cfg.Agents),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var shutdownErrs []error
	if err := publicSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErrs = append(shutdownErrs, fmt.Errorf("public server: %w", err))
	}
	if err := internalSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErrs = append(shutdownErrs, fmt.Errorf("internal server: %w", err))
	}
	if len(shutdownErrs) > 0 {
		return errors.Join(shutdownErrs...)
	}
	return nil
}

func newLogger(cfg config.LoggerConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
