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

// Package observability wires OpenTelemetry tracing and metrics,
// grounded on pkg/observability/manager.go's Manager lifecycle and
// pkg/observability/tracer.go's InitGlobalTracer, narrowed from the
// teacher's RAG/session/memory metric surface down to the run/step/
// tool-call/LLM-call counters this module's execution loop and
// scheduler actually emit. Uses the OTel Metrics SDK with the
// Prometheus exporter (go.opentelemetry.io/otel/exporters/prometheus)
// rather than the teacher's direct prometheus/client_golang
// instrumentation, since this module standardizes on the OTel API for
// both signals instead of mixing OTel tracing with a separate metrics
// library.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetricapi "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config governs what observability backs a deployment.
type Config struct {
	ServiceName string

	TracingEnabled bool
	TraceExporter  string // otlp-grpc, stdout
	TraceEndpoint  string
	SamplingRate   float64

	MetricsEnabled bool
}

// Manager owns the tracer and meter providers for the process lifetime.
type Manager struct {
	cfg Config

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	promRegisterer *otelprometheus.Exporter

	metrics *Metrics
}

// New builds a Manager from cfg. Tracing/metrics are no-ops when disabled,
// matching the teacher's "absent config => noop provider" posture so
// callers never need nil checks around Manager.Tracer()/Metrics().
func New(ctx context.Context, cfg Config) (*Manager, error) {
	m := &Manager{cfg: cfg}

	tp, err := newTracerProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observability: init tracing: %w", err)
	}
	m.tracerProvider = tp
	otel.SetTracerProvider(tp)

	if cfg.MetricsEnabled {
		exporter, err := otelprometheus.New()
		if err != nil {
			return nil, fmt.Errorf("observability: init prometheus exporter: %w", err)
		}
		m.promRegisterer = exporter
		mp := sdkmetricapi.NewMeterProvider(sdkmetricapi.WithReader(exporter))
		m.meterProvider = mp
		otel.SetMeterProvider(mp)

		metrics, err := newMetrics(mp.Meter(cfg.ServiceName))
		if err != nil {
			return nil, fmt.Errorf("observability: init metrics: %w", err)
		}
		m.metrics = metrics
	} else {
		m.meterProvider = metricnoop.NewMeterProvider()
		otel.SetMeterProvider(m.meterProvider)
	}

	return m, nil
}

func newTracerProvider(ctx context.Context, cfg Config) (trace.TracerProvider, error) {
	if !cfg.TracingEnabled {
		return noop.NewTracerProvider(), nil
	}

	switch cfg.TraceExporter {
	case "stdout":
		exporter, err := stdouttrace.New()
		if err != nil {
			return nil, err
		}
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		), nil
	default:
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.TraceEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		), nil
	}
}

// Tracer returns a named tracer, mirroring pkg/observability/tracer.go's
// GetTracer.
func (m *Manager) Tracer(name string) trace.Tracer {
	if m == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

// Metrics returns the domain metric instruments, or nil if metrics are
// disabled.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// MetricsHandler exposes the Prometheus scrape endpoint.
func (m *Manager) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and releases tracer/meter resources.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if shutdownable, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		if err := shutdownable.Shutdown(ctx); err != nil {
			return fmt.Errorf("observability: shutdown tracer: %w", err)
		}
	}
	if shutdownable, ok := m.meterProvider.(interface{ Shutdown(context.Context) error }); ok {
		if err := shutdownable.Shutdown(ctx); err != nil {
			return fmt.Errorf("observability: shutdown meter: %w", err)
		}
	}
	return nil
}
