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

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the narrowed set of domain instruments this module emits,
// grounded on pkg/observability/metrics.go's agent/LLM/tool/HTTP
// CounterVec groups, trimmed to run, step, LLM, tool and HTTP instruments
// (no RAG/session/memory instruments — this module has no such
// subsystems). Within this module only internal/worker records into them
// (RecordRunStarted/RecordRunCompleted).
type Metrics struct {
	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
	runsFailed    metric.Int64Counter

	stepDuration metric.Float64Histogram

	llmCalls        metric.Int64Counter
	llmCallDuration metric.Float64Histogram
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	llmCost         metric.Float64Counter

	toolCalls  metric.Int64Counter
	toolErrors metric.Int64Counter

	httpRequests metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.runsStarted, err = meter.Int64Counter("shaman.runs.started"); err != nil {
		return nil, err
	}
	if m.runsCompleted, err = meter.Int64Counter("shaman.runs.completed"); err != nil {
		return nil, err
	}
	if m.runsFailed, err = meter.Int64Counter("shaman.runs.failed"); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram("shaman.step.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.llmCalls, err = meter.Int64Counter("shaman.llm.calls"); err != nil {
		return nil, err
	}
	if m.llmCallDuration, err = meter.Float64Histogram("shaman.llm.call_duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.llmTokensInput, err = meter.Int64Counter("shaman.llm.tokens.input"); err != nil {
		return nil, err
	}
	if m.llmTokensOutput, err = meter.Int64Counter("shaman.llm.tokens.output"); err != nil {
		return nil, err
	}
	if m.llmCost, err = meter.Float64Counter("shaman.llm.cost_usd"); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter("shaman.tool.calls"); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter("shaman.tool.errors"); err != nil {
		return nil, err
	}
	if m.httpRequests, err = meter.Int64Counter("shaman.http.requests"); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRunStarted increments the started-runs counter for orgID.
func (m *Metrics) RecordRunStarted(ctx context.Context, orgID, agentName string) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("org_id", orgID), attribute.String("agent", agentName)))
}

// RecordRunCompleted increments the completed- or failed-runs counter.
func (m *Metrics) RecordRunCompleted(ctx context.Context, orgID string, succeeded bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("org_id", orgID))
	if succeeded {
		m.runsCompleted.Add(ctx, 1, attrs)
	} else {
		m.runsFailed.Add(ctx, 1, attrs)
	}
}

// RecordLLMCall records one completion call's latency, token usage and
// cost, attributed by model name.
func (m *Metrics) RecordLLMCall(ctx context.Context, model string, durationSeconds float64, promptTokens, completionTokens int64, cost float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmCalls.Add(ctx, 1, attrs)
	m.llmCallDuration.Record(ctx, durationSeconds, attrs)
	m.llmTokensInput.Add(ctx, promptTokens, attrs)
	m.llmTokensOutput.Add(ctx, completionTokens, attrs)
	m.llmCost.Add(ctx, cost, attrs)
}

// RecordToolCall records one tool dispatch, successful or not.
func (m *Metrics) RecordToolCall(ctx context.Context, toolName string, succeeded bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", toolName))
	m.toolCalls.Add(ctx, 1, attrs)
	if !succeeded {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

// RecordHTTPRequest tags one served request by method/path/status.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", fmt.Sprintf("%d", status)),
	))
}
