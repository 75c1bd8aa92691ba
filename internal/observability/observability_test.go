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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManager_DisabledIsNoop(t *testing.T) {
	m, err := New(context.Background(), Config{ServiceName: "shaman-test"})
	require.NoError(t, err)
	require.Nil(t, m.Metrics())

	tracer := m.Tracer("test")
	require.NotNil(t, tracer)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_NilReceiverIsSafe(t *testing.T) {
	var m *Manager
	require.Nil(t, m.Metrics())
	require.NotNil(t, m.Tracer("test"))
	require.NoError(t, m.Shutdown(context.Background()))

	m.Metrics().RecordRunStarted(context.Background(), "org-1", "researcher")
	m.Metrics().RecordToolCall(context.Background(), "run_data_write", true)
}

func TestManager_StdoutTracingEnabled(t *testing.T) {
	m, err := New(context.Background(), Config{
		ServiceName:    "shaman-test",
		TracingEnabled: true,
		TraceExporter:  "stdout",
		SamplingRate:   1.0,
	})
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	ctx, span := m.Tracer("test").Start(context.Background(), "unit-test-span")
	span.End()
	_ = ctx
}

func TestManager_MetricsEnabledRecordsWithoutPanic(t *testing.T) {
	m, err := New(context.Background(), Config{ServiceName: "shaman-test-metrics", MetricsEnabled: true})
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	require.NotNil(t, m.Metrics())
	require.NotPanics(t, func() {
		m.Metrics().RecordRunStarted(context.Background(), "org-1", "researcher")
		m.Metrics().RecordRunCompleted(context.Background(), "org-1", true)
		m.Metrics().RecordLLMCall(context.Background(), "claude-3", 1.2, 100, 50, 0.01)
		m.Metrics().RecordToolCall(context.Background(), "call_agent", false)
		m.Metrics().RecordHTTPRequest(context.Background(), "POST", "/rpc", 200)
	})

	require.NotNil(t, m.MetricsHandler())
}
