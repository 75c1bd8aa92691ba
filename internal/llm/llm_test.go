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

package llm

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubProvider struct{}

func (stubProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	return &Response{Content: "stub"}, nil
}

func (stubProvider) Stream(ctx context.Context, req Request) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	reg := NewRegistry(DefaultRateTable())
	reg.Register("claude-sonnet-4-5", stubProvider{})

	p, ok := reg.Resolve("claude-sonnet-4-5")
	require.True(t, ok)
	require.NotNil(t, p)

	_, ok = reg.Resolve("unknown-model")
	require.False(t, ok)
}

func TestRateTable_CostOf_KnownModel(t *testing.T) {
	rt := DefaultRateTable()
	cost := rt.CostOf("claude-sonnet-4-5", Usage{PromptTokens: 1000, CompletionTokens: 1000}, nil)
	require.InDelta(t, 0.003+0.015, cost, 1e-9)
}

func TestRateTable_CostOf_UnknownModelFallsBackToDefault(t *testing.T) {
	rt := DefaultRateTable()
	cost := rt.CostOf("some-unreleased-model", Usage{PromptTokens: 1000, CompletionTokens: 1000}, nil)
	require.InDelta(t, rt.Default.PromptPer1K+rt.Default.CompletionPer1K, cost, 1e-9)
}

func TestBuildRegistry_UnknownProviderKind(t *testing.T) {
	_, err := BuildRegistry(context.Background(), []ModelConfig{{Name: "x", Kind: "nonexistent"}}, DefaultRateTable())
	require.Error(t, err)
}

func TestBuildRegistry_OpenAIKindRegisters(t *testing.T) {
	reg, err := BuildRegistry(context.Background(), []ModelConfig{
		{Name: "gpt-4o", Kind: ProviderOpenAI, APIKey: "test-key"},
	}, DefaultRateTable())
	require.NoError(t, err)

	p, ok := reg.Resolve("gpt-4o")
	require.True(t, ok)
	require.IsType(t, &OpenAICompat{}, p)
}
