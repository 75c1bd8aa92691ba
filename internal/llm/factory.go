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
	"fmt"
)

// ProviderKind selects which vendor adapter backs a configured model.
type ProviderKind string

const (
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderOpenAI    ProviderKind = "openai"
	ProviderOllama    ProviderKind = "ollama"
	ProviderGemini    ProviderKind = "gemini"
)

// ModelConfig names one model entry in a deployment's model configuration.
type ModelConfig struct {
	Name      string
	Kind      ProviderKind
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// BuildRegistry constructs a Registry from a list of model configurations,
// instantiating one vendor adapter per entry and registering it under its
// model name.
func BuildRegistry(ctx context.Context, models []ModelConfig, rates RateTable) (*Registry, error) {
	reg := NewRegistry(rates)
	for _, m := range models {
		provider, err := buildProvider(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("llm: build provider for model %q: %w", m.Name, err)
		}
		reg.Register(m.Name, provider)
	}
	return reg, nil
}

func buildProvider(ctx context.Context, m ModelConfig) (Provider, error) {
	switch m.Kind {
	case ProviderAnthropic:
		return NewAnthropic(AnthropicConfig{APIKey: m.APIKey, Model: m.Name, BaseURL: m.BaseURL, MaxTokens: m.MaxTokens})
	case ProviderOpenAI:
		return NewOpenAICompat(OpenAICompatConfig{APIKey: m.APIKey, Model: m.Name, BaseURL: m.BaseURL}), nil
	case ProviderOllama:
		return NewOllama(m.Name, m.BaseURL), nil
	case ProviderGemini:
		return NewGemini(ctx, GeminiConfig{APIKey: m.APIKey, Model: m.Name})
	default:
		return nil, fmt.Errorf("llm: unknown provider kind %q", m.Kind)
	}
}
