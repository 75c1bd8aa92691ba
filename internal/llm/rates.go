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

import "log/slog"

// Rate is a model's cost per 1000 tokens for prompt and completion tokens.
type Rate struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// RateTable maps model name to its Rate, with a fallback for unknown
// models (§4.6: "An unknown model falls back to a configured default rate
// and MUST log a warning").
type RateTable struct {
	Rates   map[string]Rate
	Default Rate
}

// CostOf computes the dollar cost of usage against model's rate, falling
// back to Default and logging a warning if model is unknown.
func (t RateTable) CostOf(model string, usage Usage, log *slog.Logger) float64 {
	rate, ok := t.Rates[model]
	if !ok {
		if log != nil {
			log.Warn("llm: unknown model, using default rate", "model", model)
		}
		rate = t.Default
	}
	return float64(usage.PromptTokens)/1000*rate.PromptPer1K +
		float64(usage.CompletionTokens)/1000*rate.CompletionPer1K
}

// DefaultRateTable is a reasonable starting point for common models;
// deployments are expected to override it from configuration.
func DefaultRateTable() RateTable {
	return RateTable{
		Rates: map[string]Rate{
			"claude-sonnet-4-5":    {PromptPer1K: 0.003, CompletionPer1K: 0.015},
			"claude-haiku-4-5":     {PromptPer1K: 0.001, CompletionPer1K: 0.005},
			"gpt-4o":               {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
			"gpt-4o-mini":          {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
			"gemini-2.5-pro":       {PromptPer1K: 0.00125, CompletionPer1K: 0.005},
			"gemini-2.5-flash":     {PromptPer1K: 0.000075, CompletionPer1K: 0.0003},
		},
		Default: Rate{PromptPer1K: 0.001, CompletionPer1K: 0.003},
	}
}
