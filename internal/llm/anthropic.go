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

// Anthropic is a hand-rolled Claude Messages-API client, grounded on
// pkg/model/anthropic/anthropic.go — the teacher talks to Anthropic over
// net/http directly rather than through a vendor SDK (confirmed: no
// anthropic-sdk-go in the teacher's go.mod), and this adapter follows that
// same shape rather than introducing a dependency neither the teacher nor
// the rest of the pack uses.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/shaman-run/shaman/internal/httpclient"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultTimeout = 120 * time.Second
)

// AnthropicConfig configures an Anthropic adapter.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// Anthropic implements Provider against the Claude Messages API.
type Anthropic struct {
	httpClient *httpclient.Client
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
}

// NewAnthropic constructs an Anthropic provider. Requests retry with
// backoff on 429/5xx responses, using Anthropic's rate-limit headers to
// size the delay when present.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: anthropic API key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = anthropicDefaultTimeout
	}
	return &Anthropic{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders),
		),
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		model:     cfg.Model,
		maxTokens: maxTokens,
	}, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func toAnthropicRequest(req Request, model string, maxTokens int) anthropicRequest {
	out := anthropicRequest{Model: model, MaxTokens: maxTokens, Temperature: req.Temperature}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			out.System = m.Content
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

func fromAnthropicResponse(resp anthropicResponse) *Response {
	out := &Response{Usage: Usage{PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens}}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: string(block.Input)})
		}
	}
	switch resp.StopReason {
	case "tool_use":
		out.FinishReason = FinishToolCalls
	case "max_tokens":
		out.FinishReason = FinishLength
	default:
		out.FinishReason = FinishStop
	}
	return out
}

// Complete performs a single non-streaming completion.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(toAnthropicRequest(req, a.model, a.maxTokens))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.httpClient.Do(httpReq)
	if resp == nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode >= 500 {
		return nil, ErrProviderUnavailable
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: anthropic status %d: %s", ErrInvalidRequest, resp.StatusCode, raw)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("llm: decode anthropic response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, parsed.Error.Message)
	}
	return fromAnthropicResponse(parsed), nil
}

// Stream performs a streaming completion by reading Anthropic's SSE
// event stream and translating it into StreamChunk values.
func (a *Anthropic) Stream(ctx context.Context, req Request) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		reqBody := toAnthropicRequest(req, a.model, a.maxTokens)
		reqBody.Stream = true
		body, err := json.Marshal(reqBody)
		if err != nil {
			yield(StreamChunk{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			return
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", a.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := a.httpClient.Do(httpReq)
		if resp == nil {
			yield(StreamChunk{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			yield(StreamChunk{}, fmt.Errorf("%w: anthropic status %d", ErrProviderUnavailable, resp.StatusCode))
			return
		}

		dec := newSSEScanner(resp.Body)
		for dec.Scan() {
			line := dec.Text()
			if line == "" || !hasPrefix(line, "data: ") {
				continue
			}
			payload := line[len("data: "):]
			var evt struct {
				Type  string `json:"type"`
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
				Index int `json:"index"`
			}
			if err := json.Unmarshal([]byte(payload), &evt); err != nil {
				continue
			}
			switch evt.Type {
			case "content_block_delta":
				if evt.Delta.Type == "text_delta" {
					if !yield(StreamChunk{ContentDelta: evt.Delta.Text}, nil) {
						return
					}
				} else if evt.Delta.Type == "input_json_delta" {
					if !yield(StreamChunk{ToolCall: &StreamToolCall{Index: evt.Index, ArgumentsDelta: evt.Delta.PartialJSON}}, nil) {
						return
					}
				}
			case "message_stop":
				reason := FinishStop
				yield(StreamChunk{Finish: &reason}, nil)
				return
			}
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
