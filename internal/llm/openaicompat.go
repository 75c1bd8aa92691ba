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

// OpenAICompat is a hand-rolled client for the OpenAI Chat Completions
// wire format, grounded on pkg/model/openai (OpenAI) and pkg/model/ollama
// (which the teacher also speaks the OpenAI wire format against) — the
// same net/http-direct style as anthropic.go, since the teacher has no
// OpenAI SDK dependency either. One adapter instance serves both OpenAI
// and Ollama: Ollama's /v1/chat/completions endpoint is wire-compatible,
// differing only in BaseURL and the absence of an API key.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/shaman-run/shaman/internal/httpclient"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	ollamaDefaultBaseURL = "http://localhost:11434/v1"
	openAIDefaultTimeout = 120 * time.Second
)

// OpenAICompatConfig configures an OpenAI-wire-compatible adapter.
type OpenAICompatConfig struct {
	APIKey  string // empty for Ollama
	Model   string
	BaseURL string
	Timeout time.Duration
}

// OpenAICompat implements Provider against the OpenAI Chat Completions API
// or any wire-compatible server (Ollama, vLLM, etc.).
type OpenAICompat struct {
	httpClient *httpclient.Client
	apiKey     string
	baseURL    string
	model      string
}

// NewOpenAICompat constructs an OpenAI-compatible provider. Requests retry
// with backoff on 429/5xx responses, using OpenAI's rate-limit headers to
// size the delay when present.
func NewOpenAICompat(cfg OpenAICompatConfig) *OpenAICompat {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = openAIDefaultTimeout
	}
	return &OpenAICompat{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   cfg.Model,
	}
}

// NewOllama is a convenience constructor pointing at a local Ollama
// server's OpenAI-compatible endpoint.
func NewOllama(model, baseURL string) *OpenAICompat {
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	return NewOpenAICompat(OpenAICompatConfig{Model: model, BaseURL: baseURL})
}

type chatMessage struct {
	Role       string             `json:"role"`
	Content    string             `json:"content,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCallWire `json:"tool_calls,omitempty"`
}

type chatToolCallWire struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func toChatRequest(req Request, model string) chatRequest {
	out := chatRequest{Model: model, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	for _, m := range req.Messages {
		cm := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wire := chatToolCallWire{ID: tc.ID, Type: "function"}
			wire.Function.Name = tc.Name
			wire.Function.Arguments = tc.Arguments
			cm.ToolCalls = append(cm.ToolCalls, wire)
		}
		out.Messages = append(out.Messages, cm)
	}
	for _, t := range req.Tools {
		var ct chatTool
		ct.Type = "function"
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, ct)
	}
	return out
}

func fromChatResponse(resp chatResponse) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrInvalidRequest)
	}
	choice := resp.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Usage:   Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	switch choice.FinishReason {
	case "tool_calls":
		out.FinishReason = FinishToolCalls
	case "length":
		out.FinishReason = FinishLength
	case "content_filter":
		out.FinishReason = FinishContentFilter
	default:
		out.FinishReason = FinishStop
	}
	return out, nil
}

func (c *OpenAICompat) do(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	resp, err := c.httpClient.Do(httpReq)
	if resp == nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	// c.httpClient already retried transient 429/5xx responses with
	// backoff; a non-nil err alongside a response just means the final
	// attempt was non-2xx, which the caller inspects via resp.StatusCode.
	return resp, nil
}

// Complete performs a single non-streaming completion.
func (c *OpenAICompat) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(toChatRequest(req, c.model))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	resp, err := c.do(ctx, body, false)
	if err != nil {
		return nil, err
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
		return nil, fmt.Errorf("%w: openai-compat status %d: %s", ErrInvalidRequest, resp.StatusCode, raw)
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("llm: decode chat completion response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, parsed.Error.Message)
	}
	return fromChatResponse(parsed)
}

// Stream performs a streaming completion over the OpenAI-compatible SSE
// chunk format.
func (c *OpenAICompat) Stream(ctx context.Context, req Request) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		reqBody := toChatRequest(req, c.model)
		reqBody.Stream = true
		body, err := json.Marshal(reqBody)
		if err != nil {
			yield(StreamChunk{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			return
		}
		resp, err := c.do(ctx, body, true)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			yield(StreamChunk{}, fmt.Errorf("%w: openai-compat status %d", ErrProviderUnavailable, resp.StatusCode))
			return
		}

		scanner := newSSEScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				reason := FinishStop
				yield(StreamChunk{Finish: &reason}, nil)
				return
			}
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content   string             `json:"content"`
						ToolCalls []chatToolCallWire `json:"tool_calls"`
					} `json:"delta"`
					FinishReason string `json:"finish_reason"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !yield(StreamChunk{ContentDelta: choice.Delta.Content}, nil) {
						return
					}
				}
				for i, tc := range choice.Delta.ToolCalls {
					sc := StreamToolCall{Index: i, ID: tc.ID, FunctionName: tc.Function.Name, ArgumentsDelta: tc.Function.Arguments}
					if !yield(StreamChunk{ToolCall: &sc}, nil) {
						return
					}
				}
				if choice.FinishReason != "" {
					reason := FinishStop
					switch choice.FinishReason {
					case "tool_calls":
						reason = FinishToolCalls
					case "length":
						reason = FinishLength
					}
					if !yield(StreamChunk{Finish: &reason}, nil) {
						return
					}
				}
			}
		}
	}
}
