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

// Gemini wraps the official google.golang.org/genai SDK, grounded on
// pkg/model/gemini: the one LLM vendor the teacher itself depends on
// through a real client library rather than a hand-rolled HTTP path.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"google.golang.org/genai"
)

// GeminiConfig configures a Gemini adapter.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// Gemini implements Provider against the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini constructs a Gemini provider.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: gemini client: %w", err)
	}
	return &Gemini{client: client, model: cfg.Model}, nil
}

func toGenaiContents(req Request) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemInstruction *genai.Content
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		parts := []*genai.Part{}
		if m.Content != "" {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name}})
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, systemInstruction
}

func toGenaiTools(tools []ToolDefinition) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGenaiSchema(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		switch t {
		case "object":
			s.Type = genai.TypeObject
		case "string":
			s.Type = genai.TypeString
		case "number":
			s.Type = genai.TypeNumber
		case "integer":
			s.Type = genai.TypeInteger
		case "boolean":
			s.Type = genai.TypeBoolean
		case "array":
			s.Type = genai.TypeArray
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if m, ok := raw.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(m)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}

func mapFinishReason(reason genai.FinishReason) FinishReason {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return FinishLength
	case genai.FinishReasonSafety:
		return FinishContentFilter
	default:
		return FinishStop
	}
}

func (g *Gemini) buildConfig(req Request, systemInstruction *genai.Content) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{Tools: toGenaiTools(req.Tools)}
	if systemInstruction != nil {
		cfg.SystemInstruction = systemInstruction
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
	}
	return cfg
}

func parseGenaiResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: gemini returned no candidates", ErrInvalidRequest)
	}
	out := &Response{FinishReason: mapFinishReason(resp.Candidates[0].FinishReason)}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int64(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			args := "{}"
			if part.FunctionCall.Args != nil {
				if b, err := genaiMarshalArgs(part.FunctionCall.Args); err == nil {
					args = string(b)
				}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{Name: part.FunctionCall.Name, Arguments: args})
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = FinishToolCalls
	}
	return out, nil
}

// Complete performs a single non-streaming completion.
func (g *Gemini) Complete(ctx context.Context, req Request) (*Response, error) {
	contents, systemInstruction := toGenaiContents(req)
	config := g.buildConfig(req, systemInstruction)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return parseGenaiResponse(resp)
}

// Stream performs a streaming completion.
func (g *Gemini) Stream(ctx context.Context, req Request) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		contents, systemInstruction := toGenaiContents(req)
		config := g.buildConfig(req, systemInstruction)
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
			if err != nil {
				yield(StreamChunk{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err))
				return
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" {
					if !yield(StreamChunk{ContentDelta: part.Text}, nil) {
						return
					}
				}
				if part.FunctionCall != nil {
					args := "{}"
					if part.FunctionCall.Args != nil {
						if b, err := genaiMarshalArgs(part.FunctionCall.Args); err == nil {
							args = string(b)
						}
					}
					sc := StreamToolCall{FunctionName: part.FunctionCall.Name, ArgumentsDelta: args}
					if !yield(StreamChunk{ToolCall: &sc}, nil) {
						return
					}
				}
			}
			if resp.Candidates[0].FinishReason != "" {
				reason := mapFinishReason(resp.Candidates[0].FinishReason)
				if !yield(StreamChunk{Finish: &reason}, nil) {
					return
				}
			}
		}
	}
}

func genaiMarshalArgs(args map[string]any) ([]byte, error) {
	return json.Marshal(args)
}
