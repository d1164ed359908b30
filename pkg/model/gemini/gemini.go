// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gemini implements model.Gateway for Google Gemini models.
//
// Uses the official google.golang.org/genai SDK. Every Complete call is a
// single GenerateContent request; provider errors are mapped onto the
// model.Kind taxonomy so the retry policy can decide what to do with them.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/kadirpekel/tempo/pkg/model"
)

// Config contains configuration for the Gemini gateway.
type Config struct {
	// APIKey is the Google AI API key.
	APIKey string

	// MaxTokens is the default response length limit.
	MaxTokens int

	// Temperature is the default sampling temperature.
	Temperature float64
}

// Gateway implements model.Gateway for Gemini.
type Gateway struct {
	client *genai.Client
	config Config
}

// New creates a new Gemini gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Gateway{client: client, config: cfg}, nil
}

// Complete performs one non-streaming generation.
func (g *Gateway) Complete(ctx context.Context, modelID string, req *model.Request) (*model.Response, error) {
	if req == nil {
		return nil, model.NewError(model.KindUnknown, "nil request", nil)
	}

	contents := []*genai.Content{buildContent(req.Parts)}
	config := g.buildConfig(req)

	genResp, err := g.client.Models.GenerateContent(ctx, modelID, contents, config)
	if err != nil {
		return nil, classifyError(err)
	}

	return parseResponse(genResp)
}

// Close releases resources.
func (g *Gateway) Close() error {
	return nil
}

func buildContent(parts []model.Part) *genai.Content {
	out := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case model.PartText:
			out = append(out, &genai.Part{Text: p.Text})
		case model.PartBytes:
			out = append(out, &genai.Part{
				InlineData: &genai.Blob{MIMEType: p.MIMEType, Data: p.Data},
			})
		case model.PartURI:
			out = append(out, &genai.Part{
				FileData: &genai.FileData{MIMEType: p.MIMEType, FileURI: p.URI},
			})
		}
	}
	return &genai.Content{Parts: out, Role: genai.RoleUser}
}

func (g *Gateway) buildConfig(req *model.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.SystemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
		}
	}

	if cfg := req.Config; cfg != nil {
		if cfg.Temperature != nil {
			config.Temperature = genai.Ptr(float32(*cfg.Temperature))
		}
		if cfg.MaxTokens != nil {
			config.MaxOutputTokens = int32(*cfg.MaxTokens)
		}
		if cfg.ResponseMIMEType != "" {
			config.ResponseMIMEType = cfg.ResponseMIMEType
		}
		if cfg.ResponseSchema != nil {
			config.ResponseSchema = toGenaiSchema(cfg.ResponseSchema)
			if config.ResponseMIMEType == "" {
				config.ResponseMIMEType = "application/json"
			}
		}
	}

	if config.Temperature == nil && g.config.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(g.config.Temperature))
	}
	if config.MaxOutputTokens == 0 && g.config.MaxTokens > 0 {
		config.MaxOutputTokens = int32(g.config.MaxTokens)
	}

	return config
}

// toGenaiSchema converts a JSON schema to Gemini schema.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	switch required := schema["required"].(type) {
	case []any:
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	case []string:
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}

func parseResponse(genResp *genai.GenerateContentResponse) (*model.Response, error) {
	if genResp == nil {
		return nil, model.NewError(model.KindServer, "empty response from Gemini", nil)
	}

	if fb := genResp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return nil, &model.Error{
			Kind:    model.KindSafety,
			Message: fmt.Sprintf("prompt blocked: %s", fb.BlockReason),
		}
	}

	if len(genResp.Candidates) == 0 {
		return nil, model.NewError(model.KindServer, "no candidates in Gemini response", nil)
	}

	candidate := genResp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent,
		genai.FinishReasonBlocklist, genai.FinishReasonSPII:
		return nil, &model.Error{
			Kind:    model.KindSafety,
			Message: fmt.Sprintf("response blocked: %s", candidate.FinishReason),
		}
	}

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			text.WriteString(part.Text)
		}
	}

	resp := &model.Response{
		Text:         text.String(),
		FinishReason: mapFinishReason(candidate.FinishReason),
	}

	if genResp.UsageMetadata != nil {
		resp.Usage = &model.Usage{
			PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
		}
	}

	return resp, nil
}

func mapFinishReason(reason genai.FinishReason) model.FinishReason {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return model.FinishReasonLength
	case genai.FinishReasonSafety:
		return model.FinishReasonContent
	default:
		return model.FinishReasonStop
	}
}

// classifyError maps SDK errors onto the model.Kind taxonomy.
func classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiError(apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiError(*apiErrPtr, err)
	}

	kind := model.Classify(err)
	return &model.Error{Kind: kind, Message: "Gemini generation failed", Err: err}
}

func apiError(apiErr genai.APIError, err error) *model.Error {
	kind := model.KindForStatus(apiErr.Code)
	status := strings.ToUpper(apiErr.Status)
	switch {
	case status == "RESOURCE_EXHAUSTED":
		kind = model.KindQuota
	case status == "UNAVAILABLE":
		kind = model.KindServer
	case status == "UNAUTHENTICATED", status == "PERMISSION_DENIED":
		kind = model.KindAuth
	case apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "api key"):
		kind = model.KindAuth
	}
	return &model.Error{
		Kind:    kind,
		Status:  apiErr.Code,
		Message: apiErr.Message,
		Err:     err,
	}
}

var _ model.Gateway = (*Gateway)(nil)
