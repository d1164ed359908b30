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

// Package model defines the completion gateway contract for tempo.
//
// A Gateway performs exactly one network call to a generative backend.
// It carries no retry or rate limiting logic; those live in pkg/retry and
// pkg/ratelimit and wrap every Complete call.
//
// Errors returned by a Gateway should be *Error values (or wrap one) so the
// retry policy can classify them. Classify falls back to inspecting
// well-known transport errors when a gateway returns something else.
package model

import (
	"context"
	"strings"
)

// Gateway is the single entry point to a generative backend.
type Gateway interface {
	// Complete performs one call against the model identified by modelID.
	Complete(ctx context.Context, modelID string, req *Request) (*Response, error)

	// Close releases any resources held by the gateway.
	Close() error
}

// Request is a structured completion request.
type Request struct {
	// Parts is the content payload (text and/or media references).
	Parts []Part

	// SystemInstruction is prepended to the conversation.
	SystemInstruction string

	// Config contains generation configuration.
	Config *GenerateConfig
}

// PartKind identifies the payload carried by a Part.
type PartKind string

const (
	PartText  PartKind = "text"
	PartBytes PartKind = "bytes"
	PartURI   PartKind = "uri"
)

// Part is one element of a request payload.
type Part struct {
	Kind PartKind

	// Text is set for PartText.
	Text string

	// Data is set for PartBytes (inline media).
	Data []byte

	// URI is set for PartURI (media stored with the provider or remotely).
	URI string

	// MIMEType describes Data or URI.
	MIMEType string
}

// TextPart creates a text part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// BytesPart creates an inline media part.
func BytesPart(data []byte, mimeType string) Part {
	return Part{Kind: PartBytes, Data: data, MIMEType: mimeType}
}

// URIPart creates a media reference part.
func URIPart(uri, mimeType string) Part {
	return Part{Kind: PartURI, URI: uri, MIMEType: mimeType}
}

// HasMedia reports whether the request carries any non-text part.
func (r *Request) HasMedia() bool {
	if r == nil {
		return false
	}
	for _, p := range r.Parts {
		if p.Kind != PartText {
			return true
		}
	}
	return false
}

// GenerateConfig contains configuration for generation.
type GenerateConfig struct {
	// Temperature controls randomness (0-2).
	Temperature *float64

	// MaxTokens limits the response length.
	MaxTokens *int

	// ResponseMIMEType for structured output (e.g., "application/json").
	ResponseMIMEType string

	// ResponseSchema for structured output.
	ResponseSchema map[string]any
}

// Clone creates a deep copy of the GenerateConfig.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}

	clone := *c

	if c.Temperature != nil {
		temp := *c.Temperature
		clone.Temperature = &temp
	}

	if c.MaxTokens != nil {
		maxTok := *c.MaxTokens
		clone.MaxTokens = &maxTok
	}

	if c.ResponseSchema != nil {
		clone.ResponseSchema = deepCopyMap(c.ResponseSchema)
	}

	return &clone
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	result := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			result[k] = deepCopyMap(val)
		case []any:
			result[k] = deepCopySlice(val)
		default:
			result[k] = v
		}
	}
	return result
}

func deepCopySlice(s []any) []any {
	if s == nil {
		return nil
	}

	result := make([]any, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case map[string]any:
			result[i] = deepCopyMap(val)
		case []any:
			result[i] = deepCopySlice(val)
		default:
			result[i] = v
		}
	}
	return result
}

// Response contains the result of a completion call.
type Response struct {
	// Text is the concatenated text output.
	Text string

	// Usage statistics.
	Usage *Usage

	// FinishReason indicates why generation stopped.
	FinishReason FinishReason
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	FinishReasonStop    FinishReason = "stop"
	FinishReasonLength  FinishReason = "length"
	FinishReasonContent FinishReason = "content_filter"
	FinishReasonError   FinishReason = "error"
)

// TextContent returns the trimmed text of a response.
func (r *Response) TextContent() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Text)
}
