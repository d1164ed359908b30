package gemini

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/kadirpekel/tempo/pkg/model"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestToGenaiSchema(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":  map[string]any{"type": "string", "description": "Song title"},
			"lines":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"status": map[string]any{"type": "string", "enum": []any{"ok", "fix"}},
		},
		"required": []any{"title"},
	}

	s := toGenaiSchema(schema)
	require.NotNil(t, s)
	assert.Equal(t, genai.Type("OBJECT"), s.Type)
	assert.Equal(t, []string{"title"}, s.Required)
	assert.Equal(t, "Song title", s.Properties["title"].Description)
	assert.Equal(t, genai.Type("STRING"), s.Properties["lines"].Items.Type)
	assert.Equal(t, []string{"ok", "fix"}, s.Properties["status"].Enum)
	assert.Nil(t, toGenaiSchema(nil))
}

func TestParseResponse(t *testing.T) {
	resp, err := parseResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking...", Thought: true},
				{Text: "hello "},
				{Text: "world"},
			}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     3,
			CandidatesTokenCount: 2,
			TotalTokenCount:      5,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, model.FinishReasonStop, resp.FinishReason)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestParseResponse_Safety(t *testing.T) {
	_, err := parseResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
	})
	assert.Equal(t, model.KindSafety, model.Classify(err))

	_, err = parseResponse(&genai.GenerateContentResponse{
		PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
	})
	assert.Equal(t, model.KindSafety, model.Classify(err))
}

func TestParseResponse_Empty(t *testing.T) {
	_, err := parseResponse(&genai.GenerateContentResponse{})
	assert.Equal(t, model.KindServer, model.Classify(err))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want model.Kind
	}{
		{genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}, model.KindQuota},
		{genai.APIError{Code: 503, Status: "UNAVAILABLE"}, model.KindServer},
		{genai.APIError{Code: 401, Status: "UNAUTHENTICATED"}, model.KindAuth},
		{genai.APIError{Code: 400, Message: "API key not valid"}, model.KindAuth},
		{fmt.Errorf("wrapped: %w", genai.APIError{Code: 500}), model.KindServer},
		{errors.New("mystery"), model.KindUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, model.Classify(classifyError(tt.err)), tt.err.Error())
	}
}

func TestBuildContent(t *testing.T) {
	c := buildContent([]model.Part{
		model.TextPart("describe"),
		model.BytesPart([]byte{0x1}, "image/png"),
		model.URIPart("gs://bucket/cover.jpg", "image/jpeg"),
	})
	require.Len(t, c.Parts, 3)
	assert.Equal(t, "describe", c.Parts[0].Text)
	assert.Equal(t, "image/png", c.Parts[1].InlineData.MIMEType)
	assert.Equal(t, "gs://bucket/cover.jpg", c.Parts[2].FileData.FileURI)
}
