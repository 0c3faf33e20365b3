package steps

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/property-research/internal/config"
	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/resilience"
	"github.com/sells-group/property-research/pkg/anthropic"
)

const testModel = "claude-haiku-4-5-20251001"

func newTestExtractor(t *testing.T, client anthropic.Client, retry resilience.RetryConfig) *Extractor {
	t.Helper()
	cat, err := DefaultCatalogue()
	require.NoError(t, err)
	return NewExtractor(client, config.AnthropicConfig{Model: testModel, MaxTokens: 4096}, retry, cat)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "Lujo en el coraz", truncate("Lujo en el corazón", 17))
	assert.Equal(t, "short", truncate("short", 500))
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose", `Here you go: {"a":{"b":2}} hope that helps`, `{"a":{"b":2}}`},
		{"empty", "  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanJSON(tt.in))
		})
	}
}

func TestDefaultCatalogue(t *testing.T) {
	cat, err := DefaultCatalogue()
	require.NoError(t, err)

	assert.NotEmpty(t, cat.System)
	for _, kind := range []model.StepKind{model.StepProperty, model.StepAmenities, model.StepFloorPlans, model.StepOffers} {
		p, ok := cat.Get(kind)
		require.True(t, ok, kind)
		assert.NotEmpty(t, p.Task)
		assert.Positive(t, p.MaxTokens)
		assert.Contains(t, p.SchemaJSON(), `"type": "object"`)
	}
	_, ok := cat.Get(model.StepImages)
	assert.False(t, ok)
}

func TestParseCatalogue_Errors(t *testing.T) {
	_, err := ParseCatalogue([]byte("prompts: {}\n"))
	assert.ErrorContains(t, err, "no system prompt")

	_, err = ParseCatalogue([]byte("system: hi\nprompts:\n  pets:\n    task: x\n    schema: {type: object}\n"))
	assert.True(t, eris.Is(err, model.ErrUnknownStep))

	_, err = ParseCatalogue([]byte("system: hi\nprompts:\n  offers:\n    schema: {type: object}\n"))
	assert.ErrorContains(t, err, "has no task")

	_, err = ParseCatalogue([]byte("system: hi\nprompts:\n  offers:\n    task: x\n    schema: {type: 12}\n"))
	assert.ErrorContains(t, err, "compile offers schema")

	_, err = ParseCatalogue([]byte("system: [unterminated"))
	assert.ErrorContains(t, err, "parse prompt catalogue")
}

func TestPrompt_Validate(t *testing.T) {
	cat, err := DefaultCatalogue()
	require.NoError(t, err)
	p, _ := cat.Get(model.StepOffers)

	assert.NoError(t, p.Validate(map[string]any{"offers": []any{}}))
	assert.Error(t, p.Validate(map[string]any{}))
	assert.Error(t, p.Validate(map[string]any{"offers": []any{map[string]any{"title": ""}}}))
}

func TestExtract_RequestShape(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == testModel &&
			req.MaxTokens == 2048 &&
			len(req.System) == 2 &&
			req.System[0].CacheControl == nil &&
			req.System[1].CacheControl != nil &&
			req.System[1].Text != "" &&
			req.Messages[0].Role == "user"
	})).Return(textResponse("```json\n{\"amenities\":[{\"name\":\"Pool\",\"category\":\"community\"}]}\n```"), nil).Once()

	ex := newTestExtractor(t, client, noRetry)
	var out struct {
		Amenities []model.Amenity `json:"amenities"`
	}
	require.NoError(t, ex.Extract(context.Background(), model.StepAmenities, samplePages(), &out))

	assert.Equal(t, []model.Amenity{{Name: "Pool", Category: "community"}}, out.Amenities)
	client.AssertExpectations(t)
}

func TestExtract_SystemBlocksCarrySiteContent(t *testing.T) {
	client := new(mockAnthropicClient)
	var captured anthropic.MessageRequest
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(1).(anthropic.MessageRequest) }).
		Return(textResponse(`{"offers":[]}`), nil).Once()

	ex := newTestExtractor(t, client, noRetry)
	var out struct {
		Offers []model.Offer `json:"offers"`
	}
	require.NoError(t, ex.Extract(context.Background(), model.StepOffers, samplePages(), &out))

	require.Len(t, captured.System, 2)
	assert.Contains(t, captured.System[1].Text, "Website content:")
	assert.Contains(t, captured.System[1].Text, "https://www.oakridge.com/amenities")
	assert.Contains(t, captured.Messages[0].Content, "leasing specials")
	assert.Contains(t, captured.Messages[0].Content, `"required"`)
	assert.Empty(t, out.Offers)
}

func TestExtract_SchemaRejection(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"amenities":[{"category":"rooftop"}]}`), nil).Once()

	ex := newTestExtractor(t, client, noRetry)
	var out map[string]any
	err := ex.Extract(context.Background(), model.StepAmenities, samplePages(), &out)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match schema")
	assert.Nil(t, out)
}

func TestExtract_NotJSON(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("I could not find any floor plans."), nil).Once()

	ex := newTestExtractor(t, client, noRetry)
	var out map[string]any
	err := ex.Extract(context.Background(), model.StepFloorPlans, samplePages(), &out)
	assert.ErrorContains(t, err, "parse response JSON")
}

func TestExtract_RetriesTransientError(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, &anthropic.APIError{StatusCode: 529, Message: "overloaded"}).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"offers":[{"title":"One month free"}]}`), nil).Once()

	retry := resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	ex := newTestExtractor(t, client, retry)

	var out struct {
		Offers []model.Offer `json:"offers"`
	}
	require.NoError(t, ex.Extract(context.Background(), model.StepOffers, samplePages(), &out))
	assert.Equal(t, "One month free", out.Offers[0].Title)
	client.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestExtract_PermanentErrorNotRetried(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, &anthropic.APIError{StatusCode: 400, Message: "bad request"}).Once()

	retry := resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	ex := newTestExtractor(t, client, retry)

	var out map[string]any
	err := ex.Extract(context.Background(), model.StepOffers, samplePages(), &out)
	assert.ErrorContains(t, err, "HTTP 400")
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestExtract_NoContent(t *testing.T) {
	client := new(mockAnthropicClient)
	ex := newTestExtractor(t, client, noRetry)

	var out map[string]any
	err := ex.Extract(context.Background(), model.StepOffers, &model.PageSet{}, &out)
	assert.True(t, eris.Is(err, ErrNoContent))
	client.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestExtract_UnknownPrompt(t *testing.T) {
	ex := newTestExtractor(t, new(mockAnthropicClient), noRetry)
	var out map[string]any
	assert.ErrorContains(t, ex.Extract(context.Background(), model.StepImages, samplePages(), &out), "no prompt for images")
}
