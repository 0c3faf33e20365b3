package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/property-research/internal/config"
	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/resilience"
	"github.com/sells-group/property-research/pkg/anthropic"
)

const defaultContextChars = 60000

// ErrNoContent is returned when a step has no page content to work from.
var ErrNoContent = eris.New("no page content")

// Extractor runs catalogue prompts against crawled site content.
type Extractor struct {
	client       anthropic.Client
	model        string
	maxTokens    int64
	limiter      *rate.Limiter
	retry        resilience.RetryConfig
	prompts      *Catalogue
	contextChars int
}

// NewExtractor creates an Extractor. requests_per_second <= 0 disables pacing.
func NewExtractor(client anthropic.Client, cfg config.AnthropicConfig, retry resilience.RetryConfig, prompts *Catalogue) *Extractor {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Extractor{
		client:       client,
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		limiter:      rate.NewLimiter(limit, 1),
		retry:        retry,
		prompts:      prompts,
		contextChars: defaultContextChars,
	}
}

// Extract runs the prompt for kind over pages, validates the answer against
// the prompt's schema and decodes it into out.
func (e *Extractor) Extract(ctx context.Context, kind model.StepKind, pages *model.PageSet, out any) error {
	prompt, ok := e.prompts.Get(kind)
	if !ok {
		return eris.Errorf("extract: no prompt for %s", kind)
	}

	var content string
	if pages != nil {
		content = model.Markdown(pages.Pages, e.contextChars)
	}
	if strings.TrimSpace(content) == "" {
		return eris.Wrapf(ErrNoContent, "extract: %s", kind)
	}

	maxTokens := prompt.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.maxTokens
	}

	// The system blocks are identical for every step of a site so the
	// content block is served from the prompt cache after the first call.
	req := anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(e.prompts.System, "Website content:\n\n"+content),
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf("%s\nRespond with JSON matching this schema:\n%s", prompt.Task, prompt.SchemaJSON()),
		}},
	}

	resp, err := resilience.DoVal(ctx, e.retry.WithLogger("anthropic", string(kind)), func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return e.client.CreateMessage(ctx, req)
	})
	if err != nil {
		return eris.Wrapf(err, "extract: %s request", kind)
	}
	resp.Usage.LogCost(e.model, string(kind))

	text := cleanJSON(resp.Text())
	if text == "" {
		return eris.Errorf("extract: %s: empty response", kind)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return eris.Wrapf(err, "extract: %s: parse response JSON", kind)
	}
	if err := prompt.Validate(doc); err != nil {
		zap.L().Debug("extract: rejected response",
			zap.String("step", string(kind)),
			zap.String("response", truncate(text, 500)),
		)
		return eris.Wrapf(err, "extract: %s", kind)
	}

	if err := json.Unmarshal([]byte(text), out); err != nil {
		return eris.Wrapf(err, "extract: %s: decode", kind)
	}
	return nil
}

// cleanJSON pulls a JSON object out of text that may carry code fences or
// surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	return model.TruncateUTF8(s, n)
}
