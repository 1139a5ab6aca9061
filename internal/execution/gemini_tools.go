package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// DefaultGeminiModel is the image-capable Gemini model used when none is set.
const DefaultGeminiModel = "gemini-2.5-flash-image-preview"

// maskHint tells the model how to read the second inline image of an edit.
const maskHint = "The second image is an edit mask of the same size: change only the fully transparent region and keep every opaque pixel of the first image unchanged."

// GeminiConfig configures GeminiTools.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// GeminiTools implements ImageTools with the Gemini generateContent API.
// Edits send the source and the mask as inline PNG parts.
type GeminiTools struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

var _ ImageTools = (*GeminiTools)(nil)

// NewGeminiTools creates Gemini-backed image tools.
func NewGeminiTools(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiTools, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiTools{client: client, model: model, logger: logger}, nil
}

// Generate creates a new image from p.Prompt.
func (t *GeminiTools) Generate(ctx context.Context, p ToolParams) ([]byte, error) {
	parts := []*genai.Part{genai.NewPartFromText(p.Prompt)}
	return t.generate(ctx, parts)
}

// Edit changes p.Image according to p.Prompt, restricted to p.Mask when present.
func (t *GeminiTools) Edit(ctx context.Context, p ToolParams) ([]byte, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(p.Prompt),
		{InlineData: &genai.Blob{MIMEType: "image/png", Data: p.Image}},
	}
	if len(p.Mask) > 0 {
		parts = append(parts,
			&genai.Part{InlineData: &genai.Blob{MIMEType: "image/png", Data: p.Mask}},
			genai.NewPartFromText(maskHint),
		)
	}
	return t.generate(ctx, parts)
}

func (t *GeminiTools) generate(ctx context.Context, parts []*genai.Part) ([]byte, error) {
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	res, err := t.client.Models.GenerateContent(ctx, t.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	for _, c := range res.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, nil
			}
			if part.Text != "" {
				t.logger.Debug("gemini text part", "text", part.Text)
			}
		}
	}
	return nil, errEmptyImageResponse
}
