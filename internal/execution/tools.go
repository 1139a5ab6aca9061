package execution

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/carat-studio/internal/domain"
	openai "github.com/sashabaranov/go-openai"
)

// ToolParams are the exact inputs of an image API call. The delegated and
// the direct path receive the same value.
type ToolParams struct {
	Action domain.Action
	Prompt string
	Size   string
	// Image and Mask are 8-bit RGBA PNGs of equal dimensions (edit only).
	Image []byte
	Mask  []byte
}

// ImageTools are direct calls to the external image model.
type ImageTools interface {
	Generate(ctx context.Context, p ToolParams) ([]byte, error)
	Edit(ctx context.Context, p ToolParams) ([]byte, error)
}

var errEmptyImageResponse = errors.New("image api returned no data")

// OpenAITools implements ImageTools with the OpenAI Images API.
type OpenAITools struct {
	client        *openai.Client
	generateModel string
	editModel     string
	logger        *slog.Logger
}

var _ ImageTools = (*OpenAITools)(nil)

// NewOpenAITools creates image tools. Empty model names select dall-e-3
// for generation and dall-e-2 for edits.
func NewOpenAITools(client *openai.Client, generateModel, editModel string, logger *slog.Logger) *OpenAITools {
	if logger == nil {
		logger = slog.Default()
	}
	if generateModel == "" {
		generateModel = openai.CreateImageModelDallE3
	}
	if editModel == "" {
		editModel = openai.CreateImageModelDallE2
	}
	return &OpenAITools{client: client, generateModel: generateModel, editModel: editModel, logger: logger}
}

// Generate creates a new image from p.Prompt.
func (t *OpenAITools) Generate(ctx context.Context, p ToolParams) ([]byte, error) {
	resp, err := t.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         p.Prompt,
		Model:          t.generateModel,
		N:              1,
		Size:           p.Size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}
	if len(resp.Data) > 0 && resp.Data[0].RevisedPrompt != "" {
		t.logger.Debug("image prompt revised", "revised_prompt", resp.Data[0].RevisedPrompt)
	}
	return firstImage(resp)
}

// Edit changes p.Image where p.Mask is transparent. Without a mask the
// transparent pixels of p.Image act as the mask.
func (t *OpenAITools) Edit(ctx context.Context, p ToolParams) ([]byte, error) {
	image, cleanup, err := tempPNG("carat-image-*.png", p.Image)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	req := openai.ImageEditRequest{
		Image:          image,
		Prompt:         p.Prompt,
		Model:          t.editModel,
		N:              1,
		Size:           p.Size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	}
	if len(p.Mask) > 0 {
		maskFile, cleanupMask, err := tempPNG("carat-mask-*.png", p.Mask)
		if err != nil {
			return nil, err
		}
		defer cleanupMask()
		req.Mask = maskFile
	}

	resp, err := t.client.CreateEditImage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("edit image: %w", err)
	}
	return firstImage(resp)
}

func firstImage(resp openai.ImageResponse) ([]byte, error) {
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, errEmptyImageResponse
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}
	return data, nil
}

// tempPNG writes data to a temp file positioned at its start. The upload
// takes its file name, so the pattern carries the .png extension.
func tempPNG(pattern string, data []byte) (*os.File, func(), error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	if _, err := f.Write(data); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("write temp file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("rewind temp file: %w", err)
	}
	return f, cleanup, nil
}
