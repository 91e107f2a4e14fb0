package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"

	"github.com/nullptr-z/Q-bot/internal/metrics"
)

// GeneratedImage is a base64-encoded picture and the prompt the service
// actually used.
type GeneratedImage struct {
	B64JSON       string
	RevisedPrompt string
}

// ImageGenerator draws a picture from a prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (*GeneratedImage, error)
}

// OpenAIImages implements ImageGenerator with the OpenAI images API.
type OpenAIImages struct {
	client *openai.Client
	model  string
	size   string
}

// NewOpenAIImages creates an image client. size is one of the sizes the
// model accepts, e.g. "1024x1024".
func NewOpenAIImages(client *openai.Client, model, size string) *OpenAIImages {
	return &OpenAIImages{client: client, model: model, size: size}
}

func (g *OpenAIImages) Generate(ctx context.Context, prompt string) (*GeneratedImage, error) {
	start := time.Now()

	resp, err := g.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(g.model),
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize(g.size),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("image generation: %w", err)
	}
	metrics.StageDuration.WithLabelValues("image").Observe(time.Since(start).Seconds())

	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, ErrNoImage
	}
	return &GeneratedImage{
		B64JSON:       resp.Data[0].B64JSON,
		RevisedPrompt: resp.Data[0].RevisedPrompt,
	}, nil
}

var _ ImageGenerator = (*OpenAIImages)(nil)
