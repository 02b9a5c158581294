package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/flowline/internal/domain"
)

// DependencyVision is the breaker name for the vision model provider.
const DependencyVision = "vision_model"

const visionPrompt = "Describe this image in two or three factual sentences. " +
	"Mention visible text, subjects and composition. Do not speculate."

// VisionService generates image descriptions through an OpenAI-compatible
// chat-completions endpoint.
type VisionService struct {
	client   *resty.Client
	model    string
	endpoint string
}

// VisionConfig holds configuration for the vision client.
type VisionConfig struct {
	Model   string
	APIKey  string
	BaseURL string
}

// NewVisionService creates a vision model client.
func NewVisionService(cfg *VisionConfig) *VisionService {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(60 * time.Second)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &VisionService{
		client:   client,
		model:    cfg.Model,
		endpoint: baseURL + "/chat/completions",
	}
}

// Model returns the model name being used.
func (s *VisionService) Model() string {
	return s.model
}

// OpenAI-compatible chat completion request/response structures.
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string, or []interface{} for image parts
}

type chatTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatImageContent struct {
	Type     string       `json:"type"`
	ImageURL chatImageURL `json:"image_url"`
}

type chatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Describe generates a description for an image.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - imageData: raw image bytes in a supported format (jpg, png, webp).
//   - format: image format extension.
// Returns:
//   - string: generated description text.
//   - error: classified domain error if the API request fails.
func (s *VisionService) Describe(ctx context.Context, imageData []byte, format string) (string, error) {
	mimeType := mimeTypeFor(format)
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(imageData))

	req := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []interface{}{
					chatTextContent{Type: "text", Text: visionPrompt},
					chatImageContent{
						Type:     "image_url",
						ImageURL: chatImageURL{URL: dataURL, Detail: "low"},
					},
				},
			},
		},
		MaxTokens: 300,
	}

	var out chatResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(s.endpoint)
	if err != nil {
		return "", classifyTransportError(DependencyVision, err)
	}
	if resp.IsError() {
		return "", classifyStatus(DependencyVision, resp, "image description")
	}
	if out.Error != nil {
		return "", domain.Unavailable(DependencyVision, fmt.Errorf("%s: %s", out.Error.Type, out.Error.Message))
	}
	if len(out.Choices) == 0 {
		return "", domain.Unavailable(DependencyVision, fmt.Errorf("empty choices"))
	}

	return out.Choices[0].Message.Content, nil
}

func mimeTypeFor(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
