package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/flowline/internal/domain"
)

// DependencyEmbedding is the breaker name for the embedding provider.
const DependencyEmbedding = "embedding_provider"

// EmbeddingService turns image descriptions into vectors for the scan index.
type EmbeddingService struct {
	client     *resty.Client
	model      string
	endpoint   string
	dimensions int
}

// EmbeddingConfig holds configuration for the embedding client.
type EmbeddingConfig struct {
	Model      string
	APIKey     string
	BaseURL    string
	Dimensions int
}

// NewEmbeddingService creates an embedding client.
func NewEmbeddingService(cfg *EmbeddingConfig) *EmbeddingService {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(30 * time.Second)

	return &EmbeddingService{
		client:     client,
		model:      cfg.Model,
		endpoint:   cfg.BaseURL + "/embeddings",
		dimensions: cfg.Dimensions,
	}
}

// Model returns the model name being used.
func (s *EmbeddingService) Model() string {
	return s.model
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates an embedding vector for text.
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	req := embeddingRequest{
		Model:      s.model,
		Input:      []string{text},
		Dimensions: s.dimensions,
	}

	var out embeddingResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(s.endpoint)
	if err != nil {
		return nil, classifyTransportError(DependencyEmbedding, err)
	}
	if resp.IsError() {
		return nil, classifyStatus(DependencyEmbedding, resp, "embedding")
	}
	if len(out.Data) == 0 {
		return nil, domain.Unavailable(DependencyEmbedding, fmt.Errorf("empty embedding response"))
	}

	return out.Data[0].Embedding, nil
}
