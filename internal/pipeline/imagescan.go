package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"github.com/timmy/flowline/internal/breaker"
	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/repository"
	"github.com/timmy/flowline/internal/service"
	"github.com/timmy/flowline/internal/storage"
)

// ImageScanner walks the images under a blob storage prefix, describes each
// one with the vision model, embeds the description, and upserts the vector.
// Vision and embedding calls go through the circuit breaker.
type ImageScanner struct {
	blobs     storage.ObjectStorage
	vision    *service.VisionService
	embedding *service.EmbeddingService
	vectors   *repository.VectorRepository
	breaker   *breaker.Breaker
}

func NewImageScanner(blobs storage.ObjectStorage, vision *service.VisionService, embedding *service.EmbeddingService, vectors *repository.VectorRepository, b *breaker.Breaker) *ImageScanner {
	return &ImageScanner{
		blobs:     blobs,
		vision:    vision,
		embedding: embedding,
		vectors:   vectors,
		breaker:   b,
	}
}

func (p *ImageScanner) Kind() domain.JobKind {
	return domain.JobKindImageScan
}

// scanInput is the accepted JSON input shape: {"prefix": "uploads/batch-7/"}.
type scanInput struct {
	Prefix string `json:"prefix"`
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// Parse lists the keys under the prefix and keeps the ones that look like
// images. Item payloads are the keys themselves; batch sizing then leans on
// the floor, which suits the heavy per-item work here.
func (p *ImageScanner) Parse(ctx context.Context, input []byte) ([]Item, error) {
	var in scanInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, domain.Validation("invalid image scan input: %v", err)
	}
	if in.Prefix == "" {
		return nil, domain.Validation("image scan input requires a prefix")
	}

	keys, err := p.blobs.List(ctx, in.Prefix)
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, key := range keys {
		dot := strings.LastIndex(key, ".")
		if dot < 0 || !imageExtensions[strings.ToLower(key[dot:])] {
			continue
		}
		items = append(items, Item{
			Index:   len(items),
			ID:      key,
			Payload: []byte(key),
		})
	}
	if len(items) == 0 {
		return nil, domain.Validation("no images found under prefix %q", in.Prefix)
	}
	return items, nil
}

// Process runs the full chain for one image: download, extract dimensions,
// describe, embed, upsert.
func (p *ImageScanner) Process(ctx context.Context, jobID string, item Item) (map[string]interface{}, error) {
	reader, err := p.blobs.Download(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, domain.Validation("cannot decode image %s: %v", item.ID, err)
	}

	var description string
	err = p.breaker.Call(ctx, service.DependencyVision, func(ctx context.Context) error {
		var describeErr error
		description, describeErr = p.vision.Describe(ctx, data, format)
		return describeErr
	})
	if err != nil {
		return nil, err
	}

	var vector []float32
	err = p.breaker.Call(ctx, service.DependencyEmbedding, func(ctx context.Context) error {
		var embedErr error
		vector, embedErr = p.embedding.Embed(ctx, description)
		return embedErr
	})
	if err != nil {
		return nil, err
	}

	// Deterministic point ID so a retried item overwrites its own vector.
	pointID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(jobID+"/"+item.ID)).String()
	payload := &repository.ScanPayload{
		JobID:       jobID,
		ImageKey:    item.ID,
		Description: description,
		Width:       cfg.Width,
		Height:      cfg.Height,
		Format:      format,
	}
	if err := p.vectors.Upsert(ctx, pointID, vector, payload); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"image_key":   item.ID,
		"point_id":    pointID,
		"description": description,
		"width":       cfg.Width,
		"height":      cfg.Height,
		"format":      format,
	}, nil
}
