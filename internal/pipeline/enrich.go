package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/timmy/flowline/internal/breaker"
	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/service"
)

// Enricher looks up external metadata for a list of identifiers. Provider
// calls go through the circuit breaker so a metadata outage fails fast
// instead of stalling every item for a full timeout.
type Enricher struct {
	metadata *service.MetadataService
	breaker  *breaker.Breaker
}

func NewEnricher(metadata *service.MetadataService, b *breaker.Breaker) *Enricher {
	return &Enricher{metadata: metadata, breaker: b}
}

func (p *Enricher) Kind() domain.JobKind {
	return domain.JobKindEnrichment
}

// enrichInput is the accepted JSON input shape: {"ids": ["...", ...]}.
type enrichInput struct {
	IDs []string `json:"ids"`
}

// Parse accepts either the JSON id-list shape or a bare newline-separated
// list, and dedupes while preserving first-seen order.
func (p *Enricher) Parse(ctx context.Context, input []byte) ([]Item, error) {
	var ids []string
	trimmed := strings.TrimSpace(string(input))
	if strings.HasPrefix(trimmed, "{") {
		var in enrichInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, domain.Validation("invalid enrichment input: %v", err)
		}
		ids = in.IDs
	} else {
		for _, line := range strings.Split(trimmed, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				ids = append(ids, line)
			}
		}
	}
	if len(ids) == 0 {
		return nil, domain.Validation("enrichment input has no identifiers")
	}

	seen := make(map[string]struct{}, len(ids))
	var items []Item
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, Item{
			Index:   len(items),
			ID:      id,
			Payload: []byte(id),
		})
	}
	return items, nil
}

// Process fetches provider metadata for one identifier.
func (p *Enricher) Process(ctx context.Context, jobID string, item Item) (map[string]interface{}, error) {
	var meta *service.BookMetadata
	err := p.breaker.Call(ctx, service.DependencyMetadata, func(ctx context.Context) error {
		var lookupErr error
		meta, lookupErr = p.metadata.Lookup(ctx, item.ID)
		return lookupErr
	})
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"isbn":  meta.ISBN,
		"title": meta.Title,
	}
	if len(meta.Authors) > 0 {
		result["authors"] = meta.Authors
	}
	if meta.Publisher != "" {
		result["publisher"] = meta.Publisher
	}
	if meta.PublishedYear != 0 {
		result["published_year"] = meta.PublishedYear
	}
	if meta.PageCount != 0 {
		result["page_count"] = meta.PageCount
	}
	if meta.CoverURL != "" {
		result["cover_url"] = meta.CoverURL
	}
	return result, nil
}
