package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/flowline/internal/domain"
)

// DependencyMetadata is the breaker name for the book-metadata provider.
const DependencyMetadata = "metadata_provider"

// MetadataService queries the external book-metadata provider used by the
// enrichment pipeline.
type MetadataService struct {
	client  *resty.Client
	baseURL string
}

// MetadataConfig holds configuration for the metadata provider client.
type MetadataConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// BookMetadata is the enrichment result for a single identifier.
type BookMetadata struct {
	ISBN          string   `json:"isbn"`
	Title         string   `json:"title"`
	Authors       []string `json:"authors,omitempty"`
	Publisher     string   `json:"publisher,omitempty"`
	PublishedYear int      `json:"published_year,omitempty"`
	PageCount     int      `json:"page_count,omitempty"`
	CoverURL      string   `json:"cover_url,omitempty"`
}

// NewMetadataService creates a metadata provider client.
func NewMetadataService(cfg *MetadataConfig) *MetadataService {
	client := resty.New()
	client.SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client.SetTimeout(timeout)

	return &MetadataService{
		client:  client,
		baseURL: cfg.BaseURL,
	}
}

type metadataResponse struct {
	Title   string `json:"title"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
	Publishers []struct {
		Name string `json:"name"`
	} `json:"publishers"`
	NumberOfPages int `json:"number_of_pages"`
	Cover         struct {
		Large string `json:"large"`
	} `json:"cover"`
	PublishDate string `json:"publish_date"`
}

// Lookup fetches metadata for one ISBN.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - isbn: the identifier to enrich.
// Returns:
//   - *BookMetadata: provider record on success.
//   - error: classified domain error (timeout, unavailable, rate limited,
//     not found) so the caller's retry policy can act on it.
func (s *MetadataService) Lookup(ctx context.Context, isbn string) (*BookMetadata, error) {
	var out metadataResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("%s/isbn/%s.json", s.baseURL, isbn))
	if err != nil {
		return nil, classifyTransportError(DependencyMetadata, err)
	}

	if resp.IsError() {
		return nil, classifyStatus(DependencyMetadata, resp, "isbn "+isbn)
	}

	meta := &BookMetadata{
		ISBN:      isbn,
		Title:     out.Title,
		PageCount: out.NumberOfPages,
		CoverURL:  out.Cover.Large,
	}
	for _, a := range out.Authors {
		meta.Authors = append(meta.Authors, a.Name)
	}
	if len(out.Publishers) > 0 {
		meta.Publisher = out.Publishers[0].Name
	}
	if year, err := strconv.Atoi(lastField(out.PublishDate)); err == nil {
		meta.PublishedYear = year
	}

	if meta.Title == "" {
		return nil, domain.NotFound("metadata for isbn " + isbn)
	}
	return meta, nil
}

// lastField returns the trailing whitespace-separated token, which is where
// the provider puts the year in dates like "Jan 12, 2004".
func lastField(s string) string {
	last := ""
	field := ""
	for _, r := range s {
		if r == ' ' || r == ',' {
			if field != "" {
				last = field
			}
			field = ""
			continue
		}
		field += string(r)
	}
	if field != "" {
		last = field
	}
	return last
}

// classifyTransportError maps low-level client errors onto the domain taxonomy.
func classifyTransportError(dependency string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.Timeout(dependency, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Timeout(dependency, err)
	}
	return domain.Unavailable(dependency, err)
}

// classifyStatus maps HTTP error statuses onto the domain taxonomy.
func classifyStatus(dependency string, resp *resty.Response, what string) error {
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return domain.NotFound(what)
	case resp.StatusCode() == http.StatusTooManyRequests:
		retryAfter := 5 * time.Second
		if v, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil && v > 0 {
			retryAfter = time.Duration(v) * time.Second
		}
		return domain.RateLimited(dependency, retryAfter)
	case resp.StatusCode() >= 500:
		return domain.Unavailable(dependency, fmt.Errorf("status %d", resp.StatusCode()))
	default:
		return domain.Validation("%s rejected request: status %d", dependency, resp.StatusCode())
	}
}
