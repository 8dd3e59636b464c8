// Package openlibrary fetches book metadata from the Open Library Books API.
package openlibrary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/domain"
	"github.com/Marcelo-Nobre/virtual-book-catalog/internal/metrics"
)

const (
	DefaultBaseURL  = "https://openlibrary.org"
	httpCallTimeout = 10 * time.Second
)

// Client implements domain.MetadataLookup against the Open Library
// "api/books" endpoint (jscmd=data variant, which inlines author names).
// Calls run behind a circuit breaker; while the circuit is open, recent
// results are served from a short-lived cache.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    circuitbreaker.CircuitBreaker[any]
	cache      *metaCache
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: httpCallTimeout},
		breaker:    newLookupBreaker(),
		cache:      newMetaCache(),
	}
}

func (c *Client) LookupISBN(ctx context.Context, isbn string) (*domain.BookMetadata, error) {
	timer := prometheus.NewTimer(metrics.LookupDuration)
	defer timer.ObserveDuration()

	if !c.breaker.TryAcquirePermit() {
		if meta := c.cache.get(isbn); meta != nil {
			slog.Debug("Lookup circuit open, serving cached metadata", "isbn", isbn)
			metrics.LookupRequestsTotal.WithLabelValues("cached").Inc()
			return meta, nil
		}
		metrics.LookupRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("open library lookup rejected: %w", circuitbreaker.ErrOpen)
	}

	meta, err := c.lookup(ctx, isbn)
	switch {
	case err == nil:
		// An answered request is a healthy upstream, found or not.
		c.breaker.RecordSuccess()
		c.cache.put(isbn, meta)
		metrics.LookupRequestsTotal.WithLabelValues("found").Inc()
	case errors.Is(err, domain.ErrMetadataNotFound):
		c.breaker.RecordSuccess()
		metrics.LookupRequestsTotal.WithLabelValues("not_found").Inc()
	default:
		c.breaker.RecordError(err)
		metrics.LookupRequestsTotal.WithLabelValues("error").Inc()
	}
	return meta, err
}

func (c *Client) lookup(ctx context.Context, isbn string) (*domain.BookMetadata, error) {
	bibkey := "ISBN:" + isbn

	query := url.Values{}
	query.Set("bibkeys", bibkey)
	query.Set("format", "json")
	query.Set("jscmd", "data")

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/books", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup request: %w", err)
	}
	req.URL.RawQuery = query.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open library returned status %d", resp.StatusCode)
	}

	var payload map[string]struct {
		Title   string `json:"title"`
		Authors []struct {
			Name string `json:"name"`
		} `json:"authors"`
		PublishDate   string `json:"publish_date"`
		NumberOfPages int    `json:"number_of_pages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode lookup response: %w", err)
	}

	// Open Library answers 200 with an empty object for unknown ISBNs.
	entry, found := payload[bibkey]
	if !found {
		return nil, domain.ErrMetadataNotFound
	}

	meta := &domain.BookMetadata{
		ISBN:          isbn,
		Title:         entry.Title,
		PublishDate:   entry.PublishDate,
		NumberOfPages: entry.NumberOfPages,
	}
	for _, a := range entry.Authors {
		if a.Name != "" {
			meta.Authors = append(meta.Authors, a.Name)
		}
	}
	return meta, nil
}
