package ebird

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
)

const maxRetries = 3

// Client fetches taxonomy from the eBird API
type Client struct {
	config     Config
	httpClient *http.Client
	cache      *cache.Cache
	limiter    *rate.Limiter
	log        logger.Logger
}

// NewClient creates a new eBird API client. httpClient may be nil.
func NewClient(config Config, httpClient *http.Client, log logger.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.Newf("eBird API key is required").
			Category(errors.CategoryConfiguration).
			Component("ebird").
			Build()
	}

	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaults.RateLimit
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	if log == nil {
		log = logger.Global().Module("ebird")
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		cache:      cache.New(config.CacheTTL, config.CacheTTL*2),
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		log:        log,
	}, nil
}

// GetTaxonomy retrieves the complete eBird taxonomy, optionally localized
func (c *Client) GetTaxonomy(ctx context.Context, locale string) ([]TaxonomyEntry, error) {
	cacheKey := "taxonomy:" + locale
	if cached, found := c.cache.Get(cacheKey); found {
		if taxonomy, ok := cached.([]TaxonomyEntry); ok {
			c.log.Debug("eBird taxonomy cache hit", logger.Int("entries", len(taxonomy)))
			return taxonomy, nil
		}
	}

	query := url.Values{"fmt": {"json"}}
	if locale != "" {
		query.Set("locale", locale)
	}
	endpoint := c.config.BaseURL + "/ref/taxonomy/ebird?" + query.Encode()

	var taxonomy []TaxonomyEntry
	if err := c.doRequestWithRetry(ctx, endpoint, &taxonomy); err != nil {
		return nil, err
	}

	c.cache.Set(cacheKey, taxonomy, cache.DefaultExpiration)
	c.log.Info("eBird taxonomy fetched",
		logger.Int("entries", len(taxonomy)),
		logger.String("locale", locale))
	return taxonomy, nil
}

// ToSpecies keeps the species-level entries and converts them for import
func ToSpecies(entries []TaxonomyEntry) []datastore.Species {
	out := make([]datastore.Species, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.Category != "species" || e.SpeciesCode == "" {
			continue
		}
		out = append(out, datastore.Species{
			Code:           e.SpeciesCode,
			CommonName:     e.CommonName,
			ScientificName: e.ScientificName,
		})
	}
	return out
}

// doRequest performs one rate limited, authenticated GET and decodes the JSON body
func (c *Client) doRequest(ctx context.Context, endpoint string, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.New(err).
			Category(errors.CategoryCancellation).
			Component("ebird").
			Build()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return errors.Newf("failed to create HTTP request: %w", err).
			Category(errors.CategoryNetwork).
			Component("ebird").
			Build()
	}
	req.Header.Set("X-eBirdApiToken", c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Newf("HTTP request failed: %w", err).
			Category(errors.CategoryNetwork).
			Context("url", logger.RedactURL(endpoint)).
			Component("ebird").
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Newf("failed to read response body: %w", err).
			Category(errors.CategoryNetwork).
			Context("status_code", resp.StatusCode).
			Component("ebird").
			Build()
	}

	if resp.StatusCode >= http.StatusBadRequest {
		detail := strings.TrimSpace(string(body))
		var apiErr Error
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Detail != "" {
			detail = apiErr.Detail
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			c.log.Error("eBird API authentication failed, check the API key",
				logger.Int("status_code", resp.StatusCode))
		}
		return errors.Newf("eBird API error (status %d): %s", resp.StatusCode, detail).
			Category(errorCategory(resp.StatusCode)).
			Context("status_code", resp.StatusCode).
			Component("ebird").
			Build()
	}

	if err := json.Unmarshal(body, result); err != nil {
		return errors.Newf("failed to parse response: %w", err).
			Category(errors.CategoryFileParsing).
			Context("response_size", len(body)).
			Component("ebird").
			Build()
	}

	c.log.Debug("eBird API response",
		logger.Int("status_code", resp.StatusCode),
		logger.Int64("duration_ms", time.Since(start).Milliseconds()),
		logger.Int("response_size", len(body)))
	return nil
}

// doRequestWithRetry retries network failures and server errors with linear backoff
func (c *Client) doRequestWithRetry(ctx context.Context, endpoint string, result any) error {
	var lastErr error
	for attempt := range maxRetries {
		err := c.doRequest(ctx, endpoint, result)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == maxRetries-1 {
			break
		}
		c.log.Warn("eBird request failed, retrying",
			logger.Int("attempt", attempt+1),
			logger.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	switch errors.GetCategory(err) {
	case errors.CategoryNetwork:
		return true
	default:
		return false
	}
}

// errorCategory maps HTTP status codes to error categories
func errorCategory(statusCode int) errors.ErrorCategory {
	switch {
	case statusCode == http.StatusNotFound:
		return errors.CategoryNotFound
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return errors.CategoryConfiguration
	case statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError:
		return errors.CategoryNetwork
	default:
		return errors.CategoryHTTP
	}
}
