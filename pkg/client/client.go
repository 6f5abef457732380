// Package client provides the iLINCS HTTP client with rate limiting,
// response caching, retries and error classification.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/ilincs-freeze/pkg/cache"
	"github.com/Sternrassler/ilincs-freeze/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for iLINCS client operations.
var (
	ilincsRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilincs_requests_total",
		Help: "Total iLINCS requests by endpoint and status",
	}, []string{"endpoint", "status"})

	ilincsRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ilincs_request_duration_seconds",
		Help:    "iLINCS request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"endpoint"})

	ilincsErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilincs_errors_total",
		Help: "Total iLINCS errors by class",
	}, []string{"class"})
)

// iLINCS API endpoints.
const (
	DefaultBaseURL = "http://www.ilincs.org/api"

	EndpointSignatureMeta     = "/SignatureMeta"
	EndpointPublicDatasets    = "/PublicDatasets"
	EndpointGeneInfos         = "/GeneInfos"
	EndpointCompounds         = "/Compounds"
	EndpointDownloadSignature = "/ilincsR/downloadSignature"
)

// DefaultRequestTimeout bounds a single metadata request attempt.
// The collections are large; the full signature list takes minutes.
const DefaultRequestTimeout = 300 * time.Second

// maxErrorBody limits how much of a failed response is kept in the error.
const maxErrorBody = 512

// Client is the iLINCS API client.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	cache      cache.Store
	limiter    *ratelimit.Limiter
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the iLINCS API, without trailing slash.
	BaseURL string

	// User-Agent header sent with every request.
	UserAgent string

	// Cache stores successful responses. Nil disables caching.
	Cache    cache.Store
	CacheTTL time.Duration

	// Rate limiting. RequestsPerSecond <= 0 disables it.
	RequestsPerSecond float64
	Burst             int

	// RequestTimeout bounds each metadata request attempt.
	RequestTimeout time.Duration

	// Retry applies to the metadata collections. Signature downloads are
	// retried per batch by the caller.
	Retry RetryPolicy
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		UserAgent:         userAgent,
		CacheTTL:          cache.DefaultTTL,
		RequestsPerSecond: 2,
		Burst:             1,
		RequestTimeout:    DefaultRequestTimeout,
		Retry:             DefaultRetryPolicy(),
	}
}

// New creates a new iLINCS client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be > 0 (got %v)", cfg.RequestTimeout)
	}

	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	logger := log.With().Str("component", "ilincs-client").Logger()

	return &Client{
		// Timeouts are applied per attempt through the request context.
		httpClient: &http.Client{},
		baseURL:    base,
		cache:      cfg.Cache,
		limiter:    ratelimit.New(cfg.RequestsPerSecond, cfg.Burst, logger),
		config:     cfg,
		logger:     logger,
	}, nil
}

// Do performs a single HTTP exchange with rate limiting, metrics and error
// classification. A nil error means a 2xx response whose body the caller
// must close; every other outcome is returned as an *APIError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	endpoint := c.endpointLabel(req.URL.Path)

	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, &APIError{
			ErrorClass: classifyTransport(err),
			Message:    "waiting for rate limiter",
			Err:        err,
		}
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing iLINCS request")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	ilincsRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())

	if err != nil {
		class := classifyTransport(err)
		ilincsErrorsTotal.WithLabelValues(string(class)).Inc()
		ilincsRequestsTotal.WithLabelValues(endpoint, string(class)).Inc()
		return nil, &APIError{
			ErrorClass: class,
			Message:    "request failed",
			Err:        err,
		}
	}

	ilincsRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		class := classifyStatus(resp.StatusCode)
		ilincsErrorsTotal.WithLabelValues(string(class)).Inc()

		msg := resp.Status
		if s := strings.TrimSpace(string(snippet)); s != "" {
			msg = resp.Status + ": " + s
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    msg,
		}
	}

	return resp, nil
}

// fetch performs one attempt against endpoint. form selects a POST with a
// form body, otherwise a GET is issued. decode must reject bodies that do
// not have the expected structure; only accepted bodies are cached. cached
// reports whether the body came from the cache.
func (c *Client) fetch(ctx context.Context, endpoint string, form url.Values, decode func([]byte) error) (cached bool, err error) {
	key := cache.CacheKey{Endpoint: endpoint, Params: form}

	if c.cache != nil {
		entry, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			if derr := decode(entry.Data); derr == nil {
				c.logger.Debug().Str("endpoint", endpoint).Msg("Served from cache")
				return true, nil
			}
			c.logger.Warn().Str("endpoint", endpoint).Msg("Dropping undecodable cache entry")
			_ = c.cache.Delete(ctx, key)
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
	}

	req, err := c.newRequest(ctx, endpoint, form)
	if err != nil {
		return false, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		class := classifyTransport(err)
		ilincsErrorsTotal.WithLabelValues(string(class)).Inc()
		return false, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    "reading response body",
			Err:        err,
		}
	}

	if err := decode(body); err != nil {
		ilincsErrorsTotal.WithLabelValues(string(ErrorClassMalformed)).Inc()
		return false, malformed(resp.StatusCode, err)
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, cache.NewEntry(body, resp.StatusCode, c.config.CacheTTL)); err != nil {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Failed to cache response")
		}
	}

	return false, nil
}

func (c *Client) newRequest(ctx context.Context, endpoint string, form url.Values) (*http.Request, error) {
	target := c.baseURL.String() + endpoint

	if form == nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		return req, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// endpointLabel strips the base path so metric labels stay short.
func (c *Client) endpointLabel(path string) string {
	if p := strings.TrimPrefix(path, c.baseURL.Path); p != "" {
		return p
	}
	return path
}

// getCollection downloads a metadata collection (a JSON array of objects),
// retrying with the configured policy.
func (c *Client) getCollection(ctx context.Context, endpoint string) ([]Record, error) {
	var records []Record

	err := Retry(ctx, c.config.Retry, func(attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		_, err := c.fetch(attemptCtx, endpoint, nil, func(body []byte) error {
			var out []Record
			if err := json.Unmarshal(body, &out); err != nil {
				return err
			}
			if out == nil {
				return fmt.Errorf("expected JSON array, got null")
			}
			records = out
			return nil
		})
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("endpoint", endpoint).
				Int("attempt", attempt+1).
				Str("error_class", string(ClassOf(err))).
				Msg("Collection request failed")
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", endpoint, err)
	}

	c.logger.Info().
		Str("endpoint", endpoint).
		Int("records", len(records)).
		Msg("Collection retrieved")
	return records, nil
}

// GetSignatures returns the signature metadata collection.
func (c *Client) GetSignatures(ctx context.Context) ([]Record, error) {
	return c.getCollection(ctx, EndpointSignatureMeta)
}

// GetDatasets returns the public dataset collection.
func (c *Client) GetDatasets(ctx context.Context) ([]Record, error) {
	return c.getCollection(ctx, EndpointPublicDatasets)
}

// GetGenes returns the gene information collection.
func (c *Client) GetGenes(ctx context.Context) ([]Record, error) {
	return c.getCollection(ctx, EndpointGeneInfos)
}

// GetCompounds returns the compound collection.
func (c *Client) GetCompounds(ctx context.Context) ([]Record, error) {
	return c.getCollection(ctx, EndpointCompounds)
}

// DownloadRequest is the payload of one signature download.
type DownloadRequest struct {
	IDs     []string
	TopN    int
	Display bool
}

// Form encodes the request the way the iLINCS R endpoint expects it.
func (r DownloadRequest) Form() url.Values {
	display := "False"
	if r.Display {
		display = "True"
	}
	return url.Values{
		"sigID":        []string{strings.Join(r.IDs, ",")},
		"noOfTopGenes": []string{strconv.Itoa(r.TopN)},
		"display":      []string{display},
	}
}

// SignatureIDField names the field that ties a returned item to a signature.
const SignatureIDField = "signatureID"

// signatureEnvelope is the success body of downloadSignature.
type signatureEnvelope struct {
	Data *struct {
		Signature []Record `json:"signature"`
	} `json:"data"`
}

// DecodeSignatures parses a downloadSignature body. Every item must carry a
// string signatureID.
func DecodeSignatures(body []byte) ([]Record, error) {
	var env signatureEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.Data == nil {
		return nil, fmt.Errorf("missing data object")
	}
	if env.Data.Signature == nil {
		return nil, fmt.Errorf("missing data.signature list")
	}
	for i, item := range env.Data.Signature {
		if id, ok := item.String(SignatureIDField); !ok || id == "" {
			return nil, fmt.Errorf("item %d has no %s", i, SignatureIDField)
		}
	}
	return env.Data.Signature, nil
}

// DownloadSignatures performs one download attempt for a batch of
// signature IDs. It does not retry; a failure is returned as an *APIError
// classified as client, server, network, timeout or malformed.
func (c *Client) DownloadSignatures(ctx context.Context, req DownloadRequest) ([]Record, error) {
	items, _, err := c.FetchSignatures(ctx, req)
	return items, err
}

// FetchSignatures is DownloadSignatures that also reports whether the
// records were served from the response cache instead of iLINCS.
func (c *Client) FetchSignatures(ctx context.Context, req DownloadRequest) ([]Record, bool, error) {
	var items []Record
	cached, err := c.fetch(ctx, EndpointDownloadSignature, req.Form(), func(body []byte) error {
		out, err := DecodeSignatures(body)
		if err != nil {
			return err
		}
		items = out
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return items, cached, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
