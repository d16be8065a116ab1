// Package rxnorm normalizes free-text drug names and NDCs to RxNorm concepts
// using the NLM RxNav REST API.
package rxnorm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/drfirst/go-rxcalc/internal/cache"
	"github.com/drfirst/go-rxcalc/pkg/circuitbreaker"
)

// ErrNotFound indicates RxNav has no concept for the query
var ErrNotFound = errors.New("drug not found in RxNorm")

// Source records how a query was resolved
type Source string

const (
	SourceNDC         Source = "ndc"
	SourceApproximate Source = "approximate_term"
)

// NormalizeResult is the outcome of a normalization
type NormalizeResult struct {
	Succeeded   bool   `json:"succeeded"`
	RxCUI       string `json:"rxcui,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Source      Source `json:"source,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Config holds RxNav client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RateLimit is requests per second; RxNav allows 20
	RateLimit float64
	Burst     int
}

// DefaultConfig returns RxNav defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://rxnav.nlm.nih.gov",
		Timeout:   10 * time.Second,
		RateLimit: 15,
		Burst:     5,
	}
}

// Client resolves drugs against RxNav
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	cache      cache.Cache[NormalizeResult]
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewClient creates an RxNav client. A nil responses cache disables caching.
func NewClient(cfg Config, breaker *circuitbreaker.CircuitBreaker, responses cache.Cache[NormalizeResult], logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		breaker:    breaker,
		cache:      responses,
		logger:     logger,
		tracer:     otel.Tracer("rxnorm-client"),
	}
}

// BreakerSuccess reports which errors should not count against RxNav health
func BreakerSuccess(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound)
}

// Normalize resolves a drug name or NDC to an RxCUI. A query that is not
// found returns a result with Succeeded=false and an error wrapping
// ErrNotFound.
func (c *Client) Normalize(ctx context.Context, query string) (*NormalizeResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("drug query cannot be empty")
	}

	ctx, span := c.tracer.Start(ctx, "rxnorm.normalize",
		trace.WithAttributes(attribute.String("query", query)))
	defer span.End()

	key := strings.ToLower(query)
	if c.cache != nil {
		if hit, ok := c.cache.Get(ctx, key); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return &hit, nil
		}
	}

	var (
		res *NormalizeResult
		err error
	)
	if ndc, ok := asNDC(query); ok {
		res, err = c.byNDC(ctx, ndc)
	} else {
		res, err = c.byName(ctx, query)
	}

	if errors.Is(err, ErrNotFound) {
		return &NormalizeResult{Error: fmt.Sprintf("no RxNorm concept found for %q", query)},
			fmt.Errorf("normalize %q: %w", query, err)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("normalize %q: %w", query, err)
	}

	if c.cache != nil {
		c.cache.Set(ctx, key, *res)
	}
	span.SetAttributes(attribute.String("rxcui", res.RxCUI))
	return res, nil
}

type ndcStatusResponse struct {
	NDCStatus struct {
		Status      string `json:"status"`
		RxCUI       string `json:"rxcui"`
		ConceptName string `json:"conceptName"`
	} `json:"ndcStatus"`
}

func (c *Client) byNDC(ctx context.Context, ndc string) (*NormalizeResult, error) {
	var body ndcStatusResponse
	if err := c.getJSON(ctx, "/REST/ndcstatus.json", url.Values{"ndc": {ndc}}, &body); err != nil {
		return nil, err
	}
	if body.NDCStatus.RxCUI == "" {
		return nil, ErrNotFound
	}
	return &NormalizeResult{
		Succeeded:   true,
		RxCUI:       body.NDCStatus.RxCUI,
		DisplayName: body.NDCStatus.ConceptName,
		Source:      SourceNDC,
	}, nil
}

type approximateTermResponse struct {
	ApproximateGroup struct {
		Candidate []struct {
			RxCUI string `json:"rxcui"`
			Name  string `json:"name"`
		} `json:"candidate"`
	} `json:"approximateGroup"`
}

type propertiesResponse struct {
	Properties struct {
		Name string `json:"name"`
	} `json:"properties"`
}

func (c *Client) byName(ctx context.Context, name string) (*NormalizeResult, error) {
	var body approximateTermResponse
	params := url.Values{"term": {name}, "maxEntries": {"1"}}
	if err := c.getJSON(ctx, "/REST/approximateTerm.json", params, &body); err != nil {
		return nil, err
	}

	var rxcui, display string
	for _, cand := range body.ApproximateGroup.Candidate {
		if cand.RxCUI != "" {
			rxcui, display = cand.RxCUI, cand.Name
			break
		}
	}
	if rxcui == "" {
		return nil, ErrNotFound
	}

	if display == "" {
		var props propertiesResponse
		if err := c.getJSON(ctx, "/REST/rxcui/"+url.PathEscape(rxcui)+"/properties.json", nil, &props); err != nil {
			c.logger.Warn("rxcui properties lookup failed", zap.String("rxcui", rxcui), zap.Error(err))
		}
		display = props.Properties.Name
	}

	return &NormalizeResult{
		Succeeded:   true,
		RxCUI:       rxcui,
		DisplayName: display,
		Source:      SourceApproximate,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	call := func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return struct{}{}, ErrNotFound
		case resp.StatusCode >= 400:
			return struct{}{}, fmt.Errorf("rxnav %s: status %d", path, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, fmt.Errorf("decode rxnav %s: %w", path, err)
		}
		return struct{}{}, nil
	}

	if c.breaker == nil {
		_, err := call(ctx)
		return err
	}
	_, err := circuitbreaker.Do(ctx, c.breaker, call)
	return err
}

// asNDC returns the digits of query when it looks like a 10 or 11 digit NDC
func asNDC(query string) (string, bool) {
	digits := strings.NewReplacer("-", "", " ", "").Replace(query)
	if len(digits) != 10 && len(digits) != 11 {
		return "", false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return digits, true
}
