package catalog

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

const openFDADateLayout = "20060102"

// OpenFDAConfig holds openFDA NDC directory client configuration
type OpenFDAConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	Limit     int
}

// DefaultOpenFDAConfig returns openFDA defaults. Keyless access allows 240
// requests per minute.
func DefaultOpenFDAConfig() OpenFDAConfig {
	return OpenFDAConfig{
		BaseURL:   "https://api.fda.gov",
		Timeout:   10 * time.Second,
		RateLimit: 4,
		Burst:     4,
		Limit:     100,
	}
}

// OpenFDAClient reads the package catalog from the openFDA NDC directory
type OpenFDAClient struct {
	cfg        OpenFDAConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	cache      cache.Cache[[]PackageInfo]
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewOpenFDAClient creates an openFDA client. A nil responses cache disables
// caching.
func NewOpenFDAClient(cfg OpenFDAConfig, breaker *circuitbreaker.CircuitBreaker, responses cache.Cache[[]PackageInfo], logger *zap.Logger) *OpenFDAClient {
	def := DefaultOpenFDAConfig()
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
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenFDAClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		breaker:    breaker,
		cache:      responses,
		logger:     logger,
		tracer:     otel.Tracer("openfda-client"),
		now:        time.Now,
	}
}

// BreakerSuccess reports which errors should not count against openFDA health
func BreakerSuccess(err error) bool {
	return err == nil || errors.Is(err, ErrNoPackages)
}

// Packages implements Provider. The RxCUI is searched first; the name is a
// fallback when the RxCUI has no listings.
func (c *OpenFDAClient) Packages(ctx context.Context, rxcui, name string) ([]PackageInfo, error) {
	rxcui, name = strings.TrimSpace(rxcui), strings.TrimSpace(name)
	if rxcui == "" && name == "" {
		return nil, errors.New("rxcui or name is required")
	}

	ctx, span := c.tracer.Start(ctx, "openfda.packages",
		trace.WithAttributes(attribute.String("rxcui", rxcui)))
	defer span.End()

	key := rxcui + "|" + strings.ToLower(name)
	if c.cache != nil {
		if hit, ok := c.cache.Get(ctx, key); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return hit, nil
		}
	}

	var searches []string
	if rxcui != "" {
		searches = append(searches, fmt.Sprintf(`openfda.rxcui:"%s"`, rxcui))
	}
	if name != "" {
		searches = append(searches, fmt.Sprintf(`generic_name:"%s"`, strings.ReplaceAll(name, `"`, "")))
	}

	var (
		pkgs []PackageInfo
		err  error
	)
	for _, search := range searches {
		pkgs, err = c.search(ctx, search)
		if err == nil && len(pkgs) > 0 {
			break
		}
		if err != nil && !errors.Is(err, ErrNoPackages) {
			span.RecordError(err)
			return nil, fmt.Errorf("openfda search %s: %w", search, err)
		}
		c.logger.Debug("openfda search returned no packages", zap.String("search", search))
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("rxcui %q: %w", rxcui, ErrNoPackages)
	}

	if c.cache != nil {
		c.cache.Set(ctx, key, pkgs)
	}
	span.SetAttributes(attribute.Int("packages", len(pkgs)))
	return pkgs, nil
}

type ndcResponse struct {
	Results []ndcProduct `json:"results"`
}

type ndcProduct struct {
	ProductNDC       string       `json:"product_ndc"`
	MarketingEndDate string       `json:"marketing_end_date"`
	Packaging        []ndcPackage `json:"packaging"`
}

type ndcPackage struct {
	PackageNDC         string `json:"package_ndc"`
	Description        string `json:"description"`
	MarketingStartDate string `json:"marketing_start_date"`
	MarketingEndDate   string `json:"marketing_end_date"`
	Sample             bool   `json:"sample"`
}

func (c *OpenFDAClient) search(ctx context.Context, search string) ([]PackageInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	params := url.Values{
		"search": {search},
		"limit":  {fmt.Sprint(c.cfg.Limit)},
	}
	if c.cfg.APIKey != "" {
		params.Set("api_key", c.cfg.APIKey)
	}
	u := c.cfg.BaseURL + "/drug/ndc.json?" + params.Encode()

	call := func(ctx context.Context) (*ndcResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNoPackages
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("openfda: status %d", resp.StatusCode)
		}

		var body ndcResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode openfda response: %w", err)
		}
		return &body, nil
	}

	var (
		body *ndcResponse
		err  error
	)
	if c.breaker == nil {
		body, err = call(ctx)
	} else {
		body, err = circuitbreaker.Do(ctx, c.breaker, call)
	}
	if err != nil {
		return nil, err
	}
	return c.flatten(body.Results), nil
}

func (c *OpenFDAClient) flatten(products []ndcProduct) []PackageInfo {
	now := c.now()
	var out []PackageInfo
	for _, product := range products {
		for _, p := range product.Packaging {
			end := parseDate(p.MarketingEndDate)
			if end == nil {
				end = parseDate(product.MarketingEndDate)
			}
			out = append(out, PackageInfo{
				ProductNDC:     product.ProductNDC,
				PackageNDC:     p.PackageNDC,
				Description:    p.Description,
				Size:           ParsePackageSize(p.Description),
				Status:         StatusAt(end, now),
				IsSample:       p.Sample,
				MarketingStart: parseDate(p.MarketingStartDate),
				MarketingEnd:   end,
			})
		}
	}
	return out
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(openFDADateLayout, s)
	if err != nil {
		return nil
	}
	return &t
}
